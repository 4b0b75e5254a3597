package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowd/native/escrow"
	"escrowd/observability"
)

type escrowCreateParams struct {
	Owner          string `json:"owner"`
	Amount         string `json:"amount"`
	Asset          string `json:"asset"`
	DurationDays   uint64 `json:"durationDays"`
	DescriptionRef string `json:"descriptionRef"`
	Value          string `json:"value,omitempty"`
}

type escrowCompleteParams struct {
	ID        uint64 `json:"id"`
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
}

type escrowActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowSetPrimaryTokenParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
}

type ledgerMintParams struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type ledgerBalanceParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type escrowCreateResult struct {
	ID uint64 `json:"id"`
}

type escrowJSON struct {
	ID             uint64  `json:"id"`
	Owner          string  `json:"owner"`
	Recipient      *string `json:"recipient,omitempty"`
	Amount         string  `json:"amount"`
	Asset          string  `json:"asset"`
	Deadline       int64   `json:"deadline"`
	DescriptionRef string  `json:"descriptionRef"`
	CreatedAt      int64   `json:"createdAt"`
	Status         string  `json:"status"`
}

func recordToJSON(rec *escrow.Record) escrowJSON {
	out := escrowJSON{
		ID:             rec.ID,
		Owner:          rec.Owner.Hex(),
		Amount:         rec.Amount.String(),
		Asset:          rec.Asset.String(),
		Deadline:       rec.Deadline,
		DescriptionRef: rec.DescriptionRef,
		CreatedAt:      rec.CreatedAt,
		Status:         rec.Status.String(),
	}
	if rec.Recipient != nil {
		hex := rec.Recipient.Hex()
		out.Recipient = &hex
	}
	return out
}

func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], dst)
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s is not a hex address", field)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s must be non-zero", field)
	}
	return addr, nil
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not a decimal integer", field)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must not be negative", field)
	}
	return amount, nil
}

// parseAsset resolves the wire form of an asset: "native", "primary", or a
// hex token address.
func parseAsset(value string) (escrow.Asset, error) {
	trimmed := strings.TrimSpace(value)
	switch strings.ToLower(trimmed) {
	case "", "native":
		return escrow.NativeAsset(), nil
	case "primary":
		return escrow.PrimaryTokenAsset(), nil
	}
	if !common.IsHexAddress(trimmed) {
		return escrow.Asset{}, fmt.Errorf("asset must be native, primary, or a hex token address")
	}
	return escrow.TokenAsset(common.HexToAddress(trimmed)), nil
}

// writeEscrowError maps a state machine sentinel onto the JSON-RPC error
// surface.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "forbidden", err.Error())
	case errors.Is(err, escrow.ErrAlreadyCompleted),
		errors.Is(err, escrow.ErrAlreadyRefunded),
		errors.Is(err, escrow.ErrDeadlineExpired),
		errors.Is(err, escrow.ErrDeadlineNotYetPassed):
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "conflict", err.Error())
	case errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusConflict, id, codeEscrowInternal, "transfer_failed", err.Error())
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidDuration),
		errors.Is(err, escrow.ErrInvalidDescription),
		errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, escrow.ErrUnexpectedNativeValue),
		errors.Is(err, escrow.ErrInvalidRecipient),
		errors.Is(err, escrow.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_params", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal_error", err.Error())
	}
}

func observe(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.Escrow().ObserveOperation(operation, outcome, time.Since(start))
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowCreateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, err := parseAsset(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	value := big.NewInt(0)
	if strings.TrimSpace(params.Value) != "" {
		value, err = parseAmount("value", params.Value)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	start := time.Now()
	id, err := s.engine.Create(owner, amount, asset, params.DurationDays, params.DescriptionRef, value)
	observe("create", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("escrow created", "id", id, "owner", owner.Hex(), "amount", amount.String())
	writeResult(w, req.ID, escrowCreateResult{ID: id})
}

func (s *Server) handleEscrowComplete(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowCompleteParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	recipient, err := parseAddress("recipient", params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	start := time.Now()
	err = s.engine.Complete(params.ID, caller, recipient)
	observe("complete", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("escrow completed", "id", params.ID, "recipient", recipient.Hex())
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowRequestRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleRefundLike(w, r, req, "requestRefund", s.engine.RequestRefund)
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleRefundLike(w, r, req, "cancel", s.engine.Cancel)
}

func (s *Server) handleRefundLike(w http.ResponseWriter, r *http.Request, req *RPCRequest, operation string, op func(uint64, common.Address) error) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	start := time.Now()
	err = op(params.ID, caller)
	observe(operation, start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("escrow refunded", "id", params.ID, "operation", operation)
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.engine.Record(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, recordToJSON(rec))
}

func (s *Server) handleEscrowSetPrimaryToken(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowSetPrimaryTokenParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.SetPrimaryToken(caller, addr); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("primary token updated", "address", addr.Hex())
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowGetPrimaryToken(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	token := s.engine.PrimaryToken()
	if token == (common.Address{}) {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, token.Hex())
}

func (s *Server) handleLedgerMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params ledgerMintParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, err := parseAsset(params.Asset)
	if err != nil || asset.Kind == escrow.AssetPrimaryToken {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "asset must be native or a token address")
		return
	}
	if err := s.book.Mint(to, amount, asset); err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleLedgerBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params ledgerBalanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, err := parseAsset(params.Asset)
	if err != nil || asset.Kind == escrow.AssetPrimaryToken {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "asset must be native or a token address")
		return
	}
	balance, err := s.book.Balance(addr, asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, balance.String())
}
