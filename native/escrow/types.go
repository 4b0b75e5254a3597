package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Status represents the lifecycle states of an escrow record. Open is the
// initial state; Completed and Refunded are both terminal and mutually
// exclusive.
type Status uint8

const (
	StatusOpen Status = iota
	StatusCompleted
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusCompleted, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// AssetKind distinguishes the three funding paths an escrow can take. The
// primary-token kind is a creation-time sentinel only: the engine resolves it
// to the configured token address before a record is persisted, so a stored
// record is always native or a concrete token.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetPrimaryToken
	AssetToken
)

// Asset identifies the currency an escrow amount is denominated in. Token is
// meaningful only when Kind is AssetToken.
type Asset struct {
	Kind  AssetKind      `json:"kind"`
	Token common.Address `json:"token"`
}

// NativeAsset returns the native-currency asset identifier.
func NativeAsset() Asset { return Asset{Kind: AssetNative} }

// PrimaryTokenAsset returns the sentinel asset resolved by the engine to the
// configured primary token at creation time.
func PrimaryTokenAsset() Asset { return Asset{Kind: AssetPrimaryToken} }

// TokenAsset returns the asset identifier for an explicit token address.
func TokenAsset(addr common.Address) Asset { return Asset{Kind: AssetToken, Token: addr} }

func (a Asset) String() string {
	switch a.Kind {
	case AssetNative:
		return "native"
	case AssetPrimaryToken:
		return "primary"
	case AssetToken:
		return a.Token.Hex()
	default:
		return fmt.Sprintf("asset(%d)", uint8(a.Kind))
	}
}

// Record captures one funded escrow: the immutable terms fixed at creation
// and the runtime status driven by the state machine. Recipient is nil until
// the record is completed and immutable afterwards.
type Record struct {
	ID             uint64          `json:"id"`
	Owner          common.Address  `json:"owner"`
	Recipient      *common.Address `json:"recipient,omitempty"`
	Amount         *big.Int        `json:"amount"`
	Asset          Asset           `json:"asset"`
	Deadline       int64           `json:"deadline"`
	DescriptionRef string          `json:"descriptionRef"`
	CreatedAt      int64           `json:"createdAt"`
	Status         Status          `json:"status"`
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if r.Recipient != nil {
		recipient := *r.Recipient
		clone.Recipient = &recipient
	}
	return &clone
}

// SanitizeRecord validates and normalises a record before persistence,
// returning a cloned instance with a non-nil amount. The sentinel asset kind
// is rejected: records must carry a resolved asset. The function does not
// mutate the original value.
func SanitizeRecord(r *Record) (*Record, error) {
	if r == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := r.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	switch clone.Asset.Kind {
	case AssetNative:
	case AssetToken:
		if clone.Asset.Token == (common.Address{}) {
			return nil, ErrInvalidAddress
		}
	default:
		return nil, fmt.Errorf("escrow: unresolved asset kind %d", clone.Asset.Kind)
	}
	if strings.TrimSpace(clone.DescriptionRef) == "" {
		return nil, ErrInvalidDescription
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", clone.Status)
	}
	if (clone.Recipient != nil) != (clone.Status == StatusCompleted) {
		return nil, fmt.Errorf("escrow: recipient set does not match status %s", clone.Status)
	}
	return clone, nil
}
