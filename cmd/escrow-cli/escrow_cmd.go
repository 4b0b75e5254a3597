package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, string(e.Data))
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// rpcCall is a variable so tests can intercept RPC traffic.
var rpcCall = callRPC

func runCommand(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "complete":
		return runComplete(args[1:], stdout, stderr)
	case "refund":
		return runActor("refund", "escrow_requestRefund", args[1:], stdout, stderr)
	case "cancel":
		return runActor("cancel", "escrow_cancel", args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "set-primary-token":
		return runSetPrimaryToken(args[1:], stdout, stderr)
	case "get-primary-token":
		return runGetPrimaryToken(args[1:], stdout, stderr)
	case "mint":
		return runMint(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

type endpoint struct {
	url   string
	token string
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *endpoint) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	ep := &endpoint{}
	fs.StringVar(&ep.url, "rpc", defaultString("ESCROWD_RPC_URL", "http://127.0.0.1:8545"), "RPC endpoint")
	fs.StringVar(&ep.token, "token", os.Getenv("ESCROWD_RPC_TOKEN"), "bearer token")
	return fs, ep
}

func defaultString(env, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	return fallback
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs, ep := newFlagSet("escrow-cli create", stderr)
	var (
		owner       string
		amount      string
		asset       string
		duration    uint64
		description string
		value       string
	)
	fs.StringVar(&owner, "owner", "", "owner address")
	fs.StringVar(&amount, "amount", "", "escrow amount")
	fs.StringVar(&asset, "asset", "native", "asset: native, primary, or token address")
	fs.Uint64Var(&duration, "duration-days", 0, "days until the deadline")
	fs.StringVar(&description, "description", "", "off-chain description reference")
	fs.StringVar(&value, "value", "", "attached native value")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	params := map[string]interface{}{
		"owner":          owner,
		"amount":         amount,
		"asset":          asset,
		"durationDays":   duration,
		"descriptionRef": description,
	}
	if strings.TrimSpace(value) != "" {
		params["value"] = value
	}
	return call(ep, "escrow_create", params, stdout, stderr)
}

func runComplete(args []string, stdout, stderr io.Writer) int {
	fs, ep := newFlagSet("escrow-cli complete", stderr)
	var (
		id        uint64
		caller    string
		recipient string
	)
	fs.Uint64Var(&id, "id", 0, "escrow id")
	fs.StringVar(&caller, "caller", "", "caller address")
	fs.StringVar(&recipient, "recipient", "", "recipient address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return call(ep, "escrow_complete", map[string]interface{}{
		"id":        id,
		"caller":    caller,
		"recipient": recipient,
	}, stdout, stderr)
}

func runActor(name, method string, args []string, stdout, stderr io.Writer) int {
	fs, ep := newFlagSet("escrow-cli "+name, stderr)
	var (
		id     uint64
		caller string
	)
	fs.Uint64Var(&id, "id", 0, "escrow id")
	fs.StringVar(&caller, "caller", "", "caller address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return call(ep, method, map[string]interface{}{"id": id, "caller": caller}, stdout, stderr)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs, ep := newFlagSet("escrow-cli get", stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return call(ep, "escrow_get", map[string]interface{}{"id": id}, stdout, stderr)
}

func runSetPrimaryToken(args []string, stdout, stderr io.Writer) int {
	fs, ep := newFlagSet("escrow-cli set-primary-token", stderr)
	var (
		caller  string
		address string
	)
	fs.StringVar(&caller, "caller", "", "administrator address")
	fs.StringVar(&address, "address", "", "new primary token address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return call(ep, "escrow_setPrimaryToken", map[string]interface{}{
		"caller":  caller,
		"address": address,
	}, stdout, stderr)
}

func runGetPrimaryToken(args []string, stdout, stderr io.Writer) int {
	fs, ep := newFlagSet("escrow-cli get-primary-token", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return call(ep, "escrow_getPrimaryToken", map[string]interface{}{}, stdout, stderr)
}

func runMint(args []string, stdout, stderr io.Writer) int {
	fs, ep := newFlagSet("escrow-cli mint", stderr)
	var (
		to     string
		amount string
		asset  string
	)
	fs.StringVar(&to, "to", "", "destination address")
	fs.StringVar(&amount, "amount", "", "amount to credit")
	fs.StringVar(&asset, "asset", "native", "asset: native or token address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return call(ep, "ledger_mint", map[string]interface{}{
		"to":     to,
		"amount": amount,
		"asset":  asset,
	}, stdout, stderr)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs, ep := newFlagSet("escrow-cli balance", stderr)
	var (
		address string
		asset   string
	)
	fs.StringVar(&address, "address", "", "account address")
	fs.StringVar(&asset, "asset", "native", "asset: native or token address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return call(ep, "ledger_balance", map[string]interface{}{
		"address": address,
		"asset":   asset,
	}, stdout, stderr)
}

func call(ep *endpoint, method string, params map[string]interface{}, stdout, stderr io.Writer) int {
	result, err := rpcCall(ep, method, params)
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", method, err)
		return 1
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, result, "", "  ") == nil {
		fmt.Fprintln(stdout, pretty.String())
	} else {
		fmt.Fprintln(stdout, string(result))
	}
	return 0
}

func callRPC(ep *endpoint, method string, params map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, ep.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.token)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	return decoded.Result, nil
}
