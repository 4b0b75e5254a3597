package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}
	os.Exit(runCommand(args, os.Stdout, os.Stderr))
}

func usage() string {
	return `Usage: escrow-cli <command> [flags]

Commands:
  create             create a new escrow record
  complete           release an open escrow to a recipient
  refund             refund an open escrow after its deadline
  cancel             cancel an open escrow before its deadline
  get                fetch an escrow record
  set-primary-token  update the primary token address (admin)
  get-primary-token  show the configured primary token address
  mint               credit a ledger balance (admin)
  balance            show a ledger balance

Common flags:
  -rpc    RPC endpoint (default http://127.0.0.1:8545, or ESCROWD_RPC_URL)
  -token  bearer token (or ESCROWD_RPC_TOKEN)`
}
