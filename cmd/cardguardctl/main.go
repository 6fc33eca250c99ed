// Command cardguardctl is the operator tool for cardguard: it seeds and
// backfills the state store from CSV exports and replays events offline.
//
// Usage:
//
//	cardguardctl seed-lookup card_lookup.csv       # Replace lookup records
//	cardguardctl load-ledger card_transactions.csv # Backfill the ledger
//	cardguardctl score --geo zipcodes.csv --lookup card_lookup.csv events.jsonl
//	cardguardctl distance --geo zipcodes.csv 10001 90012
//	cardguardctl classify 900 500 750 10
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
