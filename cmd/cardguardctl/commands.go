package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/cardguard/internal/config"
	"github.com/mbd888/cardguard/internal/fraud"
	"github.com/mbd888/cardguard/internal/ingest"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/refdata"
	"github.com/mbd888/cardguard/internal/scoring"
	"github.com/mbd888/cardguard/internal/statestore"
	"github.com/mbd888/cardguard/internal/txn"
)

// maxEventLine bounds one JSON event in a replay file.
const maxEventLine = 1 << 20

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "cardguardctl",
		Short:        "Operate the cardguard fraud scorer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		slog.SetDefault(logging.NewWithWriter(cmd.ErrOrStderr(), logLevel, "text"))
	}

	root.AddCommand(
		newSeedLookupCmd(),
		newLoadLedgerCmd(),
		newScoreCmd(),
		newDistanceCmd(),
		newClassifyCmd(),
	)
	return root
}

// --- State store ---

func newSeedLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-lookup [card_lookup.csv]",
		Short: "Replace card lookup records from a CSV export",
		Long: `Reads card_id,member_id,score,ucl,postcode,transaction_dt rows and
writes one lookup record per card to the configured state store.
The store is selected by STORE_BACKEND and its connection variables.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store statestore.Store) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()

				stats, err := refdata.SeedLookup(ctx, f, store)
				printStats(cmd.OutOrStdout(), "lookup records", stats)
				return err
			})
		},
	}
}

func newLoadLedgerCmd() *cobra.Command {
	var processedAt string

	cmd := &cobra.Command{
		Use:   "load-ledger [card_transactions.csv]",
		Short: "Backfill the ledger with historical scored transactions",
		Long: `Reads card_id,member_id,amount,postcode,pos_id,transaction_dt,status
rows and appends them to the ledger. Keys derive from --processed-at, so
loading the same file twice with the same value adds nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, processedAt)
			if err != nil {
				return fmt.Errorf("--processed-at: %w", err)
			}
			return withStore(cmd, func(ctx context.Context, store statestore.Store) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()

				stats, err := refdata.LoadLedger(ctx, f, store, at)
				printStats(cmd.OutOrStdout(), "ledger rows", stats)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&processedAt, "processed-at", time.Now().UTC().Format(time.RFC3339), "processing time recorded on loaded rows (RFC 3339)")
	return cmd
}

// withStore opens the configured backend behind the same guard the server
// uses and runs fn.
func withStore(cmd *cobra.Command, fn func(context.Context, statestore.Store) error) error {
	cfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	backend, closeBackend, err := statestore.Open(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer closeBackend()

	return fn(ctx, statestore.NewGuarded(backend, statestore.GuardOptionsFrom(cfg)))
}

func printStats(w io.Writer, what string, s refdata.Stats) {
	fmt.Fprintf(w, "%s: %d rows, %d loaded, %d skipped\n", what, s.Rows, s.Loaded, s.Skipped)
}

// --- Offline scoring ---

func newScoreCmd() *cobra.Command {
	var geoPath, lookupPath string

	cmd := &cobra.Command{
		Use:   "score [events.jsonl]",
		Short: "Replay events through an in-memory scorer",
		Long: `Scores one JSON event per line, in file order, against an in-memory
store seeded from --lookup. Results are written as JSON lines. Reads stdin
when no file is given. Malformed lines are reported and skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			geoIndex, _, err := refdata.LoadGeoFile(geoPath)
			if err != nil {
				return err
			}

			store := statestore.NewMemoryStore()
			if lookupPath != "" {
				f, err := os.Open(lookupPath)
				if err != nil {
					return err
				}
				_, err = refdata.SeedLookup(ctx, f, store)
				f.Close()
				if err != nil {
					return err
				}
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			pipeline := scoring.New(store, geoIndex, scoring.WithLogger(slog.Default()))
			return replay(ctx, pipeline, in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&geoPath, "geo", os.Getenv("GEO_CSV_PATH"), "postal code coordinate CSV")
	cmd.Flags().StringVar(&lookupPath, "lookup", "", "card lookup CSV to seed the in-memory store")
	return cmd
}

// replay scores each line of in and writes one result per scored event.
func replay(ctx context.Context, p *scoring.Pipeline, in io.Reader, out, errOut io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventLine)
	enc := json.NewEncoder(out)

	counts := make(map[txn.Verdict]int)
	line, skipped := 0, 0
	for scanner.Scan() {
		line++
		payload := scanner.Bytes()
		if len(payload) == 0 {
			continue
		}
		ev, err := ingest.DecodeEvent(payload)
		if err != nil {
			fmt.Fprintf(errOut, "line %d: %v\n", line, err)
			skipped++
			continue
		}
		res, err := p.Process(ctx, ev)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		counts[res.Verdict]++
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Fprintf(errOut, "%d genuine, %d fraud, %d error, %d skipped\n",
		counts[txn.VerdictGenuine], counts[txn.VerdictFraud], counts[txn.VerdictError], skipped)
	return nil
}

// --- Diagnostics ---

func newDistanceCmd() *cobra.Command {
	var geoPath string

	cmd := &cobra.Command{
		Use:   "distance [from-postcode] [to-postcode]",
		Short: "Print the great-circle distance between two postal codes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("from postcode: %w", err)
			}
			to, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("to postcode: %w", err)
			}

			geoIndex, _, err := refdata.LoadGeoFile(geoPath)
			if err != nil {
				return err
			}
			km, ok := geoIndex.Distance(from, to)
			if !ok {
				return fmt.Errorf("no usable coordinates for %d or %d", from, to)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.3f km\n", km)
			return nil
		},
	}
	cmd.Flags().StringVar(&geoPath, "geo", os.Getenv("GEO_CSV_PATH"), "postal code coordinate CSV")
	return cmd
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [amount] [ucl] [score] [speed-km-per-hour]",
		Short: "Apply the fraud rules to explicit inputs",
		Long: `Prints genuine, fraud or invalid_input, followed by the rules that
fired. A negative speed means the speed could not be determined.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			outcome := fraud.ClassifyText(args[0], args[1], args[2], args[3])
			if outcome != fraud.OutcomeFraud {
				fmt.Fprintln(out, outcome)
				return nil
			}

			vals := make([]float64, 4)
			for i, a := range args {
				vals[i], _ = strconv.ParseFloat(strings.TrimSpace(a), 64)
			}
			fmt.Fprintln(out, outcome, fraud.Reasons(vals[0], vals[1], vals[2], vals[3]))
			return nil
		},
	}
}
