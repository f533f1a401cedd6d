// FILE: main.go
// Package main – Program entrypoint, CLI and HTTP/metrics server.
//
// Boot sequence (every command):
//   1) loadBotEnv()                – read .env (no shell exports required)
//   2) cfg := loadConfigFromEnv()  – build runtime Config
//   3) newLogger(cfg)              – one zap logger handed to every component
//   4) NewService(cfg)             – validate config + accounts, wire the pipeline
//
// Commands:
//   run      scanner + monitor + health loops, /metrics and /healthz on PORT
//   scan     one scanner cycle, then exit
//   monitor  position monitor only (no new entries)
//   status   gate decision, accounts and open positions
//   export   trade history from the journal (json|csv)
//   replay   CSV quotes through the pipeline on the paper ledger
//   version
//
// Only a ConfigurationError stops the process at startup; everything after
// boot is logged and retried on the next cycle.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "0.3.0"
	envPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tradepilot",
		Short:         "Multi-account signal-to-execution trading pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "Path to the bot .env file")

	rootCmd.AddCommand(runCmd(), scanCmd(), monitorCmd(), statusCmd(), exportCmd(), replayCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// boot loads env and config and builds the logger.
func boot() (Config, *zap.Logger, error) {
	pre, err := newLogger(getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "json"))
	if err != nil {
		return Config{}, nil, err
	}
	loadBotEnv(envPath, pre)
	cfg := loadConfigFromEnv()
	cfg.EnvFile = envPath
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, log, nil
}

func bootService() (*Service, *zap.Logger, error) {
	cfg, log, err := boot()
	if err != nil {
		return nil, nil, err
	}
	svc, err := NewService(cfg, log)
	if err != nil {
		log.Error("[BOOT] startup failed", zap.Error(err))
		return nil, nil, err
	}
	return svc, log, nil
}

// serveHTTP starts /metrics and /healthz; the returned func shuts it down.
func serveHTTP(port int, health *HealthSupervisor, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := health.Status()
		if !st.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "broker unhealthy: %s\n", st.LastError)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("[BOOT] serving metrics", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("[BOOT] http server", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scanner, the position monitor and the health supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := bootService()
			if err != nil {
				return err
			}
			defer log.Sync()
			defer svc.Close()
			if svc.cfg.Broker == "paper" {
				return &ConfigurationError{Field: "BROKER", Reason: "the paper broker has no market data; use `tradepilot replay` or a real broker"}
			}

			stopHTTP := serveHTTP(svc.cfg.Port, svc.health, log)
			defer stopHTTP()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if open := svc.RunLive(ctx); open > 0 {
				return fmt.Errorf("shutdown with %d position(s) still open", open)
			}
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a single scanner cycle and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := bootService()
			if err != nil {
				return err
			}
			defer log.Sync()
			defer svc.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			rep := svc.scanner.RunCycle(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), FormatCycleSummary(rep))
			return rep.Err
		},
	}
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Manage open positions without opening new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := bootService()
			if err != nil {
				return err
			}
			defer log.Sync()
			defer svc.Close()

			stopHTTP := serveHTTP(svc.cfg.Port, svc.health, log)
			defer stopHTTP()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			svc.RunMonitorOnly(ctx)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the gate decision, accounts and open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := bootService()
			if err != nil {
				return err
			}
			defer log.Sync()
			defer svc.Close()

			ctx, cancel := context.WithTimeout(context.Background(), svc.cfg.AccountTimeout)
			defer cancel()

			out := cmd.OutOrStdout()
			d := svc.gate.Decision()
			fmt.Fprintf(out, "mode=%s allowed=%v reason=%q broker=%s\n\n", d.Mode, d.Allowed, d.Reason, svc.broker.Name())

			snap, err := svc.accounts.Snapshot()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tSTRATEGY\tACTIVE\tINSTRUMENTS\tOPEN\tBALANCE")
			for _, a := range snap.Accounts {
				open, bal := "?", "?"
				if trades, err := svc.view.OpenTrades(ctx, a.ID); err == nil {
					open = fmt.Sprint(len(trades))
				}
				if sum, err := svc.view.Summary(ctx, a.ID); err == nil {
					bal = fmt.Sprintf("%.2f %s", sum.Balance, sum.Currency)
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%s\t%s\n", a.ID, a.StrategyID, a.Active, len(a.Instruments), open, bal)
			}
			_ = tw.Flush()

			if svc.journal != nil {
				if n, err := svc.journal.CountDecisions(ctx); err == nil {
					fmt.Fprintf(out, "\njournal decisions: %d\n", n)
				}
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var (
		format  string
		since   string
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export trade history from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := boot()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.JournalDB == "" {
				return &ConfigurationError{Field: "JOURNAL_DB", Reason: "export needs a journal database"}
			}
			var from time.Time
			if since != "" {
				if from, err = parseTimeFlexible(since); err != nil {
					return err
				}
			}
			j, err := OpenJournal(cfg.JournalDB, log)
			if err != nil {
				return err
			}
			defer j.Close()

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return j.Export(cmd.Context(), w, format, from)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or csv")
	cmd.Flags().StringVar(&since, "since", "", "Only rows at or after this time (RFC3339 or UNIX seconds)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write to file instead of stdout")
	return cmd
}

func replayCmd() *cobra.Command {
	var (
		scanEvery  time.Duration
		closeAtEnd bool
	)
	cmd := &cobra.Command{
		Use:   "replay <quotes.csv>",
		Short: "Replay CSV quotes (time,instrument,bid,ask) through the pipeline on the paper ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := boot()
			if err != nil {
				return err
			}
			defer log.Sync()
			quotes, err := loadQuotesFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rep, err := RunReplay(ctx, quotes, NewAccountStore(cfg.AccountsPath, log), cfg,
				ReplayOptions{ScanEvery: scanEvery, CloseAtEnd: closeAtEnd}, log)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().DurationVar(&scanEvery, "scan-every", 0, "Simulated time between scanner cycles (default SCAN_INTERVAL_SEC)")
	cmd.Flags().BoolVar(&closeAtEnd, "close-at-end", true, "Close remaining positions at the last quote")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tradepilot version %s\n", version)
		},
	}
}
