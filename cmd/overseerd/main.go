// Command overseerd is the thin entrypoint wiring config, store, workflow
// engine, idempotency layer, poller, and the non-core HTTP/relay transports
// together, as a cobra root command with serve/migrate/gate-check
// subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"overseer/internal/config"
	"overseer/internal/domain"
	"overseer/internal/eventlog"
	"overseer/internal/gateconfig"
	"overseer/internal/idempotency"
	"overseer/internal/logging"
	"overseer/internal/metrics"
	"overseer/internal/store"
	"overseer/internal/tracing"
	transporthttp "overseer/internal/transport/http"
	"overseer/internal/transport/relay"
	"overseer/internal/workflow"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "overseerd",
		Short: "Overseer: task/review/gate orchestration engine",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to overseer.yaml/toml")

	root.AddCommand(serveCmd(&cfgPath), migrateCmd(&cfgPath), gateCheckCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and relay transports until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *cfgPath)
		},
	}
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The reference Store is an in-memory map with no schema to
			// migrate; this subcommand exists for parity with deployments
			// that swap in a real database behind the same Store interface.
			fmt.Fprintln(cmd.OutOrStdout(), green("nothing to migrate: in-memory store has no schema"))
			return nil
		},
	}
}

func gateCheckCmd(cfgPath *string) *cobra.Command {
	var repoPath string
	cmd := &cobra.Command{
		Use:   "gate-check",
		Short: "Validate a repo's .overseer/gates.toml without starting a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(repoPath)
			if err != nil {
				return fmt.Errorf("read gates file: %w", err)
			}
			entries, err := gateconfig.ParseRepoGates(data)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), red(fmt.Sprintf("invalid: %v", err)))
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (timeout=%ds retries=%d)\n", green("ok"), e.Name, e.TimeoutSecs, e.MaxRetries)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "file", ".overseer/gates.toml", "path to the gates.toml file to validate")
	return cmd
}

func runServe(ctx context.Context, cfgPath string) error {
	logger := logging.NewComponentLogger("cmd.overseerd")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer, err := tracing.New(ctx, tracing.Config{OTLPEndpoint: cfg.OTLPEndpoint, ServiceName: "overseer"})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	rec, err := metrics.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st := store.NewMemory()
	log := eventlog.New(eventlog.FromEvents(st.Events()))

	engine := workflow.New(st, log, workflow.WithTracer(tracer), workflow.WithMetrics(rec))

	idem := idempotency.New(st.Idempotency(), rec)

	if cfg.RelayToken == "" {
		fmt.Println(yellow("warning: relay_token is empty, relay connections will not be authenticated"))
	}

	httpServer := transporthttp.New(engine, idem, rec)
	relayServer := relay.New(engine, cfg.RelayToken)

	errs := make(chan error, 3)

	go func() {
		logger.Info("http transport listening on %s", cfg.HTTPAddr)
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpServer.Handler()}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- fmt.Errorf("http transport: %w", err)
		}
	}()

	go func() {
		logger.Info("relay transport listening on %s", cfg.RelayAddr)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", relayServer.ServeHTTP)
		srv := &http.Server{Addr: cfg.RelayAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- fmt.Errorf("relay transport: %w", err)
		}
	}()

	gcCron := cron.New()
	if _, err := gcCron.AddFunc(cfg.IdempotencyGCEvery, func() {
		removed, err := idem.RunGC(context.Background())
		if err != nil {
			logger.Error("idempotency gc failed: %v", err)
			return
		}
		logger.Info("idempotency gc removed %d expired records", removed)
	}); err != nil {
		return fmt.Errorf("schedule idempotency gc: %w", err)
	}
	gcCron.Start()
	defer gcCron.Stop()

	pollTicker := time.NewTicker(cfg.GatePollInterval)
	defer pollTicker.Stop()
	go func() {
		reqCtx := domain.RequestContext{Source: domain.SourceCli}
		for {
			select {
			case <-ctx.Done():
				return
			case <-pollTicker.C:
				engine.PollPending(ctx, reqCtx)
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errs:
		return err
	}
}
