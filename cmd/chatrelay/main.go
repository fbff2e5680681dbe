package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatrelay/internal/api"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/ingest"
	"github.com/stupiduntilnot/chatrelay/internal/logger"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
	"github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/ollama"
	"github.com/stupiduntilnot/chatrelay/internal/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Relay chat conversations to a local language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newEventsCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (default $CHATRELAY_CONFIG)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port, overrides config")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if err != nil {
		return err
	}

	database, err := db.OpenDB(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	store := db.NewStore(database)

	if _, err := store.LogEvent(ctx, db.EventProcessStarted, map[string]any{
		"pid":     os.Getpid(),
		"gateway": cfg.Gateway.Kind,
		"addr":    cfg.Addr(),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to log process.started")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gateway, err := newGateway(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init gateway: %w", err)
	}

	assembler := ctxpkg.NewStandardAssembler(&ctxpkg.StoreProvider{Store: store})
	assembler.HistoryWindow = cfg.Context.HistoryWindow
	assembler.Compressor = &ctxpkg.BudgetCompressor{MaxChars: cfg.Context.DocContextChars}

	sessions := session.NewController(store, assembler, gateway, m, log, session.Options{
		TitleTimeout:  cfg.TitleTimeout(),
		StreamTimeout: cfg.StreamTimeout(),
	})

	ingester := ingest.New(store, gateway, cfg.Storage.UploadDir, m, log)
	ingester.SummaryTimeout = cfg.SummaryTimeout()

	server := api.New(api.Deps{
		Store:          store,
		Sessions:       sessions,
		Ingester:       ingester,
		Metrics:        m,
		Gatherer:       reg,
		Log:            log,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})
	err = g.Wait()

	if _, logErr := store.LogEvent(context.Background(), db.EventProcessShutdown, map[string]any{
		"pid": os.Getpid(),
	}); logErr != nil {
		log.Warn().Err(logErr).Msg("failed to log process.shutdown")
	}
	log.Info().Msg("shutdown complete")
	return err
}

func newGateway(cfg config.Config, log zerolog.Logger) (model.Gateway, error) {
	switch cfg.Gateway.Kind {
	case config.GatewayOllama:
		return ollama.NewClient(cfg.Gateway.OllamaURL, cfg.Gateway.OllamaModel, log), nil
	case config.GatewayDummy:
		return dummy.NewGateway(cfg.Gateway.DummyCompleteScript, cfg.Gateway.DummyStreamScript)
	default:
		return nil, fmt.Errorf("unsupported gateway: %s", cfg.Gateway.Kind)
	}
}
