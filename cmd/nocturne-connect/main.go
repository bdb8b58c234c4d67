package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nocturne/connectors/internal/orchestrator"
	"github.com/nocturne/connectors/internal/server"
	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/connector/registry"
	"github.com/nocturne/connectors/pkg/logger"
	"github.com/nocturne/connectors/pkg/observability"
	"github.com/nocturne/connectors/pkg/state"
	"github.com/nocturne/connectors/pkg/submit"

	// Register the vendor connectors
	_ "github.com/nocturne/connectors/pkg/connector/sources"
)

const serviceName = "nocturne-connect"

var version = "0.1.0"

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	var configFile, logLevel string

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Device connector host for the Nocturne store",
		Long: `nocturne-connect polls CGM and insulin pump vendor clouds, normalizes
readings and treatments and pushes them to a Nocturne-compatible store.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "connectors.yaml", "path to the YAML configuration")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", serviceName, version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available connector types",
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tPROTOCOL\tMAX LOOKBACK\tREGIONS\tDESCRIPTION")
			for _, info := range registry.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", info.Type, info.Protocol, info.MaxLookback, info.Regions, info.Description)
			}
			_ = w.Flush()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run every configured connector and the HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, logLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	})

	var days int
	syncCmd := &cobra.Command{
		Use:   "sync <connector>",
		Short: "Run one sync cycle for a connector and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, logLevel)
			if err != nil {
				return err
			}
			if days < 0 || days > server.MaxSyncDays {
				return fmt.Errorf("--days must be within [0,%d]", server.MaxSyncDays)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return syncOnce(ctx, cfg, args[0], time.Duration(days)*24*time.Hour)
		},
	}
	syncCmd.Flags().IntVar(&days, "days", 0, "lookback override in days (0 resumes from the checkpoint)")
	root.AddCommand(syncCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path, logLevel string) (*config.ServiceConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// host bundles what every command shares
type host struct {
	http    *clients.HTTPClient
	store   core.CheckpointStore
	manager *orchestrator.Manager
}

func newHost(ctx context.Context, cfg *config.ServiceConfig) (*host, error) {
	log := logger.Get()

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.MaxIdleConns = cfg.HTTP.MaxIdleConns
	httpCfg.RequestTimeout = cfg.HTTP.RequestTimeout
	httpCfg.RateLimit = cfg.HTTP.RateLimitPerSec
	httpCfg.EnableHTTP2 = cfg.HTTP.EnableHTTP2
	httpClient := clients.NewHTTPClient(httpCfg, log.Named("http"))

	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		_ = httpClient.Close()
		return nil, err
	}

	submitter := submit.New(cfg.Store, httpClient,
		submit.WithTimeout(cfg.HTTP.RequestTimeout),
		submit.WithLogger(log))

	deps := core.Dependencies{HTTP: httpClient, Logger: log}
	manager, err := orchestrator.Build(ctx, cfg, deps, submitter, store)
	if err != nil {
		_ = store.Close()
		_ = httpClient.Close()
		return nil, err
	}
	return &host{http: httpClient, store: store, manager: manager}, nil
}

func (h *host) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.manager.Close(ctx); err != nil {
		logger.Warn("failed to close connectors", zap.Error(err))
	}
	if err := h.store.Close(); err != nil {
		logger.Warn("failed to close checkpoint store", zap.Error(err))
	}
	_ = h.http.Close()
	_ = logger.Sync()
}

func run(ctx context.Context, cfg *config.ServiceConfig) error {
	shutdownTracing, err := observability.Setup(cfg.Tracing, serviceName, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	h, err := newHost(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.close()

	logger.Info("connector host starting",
		zap.String("version", version),
		zap.Strings("connectors", h.manager.Names()),
		zap.String("addr", cfg.Server.Addr()))

	srv := server.New(cfg.Server, h.manager, server.WithHTTPClient(h.http))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.manager.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })

	err = g.Wait()
	logger.Info("connector host stopped")
	return err
}

func syncOnce(ctx context.Context, cfg *config.ServiceConfig, name string, lookback time.Duration) error {
	if _, ok := cfg.Connector(name); !ok {
		return fmt.Errorf("connector %q is not configured", name)
	}

	h, err := newHost(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.close()

	res, err := h.manager.Sync(ctx, name, lookback)
	out := map[string]any{"connector": name, "success": err == nil}
	if res != nil {
		out["cycleId"] = res.CycleID
		out["from"] = res.Window.From
		out["to"] = res.Window.To
		out["entries"] = res.Entries
		out["treatments"] = res.Treatments
		out["recordErrors"] = res.RecordErrors
		if !res.Checkpoint.IsZero() {
			out["checkpoint"] = res.Checkpoint
		}
		out["duration"] = res.Duration.String()
	}
	if err != nil {
		out["error"] = err.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		return encErr
	}
	return err
}
