package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/config"
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/metrics"
	"github.com/big-armor/datapm-sub007/pkg/observability"

	// Import all available connectors to register them
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks"
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sources"
)

var version = "0.1.0"

// globalFlags are shared by every command
type globalFlags struct {
	configFile  string
	logLevel    string
	metricsAddr string
	trace       bool
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var (
		flags globalFlags
		cfg   = config.NewRunConfig()
	)

	root := &cobra.Command{
		Use:   "datapm",
		Short: "datapm - package and fetch data sets",
		Long: `datapm infers the schema of a data source into a package file and transfers
the package's records into sinks, resuming incremental transfers across runs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(flags.configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				loaded.Logging.Level = flags.logLevel
			}
			if cmd.Flags().Changed("metrics-addr") {
				loaded.Observability.MetricsAddr = flags.metricsAddr
			}
			if cmd.Flags().Changed("trace") {
				loaded.Observability.TracingEnabled = flags.trace
			}
			if err := logger.Init(loaded.Logging); err != nil {
				return err
			}
			*cfg = *loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "Path to datapm.yaml (default: ~/.config/datapm.yaml or ./datapm.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9090")
	root.PersistentFlags().BoolVar(&flags.trace, "trace", false, "Export trace spans to stderr")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("datapm v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sinks",
		Short: "List available sinks",
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range registry.ListSinks() {
				fmt.Printf("  - %s\n", s)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "List available sources",
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range registry.ListSources() {
				fmt.Printf("  - %s\n", s)
			}
		},
	})

	root.AddCommand(newPackageCommand(cfg))
	root.AddCommand(newFetchCommand(cfg))

	err := root.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// startObservability serves metrics and installs tracing as configured. The
// returned function stops both.
func startObservability(ctx context.Context, cfg *config.RunConfig) (func(), error) {
	log := logger.Get()
	var stops []func()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", addr))
		stops = append(stops, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Observability.TracingEnabled {
		shutdown, err := observability.Init(ctx, observability.TracingConfig{
			ServiceName:    cfg.Observability.ServiceName,
			ServiceVersion: version,
			Writer:         os.Stderr,
			SamplingRate:   1,
		})
		if err != nil {
			for _, stop := range stops {
				stop()
			}
			return nil, err
		}
		stops = append(stops, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		})
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}, nil
}
