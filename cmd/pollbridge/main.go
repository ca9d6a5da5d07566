package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pollbridge/pollbridge/pkg/config"
	"github.com/pollbridge/pollbridge/pkg/health"
	"github.com/pollbridge/pollbridge/pkg/log"
	"github.com/pollbridge/pollbridge/pkg/metrics"
	"github.com/pollbridge/pollbridge/pkg/poller"
	"github.com/pollbridge/pollbridge/pkg/security"
	"github.com/pollbridge/pollbridge/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pollbridge",
	Short: "Pollbridge - multi-tenant order polling bridge",
	Long: `Pollbridge polls remote business-application instances for newly
confirmed sales orders, normalizes each order into a JSON envelope, and
posts it to a downstream webhook endpoint.

Each connection is an independent tenant with its own credentials, webhook,
cadence and failure state, backed by a single embedded database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Pollbridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(connectionCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(retriesCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(sendCmd)
}

// app bundles the process-wide collaborators every command needs
type app struct {
	settings *config.Settings
	store    *storage.BoltStore
}

// openApp loads settings, initializes logging and opens the database
func openApp() (*app, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(settings.LogLevel),
		JSONOutput: os.Getenv("POLLER_LOG_JSON") == "1",
	})

	enc, err := security.NewFieldEncryptorFromPassphrase(settings.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	store, err := storage.NewBoltStore(settings.DBPath, enc)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", settings.DBPath, err)
	}

	return &app{settings: settings, store: store}, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start polling all active connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched := poller.NewScheduler(a.store)

		if a.settings.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			health.NewHandler(a.store, sched).Register(mux)
			srv := &http.Server{Addr: a.settings.MetricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("metrics listener failed", err)
				}
			}()
			defer srv.Close()
			logger := log.WithComponent("metrics")
			logger.Info().Str("addr", a.settings.MetricsAddr).Msg("metrics listener started")
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-ctx.Done()
		log.Info("shutting down")

		// Tasks finish their in-flight call, then the store is closed by
		// the deferred app close.
		sched.Stop()
		return nil
	},
}
