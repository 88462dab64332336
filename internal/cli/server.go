package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sosiouxme/throttle/internal/clock"
	"github.com/sosiouxme/throttle/internal/config"
	"github.com/sosiouxme/throttle/internal/logging"
	"github.com/sosiouxme/throttle/internal/notify"
	"github.com/sosiouxme/throttle/internal/recorder"
	"github.com/sosiouxme/throttle/internal/server"
)

func newServerCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		recordFile string
		logLevel   string
		storage    = defaultStorageOptions()
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the configured throttles over HTTP",
		Long: `Starts an HTTP service that counts events against the throttles listed in
the config file. Every instance pointed at the same Redis shares its counts.

Endpoints:
  GET  /                              Server info and current time
  GET  /health                        Health check
  GET  /throttles                     List throttles
  GET  /throttles/{name}              Describe one throttle
  POST /throttles/{name}/events       Record events (?count=N, default 1)
  WS   /ws                            Live stream of trigger events`,
		Example: `  throttle server --config throttle.json
  throttle server --config throttle.json --storage redis --redis-host localhost:6379
  throttle server --record events.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("record") {
				cfg.Server.RecordFile = recordFile
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			storage.applyConfigIfUnset(cmd, &cfg.Storage)
			if err := storage.normalize(); err != nil {
				return err
			}
			cfg.Storage = storage.toConfig()
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(logging.Options{
				Environment: cfg.Log.Environment,
				Level:       cfg.Log.Level,
				Format:      cfg.Log.Format,
			})
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Graceful shutdown on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to JSON config file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&recordFile, "record", "", "record trigger events to JSON file (exported on shutdown)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	storage.addFlags(cmd)

	return cmd
}

func runServer(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clk := clock.NewRealClock()

	c, closeCache, err := openCache(ctx, cfg.Storage, clk, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCache(); err != nil {
			logger.Warn("closing cache", zap.Error(err))
		}
	}()

	hub := server.NewHub(logger)
	notifiers := notify.Multi{notify.NewLogNotifier(logger), hub}

	var rec *recorder.Recorder
	if cfg.Server.RecordFile != "" {
		rec = recorder.New(nil)
		notifiers = append(notifiers, rec)
	}

	if cfg.Notify.Kafka.Enabled() {
		kn, err := notify.NewKafkaNotifier(cfg.Notify.Kafka, logger)
		if err != nil {
			return err
		}
		defer kn.Close()
		notifiers = append(notifiers, notify.Filter(kn, notify.ActionNotify))
	}

	throttles, err := buildThrottles(ctx, cfg.Throttles, c, cfg.Storage.Prefix, notifiers, clk, logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Addr:        cfg.Server.Addr,
		CORSOrigins: cfg.Server.CORSOrigins,
		Clock:       clk,
		Logger:      logger,
		Hub:         hub,
	}, throttles...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Export recordings if enabled.
		if rec != nil {
			logger.Info("exporting trigger events",
				zap.Int("count", rec.Len()),
				zap.String("file", cfg.Server.RecordFile))
			if err := rec.ExportFile(cfg.Server.RecordFile); err != nil {
				logger.Error("exporting trigger events", zap.Error(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
