package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/api"
	"github.com/pnw-tools/raidscout/internal/monitoring"
	"github.com/pnw-tools/raidscout/internal/snapshot"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the raid API server with scheduled ingest",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Reference.Ensure(ctx); err != nil {
			zap.L().Warn("no snapshot loaded yet, waiting for first ingest", zap.Error(err))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sched := snapshot.NewScheduler(cfg.Snapshot.ScheduleHour, env.Location, cfg.Snapshot.RunAtStartup)
			sched.Run(ctx, func(ctx context.Context) {
				runIngest(ctx, env, time.Time{})
			})
		}()
		go func() {
			defer wg.Done()
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			checker.Run(ctx)
		}()

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stop()
			wg.Wait()
			return eris.Wrap(err, "server listen")
		}

		wg.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the environment into the HTTP API.
func buildRouter(env *appEnv) http.Handler {
	return api.NewRouter(api.Deps{
		Raid:           env.Pipeline,
		Keys:           env.Keys,
		Status:         env.Collector,
		Metrics:        env.Metrics.Handler(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PageSize:       cfg.Raid.DefaultResultSize,
		LookbackHours:  cfg.Monitoring.LookbackWindowHours,
	})
}
