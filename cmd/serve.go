package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dossier/internal/api"
	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/pipeline"
	"github.com/sells-group/dossier/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the research API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initApp(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		runner := pipeline.NewRunner(env.Orch, cfg.Pipeline.MaxConcurrentJobs)
		resumed, err := resumeJobs(ctx, env.Store, runner)
		if err != nil {
			return err
		}
		if resumed > 0 {
			zap.L().Info("resumed unfinished jobs", zap.Int("count", resumed))
		}

		srv := api.New(env.Orch, runner, env.Store, env.Resolver, api.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				_ = runner.Shutdown(context.Background())
				return eris.Wrap(err, "server listen")
			}
		}

		// Graceful shutdown
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("http shutdown", zap.Error(err))
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("jobs still running at shutdown", zap.Error(err))
		}
		return nil
	},
}

type submitter interface {
	Submit(jobID string)
}

// resumeJobs resubmits jobs left queued or running by a previous process.
func resumeJobs(ctx context.Context, st store.Store, runner submitter) (int, error) {
	count := 0
	for _, status := range []model.JobStatus{model.JobStatusQueued, model.JobStatusRunning} {
		jobs, err := st.ListJobs(ctx, store.JobFilter{Status: status, Limit: 1000})
		if err != nil {
			return count, eris.Wrap(err, "list unfinished jobs")
		}
		for _, j := range jobs {
			runner.Submit(j.ID)
			count++
		}
	}
	return count, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
