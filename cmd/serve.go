package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/engine"
	"github.com/sells-group/orderflow/internal/jobs"
)

var (
	servePort   int
	serveNoJobs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the order API server and maintenance jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if !serveNoJobs {
			sched := newScheduler(env)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()
		}

		return startServer(ctx, buildMux(ctx, env.Engine, cfg.Server.CORSOrigins), resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoJobs, "no-jobs", false, "do not run maintenance jobs in this process")
	serveCmd.GroupID = groupService
	rootCmd.AddCommand(serveCmd)
}

// newScheduler wires the maintenance jobs to env.
func newScheduler(env *engineEnv) *jobs.Scheduler {
	jc := jobs.Config{
		EmailRedispatch: cfg.Jobs.EmailRedispatch,
		ThreadSweep:     cfg.Jobs.ThreadSweep,
		StalePending:    time.Duration(cfg.Jobs.StalePendingMins) * time.Minute,
	}
	var sweeper jobs.ThreadSweeper
	if env.Threads != nil {
		sweeper = env.Threads
	}
	return jobs.New(env.Engine, sweeper, jc)
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// buildMux returns the API router. ctx scopes background processing started
// by requests. The /orders and /requestedorders families share one handler
// set.
func buildMux(ctx context.Context, eng *engine.Engine, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Tenant-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h := &orderHandlers{eng: eng, base: ctx}
	r.Route("/orders", h.routes)
	r.Route("/requestedorders", h.routes)
	return r
}

// startServer serves handler on port until ctx is done, then shuts down
// gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- eris.Wrap(err, "server listen")
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return <-errCh
}
