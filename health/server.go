// Package health exposes the scheduler state over HTTP for operators.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"git.skobk.in/skobkin/codevote-bot/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 5 * time.Second

type StatusProvider interface {
	Status() scheduler.Status
}

type response struct {
	Running              bool `json:"running"`
	SecondsSinceLastScan *int `json:"seconds_since_last_scan"`
	CheckIntervalSeconds int  `json:"check_interval_seconds"`
}

func NewRouter(provider StatusProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.Status()

		code := http.StatusOK
		if !status.Running {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(response{
			Running:              status.Running,
			SecondsSinceLastScan: status.SecondsSinceLastScan,
			CheckIntervalSeconds: int(status.CheckInterval.Seconds()),
		}); err != nil {
			slog.Error("health: Failed to encode response", "error", err)
		}
	})

	return r
}

// Serve listens on addr until ctx is cancelled, then shuts the server down
func Serve(ctx context.Context, addr string, provider StatusProvider) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(provider),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("health: Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("health: Stopped")
	return nil
}
