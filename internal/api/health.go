package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Readiness reports whether the service can take traffic.
type Readiness interface {
	Ready() bool
}

// HealthHandler serves /healthz (process alive) and /readyz (IP manager
// initialised).
func HealthHandler(ready Readiness) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Ready() {
			http.Error(w, "not ready: ip manager not initialized", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// MetricsHandler serves the Prometheus registry at /metrics.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ServeHandler runs h on addr until ctx is cancelled.
func ServeHandler(ctx context.Context, name, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Info().Str("addr", addr).Msg(name + " server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
