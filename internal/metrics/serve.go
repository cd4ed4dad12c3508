package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve starts a minimal HTTP listener exposing /metrics, and returns a
// shutdown function. It runs until ctx is canceled or Shutdown is called.
func (r *Registry) Serve(addr string) (shutdown func(context.Context) error, err error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		_ = srv.ListenAndServe()
	}()

	return srv.Shutdown, nil
}
