package profiling

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

const (
	Endpoint          = "localhost:9091"
	ReadHeaderTimeout = 2 * time.Second
)

// Handler serves the pprof endpoints under /debug/pprof/.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// Enable serves the profiling endpoint on localhost until ctx is done.
func Enable(ctx context.Context) {
	server := &http.Server{
		Addr:              Endpoint,
		Handler:           Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start profiling server", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	slog.Info("profiling enabled", "endpoint", Endpoint+"/debug/pprof")
}
