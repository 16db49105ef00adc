// Package adminhttp serves health checks and the Prometheus scrape
// endpoint over valyala/fasthttp. The teacher uses fasthttp as an
// outbound HTTP client (internal/irisfast/client.go); here it's
// repurposed as the inbound admin server since the main game socket
// needs net/http for nhooyr.io/websocket, leaving fasthttp's low
// allocation-overhead server free for this side channel instead.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	fh       *fasthttp.Server
	addr     string
	checks   map[string]HealthCheck
	registry *prometheus.Registry
}

func New(addr string, registry *prometheus.Registry, checks map[string]HealthCheck) *Server {
	s := &Server{addr: addr, checks: checks, registry: registry}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)

	fastHandler := fasthttpadaptor.NewFastHTTPHandler(mux)
	s.fh = &fasthttp.Server{Handler: fastHandler, Name: "arena-admin"}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result := make(map[string]string, len(s.checks))
	ready := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			result[name] = err.Error()
			ready = false
		} else {
			result[name] = "ok"
		}
	}
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(result)
}

// ListenAndServe blocks until ctx is cancelled or the server errors.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.fh.ListenAndServe(s.addr)
	}()

	select {
	case <-ctx.Done():
		return s.fh.Shutdown()
	case err := <-errCh:
		return err
	}
}
