// Package stats serves process diagnostics over HTTP: liveness, a JSON
// snapshot of the event loop state, and Prometheus metrics.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	snapshotTimeout time.Duration = time.Second * 2
	shutdownTimeout time.Duration = time.Second * 3
)

// SnapshotFunc returns a JSON encodable view of process state.
type SnapshotFunc func(ctx context.Context) (any, error)

type Options struct {
	Address  string
	Gatherer prometheus.Gatherer
	Snapshot SnapshotFunc

	LogPrefix string
	LogDebug  bool
}

type Server struct {
	options    *Options
	httpServer *http.Server
	donech     chan struct{}
}

func NewRouter(options *Options) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if options.LogDebug {
		r.Use(middleware.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), snapshotTimeout)
		defer cancel()

		snapshot, err := options.Snapshot(ctx)
		if err != nil {
			log.Printf("%s: failed to take snapshot, err=%s", options.LogPrefix, err.Error())
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(snapshot)
		if err != nil {
			log.Printf("%s: failed to encode snapshot, err=%s", options.LogPrefix, err.Error())
		}
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(options.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// Start listens on options.Address and serves in the background.
func Start(options *Options) (*Server, error) {
	listener, err := net.Listen("tcp", options.Address)
	if err != nil {
		log.Printf("%s: failed to listen on %s, err=%s", options.LogPrefix, options.Address, err.Error())
		return nil, err
	}

	s := &Server{
		options: options,
		httpServer: &http.Server{
			Handler:           NewRouter(options),
			ReadHeaderTimeout: snapshotTimeout,
		},
		donech: make(chan struct{}),
	}

	go func() {
		defer close(s.donech)

		log.Printf("%s: serving diagnostics on %s", options.LogPrefix, listener.Addr().String())
		err := s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("%s: diagnostics server exited, err=%s", options.LogPrefix, err.Error())
		}
	}()

	return s, nil
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		log.Printf("%s: diagnostics shutdown, err=%s", s.options.LogPrefix, err.Error())
	}
	<-s.donech
}
