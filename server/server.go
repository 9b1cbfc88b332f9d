// Package server exposes the filesystem engine over HTTP: a JSON RPC
// endpoint, a streaming file endpoint with range and conditional request
// support, a websocket watch endpoint, and prometheus metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tierfs/tierfs/fs"
	"github.com/tierfs/tierfs/fs/watch"
)

// Server ties the engine, the watch broadcaster, and the HTTP surface
// together.
type Server struct {
	fs          *fs.Filesystem
	broadcaster *watch.Broadcaster
	metrics     *metrics
	router      *mux.Router
}

// New wires a server around an engine and broadcaster. Engine change events
// are routed into the broadcaster.
func New(filesystem *fs.Filesystem, broadcaster *watch.Broadcaster) *Server {
	s := &Server{
		fs:          filesystem,
		broadcaster: broadcaster,
		metrics:     newMetrics(),
	}
	filesystem.SetEventSink(broadcaster.Publish)

	r := mux.NewRouter()
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/files/{path:.*}", s.handleFile).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/watch", s.handleWatch).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the routing entrypoint, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP listener until ctx is canceled, then drains
// connections, closes the broadcaster, and shuts the engine down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", addr).Msg("Listening.")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down.")
		s.broadcaster.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := group.Wait()
	if cerr := s.fs.Close(); err == nil {
		err = cerr
	}
	return err
}

// httpStatus maps a taxonomy code onto an HTTP status.
func httpStatus(code string) int {
	switch code {
	case "ENOENT":
		return http.StatusNotFound
	case "EEXIST", "ENOTEMPTY":
		return http.StatusConflict
	case "EACCES":
		return http.StatusForbidden
	case "ELOOP", "EISDIR", "ENOTDIR", "EINVAL", "ENAMETOOLONG":
		return http.StatusBadRequest
	case "RESOURCE_EXHAUSTED", "RATE_LIMITED":
		return http.StatusTooManyRequests
	case "UNAVAILABLE":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
