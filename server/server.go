// Package server exposes the engine over HTTP: search, detail, toc,
// synchronous and task-based downloads, source listing, health and cache
// management. All responses share one JSON envelope except artifact streams.
package server

import (
	"context"
	"net/http"
	"time"

	"novelhub/engine"
)

// Server wraps an http.Server around the engine.
type Server struct {
	Engine *engine.Engine

	httpServer *http.Server
}

// New builds the server on addr with all routes registered.
func New(e *engine.Engine, addr string) *Server {
	s := &Server{Engine: e}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /detail", s.handleDetail)
	mux.HandleFunc("GET /toc", s.handleTOC)
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("POST /download/start", s.handleDownloadStart)
	mux.HandleFunc("GET /download/progress", s.handleDownloadProgress)
	mux.HandleFunc("GET /download/result", s.handleDownloadResult)
	mux.HandleFunc("GET /sources", s.handleSources)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.logRequests(mux),
		// The synchronous /download endpoint holds the connection for the
		// whole book, so no WriteTimeout; slow-read protection comes from
		// the header timeout instead.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler returns the configured handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.Engine.Logger.Info("http server listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// logRequests records method, path and latency for every request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.Engine.Logger.Debug("%s %s (%s)", r.Method, r.URL.Path, time.Since(started).Round(time.Millisecond))
	})
}
