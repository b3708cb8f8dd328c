// server.go - HTTP server assembly: routes, middleware, error mapping.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"
)

// Server owns the HTTP listener and the engine behind it.
type Server struct {
	httpServer *http.Server
	engine     *Engine
	limiter    *RateLimiter
}

// New assembles the server: engine, routes and the middleware chain
// requestID -> logging -> security headers -> rate limit -> mux.
func New(cfg Config, ledger *Ledger, sessions *SessionStore, blobs BlobStore) *Server {
	limiter := NewRateLimiter(map[LimitCategory]LimitRule{
		CategoryUpload:  cfg.UploadLimit,
		CategoryRequest: cfg.RequestLimit,
	})
	engine := NewEngine(cfg, ledger, sessions, blobs, limiter)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("GET /metrics", metricsHandler())

	mux.Handle("POST /api/upload", uploadHandler(engine, cfg))
	mux.Handle("GET /api/file/{hash}", downloadHandler(engine))
	mux.Handle("GET /api/file/{hash}/meta", metadataHandler(engine))
	mux.Handle("DELETE /api/file/{hash}", deleteHandler(engine))

	mux.Handle("POST /api/admin/login", loginHandler(engine))
	mux.Handle("POST /api/admin/logout", logoutHandler(engine))
	mux.Handle("GET /api/admin/files", adminFilesHandler(engine))

	var handler http.Handler = mux
	handler = limiter.middleware(cfg.ProxyDepth, handler)
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(cfg.ProxyDepth, handler)
	handler = requestIDMiddleware(handler)

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{httpServer: s, engine: engine, limiter: limiter}
}

// Handler returns the fully assembled handler chain. Exposed so tests
// can mount it without binding a socket.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Limiter exposes the rate limiter so the sweep can prune idle buckets.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEngineError maps engine sentinels onto HTTP statuses. Anything
// unrecognised is a 500 and gets logged with the request ID.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrDuplicateHash):
		http.Error(w, "file already stored", http.StatusConflict)
	case errors.Is(err, ErrQuotaExceeded):
		http.Error(w, "storage quota exceeded", http.StatusInsufficientStorage)
	case errors.Is(err, ErrThrottled):
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many requests, come back later", http.StatusTooManyRequests)
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCredentials):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			http.Error(w, vErr.Error(), http.StatusBadRequest)
			return
		}
		Error("request failed", map[string]any{
			"rid":  RequestIDFromContext(r.Context()),
			"path": r.URL.Path,
		}, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
