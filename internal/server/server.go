// Package server exposes the recording controller, the diary entries, and
// the notification stream over a small local HTTP API, so that a browser
// page, a hotkey script, or the CLI can drive the same session.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ryan-winkler/voicediary/internal/entries"
	"github.com/ryan-winkler/voicediary/internal/httputil"
	"github.com/ryan-winkler/voicediary/internal/notify"
	"github.com/ryan-winkler/voicediary/internal/ratelimit"
	"github.com/ryan-winkler/voicediary/internal/recorder"
)

// Recorder is the part of recorder.Controller the API drives.
type Recorder interface {
	Start(ctx context.Context) (*recorder.Session, error)
	Stop(ctx context.Context) error
	Snapshot() recorder.Snapshot
	MaxDuration() time.Duration
}

// Diary performs entry mutations on the diary server.
type Diary interface {
	Delete(ctx context.Context, id string) error
	SubmitText(ctx context.Context, content string) error
}

// EntriesCache serves the entries markup.
type EntriesCache interface {
	Markup(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
	Invalidate()
}

// Events is the notification hub. Close ends the open streams on shutdown.
type Events interface {
	notify.Sink
	SSEHandler() http.HandlerFunc
	WebSocketHandler() http.HandlerFunc
	Close()
}

// Deps are the collaborators behind the API.
type Deps struct {
	Recorder Recorder
	Diary    Diary
	Entries  EntriesCache
	Events   Events
}

// Options configure the HTTP surface.
type Options struct {
	AuthToken string             // empty disables auth
	AccessLog bool               // log every request
	Limiter   *ratelimit.Limiter // optional
	Version   string

	// StopTimeout bounds the wait for the final chunk when stopping.
	StopTimeout time.Duration
	// ShutdownTimeout bounds the connection drain after ctx is cancelled.
	ShutdownTimeout time.Duration
}

// Server is the control API.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// New wires the routes.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{deps: deps, opts: opts, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/record/start", s.withAuth(s.handleStart))
	s.mux.HandleFunc("POST /api/record/stop", s.withAuth(s.handleStop))
	s.mux.HandleFunc("GET /api/record", s.withAuth(s.handleState))

	s.mux.HandleFunc("GET /api/entries", s.withAuth(s.handleEntries))
	s.mux.HandleFunc("GET /api/entries/html", s.withAuth(s.handleEntriesHTML))
	s.mux.HandleFunc("DELETE /api/entries/{id}", s.withAuth(s.handleDelete))
	s.mux.HandleFunc("POST /api/entries/text", s.withAuth(s.handleText))

	s.mux.HandleFunc("GET /api/events", s.withAuth(s.deps.Events.SSEHandler()))
	s.mux.HandleFunc("GET /api/events/ws", s.withAuth(s.deps.Events.WebSocketHandler()))
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = secure(s.mux)
	if s.opts.Limiter != nil {
		h = s.opts.Limiter.Middleware(s.logger, h)
	}
	if s.opts.AccessLog {
		h = accessLog(s.logger, h)
	}
	return h
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// A non-nil tlsConfig serves HTTPS.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, tlsConfig)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tlsConfig *tls.Config) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// No WriteTimeout: event streams stay open and stop waits for the upload.
		IdleTimeout: 60 * time.Second,
	}
	// Shutdown does not cancel request contexts; end the event streams so
	// the drain is not held up by attached UIs.
	srv.RegisterOnShutdown(s.deps.Events.Close)

	errCh := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve on %s: %w", ln.Addr(), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown error", "error", err,
			"why", "graceful shutdown timed out, closing the remaining connections")
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// withAuth requires "Authorization: Bearer <token>". EventSource and
// WebSocket clients cannot set headers, so ?access_token= is accepted too.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.AuthToken == "" {
		return next
	}
	expected := []byte(s.opts.AuthToken)
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			httputil.Error(w, r, s.logger, http.StatusUnauthorized, "unauthorized",
				"WHY: Bearer token mismatch or missing Authorization header")
			return
		}
		next(w, r)
	}
}

func secure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"bytes", rw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// responseWriter captures status and size for the access log. It passes
// Flush and Hijack through so event streams keep working behind it.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// upstreamMessage is the toast text for a failed call to the diary server.
func upstreamMessage(err error, fallback string) string {
	if errors.Is(err, entries.ErrNetwork) {
		return "Network error"
	}
	return fallback
}
