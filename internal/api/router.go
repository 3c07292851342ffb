// Package api serves the loopback control plane that local collaborators
// (the bundled web UI, browser pages, the devlink CLI) use to query and
// drive the agent.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/models"
	"github.com/harrylevesque/devlink/internal/update"
)

// Authority is the part of the auth client the control plane drives.
type Authority interface {
	BaseURL() string
	SetBaseURL(raw string) (string, error)
	IsAuthenticated() bool
	Authenticate(ctx context.Context) (*models.AuthSession, error)
	Verify(ctx context.Context) (models.Verification, error)
	CheckNetwork(ctx context.Context) models.NetworkStatus
}

type UIDSource interface {
	UID(ctx context.Context, force bool) string
}

// Starter restarts a periodic job.
type Starter interface {
	Start(ctx context.Context)
}

type Updater interface {
	Check(ctx context.Context) (*update.Release, error)
}

type EventLog interface {
	Since(seq uint64) []events.Event
}

// Server is the control server. Updater may be nil.
type Server struct {
	Auth     Authority
	Identity UIDSource
	Verifier Starter
	Updater  Updater
	Events   EventLog
	Logger   *log.Logger
	Describe func() models.DeviceInfo
	Now      func() time.Time

	base context.Context
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Methods(http.MethodOptions).HandlerFunc(preflight)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/uid", s.handleUID).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleSetConfig).Methods(http.MethodPost)
	api.HandleFunc("/authenticate", s.handleAuthenticate).Methods(http.MethodPost)
	api.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	api.HandleFunc("/network", s.handleNetwork).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/update/check", s.handleUpdateCheck).Methods(http.MethodPost)

	// Unknown paths and known paths with the wrong method answer alike.
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	api.NotFoundHandler = r.NotFoundHandler
	api.MethodNotAllowedHandler = r.NotFoundHandler

	return s.withRequestLog(s.withRecover(withCORS(r)))
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. addr must be a loopback address.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("control server must bind a loopback address, got %q", host)
	}
	s.base = ctx

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.Logger.Info("control server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// lifetime is the context jobs started by a request run under.
func (s *Server) lifetime() context.Context {
	if s.base != nil {
		return s.base
	}
	return context.Background()
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Allow-Private-Network", "true")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, fail("not found"))
}

// withRecover turns handler panics into a 500 response.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.Logger.Error("panic", "panic", v, "stack", string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, fail("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sr, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"bytes", sr.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if r.URL.RawQuery != "" {
			attrs = append(attrs, "query", r.URL.RawQuery)
		}
		s.Logger.Log(levelForStatus(sr.status), "http request", attrs...)
	})
}

func levelForStatus(code int) log.Level {
	if code >= 500 {
		return log.ErrorLevel
	}
	if code >= 400 {
		return log.WarnLevel
	}
	// Preflights and polling are noisy.
	return log.DebugLevel
}
