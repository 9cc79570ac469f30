// Package server exposes the fastd HTTP API: flag intake, search, tick
// sync, webhooks and the websocket event stream.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/fastad/fast/internal/bus"
	"github.com/fastad/fast/internal/clock"
	"github.com/fastad/fast/internal/config"
	"github.com/fastad/fast/internal/hosts"
	"github.com/fastad/fast/internal/store"
	"github.com/fastad/fast/internal/submit"
	"github.com/fastad/fast/internal/telemetry"
)

// Server wires the flag store, the game clock and the submitter behind
// the HTTP API.
type Server struct {
	cfg     *config.ServerConfig
	store   *store.Store
	clock   *clock.GameClock
	sched   *submit.Scheduler
	submit  submit.Func
	bus     *bus.Bus
	metrics *telemetry.Metrics
	format  *regexp.Regexp
	logger  *zap.Logger
}

// Options wire the server's collaborators.
type Options struct {
	Config    *config.ServerConfig
	Store     *store.Store
	Clock     *clock.GameClock
	Scheduler *submit.Scheduler
	Submit    submit.Func
	Bus       *bus.Bus
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
}

// New builds the server. The flag format is compiled once; server.yaml
// validation has already established it is a valid pattern.
func New(opts Options) (*Server, error) {
	format, err := regexp.Compile(opts.Config.Game.FlagFormat)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		clock:   opts.Clock,
		sched:   opts.Scheduler,
		submit:  opts.Submit,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		format:  format,
		logger:  logger,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.auth(s.handleDashboard))
	mux.HandleFunc("GET /config", s.auth(s.handleConfig))
	mux.HandleFunc("GET /sync", s.auth(s.handleSync))
	mux.HandleFunc("GET /flagstore-stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /exploit-analytics", s.auth(s.handleAnalytics))
	mux.HandleFunc("GET /flag-format", s.auth(s.handleFlagFormat))
	mux.HandleFunc("POST /enqueue", s.auth(s.handleEnqueue))
	mux.HandleFunc("POST /enqueue-fallback", s.auth(s.handleEnqueueFallback))
	mux.HandleFunc("POST /enqueue-manual", s.auth(s.handleEnqueueManual))
	mux.HandleFunc("POST /vuln-report", s.auth(s.handleVulnReport))
	mux.HandleFunc("POST /trigger-submit", s.auth(s.handleTriggerSubmit))
	mux.HandleFunc("POST /search", s.auth(s.handleSearch))
	mux.HandleFunc("GET /webhooks", s.auth(s.handleListWebhooks))
	mux.HandleFunc("POST /webhooks", s.auth(s.handleCreateWebhook))
	mux.HandleFunc("PUT /webhooks/{id}", s.auth(s.handleUpdateWebhook))
	mux.HandleFunc("GET /ws", s.auth(s.handleWebsocket))

	// Webhook ids are unguessable, so exfiltration skips the password.
	mux.HandleFunc("/{webhookID}", s.handleExfiltration)

	return mux
}

// Run serves the API until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// auth enforces the shared password when one is configured. Any username
// is accepted; only the password matters.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	password := s.cfg.Server.Password
	if password == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="fast"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next(w, r)
	}
}

func (s *Server) isOwn(target string) bool {
	for _, own := range s.cfg.Game.TeamIP {
		if hosts.Equal(target, own) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20)).Decode(v)
}
