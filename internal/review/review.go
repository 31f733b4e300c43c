// Package review serves the recorded attempt to a proctor sitting at the
// same machine: JSON and CSV exports, the text report, the mailto link,
// health and metrics. It only ever listens on, and answers, loopback.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proctord/internal/audit"
	"proctord/internal/countdown"
	"proctord/internal/export"
	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/session"
	"proctord/internal/store"
)

// ErrNotLoopback is returned by Listen for an address that is reachable
// from other machines.
var ErrNotLoopback = errors.New("review: address is not loopback")

const shutdownTimeout = 5 * time.Second

// Server is the review HTTP server.
type Server struct {
	shared    *store.Shared
	sessions  *session.Manager
	checker   *health.Checker
	mu        sync.RWMutex
	recipient string
	now       func() time.Time
	log       *slog.Logger
	router    chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithRecipient sets the default address of the mailto link.
func WithRecipient(addr string) Option {
	return func(s *Server) { s.recipient = addr }
}

// WithClock replaces time.Now for export timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds the router. checker may be nil, in which case the health
// endpoints report only liveness.
func New(shared *store.Shared, sessions *session.Manager, checker *health.Checker, opts ...Option) *Server {
	s := &Server{
		shared:   shared,
		sessions: sessions,
		checker:  checker,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Default().WithComponent("review")
	}
	if s.checker == nil {
		s.checker = health.NewChecker()
		s.checker.SetReady(true)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loopbackOnly)

	r.Get("/healthz", s.checker.LivenessHandler().ServeHTTP)
	r.Get("/readyz", s.checker.ReadinessHandler().ServeHTTP)
	r.Get("/health", s.checker.HealthHandler().ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(s.requestLog)
		r.Use(middleware.NoCache)

		r.Get("/", s.index)
		r.Get("/status", s.status)
		r.Get("/logs.json", s.logsJSON)
		r.Get("/logs.csv", s.logsCSV)
		r.Get("/report", s.report)
		r.Get("/mailto", s.mailto)
	})
	return r
}

// SetRecipient changes the default address of the mailto link.
func (s *Server) SetRecipient(addr string) {
	s.mu.Lock()
	s.recipient = addr
	s.mu.Unlock()
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := CheckLoopback(addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("review server listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown review server: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CheckLoopback rejects addresses that other machines could reach.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// logs reads the whole log. A corrupt log reads as empty, like it does
// for the recorder; only a failing store is an error.
func (s *Server) logs(w http.ResponseWriter) ([]audit.Event, bool) {
	events, err := audit.ReadLogs(s.shared)
	switch {
	case errors.Is(err, store.ErrClosed):
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return nil, false
	case err != nil:
		s.log.Warn("event log unreadable, serving it as empty", "err", err)
		return []audit.Event{}, true
	}
	return events, true
}

func attachment(w http.ResponseWriter, name, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}

func (s *Server) logsJSON(w http.ResponseWriter, r *http.Request) {
	events, ok := s.logs(w)
	if !ok {
		return
	}
	now := s.now()
	attachment(w, export.DefaultFilename(now, "json"), "application/json")
	if err := export.WriteJSON(w, events, now); err != nil {
		s.log.Error("write JSON export", "err", err)
	}
}

func (s *Server) logsCSV(w http.ResponseWriter, r *http.Request) {
	events, ok := s.logs(w)
	if !ok {
		return
	}
	attachment(w, export.DefaultFilename(s.now(), "csv"), "text/csv; charset=utf-8")
	if err := export.WriteCSV(w, events); err != nil {
		s.log.Error("write CSV export", "err", err)
	}
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	events, ok := s.logs(w)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, export.Report(events, s.now()))
}

// mailto redirects to the summary mail. ?to= overrides the configured
// recipient; ?format=json returns the link instead.
func (s *Server) mailto(w http.ResponseWriter, r *http.Request) {
	events, ok := s.logs(w)
	if !ok {
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		s.mu.RLock()
		to = s.recipient
		s.mu.RUnlock()
	}
	link := export.MailtoURL(events, to, s.now())
	if r.URL.Query().Get("format") == "json" {
		render.JSON(w, r, map[string]string{"url": link})
		return
	}
	http.Redirect(w, r, link, http.StatusFound)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	AttemptID     string         `json:"attemptId,omitempty"`
	Submitted     bool           `json:"submitted"`
	StartTime     *time.Time     `json:"startTime,omitempty"`
	LastActivity  *time.Time     `json:"lastActivity,omitempty"`
	Remaining     string         `json:"remaining,omitempty"`
	TotalEvents   int            `json:"totalEvents"`
	Counts        []export.Count `json:"counts"`
	FlaggedAlerts []string       `json:"flaggedAlerts"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	events, ok := s.logs(w)
	if !ok {
		return
	}
	resp := Status(s.sessions, events)
	render.JSON(w, r, resp)
}

// Status summarises the persisted attempt.
func Status(sessions *session.Manager, events []audit.Event) StatusResponse {
	resp := StatusResponse{
		TotalEvents:   len(events),
		Counts:        export.Tally(events),
		FlaggedAlerts: []string{},
	}
	if sess, ok := sessions.Get(); ok {
		resp.AttemptID = sess.AttemptID
		resp.Submitted = sess.IsSubmitted
		start, last := sess.StartTime, sess.LastActivity
		resp.StartTime, resp.LastActivity = &start, &last
		if sess.RemainingTime != nil {
			resp.Remaining = countdown.Format(sess.RemainingTime)
		}
	}
	if resp.Counts == nil {
		resp.Counts = []export.Count{}
	}
	for _, a := range export.Alerts {
		for _, c := range resp.Counts {
			if c.Type == a.Type {
				resp.FlaggedAlerts = append(resp.FlaggedAlerts, a.Label)
				break
			}
		}
	}
	return resp
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"endpoints": []string{
			"/status", "/logs.json", "/logs.csv", "/report", "/mailto",
			"/healthz", "/readyz", "/health", "/metrics",
		},
	})
}
