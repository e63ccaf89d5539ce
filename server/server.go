// Package server handles HTTP endpoints and request routing.
package server

import (
	"bulletin-notifier/pkg/notifier"
	"bulletin-notifier/trigger"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"date": func(d *civil.Date) string {
		if d == nil {
			return "never"
		}
		return d.String()
	},
	"timestamp": func(t *time.Time) string {
		if t == nil {
			return "never"
		}
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
}).ParseFS(templateFS, "tmpl/*.tmpl"))

// dashboard is the view model of the index page.
type dashboard struct {
	notifier.Status
	NotifiedToday bool // LastNotifiedDateToday is the current date
}

// Coordinator admits manual check requests.
type Coordinator interface {
	Trigger(src trigger.Source) trigger.Admission
	State() notifier.CoordinatorState
}

// Monitor exposes the current state record.
type Monitor interface {
	State() *notifier.State
	SaveErr() error
}

// Server handles HTTP requests.
type Server struct {
	coordinator Coordinator
	monitor     Monitor
	logger      *slog.Logger
	limiter     *ipLimiter
	sourceURL   string
	schedule    string
	location    *time.Location
	now         func() time.Time
}

// Config holds server configuration.
type Config struct {
	Coordinator Coordinator
	Monitor     Monitor
	Logger      *slog.Logger
	SourceURL   string
	Schedule    string // Human readable timer description
	PollEvery   time.Duration
	PollBurst   int
	Location    *time.Location   // Defines "today" on the dashboard; UTC when nil
	Now         func() time.Time // Defaults to time.Now
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	every := cfg.PollEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	burst := cfg.PollBurst
	if burst <= 0 {
		burst = 3
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		location:    loc,
		now:         now,
		coordinator: cfg.Coordinator,
		monitor:     cfg.Monitor,
		logger:      cfg.Logger,
		limiter:     newIPLimiter(every, burst),
		sourceURL:   cfg.SourceURL,
		schedule:    cfg.Schedule,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Status assembles the fixed-shape status record.
func (s *Server) Status() notifier.Status {
	st := notifier.Status{
		State:       s.monitor.State(),
		Coordinator: s.coordinator.State(),
		SourceURL:   s.sourceURL,
		Schedule:    s.schedule,
	}
	if err := s.monitor.SaveErr(); err != nil {
		st.StorageError = err.Error()
	}
	return st
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	st := s.Status()
	page := dashboard{
		Status:        st,
		NotifiedToday: st.State.NotifiedOn(civil.DateOf(s.now().In(s.location))),
	}
	if err := templates.ExecuteTemplate(w, "index.tmpl", page); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	admission := s.coordinator.Trigger(trigger.SourceManual)
	s.logger.Info("Poll endpoint triggered",
		"ip", ip,
		"accepted", admission.Accepted,
		"reason", admission.Reason)

	status := http.StatusAccepted
	switch {
	case admission.Accepted:
	case admission.Reason == trigger.ReasonStopped:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, admission)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
