// Package opsserver exposes operator endpoints: health, statistics, latest
// prices, metrics, manual sync and test notifications.
package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/alerting"
	"cryptoalarm/internal/rules"
	"cryptoalarm/internal/service"
	"cryptoalarm/internal/storage"
)

// DispatchStats reports dispatcher counters.
type DispatchStats interface {
	Stats() alerting.DispatcherStats
}

// Tester builds manual test events and exposes the latest prices.
type Tester interface {
	TestEvent(ctx context.Context, id, message string) (rules.TriggerEvent, error)
	Prices() map[string]service.Quote
}

// Notifier delivers an event to its targets synchronously.
type Notifier interface {
	Dispatch(ctx context.Context, event rules.TriggerEvent, targets []rules.NotificationTarget) []alerting.Outcome
	Channels() []rules.Channel
}

// Deps are the components the server reports on. Only Registry is required.
type Deps struct {
	Registry   *rules.Registry
	Evaluator  *rules.Evaluator
	Dispatcher DispatchStats
	Pinger     storage.Pinger
	Tester     Tester
	Notifier   Notifier
}

// Server is the operator HTTP endpoint.
type Server struct {
	deps   Deps
	server *http.Server
	logger zerolog.Logger
}

// New builds the server.
func New(addr string, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.With().Str("component", "opsserver").Logger(),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Routes returns the HTTP router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/stats", s.stats)
	r.Get("/prices", s.prices)
	r.Get("/rules/{id}/status", s.ruleStatus)
	r.Post("/rules/{id}/test", s.testRule)
	r.Post("/sync", s.sync)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("ops server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	return <-errCh
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "rules": s.deps.Registry.Len()}
	status := http.StatusOK
	if s.deps.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Pinger.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["store"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp["store"] = "ok"
		}
	}
	writeJSON(w, status, resp)
}

type statsConfig struct {
	ReconcileInterval string          `json:"reconcile_interval"`
	Cooldown          string          `json:"cooldown"`
	StoreConfigured   bool            `json:"store_configured"`
	Channels          []rules.Channel `json:"channels"`
}

type statsResponse struct {
	Rules    rules.Stats               `json:"rules"`
	Dispatch *alerting.DispatcherStats `json:"dispatch,omitempty"`
	Config   statsConfig               `json:"config"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	reg := s.deps.Registry
	resp := statsResponse{
		Rules: reg.Stats(),
		Config: statsConfig{
			ReconcileInterval: reg.Interval().String(),
			StoreConfigured:   reg.HasStore(),
			Channels:          []rules.Channel{},
		},
	}
	if s.deps.Evaluator != nil {
		resp.Config.Cooldown = s.deps.Evaluator.Cooldown().String()
	}
	if s.deps.Notifier != nil {
		resp.Config.Channels = s.deps.Notifier.Channels()
	}
	if s.deps.Dispatcher != nil {
		st := s.deps.Dispatcher.Stats()
		resp.Dispatch = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) prices(w http.ResponseWriter, _ *http.Request) {
	prices := map[string]service.Quote{}
	if s.deps.Tester != nil {
		prices = s.deps.Tester.Prices()
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}

// MonitoringStatus describes whether a rule is being watched.
type MonitoringStatus struct {
	RuleID       string     `json:"alert_id"`
	IsActive     bool       `json:"is_active"`
	IsMonitored  bool       `json:"is_monitored"`
	LastChecked  *time.Time `json:"last_checked"`
	TriggerCount int64      `json:"trigger_count"`
	Status       string     `json:"status"`
}

func (s *Server) ruleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp := MonitoringStatus{RuleID: id, Status: "not_found"}

	rule, err := s.deps.Registry.Get(id)
	if err == nil {
		resp.IsActive = rule.Status == rules.StatusActive
		resp.IsMonitored = true
		resp.TriggerCount = rule.TriggerCount
		resp.Status = string(rule.Status)
		if !rule.LastChecked.IsZero() {
			t := rule.LastChecked
			resp.LastChecked = &t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type syncResponse struct {
	Synced    int       `json:"synced_count"`
	ActiveIDs []string  `json:"active_alert_ids"`
	LastSync  time.Time `json:"last_sync"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Registry.Reconcile(r.Context())
	resp := syncResponse{
		Synced:    n,
		ActiveIDs: lo.Map(s.deps.Registry.ListActive(), func(rule rules.Rule, _ int) string { return rule.ID }),
		LastSync:  s.deps.Registry.LastSync(),
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type testRequest struct {
	Message string `json:"message"`
}

type testResponse struct {
	Message      string             `json:"message"`
	RuleID       string             `json:"alert_id"`
	TestMessage  string             `json:"test_message"`
	CurrentPrice decimal.Decimal    `json:"current_price"`
	Results      []alerting.Outcome `json:"notification_results"`
	TotalSent    int                `json:"total_sent"`
	TotalFailed  int                `json:"total_failed"`
}

// testRule sends a one-off notification for a rule at the latest price
// without changing the rule's state.
func (s *Server) testRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tester == nil || s.deps.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("test notifications unavailable"))
		return
	}

	var req testRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
			return
		}
	}

	id := chi.URLParam(r, "id")
	event, err := s.deps.Tester.TestEvent(r.Context(), id, req.Message)
	switch {
	case errors.Is(err, rules.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, service.ErrNoPrice):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	outcomes := s.deps.Notifier.Dispatch(r.Context(), event, event.Targets)
	sent, failedCount := alerting.Tally(outcomes)
	s.logger.Info().
		Str("rule_id", id).
		Int("sent", sent).
		Int("failed", failedCount).
		Msg("test notification sent")

	writeJSON(w, http.StatusOK, testResponse{
		Message:      "Test alert sent successfully",
		RuleID:       id,
		TestMessage:  event.Message,
		CurrentPrice: event.ObservedPrice,
		Results:      outcomes,
		TotalSent:    sent,
		TotalFailed:  failedCount,
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
