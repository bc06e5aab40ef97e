package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/monitor"
	"github.com/tradewatch/tradewatch/internal/oracle"
	"github.com/tradewatch/tradewatch/internal/providers"
	"github.com/tradewatch/tradewatch/internal/rules"
)

// CycleRunner runs one monitoring cycle over the enabled rules of store.
// *monitor.Engine satisfies it.
type CycleRunner interface {
	RunCycle(ctx context.Context, store monitor.RuleLister) ([]history.Event, error)
}

// DocumentAdder stores a document and queues it for embedding.
// *providers.Pipeline satisfies it.
type DocumentAdder interface {
	AddDocument(doc providers.Document) (id string, created bool, err error)
}

type AppDeps struct {
	Rules      *rules.Store
	History    *history.Log
	Oracle     oracle.Oracle
	Monitor    CycleRunner
	Documents  DocumentAdder // optional; nil disables POST /ingest
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewAppHandler returns the management API. /health and /metrics are open;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	r := chi.NewRouter()
	r.Use(countRequests)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/rules", handleListRules(deps))
		r.Post("/rules", handleAddRule(deps))
		r.Get("/rules/{id}", handleGetRule(deps))
		r.Patch("/rules/{id}", handleUpdateRule(deps))
		r.Delete("/rules/{id}", handleDeleteRule(deps))
		r.Post("/rules/{id}/enable", handleSetEnabled(deps, true))
		r.Post("/rules/{id}/disable", handleSetEnabled(deps, false))

		r.Get("/alerts", handleListAlerts(deps))
		r.Post("/ask", handleAsk(deps))
		r.Post("/monitor/run", handleRunMonitor(deps))
		r.Post("/ingest", handleIngest(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListAlerts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := history.Query{
			RuleID:    r.URL.Query().Get("rule_id"),
			FiredOnly: r.URL.Query().Get("fired") == "true",
			Limit:     parseIntParam(r, "limit", 50, 1000),
		}
		if s := r.URL.Query().Get("since"); s != "" {
			since, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "since must be RFC 3339: %v", err)
				return
			}
			q.Since = since
		}

		events, err := deps.History.List(q)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list alerts: %v", err)
			return
		}
		if events == nil {
			events = []history.Event{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// RunSummary is the result of POST /monitor/run.
type RunSummary struct {
	Evaluated int             `json:"evaluated"`
	Fired     int             `json:"fired"`
	Events    []history.Event `json:"events"`
	Error     string          `json:"error,omitempty"`
}

func summarize(events []history.Event, err error) RunSummary {
	s := RunSummary{Evaluated: len(events), Events: events}
	if s.Events == nil {
		s.Events = []history.Event{}
	}
	for _, e := range events {
		if e.Fired {
			s.Fired++
		}
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func handleRunMonitor(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Monitor == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "monitoring is not configured")
			return
		}
		events, err := deps.Monitor.RunCycle(r.Context(), deps.Rules)
		if err != nil && len(events) == 0 {
			httpError(w, http.StatusInternalServerError, "api_error", "monitoring cycle failed: %v", err)
			return
		}
		// History write failures still return the events that were stored.
		writeJSON(w, http.StatusOK, summarize(events, err))
	}
}

type askRequest struct {
	Question string            `json:"question"`
	Filters  map[string]string `json:"filters"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Oracle == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "query oracle is not configured")
			return
		}
		var req askRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		resp, err := deps.Oracle.Ask(r.Context(), req.Question, req.Filters)
		if err != nil {
			var oe *oracle.OracleError
			if errors.As(err, &oe) && oe.Timeout() {
				httpError(w, http.StatusGatewayTimeout, "api_error", "%v", err)
				return
			}
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		}
		if resp.Citations == nil {
			resp.Citations = []string{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
