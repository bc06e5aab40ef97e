// Package monitor evaluates alert rules against the query oracle, applies the
// per-rule cooldown and hands firings to the notification dispatcher.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/metrics"
	"github.com/tradewatch/tradewatch/internal/oracle"
	"github.com/tradewatch/tradewatch/internal/rules"
)

// Reasons recorded on non-firing events.
const (
	ReasonNoNumericValue       = "no_numeric_value"
	ReasonUnsupportedCondition = "unsupported_condition"
	ReasonConditionNotMet      = "condition_not_met"
	ReasonAnomalyFlagged       = "anomaly_flagged"
	reasonOracleErrorPrefix    = "oracle_error: "
)

// Defaults applied by New when Config leaves a field zero.
const (
	DefaultCooldown      = 24 * time.Hour
	DefaultOracleTimeout = 2 * time.Minute
	DefaultConcurrency   = 1
)

// Recorder persists evaluation events and applies the cooldown.
// *history.Log satisfies it.
type Recorder interface {
	Record(e history.Event, cooldown time.Duration) (history.Event, error)
}

// Dispatcher delivers a fired event. Delivery outcome is not reported back.
type Dispatcher interface {
	Dispatch(ctx context.Context, e history.Event, priority rules.Priority, channels []rules.Channel)
}

// RuleLister returns the stored rules. *rules.Store satisfies it.
type RuleLister interface {
	List(enabledOnly bool) ([]rules.Rule, error)
}

// Config tunes the engine.
type Config struct {
	// DefaultCooldown applies to rules without their own cooldown.
	DefaultCooldown time.Duration
	// OracleTimeout bounds each oracle call.
	OracleTimeout time.Duration
	// Concurrency is the number of rules evaluated at once.
	Concurrency int
	// RateLimit caps oracle calls per second across the batch. Zero means
	// unlimited.
	RateLimit float64
}

// Engine runs evaluation cycles.
type Engine struct {
	oracle     oracle.Oracle
	history    Recorder
	dispatcher Dispatcher
	cfg        Config
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine. dispatcher may be nil, in which case firings are
// recorded but not delivered.
func New(o oracle.Oracle, h Recorder, d Dispatcher, cfg Config, opts ...Option) *Engine {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = DefaultOracleTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	e := &Engine{
		oracle:     o,
		history:    h,
		dispatcher: d,
		cfg:        cfg,
		logger:     slog.Default(),
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunCycle evaluates every enabled rule from store once.
func (e *Engine) RunCycle(ctx context.Context, store RuleLister) ([]history.Event, error) {
	rs, err := store.List(true)
	if err != nil {
		return nil, fmt.Errorf("listing enabled rules: %w", err)
	}
	metrics.MonitorCyclesTotal.Inc()
	e.logger.Info("monitoring cycle started", "rules", len(rs))

	events, err := e.EvaluateAll(ctx, rs, time.Now())

	fired := 0
	for _, ev := range events {
		if ev.Fired {
			fired++
		}
	}
	e.logger.Info("monitoring cycle finished", "evaluated", len(events), "fired", fired)
	return events, err
}

// EvaluateAll evaluates the enabled rules of rs and returns one event per
// evaluated rule, in rule order. Disabled rules are skipped without an oracle
// call. Oracle failures become non-firing events; only history append
// failures are returned, joined, after the rest of the batch has run. Rules
// not yet started when ctx is cancelled produce no event.
func (e *Engine) EvaluateAll(ctx context.Context, rs []rules.Rule, now time.Time) ([]history.Event, error) {
	if len(rs) == 0 {
		return []history.Event{}, nil
	}

	results := make([]*history.Event, len(rs))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, r := range rs {
		if !r.Enabled {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ev, err := e.evaluate(ctx, r, now)
			if err != nil {
				if !errors.Is(err, errNotStarted) {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			}
			results[i] = &ev
			return nil
		})
	}
	g.Wait()

	events := make([]history.Event, 0, len(rs))
	for _, ev := range results {
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, errors.Join(errs...)
}

var errNotStarted = errors.New("evaluation not started")

// evaluate runs one rule through oracle, condition, cooldown and history.
func (e *Engine) evaluate(ctx context.Context, r rules.Rule, now time.Time) (history.Event, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return history.Event{}, errNotStarted
		}
	}
	if ctx.Err() != nil {
		return history.Event{}, errNotStarted
	}

	ev := history.Event{
		RuleID:    r.ID,
		RuleName:  r.Name,
		Priority:  string(r.Priority),
		Timestamp: now,
		QuerySent: r.Query,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	resp, err := e.oracle.Ask(callCtx, r.Query, r.Filters)
	cancel()

	outcome := metrics.OutcomeNotFired
	if err != nil {
		e.logger.Warn("oracle call failed", "rule_id", r.ID, "error", err)
		ev.Reason = reasonOracleErrorPrefix + err.Error()
		outcome = metrics.OutcomeOracleError
	} else {
		ev.AnswerReceived = resp.Answer
		ev.NumSources = len(resp.Citations)
		ev.Fired, ev.Reason = Check(r, resp)
	}

	triggered := ev.Fired
	stored, err := e.history.Record(ev, r.CooldownOr(e.cfg.DefaultCooldown))
	if err != nil {
		return history.Event{}, fmt.Errorf("recording event for rule %s: %w", r.ID, err)
	}

	switch {
	case stored.Fired:
		outcome = metrics.OutcomeFired
		e.logger.Info("alert fired", "rule_id", r.ID, "reason", stored.Reason)
		if e.dispatcher != nil {
			e.dispatcher.Dispatch(ctx, stored, r.Priority, r.Channels)
		}
	case triggered:
		outcome = metrics.OutcomeSuppressed
		e.logger.Debug("alert suppressed by cooldown", "rule_id", r.ID)
	}
	metrics.RuleEvaluationsTotal.WithLabelValues(outcome).Inc()
	return stored, nil
}

// Check judges resp against the rule's condition and returns whether it
// triggers together with the reason.
func Check(r rules.Rule, resp oracle.Response) (bool, string) {
	switch r.Condition {
	case rules.DataFound:
		if len(resp.Citations) > 0 || len(resp.Facts) > 0 {
			return true, fmt.Sprintf("data_found: %d sources", len(resp.Citations))
		}
	case rules.KeywordMatch:
		answer := strings.ToLower(resp.Answer)
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(answer, strings.ToLower(kw)) {
				return true, "keyword_match: " + kw
			}
		}
	case rules.ThresholdExceeded:
		if r.Threshold == nil {
			return false, ReasonNoNumericValue
		}
		v, ok := numericFact(resp.Facts, r.FactField(), rules.DefaultThresholdField, "value")
		if !ok {
			return false, ReasonNoNumericValue
		}
		if v > *r.Threshold {
			return true, fmt.Sprintf("threshold_exceeded: %s > %s", formatNumber(v), formatNumber(*r.Threshold))
		}
	case rules.Anomaly:
		if resp.IsAnomalous {
			return true, ReasonAnomalyFlagged
		}
	default:
		return false, ReasonUnsupportedCondition
	}
	return false, ReasonConditionNotMet
}

// numericFact returns the first of keys present in facts with a finite
// numeric value.
func numericFact(facts map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		raw, ok := facts[k]
		if !ok {
			continue
		}
		if v, ok := toFloat(raw); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case *float64:
		if n == nil {
			return 0, false
		}
		return *n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
