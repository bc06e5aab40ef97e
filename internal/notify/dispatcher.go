package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/metrics"
	"github.com/tradewatch/tradewatch/internal/rules"
)

// Sender delivers an alert over one channel.
type Sender interface {
	Channel() rules.Channel
	Send(ctx context.Context, e history.Event) error
}

// DispatchError is a failed delivery. It is logged, never returned to the
// evaluation engine.
type DispatchError struct {
	Channel rules.Channel
	RuleID  string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching alert for rule %s via %s: %v", e.RuleID, e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher fans a fired alert out to the configured senders in the
// background.
type Dispatcher struct {
	senders []Sender
	timeout time.Duration
	log     *slog.Logger
	onError func(*DispatchError)

	wg sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each delivery. The default is one minute.
func WithTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) { ds.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ds *Dispatcher) { ds.log = l }
}

// WithErrorHook is called for every failed delivery after it is logged.
func WithErrorHook(fn func(*DispatchError)) Option {
	return func(ds *Dispatcher) { ds.onError = fn }
}

// NewDispatcher creates a Dispatcher over senders. With no senders every
// Dispatch is a logged no-op.
func NewDispatcher(senders []Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{senders: senders, timeout: time.Minute, log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Channels lists the configured channels.
func (d *Dispatcher) Channels() []rules.Channel {
	out := make([]rules.Channel, len(d.senders))
	for i, s := range d.senders {
		out[i] = s.Channel()
	}
	return out
}

// Dispatch starts delivery of e on every configured channel named in
// channels, or on all of them when channels is empty, and returns at once.
// Deliveries outlive ctx cancellation but not the dispatcher timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, e history.Event, priority rules.Priority, channels []rules.Channel) {
	if e.Priority == "" {
		e.Priority = string(priority)
	}

	targets := d.sendersFor(channels)
	if len(targets) == 0 {
		d.log.Info("alert fired with no delivery channel", "rule_id", e.RuleID, "priority", e.Priority)
		return
	}

	base := context.WithoutCancel(ctx)
	for _, s := range targets {
		d.wg.Add(1)
		go func(s Sender) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()

			ch := s.Channel()
			if err := s.Send(sendCtx, e); err != nil {
				metrics.AlertsDispatchedTotal.WithLabelValues(string(ch), "failed").Inc()
				de := &DispatchError{Channel: ch, RuleID: e.RuleID, Err: err}
				d.log.Error("alert delivery failed", "rule_id", e.RuleID, "channel", ch, "error", err)
				if d.onError != nil {
					d.onError(de)
				}
				return
			}
			metrics.AlertsDispatchedTotal.WithLabelValues(string(ch), "sent").Inc()
			d.log.Info("alert sent", "rule_id", e.RuleID, "channel", ch, "priority", e.Priority)
		}(s)
	}
}

func (d *Dispatcher) sendersFor(channels []rules.Channel) []Sender {
	if len(channels) == 0 {
		return d.senders
	}
	var out []Sender
	for _, s := range d.senders {
		for _, ch := range channels {
			if s.Channel() == ch {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Wait blocks until every started delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
