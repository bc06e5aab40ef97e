package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/tradewatch/tradewatch/internal/oracle"
	"github.com/tradewatch/tradewatch/internal/rules"
)

type staticRules []rules.Rule

func (s staticRules) List(bool) ([]rules.Rule, error) { return s, nil }

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	e := New(staticOracle(oracle.Response{}), openTestLog(t), nil, Config{})
	if _, err := NewScheduler(e, staticRules{}, SchedulerConfig{Schedule: "every tuesday"}); err == nil {
		t.Error("expected an error for an invalid cron spec")
	}
}

func TestScheduler_RunsCycles(t *testing.T) {
	asked := make(chan struct{}, 8)
	o := oracle.Func(func(context.Context, string, map[string]string) (oracle.Response, error) {
		select {
		case asked <- struct{}{}:
		default:
		}
		return oracle.Response{}, nil
	})
	e := New(o, openTestLog(t), nil, Config{})

	s, err := NewScheduler(e, staticRules{rule("r1", rules.DataFound)}, SchedulerConfig{Schedule: "@every 1s"})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	select {
	case <-asked:
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle ran within 5s")
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	s.Stop()
}

func TestScheduler_RunNow(t *testing.T) {
	var n int
	o := oracle.Func(func(context.Context, string, map[string]string) (oracle.Response, error) {
		n++
		return oracle.Response{}, nil
	})
	e := New(o, openTestLog(t), nil, Config{})
	s, err := NewScheduler(e, staticRules{rule("r1", rules.DataFound), rule("r2", rules.Anomaly)}, SchedulerConfig{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if n != 2 {
		t.Errorf("oracle calls = %d, want 2", n)
	}
	if !s.Next().IsZero() {
		t.Error("Next() should be zero while stopped")
	}
}
