package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/rules"
)

func firedEvent() history.Event {
	return history.Event{
		ID:             "ev-1",
		RuleID:         "volume_drop",
		RuleName:       "Main Supplier Volume Drop",
		Priority:       "critical",
		Timestamp:      time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC),
		QuerySent:      "Has the import volume from MyMainSupplier dropped?",
		AnswerReceived: "Yes, volume declined by 32%.",
		Fired:          true,
		Reason:         "keyword_match: yes",
		NumSources:     4,
	}
}

func TestSubjectAndBody(t *testing.T) {
	e := firedEvent()
	if got := Subject(e); got != "Trade Alert: Main Supplier Volume Drop [CRITICAL]" {
		t.Errorf("Subject = %q", got)
	}
	body := Body(e)
	for _, want := range []string{
		"Rule: Main Supplier Volume Drop",
		"Priority: CRITICAL",
		"Triggered: 2025-07-01 06:00:00 UTC",
		"Query: Has the import volume from MyMainSupplier dropped?",
		"ANSWER:",
		"Yes, volume declined by 32%.",
		"Sources: 4 relevant documents found",
		"This is an automated alert from your Trade Intelligence Monitoring System.",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestEmailMessage(t *testing.T) {
	s := NewEmailSender(EmailConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com", To: []string{"a@example.com", "b@example.com"}})
	s.now = func() time.Time { return time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC) }

	msg := string(s.message(firedEvent()))
	if !strings.Contains(msg, "To: a@example.com, b@example.com\r\n") {
		t.Error("To header missing or malformed")
	}
	if !strings.Contains(msg, "Subject: Trade Alert: Main Supplier Volume Drop [CRITICAL]\r\n") {
		t.Error("Subject header missing")
	}
	if strings.Contains(strings.ReplaceAll(msg, "\r\n", ""), "\n") {
		t.Error("message contains bare LF line endings")
	}
}

func TestEmailConfigValidate(t *testing.T) {
	if err := (EmailConfig{}).Validate(); err == nil || !strings.Contains(err.Error(), "host") {
		t.Errorf("Validate(empty) = %v", err)
	}
	ok := EmailConfig{Host: "h", Port: 25, From: "f", To: []string{"t"}}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate(complete) = %v", err)
	}
}

func TestEmailSend_DialFailure(t *testing.T) {
	s := NewEmailSender(EmailConfig{Host: "smtp.example.com", Port: 587, From: "f", To: []string{"t"}})
	s.dial = func(context.Context, string, string) (net.Conn, error) { return nil, errors.New("connection refused") }
	if err := s.Send(context.Background(), firedEvent()); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Send = %v, want dial error", err)
	}
}

func TestSlackSend(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := firedEvent()
	e.AnswerReceived = strings.Repeat("a", 600)
	s := NewSlackSender(srv.URL)
	s.now = func() time.Time { return time.Unix(1751349600, 0) }

	if err := s.Send(context.Background(), e); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Text != "Trade Alert: Main Supplier Volume Drop" {
		t.Errorf("text = %q", got.Text)
	}
	att := got.Attachments[0]
	if att.Color != "#8b0000" || att.Footer != "Trade Intelligence Monitoring System" || att.Ts != 1751349600 {
		t.Errorf("attachment = %+v", att)
	}
	fields := map[string]string{}
	for _, f := range att.Fields {
		fields[f.Title] = f.Value
	}
	if fields["Priority"] != "CRITICAL" || fields["Sources"] != "4 relevant documents" {
		t.Errorf("fields = %v", fields)
	}
	if len(fields["Answer"]) != 503 || !strings.HasSuffix(fields["Answer"], "...") {
		t.Errorf("answer length = %d, want 500 + ...", len(fields["Answer"]))
	}
}

func TestSlackColors(t *testing.T) {
	s := NewSlackSender("http://unused")
	for prio, want := range map[string]string{"low": "#36a64f", "medium": "#ff9900", "high": "#ff0000", "critical": "#8b0000", "odd": "#ff9900"} {
		e := firedEvent()
		e.Priority = prio
		if got := s.payload(e).Attachments[0].Color; got != want {
			t.Errorf("color(%s) = %s, want %s", prio, got, want)
		}
	}
}

func TestSlackSend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewSlackSender(srv.URL).Send(context.Background(), firedEvent())
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Send = %v, want 400 error", err)
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 300) // 600 bytes
	got := truncate(s, 501)
	if !strings.HasSuffix(got, "...") || len(got) != 500+3 {
		t.Errorf("len = %d, want cut back to 500 bytes + ...", len(got))
	}
}

type mockSender struct {
	ch    rules.Channel
	err   error
	delay time.Duration

	mu      sync.Mutex
	sent    []history.Event
	ctxErrs []error
}

func (m *mockSender) Channel() rules.Channel { return m.ch }
func (m *mockSender) Send(ctx context.Context, e history.Event) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	return m.err
}

func TestDispatch_AllChannelsByDefault(t *testing.T) {
	email := &mockSender{ch: rules.ChannelEmail}
	chat := &mockSender{ch: rules.ChannelChat}
	d := NewDispatcher([]Sender{email, chat})

	d.Dispatch(context.Background(), firedEvent(), rules.Critical, nil)
	d.Wait()

	if len(email.sent) != 1 || len(chat.sent) != 1 {
		t.Errorf("email=%d chat=%d, want one each", len(email.sent), len(chat.sent))
	}
}

func TestDispatch_RespectsRuleChannels(t *testing.T) {
	email := &mockSender{ch: rules.ChannelEmail}
	chat := &mockSender{ch: rules.ChannelChat}
	d := NewDispatcher([]Sender{email, chat})

	d.Dispatch(context.Background(), firedEvent(), rules.High, []rules.Channel{rules.ChannelChat})
	d.Wait()

	if len(email.sent) != 0 || len(chat.sent) != 1 {
		t.Errorf("email=%d chat=%d, want chat only", len(email.sent), len(chat.sent))
	}
}

func TestDispatch_FillsPriority(t *testing.T) {
	chat := &mockSender{ch: rules.ChannelChat}
	d := NewDispatcher([]Sender{chat})

	e := firedEvent()
	e.Priority = ""
	d.Dispatch(context.Background(), e, rules.Low, nil)
	d.Wait()
	if chat.sent[0].Priority != "low" {
		t.Errorf("priority = %q, want low", chat.sent[0].Priority)
	}
}

func TestDispatch_FailureReportedNotReturned(t *testing.T) {
	chat := &mockSender{ch: rules.ChannelChat, err: errors.New("webhook down")}
	var got *DispatchError
	d := NewDispatcher([]Sender{chat}, WithErrorHook(func(de *DispatchError) { got = de }))

	d.Dispatch(context.Background(), firedEvent(), rules.High, nil)
	d.Wait()

	if got == nil || got.Channel != rules.ChannelChat || got.RuleID != "volume_drop" {
		t.Fatalf("DispatchError = %+v", got)
	}
	if !strings.Contains(got.Error(), "webhook down") {
		t.Errorf("Error() = %q", got.Error())
	}
}

func TestDispatch_ReturnsImmediatelyAndOutlivesContext(t *testing.T) {
	slow := &mockSender{ch: rules.ChannelEmail, delay: 50 * time.Millisecond}
	d := NewDispatcher([]Sender{slow})

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	d.Dispatch(ctx, firedEvent(), rules.High, nil)
	if time.Since(start) > 40*time.Millisecond {
		t.Error("Dispatch blocked on delivery")
	}
	cancel()
	d.Wait()

	if len(slow.sent) != 1 {
		t.Fatal("delivery did not complete")
	}
	if slow.ctxErrs[0] != nil {
		t.Error("delivery context was cancelled with the caller's context")
	}
}

func TestDispatch_NoSenders(t *testing.T) {
	d := NewDispatcher(nil)
	d.Dispatch(context.Background(), firedEvent(), rules.High, nil)
	d.Wait()
	if len(d.Channels()) != 0 {
		t.Errorf("Channels = %v", d.Channels())
	}
}
