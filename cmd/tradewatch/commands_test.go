package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/tradewatch/tradewatch/internal/config"
	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/rules"
	"github.com/tradewatch/tradewatch/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// captureStdout redirects command output for the duration of the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old, oldColor := stdout, noColor
	stdout, noColor = &buf, true
	t.Cleanup(func() { stdout, noColor = old, oldColor })
	return &buf
}

var ctx = context.Background()

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /rules": `[]`,
	})

	resp, err := ts.client().get(ctx, "/rules")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rs []rules.Rule
	if err := decodeJSON(resp, &rs); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/rules/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q", err)
	}
	if strings.Contains(err.Error(), `"type"`) {
		t.Errorf("error should carry the message, not the raw envelope: %q", err)
	}
}

func TestDecodeJSON_UnreachableServer(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "t", httpClient: &http.Client{Timeout: time.Second}}
	_, err := c.get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "tradewatch serve") {
		t.Errorf("err = %v", err)
	}
}

func TestTriggerCycle(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /monitor/run": `{"evaluated":2,"fired":1,"events":[
			{"rule_id":"a","fired":true,"reason":"data_found: 3 sources","answer_received":"Three shipments.","timestamp":"2026-01-02T03:04:05Z"},
			{"rule_id":"b","fired":false,"reason":"no data","timestamp":"2026-01-02T03:04:05Z"}]}`,
	})
	out := captureStdout(t)

	if err := triggerCycle(ctx, ts.client()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != "POST" || ts.requests[0].Path != "/monitor/run" {
		t.Fatalf("requests = %+v", ts.requests)
	}
	if !strings.Contains(out.String(), "data_found: 3 sources") || !strings.Contains(out.String(), "Three shipments.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestTriggerCycle_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	if err := triggerCycle(ctx, ts.client()); err == nil {
		t.Fatal("expected error")
	}
}

func newRuleFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("id", "", "")
	addRuleFlags(fs)
	fs.Bool("disabled", false, "")
	fs.Bool("clear-threshold", false, "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	return fs
}

func TestRuleFromFlags(t *testing.T) {
	fs := newRuleFlags(t,
		"--id", "volume",
		"--name", "Volume spike",
		"--query", "How many containers arrived?",
		"--condition", "threshold_exceeded",
		"--threshold", "100",
		"--threshold-field", "count",
		"--priority", "high",
		"--cooldown", "2h",
		"--filter", "hs_code=851712",
		"--channel", "Email",
		"--keyword", "acme",
		"--keyword", "globex",
	)

	r, err := ruleFromFlags(fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID != "volume" || r.Condition != rules.ThresholdExceeded || r.Priority != rules.High || !r.Enabled {
		t.Errorf("rule = %+v", r)
	}
	if r.Threshold == nil || *r.Threshold != 100 || r.ThresholdField != "count" {
		t.Errorf("threshold = %v field = %q", r.Threshold, r.ThresholdField)
	}
	if time.Duration(r.Cooldown) != 2*time.Hour {
		t.Errorf("cooldown = %v", time.Duration(r.Cooldown))
	}
	if r.Filters["hs_code"] != "851712" {
		t.Errorf("filters = %v", r.Filters)
	}
	if len(r.Channels) != 1 || r.Channels[0] != rules.ChannelEmail {
		t.Errorf("channels = %v", r.Channels)
	}
	if len(r.Keywords) != 2 || r.Keywords[1] != "globex" {
		t.Errorf("keywords = %v", r.Keywords)
	}
}

func TestRuleFromFlags_Defaults(t *testing.T) {
	r, err := ruleFromFlags(newRuleFlags(t, "--id", "a", "--name", "A", "--query", "q", "--disabled"))
	if err != nil {
		t.Fatal(err)
	}
	if r.Condition != rules.DataFound || r.Priority != rules.Medium {
		t.Errorf("rule = %+v", r)
	}
	if r.Enabled {
		t.Error("--disabled should create a disabled rule")
	}
	if r.Threshold != nil {
		t.Errorf("threshold = %v, want nil when the flag is not set", *r.Threshold)
	}
}

func TestRuleFromFlags_MissingRequired(t *testing.T) {
	if _, err := ruleFromFlags(newRuleFlags(t, "--id", "a")); err == nil {
		t.Fatal("expected error without --name and --query")
	}
}

func TestPatchFromFlags_OnlyChanged(t *testing.T) {
	p, err := patchFromFlags(newRuleFlags(t, "--priority", "critical", "--clear-threshold"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Priority == nil || *p.Priority != rules.Critical {
		t.Errorf("priority = %v", p.Priority)
	}
	if !p.ClearThreshold {
		t.Error("expected ClearThreshold")
	}
	if p.Name != nil || p.Query != nil || p.Condition != nil || p.Cooldown != nil || p.Channels != nil {
		t.Errorf("unset flags leaked into patch: %+v", p)
	}
}

func TestPatchFromFlags_Empty(t *testing.T) {
	if _, err := patchFromFlags(newRuleFlags(t)); err == nil {
		t.Fatal("expected error for an empty update")
	}
}

func TestRulesAddCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"rules", "add"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestSelectRules(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rs := rules.NewStore(store)
	if _, err := rs.Add(rules.Rule{ID: "off", Name: "Off", Query: "q", Condition: rules.DataFound, Priority: rules.Low}); err != nil {
		t.Fatal(err)
	}

	got, err := selectRules(rs, []string{"off"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].Enabled {
		t.Errorf("selected = %+v, want the disabled rule enabled for this run", got)
	}

	if _, err := selectRules(rs, []string{"off", "missing"}); err == nil {
		t.Error("expected error for an unknown rule")
	}
}

func TestCycleReport(t *testing.T) {
	sum := cycleReport(nil, nil)
	if sum.Events == nil || sum.Evaluated != 0 {
		t.Errorf("empty report = %+v", sum)
	}

	sum = cycleReport([]history.Event{{RuleID: "a", Fired: true}, {RuleID: "b"}}, context.DeadlineExceeded)
	if sum.Evaluated != 2 || sum.Fired != 1 || sum.Error == "" {
		t.Errorf("report = %+v", sum)
	}
}

func TestPrintRules(t *testing.T) {
	out := captureStdout(t)
	printRules([]rules.Rule{
		{ID: "toys", Name: "Toy imports", Condition: rules.DataFound, Priority: rules.Low, Enabled: true},
		{ID: "volume", Name: "Volume", Condition: rules.ThresholdExceeded, Priority: rules.High},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "toys") || !strings.Contains(lines[2], "no") {
		t.Errorf("output = %q", out.String())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "hello"); strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "hello"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestFormatCounts(t *testing.T) {
	if got := formatCounts(nil); got != "none" {
		t.Errorf("formatCounts(nil) = %q", got)
	}
	got := formatCounts(map[string]int{"comtrade": 12500, "bill_of_lading": 3})
	if got != "bill_of_lading 3, comtrade 12,500" {
		t.Errorf("formatCounts = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestServerURL(t *testing.T) {
	cfg := config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 4000}}
	if got := serverURL(cfg); got != "http://127.0.0.1:4000" {
		t.Errorf("serverURL = %q", got)
	}
	cfg.Server.Host = "::1"
	if got := serverURL(cfg); got != "http://[::1]:4000" {
		t.Errorf("serverURL = %q", got)
	}
}
