package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/oracle"
	"github.com/tradewatch/tradewatch/internal/rules"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Rules   *rules.Store
	History *history.Log
	Oracle  oracle.Oracle // optional; if nil, ask_trade_question returns an error
	Monitor CycleRunner   // optional; if nil, run_monitoring_cycle returns an error
}

// NewMCPServer creates an MCP server with the trade monitoring tools and
// resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"tradewatch",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tradewatch answers questions about international trade data and manages alert rules over it."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_trade_question",
			mcp.WithDescription("Answer a natural-language question about ingested trade statistics, shipments and documents."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("hs_code", mcp.Description("Optional 6-digit HS code to restrict the search to")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_alert_rules",
			mcp.WithDescription("List the configured alert rules."),
			mcp.WithBoolean("enabled_only", mcp.Description("Only list enabled rules")),
		),
		mcpListRules(deps),
	)

	s.AddTool(
		mcp.NewTool("add_alert_rule",
			mcp.WithDescription("Create an alert rule that is evaluated on every monitoring cycle."),
			mcp.WithString("rule_id", mcp.Description("Unique rule ID"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Human-readable rule name"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Question sent to the oracle each cycle"), mcp.Required()),
			mcp.WithString("trigger_condition",
				mcp.Description("When the rule fires"),
				mcp.Enum(string(rules.DataFound), string(rules.ThresholdExceeded), string(rules.KeywordMatch), string(rules.Anomaly)),
			),
			mcp.WithArray("keywords", mcp.Description("Keywords for keyword_match rules"), mcp.WithStringItems()),
			mcp.WithNumber("threshold", mcp.Description("Threshold for threshold_exceeded rules")),
			mcp.WithString("priority",
				mcp.Description("Alert priority (default medium)"),
				mcp.Enum(string(rules.Low), string(rules.Medium), string(rules.High), string(rules.Critical)),
			),
		),
		mcpAddRule(deps),
	)

	s.AddTool(
		mcp.NewTool("run_monitoring_cycle",
			mcp.WithDescription("Evaluate every enabled alert rule now and report which ones fired."),
		),
		mcpRunCycle(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_alerts",
			mcp.WithDescription("List recent alert evaluations, newest first."),
			mcp.WithString("rule_id", mcp.Description("Only alerts for this rule")),
			mcp.WithBoolean("fired_only", mcp.Description("Only alerts that fired")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpRecentAlerts(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tradewatch://rules",
			"Alert Rules",
			mcp.WithResourceDescription("All alert rules as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRules(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Oracle == nil {
			return mcpError("query oracle not available: no LLM API key configured"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		var filters map[string]string
		if hs := req.GetString("hs_code", ""); hs != "" {
			filters = map[string]string{"hs_code": hs}
		}

		resp, err := deps.Oracle.Ask(ctx, question, filters)
		if err != nil {
			return mcpError(fmt.Sprintf("question failed: %v", err)), nil
		}

		var b strings.Builder
		b.WriteString(resp.Answer)
		if len(resp.Citations) > 0 {
			fmt.Fprintf(&b, "\n\nSources (%d): %s", len(resp.Citations), strings.Join(resp.Citations, ", "))
		}
		if resp.IsAnomalous {
			b.WriteString("\n\nThe answer describes an anomaly.")
		}
		return mcpText(b.String()), nil
	}
}

func mcpListRules(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rs, err := deps.Rules.List(req.GetBool("enabled_only", false))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list rules: %v", err)), nil
		}
		b, err := json.Marshal(rs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal rules: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddRule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("rule_id")
		if err != nil {
			return mcpError("rule_id is required"), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		r := rules.Rule{
			ID:        id,
			Name:      name,
			Query:     query,
			Condition: rules.Condition(req.GetString("trigger_condition", string(rules.DataFound))),
			Keywords:  req.GetStringSlice("keywords", nil),
			Enabled:   true,
			Priority:  rules.Priority(req.GetString("priority", string(rules.Medium))),
		}
		if args := req.GetArguments(); args["threshold"] != nil {
			v := req.GetFloat("threshold", 0)
			r.Threshold = &v
		}

		added, err := deps.Rules.Add(r)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Added rule %s (%s)", added.ID, added.Condition)), nil
	}
}

func mcpRunCycle(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Monitor == nil {
			return mcpError("monitoring not available: no LLM API key configured"), nil
		}
		events, err := deps.Monitor.RunCycle(ctx, deps.Rules)
		if err != nil && len(events) == 0 {
			return mcpError(fmt.Sprintf("monitoring cycle failed: %v", err)), nil
		}

		sum := summarize(events, err)
		var b strings.Builder
		fmt.Fprintf(&b, "Evaluated %d rules, %d fired.", sum.Evaluated, sum.Fired)
		for _, e := range events {
			if e.Fired {
				fmt.Fprintf(&b, "\n- %s: %s", e.RuleID, e.Reason)
			}
		}
		if sum.Error != "" {
			fmt.Fprintf(&b, "\nErrors: %s", sum.Error)
		}
		return mcpText(b.String()), nil
	}
}

func mcpRecentAlerts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		events, err := deps.History.List(history.Query{
			RuleID:    req.GetString("rule_id", ""),
			FiredOnly: req.GetBool("fired_only", false),
			Limit:     limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list alerts: %v", err)), nil
		}

		type alertSummary struct {
			RuleID    string `json:"rule_id"`
			Timestamp string `json:"timestamp"`
			Fired     bool   `json:"fired"`
			Reason    string `json:"reason"`
			Answer    string `json:"answer"`
		}
		out := make([]alertSummary, len(events))
		for i, e := range events {
			answer := e.AnswerReceived
			if utf8.RuneCountInString(answer) > 200 {
				runes := []rune(answer)
				answer = string(runes[:200]) + "..."
			}
			out[i] = alertSummary{
				RuleID:    e.RuleID,
				Timestamp: e.Timestamp.Format(time.RFC3339),
				Fired:     e.Fired,
				Reason:    e.Reason,
				Answer:    answer,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal alerts: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRules(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		rs, err := deps.Rules.List(false)
		if err != nil {
			return nil, fmt.Errorf("failed to list rules: %w", err)
		}
		b, err := json.Marshal(rs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rules: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// ServeStdio runs s over stdin/stdout until ctx is cancelled.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(s).Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
