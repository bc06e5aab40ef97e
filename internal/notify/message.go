package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/tradewatch/tradewatch/internal/history"
)

const (
	footer          = "Trade Intelligence Monitoring System"
	rule80          = "================================================================================"
	maxSlackAnswer  = 500
	timestampLayout = "2006-01-02 15:04:05 MST"
)

// Subject returns the alert subject line, e.g. "Trade Alert: Volume drop [CRITICAL]".
func Subject(e history.Event) string {
	return fmt.Sprintf("Trade Alert: %s [%s]", ruleName(e), strings.ToUpper(e.Priority))
}

// Body renders the plain-text alert body.
func Body(e history.Event) string {
	var sb strings.Builder
	sb.WriteString("Trade Intelligence Alert Triggered\n")
	sb.WriteString(rule80 + "\n\n")
	fmt.Fprintf(&sb, "Rule: %s\n", ruleName(e))
	fmt.Fprintf(&sb, "Priority: %s\n", strings.ToUpper(e.Priority))
	fmt.Fprintf(&sb, "Triggered: %s\n\n", formatTime(e.Timestamp))
	fmt.Fprintf(&sb, "Query: %s\n\n", e.QuerySent)
	sb.WriteString(rule80 + "\nANSWER:\n" + rule80 + "\n")
	sb.WriteString(e.AnswerReceived + "\n\n")
	sb.WriteString(rule80 + "\n")
	fmt.Fprintf(&sb, "Sources: %d relevant documents found\n", e.NumSources)
	sb.WriteString(rule80 + "\n\n")
	sb.WriteString("This is an automated alert from your " + footer + ".\n")
	return sb.String()
}

func ruleName(e history.Event) string {
	if e.RuleName != "" {
		return e.RuleName
	}
	return e.RuleID
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// truncate cuts s to n bytes on a rune boundary and appends "...".
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
