package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/rules"
)

var priorityColors = map[string]string{
	"low":      "#36a64f",
	"medium":   "#ff9900",
	"high":     "#ff0000",
	"critical": "#8b0000",
}

const defaultColor = "#ff9900"

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

// SlackSender posts alerts to an incoming webhook. Posts are limited to one
// per second, the rate Slack allows per webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewSlackSender creates a SlackSender for webhookURL.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		now:        time.Now,
	}
}

// Channel implements Sender.
func (s *SlackSender) Channel() rules.Channel { return rules.ChannelChat }

func (s *SlackSender) payload(e history.Event) slackPayload {
	color, ok := priorityColors[e.Priority]
	if !ok {
		color = defaultColor
	}
	return slackPayload{
		Text: "Trade Alert: " + ruleName(e),
		Attachments: []slackAttachment{{
			Color: color,
			Fields: []slackField{
				{Title: "Rule", Value: ruleName(e), Short: true},
				{Title: "Priority", Value: strings.ToUpper(e.Priority), Short: true},
				{Title: "Query", Value: e.QuerySent},
				{Title: "Answer", Value: truncate(e.AnswerReceived, maxSlackAnswer)},
				{Title: "Sources", Value: fmt.Sprintf("%d relevant documents", e.NumSources), Short: true},
				{Title: "Timestamp", Value: formatTime(e.Timestamp), Short: true},
			},
			Footer: footer,
			Ts:     s.now().Unix(),
		}},
	}
}

// Send posts one alert.
func (s *SlackSender) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(s.payload(e))
	if err != nil {
		return fmt.Errorf("marshaling Slack payload: %w", err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("Slack API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
