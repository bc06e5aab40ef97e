package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotRunning is returned by EnsureReady when Ollama cannot be reached.
var ErrNotRunning = errors.New("Ollama is not running. Start it with: ollama serve")

// EnsureReady checks that Ollama is up and that the fact-extraction and
// embedding models are present, pulling the missing ones. Progress goes to w.
// The chat model is warmed up afterwards; a failed warm-up is reported but
// not returned.
func EnsureReady(ctx context.Context, c *Client, chatModel, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return ErrNotRunning
	}

	for _, model := range []string{chatModel, embedModel} {
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		last := ""
		err := c.PullModel(ctx, model, func(p PullProgress) {
			line := p.Status
			if p.Total > 0 {
				line = fmt.Sprintf("%s %.0f%%", p.Status, float64(p.Completed)/float64(p.Total)*100)
			}
			if line != last {
				fmt.Fprintf(w, "  %s\n", line)
				last = line
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Chat(warmCtx, chatModel, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", chatModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", chatModel)
	}
	return nil
}
