package composer

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tradewatch/tradewatch/internal/proxy"
	"github.com/tradewatch/tradewatch/internal/retrieval"
)

const defaultMaxContextTokens = 4000

const analystInstructions = `You are a trade intelligence analyst. Answer the question using only the trade records below.
Each record comes from UN Comtrade monthly statistics, bill-of-lading shipment data, or an ingested document.
State figures exactly as they appear in the records and name the buyers, suppliers, countries and HS codes involved.
If the records do not contain the answer, say that no matching trade data was found. Do not speculate.`

const noContextNote = "No trade records matched this question."

// Composer builds the answer-synthesis prompt from the question and the
// retrieved trade records, keeping the injected records under a token budget.
type Composer struct {
	MaxContextTokens int
	now              func() time.Time
}

// New creates a Composer. maxContextTokens <= 0 selects 4000.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens, now: time.Now}
}

// Compose returns the system and user messages for question together with
// the chunks that made it into the prompt. Chunks are taken best score first;
// a chunk that does not fit the remaining budget is skipped and smaller ones
// after it may still be used.
func (c *Composer) Compose(question string, chunks []retrieval.ContextChunk) ([]proxy.Message, []retrieval.ContextChunk) {
	var sb strings.Builder
	sb.WriteString(analystInstructions)
	fmt.Fprintf(&sb, "\nToday's date is %s.", c.now().UTC().Format("2006-01-02"))

	used := c.selectChunks(chunks)
	if len(used) == 0 {
		sb.WriteString("\n\n" + noContextNote)
	} else {
		sb.WriteString("\n\n[Trade Records]\n")
		for i, ch := range used {
			sb.WriteString(formatChunk(i+1, ch))
		}
	}

	return []proxy.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: question},
	}, used
}

func (c *Composer) selectChunks(chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	if len(chunks) == 0 {
		return nil
	}
	sorted := slices.Clone(chunks)
	slices.SortStableFunc(sorted, func(a, b retrieval.ContextChunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	remaining := c.MaxContextTokens - EstimateTokens(analystInstructions) - EstimateTokens("\n\n[Trade Records]\n")
	var used []retrieval.ContextChunk
	for _, ch := range sorted {
		tokens := EstimateTokens(formatChunk(len(used)+1, ch))
		if tokens > remaining {
			continue
		}
		used = append(used, ch)
		remaining -= tokens
	}
	return used
}

func formatChunk(n int, ch retrieval.ContextChunk) string {
	return fmt.Sprintf("[%d] (%s %s, relevance %.2f)\n%s\n\n", n, ch.SourceType, ch.SourceID, ch.Score, ch.Text)
}

// EstimateTokens approximates a token count at 4 characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
