package facts

import "github.com/tradewatch/tradewatch/internal/ollama"

const systemPrompt = `You extract facts from answers about international trade data. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Only use numbers and names that appear in the answer. Never compute or guess.
- If the answer says no matching data was found, set count and value to null and items to [].
- count is a number of things (shipments, buyers, suppliers, records).
- value is an amount (trade value, quantity, or percentage change). Use a plain number without separators or currency symbols.
- Set is_anomalous to true only when the answer explicitly describes something unusual, a sharp increase, a sharp drop, or a new pattern.`

// BuildPrompt constructs the chat messages for fact extraction.
func BuildPrompt(question, answer string) []ollama.Message {
	return []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Question: " + question + "\n\nAnswer: " + answer},
	}
}
