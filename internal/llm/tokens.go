package llm

import (
	"github.com/loomlabs/loom/pkg/models"
)

// perMessageOverhead approximates the framing tokens each message costs on
// top of its content.
const perMessageOverhead = 4

// EstimateTokens is the character-based token estimate shared by the shipped
// clients: roughly four characters per token plus per-message overhead. It is
// deliberately conservative rather than exact; the context manager only needs
// a stable budget signal.
func EstimateTokens(messages []models.Message) int {
	total := 0
	for i := range messages {
		m := &messages[i]
		total += len(m.Text())/4 + perMessageOverhead
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Arguments)) / 4
		}
		if m.ToolCallID != "" {
			total += len(m.ToolCallID) / 4
		}
	}
	return total
}
