// Package contextmgr assembles the bounded message list for an LLM call:
// system prompt first, a token-budgeted historical tail with optional
// summary prefix, then the turn's new messages.
package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/pkg/models"
)

const (
	summaryHeader = "======== CONVERSATION HISTORY SUMMARY ========"
	summaryFooter = "======== END OF SUMMARY ========"

	defaultHistoryLimit     = 100
	summarizationTemp       = 0.2
	summarizationInstruction = "Summarize the conversation so far. Retain all established facts, " +
		"decisions made, open questions, and the latest state of any ongoing task. " +
		"Be concise; omit pleasantries and repetition."
)

// Config bounds context assembly.
type Config struct {
	// TokenThreshold is the absolute ceiling for the outgoing list.
	TokenThreshold int

	// SummaryTargetTokens is the budget for a produced summary.
	SummaryTargetTokens int

	// ReservedTokens is headroom for system prompt, new input, and the
	// model's response.
	ReservedTokens int

	// SummarizationModel names the model used for summarization calls and
	// token counting.
	SummarizationModel string

	// HistoryLimit caps how many recent messages are fetched. Defaults
	// to 100.
	HistoryLimit int
}

// Validate checks the budget arithmetic.
func (c Config) Validate() error {
	if c.TokenThreshold <= 0 {
		return fmt.Errorf("tokenThreshold must be positive, got %d", c.TokenThreshold)
	}
	if c.SummaryTargetTokens <= 0 {
		return fmt.Errorf("summaryTargetTokens must be positive, got %d", c.SummaryTargetTokens)
	}
	if c.ReservedTokens < 0 {
		return fmt.Errorf("reservedTokens must not be negative, got %d", c.ReservedTokens)
	}
	if c.TokenThreshold <= c.SummaryTargetTokens+c.ReservedTokens {
		return fmt.Errorf("tokenThreshold (%d) must exceed summaryTargetTokens+reservedTokens (%d)",
			c.TokenThreshold, c.SummaryTargetTokens+c.ReservedTokens)
	}
	if c.SummarizationModel == "" {
		return fmt.Errorf("summarizationModel is required")
	}
	return nil
}

// Manager assembles bounded histories for one message store.
type Manager struct {
	cfg     Config
	store   storage.MessageStorage
	client  llm.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New validates the config and builds a manager.
func New(cfg Config, store storage.MessageStorage, client llm.Client, logger *observability.Logger, metrics *observability.Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Manager{cfg: cfg, store: store, client: client, logger: logger, metrics: metrics}, nil
}

// Assemble produces the outgoing list for one LLM call. The system prompt
// and newMessages are never dropped; history is summarized and then
// truncated oldest-first to fit the budget.
func (m *Manager) Assemble(ctx context.Context, threadID, systemPrompt string, newMessages []models.Message) ([]models.Message, error) {
	stored, err := m.store.List(ctx, threadID, storage.MessageQuery{
		Limit: m.cfg.HistoryLimit,
		Order: storage.OrderAsc,
	})
	if err != nil {
		return nil, fmt.Errorf("load history for thread %s: %w", threadID, err)
	}

	historical := splitAtSummary(stored)
	historical = trimDuplicateSuffix(historical, newMessages)

	candidate := compose(systemPrompt, historical, newMessages)
	tokens := m.client.CountTokens(candidate, m.cfg.SummarizationModel)
	m.metrics.ContextAssembled(m.cfg.SummarizationModel, tokens)

	if tokens > m.cfg.TokenThreshold && summarizableCount(historical) >= 2 {
		summary, serr := m.summarize(ctx, historical)
		if serr != nil {
			// Fall through to truncation; a failed summarization call must
			// not fail the turn.
			m.logger.Warn(ctx, "summarization failed, falling back to truncation",
				"thread_id", threadID, "error", serr.Error())
		} else {
			historical = []models.Message{summaryMessage(threadID, summary)}
			candidate = compose(systemPrompt, historical, newMessages)
			tokens = m.client.CountTokens(candidate, m.cfg.SummarizationModel)
			m.metrics.Summarized()
		}
	}

	budget := m.cfg.TokenThreshold - m.cfg.ReservedTokens
	for tokens > budget {
		idx := oldestDroppable(historical)
		if idx < 0 {
			m.logger.Warn(ctx, "context exceeds budget and cannot shrink further",
				"thread_id", threadID, "tokens", tokens, "budget", budget)
			break
		}
		historical = append(historical[:idx], historical[idx+1:]...)
		candidate = compose(systemPrompt, historical, newMessages)
		tokens = m.client.CountTokens(candidate, m.cfg.SummarizationModel)
	}

	m.logger.Debug(ctx, "context assembled",
		"thread_id", threadID,
		"messages", len(candidate),
		"tokens", tokens,
	)
	return candidate, nil
}

func (m *Manager) summarize(ctx context.Context, historical []models.Message) (string, error) {
	transcript := renderTranscript(historical)
	result, err := m.client.GenerateResponse(ctx, &llm.Request{
		Model:        m.cfg.SummarizationModel,
		SystemPrompt: summarizationInstruction,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: transcript,
		}},
		Temperature: summarizationTemp,
		MaxTokens:   m.cfg.SummaryTargetTokens,
	})
	if err != nil {
		return "", err
	}
	if result.Message == nil || strings.TrimSpace(result.Message.Content) == "" {
		return "", fmt.Errorf("summarization returned no content")
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// IsSummary reports whether a message is a summary marker produced by this
// package.
func IsSummary(msg models.Message) bool {
	return msg.Role == models.RoleSystem && strings.HasPrefix(msg.Content, summaryHeader)
}

func summaryMessage(threadID, summary string) models.Message {
	return models.Message{
		ThreadID: threadID,
		Role:     models.RoleSystem,
		Content:  summaryHeader + "\n" + summary + "\n" + summaryFooter,
	}
}

// splitAtSummary keeps the latest summary marker, if any, plus everything
// chronologically after it.
func splitAtSummary(stored []*models.Message) []models.Message {
	cut := -1
	for i, msg := range stored {
		if IsSummary(*msg) {
			cut = i
		}
	}
	out := make([]models.Message, 0, len(stored))
	start := 0
	if cut >= 0 {
		start = cut
	}
	for _, msg := range stored[start:] {
		out = append(out, *msg)
	}
	return out
}

// trimDuplicateSuffix removes a historical tail that repeats the new
// messages, which happens when the caller persisted them before assembly.
func trimDuplicateSuffix(historical, newMessages []models.Message) []models.Message {
	n := len(newMessages)
	if n == 0 || len(historical) < n {
		return historical
	}
	tail := historical[len(historical)-n:]
	for i := range tail {
		if !sameMessage(tail[i], newMessages[i]) {
			return historical
		}
	}
	return historical[:len(historical)-n]
}

func sameMessage(a, b models.Message) bool {
	if a.Role != b.Role || a.Content != b.Content || a.ToolCallID != b.ToolCallID {
		return false
	}
	if len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i] != b.ToolCalls[i] {
			return false
		}
	}
	return true
}

func compose(systemPrompt string, historical, newMessages []models.Message) []models.Message {
	out := make([]models.Message, 0, 1+len(historical)+len(newMessages))
	out = append(out, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	out = append(out, historical...)
	out = append(out, newMessages...)
	return out
}

// summarizableCount counts historical messages eligible for folding into a
// summary. System messages, the summary marker included, stay out.
func summarizableCount(historical []models.Message) int {
	n := 0
	for _, msg := range historical {
		if msg.Role != models.RoleSystem {
			n++
		}
	}
	return n
}

// oldestDroppable finds the first message that may be truncated away.
func oldestDroppable(historical []models.Message) int {
	for i, msg := range historical {
		if msg.Role != models.RoleSystem {
			return i
		}
	}
	return -1
}

// renderTranscript flattens messages into a plain-text transcript for the
// summarization prompt.
func renderTranscript(historical []models.Message) string {
	var b strings.Builder
	for _, msg := range historical {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Text())
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&b, "\n  [tool call %s(%s)]", call.Name, call.Arguments)
		}
		b.WriteString("\n")
	}
	return b.String()
}
