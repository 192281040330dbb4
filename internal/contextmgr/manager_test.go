package contextmgr

import (
	"context"
	"strings"
	"testing"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/pkg/models"
)

// countingClient charges a flat 10 tokens per message, which makes budget
// boundaries easy to place in tests.
type countingClient struct {
	summary      string
	summaryCalls int
	lastRequest  *llm.Request
}

func (c *countingClient) GenerateResponse(_ context.Context, req *llm.Request) (*llm.Result, error) {
	c.summaryCalls++
	c.lastRequest = req
	return &llm.Result{Message: &llm.CompleteResponse{
		Content:      c.summary,
		FinishReason: llm.FinishStop,
	}}, nil
}

func (c *countingClient) CountTokens(msgs []models.Message, _ string) int {
	return len(msgs) * 10
}

func (c *countingClient) FormatTools([]models.ToolDefinition) []llm.FormattedTool { return nil }

func (c *countingClient) Name() string { return "counting" }

func validConfig() Config {
	return Config{
		TokenThreshold:      100,
		SummaryTargetTokens: 30,
		ReservedTokens:      20,
		SummarizationModel:  "gpt-4o-mini",
	}
}

func seedMessages(t *testing.T, store storage.MessageStorage, threadID string, msgs ...models.Message) {
	t.Helper()
	for i := range msgs {
		msgs[i].ThreadID = threadID
		if _, err := store.Add(context.Background(), &msgs[i]); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"threshold too small", func(c *Config) { c.TokenThreshold = 50 }, true},
		{"zero summary target", func(c *Config) { c.SummaryTargetTokens = 0 }, true},
		{"negative reserved", func(c *Config) { c.ReservedTokens = -1 }, true},
		{"missing model", func(c *Config) { c.SummarizationModel = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAssembleOrderingAndDedupe(t *testing.T) {
	store := storage.NewMemoryStore().Messages()
	client := &countingClient{}
	mgr, err := New(validConfig(), store, client, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	newMsgs := []models.Message{{Role: models.RoleUser, Content: "what next?"}}
	seedMessages(t, store, "t1",
		models.Message{Role: models.RoleUser, Content: "hello"},
		models.Message{Role: models.RoleAssistant, Content: "hi"},
		// Already-persisted copy of this turn's input.
		models.Message{Role: models.RoleUser, Content: "what next?"},
	)

	out, err := mgr.Assemble(context.Background(), "t1", "be helpful", newMsgs)
	if err != nil {
		t.Fatal(err)
	}

	if out[0].Role != models.RoleSystem || out[0].Content != "be helpful" {
		t.Errorf("first message = %+v, want the system prompt", out[0])
	}
	last := out[len(out)-1]
	if last.Content != "what next?" {
		t.Errorf("last message = %q, want the new message", last.Content)
	}
	occurrences := 0
	for _, msg := range out {
		if msg.Content == "what next?" {
			occurrences++
		}
	}
	if occurrences != 1 {
		t.Errorf("new message appears %d times, want exactly once", occurrences)
	}
}

func TestAssembleUnderThresholdNeverSummarizes(t *testing.T) {
	store := storage.NewMemoryStore().Messages()
	client := &countingClient{}
	mgr, err := New(validConfig(), store, client, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	seedMessages(t, store, "t1",
		models.Message{Role: models.RoleUser, Content: "hello"},
		models.Message{Role: models.RoleAssistant, Content: "hi"},
	)
	if _, err := mgr.Assemble(context.Background(), "t1", "sys", []models.Message{{Role: models.RoleUser, Content: "go"}}); err != nil {
		t.Fatal(err)
	}
	if client.summaryCalls != 0 {
		t.Errorf("summarization called %d times below threshold, want 0", client.summaryCalls)
	}
}

func TestAssembleSummarizesOverThreshold(t *testing.T) {
	store := storage.NewMemoryStore().Messages()
	client := &countingClient{summary: "they discussed travel plans"}
	mgr, err := New(validConfig(), store, client, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// 12 stored messages + system + new = 14 messages = 140 tokens > 100.
	var seed []models.Message
	for i := 0; i < 12; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		seed = append(seed, models.Message{Role: role, Content: strings.Repeat("x", 8)})
	}
	seedMessages(t, store, "t1", seed...)

	out, err := mgr.Assemble(context.Background(), "t1", "sys", []models.Message{{Role: models.RoleUser, Content: "go"}})
	if err != nil {
		t.Fatal(err)
	}

	if client.summaryCalls != 1 {
		t.Fatalf("summarization calls = %d, want 1", client.summaryCalls)
	}
	if got := client.lastRequest.Temperature; got != summarizationTemp {
		t.Errorf("summarization temperature = %v, want %v", got, summarizationTemp)
	}
	if got := client.lastRequest.MaxTokens; got != 30 {
		t.Errorf("summarization max tokens = %d, want 30", got)
	}

	// [system, summary marker, new] = 3 messages.
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(out), out)
	}
	if !IsSummary(out[1]) {
		t.Fatalf("middle message is not a summary marker: %+v", out[1])
	}
	if !strings.Contains(out[1].Content, "they discussed travel plans") {
		t.Errorf("summary content missing from marker: %q", out[1].Content)
	}
	if !strings.HasSuffix(out[1].Content, summaryFooter) {
		t.Errorf("summary marker missing footer: %q", out[1].Content)
	}
}

func TestAssembleKeepsExistingSummaryPrefix(t *testing.T) {
	store := storage.NewMemoryStore().Messages()
	client := &countingClient{}
	mgr, err := New(validConfig(), store, client, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	seedMessages(t, store, "t1",
		models.Message{Role: models.RoleUser, Content: "ancient history"},
		models.Message{Role: models.RoleSystem, Content: summaryHeader + "\nolder summary\n" + summaryFooter},
		models.Message{Role: models.RoleAssistant, Content: "recent reply"},
	)

	out, err := mgr.Assemble(context.Background(), "t1", "sys", []models.Message{{Role: models.RoleUser, Content: "go"}})
	if err != nil {
		t.Fatal(err)
	}

	for _, msg := range out {
		if msg.Content == "ancient history" {
			t.Error("messages before the summary marker should be excluded")
		}
	}
	if !IsSummary(out[1]) {
		t.Errorf("second message should be the kept summary, got %+v", out[1])
	}
	if out[2].Content != "recent reply" {
		t.Errorf("messages after the summary should follow it, got %+v", out[2])
	}
}

func TestAssembleDropsOldestWithinReservedHeadroom(t *testing.T) {
	// Ten messages sit at the threshold (100 tokens) without crossing it,
	// so no summary is made, but the 40-token working budget forces the
	// oldest six out.
	cfg := validConfig()
	cfg.ReservedTokens = 60
	cfg.SummaryTargetTokens = 30

	store := storage.NewMemoryStore().Messages()
	client := &countingClient{summary: "compacted"}
	mgr, err := New(cfg, store, client, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var seed []models.Message
	for i := 0; i < 8; i++ {
		seed = append(seed, models.Message{Role: models.RoleUser, Content: string(rune('a' + i))})
	}
	seedMessages(t, store, "t1", seed...)

	out, err := mgr.Assemble(context.Background(), "t1", "sys", []models.Message{{Role: models.RoleUser, Content: "go"}})
	if err != nil {
		t.Fatal(err)
	}

	if client.summaryCalls != 0 {
		t.Fatalf("summarization calls = %d, want 0", client.summaryCalls)
	}
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4 (system + 2 newest + new)", len(out))
	}
	if out[1].Content != "g" || out[2].Content != "h" {
		t.Errorf("kept history = %q, %q; want the two newest messages", out[1].Content, out[2].Content)
	}
	if out[len(out)-1].Content != "go" {
		t.Error("new message must survive truncation")
	}
	if out[0].Role != models.RoleSystem {
		t.Error("system prompt must survive truncation")
	}
}

func TestAssembleIrreducibleListReturnsWithoutError(t *testing.T) {
	// system + new already exceed the budget and nothing is droppable.
	cfg := validConfig()
	cfg.TokenThreshold = 51
	cfg.SummaryTargetTokens = 30
	cfg.ReservedTokens = 20

	store := storage.NewMemoryStore().Messages()
	client := &countingClient{}
	mgr, err := New(cfg, store, client, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	newMsgs := []models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleUser, Content: "b"},
		{Role: models.RoleUser, Content: "c"},
	}
	out, err := mgr.Assemble(context.Background(), "t1", "sys", newMsgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 4 {
		t.Errorf("got %d messages, want system + 3 new", len(out))
	}
}

func TestAssembleSingleHistoricalMessageTruncatesInsteadOfSummarizing(t *testing.T) {
	// One historical message is below the two-message summarization
	// minimum; the manager drops it instead.
	cfg := validConfig()
	cfg.TokenThreshold = 25
	cfg.SummaryTargetTokens = 10
	cfg.ReservedTokens = 5

	store := storage.NewMemoryStore().Messages()
	client := &countingClient{}
	mgr, err := New(cfg, store, client, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	seedMessages(t, store, "t1", models.Message{Role: models.RoleUser, Content: "only one"})

	out, err := mgr.Assemble(context.Background(), "t1", "sys", []models.Message{{Role: models.RoleUser, Content: "go"}})
	if err != nil {
		t.Fatal(err)
	}
	if client.summaryCalls != 0 {
		t.Errorf("summarization calls = %d, want 0", client.summaryCalls)
	}
	if len(out) != 2 {
		t.Errorf("got %d messages, want system + new only", len(out))
	}
}
