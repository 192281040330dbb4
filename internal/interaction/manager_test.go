package interaction

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loomlabs/loom/internal/contextmgr"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

// scriptedClient replays one prepared result per GenerateResponse call,
// across every run that shares it (parent and workers alike).
type scriptedClient struct {
	turns    []*llm.Result
	requests []*llm.Request
}

func (c *scriptedClient) GenerateResponse(_ context.Context, req *llm.Request) (*llm.Result, error) {
	c.requests = append(c.requests, req)
	if len(c.requests) > len(c.turns) {
		return streamOf(llm.Chunk{FinishReason: llm.FinishStop, Done: true}), nil
	}
	return c.turns[len(c.requests)-1], nil
}

func (c *scriptedClient) CountTokens(msgs []models.Message, _ string) int { return len(msgs) }

func (c *scriptedClient) FormatTools(defs []models.ToolDefinition) []llm.FormattedTool {
	out := make([]llm.FormattedTool, len(defs))
	for i, def := range defs {
		out[i] = llm.FormattedTool{Name: def.Name, Payload: def}
	}
	return out
}

func (c *scriptedClient) Name() string { return "scripted" }

func streamOf(chunks ...llm.Chunk) *llm.Result {
	ch := make(chan llm.Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return &llm.Result{Stream: ch}
}

func textTurn(text string) *llm.Result {
	return streamOf(
		llm.Chunk{Text: text},
		llm.Chunk{FinishReason: llm.FinishStop, Done: true},
	)
}

func toolCallTurn(id, name, args string) *llm.Result {
	return streamOf(
		llm.Chunk{Fragments: []llm.ToolCallFragment{{Index: 0, ID: id, Name: name, Arguments: args}}},
		llm.Chunk{FinishReason: llm.FinishToolCalls, Done: true},
	)
}

type echoTool struct {
	name  string
	reply string
}

func (t *echoTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{Name: t.name}
}

func (t *echoTool) Execute(context.Context, json.RawMessage, tools.ExecContext) (*models.ToolResult, error) {
	return &models.ToolResult{Success: true, Data: t.reply}, nil
}

func baseConfig(mode Mode) Config {
	return Config{
		Mode: mode,
		DefaultRunConfig: models.RunConfig{
			Model:                    "test-model",
			MaxToolCallContinuations: 4,
		},
		Context: contextmgr.Config{
			TokenThreshold:      1000,
			SummaryTargetTokens: 100,
			ReservedTokens:      50,
			SummarizationModel:  "test-model",
		},
	}
}

func newManager(t *testing.T, cfg Config, client llm.Client, provider tools.Provider, orch tools.Orchestrator) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	m, err := New(Options{
		Config:          cfg,
		Client:          client,
		Threads:         store.Threads(),
		Messages:        store.Messages(),
		Runs:            store.Runs(),
		GenericProvider: provider,
		Orchestrator:    orch,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, store
}

func drain(ch <-chan models.Event) []models.Event {
	var out []models.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func findEvent(events []models.Event, typ models.EventType) *models.Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func TestNewValidatesModeWiring(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &scriptedClient{}

	tests := []struct {
		name string
		opts Options
	}{
		{"no client", Options{Config: baseConfig(ModeGenericOpenAPI),
			Threads: store.Threads(), Messages: store.Messages(), Runs: store.Runs()}},
		{"generic mode without provider", Options{Config: baseConfig(ModeGenericOpenAPI), Client: client,
			Threads: store.Threads(), Messages: store.Messages(), Runs: store.Runs()}},
		{"planner mode without orchestrator", Options{Config: baseConfig(ModeHierarchicalPlanner), Client: client,
			Threads: store.Threads(), Messages: store.Messages(), Runs: store.Runs()}},
		{"unknown mode", Options{Config: baseConfig("mystery"), Client: client,
			Threads: store.Threads(), Messages: store.Messages(), Runs: store.Runs()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected construction error")
			}
		})
	}

	t.Run("missing model", func(t *testing.T) {
		cfg := baseConfig(ModeGenericOpenAPI)
		cfg.DefaultRunConfig.Model = ""
		_, err := New(Options{Config: cfg, Client: client, GenericProvider: tools.NewStaticProvider(),
			Threads: store.Threads(), Messages: store.Messages(), Runs: store.Runs()})
		if err == nil {
			t.Error("expected construction error")
		}
	})
}

func TestGenericOpenAPIRun(t *testing.T) {
	client := &scriptedClient{turns: []*llm.Result{textTurn("hi there")}}
	m, store := newManager(t, baseConfig(ModeGenericOpenAPI), client, tools.NewStaticProvider(), nil)

	ch, err := m.StartAgentRun(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "hello"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(ch)

	last := events[len(events)-1]
	if last.Type != models.EventRunCompleted {
		t.Fatalf("last event = %s, want run completed", last.Type)
	}

	run, err := store.Runs().Get(context.Background(), last.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("run status = %s", run.Status)
	}
	if run.Metadata["mode"] != string(ModeGenericOpenAPI) {
		t.Errorf("run metadata mode = %v", run.Metadata["mode"])
	}

	// Thread was auto-created and holds the conversation.
	if _, err := store.Threads().Get(context.Background(), last.ThreadID); err != nil {
		t.Errorf("auto-created thread missing: %v", err)
	}
}

func TestHierarchicalDelegation(t *testing.T) {
	orch := tools.NewStaticOrchestrator(map[string]tools.Provider{
		"WeatherTools": tools.NewStaticProvider(&echoTool{name: "getWeather", reply: "15°C and cloudy"}),
	})
	// Call order: parent plans a delegation, the worker answers directly,
	// the parent synthesizes.
	client := &scriptedClient{turns: []*llm.Result{
		toolCallTurn("tc1", tools.DelegateToolName,
			`{"specialistId":"WeatherTools","subTaskDescription":"weather in London"}`),
		textTurn("15°C and cloudy"),
		textTurn("London is currently 15°C and cloudy."),
	}}
	m, store := newManager(t, baseConfig(ModeHierarchicalPlanner), client, nil, orch)

	ch, err := m.StartAgentRun(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "what's the weather in London?"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(ch)

	if last := events[len(events)-1]; last.Type != models.EventRunCompleted {
		t.Fatalf("last event = %s, want run completed", last.Type)
	}

	started := findEvent(events, models.EventSubAgentStarted)
	if started == nil {
		t.Fatal("no sub_agent.invocation.started event")
	}
	completed := findEvent(events, models.EventSubAgentCompleted)
	if completed == nil {
		t.Fatal("no sub_agent.invocation.completed event")
	}
	subData := completed.Data.(models.SubAgentData)
	if subData.SpecialistID != "WeatherTools" || subData.SubAgentRunID == "" {
		t.Errorf("sub agent data = %+v", subData)
	}

	execDone := findEvent(events, models.EventToolExecCompleted)
	if execDone == nil {
		t.Fatal("no tool execution completed event")
	}
	result := execDone.Data.(models.ToolExecData).Result
	if !result.Success || result.Data != "15°C and cloudy" {
		t.Errorf("delegate result = %+v", result)
	}
	if result.Metadata[models.ResultMetaSubAgentRunID] != subData.SubAgentRunID {
		t.Errorf("metadata run id %v != event run id %v",
			result.Metadata[models.ResultMetaSubAgentRunID], subData.SubAgentRunID)
	}

	// The worker's run record is terminal and shared storage resolves it.
	subRun, err := store.Runs().Get(context.Background(), subData.SubAgentRunID)
	if err != nil {
		t.Fatal(err)
	}
	if subRun.Status != models.RunCompleted {
		t.Errorf("sub run status = %s", subRun.Status)
	}
	if subRun.AgentType != "specialist:WeatherTools" {
		t.Errorf("sub run agent type = %s", subRun.AgentType)
	}

	// The planner saw only the delegate tool.
	if len(client.requests) != 3 {
		t.Fatalf("llm calls = %d, want 3", len(client.requests))
	}
	plannerTools := client.requests[0].Tools
	if len(plannerTools) != 1 || plannerTools[0].Name != tools.DelegateToolName {
		t.Errorf("planner tools = %+v", plannerTools)
	}
	// The worker saw the specialist toolset.
	workerTools := client.requests[1].Tools
	if len(workerTools) != 1 || workerTools[0].Name != "getWeather" {
		t.Errorf("worker tools = %+v", workerTools)
	}
}

func TestPlannerVariantOverrideGetsMasterProvider(t *testing.T) {
	orch := tools.NewStaticOrchestrator(map[string]tools.Provider{
		"WeatherTools": tools.NewStaticProvider(&echoTool{name: "getWeather", reply: "sunny"}),
		"MathTools":    tools.NewStaticProvider(&echoTool{name: "add", reply: "2"}),
	})
	client := &scriptedClient{turns: []*llm.Result{textTurn("done")}}
	m, _ := newManager(t, baseConfig(ModeHierarchicalPlanner), client, nil, orch)

	override := &models.RunConfig{Variant: models.VariantBase}
	ch, err := m.StartAgentRun(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, override)
	if err != nil {
		t.Fatal(err)
	}
	drain(ch)

	// The overridden class sees every toolset's tools directly.
	names := map[string]bool{}
	for _, tool := range client.requests[0].Tools {
		names[tool.Name] = true
	}
	if !names["getWeather"] || !names["add"] {
		t.Errorf("override run tools = %v, want aggregated toolsets", names)
	}
	if names[tools.DelegateToolName] {
		t.Error("override run must not see the delegate tool")
	}
}

func TestToolsetsRouterMode(t *testing.T) {
	orch := tools.NewStaticOrchestrator(map[string]tools.Provider{
		"WeatherTools": tools.NewStaticProvider(&echoTool{name: "getWeather", reply: "15°C and cloudy"}),
	})
	client := &scriptedClient{turns: []*llm.Result{
		toolCallTurn("tc1", tools.RouterToolName,
			`{"toolSetId":"WeatherTools","toolName":"getWeather","toolParameters":{"city":"London"}}`),
		textTurn("15°C and cloudy in London."),
	}}
	m, _ := newManager(t, baseConfig(ModeToolsetsRouter), client, nil, orch)

	ch, err := m.StartAgentRun(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "weather in London"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(ch)

	if last := events[len(events)-1]; last.Type != models.EventRunCompleted {
		t.Fatalf("last event = %s, want run completed", last.Type)
	}
	execDone := findEvent(events, models.EventToolExecCompleted)
	if execDone == nil {
		t.Fatal("no tool execution event")
	}
	data := execDone.Data.(models.ToolExecData)
	if data.ToolName != tools.RouterToolName || !data.Result.Success {
		t.Errorf("router execution = %+v", data)
	}
	if data.Result.Data != "15°C and cloudy" {
		t.Errorf("routed result = %v", data.Result.Data)
	}
}

func TestContinueRunValidation(t *testing.T) {
	client := &scriptedClient{turns: []*llm.Result{textTurn("done")}}
	m, store := newManager(t, baseConfig(ModeGenericOpenAPI), client, tools.NewStaticProvider(), nil)

	ch, err := m.StartAgentRun(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "hello"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(ch)
	runID, threadID := events[0].RunID, events[0].ThreadID

	if _, err := m.ContinueAgentRunWithToolOutputs(context.Background(), "nope", threadID, nil); err == nil {
		t.Error("unknown run must be rejected")
	}
	if _, err := m.ContinueAgentRunWithToolOutputs(context.Background(), runID, "wrong-thread", nil); err == nil {
		t.Error("thread mismatch must be rejected")
	}
	// Completed runs are not continuable.
	if _, err := m.ContinueAgentRunWithToolOutputs(context.Background(), runID, threadID, nil); err == nil {
		t.Error("completed run must be rejected")
	}

	run, _ := store.Runs().Get(context.Background(), runID)
	if run.Status != models.RunCompleted {
		t.Fatalf("precondition: run is %s", run.Status)
	}
}

func TestContinueResumesPausedRun(t *testing.T) {
	provider := tools.NewStaticProvider(&echoTool{name: "lookup", reply: "42"})
	client := &scriptedClient{turns: []*llm.Result{
		toolCallTurn("tc1", "lookup", `{}`),
		textTurn("the answer is 42"),
	}}
	cfg := baseConfig(ModeGenericOpenAPI)
	cfg.DefaultRunConfig.MaxToolCallContinuations = 0
	m, store := newManager(t, cfg, client, provider, nil)

	ch, err := m.StartAgentRun(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "look it up"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(ch)
	runID, threadID := events[0].RunID, events[0].ThreadID

	run, _ := store.Runs().Get(context.Background(), runID)
	if run.Status != models.RunRequiresAction {
		t.Fatalf("run status after pause = %s", run.Status)
	}

	resumed, err := m.ContinueAgentRunWithToolOutputs(context.Background(), runID, threadID,
		[]models.Message{{Role: models.RoleTool, Content: "42", ToolCallID: "tc1", ToolName: "lookup"}})
	if err != nil {
		t.Fatal(err)
	}
	resumeEvents := drain(resumed)
	if last := resumeEvents[len(resumeEvents)-1]; last.Type != models.EventRunCompleted {
		t.Fatalf("last resume event = %s, want run completed", last.Type)
	}

	run, _ = store.Runs().Get(context.Background(), runID)
	if run.Status != models.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
}

func TestCancelRunUnknown(t *testing.T) {
	client := &scriptedClient{}
	m, _ := newManager(t, baseConfig(ModeGenericOpenAPI), client, tools.NewStaticProvider(), nil)
	if err := m.CancelRun("ghost"); err == nil {
		t.Error("cancelling an inactive run must error")
	}
}

// credentialOrchestrator records rotations.
type credentialOrchestrator struct {
	*tools.StaticOrchestrator
	got map[string]string
}

func (o *credentialOrchestrator) UpdateCredentials(creds map[string]string) bool {
	o.got = creds
	return true
}

func TestUpdateAuthenticationReinitializes(t *testing.T) {
	orch := &credentialOrchestrator{StaticOrchestrator: tools.NewStaticOrchestrator(map[string]tools.Provider{
		"WeatherTools": tools.NewStaticProvider(&echoTool{name: "getWeather", reply: "sunny"}),
	})}
	client := &scriptedClient{}
	m, _ := newManager(t, baseConfig(ModeHierarchicalPlanner), client, nil, orch)

	creds := map[string]string{"weather-api": "key-2"}
	if err := m.UpdateAuthentication(context.Background(), creds); err != nil {
		t.Fatal(err)
	}
	if orch.got["weather-api"] != "key-2" {
		t.Errorf("orchestrator credentials = %v", orch.got)
	}
}
