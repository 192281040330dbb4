// Package tools defines the provider surface agents discover tools through,
// plus the built-in providers: toolset orchestration, the router tool, and
// the delegate-to-specialist tool.
package tools

import (
	"context"
	"encoding/json"

	"github.com/loomlabs/loom/pkg/models"
)

// ExecContext carries run-scoped information into a tool execution.
// Credentials are opaque to the runtime; providers that need them interpret
// the per-source map themselves.
type ExecContext struct {
	RunID       string
	ThreadID    string
	ToolCallID  string
	Credentials map[string]string

	// Notify lets a tool surface an event on the owning run's stream while
	// its execution is still in flight. May be nil.
	Notify func(typ models.EventType, data any)
}

// Tool is a callable capability.
type Tool interface {
	// Definition returns the declared shape the LLM sees.
	Definition() models.ToolDefinition

	// Execute runs the tool. args has already passed schema validation.
	Execute(ctx context.Context, args json.RawMessage, ec ExecContext) (*models.ToolResult, error)
}

// SpecProvider is implemented by tools whose schemas contain local $refs
// into an OpenAPI-like component registry. The executor resolves refs
// against it before validation.
type SpecProvider interface {
	// OpenAPISpec returns a document of the shape
	// {"components": {"schemas": {...}}}.
	OpenAPISpec() map[string]any
}

// Provider is the lookup surface an agent discovers tools through.
type Provider interface {
	// Tools returns every tool the provider offers.
	Tools(ctx context.Context) ([]Tool, error)

	// Tool fetches one tool by name; the bool reports existence.
	Tool(ctx context.Context, name string) (Tool, bool, error)
}

// Initializer is implemented by providers needing setup before first use.
type Initializer interface {
	EnsureInitialized(ctx context.Context) error
}

// CredentialReceiver is implemented by providers holding per-source
// credentials. UpdateCredentials reports whether anything changed; a true
// return obliges the caller to re-initialize the provider graph.
type CredentialReceiver interface {
	UpdateCredentials(creds map[string]string) bool
}

// Definitions collects the definitions of every tool in the provider.
func Definitions(ctx context.Context, p Provider) ([]models.ToolDefinition, error) {
	list, err := p.Tools(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]models.ToolDefinition, len(list))
	for i, tool := range list {
		defs[i] = tool.Definition()
	}
	return defs, nil
}

// StaticProvider is a fixed, name-indexed tool collection.
type StaticProvider struct {
	tools []Tool
	index map[string]Tool
}

// NewStaticProvider builds a provider over a fixed tool list. Later tools
// shadow earlier ones with the same name.
func NewStaticProvider(list ...Tool) *StaticProvider {
	p := &StaticProvider{index: make(map[string]Tool, len(list))}
	for _, tool := range list {
		p.tools = append(p.tools, tool)
		p.index[tool.Definition().Name] = tool
	}
	return p
}

func (p *StaticProvider) Tools(ctx context.Context) ([]Tool, error) {
	return append([]Tool{}, p.tools...), nil
}

func (p *StaticProvider) Tool(ctx context.Context, name string) (Tool, bool, error) {
	tool, ok := p.index[name]
	return tool, ok, nil
}
