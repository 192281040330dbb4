package tools

import (
	"context"
	"sort"
	"sync"
)

// Orchestrator groups tools into named toolsets. A toolset represents one
// specialist capability (weather, calendar, billing, ...).
type Orchestrator interface {
	// ToolSetIDs lists the available toolset names, sorted.
	ToolSetIDs(ctx context.Context) ([]string, error)

	// ToolSet fetches one toolset's provider; the bool reports existence.
	ToolSet(ctx context.Context, id string) (Provider, bool, error)
}

// StaticOrchestrator holds a fixed toolset map.
type StaticOrchestrator struct {
	mu   sync.RWMutex
	sets map[string]Provider
}

// NewStaticOrchestrator builds an orchestrator over the given sets.
func NewStaticOrchestrator(sets map[string]Provider) *StaticOrchestrator {
	copied := make(map[string]Provider, len(sets))
	for id, p := range sets {
		copied[id] = p
	}
	return &StaticOrchestrator{sets: copied}
}

func (o *StaticOrchestrator) ToolSetIDs(ctx context.Context) ([]string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.sets))
	for id := range o.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (o *StaticOrchestrator) ToolSet(ctx context.Context, id string) (Provider, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.sets[id]
	return p, ok, nil
}

// UpdateCredentials fans the new credentials out to every toolset provider
// that accepts them. Returns true if any provider reported a change.
func (o *StaticOrchestrator) UpdateCredentials(creds map[string]string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	changed := false
	for _, p := range o.sets {
		if receiver, ok := p.(CredentialReceiver); ok {
			if receiver.UpdateCredentials(creds) {
				changed = true
			}
		}
	}
	return changed
}

// Aggregate flattens an orchestrator's toolsets into one provider. On name
// collisions the toolset that sorts first wins.
func Aggregate(ctx context.Context, orch Orchestrator) (Provider, error) {
	ids, err := orch.ToolSetIDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var all []Tool
	for _, id := range ids {
		provider, ok, err := orch.ToolSet(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		list, err := provider.Tools(ctx)
		if err != nil {
			return nil, err
		}
		for _, tool := range list {
			name := tool.Definition().Name
			if seen[name] {
				continue
			}
			seen[name] = true
			all = append(all, tool)
		}
	}
	return NewStaticProvider(all...), nil
}
