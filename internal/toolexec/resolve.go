package toolexec

import (
	"strings"
)

// cyclePlaceholder terminates reference cycles. The inlined fragment is
// replaced wholesale, so validation still terminates on the non-cyclic
// structure around it.
func cyclePlaceholder() map[string]any {
	return map[string]any{"type": "object", "description": "<cycle>"}
}

// refResolver inlines local $refs against a component registry built from a
// tool's OpenAPI-like spec. Unresolvable external URIs stay in place so the
// validator's loader fails loudly for them.
type refResolver struct {
	registry map[string]map[string]any
}

// newRefResolver builds the registry from a {"components": {"schemas": ...}}
// document. Each schema is registered under its $id when present, and always
// under its "#/components/schemas/<name>" pointer.
func newRefResolver(spec map[string]any) *refResolver {
	r := &refResolver{registry: map[string]map[string]any{}}
	if spec == nil {
		return r
	}
	components, ok := spec["components"].(map[string]any)
	if !ok {
		return r
	}
	schemas, ok := components["schemas"].(map[string]any)
	if !ok {
		return r
	}
	for name, raw := range schemas {
		schema, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := schema["$id"].(string); ok && id != "" {
			r.registry[id] = schema
		}
		r.registry["#/components/schemas/"+name] = schema
	}
	return r
}

// Resolve returns a copy of schema with every resolvable local $ref inlined.
func (r *refResolver) Resolve(schema map[string]any) map[string]any {
	resolved, ok := r.resolveNode(schema, map[string]bool{}).(map[string]any)
	if !ok {
		return schema
	}
	return resolved
}

func (r *refResolver) resolveNode(node any, active map[string]bool) any {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			return r.resolveRef(ref, v, active)
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = r.resolveNode(child, active)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = r.resolveNode(child, active)
		}
		return out
	default:
		return node
	}
}

// resolveRef inlines one reference: the target's content merged with the
// referring node's sibling keywords (siblings win), with $id and $anchor
// stripped so the fragment is anonymous in its new context.
func (r *refResolver) resolveRef(ref string, node map[string]any, active map[string]bool) any {
	target, ok := r.lookup(ref)
	if !ok {
		// Unknown external URI: leave the node as-is.
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[k] = v
		}
		return out
	}

	if active[ref] {
		return cyclePlaceholder()
	}
	active[ref] = true
	defer delete(active, ref)

	merged := make(map[string]any, len(target)+len(node))
	for k, v := range target {
		if k == "$id" || k == "$anchor" {
			continue
		}
		merged[k] = v
	}
	for k, v := range node {
		if k == "$ref" {
			continue
		}
		merged[k] = v
	}
	return r.resolveNode(merged, active)
}

// lookup resolves a reference string against the registry. Fragments after
// "#" that are not JSON pointers resolve by in-schema $anchor search.
func (r *refResolver) lookup(ref string) (map[string]any, bool) {
	if schema, ok := r.registry[ref]; ok {
		return schema, true
	}

	uri, fragment, hasFragment := strings.Cut(ref, "#")
	if !hasFragment {
		return nil, false
	}

	if uri == "" {
		// Pure fragment: pointer form was already tried above; what remains
		// is an anchor name searched across all registered schemas.
		for _, schema := range r.registry {
			if found, ok := findAnchor(schema, fragment); ok {
				return found, true
			}
		}
		return nil, false
	}

	base, ok := r.registry[uri]
	if !ok {
		return nil, false
	}
	if fragment == "" {
		return base, true
	}
	return findAnchor(base, fragment)
}

// findAnchor walks a schema tree for a node declaring the given $anchor.
func findAnchor(node any, anchor string) (map[string]any, bool) {
	switch v := node.(type) {
	case map[string]any:
		if a, ok := v["$anchor"].(string); ok && a == anchor {
			return v, true
		}
		for _, child := range v {
			if found, ok := findAnchor(child, anchor); ok {
				return found, true
			}
		}
	case []any:
		for _, child := range v {
			if found, ok := findAnchor(child, anchor); ok {
				return found, true
			}
		}
	}
	return nil, false
}
