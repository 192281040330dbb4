package toolexec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

var schemaCache sync.Map

// compileSchema compiles a resolved schema document, caching by content.
// Formats (date-time, uri, uuid, ...) are asserted; the rest of the
// compiler stays permissive so union types and unknown keywords pass
// through.
func compileSchema(doc string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(doc); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("arguments.schema.json", strings.NewReader(doc)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("arguments.schema.json")
	if err != nil {
		return nil, err
	}
	schemaCache.Store(doc, compiled)
	return compiled, nil
}

// validateArguments checks a call's raw argument string against the tool's
// declared parameters. It returns the decoded argument object on success.
func validateArguments(tool tools.Tool, call models.ToolCall) (map[string]any, error) {
	def := tool.Definition()

	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &ValidationError{
			ToolName: def.Name,
			Issues:   []string{fmt.Sprintf("arguments are not valid JSON: %v", err)},
			Raw:      call.Arguments,
		}
	}

	var resolver *refResolver
	if sp, ok := tool.(tools.SpecProvider); ok {
		resolver = newRefResolver(sp.OpenAPISpec())
	} else {
		resolver = newRefResolver(nil)
	}

	var issues []string
	for _, param := range def.Parameters {
		value, present := args[param.Name]
		if !present {
			if param.Required {
				issues = append(issues, fmt.Sprintf("missing required parameter %q", param.Name))
			}
			continue
		}
		if len(param.Schema) == 0 {
			continue
		}

		var node map[string]any
		if err := json.Unmarshal(param.Schema, &node); err != nil {
			issues = append(issues, fmt.Sprintf("parameter %q has an unreadable schema: %v", param.Name, err))
			continue
		}
		resolved := resolver.Resolve(node)
		doc, err := json.Marshal(resolved)
		if err != nil {
			issues = append(issues, fmt.Sprintf("parameter %q schema could not be re-encoded: %v", param.Name, err))
			continue
		}
		schema, err := compileSchema(string(doc))
		if err != nil {
			issues = append(issues, fmt.Sprintf("parameter %q schema does not compile: %v", param.Name, err))
			continue
		}
		if err := schema.Validate(value); err != nil {
			issues = append(issues, describeValidation(param.Name, err)...)
		}
	}

	if len(issues) > 0 {
		return nil, &ValidationError{ToolName: def.Name, Issues: issues}
	}
	return args, nil
}

// describeValidation flattens a validator error into human-readable lines of
// the form "<instancePath> <message> (schema path: <schemaPath>)".
func describeValidation(param string, err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{fmt.Sprintf("parameter %q: %v", param, err)}
	}
	var out []string
	for _, leaf := range leafCauses(ve) {
		instance := "/" + param + leaf.InstanceLocation
		out = append(out, fmt.Sprintf("%s %s (schema path: %s)", instance, leaf.Message, leaf.KeywordLocation))
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		out = append(out, leafCauses(cause)...)
	}
	return out
}
