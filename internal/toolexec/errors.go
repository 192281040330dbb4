// Package toolexec validates and dispatches tool calls: JSON-Schema
// argument validation with local $ref pre-resolution, and sequential or
// parallel execution with input-order results.
package toolexec

import (
	"fmt"
	"strings"

	"github.com/loomlabs/loom/pkg/models"
)

// ToolNotFoundError reports an unknown tool name at dispatch time.
type ToolNotFoundError struct {
	ToolName string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.ToolName)
}

// ValidationError reports malformed or schema-violating arguments. Raw
// carries the offending argument string when JSON syntax was the problem.
type ValidationError struct {
	ToolName string
	Issues   []string
	Raw      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, strings.Join(e.Issues, "; "))
}

// resultFromError converts a per-call error into the non-success ToolResult
// slot the executor always returns. Metadata carries at least the error's
// type name; validation and lookup errors add their specifics.
func resultFromError(err error) *models.ToolResult {
	meta := map[string]any{}
	switch typed := err.(type) {
	case *ToolNotFoundError:
		meta[models.ResultMetaErrorName] = "ToolNotFoundError"
		meta["toolName"] = typed.ToolName
	case *ValidationError:
		meta[models.ResultMetaErrorName] = "ValidationError"
		meta["toolName"] = typed.ToolName
		meta["issues"] = typed.Issues
		if typed.Raw != "" {
			meta["rawArguments"] = typed.Raw
		}
	default:
		meta[models.ResultMetaErrorName] = fmt.Sprintf("%T", err)
	}
	return &models.ToolResult{
		Success:  false,
		Error:    err.Error(),
		Metadata: meta,
	}
}
