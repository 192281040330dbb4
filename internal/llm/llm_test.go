package llm

import (
	"encoding/json"
	"testing"

	"github.com/loomlabs/loom/pkg/models"
)

func TestEstimateTokensGrowsWithContent(t *testing.T) {
	short := []models.Message{{Role: models.RoleUser, Content: "hi"}}
	long := []models.Message{{Role: models.RoleUser, Content: string(make([]byte, 4000))}}

	a := EstimateTokens(short)
	b := EstimateTokens(long)
	if a <= 0 {
		t.Errorf("short estimate = %d, want positive", a)
	}
	if b <= a {
		t.Errorf("long estimate %d not above short %d", b, a)
	}
}

func TestEstimateTokensCountsToolCalls(t *testing.T) {
	plain := []models.Message{{Role: models.RoleAssistant, Content: "ok"}}
	withCall := []models.Message{{
		Role:    models.RoleAssistant,
		Content: "ok",
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "getWeather", Arguments: `{"city":"Paris and surroundings"}`},
		},
	}}
	if EstimateTokens(withCall) <= EstimateTokens(plain) {
		t.Error("tool call arguments not counted")
	}
}

func TestParametersSchemaMinimalNodes(t *testing.T) {
	schema := ParametersSchema(models.ToolDefinition{
		Name: "getWeather",
		Parameters: []models.ToolParameter{
			{Name: "city", Type: "string", Description: "City name", Required: true},
			{Name: "units", Type: "string"},
		},
	})

	if schema["type"] != "object" {
		t.Errorf("type = %v", schema["type"])
	}
	props := schema["properties"].(map[string]any)
	city := props["city"].(map[string]any)
	if city["type"] != "string" || city["description"] != "City name" {
		t.Errorf("city node = %v", city)
	}
	required, _ := schema["required"].([]string)
	if len(required) != 1 || required[0] != "city" {
		t.Errorf("required = %v", required)
	}
}

func TestParametersSchemaKeepsFragmentVerbatim(t *testing.T) {
	fragment := json.RawMessage(`{"type":"integer","minimum":0,"maximum":10}`)
	schema := ParametersSchema(models.ToolDefinition{
		Name:       "rate",
		Parameters: []models.ToolParameter{{Name: "score", Type: "integer", Schema: fragment}},
	})

	props := schema["properties"].(map[string]any)
	score := props["score"].(map[string]any)
	if score["minimum"] != float64(0) || score["maximum"] != float64(10) {
		t.Errorf("fragment lost: %v", score)
	}
}
