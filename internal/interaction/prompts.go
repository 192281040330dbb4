package interaction

import (
	"fmt"
	"strings"
)

const genericSystemPrompt = "You are a helpful assistant with access to a set of API tools. " +
	"Inspect the available tools, call the ones that help, and answer the user from their results. " +
	"If no tool applies, answer directly."

const fallbackSystemPrompt = "You are a capable assistant with direct access to every available tool. " +
	"Use them as needed to complete the user's request, then give a clear final answer."

func plannerSystemPrompt(toolsets []string) string {
	var b strings.Builder
	b.WriteString("You are a planning agent. Break the user's request into focused sub-tasks and ")
	b.WriteString("delegate each to a specialist via the delegateToSpecialistAgent tool. ")
	b.WriteString("Observe each specialist's result before delegating the next sub-task, ")
	b.WriteString("then synthesize a final answer from everything you learned.\n\n")
	b.WriteString("Available specialists:\n")
	for _, id := range toolsets {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	b.WriteString("\nDelegate only to specialists from this list. Give each one a complete, ")
	b.WriteString("self-contained sub-task description.")
	return b.String()
}

func routerSystemPrompt(toolsets []string) string {
	var b strings.Builder
	b.WriteString("You have one tool that routes calls into named toolsets. ")
	b.WriteString("To use a capability, call it with the toolset id, the tool name, ")
	b.WriteString("and that tool's arguments.\n\nAvailable toolsets:\n")
	for _, id := range toolsets {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	return b.String()
}
