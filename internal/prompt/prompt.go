// Package prompt composes the system prompt handed to the LLM adapter: a
// user instruction, a fixed reasoning-protocol suffix, and a rendered tool
// catalog.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/brightloop/agentcore/pkg/models"
)

// ReasoningProtocolSuffix is appended to every composite system prompt. It
// fixes the vocabulary the Response Parser expects: Thought/Action/Final
// Answer for the JSON variant.
const ReasoningProtocolSuffix = `You operate in a strict Thought / Action / Observation loop.

At each step respond with either:
  Thought: <your reasoning>
  Action: {"tool_name": "<tool>", "arguments": {<json arguments>}}

or, once you have enough information:
  Thought: <your reasoning>
  Final Answer: <your answer to the user>

Only call one tool per step. Wait for the observation before continuing.
If a tool call fails or times out, reconsider your approach rather than repeating the same call.`

// StuckProtocolSuffix replaces ReasoningProtocolSuffix when the Loop
// Detector fires, per §4.8 step i's "stuck protocol".
const StuckProtocolSuffix = `Your previous approach is not working: you repeated the same action or kept
hitting the same error. Do not repeat it. Either try a materially different
tool or argument set, or explain the obstacle in a Final Answer.

You operate in a strict Thought / Action / Observation loop.

At each step respond with either:
  Thought: <your reasoning>
  Action: {"tool_name": "<tool>", "arguments": {<json arguments>}}

or, once you have enough information:
  Thought: <your reasoning>
  Final Answer: <your answer to the user>`

// Build composes the full system prompt from instruction, the reasoning
// protocol (or its stuck-protocol variant if stuck is true), and the
// rendered catalog of tool descriptors.
func Build(instruction string, tools []models.ToolDescriptor, stuck bool) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n\n")
	if stuck {
		b.WriteString(StuckProtocolSuffix)
	} else {
		b.WriteString(ReasoningProtocolSuffix)
	}
	if len(tools) > 0 {
		b.WriteString("\n\n")
		b.WriteString(RenderCatalog(tools))
	}
	return b.String()
}

// RenderCatalog flattens each tool's JSON Schema into a parameter table so
// the model can read argument names, types, and required-ness without
// parsing raw schema JSON (the tool-documentation-rendering supplemental
// feature).
func RenderCatalog(tools []models.ToolDescriptor) string {
	sorted := make([]models.ToolDescriptor, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range sorted {
		b.WriteString(fmt.Sprintf("\n- %s: %s\n", t.Name, t.Description))
		params := flattenParameters(t.InputSchema)
		if len(params) == 0 {
			b.WriteString("  (no arguments)\n")
			continue
		}
		for _, p := range params {
			req := ""
			if p.required {
				req = ", required"
			}
			b.WriteString(fmt.Sprintf("  - %s (%s%s): %s\n", p.name, p.typ, req, p.description))
		}
	}
	return b.String()
}

type renderedParam struct {
	name        string
	typ         string
	description string
	required    bool
}

func flattenParameters(schema map[string]any) []renderedParam {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return nil
	}
	requiredSet := map[string]bool{}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				requiredSet[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]renderedParam, 0, len(names))
	for _, name := range names {
		def, _ := props[name].(map[string]any)
		typ, _ := def["type"].(string)
		if typ == "" {
			typ = "any"
		}
		desc, _ := def["description"].(string)
		out = append(out, renderedParam{name: name, typ: typ, description: desc, required: requiredSet[name]})
	}
	return out
}
