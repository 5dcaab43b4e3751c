package react

import (
	"encoding/json"
	"fmt"

	"github.com/brightloop/agentcore/pkg/models"
)

// Rehydrate implements §4.9's working-memory reconstruction rule: buffer a
// pending assistant-with-tool-calls message and its following tool-role
// messages, flushing the buffered block whenever a user message or a plain
// assistant message is encountered. Tool-role messages with no preceding
// buffered assistant are dropped, since they would be invalid per the LLM
// protocol.
func Rehydrate(persisted []*models.Message) []LLMMessage {
	var out []LLMMessage
	var pending []LLMMessage
	havePending := false

	flush := func() {
		if havePending {
			out = append(out, pending...)
		}
		pending = nil
		havePending = false
	}

	for _, m := range persisted {
		if m.Role == models.RoleSystem {
			continue
		}
		if m.Role == models.RoleTool {
			if havePending {
				pending = append(pending, LLMMessage{Role: models.RoleUser, Content: observationText(m)})
			}
			continue
		}
		if m.Role == models.RoleAssistant && declaresToolCalls(m) {
			flush()
			pending = append(pending, LLMMessage{Role: m.Role, Content: m.Content})
			havePending = true
			continue
		}
		// user message or plain assistant message: flush then append.
		flush()
		out = append(out, LLMMessage{Role: m.Role, Content: m.Content})
	}
	flush()
	return out
}

// observationText renders a persisted tool-result message the way §4.8
// step h requires it appear in working memory, independent of how it is
// stored.
func observationText(m *models.Message) string {
	toolName := "unknown"
	if m.Metadata != nil {
		if name, ok := m.Metadata["tool_name"].(string); ok && name != "" {
			toolName = name
		}
	}
	return fmt.Sprintf("OBSERVATION(RESULT FROM %s TOOL CALL):\n%s", toolName, m.Content)
}

func declaresToolCalls(m *models.Message) bool {
	if m.Metadata == nil {
		return false
	}
	switch calls := m.Metadata["tool_calls"].(type) {
	case []models.ToolCallDescriptor:
		return len(calls) > 0
	case []any:
		return len(calls) > 0
	default:
		return false
	}
}

// toolCallRequest is the decoded shape of an Action: JSON blob or an
// XML-variant canonical JSON string, both produced by internal/parser.
type toolCallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

func decodeToolCall(actionJSON string) (toolCallRequest, error) {
	var req struct {
		ToolName   string         `json:"tool_name"`
		Tool       string         `json:"tool"`
		Arguments  map[string]any `json:"arguments"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(actionJSON), &req); err != nil {
		return toolCallRequest{}, fmt.Errorf("malformed action json: %w", err)
	}
	name := req.ToolName
	if name == "" {
		name = req.Tool
	}
	if name == "" {
		return toolCallRequest{}, fmt.Errorf("action json missing tool name")
	}
	args := req.Arguments
	if args == nil {
		args = req.Parameters
	}
	if args == nil {
		args = map[string]any{}
	}
	return toolCallRequest{ToolName: name, Arguments: args}, nil
}

func stringifyArgs(args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
