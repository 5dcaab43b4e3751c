package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/agentcore/internal/parser"
)

func TestParseFinalAnswer(t *testing.T) {
	r := parser.Parse("Thought: done thinking\nFinal Answer: the capital is Paris")
	require.Equal(t, parser.KindAnswer, r.Kind)
	assert.Equal(t, "the capital is Paris", r.Text)
}

func TestParseAnswerCaseInsensitive(t *testing.T) {
	r := parser.Parse("answer: 42")
	require.Equal(t, parser.KindAnswer, r.Kind)
	assert.Equal(t, "42", r.Text)
}

func TestParseActionExtractsBraceMatchedJSON(t *testing.T) {
	raw := `Thought: I should search
Action: {"tool_name": "search", "arguments": {"query": "golang"}}
`
	r := parser.Parse(raw)
	require.Equal(t, parser.KindAction, r.Kind)
	assert.JSONEq(t, `{"tool_name":"search","arguments":{"query":"golang"}}`, r.JSON)
}

func TestParseActionStripsCommentsAndTrailingCommas(t *testing.T) {
	raw := "Action: {\n  \"tool_name\": \"search\", // which tool\n  \"arguments\": {\"query\": \"golang\",},\n}"
	r := parser.Parse(raw)
	require.Equal(t, parser.KindAction, r.Kind)
	assert.JSONEq(t, `{"tool_name":"search","arguments":{"query":"golang"}}`, r.JSON)
}

func TestParseActionIgnoresBracesInsideStrings(t *testing.T) {
	raw := `Action: {"tool_name": "echo", "arguments": {"text": "a {weird} value"}}`
	r := parser.Parse(raw)
	require.Equal(t, parser.KindAction, r.Kind)
	assert.JSONEq(t, `{"tool_name":"echo","arguments":{"text":"a {weird} value"}}`, r.JSON)
}

func TestParseActionMissingBraceIsParseError(t *testing.T) {
	r := parser.Parse("Action: no json here at all")
	assert.Equal(t, parser.KindParseError, r.Kind)
}

func TestParseActionUnmatchedBraceIsParseError(t *testing.T) {
	r := parser.Parse(`Action: {"tool_name": "search"`)
	assert.Equal(t, parser.KindParseError, r.Kind)
}

func TestParseFallbackWhenNoTokens(t *testing.T) {
	r := parser.Parse("  just rambling with no tokens  ")
	require.Equal(t, parser.KindAnswer, r.Kind)
	assert.Equal(t, "just rambling with no tokens", r.Text)
}

func TestParseXMLFinalAnswer(t *testing.T) {
	r := parser.ParseXML("Final Answer: it's 42")
	require.Equal(t, parser.KindAnswer, r.Kind)
	assert.Equal(t, "it's 42", r.Text)
}

func TestParseXMLToolCall(t *testing.T) {
	raw := `<tool_call><name>search</name><arguments>{"query": "golang"}</arguments></tool_call>`
	r := parser.ParseXML(raw)
	require.Equal(t, parser.KindAction, r.Kind)
	assert.JSONEq(t, `{"tool_name":"search","arguments":{"query": "golang"}}`, r.JSON)
}

func TestParseXMLMissingNameIsParseError(t *testing.T) {
	raw := `<tool_call><arguments>{}</arguments></tool_call>`
	r := parser.ParseXML(raw)
	assert.Equal(t, parser.KindParseError, r.Kind)
}

func TestParseXMLFallbackWhenNoTagsOrTokens(t *testing.T) {
	r := parser.ParseXML("no structured content here")
	require.Equal(t, parser.KindAnswer, r.Kind)
	assert.Equal(t, "no structured content here", r.Text)
}
