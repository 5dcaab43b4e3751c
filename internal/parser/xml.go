package parser

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// xmlToolCall mirrors the <tool_call><name>...</name><arguments>...</arguments></tool_call>
// shape accepted as an alternative to the Action: JSON variant.
type xmlToolCall struct {
	XMLName   xml.Name `xml:"tool_call"`
	Name      string   `xml:"name"`
	Arguments string   `xml:"arguments"`
}

var xmlTagRe = regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`)

// ParseXML implements the XML-tool-call variant of the Response Parser
// contract: Final Answer:/Answer: detection is identical to Parse, but the
// action form is a <tool_call> element instead of an Action: JSON blob.
// Exactly one of Parse or ParseXML is selected per agent at construction.
func ParseXML(raw string) Result {
	if loc := firstMatch(finalAnswerRe, raw); loc != nil {
		return Result{Kind: KindAnswer, Text: strings.TrimSpace(raw[loc[1]:])}
	}
	if loc := firstMatch(answerRe, raw); loc != nil {
		return Result{Kind: KindAnswer, Text: strings.TrimSpace(raw[loc[1]:])}
	}

	block := xmlTagRe.FindString(raw)
	if block == "" {
		return Result{Kind: KindAnswer, Text: strings.TrimSpace(raw)}
	}

	var call xmlToolCall
	if err := xml.Unmarshal([]byte(block), &call); err != nil {
		return Result{Kind: KindParseError, Reason: fmt.Sprintf("parse error: malformed tool_call xml: %v", err)}
	}
	if call.Name == "" {
		return Result{Kind: KindParseError, Reason: "parse error: tool_call missing name element"}
	}

	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	canonical := fmt.Sprintf(`{"tool_name":%q,"arguments":%s}`, call.Name, args)
	return Result{Kind: KindAction, JSON: canonical}
}
