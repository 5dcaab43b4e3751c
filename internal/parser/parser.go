// Package parser implements the Response Parser: extracting a structured
// tool call or a final answer from raw model output.
package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind tags which variant of the tagged union a Result holds.
type Kind int

const (
	KindAnswer Kind = iota
	KindAction
	KindParseError
)

// Result is the tagged union the parser returns: exactly one of Text (for
// KindAnswer), JSON (for KindAction), or Reason (for KindParseError) is set.
type Result struct {
	Kind   Kind
	Text   string
	JSON   string
	Reason string
}

var (
	finalAnswerRe = regexp.MustCompile(`(?i)final answer:`)
	answerRe      = regexp.MustCompile(`(?i)answer:`)
	actionRe      = regexp.MustCompile(`(?i)action:`)
)

// Parse applies §4.7's rules: a Final Answer:/Answer: token wins first, then
// an Action: token with brace-matched JSON extraction, else the trimmed
// whole response as a fallback answer.
func Parse(raw string) Result {
	if loc := firstMatch(finalAnswerRe, raw); loc != nil {
		return Result{Kind: KindAnswer, Text: strings.TrimSpace(raw[loc[1]:])}
	}
	if loc := firstMatch(answerRe, raw); loc != nil {
		return Result{Kind: KindAnswer, Text: strings.TrimSpace(raw[loc[1]:])}
	}
	if loc := firstMatch(actionRe, raw); loc != nil {
		jsonSubstring, err := extractBraceMatchedJSON(raw[loc[1]:])
		if err != nil {
			return Result{Kind: KindParseError, Reason: err.Error()}
		}
		cleaned, err := stripCommentsAndTrailingCommas(jsonSubstring)
		if err != nil {
			return Result{Kind: KindParseError, Reason: err.Error()}
		}
		return Result{Kind: KindAction, JSON: cleaned}
	}
	return Result{Kind: KindAnswer, Text: strings.TrimSpace(raw)}
}

func firstMatch(re *regexp.Regexp, s string) []int {
	loc := re.FindStringIndex(s)
	return loc
}

// extractBraceMatchedJSON locates the first '{' in s, then scans forward
// tracking brace depth (respecting string literals, so braces inside
// strings don't affect depth) to find the matching '}'.
func extractBraceMatchedJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("parse error: no '{' found after Action:")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("parse error: unmatched '{' in Action block")
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// stripCommentsAndTrailingCommas removes JSON-style line comments and
// trailing commas before the JSON is handed to a decoder. Line-comment
// stripping is string-aware: "//" inside a quoted string is left intact.
func stripCommentsAndTrailingCommas(jsonText string) (string, error) {
	stripped := stripLineCommentsOutsideStrings(jsonText)
	return trailingCommaRe.ReplaceAllString(stripped, "$1"), nil
}

func stripLineCommentsOutsideStrings(s string) string {
	var out strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				out.WriteByte('\n')
			}
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}
