// Package loopdetect implements the Loop Detector: rolling windows over
// tool-call triples and parser-error pairs, flagging repetitive behaviour.
package loopdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// LoopType tags which rule fired when IsLooping reports true.
type LoopType string

const (
	LoopNone               LoopType = ""
	LoopIdenticalToolCalls LoopType = "identical_tool_calls"
	LoopRepeatedErrorClass LoopType = "repeated_error_class"
	LoopIdenticalMessages  LoopType = "identical_messages"
)

// DefaultWindowSize is N = M from §4.5.
const DefaultWindowSize = 8

// DefaultRepeatThreshold is K from §4.5.
const DefaultRepeatThreshold = 3

type toolTriple struct {
	toolName        string
	argsHash        string
	observationHash string
	errorClass      string
}

type messagePair struct {
	errorMessage   string
	responsePrefix string
}

// Detector maintains the two rolling windows described in §4.5.
type Detector struct {
	windowSize int
	threshold  int

	toolWindow    []toolTriple
	messageWindow []messagePair

	lastLoopType LoopType
}

// Option configures a Detector at construction.
type Option func(*Detector)

// WithWindowSize overrides N/M.
func WithWindowSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.windowSize = n
		}
	}
}

// WithRepeatThreshold overrides K.
func WithRepeatThreshold(k int) Option {
	return func(d *Detector) {
		if k > 0 {
			d.threshold = k
		}
	}
}

// New constructs a Detector with the §4.5 defaults unless overridden.
func New(opts ...Option) *Detector {
	d := &Detector{windowSize: DefaultWindowSize, threshold: DefaultRepeatThreshold}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HashArgs canonicalizes a tool-call argument map into a stable hash, used
// both here and by the dispatcher's optional result cache.
func HashArgs(args map[string]any) string {
	return hashJSON(canonicalize(args))
}

// HashObservation hashes an observation string for triple comparison.
func HashObservation(observation string) string {
	return hashString(observation)
}

// RecordToolCall appends one (tool_name, args_hash, observation_hash) triple
// to the tool-call window, classifying the observation's error class (if
// any) via errorClass, which callers pass as "" for non-error observations.
func (d *Detector) RecordToolCall(toolName, argsHash, observationHash, errorClass string) {
	d.toolWindow = append(d.toolWindow, toolTriple{toolName: toolName, argsHash: argsHash, observationHash: observationHash, errorClass: errorClass})
	if len(d.toolWindow) > d.windowSize {
		d.toolWindow = d.toolWindow[len(d.toolWindow)-d.windowSize:]
	}
}

// RecordMessage appends one (error_message, model_response_prefix) pair to
// the message window.
func (d *Detector) RecordMessage(errorMessage, responsePrefix string) {
	d.messageWindow = append(d.messageWindow, messagePair{errorMessage: errorMessage, responsePrefix: responsePrefix})
	if len(d.messageWindow) > d.windowSize {
		d.messageWindow = d.messageWindow[len(d.messageWindow)-d.windowSize:]
	}
}

// IsLooping reports whether either rolling window currently satisfies a
// looping rule. Call LoopType immediately after for the tag.
func (d *Detector) IsLooping() bool {
	d.lastLoopType = d.detect()
	return d.lastLoopType != LoopNone
}

// LoopType returns the tag identifying which rule fired on the most recent
// IsLooping call.
func (d *Detector) LoopType() LoopType {
	return d.lastLoopType
}

// Reset clears both windows. Callers reset after issuing the stuck-protocol
// corrective system-prompt injection.
func (d *Detector) Reset() {
	d.toolWindow = nil
	d.messageWindow = nil
	d.lastLoopType = LoopNone
}

func (d *Detector) detect() LoopType {
	if k := d.threshold; k >= 3 {
		if lastK := tail(d.toolWindow, k); len(lastK) == k && allIdenticalTriples(lastK) {
			return LoopIdenticalToolCalls
		}
		if lastK := tail(d.toolWindow, k); len(lastK) == k && allSameCallDistinctObservationsSameErrorClass(lastK) {
			return LoopRepeatedErrorClass
		}
		if lastK := tail(d.messageWindow, k); len(lastK) == k && allIdenticalPairs(lastK) {
			return LoopIdenticalMessages
		}
	}
	return LoopNone
}

func tail[T any](s []T, k int) []T {
	if len(s) < k {
		return nil
	}
	return s[len(s)-k:]
}

func allIdenticalTriples(triples []toolTriple) bool {
	first := triples[0]
	for _, t := range triples[1:] {
		if t != first {
			return false
		}
	}
	return true
}

func allSameCallDistinctObservationsSameErrorClass(triples []toolTriple) bool {
	first := triples[0]
	if first.errorClass == "" {
		return false
	}
	seenObservations := map[string]struct{}{}
	for _, t := range triples {
		if t.toolName != first.toolName || t.argsHash != first.argsHash || t.errorClass != first.errorClass {
			return false
		}
		seenObservations[t.observationHash] = struct{}{}
	}
	return len(seenObservations) == len(triples)
}

func allIdenticalPairs(pairs []messagePair) bool {
	first := pairs[0]
	for _, p := range pairs[1:] {
		if p != first {
			return false
		}
	}
	return true
}

func canonicalize(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(args))
	for _, k := range keys {
		out[k] = args[k]
	}
	return out
}

func hashJSON(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return hashString("")
	}
	return hashString(string(encoded))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
