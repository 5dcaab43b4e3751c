// Package usage implements the Usage Meter: per-run request/token
// accounting with pre-request and post-response limit checks.
package usage

import "fmt"

// Limits configures the thresholds CheckBeforeRequest and CheckTokens
// enforce. A value of 0 for either field means unbounded (§9 Open
// Questions: the "unbounded" reading is adopted explicitly here).
type Limits struct {
	RequestLimit     int
	TotalTokensLimit int
}

// Deltas is the per-response increment applied by Increment.
type Deltas struct {
	RequestTokens  int
	ResponseTokens int
}

// Counters tracks {requests, request_tokens, response_tokens, total_tokens}
// for one in-progress run. A Meter is per-run, never shared (§5).
type Counters struct {
	Requests       int
	RequestTokens  int
	ResponseTokens int
	TotalTokens    int
}

// LimitExceededError is returned by CheckBeforeRequest and CheckTokens.
type LimitExceededError struct {
	Kind   string // "request_limit" or "total_tokens_limit"
	Limit  int
	Actual int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("usage limit exceeded: %s (limit=%d, actual=%d)", e.Kind, e.Limit, e.Actual)
}

// Meter accumulates Counters for one run and enforces Limits against them.
type Meter struct {
	counters Counters
}

// New constructs a zeroed Meter.
func New() *Meter {
	return &Meter{}
}

// Counters returns a copy of the current accumulated counters.
func (m *Meter) Counters() Counters {
	return m.counters
}

// CheckBeforeRequest returns a *LimitExceededError if the next request
// would exceed limits.RequestLimit (a 0 limit means unbounded).
func (m *Meter) CheckBeforeRequest(limits Limits) error {
	if limits.RequestLimit > 0 && m.counters.Requests+1 > limits.RequestLimit {
		return &LimitExceededError{Kind: "request_limit", Limit: limits.RequestLimit, Actual: m.counters.Requests + 1}
	}
	return nil
}

// CheckTokens returns a *LimitExceededError if accumulated total tokens
// exceed limits.TotalTokensLimit (a 0 limit means unbounded).
func (m *Meter) CheckTokens(limits Limits) error {
	if limits.TotalTokensLimit > 0 && m.counters.TotalTokens > limits.TotalTokensLimit {
		return &LimitExceededError{Kind: "total_tokens_limit", Limit: limits.TotalTokensLimit, Actual: m.counters.TotalTokens}
	}
	return nil
}

// Increment is called after each model response, maintaining the invariant
// total_tokens = request_tokens + response_tokens at every point.
func (m *Meter) Increment(deltas Deltas) {
	m.counters.Requests++
	m.counters.RequestTokens += deltas.RequestTokens
	m.counters.ResponseTokens += deltas.ResponseTokens
	m.counters.TotalTokens = m.counters.RequestTokens + m.counters.ResponseTokens
}
