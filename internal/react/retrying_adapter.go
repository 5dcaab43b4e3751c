package react

import (
	"context"

	"github.com/brightloop/agentcore/internal/backoff"
	"github.com/brightloop/agentcore/pkg/models"
)

// RetryingAdapter wraps an LLMAdapter with the 3-attempt, 1s-base, 30s-cap
// exponential backoff the external-interfaces contract (§6) assigns to the
// adapter itself rather than the ReAct Engine.
type RetryingAdapter struct {
	inner    LLMAdapter
	policy   backoff.BackoffPolicy
	attempts int
}

// adapterBackoffPolicy is DefaultPolicy with its initial delay raised to the
// contract's 1s base; MaxMs already matches the contract's 30s cap.
func adapterBackoffPolicy() backoff.BackoffPolicy {
	p := backoff.DefaultPolicy()
	p.InitialMs = 1000
	return p
}

// NewRetryingAdapter wraps inner with the default 3-attempt adapter policy.
func NewRetryingAdapter(inner LLMAdapter) *RetryingAdapter {
	return &RetryingAdapter{inner: inner, policy: adapterBackoffPolicy(), attempts: 3}
}

// Complete implements LLMAdapter, retrying inner.Complete on error.
func (a *RetryingAdapter) Complete(ctx context.Context, messages []LLMMessage, tools []models.ToolDescriptor) (LLMResponse, error) {
	result, err := backoff.RetryWithBackoff(ctx, a.policy, a.attempts, func(int) (LLMResponse, error) {
		return a.inner.Complete(ctx, messages, tools)
	})
	return result.Value, err
}
