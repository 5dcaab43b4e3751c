package react_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/agentcore/internal/dispatch"
	"github.com/brightloop/agentcore/internal/eventstore"
	"github.com/brightloop/agentcore/internal/observability"
	"github.com/brightloop/agentcore/internal/parser"
	"github.com/brightloop/agentcore/internal/react"
	"github.com/brightloop/agentcore/internal/store"
	"github.com/brightloop/agentcore/internal/toolreg"
	"github.com/brightloop/agentcore/internal/usage"
	"github.com/brightloop/agentcore/pkg/models"
)

// newTestMetrics builds a Metrics set against an isolated registry so tests
// can run concurrently without colliding on the default Prometheus registry.
func newTestMetrics() *observability.Metrics {
	reg := prometheus.NewRegistry()
	m := &observability.Metrics{
		LLMRequestCounter:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_llm_requests_total"}, []string{"agent_name", "status"}),
		LLMRequestDuration:     prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "t_llm_request_duration_seconds"}, []string{"agent_name"}),
		LLMTokensUsed:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_llm_tokens_total"}, []string{"agent_name", "kind"}),
		ToolExecutionCounter:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_tool_executions_total"}, []string{"tool_name", "status"}),
		ToolExecutionDuration:  prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "t_tool_execution_duration_seconds"}, []string{"tool_name"}),
		LoopDetectedCounter:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_loop_detected_total"}, []string{"agent_name", "loop_type"}),
		BackgroundRunCounter:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_background_runs_total"}, []string{"agent_name", "outcome"}),
		ActiveBackgroundAgents: prometheus.NewGauge(prometheus.GaugeOpts{Name: "t_background_agents_active"}),
	}
	reg.MustRegister(m.LLMRequestCounter, m.LLMRequestDuration, m.LLMTokensUsed, m.ToolExecutionCounter, m.ToolExecutionDuration, m.LoopDetectedCounter, m.BackgroundRunCounter, m.ActiveBackgroundAgents)
	return m
}

type scriptedLLM struct {
	responses []react.LLMResponse
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, messages []react.LLMMessage, tools []models.ToolDescriptor) (react.LLMResponse, error) {
	if s.calls >= len(s.responses) {
		return react.LLMResponse{Content: "Final Answer: out of script"}, nil
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

func newTestEngine(t *testing.T, llm react.LLMAdapter, reg *toolreg.Registry, cfg react.Config) (*react.Engine, store.Store, eventstore.Store) {
	t.Helper()
	messages := store.NewMemoryStore()
	events := eventstore.NewMemoryStore()
	d := dispatch.New(reg)
	e := react.New(llm, d, messages, events, parser.Parse, cfg)
	return e, messages, events
}

func TestRunHappyPath(t *testing.T) {
	reg := toolreg.New()
	require.NoError(t, reg.Register("add", "adds two numbers", map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{"type": "number"}, "b": map[string]any{"type": "number"}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return a + b, nil
	}))

	llm := &scriptedLLM{responses: []react.LLMResponse{
		{Content: `Thought: use the tool
Action: {"tool":"add","parameters":{"a":2,"b":3}}`},
		{Content: "Final Answer: 5"},
	}}

	e, messages, _ := newTestEngine(t, llm, reg, react.Config{MaxSteps: 3})
	ctx := context.Background()

	out, err := e.Run(ctx, react.RunInput{
		SessionID:   "s1",
		AgentName:   "agent1",
		Instruction: "You help with math.",
		Tools:       reg.List(),
		Query:       "use the add tool on 2 and 3",
	})
	require.NoError(t, err)
	assert.Equal(t, "5", out)

	stored, err := messages.GetMessages(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.Equal(t, models.RoleUser, stored[0].Role)
	assert.Equal(t, models.RoleAssistant, stored[1].Role)
	assert.Equal(t, models.RoleTool, stored[2].Role)
	assert.Equal(t, "5", stored[2].Content)
	assert.Equal(t, models.RoleAssistant, stored[3].Role)
	assert.Equal(t, "5", stored[3].Content)
}

func TestRunToolTimeout(t *testing.T) {
	reg := toolreg.New()
	require.NoError(t, reg.Register("slow", "sleeps", map[string]any{"type": "object"}, func(ctx context.Context, args map[string]any) (any, error) {
		select {
		case <-time.After(60 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	llm := &scriptedLLM{responses: []react.LLMResponse{
		{Content: `Action: {"tool":"slow","parameters":{}}`},
		{Content: "Final Answer: gave up"},
	}}

	e, _, events := newTestEngine(t, llm, reg, react.Config{MaxSteps: 3, ToolCallTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	ch, unsubscribe, err := events.Stream(ctx, "s2")
	require.NoError(t, err)
	defer unsubscribe()

	out, err := e.Run(ctx, react.RunInput{SessionID: "s2", AgentName: "agent1", Instruction: "x", Tools: reg.List(), Query: "call slow"})
	require.NoError(t, err)
	assert.Equal(t, "gave up", out)

	var sawFailed bool
	drain(ch, func(ev models.Event) {
		if ev.Type == models.EventToolCallFailed {
			sawFailed = true
		}
	})
	assert.True(t, sawFailed)
}

func TestRunLoopDetectedTriggersStuckProtocol(t *testing.T) {
	reg := toolreg.New()
	require.NoError(t, reg.Register("broken", "always errors", map[string]any{"type": "object"}, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, assertError{}
	}))

	responses := make([]react.LLMResponse, 0)
	for i := 0; i < 4; i++ {
		responses = append(responses, react.LLMResponse{Content: `Action: {"tool":"broken","parameters":{}}`})
	}
	responses = append(responses, react.LLMResponse{Content: "Final Answer: giving up"})
	llm := &scriptedLLM{responses: responses}

	e, _, events := newTestEngine(t, llm, reg, react.Config{MaxSteps: 6, LoopWindowSize: 3, LoopRepeatThreshold: 3})
	ctx := context.Background()

	ch, unsubscribe, err := events.Stream(ctx, "s3")
	require.NoError(t, err)
	defer unsubscribe()

	_, err = e.Run(ctx, react.RunInput{SessionID: "s3", AgentName: "agent1", Instruction: "x", Tools: reg.List(), Query: "call broken"})
	require.NoError(t, err)

	var sawLoopDetected bool
	drain(ch, func(ev models.Event) {
		if ev.Type == models.EventLoopDetected {
			sawLoopDetected = true
		}
	})
	assert.True(t, sawLoopDetected)
}

func TestRunRequestLimitExceeded(t *testing.T) {
	reg := toolreg.New()
	llm := &scriptedLLM{responses: []react.LLMResponse{
		{Content: "Thought: thinking\nAction: no json here"},
		{Content: "Thought: thinking more\nAction: still no json"},
		{Content: "Final Answer: too late"},
	}}

	e, _, _ := newTestEngine(t, llm, reg, react.Config{MaxSteps: 5, Limits: usage.Limits{RequestLimit: 2}})
	ctx := context.Background()

	out, err := e.Run(ctx, react.RunInput{SessionID: "s4", AgentName: "agent1", Instruction: "x", Tools: nil, Query: "go"})
	require.NoError(t, err)
	assert.Contains(t, out, "Usage limit error")
}

func TestRunRecordsLLMAndToolMetrics(t *testing.T) {
	reg := toolreg.New()
	require.NoError(t, reg.Register("add", "adds two numbers", map[string]any{"type": "object"}, func(ctx context.Context, args map[string]any) (any, error) {
		return 5, nil
	}))

	llm := &scriptedLLM{responses: []react.LLMResponse{
		{Content: `Action: {"tool":"add","parameters":{}}`, Usage: &react.Usage{PromptTokens: 10, CompletionTokens: 5}},
		{Content: "Final Answer: 5"},
	}}

	metrics := newTestMetrics()
	messages := store.NewMemoryStore()
	events := eventstore.NewMemoryStore()
	e := react.New(llm, dispatch.New(reg), messages, events, parser.Parse, react.Config{MaxSteps: 3}, react.WithMetrics(metrics))

	out, err := e.Run(context.Background(), react.RunInput{SessionID: "s5", AgentName: "agent1", Instruction: "x", Tools: reg.List(), Query: "go"})
	require.NoError(t, err)
	assert.Equal(t, "5", out)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.LLMRequestCounter.WithLabelValues("agent1", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("add", "success")))
	assert.Equal(t, float64(10), testutil.ToFloat64(metrics.LLMTokensUsed.WithLabelValues("agent1", "request")))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func drain(ch <-chan models.Event, fn func(models.Event)) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fn(ev)
		case <-time.After(20 * time.Millisecond):
			return
		}
	}
}
