package background_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/agentcore/internal/background"
	"github.com/brightloop/agentcore/internal/observability"
	"github.com/brightloop/agentcore/internal/store"
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

type countingRunner struct {
	mu          sync.Mutex
	calls       int32
	concurrent  int32
	maxObserved int32
	sleep       time.Duration
	failAlways  bool
}

func (r *countingRunner) Run(ctx context.Context, sessionID, query string) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	cur := atomic.AddInt32(&r.concurrent, 1)
	defer atomic.AddInt32(&r.concurrent, -1)

	r.mu.Lock()
	if cur > r.maxObserved {
		r.maxObserved = cur
	}
	r.mu.Unlock()

	if r.sleep > 0 {
		time.Sleep(r.sleep)
	}
	if r.failAlways {
		return "", assertError{}
	}
	return "ok", nil
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestCreateRejectsInvalidSchedule(t *testing.T) {
	m := background.New()
	_, _, err := m.Create(background.Config{AgentName: "a", Runner: &countingRunner{}, Schedule: background.Schedule{}})
	assert.ErrorIs(t, err, background.ErrInvalidSchedule)
}

func TestStartRunsOnIntervalAndNoOverlap(t *testing.T) {
	runner := &countingRunner{sleep: 60 * time.Millisecond}
	m := background.New()
	id, _, err := m.Create(background.Config{
		AgentName: "a",
		Runner:    runner,
		Schedule:  background.Schedule{IntervalSeconds: 1},
	})
	require.NoError(t, err)

	// IntervalSeconds-based tickers are real-time, so this
	// test just verifies a second has enough time for >=1 run and that no
	// two runs for the same agent ever overlapped.
	require.NoError(t, m.Start(id))
	time.Sleep(1200 * time.Millisecond)
	m.Shutdown(2 * time.Second)

	status, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, status.RunCount, 1)
	assert.LessOrEqual(t, runner.maxObserved, int32(1))
}

func TestPauseSetsPausedState(t *testing.T) {
	runner := &countingRunner{}
	m := background.New()
	id, _, err := m.Create(background.Config{AgentName: "a", Runner: runner, Schedule: background.Schedule{IntervalSeconds: 1}})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Pause(id))

	status, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, background.StatePaused, status.State)
	m.Shutdown(time.Second)
}

func TestRemoveForgetsAgent(t *testing.T) {
	runner := &countingRunner{}
	m := background.New()
	id, _, err := m.Create(background.Config{AgentName: "a", Runner: runner, Schedule: background.Schedule{Immediate: true}})
	require.NoError(t, err)
	require.NoError(t, m.Remove(id))

	_, err = m.GetStatus(id)
	assert.ErrorIs(t, err, background.ErrAgentNotFound)
}

func TestRetryExhaustionPausesAgent(t *testing.T) {
	runner := &countingRunner{failAlways: true}
	m := background.New()
	id, _, err := m.Create(background.Config{
		AgentName:  "a",
		Runner:     runner,
		Schedule:   background.Schedule{IntervalSeconds: 1},
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(id)
		return err == nil && status.State == background.StatePaused
	}, 3*time.Second, 20*time.Millisecond)

	m.Shutdown(time.Second)
}

func TestUpdateTaskHotSwapsQuery(t *testing.T) {
	runner := &countingRunner{}
	m := background.New()
	id, _, err := m.Create(background.Config{AgentName: "a", Runner: runner, Schedule: background.Schedule{IntervalSeconds: 1}, Query: "first"})
	require.NoError(t, err)
	require.NoError(t, m.UpdateTask(id, "second"))
	// no direct getter for query; this just exercises the call succeeding.
}

func TestCreateRejectsInvalidCronExpression(t *testing.T) {
	m := background.New()
	_, _, err := m.Create(background.Config{
		AgentName: "a",
		Runner:    &countingRunner{},
		Schedule:  background.Schedule{CronExpr: "not a cron expression"},
	})
	assert.ErrorIs(t, err, background.ErrInvalidSchedule)
}

func TestStartRunsOnCronSchedule(t *testing.T) {
	runner := &countingRunner{}
	// fix the clock just before a minute boundary so the schedule's
	// computed wait is short in real time too, keeping the test fast.
	fakeNow := time.Date(2026, 1, 1, 0, 0, 59, 0, time.UTC)
	m := background.New(background.WithNow(func() time.Time { return fakeNow }))
	id, _, err := m.Create(background.Config{
		AgentName: "a",
		Runner:    runner,
		Schedule:  background.Schedule{CronExpr: "* * * * *"},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(id)
		return err == nil && status.RunCount >= 1
	}, 2*time.Second, 20*time.Millisecond)

	m.Shutdown(time.Second)
}

type sessionCapturingRunner struct {
	mu       sync.Mutex
	sessions []string
}

func (r *sessionCapturingRunner) Run(ctx context.Context, sessionID, query string) (string, error) {
	r.mu.Lock()
	r.sessions = append(r.sessions, sessionID)
	r.mu.Unlock()
	return "ok", nil
}

func TestExpiredSessionIsRecreatedBeforeRun(t *testing.T) {
	ctx := context.Background()
	messages := store.NewMemoryStore()
	runner := &sessionCapturingRunner{}

	// fixed far enough past "now" that the message stored below (timestamped
	// with the store's own real clock) always reads as expired.
	fakeNow := time.Now().Add(48 * time.Hour)
	m := background.New(
		background.WithSessionStore(messages, time.Minute, time.Hour),
		background.WithNow(func() time.Time { return fakeNow }),
	)

	id, sessionID, err := m.Create(background.Config{
		AgentName: "a",
		Runner:    runner,
		Schedule:  background.Schedule{Immediate: true},
	})
	require.NoError(t, err)
	// seed the original session as long-stale so it reads as expired.
	_, err = messages.StoreMessage(ctx, sessionID, models.RoleUser, "old", nil)
	require.NoError(t, err)

	require.NoError(t, m.Start(id))
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.sessions) == 1
	}, time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.NotEqual(t, sessionID, runner.sessions[0])
}

func TestMetricsRecordRunOutcomeAndActiveGauge(t *testing.T) {
	runner := &countingRunner{}
	metrics := newTestMetrics()
	m := background.New(background.WithMetrics(metrics))
	id, _, err := m.Create(background.Config{AgentName: "a", Runner: runner, Schedule: background.Schedule{IntervalSeconds: 1}})
	require.NoError(t, err)

	require.NoError(t, m.Start(id))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveBackgroundAgents))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.BackgroundRunCounter.WithLabelValues("a", "success")) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Pause(id))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ActiveBackgroundAgents))

	m.Shutdown(time.Second)
}

func TestListAgentsReturnsAllCreated(t *testing.T) {
	m := background.New()
	_, _, err := m.Create(background.Config{AgentName: "a", Runner: &countingRunner{}, Schedule: background.Schedule{IntervalSeconds: 1}})
	require.NoError(t, err)
	_, _, err = m.Create(background.Config{AgentName: "b", Runner: &countingRunner{}, Schedule: background.Schedule{IntervalSeconds: 1}})
	require.NoError(t, err)
	assert.Len(t, m.ListAgents(), 2)
}
