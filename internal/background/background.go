// Package background implements the Background Agent Manager: lifecycle
// control and scheduled execution for a set of long-lived agents.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/brightloop/agentcore/internal/eventstore"
	"github.com/brightloop/agentcore/internal/observability"
	"github.com/brightloop/agentcore/internal/store"
	"github.com/brightloop/agentcore/pkg/models"
)

// Default thresholds for WithSessionStore's expiry check, chosen to suit a
// background agent that may tick on the order of minutes to hours.
const (
	defaultSessionIdleAfter   = 30 * time.Minute
	defaultSessionExpireAfter = 24 * time.Hour
)

// cronParser accepts standard five-field cron expressions plus the
// "@every"/"@daily"-style descriptors, grounded on the reference runtime's
// own cron.NewParser configuration (internal/cron/schedule.go) minus the
// optional-seconds field, which plain-interval scheduling already covers.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RunState is a BackgroundAgent's lifecycle phase (§4.10).
type RunState string

const (
	StateCreated   RunState = "created"
	StateScheduled RunState = "scheduled"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateStopped   RunState = "stopped"
)

// DefaultWorkerPoolSize bounds total concurrent Runs across all managed
// agents (§4.10, "default 4").
const DefaultWorkerPoolSize = 4

// isActiveState reports whether s counts toward the active-background-agents
// gauge: an agent is "active" exactly while it is scheduled to tick or
// mid-run.
func isActiveState(s RunState) bool {
	return s == StateScheduled || s == StateRunning
}

// Runner is the subset of internal/agent.Agent the manager drives. Kept as
// an interface so tests can supply a fake without constructing a full ReAct
// engine.
type Runner interface {
	Run(ctx context.Context, sessionID, query string) (string, error)
}

// Schedule selects how a BackgroundAgent is ticked: immediate (fires once,
// does not repeat), a fixed interval, or a cron expression. CronExpr takes
// precedence over IntervalSeconds when both are set.
type Schedule struct {
	Immediate       bool
	IntervalSeconds int
	CronExpr        string
}

func (s Schedule) cron() bool { return strings.TrimSpace(s.CronExpr) != "" }

// Config describes one managed agent at Create time.
type Config struct {
	AgentName  string
	Runner     Runner
	Schedule   Schedule
	Query      string
	MaxRetries int
	RetryDelay time.Duration
}

// Status is the externally-observable snapshot returned by GetStatus.
type Status struct {
	AgentID    string
	AgentName  string
	State      RunState
	RunCount   int
	ErrorCount int
	LastRun    time.Time
	LastError  string
}

var (
	// ErrAgentNotFound is returned by any operation addressing an unknown
	// agentID.
	ErrAgentNotFound = errors.New("background: agent not found")
	// ErrInvalidSchedule is returned by Create for a malformed Schedule.
	ErrInvalidSchedule = errors.New("background: schedule must be immediate or have a positive interval")
)

type managedAgent struct {
	mu         sync.Mutex
	id         string
	sessionID  string
	cfg        Config
	state      RunState
	runCount   int
	errorCount int
	lastRun    time.Time
	lastError  string
	query      string

	running       bool
	retryOverride time.Duration
	cancel        context.CancelFunc
	done          chan struct{}
}

// Manager owns a set of (agentID -> managedAgent) and a bounded worker
// pool shared across all of them.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*managedAgent

	pool    chan struct{}
	events  eventstore.Store
	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.Metrics

	messages           store.Store
	sessionIdleAfter   time.Duration
	sessionExpireAfter time.Duration

	wg sync.WaitGroup
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithWorkerPoolSize overrides DefaultWorkerPoolSize.
func WithWorkerPoolSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pool = make(chan struct{}, n)
		}
	}
}

// WithEventStore attaches an Event Store so the manager can emit
// manager-level lifecycle events (agent_error on retry exhaustion).
func WithEventStore(events eventstore.Store) Option {
	return func(m *Manager) { m.events = events }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics attaches the Prometheus instrumentation the manager records
// background-run outcomes and the active-agents gauge against. Unset, the
// manager records nothing.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithSessionStore attaches the Message Store backing managed agents'
// sessions so the manager can check session activity before each run and
// recreate an expired session rather than reuse it (§3 supplemental
// feature "session state tracking"). idleAfter/expireAfter of 0 use the
// package defaults.
func WithSessionStore(messages store.Store, idleAfter, expireAfter time.Duration) Option {
	return func(m *Manager) {
		m.messages = messages
		if idleAfter > 0 {
			m.sessionIdleAfter = idleAfter
		}
		if expireAfter > 0 {
			m.sessionExpireAfter = expireAfter
		}
	}
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		agents:             make(map[string]*managedAgent),
		pool:               make(chan struct{}, DefaultWorkerPoolSize),
		logger:             slog.Default(),
		now:                time.Now,
		sessionIdleAfter:   defaultSessionIdleAfter,
		sessionExpireAfter: defaultSessionExpireAfter,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new managed agent and returns its generated agentID
// and sessionID. The session persists across the agent's runs.
func (m *Manager) Create(cfg Config) (agentID, sessionID string, err error) {
	switch {
	case cfg.Schedule.Immediate:
	case cfg.Schedule.cron():
		if _, err := cronParser.Parse(cfg.Schedule.CronExpr); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case cfg.Schedule.IntervalSeconds > 0:
	default:
		return "", "", ErrInvalidSchedule
	}
	agentID = uuid.NewString()
	sessionID = uuid.NewString()

	ma := &managedAgent{
		id:        agentID,
		sessionID: sessionID,
		cfg:       cfg,
		state:     StateCreated,
		query:     cfg.Query,
	}

	m.mu.Lock()
	m.agents[agentID] = ma
	m.mu.Unlock()
	return agentID, sessionID, nil
}

// Start transitions an agent to scheduled and launches its ticker loop.
func (m *Manager) Start(agentID string) error {
	ma, err := m.lookup(agentID)
	if err != nil {
		return err
	}

	ma.mu.Lock()
	if ma.state == StateScheduled || ma.state == StateRunning {
		ma.mu.Unlock()
		return nil
	}
	m.setState(ma, StateScheduled)
	ctx, cancel := context.WithCancel(context.Background())
	ma.cancel = cancel
	ma.done = make(chan struct{})
	ma.mu.Unlock()

	m.wg.Add(1)
	go m.driveTicks(ctx, ma)
	return nil
}

// Pause stops launching new runs without forgetting accumulated state.
func (m *Manager) Pause(agentID string) error {
	ma, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.state != StateStopped {
		m.setState(ma, StatePaused)
	}
	return nil
}

// Resume re-schedules a paused agent.
func (m *Manager) Resume(agentID string) error {
	ma, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	ma.mu.Lock()
	if ma.state == StatePaused {
		m.setState(ma, StateScheduled)
	}
	ma.mu.Unlock()
	return nil
}

// Remove stops and forgets an agent.
func (m *Manager) Remove(agentID string) error {
	ma, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	ma.mu.Lock()
	m.setState(ma, StateStopped)
	cancel := ma.cancel
	ma.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	return nil
}

// UpdateTask hot-swaps the query used by the agent's next tick.
func (m *Manager) UpdateTask(agentID, newQuery string) error {
	ma, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	ma.mu.Lock()
	ma.query = newQuery
	ma.mu.Unlock()
	return nil
}

// ListAgents returns a status snapshot for every currently-registered agent.
func (m *Manager) ListAgents() []Status {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if s, err := m.GetStatus(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// GetStatus returns the current snapshot for one agent.
func (m *Manager) GetStatus(agentID string) (Status, error) {
	ma, err := m.lookup(agentID)
	if err != nil {
		return Status{}, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return Status{
		AgentID:    ma.id,
		AgentName:  ma.cfg.AgentName,
		State:      ma.state,
		RunCount:   ma.runCount,
		ErrorCount: ma.errorCount,
		LastRun:    ma.lastRun,
		LastError:  ma.lastError,
	}, nil
}

// Shutdown rejects new ticks by stopping every agent and cancelling its
// context, then waits up to grace for the tick loops and in-flight runs to
// return. In-flight runs see the cancellation at once; they are not given
// the grace period to finish before being cancelled.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	for _, ma := range m.agents {
		ma.mu.Lock()
		m.setState(ma, StateStopped)
		if ma.cancel != nil {
			ma.cancel()
		}
		ma.mu.Unlock()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// setState transitions ma to newState and, if this crosses the active/
// inactive boundary (isActiveState), adjusts the active-agents gauge.
// Caller must hold ma.mu.
func (m *Manager) setState(ma *managedAgent, newState RunState) {
	wasActive := isActiveState(ma.state)
	ma.state = newState
	if m.metrics == nil {
		return
	}
	isActive := isActiveState(newState)
	switch {
	case isActive && !wasActive:
		m.metrics.BackgroundAgentScheduled()
	case wasActive && !isActive:
		m.metrics.BackgroundAgentUnscheduled()
	}
}

// recordRun reports one background run's outcome, a no-op without metrics.
func (m *Manager) recordRun(agentName, outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordBackgroundRun(agentName, outcome)
}

func (m *Manager) lookup(agentID string) (*managedAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ma, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return ma, nil
}

// driveTicks is the per-agent ticker loop, grounded on the teacher's
// ticker-driven Scheduler.Start loop (internal/cron).
func (m *Manager) driveTicks(ctx context.Context, ma *managedAgent) {
	defer m.wg.Done()

	if ma.cfg.Schedule.Immediate {
		m.maybeRun(ctx, ma)
		ma.mu.Lock()
		if ma.state != StateStopped {
			m.setState(ma, StateStopped)
		}
		ma.mu.Unlock()
		return
	}

	if ma.cfg.Schedule.cron() {
		m.driveCronTicks(ctx, ma)
		return
	}

	interval := time.Duration(ma.cfg.Schedule.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pendingRevert := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pendingRevert {
				ticker.Reset(interval)
				pendingRevert = false
			}
			ma.mu.Lock()
			overrideDelay := ma.popRetryOverride()
			ma.mu.Unlock()
			if overrideDelay > 0 {
				// the next tick fires after retry_delay instead of the
				// normal interval; the one after that reverts above.
				ticker.Reset(overrideDelay)
				pendingRevert = true
			}
			m.maybeRun(ctx, ma)
		}
	}
}

// driveCronTicks fires maybeRun at each cron-schedule occurrence instead of
// a fixed interval. A retry_delay override, when set, replaces exactly the
// next wait before reverting to the cron schedule.
func (m *Manager) driveCronTicks(ctx context.Context, ma *managedAgent) {
	schedule, err := cronParser.Parse(ma.cfg.Schedule.CronExpr)
	if err != nil {
		m.logger.Error("background manager invalid cron expression", "agent_id", ma.id, "error", err)
		return
	}

	for {
		ma.mu.Lock()
		overrideDelay := ma.popRetryOverride()
		ma.mu.Unlock()

		var wait time.Duration
		if overrideDelay > 0 {
			wait = overrideDelay
		} else {
			wait = schedule.Next(m.now()).Sub(m.now())
			if wait < 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.maybeRun(ctx, ma)
		}
	}
}

// retryOverride is read-and-cleared by popRetryOverride; it must be called
// with ma.mu held.
func (ma *managedAgent) popRetryOverride() time.Duration {
	d := ma.retryOverride
	ma.retryOverride = 0
	return d
}

// maybeRun implements the per-agent mutual-exclusion and tick-collapsing
// rule (§4.10 "Concurrency"): a tick is skipped, not queued, if the
// previous run for this agent is still in flight.
func (m *Manager) maybeRun(ctx context.Context, ma *managedAgent) {
	ma.mu.Lock()
	if ma.state != StateScheduled || ma.running {
		ma.mu.Unlock()
		return
	}
	ma.running = true
	query := ma.query
	sessionID := ma.sessionID
	runner := ma.cfg.Runner
	agentName := ma.cfg.AgentName
	m.setState(ma, StateRunning)
	ma.mu.Unlock()

	sessionID = m.refreshExpiredSession(ctx, ma, sessionID)

	select {
	case m.pool <- struct{}{}:
	case <-ctx.Done():
		ma.mu.Lock()
		ma.running = false
		m.setState(ma, StateScheduled)
		ma.mu.Unlock()
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.pool }()

		_, err := runner.Run(ctx, sessionID, query)

		ma.mu.Lock()
		ma.running = false
		ma.runCount++
		ma.lastRun = m.now()
		if err != nil {
			ma.errorCount++
			ma.lastError = err.Error()
			if ma.errorCount >= ma.cfg.MaxRetries && ma.cfg.MaxRetries > 0 {
				m.setState(ma, StatePaused)
				m.recordRun(agentName, "retry_exhausted")
				m.emitRetryExhausted(ctx, ma)
			} else {
				ma.retryOverride = ma.cfg.RetryDelay
				if ma.state != StateStopped && ma.state != StatePaused {
					m.setState(ma, StateScheduled)
				}
				m.recordRun(agentName, "error")
			}
		} else {
			ma.errorCount = 0
			if ma.state != StateStopped && ma.state != StatePaused {
				m.setState(ma, StateScheduled)
			}
			m.recordRun(agentName, "success")
		}
		ma.mu.Unlock()
	}()
}

// refreshExpiredSession checks sessionID's activity state and, if expired,
// generates and persists a fresh session id on ma so the next run starts a
// clean session instead of rehydrating stale history. Returns the session
// id the run should actually use. A nil session store (the common case for
// tests and simple deployments) is a no-op: sessions are always reused.
func (m *Manager) refreshExpiredSession(ctx context.Context, ma *managedAgent, sessionID string) string {
	if m.messages == nil {
		return sessionID
	}
	state, err := store.GetSessionState(ctx, m.messages, sessionID, m.sessionIdleAfter, m.sessionExpireAfter, m.now())
	if err != nil {
		m.logger.Error("background manager session state check failed", "agent_id", ma.id, "error", err)
		return sessionID
	}
	if state != models.SessionExpired {
		return sessionID
	}

	fresh := uuid.NewString()
	ma.mu.Lock()
	ma.sessionID = fresh
	ma.mu.Unlock()
	return fresh
}

func (m *Manager) emitRetryExhausted(ctx context.Context, ma *managedAgent) {
	if m.events == nil {
		return
	}
	event := models.Event{
		Type:      models.EventAgentError,
		Payload:   map[string]any{"reason": "retry_exhausted", "agent_id": ma.id},
		Timestamp: m.now(),
		SessionID: ma.sessionID,
		AgentName: ma.cfg.AgentName,
	}
	if err := m.events.Append(ctx, ma.sessionID, event); err != nil {
		m.logger.Error("background manager event append failed", "agent_id", ma.id, "error", err)
	}
}
