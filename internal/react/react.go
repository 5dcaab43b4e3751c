// Package react implements the ReAct Engine: the think→act→observe state
// machine that drives one agent Run from a query to a final answer.
package react

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brightloop/agentcore/internal/dispatch"
	"github.com/brightloop/agentcore/internal/eventstore"
	"github.com/brightloop/agentcore/internal/loopdetect"
	"github.com/brightloop/agentcore/internal/observability"
	"github.com/brightloop/agentcore/internal/parser"
	"github.com/brightloop/agentcore/internal/prompt"
	"github.com/brightloop/agentcore/internal/store"
	"github.com/brightloop/agentcore/internal/usage"
	"github.com/brightloop/agentcore/pkg/models"
)

// LLMMessage is the role/content pair sent to the LLM adapter. It is a
// narrower view than models.Message: only what the wire protocol needs.
type LLMMessage struct {
	Role    models.Role
	Content string
}

// Usage is the optional token accounting an LLM response may report.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMResponse is what the consumed LLM adapter returns for one completion.
type LLMResponse struct {
	Content string
	Usage   *Usage
}

// LLMAdapter is the external collaborator contract from §6: synchronous
// completion given a message list and the advertised tool catalog. Retry
// with backoff on transient failures is the adapter's own concern.
type LLMAdapter interface {
	Complete(ctx context.Context, messages []LLMMessage, tools []models.ToolDescriptor) (LLMResponse, error)
}

// ParseFunc is either parser.Parse or parser.ParseXML, selected once per
// agent at construction (§9 open question: one parser per agent).
type ParseFunc func(raw string) parser.Result

// Config tunes one Engine's behaviour. Zero values fall back to the
// defaults named in §6's configuration table.
type Config struct {
	MaxSteps            int
	ToolCallTimeout     time.Duration
	Limits              usage.Limits
	LoopWindowSize      int
	LoopRepeatThreshold int
}

const defaultMaxSteps = 10
const defaultToolCallTimeout = 30 * time.Second

// maxConsecutiveLoopDetections escalates repeated stuck-protocol triggers
// within one Run to an AgentError per §7.
const maxConsecutiveLoopDetections = 3

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.ToolCallTimeout <= 0 {
		c.ToolCallTimeout = defaultToolCallTimeout
	}
	if c.LoopWindowSize <= 0 {
		c.LoopWindowSize = loopdetect.DefaultWindowSize
	}
	if c.LoopRepeatThreshold <= 0 {
		c.LoopRepeatThreshold = loopdetect.DefaultRepeatThreshold
	}
	return c
}

// RunInput bundles the per-call parameters to Run. Tools is the combined
// local+remote catalog rendered into the prompt; RemoteCatalog/RemoteSessions
// drive dispatch resolution.
type RunInput struct {
	SessionID      string
	AgentName      string
	Instruction    string
	Tools          []models.ToolDescriptor
	Query          string
	RemoteCatalog  dispatch.RemoteCatalog
	RemoteSessions map[string]dispatch.RemoteSession
}

// Engine drives one Run at a time per instance; concurrent Runs on the same
// Engine value use independent local state (loop detector, usage meter) but
// share the injected Store/EventStore/Dispatcher, which must be safe for
// concurrent use (§5).
type Engine struct {
	llm        LLMAdapter
	dispatcher *dispatch.Dispatcher
	messages   store.Store
	events     eventstore.Store
	parse      ParseFunc
	config     Config
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics attaches the Prometheus instrumentation the engine records LLM
// request, tool execution, and loop-detection metrics against. Unset, the
// engine records nothing.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine bound to its collaborators. parse selects the
// Response Parser variant this agent uses for its entire lifetime.
func New(llm LLMAdapter, dispatcher *dispatch.Dispatcher, messages store.Store, events eventstore.Store, parse ParseFunc, config Config, opts ...Option) *Engine {
	e := &Engine{
		llm:        llm,
		dispatcher: dispatcher,
		messages:   messages,
		events:     events,
		parse:      parse,
		config:     config.withDefaults(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the think→act→observe loop for one query and returns the
// final answer string (§4.8). A Run always returns a string; errors from
// collaborators are folded into that string per §7's propagation policy,
// except BackendError from the message store, which is returned as err.
func (e *Engine) Run(ctx context.Context, in RunInput) (string, error) {
	meter := usage.New()
	detector := loopdetect.New(
		loopdetect.WithWindowSize(e.config.LoopWindowSize),
		loopdetect.WithRepeatThreshold(e.config.LoopRepeatThreshold),
	)

	e.emit(ctx, in.SessionID, in.AgentName, models.EventAgentStarted, map[string]any{"query": in.Query})

	if _, err := e.persist(ctx, in.SessionID, models.RoleUser, in.Query, map[string]any{"agent_name": in.AgentName}); err != nil {
		return "", err
	}

	systemPrompt := prompt.Build(in.Instruction, in.Tools, false)
	consecutiveLoopDetections := 0

	var lastRawResponse string
	for step := 0; step < e.config.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			e.emit(ctx, in.SessionID, in.AgentName, models.EventAgentFinished, map[string]any{"reason": "cancelled"})
			return "Run cancelled.", nil
		}

		e.emit(ctx, in.SessionID, in.AgentName, models.EventStepStarted, map[string]any{"step": step})

		// a. pre-request usage check.
		if err := meter.CheckBeforeRequest(e.config.Limits); err != nil {
			return e.finishWithLimitExceeded(ctx, in, err)
		}

		working, err := e.rehydrate(ctx, in.SessionID, systemPrompt)
		if err != nil {
			return "", err
		}

		// b. call the LLM, account for usage, enforce token limit.
		llmStart := time.Now()
		resp, err := e.llm.Complete(ctx, working, in.Tools)
		if err != nil {
			e.recordLLMRequest(in.AgentName, "error", time.Since(llmStart), 0, 0)
			return e.finishWithAgentError(ctx, in, fmt.Errorf("llm completion failed: %w", err))
		}
		promptTokens, completionTokens := 0, 0
		if resp.Usage != nil {
			promptTokens, completionTokens = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		}
		e.recordLLMRequest(in.AgentName, "success", time.Since(llmStart), promptTokens, completionTokens)
		lastRawResponse = resp.Content
		meter.Increment(usage.Deltas{RequestTokens: promptTokens, ResponseTokens: completionTokens})
		if err := meter.CheckTokens(e.config.Limits); err != nil {
			return e.finishWithLimitExceeded(ctx, in, err)
		}

		// c. parse the response.
		result := e.parse(resp.Content)

		switch result.Kind {
		case parser.KindAnswer:
			if _, err := e.persist(ctx, in.SessionID, models.RoleAssistant, result.Text, map[string]any{"agent_name": in.AgentName}); err != nil {
				return "", err
			}
			e.emit(ctx, in.SessionID, in.AgentName, models.EventFinalAnswer, map[string]any{"answer": result.Text})
			e.emit(ctx, in.SessionID, in.AgentName, models.EventAgentFinished, map[string]any{"reason": "final_answer"})
			return result.Text, nil

		case parser.KindParseError:
			detector.RecordMessage(result.Reason, truncate(resp.Content, 80))
			if _, err := e.persist(ctx, in.SessionID, models.RoleUser, result.Reason, map[string]any{"agent_name": in.AgentName}); err != nil {
				return "", err
			}
			stuck, escalated := e.checkLoop(ctx, in, detector, &consecutiveLoopDetections)
			if escalated {
				return e.finishWithAgentError(ctx, in, errors.New("repeated parser failures exceeded stuck-protocol escalation limit"))
			}
			if stuck {
				systemPrompt = prompt.Build(in.Instruction, in.Tools, true)
			}
			continue

		case parser.KindAction:
			observation, toolName, errorClass, argsHash, err := e.handleAction(ctx, in, result.JSON)
			if err != nil {
				return "", err
			}
			detector.RecordToolCall(toolName, argsHash, loopdetect.HashObservation(observation), errorClass)
			stuck, escalated := e.checkLoop(ctx, in, detector, &consecutiveLoopDetections)
			if escalated {
				return e.finishWithAgentError(ctx, in, errors.New("repeated tool-call pattern exceeded stuck-protocol escalation limit"))
			}
			if stuck {
				systemPrompt = prompt.Build(in.Instruction, in.Tools, true)
			} else {
				systemPrompt = prompt.Build(in.Instruction, in.Tools, false)
			}
			continue
		}
	}

	finalText := fmt.Sprintf("Maximum steps (%d) reached. Last response: %s", e.config.MaxSteps, lastRawResponse)
	if _, err := e.persist(ctx, in.SessionID, models.RoleAssistant, finalText, map[string]any{"agent_name": in.AgentName}); err != nil {
		return "", err
	}
	e.emit(ctx, in.SessionID, in.AgentName, models.EventAgentFinished, map[string]any{"reason": "max_steps"})
	return finalText, nil
}

// handleAction implements step algorithm e–h: resolve, execute, persist,
// and fold the result into an observation appended to working memory.
func (e *Engine) handleAction(ctx context.Context, in RunInput, actionJSON string) (observation, toolName, errorClass, argsHash string, err error) {
	call, parseErr := decodeToolCall(actionJSON)
	if parseErr != nil {
		observation = "Error: " + parseErr.Error()
		err = e.appendObservation(ctx, in, "unknown", observation)
		return observation, "unknown", "validation_error", "", err
	}
	toolName = call.ToolName
	argsHash = loopdetect.HashArgs(call.Arguments)

	resolved, resolveErr := e.dispatcher.Resolve(call.ToolName, call.Arguments, in.RemoteCatalog, in.RemoteSessions)
	if resolveErr != nil {
		// e: resolution failure becomes the observation directly, skipping
		// the tool_call_requested/completed events and the assistant
		// tool-call persistence.
		observation = resolveErr.Error()
		err = e.appendObservation(ctx, in, toolName, observation)
		return observation, toolName, "resolution_error", argsHash, err
	}

	callID := uuid.NewString()
	descriptor := models.ToolCallDescriptor{ID: callID, Name: resolved.CanonicalName, ArgumentsJSON: stringifyArgs(resolved.CanonicalArgs)}
	e.emit(ctx, in.SessionID, in.AgentName, models.EventToolCallRequested, map[string]any{"tool_call_id": callID, "tool_name": resolved.CanonicalName})

	if _, persistErr := e.persist(ctx, in.SessionID, models.RoleAssistant, actionJSON, map[string]any{
		"agent_name": in.AgentName,
		"tool_calls": []models.ToolCallDescriptor{descriptor},
	}); persistErr != nil {
		return "", toolName, "", argsHash, persistErr
	}

	execStart := time.Now()
	observation, execErr := resolved.Executor.Execute(ctx, resolved.CanonicalArgs, e.config.ToolCallTimeout)
	if execErr != nil {
		observation = "Error: " + execErr.Error()
	}

	switch {
	case observation == dispatch.TimeoutMessage:
		e.recordToolExecution(resolved.CanonicalName, "timeout", time.Since(execStart))
	case isErrorObservation(observation):
		e.recordToolExecution(resolved.CanonicalName, "error", time.Since(execStart))
	default:
		e.recordToolExecution(resolved.CanonicalName, "success", time.Since(execStart))
	}

	if isErrorObservation(observation) {
		e.emit(ctx, in.SessionID, in.AgentName, models.EventToolCallFailed, map[string]any{"tool_call_id": callID, "tool_name": resolved.CanonicalName, "error": observation})
		errorClass = "tool_error"
	} else {
		e.emit(ctx, in.SessionID, in.AgentName, models.EventToolCallCompleted, map[string]any{"tool_call_id": callID, "tool_name": resolved.CanonicalName})
	}

	if _, persistErr := e.persist(ctx, in.SessionID, models.RoleTool, observation, map[string]any{
		"agent_name":   in.AgentName,
		"tool_call_id": callID,
		"tool_name":    resolved.CanonicalName,
	}); persistErr != nil {
		return "", toolName, errorClass, argsHash, persistErr
	}

	// h: the persisted tool-result message above is the session record of
	// this observation; working memory's rendering of it (with the
	// OBSERVATION(...) wrapper) happens at rehydration time (see
	// Rehydrate), so no second message is persisted here.
	e.emit(ctx, in.SessionID, in.AgentName, models.EventObservationRecorded, map[string]any{"tool_name": resolved.CanonicalName})
	return observation, toolName, errorClass, argsHash, nil
}

// appendObservation implements step h for paths where no tool-result
// message was ever persisted (decode/resolution failures never reach f/g):
// the observation itself becomes the only session record of the attempt.
func (e *Engine) appendObservation(ctx context.Context, in RunInput, toolName, observation string) error {
	text := fmt.Sprintf("OBSERVATION(RESULT FROM %s TOOL CALL):\n%s", toolName, observation)
	_, err := e.persist(ctx, in.SessionID, models.RoleUser, text, map[string]any{"agent_name": in.AgentName})
	if err == nil {
		e.emit(ctx, in.SessionID, in.AgentName, models.EventObservationRecorded, map[string]any{"tool_name": toolName})
	}
	return err
}

// checkLoop runs the Loop Detector and, on detection, applies the stuck
// protocol (§4.8 step i/j): emit loop_detected, reset the detector, and
// signal the caller to swap in the corrective system prompt. Because the
// detector is reset after each detection, detections are counted across
// the whole Run; the third one escalates to AgentError (§7).
func (e *Engine) checkLoop(ctx context.Context, in RunInput, detector *loopdetect.Detector, consecutive *int) (stuck bool, escalated bool) {
	if !detector.IsLooping() {
		return false, false
	}
	*consecutive++
	e.emit(ctx, in.SessionID, in.AgentName, models.EventLoopDetected, map[string]any{"loop_type": string(detector.LoopType())})
	e.recordLoopDetected(in.AgentName, string(detector.LoopType()))
	detector.Reset()
	if *consecutive >= maxConsecutiveLoopDetections {
		return true, true
	}
	return true, false
}

func (e *Engine) finishWithLimitExceeded(ctx context.Context, in RunInput, cause error) (string, error) {
	text := fmt.Sprintf("Usage limit error: %v", cause)
	if _, err := e.persist(ctx, in.SessionID, models.RoleAssistant, text, map[string]any{"agent_name": in.AgentName}); err != nil {
		return "", err
	}
	e.emit(ctx, in.SessionID, in.AgentName, models.EventLimitExceeded, map[string]any{"reason": cause.Error()})
	e.emit(ctx, in.SessionID, in.AgentName, models.EventAgentFinished, map[string]any{"reason": "limit_exceeded"})
	return text, nil
}

func (e *Engine) finishWithAgentError(ctx context.Context, in RunInput, cause error) (string, error) {
	text := cause.Error()
	if _, err := e.persist(ctx, in.SessionID, models.RoleAssistant, text, map[string]any{"agent_name": in.AgentName}); err != nil {
		return "", err
	}
	e.emit(ctx, in.SessionID, in.AgentName, models.EventAgentError, map[string]any{"error": text})
	e.emit(ctx, in.SessionID, in.AgentName, models.EventAgentFinished, map[string]any{"reason": "agent_error"})
	return text, nil
}

// persist wraps Store.StoreMessage; a message-store failure becomes a
// BackendError surfaced as the Run's error return (§7).
func (e *Engine) persist(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (*models.Message, error) {
	msg, err := e.messages.StoreMessage(ctx, sessionID, role, content, metadata)
	if err != nil {
		e.logger.Error("message store append failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("backend error: %w", err)
	}
	return msg, nil
}

// emit appends an event; a failed append is logged and the Run continues
// (§7's BackendError policy for event appends).
func (e *Engine) emit(ctx context.Context, sessionID, agentName string, eventType models.EventType, payload map[string]any) {
	event := models.Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC(), SessionID: sessionID, AgentName: agentName}
	if err := e.events.Append(ctx, sessionID, event); err != nil {
		e.logger.Error("event append failed", "session_id", sessionID, "type", eventType, "error", err)
	}
}

// rehydrate reconstructs working memory per §4.9 from the session's
// persisted messages, seeded with the current system prompt.
func (e *Engine) rehydrate(ctx context.Context, sessionID, systemPrompt string) ([]LLMMessage, error) {
	persisted, err := e.messages.GetMessages(ctx, sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("backend error: %w", err)
	}

	working := []LLMMessage{{Role: models.RoleSystem, Content: systemPrompt}}
	working = append(working, Rehydrate(persisted)...)
	return working, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// recordLLMRequest, recordToolExecution, and recordLoopDetected are nil-safe:
// an Engine constructed without WithMetrics records nothing.
func (e *Engine) recordLLMRequest(agentName, status string, duration time.Duration, promptTokens, completionTokens int) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordLLMRequest(agentName, status, duration.Seconds(), promptTokens, completionTokens)
}

func (e *Engine) recordToolExecution(toolName, status string, duration time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordToolExecution(toolName, status, duration.Seconds())
}

func (e *Engine) recordLoopDetected(agentName, loopType string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordLoopDetected(agentName, loopType)
}

func isErrorObservation(observation string) bool {
	return observation == dispatch.TimeoutMessage || (len(observation) >= 6 && observation[:6] == "Error:")
}
