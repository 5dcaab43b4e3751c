// Package dispatch implements the Tool Dispatcher: it unifies local and
// remote tool lookup, validates arguments via the local registry's schema
// checking, and executes with timeout and cancellation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brightloop/agentcore/internal/toolreg"
)

// ErrToolNotFound is returned by Resolve when no remote or local tool
// matches the requested name.
var ErrToolNotFound = errors.New("tool_not_found")

// RemoteSession is the per-server transport contract the Dispatcher
// consumes for remote tool calls (§6 "Remote tool-server adapter").
type RemoteSession interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// RemoteCatalog maps a server name to the descriptors it advertises. Tool
// names are matched case-insensitively.
type RemoteCatalog map[string][]ToolName

// ToolName is the minimal descriptor shape the catalog needs for matching;
// full descriptors live in models.ToolDescriptor and are carried alongside.
type ToolName = string

// Executor is the resolved, ready-to-call handle for one tool invocation.
type Executor interface {
	// Execute runs the tool within the given timeout and returns the
	// envelope-wrapped observation text described in §4.4.
	Execute(ctx context.Context, args map[string]any, timeout time.Duration) (string, error)
}

// Dispatcher resolves tool names to local or remote executors.
type Dispatcher struct {
	local *toolreg.Registry

	cache     *ResultCache
	cacheTTLs map[string]time.Duration // tool name (lowercased) -> TTL, 0 = no expiry
}

// New constructs a Dispatcher bound to a local registry. Remote catalogs and
// sessions are supplied per-call to Resolve, since they vary by which
// remote tool servers are connected for a given agent/session.
func New(local *toolreg.Registry) *Dispatcher {
	return &Dispatcher{local: local, cacheTTLs: make(map[string]time.Duration)}
}

// EnableCache turns on result caching for toolName, consulted before
// dispatch and populated after a successful execution (§3 supplemental
// feature "tool result caching"). Caching is disabled for every tool by
// default; ttl of 0 caches indefinitely (bounded only by the cache's LRU
// eviction). The cache itself is created lazily on first call, shared
// across all tools enabled on this Dispatcher.
func (d *Dispatcher) EnableCache(toolName string, ttl time.Duration) {
	if d.cache == nil {
		d.cache = NewResultCache(1000)
	}
	d.cacheTTLs[strings.ToLower(toolName)] = ttl
}

// ResolveResult carries the resolved executor plus the canonical name and
// args the engine should record on the tool-call metadata.
type ResolveResult struct {
	Executor      Executor
	CanonicalName string
	CanonicalArgs map[string]any
}

// Resolve implements §4.4's resolution order: remote catalog first
// (case-insensitive name match, intentionally taking precedence to allow
// deployment-time overrides of in-process defaults), then the local
// registry, else ErrToolNotFound.
func (d *Dispatcher) Resolve(toolName string, args map[string]any, remoteCatalog RemoteCatalog, remoteSessions map[string]RemoteSession) (*ResolveResult, error) {
	lowered := strings.ToLower(toolName)

	for server, names := range remoteCatalog {
		for _, name := range names {
			if strings.ToLower(name) != lowered {
				continue
			}
			session, ok := remoteSessions[server]
			if !ok {
				continue
			}
			return &ResolveResult{
				Executor:      d.maybeCached(&remoteExecutor{session: session, name: name}, name),
				CanonicalName: name,
				CanonicalArgs: args,
			}, nil
		}
	}

	if _, ok := d.local.Lookup(toolName); ok {
		return &ResolveResult{
			Executor:      d.maybeCached(&localExecutor{registry: d.local, name: toolName}, toolName),
			CanonicalName: toolName,
			CanonicalArgs: args,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrToolNotFound, toolName)
}

// maybeCached wraps exec in a cachingExecutor if the resolved tool name has
// caching enabled, else returns exec unchanged.
func (d *Dispatcher) maybeCached(exec Executor, toolName string) Executor {
	ttl, enabled := d.cacheTTLs[strings.ToLower(toolName)]
	if !enabled {
		return exec
	}
	return &cachingExecutor{inner: exec, cache: d.cache, toolName: strings.ToLower(toolName), ttl: ttl}
}

// envelope mirrors the wire shape §4.4 requires both execution paths to
// produce before the engine interprets it into observation text.
type envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// toObservation turns an envelope into the text the engine feeds back as an
// observation: "data" stringified on success, "Error: "+message on error.
func (e envelope) toObservation() string {
	if e.Status == "error" {
		return "Error: " + e.Message
	}
	return stringifyData(e.Data)
}

func stringifyData(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(encoded)
}

// TimeoutMessage is the literal observation text on tool-call timeout.
const TimeoutMessage = "Tool call timed out. Please try again or use a different approach."

type localExecutor struct {
	registry *toolreg.Registry
	name     string
}

func (e *localExecutor) Execute(ctx context.Context, args map[string]any, timeout time.Duration) (string, error) {
	return runWithTimeout(ctx, timeout, func(callCtx context.Context) envelope {
		result, err := e.registry.Execute(callCtx, e.name, args)
		if err != nil {
			return envelope{Status: "error", Message: err.Error()}
		}
		return envelope{Status: "success", Data: result}
	})
}

type remoteExecutor struct {
	session RemoteSession
	name    string
}

func (e *remoteExecutor) Execute(ctx context.Context, args map[string]any, timeout time.Duration) (string, error) {
	return runWithTimeout(ctx, timeout, func(callCtx context.Context) envelope {
		content, err := e.session.CallTool(callCtx, e.name, args)
		if err != nil {
			return envelope{Status: "error", Message: err.Error()}
		}
		return envelope{Status: "success", Data: content}
	})
}

// runWithTimeout wraps fn in a cancellable context bounded by timeout. The
// goroutine running fn sends its result over a buffered channel with a
// non-blocking send so that, if the caller has already timed out and moved
// on, the goroutine does not leak waiting for a receiver.
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) envelope) (string, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resultChan := make(chan envelope, 1)
	go func() {
		select {
		case resultChan <- fn(callCtx):
		default:
		}
	}()

	select {
	case env := <-resultChan:
		return env.toObservation(), nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return TimeoutMessage, nil
		}
		return "Error: tool execution canceled", nil
	}
}
