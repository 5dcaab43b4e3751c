// Package agent implements the Agent type: a named binding of a ReAct
// Engine to a system prompt, a model identity, memory, and a tool catalog.
package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/brightloop/agentcore/internal/dispatch"
	"github.com/brightloop/agentcore/internal/react"
	"github.com/brightloop/agentcore/pkg/models"
)

// RemoteToolServer is one connected remote tool server an Agent can
// dispatch to, alongside its advertised catalog.
type RemoteToolServer struct {
	Name    string
	Session dispatch.RemoteSession
	Tools   []models.ToolDescriptor
}

// Config describes one Agent's identity and tuning, mirroring the
// configuration keys enumerated in §6.
type Config struct {
	Name        string
	Model       string
	Instruction string
	Engine      react.Config
}

// Agent binds a name, model identity, and system-prompt instruction to a
// ReAct Engine, a local tool catalog, and zero or more remote tool servers.
type Agent struct {
	cfg           Config
	engine        *react.Engine
	localTools    []models.ToolDescriptor
	remoteServers []RemoteToolServer
}

// New constructs an Agent. engine must already be bound to this agent's
// store, event store, dispatcher, LLM adapter, and parser (§9: dependency
// injection at construction, not module-level globals).
func New(cfg Config, engine *react.Engine, localTools []models.ToolDescriptor, remoteServers ...RemoteToolServer) *Agent {
	return &Agent{cfg: cfg, engine: engine, localTools: localTools, remoteServers: remoteServers}
}

// Name returns the agent's configured name, used as the metadata["agent_name"]
// filter value and as the AgentName field on emitted events.
func (a *Agent) Name() string {
	return a.cfg.Name
}

// Run executes one query against sessionID, generating a session ID first
// if the caller passes an empty string.
func (a *Agent) Run(ctx context.Context, sessionID, query string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	catalog := make([]models.ToolDescriptor, len(a.localTools))
	copy(catalog, a.localTools)
	remoteCatalog := dispatch.RemoteCatalog{}
	remoteSessions := map[string]dispatch.RemoteSession{}
	for _, server := range a.remoteServers {
		names := make([]string, 0, len(server.Tools))
		for _, t := range server.Tools {
			names = append(names, t.Name)
			catalog = append(catalog, t)
		}
		remoteCatalog[server.Name] = names
		remoteSessions[server.Name] = server.Session
	}

	out, err := a.engine.Run(ctx, react.RunInput{
		SessionID:      sessionID,
		AgentName:      a.cfg.Name,
		Instruction:    a.cfg.Instruction,
		Tools:          catalog,
		Query:          query,
		RemoteCatalog:  remoteCatalog,
		RemoteSessions: remoteSessions,
	})
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", a.cfg.Name, err)
	}
	return out, nil
}
