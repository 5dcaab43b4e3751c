package agent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/agentcore/internal/agent"
	"github.com/brightloop/agentcore/internal/dispatch"
	"github.com/brightloop/agentcore/internal/eventstore"
	"github.com/brightloop/agentcore/internal/parser"
	"github.com/brightloop/agentcore/internal/react"
	"github.com/brightloop/agentcore/internal/store"
	"github.com/brightloop/agentcore/internal/toolreg"
	"github.com/brightloop/agentcore/pkg/models"
)

type fixedLLM struct{ content string }

func (f fixedLLM) Complete(ctx context.Context, messages []react.LLMMessage, tools []models.ToolDescriptor) (react.LLMResponse, error) {
	return react.LLMResponse{Content: f.content}, nil
}

func TestAgentRunGeneratesSessionIDWhenEmpty(t *testing.T) {
	reg := toolreg.New()
	d := dispatch.New(reg)
	messages := store.NewMemoryStore()
	events := eventstore.NewMemoryStore()
	engine := react.New(fixedLLM{content: "Final Answer: ok"}, d, messages, events, parser.Parse, react.Config{MaxSteps: 2})

	a := agent.New(agent.Config{Name: "helper", Instruction: "be helpful"}, engine, nil)
	out, err := a.Run(context.Background(), "", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestAgentRunUsesRemoteToolCatalog(t *testing.T) {
	reg := toolreg.New()
	d := dispatch.New(reg)
	messages := store.NewMemoryStore()
	events := eventstore.NewMemoryStore()
	engine := react.New(fixedLLM{content: `Action: {"tool_name":"greet","arguments":{}}`}, d, messages, events, parser.Parse, react.Config{MaxSteps: 1})

	remote := agent.RemoteToolServer{
		Name:    "srv1",
		Session: fakeRemote{},
		Tools:   []models.ToolDescriptor{{Name: "greet", Description: "says hi"}},
	}
	a := agent.New(agent.Config{Name: "greeter", Instruction: "greet people"}, engine, nil, remote)
	out, err := a.Run(context.Background(), "sess", "say hi")
	require.NoError(t, err)
	assert.Contains(t, out, "Maximum steps")
}

type fakeRemote struct{}

func (fakeRemote) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return "hello from remote", nil
}
