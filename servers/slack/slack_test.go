package slack_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/mcp-proxy/registry"
	"github.com/felixgeelhaar/mcp-proxy/servers/slack"
	"github.com/felixgeelhaar/mcp-proxy/testutil"
)

func TestSlack_Tools(t *testing.T) {
	tc := testutil.NewTestClient(t, slack.New())

	tools, err := tc.ListTools()
	require.NoError(t, err)
	require.Len(t, tools, 2)

	assert.Equal(t, slack.ToolPostMessage, tools[0].Name)
	assert.Equal(t, "Send a message to a Slack channel", tools[0].Description)
	assert.JSONEq(t, `{
		"type": "object",
		"properties": {
			"channel": {"type": "string", "description": "The channel to send the message to"},
			"text": {"type": "string", "description": "The text of the message to send"}
		},
		"required": ["channel", "text"]
	}`, string(tools[0].InputSchema))

	assert.Equal(t, slack.ToolListChannels, tools[1].Name)
	assert.Equal(t, "List all available Slack channels", tools[1].Description)
}

func TestSlack_Calls(t *testing.T) {
	tc := testutil.NewTestClient(t, slack.New())

	tests := []struct {
		name      string
		tool      string
		args      map[string]any
		want      string
		wantError bool
	}{
		{
			name: "post message",
			tool: slack.ToolPostMessage,
			args: map[string]any{"channel": "#general", "text": "deploy done"},
			want: "Message sent to #general: deploy done",
		},
		{
			name: "list channels",
			tool: slack.ToolListChannels,
			want: "Available channels: #general, #random, #development",
		},
		{
			name:      "missing text",
			tool:      slack.ToolPostMessage,
			args:      map[string]any{"channel": "#general"},
			want:      "Missing required parameter: text",
			wantError: true,
		},
		{
			name:      "missing both reports channel first",
			tool:      slack.ToolPostMessage,
			args:      map[string]any{},
			want:      "Missing required parameter: channel",
			wantError: true,
		},
		{
			name:      "unknown tool",
			tool:      "SLACK_DELETE_CHANNEL",
			want:      "Tool SLACK_DELETE_CHANNEL not found",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args any
			if tt.args != nil {
				args = tt.args
			}
			result, err := tc.CallToolRaw(tt.tool, args)
			require.NoError(t, err)
			assert.Equal(t, tt.wantError, result.IsError)
			assert.Equal(t, tt.want, result.Text())
		})
	}
}

func TestSlack_Register(t *testing.T) {
	r := registry.New()
	require.NoError(t, slack.Register(r))

	info, ok := r.Lookup("slack")
	require.True(t, ok)
	assert.Equal(t, registry.KindPipe, info.Kind)
	assert.Equal(t, "slack_mcp", info.Command)
	assert.Equal(t, "Slack MCP server for interacting with Slack API", info.Description)

	ep, err := r.Instantiate(context.Background(), "slack")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	tc := testutil.NewTestClient(t, ep)
	handshake, err := tc.Initialize()
	require.NoError(t, err)
	assert.Equal(t, "Slack MCP", handshake["serverInfo"].(map[string]any)["name"])

	text, err := tc.CallTool(slack.ToolPostMessage, map[string]any{"channel": "#random", "text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Message sent to #random: hi", text)
}
