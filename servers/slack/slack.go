// Package slack is a stub chat-messaging tool server. It answers as a
// Slack workspace would without calling the Slack API, which makes it a
// convenient local server for exercising the proxy end to end.
package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/mcp-proxy/registry"
	"github.com/felixgeelhaar/mcp-proxy/server"
)

// Tool names.
const (
	ToolPostMessage  = "SLACK_POST_MESSAGE"
	ToolListChannels = "SLACK_LIST_CHANNELS"
)

// Info is the registry entry for this server.
var Info = registry.ServerInfo{
	Name:        "slack",
	Description: "Slack MCP server for interacting with Slack API",
	Kind:        registry.KindPipe,
	Command:     "slack_mcp",
}

// Channels are the channels every stub workspace has.
var Channels = []string{"#general", "#random", "#development"}

// PostMessageInput is the input of SLACK_POST_MESSAGE.
type PostMessageInput struct {
	Channel string `json:"channel" jsonschema:"required,description=The channel to send the message to"`
	Text    string `json:"text" jsonschema:"required,description=The text of the message to send"`
}

// ListChannelsInput is the input of SLACK_LIST_CHANNELS.
type ListChannelsInput struct{}

// New returns a tool server exposing the Slack tools.
func New(opts ...server.Option) *server.Server {
	srv := server.New(server.Info{Name: "Slack MCP", Version: "1.0.0"}, opts...)

	srv.Tool(ToolPostMessage).
		Description("Send a message to a Slack channel").
		OpenWorld().
		Handler(postMessage)

	srv.Tool(ToolListChannels).
		Description("List all available Slack channels").
		ReadOnly().
		Handler(listChannels)

	return srv
}

// Register adds the Slack server to r. Instances are in-process servers.
func Register(r *registry.Registry, opts ...server.Option) error {
	return r.Register(Info, func(context.Context) (registry.Endpoint, error) {
		return New(opts...), nil
	})
}

func postMessage(_ context.Context, in PostMessageInput) (string, error) {
	return fmt.Sprintf("Message sent to %s: %s", in.Channel, in.Text), nil
}

func listChannels(context.Context, ListChannelsInput) (string, error) {
	return "Available channels: " + strings.Join(Channels, ", "), nil
}
