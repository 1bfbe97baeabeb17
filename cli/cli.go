// Package cli implements the mcp-proxy command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"

	mcpproxy "github.com/felixgeelhaar/mcp-proxy"
	"github.com/felixgeelhaar/mcp-proxy/client"
	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/middleware"
	"github.com/felixgeelhaar/mcp-proxy/proxy"
	"github.com/felixgeelhaar/mcp-proxy/registry"
	"github.com/felixgeelhaar/mcp-proxy/server"
	"github.com/felixgeelhaar/mcp-proxy/servers/slack"
	"github.com/felixgeelhaar/mcp-proxy/session"
)

// Environment variables read by the command.
const (
	EnvSSEURL      = "SSE_URL"
	EnvAccessToken = "API_ACCESS_TOKEN"
)

const usage = `[OPTIONS] [command_or_url] [-- args...]

Bridge an MCP server to another transport.

Examples:
  mcp-proxy http://localhost:8080/sse
  mcp-proxy -H "Authorization:Bearer YOUR_TOKEN" http://localhost:8080/sse
  mcp-proxy --sse-port 8080 -- your-command --arg1 value1
  mcp-proxy --sse-port 8080 -e KEY:VALUE your-command
  mcp-proxy --allow-origin '*' your-command
  mcp-proxy --local-server slack --sse-port 8080
  mcp-proxy --list-servers`

// ErrUsage is returned when nothing to run was given.
var ErrUsage = errors.New("nothing to run: give a command, a URL or --local-server")

// App runs the command against the given streams and environment.
type App struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string

	// Builtin registers the in-process servers. Defaults to the Slack stub.
	Builtin func(r *registry.Registry, logger logging.Logger) error
}

// New returns an App bound to the process's standard streams and
// environment.
func New() *App {
	return &App{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Getenv: os.Getenv,
	}
}

// Main runs the command and returns the process exit code.
func Main(ctx context.Context, args []string) int {
	app := New()
	err := app.Run(ctx, args)
	code := ExitCode(err)
	if code != 0 {
		fmt.Fprintf(app.Stderr, "mcp-proxy: %v\n", err)
	}
	return code
}

// ExitCode maps the result of Run to a process exit code.
func ExitCode(err error) int {
	var ferr *flags.Error
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ferr) && ferr.Type == flags.ErrHelp:
		return 0
	case errors.As(err, &ferr), errors.Is(err, ErrUsage):
		return 2
	default:
		return 1
	}
}

// Run parses args and runs the selected mode until ctx ends.
func (a *App) Run(ctx context.Context, args []string) error {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "mcp-proxy"
	parser.Usage = usage

	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(a.Stdout, ferr.Message)
		}
		return err
	}

	logger, err := a.logger(opts)
	if err != nil {
		return err
	}

	mw := a.middleware(opts, logger)
	reg, err := a.registry(opts, logger, mw)
	if err != nil {
		return err
	}

	runOpts := []mcpproxy.Option{
		mcpproxy.WithLogger(logger),
		mcpproxy.WithMiddleware(mw...),
		mcpproxy.WithCallTimeout(opts.CallTimeout),
		mcpproxy.WithStdio(a.Stdin, a.Stdout),
		mcpproxy.WithChildStderr(a.Stderr),
	}
	settings := mcpproxy.ServerSettings{
		BindHost:     opts.SSEHost,
		Port:         opts.SSEPort,
		AllowOrigins: opts.AllowOrigins,
		Transport:    opts.Transport,
	}

	if opts.ListServers {
		a.listServers(reg)
		return nil
	}

	if opts.LocalServer != "" {
		logger.Info("starting local server", logging.F("server", opts.LocalServer))
		return mcpproxy.RunLocalServer(ctx, reg, opts.LocalServer, settings, runOpts...)
	}

	target := opts.Positional.CommandOrURL
	if target == "" {
		target = a.getenv(EnvSSEURL)
	}
	if target == "" {
		parser.WriteHelp(a.Stderr)
		return ErrUsage
	}

	if isURL(target) {
		headers := a.headers(opts)
		if opts.ListTools {
			return a.listTools(ctx, func() (*session.Session, error) {
				return mcpproxy.DialStream(ctx, target, headers, runOpts...)
			})
		}
		logger.Info("starting stream client", logging.F("transport", opts.Transport))
		return mcpproxy.RunStreamClient(ctx, target, headers, runOpts...)
	}

	params := mcpproxy.StdioParams{
		Command:         target,
		Args:            opts.Positional.Args,
		Env:             opts.Env,
		PassEnvironment: opts.PassEnvironment,
	}
	if opts.ListTools {
		return a.listTools(ctx, func() (*session.Session, error) {
			return mcpproxy.SpawnStdio(ctx, params, runOpts...)
		})
	}
	logger.Info("starting stdio client", logging.F("command", target))
	return mcpproxy.RunStdioClient(ctx, params, settings, runOpts...)
}

func (a *App) getenv(key string) string {
	if a.Getenv == nil {
		return ""
	}
	return a.Getenv(key)
}

// headers merges -H values with the bearer token from the environment.
func (a *App) headers(opts Options) map[string]string {
	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if token := a.getenv(EnvAccessToken); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

// logger writes to stderr; stdout may carry the stdio transport.
func (a *App) logger(opts Options) (logging.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if opts.LogFormat == "json" {
		h = slog.NewJSONHandler(a.Stderr, handlerOpts)
	} else {
		h = slog.NewTextHandler(a.Stderr, handlerOpts)
	}
	return logging.NewSlog(slog.New(h)), nil
}

func (a *App) middleware(opts Options, logger logging.Logger) []middleware.Middleware {
	mw := middleware.DefaultStack(logger)
	mw = append(mw, middleware.OTel(middleware.WithOTelServiceName("mcp-proxy")))
	if opts.MaxParamsSize > 0 {
		mw = append(mw, middleware.SizeLimit(opts.MaxParamsSize, middleware.WithSizeLimitLogger(logger)))
	}
	if opts.RateLimit > 0 {
		mw = append(mw, middleware.RateLimitByPeer(opts.RateLimit, opts.RateBurst, middleware.WithRateLimitLogger(logger)))
	}
	return mw
}

func (a *App) registry(opts Options, logger logging.Logger, mw []middleware.Middleware) (*registry.Registry, error) {
	reg := registry.New()

	builtin := a.Builtin
	if builtin == nil {
		builtin = registerBuiltin
	}
	if err := builtin(reg, logger); err != nil {
		return nil, fmt.Errorf("register builtin servers: %w", err)
	}

	if opts.Config == "" {
		return reg, nil
	}
	file, err := registry.LoadFile(opts.Config)
	if err != nil {
		return nil, err
	}
	err = file.RegisterAll(reg,
		registry.WithPassEnvironment(opts.PassEnvironment),
		registry.WithSessionOptions(
			session.WithLogger(logger),
			session.WithCallTimeout(opts.CallTimeout),
		),
		registry.WithProxyOptions(
			proxy.WithLogger(logger),
			proxy.WithMiddleware(mw...),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", opts.Config, err)
	}
	return reg, nil
}

func registerBuiltin(r *registry.Registry, logger logging.Logger) error {
	return slack.Register(r, server.WithLogger(logger))
}

func (a *App) listServers(reg *registry.Registry) {
	servers := reg.List()
	if len(servers) == 0 {
		fmt.Fprintln(a.Stdout, "No local MCP servers available.")
		return
	}
	fmt.Fprintln(a.Stdout, "Available local MCP servers:")
	for _, s := range servers {
		description := s.Description
		if description == "" {
			description = "No description"
		}
		fmt.Fprintf(a.Stdout, "  - %s: %s\n", s.Name, description)
	}
}

func (a *App) listTools(ctx context.Context, open func() (*session.Session, error)) error {
	s, err := open()
	if err != nil {
		return err
	}
	c := client.New(s, client.WithClientInfo("mcp-proxy", mcpproxy.Version))
	defer c.Close()

	info, err := c.Initialize(ctx)
	if err != nil {
		return err
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Stdout, "%s %s\n", info.Name, info.Version)
	for _, t := range tools {
		fmt.Fprintf(a.Stdout, "  - %s: %s\n", t.Name, firstLine(t.Description))
	}
	return nil
}

func isURL(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return u.Host != ""
	}
	return false
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
