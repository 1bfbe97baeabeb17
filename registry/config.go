package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/mcp-proxy/proxy"
	"github.com/felixgeelhaar/mcp-proxy/session"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

// File is a registry file listing command-backed servers:
//
//	servers:
//	  - name: fetch
//	    description: Fetch web pages
//	    command: uvx
//	    args: [mcp-server-fetch]
//	    env:
//	      API_KEY: ${FETCH_API_KEY}
type File struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig is one entry of a registry file.
type ServerConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Disabled    bool              `yaml:"disabled"`
}

// LoadFile reads a registry file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return Load(data)
}

// Load parses and validates a registry file. ${VAR} references in env
// values are expanded from the environment.
func Load(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}

	seen := make(map[string]bool, len(f.Servers))
	for i := range f.Servers {
		s := &f.Servers[i]
		if s.Name == "" {
			return nil, fmt.Errorf("server #%d: name is required", i+1)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" {
			return nil, fmt.Errorf("server %q: command is required", s.Name)
		}
		for k, v := range s.Env {
			s.Env[k] = os.ExpandEnv(v)
		}
	}
	return &f, nil
}

// Info converts the entry to the ServerInfo it is registered under.
func (c ServerConfig) Info() ServerInfo {
	return ServerInfo{
		Name:        c.Name,
		Description: c.Description,
		Kind:        KindPipe,
		Command:     c.Command,
		Args:        c.Args,
		Env:         c.Env,
	}
}

// RegisterAll registers every enabled server of f with r, each backed by a
// CommandFactory using opts.
func (f *File) RegisterAll(r *Registry, opts ...CommandOption) error {
	var errs []error
	for _, s := range f.Servers {
		if s.Disabled {
			continue
		}
		info := s.Info()
		if err := r.Register(info, CommandFactory(info, opts...)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CommandOption configures the endpoints created by CommandFactory.
type CommandOption func(*commandOptions)

type commandOptions struct {
	passEnv     bool
	sessionOpts []session.Option
	proxyOpts   []proxy.Option
}

// WithPassEnvironment starts children with the full parent environment.
func WithPassEnvironment(pass bool) CommandOption {
	return func(o *commandOptions) {
		o.passEnv = pass
	}
}

// WithSessionOptions configures the session to the child.
func WithSessionOptions(opts ...session.Option) CommandOption {
	return func(o *commandOptions) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

// WithProxyOptions configures the proxy in front of the child.
func WithProxyOptions(opts ...proxy.Option) CommandOption {
	return func(o *commandOptions) {
		o.proxyOpts = append(o.proxyOpts, opts...)
	}
}

// CommandFactory returns a factory that spawns info.Command, runs the
// handshake with it and returns a proxy for it. Closing the endpoint stops
// the child.
func CommandFactory(info ServerInfo, opts ...CommandOption) Factory {
	var o commandOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context) (Endpoint, error) {
		cmd := transport.Command{
			Path:            info.Command,
			Args:            info.Args,
			Env:             info.Env,
			PassEnvironment: o.passEnv,
		}
		sessionOpts := append([]session.Option{session.WithName(info.Name)}, o.sessionOpts...)

		b, err := transport.StartProcess(ctx, cmd)
		if err != nil {
			return nil, err
		}

		// The proxy must be the session's handler before the child can
		// send it anything.
		remote := session.New(b, sessionOpts...)
		p := proxy.New(remote, o.proxyOpts...)
		if err := remote.Open(ctx); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("open session: %w", err)
		}
		if _, err := p.Initialize(ctx); err != nil {
			_ = p.Close()
			return nil, err
		}
		return p, nil
	}
}
