package cli

import "time"

// Options are the command line options of mcp-proxy.
type Options struct {
	// Stream client
	Headers map[string]string `short:"H" long:"headers" value-name:"KEY:VALUE" description:"Header sent to the upstream server; repeatable"`

	// Stdio client
	Env             map[string]string `short:"e" long:"env" value-name:"KEY:VALUE" description:"Environment variable for the spawned server; repeatable"`
	PassEnvironment bool              `long:"pass-environment" description:"Pass the whole environment to the spawned server"`

	// Network server
	SSEPort      int      `long:"sse-port" default:"0" description:"Port local peers connect to; 0 picks a free port"`
	SSEHost      string   `long:"sse-host" default:"127.0.0.1" description:"Host local peers connect to"`
	AllowOrigins []string `long:"allow-origin" value-name:"ORIGIN" description:"Origin browsers may connect from; repeatable, default none"`
	Transport    string   `long:"transport" default:"sse" choice:"sse" choice:"websocket" choice:"stdio" description:"Transport local peers connect with"`

	// Local servers
	LocalServer string `long:"local-server" value-name:"NAME" description:"Serve the named local server; see --list-servers"`
	ListServers bool   `long:"list-servers" description:"List the available local servers and exit"`
	Config      string `short:"c" long:"config" value-name:"FILE" description:"YAML file of command-backed local servers"`

	ListTools bool `long:"list-tools" description:"Print the tools of the upstream server and exit"`

	// Forwarding
	CallTimeout   time.Duration `long:"call-timeout" default:"0s" description:"Bound on every request sent upstream; 0 disables"`
	RateLimit     int           `long:"rate-limit" default:"0" description:"Requests per second each peer may send; 0 disables"`
	RateBurst     int           `long:"rate-burst" default:"10" description:"Requests a peer may send at once above the rate"`
	MaxParamsSize int64         `long:"max-params-size" default:"0" description:"Largest accepted params object in bytes; 0 disables"`

	// Logging
	LogLevel  string `long:"log-level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogFormat string `long:"log-format" default:"text" choice:"text" choice:"json" description:"Log format"`

	Positional struct {
		CommandOrURL string   `positional-arg-name:"command_or_url" description:"Command to spawn, or URL to connect to"`
		Args         []string `positional-arg-name:"args" description:"Arguments of the spawned command"`
	} `positional-args:"yes"`
}
