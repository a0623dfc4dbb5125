// Package config loads the settings of the mcp-server and mcp-role binaries. Values come from the
// environment first and command-line flags override them.
package config

import (
	"flag"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joeshaw/envdecode"
)

// Transport names accepted by Config.Transport.
const (
	TransportStdIO = "stdio"
	TransportSSE   = "sse"
)

// Config is the mcp-server configuration.
type Config struct {
	// Transport is "stdio" or "sse". ENV: MCP_TRANSPORT
	Transport string `env:"MCP_TRANSPORT,default=stdio"`
	// Host the SSE listener binds to. ENV: MCP_HOST
	Host string `env:"MCP_HOST,default=0.0.0.0"`
	// Port the SSE listener binds to. ENV: MCP_PORT
	Port int `env:"MCP_PORT,default=8000"`
	// Tools is a comma separated list of glob patterns selecting the tools to serve. Empty serves
	// all of them. ENV: MCP_TOOLS
	Tools string `env:"MCP_TOOLS"`
	// CallTimeout bounds each tool call; zero disables it. ENV: MCP_CALL_TIMEOUT
	CallTimeout time.Duration `env:"MCP_CALL_TIMEOUT,default=0s"`

	Log LogConfig
}

// RoleConfig is the mcp-role configuration.
type RoleConfig struct {
	// ServerURL is the SSE endpoint of a running server. When empty, the role starts ServerCommand
	// and talks to it over stdio. ENV: MCP_SERVER_URL
	ServerURL string `env:"MCP_SERVER_URL"`
	// ServerCommand is the server binary started for the stdio transport. ENV: MCP_SERVER_COMMAND
	ServerCommand string `env:"MCP_SERVER_COMMAND,default=mcp-server"`
	// RequestTimeout bounds each request to the server. ENV: MCP_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`

	Log LogConfig
}

// LogConfig selects the slog handler of a binary.
type LogConfig struct {
	// Level is debug, info, warn or error. ENV: MCP_LOG_LEVEL
	Level string `env:"MCP_LOG_LEVEL,default=info"`
	// Format is text or json. ENV: MCP_LOG_FORMAT
	Format string `env:"MCP_LOG_FORMAT,default=text"`
}

// Load reads the server configuration from the environment and then from args, which excludes the
// program name.
func Load(args []string) (Config, error) {
	var cfg Config
	if err := decodeEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("mcp-server", flag.ContinueOnError)
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport type (stdio or sse)")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host to listen on for SSE")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on for SSE")
	fs.StringVar(&cfg.Tools, "tools", cfg.Tools, "Comma separated glob patterns of the tools to serve")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "Per tool call timeout, 0 to disable")
	cfg.Log.bind(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, errors.Wrap(err, "parse flags")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadRole reads the role configuration from the environment and then from args.
func LoadRole(args []string) (RoleConfig, error) {
	var cfg RoleConfig
	if err := decodeEnv(&cfg); err != nil {
		return RoleConfig{}, err
	}

	fs := flag.NewFlagSet("mcp-role", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "SSE endpoint of a running server")
	fs.StringVar(&cfg.ServerCommand, "server-command", cfg.ServerCommand, "Server binary to start over stdio")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per request timeout")
	cfg.Log.bind(fs)
	if err := fs.Parse(args); err != nil {
		return RoleConfig{}, errors.Wrap(err, "parse flags")
	}

	if cfg.ServerURL == "" && cfg.ServerCommand == "" {
		return RoleConfig{}, errors.New("either a server URL or a server command is required")
	}
	if cfg.RequestTimeout < 0 {
		return RoleConfig{}, errors.Newf("request timeout must not be negative, got %s", cfg.RequestTimeout)
	}
	if err := cfg.Log.Validate(); err != nil {
		return RoleConfig{}, err
	}
	return cfg, nil
}

// decodeEnv rejects values that do not parse. ErrInvalidTarget only means no field was set.
func decodeEnv(target any) error {
	err := envdecode.StrictDecode(target)
	if err != nil && !errors.Is(err, envdecode.ErrInvalidTarget) {
		return errors.Wrap(err, "decode environment")
	}
	return nil
}

func (l *LogConfig) bind(fs *flag.FlagSet) {
	fs.StringVar(&l.Level, "log-level", l.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&l.Format, "log-format", l.Format, "Log format (text or json)")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Transport != TransportStdIO && c.Transport != TransportSSE {
		return errors.Newf("unknown transport %q, want %s or %s", c.Transport, TransportStdIO, TransportSSE)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Newf("port %d out of range", c.Port)
	}
	if c.CallTimeout < 0 {
		return errors.Newf("call timeout must not be negative, got %s", c.CallTimeout)
	}
	return c.Log.Validate()
}

// Addr is the SSE listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ToolPatterns splits Tools into its glob patterns.
func (c Config) ToolPatterns() []string {
	var patterns []string
	for _, p := range strings.Split(c.Tools, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

var logFormats = []string{"text", "json"}

// Validate checks the level and format names.
func (l LogConfig) Validate() error {
	if _, err := l.level(); err != nil {
		return err
	}
	if !slices.Contains(logFormats, l.Format) {
		return errors.Newf("unknown log format %q", l.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, errors.Wrapf(err, "invalid log level %q", l.Level)
	}
	return level, nil
}

// Logger builds the slog logger writing to w.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, errors.Newf("unknown log format %q", l.Format)
	}
}
