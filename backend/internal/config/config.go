// Package config loads the server configuration.
//
// Values come from an optional YAML file, then command line flags override
// them. Secrets are never read from the file: they come from the
// APPFORGE_AGENT_API_KEY and APPFORGE_DEPLOY_TOKEN environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables holding secrets.
const (
	EnvAgentAPIKey = "APPFORGE_AGENT_API_KEY"
	EnvDeployToken = "APPFORGE_DEPLOY_TOKEN"
)

// Config is the complete server configuration.
type Config struct {
	// HTTP is the listen address.
	HTTP string `yaml:"http"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// Database is the SQLite file path.
	Database string `yaml:"database"`

	Agent        AgentConfig        `yaml:"agent"`
	Git          GitConfig          `yaml:"git"`
	Deploy       DeployConfig       `yaml:"deploy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Server       ServerConfig       `yaml:"server"`
}

// AgentConfig locates the upstream generation agent.
type AgentConfig struct {
	URL string `yaml:"url"`
	// Timeout bounds a whole streaming request. Zero means no limit.
	Timeout time.Duration `yaml:"timeout"`
	APIKey  string        `yaml:"-"`
}

// GitConfig configures repository hosting.
type GitConfig struct {
	Root        string `yaml:"root"`
	BaseURL     string `yaml:"base_url"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// DeployConfig locates the deployment service. An empty URL disables
// deployments.
type DeployConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"-"`
}

// OrchestratorConfig tunes request processing.
type OrchestratorConfig struct {
	// DrainTimeout bounds the wait for side effects before "done" is sent.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// TraceDir receives JSONL traces of upstream events. Empty disables
	// tracing.
	TraceDir string `yaml:"trace_dir"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// UserHeader carries the caller identity set by the authenticating proxy.
	UserHeader string `yaml:"user_header"`
	// DebugUsers receive debug frames.
	DebugUsers []string `yaml:"debug_users"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP:     ":8080",
		LogLevel: "info",
		Database: "appforge.db",
		Agent:    AgentConfig{Timeout: 30 * time.Minute},
		Git:      GitConfig{Root: "repos", AuthorName: "appforge", AuthorEmail: "appforge@localhost"},
		Orchestrator: OrchestratorConfig{
			DrainTimeout: 5 * time.Minute,
		},
		Server: ServerConfig{UserHeader: "X-User-ID"},
	}
}

// Load reads path on top of the defaults and applies the environment. A
// missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path) //nolint:gosec // path is operator supplied.
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := c.parse(b); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else if b, err := os.ReadFile("appforge.yaml"); err == nil {
		if err := c.parse(b); err != nil {
			return nil, fmt.Errorf("appforge.yaml: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	c.Agent.APIKey = os.Getenv(EnvAgentAPIKey)
	c.Deploy.Token = os.Getenv(EnvDeployToken)
	return c, nil
}

func (c *Config) parse(b []byte) error {
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP == "" {
		errs = append(errs, errors.New("http listen address is required"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Agent.URL == "" {
		errs = append(errs, errors.New("agent.url is required"))
	}
	if c.Git.Root == "" {
		errs = append(errs, errors.New("git.root is required"))
	}
	if c.Server.UserHeader == "" {
		errs = append(errs, errors.New("server.user_header is required"))
	}
	if c.Orchestrator.DrainTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.drain_timeout must not be negative"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// IsDebugUser reports whether user receives debug frames.
func (c *Config) IsDebugUser(user string) bool {
	return user != "" && slices.Contains(c.Server.DebugUsers, user)
}
