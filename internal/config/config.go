package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Terminal TerminalConfig `yaml:"terminal"`
	Agent    AgentConfig    `yaml:"agent"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	AuthSecret string `yaml:"auth_secret"`

	// Inbound WebSocket byte budget per connection. Zero disables metering.
	InputRate  int `yaml:"input_rate"`
	InputBurst int `yaml:"input_burst"`
}

type TerminalConfig struct {
	Shell       string        `yaml:"shell"` // override; empty means resolve from env/platform
	IdleTimeout time.Duration `yaml:"-"`
	SweepEvery  time.Duration `yaml:"-"`
}

// Durations are written as strings in the file ("30m", "90s") and parsed
// on load.
func (t *TerminalConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Shell       string `yaml:"shell"`
		IdleTimeout string `yaml:"idle_timeout"`
		SweepEvery  string `yaml:"sweep_every"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Shell = raw.Shell
	var err error
	if t.IdleTimeout, err = parseDuration("terminal.idle_timeout", raw.IdleTimeout); err != nil {
		return err
	}
	if t.SweepEvery, err = parseDuration("terminal.sweep_every", raw.SweepEvery); err != nil {
		return err
	}
	return nil
}

type AgentConfig struct {
	Mode        string        `yaml:"mode"`    // "mock", "real", "auto"
	Command     string        `yaml:"command"` // agent CLI binary
	Args        []string      `yaml:"args"`
	TurnTimeout time.Duration `yaml:"-"`
	ApprovalTTL time.Duration `yaml:"-"`

	// MockThinkDelay is how long the mock backend pretends to think.
	MockThinkDelay time.Duration `yaml:"-"`
}

func (a *AgentConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Mode           string   `yaml:"mode"`
		Command        string   `yaml:"command"`
		Args           []string `yaml:"args"`
		TurnTimeout    string   `yaml:"turn_timeout"`
		ApprovalTTL    string   `yaml:"approval_ttl"`
		MockThinkDelay string   `yaml:"mock_think_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	a.Mode = raw.Mode
	a.Command = raw.Command
	a.Args = raw.Args
	var err error
	if a.TurnTimeout, err = parseDuration("agent.turn_timeout", raw.TurnTimeout); err != nil {
		return err
	}
	if a.ApprovalTTL, err = parseDuration("agent.approval_ttl", raw.ApprovalTTL); err != nil {
		return err
	}
	if a.MockThinkDelay, err = parseDuration("agent.mock_think_delay", raw.MockThinkDelay); err != nil {
		return err
	}
	return nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	// Override with environment variables if present
	if addr := os.Getenv("TERMLINK_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if secret := os.Getenv("TERMLINK_AUTH_SECRET"); secret != "" {
		cfg.Server.AuthSecret = secret
	}
	if shell := os.Getenv("TERMLINK_SHELL"); shell != "" {
		cfg.Terminal.Shell = shell
	}
	if mode := os.Getenv("TERMLINK_AGENT_MODE"); mode != "" {
		cfg.Agent.Mode = mode
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Terminal.IdleTimeout == 0 {
		c.Terminal.IdleTimeout = 30 * time.Minute
	}
	if c.Terminal.SweepEvery == 0 {
		c.Terminal.SweepEvery = time.Minute
	}
	if c.Agent.Mode == "" {
		c.Agent.Mode = "auto"
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "codex"
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 120 * time.Second
	}
	if c.Agent.ApprovalTTL == 0 {
		c.Agent.ApprovalTTL = 5 * time.Minute
	}
	if c.Agent.MockThinkDelay == 0 {
		c.Agent.MockThinkDelay = 1500 * time.Millisecond
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/termlink.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Agent.Mode {
	case "mock", "real", "auto":
	default:
		return fmt.Errorf("agent.mode must be 'mock', 'real' or 'auto'")
	}
	if c.Agent.TurnTimeout < time.Second {
		return fmt.Errorf("agent.turn_timeout must be at least 1s")
	}
	if c.Agent.ApprovalTTL < time.Second {
		return fmt.Errorf("agent.approval_ttl must be at least 1s")
	}
	if c.Terminal.IdleTimeout < time.Minute {
		return fmt.Errorf("terminal.idle_timeout must be at least 1m")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
