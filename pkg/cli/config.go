package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/voxlink/voxlink/pkg/jsontime"
)

const (
	// DefaultBaseDir is the base configuration directory name
	DefaultBaseDir = ".voxchat"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.yaml"
)

// Config is the on-disk CLI configuration: a set of named contexts
// plus the name of the active one, kubectl style.
type Config struct {
	// CurrentContext is the name of the currently active context
	CurrentContext string `yaml:"current_context,omitempty" json:"current_context,omitempty"`

	// Contexts is a map of context name to context configuration
	Contexts map[string]*Context `yaml:"contexts,omitempty" json:"contexts,omitempty"`

	// configPath is the path to the config file
	configPath string
}

// Context holds everything needed to talk to one backend deployment.
type Context struct {
	// Name is the context name
	Name string `yaml:"name" json:"name"`

	// Endpoint is the backend URI. A ws/wss scheme selects the socket
	// transport, http/https the polling transport.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// WorkerID is the default agent to converse with.
	WorkerID string `yaml:"worker_id,omitempty" json:"worker_id,omitempty"`

	// AuthToken authenticates backend requests.
	AuthToken string `yaml:"auth_token,omitempty" json:"auth_token,omitempty"`

	// RealtimeURL overrides the voice API negotiation endpoint (optional)
	RealtimeURL string `yaml:"realtime_url,omitempty" json:"realtime_url,omitempty"`

	// Model overrides the backend-issued realtime model (optional)
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Voice overrides the backend-issued voice (optional)
	Voice string `yaml:"voice,omitempty" json:"voice,omitempty"`

	// Instructions overrides the agent instructions (optional)
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	// Greeting is spoken once when the voice channel opens (optional)
	Greeting string `yaml:"greeting,omitempty" json:"greeting,omitempty"`

	// HistoryDir overrides where conversation history is stored (optional)
	HistoryDir string `yaml:"history_dir,omitempty" json:"history_dir,omitempty"`

	// SessionTimeout bounds one session, e.g. "15m" (optional)
	SessionTimeout jsontime.Duration `yaml:"session_timeout,omitempty" json:"session_timeout,omitempty"`

	// IdleTimeout is the inactivity window before a check-in (optional)
	IdleTimeout jsontime.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
}

// LoadConfig loads or creates the configuration at the default path.
func LoadConfig() (*Config, error) {
	return LoadConfigWithPath("")
}

// LoadConfigWithPath loads configuration from a custom path
func LoadConfigWithPath(customPath string) (*Config, error) {
	var configPath string

	if customPath != "" {
		configPath = customPath
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, DefaultBaseDir, DefaultConfigFile)
	}

	// Ensure config directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := &Config{
		Contexts:   make(map[string]*Context),
		configPath: configPath,
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create empty config file
			return cfg, cfg.Save()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	cfg.configPath = configPath

	return cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Path returns the config file path
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the config directory path
func (c *Config) Dir() string {
	return filepath.Dir(c.configPath)
}

// AddContext adds or replaces a context. The first context added
// becomes current automatically.
func (c *Config) AddContext(name string, ctx *Context) error {
	ctx.Name = name
	c.Contexts[name] = ctx
	if c.CurrentContext == "" {
		c.CurrentContext = name
	}
	return c.Save()
}

// DeleteContext removes a context
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return c.Save()
}

// UseContext sets the current context
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return c.Save()
}

// GetContext returns a specific context
func (c *Config) GetContext(name string) (*Context, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// GetCurrentContext returns the current context
func (c *Config) GetCurrentContext() (*Context, error) {
	if c.CurrentContext == "" {
		return nil, fmt.Errorf("no current context set, run \"voxchat config use\" first")
	}
	return c.GetContext(c.CurrentContext)
}

// ResolveContext returns the context by name, or current context if name is empty
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name == "" {
		return c.GetCurrentContext()
	}
	return c.GetContext(name)
}

// ListContexts returns all context names, sorted.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaskToken masks an auth token for display
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
