package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of all environment overrides (KODE_LOOP_MAX_ITERATIONS, ...).
const EnvPrefix = "KODE"

// ProviderConfig represents configuration for a single LLM provider.
type ProviderConfig struct {
	Options ProviderOptions `yaml:"options" json:"options"`
}

// ProviderOptions contains the SDK-level options for a provider.
type ProviderOptions struct {
	APIKey      string  `yaml:"apiKey" json:"apiKey" envconfig:"API_KEY"`
	BaseURL     string  `yaml:"baseURL" json:"baseURL" envconfig:"BASE_URL"`
	Model       string  `yaml:"model" json:"model" envconfig:"MODEL"`
	ProjectID   string  `yaml:"projectID" json:"projectID" envconfig:"PROJECT_ID"`   // For Vertex AI
	Location    string  `yaml:"location" json:"location" envconfig:"LOCATION"`       // For Vertex AI
	Timeout     int     `yaml:"timeout" json:"timeout" envconfig:"TIMEOUT"`          // Request timeout in ms
	Temperature float64 `yaml:"temperature" json:"temperature" envconfig:"TEMP"`     // Sampling temperature
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" envconfig:"MAX_TOKENS"` // Max tokens to generate
}

// Tool execution strategies for a turn with several tool calls.
const (
	ToolExecutionParallel   = "parallel"
	ToolExecutionSequential = "sequential"
)

// LoopConfig controls the orchestration loop.
type LoopConfig struct {
	MaxIterations   int           `yaml:"max_iterations" envconfig:"MAX_ITERATIONS"`
	ToolExecution   string        `yaml:"tool_execution" envconfig:"TOOL_EXECUTION"` // parallel/sequential
	DecisionTimeout time.Duration `yaml:"decision_timeout" envconfig:"DECISION_TIMEOUT"`
	ToolTimeout     time.Duration `yaml:"tool_timeout" envconfig:"TOOL_TIMEOUT"` // 0 disables
	SystemPrompt    string        `yaml:"system_prompt" envconfig:"SYSTEM_PROMPT"`
}

// FilesConfig controls the read and patch tools.
type FilesConfig struct {
	WorkspaceRoot  string `yaml:"workspace_root" envconfig:"WORKSPACE_ROOT"`
	MaxReadBytes   int64  `yaml:"max_read_bytes" envconfig:"MAX_READ_BYTES"`
	LargeFileLines int    `yaml:"large_file_lines" envconfig:"LARGE_FILE_LINES"`
	AllowOverwrite bool   `yaml:"allow_overwrite" envconfig:"ALLOW_OVERWRITE"`
}

// SandboxConfig controls script evaluation.
type SandboxConfig struct {
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxConcurrent int64         `yaml:"max_concurrent" envconfig:"MAX_CONCURRENT"`
	Echo          bool          `yaml:"echo" envconfig:"ECHO"` // mirror script console output to stderr
}

// InputConfig controls waiting for human input.
type InputConfig struct {
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"` // 0 waits until cancelled
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	AllowedTools []string `yaml:"allowed_tools" envconfig:"ALLOWED_TOOLS"`
	DeniedTools  []string `yaml:"denied_tools" envconfig:"DENIED_TOOLS"`
}

// HTTPConfig contains HTTP API related settings.
type HTTPConfig struct {
	Enable bool   `yaml:"enable" envconfig:"ENABLE"`
	Addr   string `yaml:"addr" envconfig:"ADDR"`
	APIKey string `yaml:"api_key" envconfig:"API_KEY"`
}

// EventsConfig selects where the event log is mirrored.
type EventsConfig struct {
	JSONLPath    string `yaml:"jsonl_path" envconfig:"JSONL_PATH"`
	NATSURL      string `yaml:"nats_url" envconfig:"NATS_URL"`
	NATSEmbedded bool   `yaml:"nats_embedded" envconfig:"NATS_EMBEDDED"`
	NATSDataDir  string `yaml:"nats_data_dir" envconfig:"NATS_DATA_DIR"`
	NATSSubject  string `yaml:"nats_subject" envconfig:"NATS_SUBJECT"`
}

// Config is the root configuration structure.
type Config struct {
	// ActiveProvider explicitly sets the active provider (optional).
	// If not set, auto-detection is used based on available API keys.
	ActiveProvider string `yaml:"active_provider" envconfig:"ACTIVE_PROVIDER"`

	// LogLevel controls structured logging verbosity (DEBUG, VERBOSE, INFO, WARNING, ERROR).
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	// Providers is a map of provider ID to its configuration.
	Providers map[string]ProviderConfig `yaml:"provider" ignored:"true"`

	Loop     LoopConfig     `yaml:"loop" envconfig:"LOOP"`
	Files    FilesConfig    `yaml:"files" envconfig:"FILES"`
	Sandbox  SandboxConfig  `yaml:"sandbox" envconfig:"SANDBOX"`
	Input    InputConfig    `yaml:"input" envconfig:"INPUT"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	HTTP     HTTPConfig     `yaml:"http" envconfig:"HTTP"`
	Events   EventsConfig   `yaml:"events" envconfig:"EVENTS"`
}

// ProviderEnvVars maps provider IDs to their environment variable names for auto-detection.
// The first env var in the list that is set will be used.
var ProviderEnvVars = map[string]struct {
	APIKey  []string
	BaseURL []string
	Model   []string
}{
	"gemini": {
		APIKey: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		Model:  []string{"GEMINI_MODEL"},
	},
	"openai": {
		APIKey:  []string{"OPENAI_API_KEY"},
		BaseURL: []string{"OPENAI_API_BASE", "OPENAI_BASE_URL"},
		Model:   []string{"OPENAI_MODEL"},
	},
	"deepseek": {
		APIKey: []string{"DEEPSEEK_API_KEY"},
		Model:  []string{"DEEPSEEK_MODEL"},
	},
}

// detectionOrder is the order providers are probed during auto-detection.
var detectionOrder = []string{"gemini", "openai", "deepseek"}

// ProviderDefaults contains default options for each provider.
var ProviderDefaults = map[string]ProviderOptions{
	"gemini": {
		Model: "gemini-2.0-flash",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"mock": {
		Model: "mock-model",
	},
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Providers: make(map[string]ProviderConfig)}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if c.Loop.MaxIterations <= 0 {
		c.Loop.MaxIterations = 100
	}
	if c.Loop.ToolExecution == "" {
		c.Loop.ToolExecution = ToolExecutionParallel
	}
	if c.Loop.DecisionTimeout <= 0 {
		c.Loop.DecisionTimeout = 120 * time.Second
	}
	if c.Files.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Files.WorkspaceRoot = wd
		} else {
			c.Files.WorkspaceRoot = "."
		}
	}
	if c.Files.MaxReadBytes <= 0 {
		c.Files.MaxReadBytes = 1_000_000
	}
	if c.Files.LargeFileLines <= 0 {
		c.Files.LargeFileLines = 1000
	}
	if c.Sandbox.Timeout <= 0 {
		c.Sandbox.Timeout = 30 * time.Second
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		c.Sandbox.MaxConcurrent = 4
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Events.NATSSubject == "" {
		c.Events.NATSSubject = "kode.events"
	}
}

// Validate reports configuration values that cannot be used.
func (c *Config) Validate() error {
	switch c.Loop.ToolExecution {
	case ToolExecutionParallel, ToolExecutionSequential:
	default:
		return fmt.Errorf("loop.tool_execution must be %q or %q, got %q",
			ToolExecutionParallel, ToolExecutionSequential, c.Loop.ToolExecution)
	}
	if c.Events.NATSURL != "" && c.Events.NATSEmbedded {
		return fmt.Errorf("events.nats_url and events.nats_embedded are mutually exclusive")
	}
	return nil
}

// GetActiveProvider returns the active provider ID and its configuration.
// Priority: ActiveProvider field > First provider with API key in env > First configured provider.
func (c *Config) GetActiveProvider() (string, ProviderOptions, error) {
	// 1. Explicit ActiveProvider
	if c.ActiveProvider != "" {
		if p, ok := c.Providers[c.ActiveProvider]; ok {
			opts := mergeOptions(ProviderDefaults[c.ActiveProvider], p.Options)
			return c.ActiveProvider, opts, nil
		}
		if opts, ok := c.detectProviderFromEnv(c.ActiveProvider); ok {
			return c.ActiveProvider, opts, nil
		}
		if c.ActiveProvider == "mock" {
			return "mock", ProviderDefaults["mock"], nil
		}
		return "", ProviderOptions{}, fmt.Errorf("active provider %q not configured", c.ActiveProvider)
	}

	// 2. Auto-detect from environment variables
	for _, providerID := range detectionOrder {
		if opts, ok := c.detectProviderFromEnv(providerID); ok {
			return providerID, opts, nil
		}
	}

	// 3. First configured provider with API key
	for providerID, p := range c.Providers {
		if p.Options.APIKey != "" {
			opts := mergeOptions(ProviderDefaults[providerID], p.Options)
			return providerID, opts, nil
		}
	}

	return "", ProviderOptions{}, fmt.Errorf("no provider configured or detected")
}

// detectProviderFromEnv checks if a provider can be configured from environment variables.
func (c *Config) detectProviderFromEnv(providerID string) (ProviderOptions, bool) {
	envVars, ok := ProviderEnvVars[providerID]
	if !ok {
		return ProviderOptions{}, false
	}

	apiKey := firstEnv(envVars.APIKey)
	if apiKey == "" {
		return ProviderOptions{}, false
	}

	opts := ProviderDefaults[providerID]
	opts.APIKey = apiKey
	if v := firstEnv(envVars.BaseURL); v != "" {
		opts.BaseURL = v
	}
	if v := firstEnv(envVars.Model); v != "" {
		opts.Model = v
	}

	// Merge with config if exists
	if p, ok := c.Providers[providerID]; ok {
		opts = mergeOptions(opts, p.Options)
	}

	return opts, true
}

func firstEnv(names []string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// mergeOptions merges two ProviderOptions, with 'override' taking precedence.
func mergeOptions(base, override ProviderOptions) ProviderOptions {
	result := base
	if override.APIKey != "" {
		result.APIKey = override.APIKey
	}
	if override.BaseURL != "" {
		result.BaseURL = override.BaseURL
	}
	if override.Model != "" {
		result.Model = override.Model
	}
	if override.ProjectID != "" {
		result.ProjectID = override.ProjectID
	}
	if override.Location != "" {
		result.Location = override.Location
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	// 0 cannot be told apart from unset, so only positive temperatures override.
	if override.Temperature > 0 {
		result.Temperature = override.Temperature
	}
	if override.MaxTokens != 0 {
		result.MaxTokens = override.MaxTokens
	}
	return result
}

// Load reads configuration from the specified path, or defaults if path is empty.
// Priority: Env Vars > Config File > Defaults
func Load(path string) (*Config, error) {
	// Try loading .env files (ignore error if not present)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	if path == "" {
		path = defaultConfigPath()
	}

	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Env vars override values from the config file.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfigPath returns ./kode.yaml if present, else ~/.kode/config.yaml if present.
func defaultConfigPath() string {
	if _, err := os.Stat("kode.yaml"); err == nil {
		return "kode.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, ".kode", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}
