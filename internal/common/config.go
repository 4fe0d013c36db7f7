package common

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Memory      MemoryConfig     `toml:"memory"`
	HITL        HITLConfig       `toml:"hitl"`
	Workflow    WorkflowConfig   `toml:"workflow"`
	Events      EventsConfig     `toml:"events"`
	Validation  ValidationConfig `toml:"validation"`
	Logging     LoggingConfig    `toml:"logging"`
	LLM         LLMConfig        `toml:"llm"`
	Claude      ClaudeConfig     `toml:"claude"`
	Gemini      GeminiConfig     `toml:"gemini"`
}

type ServerConfig struct {
	Port        int      `toml:"port"`
	Host        string   `toml:"host"`
	CORSOrigins []string `toml:"cors_origins"` // Allowed origins; default ["*"]
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Root   string       `toml:"root"` // Taxonomy/draft tree root (STORAGE_ROOT)
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// MemoryConfig controls the hot in-memory job tier
type MemoryConfig struct {
	TTLSeconds   int `toml:"ttl_seconds"`   // Cache entry TTL measured from last touch
	SweepSeconds int `toml:"sweep_seconds"` // Background sweeper interval
}

// HITLConfig controls human-in-the-loop timeouts
type HITLConfig struct {
	DefaultTimeoutSeconds int            `toml:"default_timeout_seconds"` // Per-interaction timeout (default 3600)
	TypeTimeoutSeconds    map[string]int `toml:"type_timeout_seconds"`    // Optional per-prompt-type overrides
}

// WorkflowConfig controls the phase pipeline
type WorkflowConfig struct {
	WorkerConcurrency     int `toml:"worker_concurrency"`       // Max concurrent phase tasks (default: CPU*2)
	PhaseLLMTimeoutSecond int `toml:"phase_llm_timeout_seconds"` // Per-phase LLM call timeout (default 300)
	CancelGraceSeconds    int `toml:"cancel_grace_seconds"`     // Grace period before forced terminal (default 30)
}

// EventsConfig controls the per-job event bus
type EventsConfig struct {
	SubscriberQueueSize int `toml:"subscriber_queue_size"` // High-water mark per subscriber queue
}

// ValidationConfig holds rule-layer weights and quality bands
type ValidationConfig struct {
	StructureWeight     float64 `toml:"structure_weight"`
	MetadataWeight      float64 `toml:"metadata_weight"`
	DocumentationWeight float64 `toml:"documentation_weight"`
	QualityWeight       float64 `toml:"quality_weight"`
	WordCountMin        int     `toml:"word_count_min"`
	WordCountMax        int     `toml:"word_count_max"`
	VerbosityMax        float64 `toml:"verbosity_max"`
	TriggerCoverageMin  float64 `toml:"trigger_coverage_min"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderScripted uses the deterministic offline steps (no API key)
	LLMProviderScripted LLMProvider = "scripted"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"` // "claude", "gemini" or "scripted"
	RateLimit       string      `toml:"rate_limit"`       // Minimum interval between LLM calls (duration string)
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float32 `toml:"temperature"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only user-facing settings belong in skillforge.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:        8080,
			Host:        "localhost",
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Root: "./skills",
		},
		Memory: MemoryConfig{
			TTLSeconds:   3600, // 60 min from last touch
			SweepSeconds: 300,
		},
		HITL: HITLConfig{
			DefaultTimeoutSeconds: 3600,
			TypeTimeoutSeconds:    map[string]int{},
		},
		Workflow: WorkflowConfig{
			WorkerConcurrency:     runtime.NumCPU() * 2, // I/O-bound LLM calls
			PhaseLLMTimeoutSecond: 300,
			CancelGraceSeconds:    30,
		},
		Events: EventsConfig{
			SubscriberQueueSize: 256,
		},
		Validation: ValidationConfig{
			StructureWeight:     0.25,
			MetadataWeight:      0.25,
			DocumentationWeight: 0.30,
			QualityWeight:       0.20,
			WordCountMin:        500,
			WordCountMax:        5000,
			VerbosityMax:        0.7,
			TriggerCoverageMin:  0.8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderScripted, // No API key required out of the box
			RateLimit:       "1s",
		},
		Claude: ClaudeConfig{
			APIKey:      "",
			Model:       "claude-haiku-3-5-20241022",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Gemini: GeminiConfig{
			APIKey:      "",
			Model:       "gemini-3-flash-preview",
			Temperature: 0.7,
		},
	}
}

// MemoryTTL returns the job cache TTL as a duration.
func (c *Config) MemoryTTL() time.Duration {
	return time.Duration(c.Memory.TTLSeconds) * time.Second
}

// MemorySweepInterval returns the cache sweeper interval as a duration.
func (c *Config) MemorySweepInterval() time.Duration {
	return time.Duration(c.Memory.SweepSeconds) * time.Second
}

// HITLTimeout returns the timeout for a given prompt type, falling back
// to the default when no per-type override is configured.
func (c *Config) HITLTimeout(promptType string) time.Duration {
	if secs, ok := c.HITL.TypeTimeoutSeconds[promptType]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.HITL.DefaultTimeoutSeconds) * time.Second
}

// PhaseLLMTimeout returns the per-phase LLM call timeout.
func (c *Config) PhaseLLMTimeout() time.Duration {
	return time.Duration(c.Workflow.PhaseLLMTimeoutSecond) * time.Second
}

// CancelGrace returns the cancellation grace period.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Workflow.CancelGraceSeconds) * time.Second
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier
// ones; environment variables override all files. Unknown TOML keys are
// rejected.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		dec := toml.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root is required")
	}
	if c.Workflow.WorkerConcurrency <= 0 {
		c.Workflow.WorkerConcurrency = runtime.NumCPU() * 2
	}
	switch c.LLM.DefaultProvider {
	case LLMProviderClaude, LLMProviderGemini, LLMProviderScripted:
	default:
		return fmt.Errorf("invalid llm provider %q: must be claude, gemini or scripted", c.LLM.DefaultProvider)
	}
	totalWeight := c.Validation.StructureWeight + c.Validation.MetadataWeight +
		c.Validation.DocumentationWeight + c.Validation.QualityWeight
	if totalWeight <= 0 {
		return fmt.Errorf("validation layer weights must sum to a positive value")
	}
	return nil
}

// envString reads the first non-empty variable from the given names.
// Both the bare names and the SKILLFORGE_-prefixed forms are
// recognized.
func envString(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := envString("SKILLFORGE_ENV", "GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := envString("SKILLFORGE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := envString("SKILLFORGE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if origins := envString("CORS_ORIGINS", "SKILLFORGE_CORS_ORIGINS"); origins != "" {
		parsed := []string{}
		for _, o := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				parsed = append(parsed, trimmed)
			}
		}
		if len(parsed) > 0 {
			config.Server.CORSOrigins = parsed
		}
	}

	// Storage configuration. The repository contract is narrow: the Badger
	// directory path is the whole connection string.
	if dbURL := envString("DATABASE_URL", "SKILLFORGE_BADGER_PATH"); dbURL != "" {
		config.Storage.Badger.Path = strings.TrimPrefix(dbURL, "badger://")
	}
	if root := envString("STORAGE_ROOT", "SKILLFORGE_STORAGE_ROOT"); root != "" {
		config.Storage.Root = root
	}

	// Job cache tier
	if ttl := envString("MEMORY_TTL_SECONDS", "SKILLFORGE_MEMORY_TTL_SECONDS"); ttl != "" {
		if v, err := strconv.Atoi(ttl); err == nil && v > 0 {
			config.Memory.TTLSeconds = v
		}
	}
	if sweep := envString("MEMORY_SWEEP_SECONDS", "SKILLFORGE_MEMORY_SWEEP_SECONDS"); sweep != "" {
		if v, err := strconv.Atoi(sweep); err == nil && v > 0 {
			config.Memory.SweepSeconds = v
		}
	}

	// HITL
	if timeout := envString("HITL_DEFAULT_TIMEOUT_SECONDS", "SKILLFORGE_HITL_TIMEOUT_SECONDS"); timeout != "" {
		if v, err := strconv.Atoi(timeout); err == nil && v > 0 {
			config.HITL.DefaultTimeoutSeconds = v
		}
	}

	// Workflow
	if timeout := envString("PHASE_LLM_TIMEOUT_SECONDS", "SKILLFORGE_PHASE_LLM_TIMEOUT_SECONDS"); timeout != "" {
		if v, err := strconv.Atoi(timeout); err == nil && v > 0 {
			config.Workflow.PhaseLLMTimeoutSecond = v
		}
	}
	if conc := envString("WORKER_CONCURRENCY", "SKILLFORGE_WORKER_CONCURRENCY"); conc != "" {
		if v, err := strconv.Atoi(conc); err == nil && v > 0 {
			config.Workflow.WorkerConcurrency = v
		}
	}

	// Logging configuration
	if level := envString("SKILLFORGE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := envString("SKILLFORGE_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// LLM providers
	if provider := envString("SKILLFORGE_LLM_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
	if key := envString("ANTHROPIC_API_KEY", "SKILLFORGE_CLAUDE_API_KEY"); key != "" {
		config.Claude.APIKey = key
	}
	if key := envString("GEMINI_API_KEY", "SKILLFORGE_GEMINI_API_KEY"); key != "" {
		config.Gemini.APIKey = key
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}
