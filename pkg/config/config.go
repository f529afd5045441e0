package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Timing    TimingConfig    `json:"timing"`
	Memory    MemoryConfig    `json:"memory"`
	Season    SeasonConfig    `json:"season"`
	Gateway   GatewayConfig   `json:"gateway"`
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Workspace     string `json:"workspace" env:"CHATAI_AGENT_WORKSPACE"`
	ParticipantID string `json:"participant_id" env:"CHATAI_AGENT_PARTICIPANT_ID"`
}

type ProviderConfig struct {
	Name       string `json:"name" env:"CHATAI_PROVIDER_NAME"`
	Model      string `json:"model" env:"CHATAI_PROVIDER_MODEL"`
	APIKey     string `json:"api_key" env:"CHATAI_PROVIDER_API_KEY"`
	APIBase    string `json:"api_base" env:"CHATAI_PROVIDER_API_BASE"`
	Proxy      string `json:"proxy,omitempty" env:"CHATAI_PROVIDER_PROXY"`
	OllamaHost string `json:"ollama_host,omitempty" env:"CHATAI_PROVIDER_OLLAMA_HOST"`
}

type SchedulerConfig struct {
	DecisionMinDelaySeconds int     `json:"decision_min_delay_seconds" env:"CHATAI_SCHEDULER_DECISION_MIN_DELAY_SECONDS"`
	DecisionMaxDelaySeconds int     `json:"decision_max_delay_seconds" env:"CHATAI_SCHEDULER_DECISION_MAX_DELAY_SECONDS"`
	FailureRetrySeconds     int     `json:"failure_retry_seconds" env:"CHATAI_SCHEDULER_FAILURE_RETRY_SECONDS"`
	BlockedRetrySeconds     int     `json:"blocked_retry_seconds" env:"CHATAI_SCHEDULER_BLOCKED_RETRY_SECONDS"`
	InterruptPollMS         int     `json:"interrupt_poll_ms" env:"CHATAI_SCHEDULER_INTERRUPT_POLL_MS"`
	LockTTLSeconds          int     `json:"lock_ttl_seconds" env:"CHATAI_SCHEDULER_LOCK_TTL_SECONDS"`
	ReevaluationProbability float64 `json:"reevaluation_probability" env:"CHATAI_SCHEDULER_REEVALUATION_PROBABILITY"`
	WorkerPollMS            int     `json:"worker_poll_ms" env:"CHATAI_SCHEDULER_WORKER_POLL_MS"`
	WorkerLeaseSeconds      int     `json:"worker_lease_seconds" env:"CHATAI_SCHEDULER_WORKER_LEASE_SECONDS"`
	WorkerConcurrency       int     `json:"worker_concurrency" env:"CHATAI_SCHEDULER_WORKER_CONCURRENCY"`
	MaxAttempts             int     `json:"max_attempts" env:"CHATAI_SCHEDULER_MAX_ATTEMPTS"`
	PeriodicCron            string  `json:"periodic_cron" env:"CHATAI_SCHEDULER_PERIODIC_CRON"`
}

type TimingConfig struct {
	MinDelaySeconds      float64 `json:"min_delay_seconds" env:"CHATAI_TIMING_MIN_DELAY_SECONDS"`
	MaxDelaySeconds      float64 `json:"max_delay_seconds" env:"CHATAI_TIMING_MAX_DELAY_SECONDS"`
	PolicyTimeoutSeconds int     `json:"policy_timeout_seconds" env:"CHATAI_TIMING_POLICY_TIMEOUT_SECONDS"`
	UseProvider          bool    `json:"use_provider" env:"CHATAI_TIMING_USE_PROVIDER"`
}

type MemoryConfig struct {
	ConsolidationMinCount int `json:"consolidation_min_count" env:"CHATAI_MEMORY_CONSOLIDATION_MIN_COUNT"`
	MaxMemories           int `json:"max_memories" env:"CHATAI_MEMORY_MAX_MEMORIES"`
	ContextLimit          int `json:"context_limit" env:"CHATAI_MEMORY_CONTEXT_LIMIT"`
	MaintenanceWaitSecs   int `json:"maintenance_wait_seconds" env:"CHATAI_MEMORY_MAINTENANCE_WAIT_SECONDS"`
}

type SeasonConfig struct {
	RotationDays int `json:"rotation_days" env:"CHATAI_SEASON_ROTATION_DAYS"`
}

type GatewayConfig struct {
	Enabled bool   `json:"enabled" env:"CHATAI_GATEWAY_ENABLED"`
	Host    string `json:"host" env:"CHATAI_GATEWAY_HOST"`
	Port    int    `json:"port" env:"CHATAI_GATEWAY_PORT"`
}

type DiscordConfig struct {
	Token string `json:"token" env:"CHATAI_DISCORD_TOKEN"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"CHATAI_LOGGING_LEVEL"`
	File  string `json:"file" env:"CHATAI_LOGGING_FILE"`
}

type TelemetryConfig struct {
	Endpoint string `json:"endpoint" env:"CHATAI_TELEMETRY_ENDPOINT"`
	Insecure bool   `json:"insecure" env:"CHATAI_TELEMETRY_INSECURE"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:     "~/.chatwithai/workspace",
			ParticipantID: "cli:local",
		},
		Provider: ProviderConfig{
			Name:  "openrouter",
			Model: "google/gemini-2.5-flash",
		},
		Scheduler: SchedulerConfig{
			DecisionMinDelaySeconds: 30,
			DecisionMaxDelaySeconds: 120,
			FailureRetrySeconds:     30,
			BlockedRetrySeconds:     60,
			InterruptPollMS:         100,
			LockTTLSeconds:          300,
			ReevaluationProbability: 0.3,
			WorkerPollMS:            100,
			WorkerLeaseSeconds:      300,
			WorkerConcurrency:       32,
			MaxAttempts:             3,
			PeriodicCron:            "0 * * * *",
		},
		Timing: TimingConfig{
			MinDelaySeconds:      0.5,
			MaxDelaySeconds:      8.0,
			PolicyTimeoutSeconds: 5,
			UseProvider:          true,
		},
		Memory: MemoryConfig{
			ConsolidationMinCount: 15,
			MaxMemories:           50,
			ContextLimit:          5,
			MaintenanceWaitSecs:   30,
		},
		Season: SeasonConfig{
			RotationDays: 90,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    18791,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path (a missing file yields defaults) and applies
// CHATAI_* environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports settings the runtime cannot work with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.Scheduler
	if s.DecisionMinDelaySeconds < 0 || s.DecisionMaxDelaySeconds < s.DecisionMinDelaySeconds {
		return fmt.Errorf("scheduler decision delay window [%d, %d] is invalid", s.DecisionMinDelaySeconds, s.DecisionMaxDelaySeconds)
	}
	if s.ReevaluationProbability < 0 || s.ReevaluationProbability > 1 {
		return fmt.Errorf("scheduler reevaluation_probability must be within [0, 1], got %v", s.ReevaluationProbability)
	}
	if c.Timing.MaxDelaySeconds < c.Timing.MinDelaySeconds {
		return fmt.Errorf("timing max_delay_seconds (%v) is below min_delay_seconds (%v)", c.Timing.MaxDelaySeconds, c.Timing.MinDelaySeconds)
	}
	if c.Memory.MaxMemories <= 0 {
		return fmt.Errorf("memory max_memories must be positive")
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.Workspace)
}

// DatabasePath is the SQLite file holding all persistent state.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.WorkspacePath(), "state", "chat.db")
}

func (c *Config) LockTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Scheduler.LockTTLSeconds) * time.Second
}

func (c *Config) ProviderName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToLower(strings.TrimSpace(c.Provider.Name))
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
