// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/outreach/internal/healing"
	"github.com/ashureev/outreach/internal/workflow"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCHealthPort  string
	FrontendURL     string
	DBPath          string
	AgentServiceURL string

	// Workflow timing.
	DiscoveryBudget  time.Duration
	TemplateDeadline time.Duration
	ApprovalDeadline time.Duration
	AutoContinue     bool
	PacingInterval   time.Duration

	// Default retry policy; STAGE_POLICY_FILE overrides it per stage.
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	StagePolicyFile  string

	SnapshotInterval time.Duration
	IdleTTL          time.Duration
	EventQueueSize   int
	EventReplaySize  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	def := workflow.DefaultConfig()
	policy := healing.DefaultPolicy()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		GRPCHealthPort:   getEnv("GRPC_HEALTH_PORT", "9090"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/outreach.db"),
		AgentServiceURL:  getEnv("AGENT_SERVICE_URL", "http://localhost:8000"),
		DiscoveryBudget:  getEnvDuration("DISCOVERY_BUDGET", def.DiscoveryBudget),
		TemplateDeadline: getEnvDuration("TEMPLATE_DEADLINE", def.TemplateDeadline),
		ApprovalDeadline: getEnvDuration("APPROVAL_DEADLINE", def.ApprovalDeadline),
		AutoContinue:     getEnvBool("AUTO_CONTINUE", def.AutoContinue),
		PacingInterval:   getEnvDuration("PACING_INTERVAL", def.PacingInterval),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", policy.BaseDelay),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", policy.MaxDelay),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", policy.MaxRetries),
		StagePolicyFile:  getEnv("STAGE_POLICY_FILE", ""),
		SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", 30*time.Second),
		IdleTTL:          getEnvDuration("IDLE_TTL", 30*time.Minute),
		EventQueueSize:   getEnvInt("EVENT_QUEUE_SIZE", 1024),
		EventReplaySize:  getEnvInt("EVENT_REPLAY_SIZE", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if u, err := url.Parse(c.AgentServiceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("AGENT_SERVICE_URL %q must be an http(s) url", c.AgentServiceURL))
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"DISCOVERY_BUDGET", c.DiscoveryBudget},
		{"TEMPLATE_DEADLINE", c.TemplateDeadline},
		{"APPROVAL_DEADLINE", c.ApprovalDeadline},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay},
		{"SNAPSHOT_INTERVAL", c.SnapshotInterval},
		{"IDLE_TTL", c.IdleTTL},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.name))
		}
	}
	if c.PacingInterval < 0 {
		errs = append(errs, errors.New("PACING_INTERVAL cannot be negative"))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY"))
	}
	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be > 0"))
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, errors.New("EVENT_QUEUE_SIZE must be > 0"))
	}
	if c.EventReplaySize <= 0 {
		errs = append(errs, errors.New("EVENT_REPLAY_SIZE must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Workflow returns the per-campaign workflow settings.
func (c *Config) Workflow() workflow.Config {
	return workflow.Config{
		DiscoveryBudget:  c.DiscoveryBudget,
		TemplateDeadline: c.TemplateDeadline,
		ApprovalDeadline: c.ApprovalDeadline,
		AutoContinue:     c.AutoContinue,
		PacingInterval:   c.PacingInterval,
		SampleCandidates: workflow.DefaultConfig().SampleCandidates,
	}
}

// RetryPolicy returns the retry policy for stages the policy file does not name.
func (c *Config) RetryPolicy() healing.Policy {
	return healing.Policy{
		MaxRetries: c.RetryMaxAttempts,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
