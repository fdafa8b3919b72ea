package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ThresholdCheck is one ordered capacity check the risk monitor evaluates.
type ThresholdCheck struct {
	Metric   string  `yaml:"metric"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	Unit     string  `yaml:"unit"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events,omitempty"`
}

type MonitorConfig struct {
	// Checks run in order; order is the documented tie-break for
	// simultaneous triggers of equal severity.
	Checks              []ThresholdCheck `yaml:"checks"`
	EscalationThreshold float64          `yaml:"escalation_threshold"`
	EscalationCritical  float64          `yaml:"escalation_critical"`
	ProviderTimeoutSecs int              `yaml:"provider_timeout_seconds"`
}

type RetrievalConfig struct {
	TopK                int     `yaml:"top_k"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	DenseWeight         float64 `yaml:"dense_weight"`
	Mode                string  `yaml:"mode"`
}

type PlannerConfig struct {
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_seconds"`
}

type GuardrailConfig struct {
	DeniedActions  []string `yaml:"denied_actions"`
	SafetyPatterns []string `yaml:"safety_patterns"`
}

type WorkflowConfig struct {
	ProviderRetries int `yaml:"provider_retries"`
}

// Config models careline.yml.
type Config struct {
	Monitor   MonitorConfig   `yaml:"monitor"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Planner   PlannerConfig   `yaml:"planner"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".careline", "careline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in policy: thresholds from the hospital capacity
// playbook and the standard denylist.
func Default() *Config {
	cfg := &Config{}
	cfg.Monitor.Checks = []ThresholdCheck{
		{Metric: "icu_occupancy", Warning: 80, Critical: 90, Unit: "%"},
		{Metric: "er_arrival_rate", Warning: 18, Critical: 25, Unit: "patients/hr"},
		{Metric: "ward_occupancy", Warning: 85, Critical: 95, Unit: "%"},
	}
	cfg.Monitor.EscalationThreshold = 70
	cfg.Monitor.EscalationCritical = 85
	cfg.Monitor.ProviderTimeoutSecs = 5
	cfg.Retrieval.TopK = 3
	cfg.Retrieval.ConfidenceThreshold = 0.4
	cfg.Retrieval.DenseWeight = 0.7
	cfg.Retrieval.Mode = "hybrid"
	cfg.Planner.BaseURL = "http://localhost:11434"
	cfg.Planner.Model = "llama3.2:1b"
	cfg.Planner.TimeoutSecs = 60
	cfg.Guardrail.DeniedActions = []string{
		"discharge against medical advice",
		"administer unapproved medication",
		"override physician order",
		"disable monitoring",
	}
	cfg.Guardrail.SafetyPatterns = []string{
		"ignore protocol",
		"skip assessment",
		"without consent",
	}
	cfg.Workflow.ProviderRetries = 1
	return cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Monitor.Checks) == 0 {
		return fmt.Errorf("config.monitor.checks is required")
	}
	for i, check := range c.Monitor.Checks {
		if check.Metric == "" {
			return fmt.Errorf("config.monitor.checks[%d].metric is required", i)
		}
		if check.Critical < check.Warning {
			return fmt.Errorf("config.monitor.checks[%d]: critical %.1f below warning %.1f", i, check.Critical, check.Warning)
		}
	}
	if c.Monitor.EscalationCritical < c.Monitor.EscalationThreshold {
		return fmt.Errorf("config.monitor.escalation_critical below escalation_threshold")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("config.retrieval.top_k must be positive")
	}
	if c.Retrieval.ConfidenceThreshold < 0 || c.Retrieval.ConfidenceThreshold > 1 {
		return fmt.Errorf("config.retrieval.confidence_threshold must be in [0,1]")
	}
	if c.Retrieval.DenseWeight < 0 || c.Retrieval.DenseWeight > 1 {
		return fmt.Errorf("config.retrieval.dense_weight must be in [0,1]")
	}
	switch c.Retrieval.Mode {
	case "dense", "keyword", "hybrid":
	default:
		return fmt.Errorf("config.retrieval.mode must be dense, keyword or hybrid")
	}
	if c.Planner.TimeoutSecs <= 0 {
		return fmt.Errorf("config.planner.timeout_seconds must be positive")
	}
	if c.Workflow.ProviderRetries < 0 {
		return fmt.Errorf("config.workflow.provider_retries must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ToYAML serializes the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// PlannerTimeout returns the planning-step timeout as a duration.
func (c *Config) PlannerTimeout() time.Duration {
	return time.Duration(c.Planner.TimeoutSecs) * time.Second
}

// MonitorTimeout returns the forecast-provider timeout as a duration.
func (c *Config) MonitorTimeout() time.Duration {
	return time.Duration(c.Monitor.ProviderTimeoutSecs) * time.Second
}
