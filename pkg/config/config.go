// Package config loads sextant settings from YAML, .env files and
// SEXTANT_* environment variables, in that order of precedence (lowest
// first).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sameehj/sextant/pkg/isr"
	"github.com/sameehj/sextant/pkg/retry"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Audit    AuditConfig    `yaml:"audit"`
	Probe    ProbeConfig    `yaml:"probe"`
	Decision DecisionConfig `yaml:"decision"`
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// AuditConfig carries the auditor knobs plus the permutation strategy.
type AuditConfig struct {
	isr.Config `yaml:",inline"`
	Strategy   string `yaml:"strategy" validate:"oneof=marker chunks"`
}

type ProbeConfig struct {
	Provider  string   `yaml:"provider" validate:"oneof=openai ollama"`
	Model     string   `yaml:"model"`
	BaseURL   string   `yaml:"base_url" validate:"omitempty,url"`
	TopK      int      `yaml:"top_k" validate:"gte=5,lte=20"`
	YesTokens []string `yaml:"yes_tokens" validate:"dive,required"`
}

// DecisionConfig selects the decision source. Retry applies to the model
// source's chat calls.
type DecisionConfig struct {
	Source    string       `yaml:"source" validate:"oneof=rules model"`
	RulesPath string       `yaml:"rules_path" validate:"required_if=Source rules"`
	Watch     bool         `yaml:"watch"`
	Retry     retry.Policy `yaml:"retry"`
}

type AgentConfig struct {
	Provider      string        `yaml:"provider" validate:"oneof=openai anthropic"`
	Model         string        `yaml:"model"`
	BaseURL       string        `yaml:"base_url" validate:"omitempty,url"`
	MaxIterations int           `yaml:"max_iterations" validate:"gte=1,lte=100"`
	CallTimeout   time.Duration `yaml:"call_timeout" validate:"gte=0"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

var validate = validator.New()

// Default returns the settings used when no file or environment overrides
// are present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Log:   LogConfig{Level: "info", Format: "json"},
		Audit: AuditConfig{Config: isr.DefaultConfig(), Strategy: "marker"},
		Probe: ProbeConfig{Provider: "openai", TopK: 5},
		Decision: DecisionConfig{
			Source:    "rules",
			RulesPath: "configs/credit-rules.yaml",
			Retry:     retry.DefaultPolicy(),
		},
		Agent:  AgentConfig{Provider: "openai", MaxIterations: 20, CallTimeout: 90 * time.Second},
		Server: ServerConfig{Addr: "127.0.0.1:8088"},
		Store:  StoreConfig{Enabled: true, Dir: filepath.Join(home, ".sextant")},
	}
}

// LoadConfig applies the YAML file at path (if path is non-empty) and the
// environment on top of Default, then validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags first, then the auditor's own ranges.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return c.Audit.Config.Validate()
}

// aliases maps alternate names accepted by isr.StrategyByName and
// decision.NewSource onto the canonical ones.
var aliases = map[string]string{
	"chunk-shuffle": "chunks",
	"mock":          "rules",
	"llm":           "model",
}

func (c *Config) normalize() {
	for _, field := range []*string{&c.Audit.Strategy, &c.Decision.Source} {
		if canon, ok := aliases[*field]; ok {
			*field = canon
		}
	}
}

// LoadDotEnv loads dir/.env if present. Variables already set win.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// DefaultConfigPath returns the default location for the config file.
func DefaultConfigPath() string {
	if path := os.Getenv("SEXTANT_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sextant", "config.yaml")
}

// ResolvePath returns flagPath when set, else the default path when that
// file exists, else "".
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"SEXTANT_LOG_LEVEL":       &cfg.Log.Level,
		"SEXTANT_LOG_FORMAT":      &cfg.Log.Format,
		"SEXTANT_STRATEGY":        &cfg.Audit.Strategy,
		"SEXTANT_PROBE_PROVIDER":  &cfg.Probe.Provider,
		"SEXTANT_PROBE_MODEL":     &cfg.Probe.Model,
		"SEXTANT_PROBE_BASE_URL":  &cfg.Probe.BaseURL,
		"SEXTANT_DECISION_SOURCE": &cfg.Decision.Source,
		"SEXTANT_RULES_PATH":      &cfg.Decision.RulesPath,
		"SEXTANT_AGENT_PROVIDER":  &cfg.Agent.Provider,
		"SEXTANT_AGENT_MODEL":     &cfg.Agent.Model,
		"SEXTANT_AGENT_BASE_URL":  &cfg.Agent.BaseURL,
		"SEXTANT_SERVER_ADDR":     &cfg.Server.Addr,
		"SEXTANT_STORE_DIR":       &cfg.Store.Dir,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	floats := map[string]*float64{
		"SEXTANT_TARGET_CONFIDENCE":   &cfg.Audit.TargetConfidence,
		"SEXTANT_HARD_VETO_THRESHOLD": &cfg.Audit.HardVetoThreshold,
		"SEXTANT_CLIPPING_BOUND":      &cfg.Audit.ClippingBound,
	}
	for key, dst := range floats {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
	}

	ints := map[string]*int{
		"SEXTANT_PERMUTATIONS": &cfg.Audit.Permutations,
		"SEXTANT_PARALLELISM":  &cfg.Audit.Parallelism,
		"SEXTANT_MAX_RETRIES":  &cfg.Decision.Retry.MaxRetries,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("SEXTANT_PROBE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SEXTANT_PROBE_TIMEOUT: %w", err)
		}
		cfg.Audit.ProbeTimeout = d
	}
	if v := os.Getenv("SEXTANT_STORE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SEXTANT_STORE_ENABLED: %w", err)
		}
		cfg.Store.Enabled = b
	}
	return nil
}
