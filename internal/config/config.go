// Package config loads the panel configuration. Precedence is defaults, then
// the YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/budget"
	"multiai-chat/internal/digest"
	"multiai-chat/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PANEL"

// Config is the complete panel configuration.
type Config struct {
	Backends     map[domain.BackendID]BackendConfig `yaml:"backends"`
	Digest       DigestConfig                       `yaml:"digest"`
	Metrics      MetricsConfig                      `yaml:"metrics"`
	HistoryLimit int                                `yaml:"history_limit"`
	LogLevel     string                             `yaml:"log_level"`
}

// BackendConfig describes one backend. Zero fields fall back to the built-in
// catalog and adapter defaults.
type BackendConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	DisplayName   string        `yaml:"display_name"`
	Budget        int           `yaml:"budget"`
	Timeout       time.Duration `yaml:"timeout"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	Models        []string      `yaml:"models"`
	BaseURL       string        `yaml:"base_url"`
	Secret        string        `yaml:"secret"`
	MaxTokens     int           `yaml:"max_tokens"`
	// AttemptTimeout and RetryDelay tune adapters that retry on timeout.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	// RateLimit is requests per second; zero disables pacing.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// IsEnabled reports whether the backend should be registered.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// DigestConfig tunes the conversation digest.
type DigestConfig struct {
	Ceiling         int `yaml:"ceiling"`
	RefreshInterval int `yaml:"refresh_interval"`
}

// MetricsConfig tunes the metrics collector.
type MetricsConfig struct {
	Capacity      int    `yaml:"capacity"`
	SnapshotEvery int    `yaml:"snapshot_every"`
	Namespace     string `yaml:"namespace"`
}

// Default returns the built-in configuration: every catalog backend enabled
// with its default budget and timeout.
func Default() *Config {
	cfg := &Config{
		Backends: make(map[domain.BackendID]BackendConfig, len(backend.Order)),
		Digest: DigestConfig{
			Ceiling:         digest.DefaultCeiling,
			RefreshInterval: digest.DefaultRefreshInterval,
		},
		Metrics: MetricsConfig{
			Capacity:      100,
			SnapshotEvery: 25,
			Namespace:     "panel",
		},
		HistoryLimit: 50,
		LogLevel:     "info",
	}
	for _, id := range backend.Order {
		info, _ := backend.Known(id)
		b := BackendConfig{
			DisplayName: info.DisplayName,
			Timeout:     info.Timeout,
			Secret:      info.SecretName,
		}
		if n, ok := budget.DefaultBudgets[id]; ok {
			b.Budget = n
		}
		cfg.Backends[id] = b
	}
	return cfg
}

// Loader builds a Config.
type Loader struct {
	path   string
	lookup func(string) (string, bool)
}

// NewLoader creates a Loader with no file and no environment.
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnv sets the environment lookup, usually os.LookupEnv.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookup = lookup
	return l
}

// Load assembles and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	if l.path != "" {
		if err := loadFile(cfg, l.path); err != nil {
			return nil, err
		}
	}
	if l.lookup != nil {
		if err := applyEnv(cfg, l.lookup); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(cfg, data)
}

// Parse merges YAML data into cfg. Backends named in data are merged field by
// field over the existing entry.
func Parse(cfg *Config, data []byte) error {
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	for id, b := range file.Backends {
		cfg.Backends[id] = merge(cfg.Backends[id], b)
	}
	if file.Digest.Ceiling > 0 {
		cfg.Digest.Ceiling = file.Digest.Ceiling
	}
	if file.Digest.RefreshInterval > 0 {
		cfg.Digest.RefreshInterval = file.Digest.RefreshInterval
	}
	if file.Metrics.Capacity > 0 {
		cfg.Metrics.Capacity = file.Metrics.Capacity
	}
	if file.Metrics.SnapshotEvery > 0 {
		cfg.Metrics.SnapshotEvery = file.Metrics.SnapshotEvery
	}
	if file.Metrics.Namespace != "" {
		cfg.Metrics.Namespace = file.Metrics.Namespace
	}
	if file.HistoryLimit > 0 {
		cfg.HistoryLimit = file.HistoryLimit
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	return nil
}

func merge(base, over BackendConfig) BackendConfig {
	if over.Enabled != nil {
		base.Enabled = over.Enabled
	}
	if over.DisplayName != "" {
		base.DisplayName = over.DisplayName
	}
	if over.Budget > 0 {
		base.Budget = over.Budget
	}
	if over.Timeout > 0 {
		base.Timeout = over.Timeout
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.FallbackModel != "" {
		base.FallbackModel = over.FallbackModel
	}
	if len(over.Models) > 0 {
		base.Models = over.Models
	}
	if over.BaseURL != "" {
		base.BaseURL = over.BaseURL
	}
	if over.Secret != "" {
		base.Secret = over.Secret
	}
	if over.MaxTokens > 0 {
		base.MaxTokens = over.MaxTokens
	}
	if over.AttemptTimeout > 0 {
		base.AttemptTimeout = over.AttemptTimeout
	}
	if over.RetryDelay > 0 {
		base.RetryDelay = over.RetryDelay
	}
	if over.RateLimit > 0 {
		base.RateLimit = over.RateLimit
	}
	if over.Burst > 0 {
		base.Burst = over.Burst
	}
	return base
}

// applyEnv reads PANEL_HISTORY_LIMIT, PANEL_LOG_LEVEL, PANEL_DIGEST_CEILING
// and per-backend PANEL_<ID>_{ENABLED,MODEL,BASE_URL,TIMEOUT,BUDGET}.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + "_" + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("HISTORY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s_HISTORY_LIMIT: %w", EnvPrefix, err)
		}
		cfg.HistoryLimit = n
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := get("DIGEST_CEILING"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s_DIGEST_CEILING: %w", EnvPrefix, err)
		}
		cfg.Digest.Ceiling = n
	}

	for id, b := range cfg.Backends {
		key := strings.ToUpper(string(id)) + "_"
		if v, ok := get(key + "ENABLED"); ok {
			on, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: %s_%sENABLED: %w", EnvPrefix, key, err)
			}
			b.Enabled = &on
		}
		if v, ok := get(key + "MODEL"); ok {
			b.Model = v
		}
		if v, ok := get(key + "BASE_URL"); ok {
			b.BaseURL = v
		}
		if v, ok := get(key + "TIMEOUT"); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s_%sTIMEOUT: %w", EnvPrefix, key, err)
			}
			b.Timeout = d
		}
		if v, ok := get(key + "BUDGET"); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s_%sBUDGET: %w", EnvPrefix, key, err)
			}
			b.Budget = n
		}
		cfg.Backends[id] = b
	}
	return nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history_limit must be positive"))
	}
	if c.Digest.Ceiling <= 0 {
		errs = append(errs, errors.New("digest.ceiling must be positive"))
	}
	if c.Digest.RefreshInterval <= 0 {
		errs = append(errs, errors.New("digest.refresh_interval must be positive"))
	}
	for _, id := range sortedIDs(c.Backends) {
		b := c.Backends[id]
		if b.Budget < 0 {
			errs = append(errs, fmt.Errorf("backends.%s.budget must not be negative", id))
		}
		if b.Timeout < 0 {
			errs = append(errs, fmt.Errorf("backends.%s.timeout must not be negative", id))
		}
		if b.AttemptTimeout < 0 || b.RetryDelay < 0 {
			errs = append(errs, fmt.Errorf("backends.%s.attempt_timeout and retry_delay must not be negative", id))
		}
		if b.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("backends.%s.rate_limit must not be negative", id))
		}
	}
	if len(c.Enabled()) == 0 {
		errs = append(errs, errors.New("no backend enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Enabled returns the enabled backends, catalog backends first in canonical
// order.
func (c *Config) Enabled() []domain.BackendID {
	var out []domain.BackendID
	seen := make(map[domain.BackendID]bool)
	for _, id := range backend.Order {
		seen[id] = true
		if b, ok := c.Backends[id]; ok && b.IsEnabled() {
			out = append(out, id)
		}
	}
	for _, id := range sortedIDs(c.Backends) {
		if !seen[id] && c.Backends[id].IsEnabled() {
			out = append(out, id)
		}
	}
	return out
}

// Budgets returns the configured per-backend token budgets.
func (c *Config) Budgets() map[domain.BackendID]int {
	out := make(map[domain.BackendID]int, len(c.Backends))
	for id, b := range c.Backends {
		if b.Budget > 0 {
			out[id] = b.Budget
		}
	}
	return out
}

// Info returns the registry description of id.
func (c *Config) Info(id domain.BackendID) backend.Info {
	info, _ := backend.Known(id)
	info.ID = id
	b := c.Backends[id]
	if b.DisplayName != "" {
		info.DisplayName = b.DisplayName
	}
	if b.Timeout > 0 {
		info.Timeout = b.Timeout
	}
	if b.Secret != "" {
		info.SecretName = b.Secret
	}
	return info
}

func sortedIDs(m map[domain.BackendID]BackendConfig) []domain.BackendID {
	ids := make([]domain.BackendID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
