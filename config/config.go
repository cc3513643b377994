// Package config loads the atelier configuration file. A single YAML document
// describes the pipeline limits, retry schedule, optional Redis and MongoDB
// backends, and the provider profiles seeded into the profile store. Omitted
// scalar fields fall back to the offline demo defaults; explicitly invalid
// values are rejected.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atelier-ai/atelier/runtime/budget"
	"github.com/atelier-ai/atelier/runtime/profile"
	"github.com/atelier-ai/atelier/runtime/retry"
)

// ExampleYAML is the annotated starter configuration written by
// `atelier -init-config`. It mirrors Default().
const ExampleYAML = `# atelier configuration
offline: true
max_iterations: 5

budget:
  total_tokens: 128000
  # Per-category caps as fractions of total_tokens. Omit to use the built-in
  # allocation.
  # fractions:
  #   current_draft: 0.30

retry:
  max_retries: 3
  delays: [1s, 2s, 4s]
  max_delay: 30s

# Leave addr empty to keep progress notifications on the log sink.
redis:
  addr: ""
  password: ""

# Leave uri empty to keep profiles in memory.
mongo:
  uri: ""
  database: atelier

profiles:
  - id: mock-default
    name: Offline mock
    kind: mock
    model: mock

assignments:
  archivist: mock-default
  writer: mock-default
  reviewer: mock-default
  editor: mock-default
`

const demoProfileID = "mock-default"

type (
	// Config models the atelier configuration file.
	Config struct {
		// Offline disables real provider calls; the demo pipeline runs entirely
		// against the structural mock.
		Offline bool `yaml:"offline"`
		// MaxIterations bounds review/edit cycles per chapter.
		MaxIterations int `yaml:"max_iterations"`
		// Budget partitions the context window across prompt categories.
		Budget BudgetConfig `yaml:"budget"`
		// Retry is the gateway backoff schedule.
		Retry RetryConfig `yaml:"retry"`
		// Redis enables the Pulse progress stream when Addr is set.
		Redis RedisConfig `yaml:"redis"`
		// Mongo enables the durable profile store when URI is set.
		Mongo MongoConfig `yaml:"mongo"`
		// Profiles are seeded into the profile store at startup.
		Profiles []ProfileConfig `yaml:"profiles"`
		// Assignments maps pipeline roles to profile IDs.
		Assignments map[string]string `yaml:"assignments"`
	}

	// BudgetConfig configures the context budgeter.
	BudgetConfig struct {
		TotalTokens int `yaml:"total_tokens"`
		// Fractions overrides the per-category allocation. Empty uses the
		// built-in defaults.
		Fractions map[string]float64 `yaml:"fractions,omitempty"`
	}

	// RetryConfig configures the gateway retry executor.
	RetryConfig struct {
		MaxRetries int        `yaml:"max_retries"`
		Delays     []Duration `yaml:"delays,omitempty"`
		MaxDelay   Duration   `yaml:"max_delay,omitempty"`
	}

	// RedisConfig connects the progress stream. An empty Addr keeps
	// notifications on the log sink.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password,omitempty"`
	}

	// MongoConfig connects the durable profile store. An empty URI keeps
	// profiles in memory.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// ProfileConfig declares one provider profile entry.
	ProfileConfig struct {
		ID          string  `yaml:"id"`
		Name        string  `yaml:"name,omitempty"`
		Kind        string  `yaml:"kind"`
		Credential  string  `yaml:"credential,omitempty"`
		BaseURL     string  `yaml:"base_url,omitempty"`
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature,omitempty"`
		MaxTokens   int     `yaml:"max_tokens,omitempty"`
	}
)

// Duration wraps time.Duration so YAML values can use forms like "1s" or
// "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the offline demo configuration: a single mock profile
// assigned to every role, standard limits, no external backends.
func Default() Config {
	assignments := make(map[string]string, len(profile.Roles()))
	for _, r := range profile.Roles() {
		assignments[string(r)] = demoProfileID
	}
	return Config{
		Offline:       true,
		MaxIterations: 5,
		Budget:        BudgetConfig{TotalTokens: 128000},
		Retry: RetryConfig{
			MaxRetries: 3,
			Delays:     []Duration{Duration(time.Second), Duration(2 * time.Second), Duration(4 * time.Second)},
			MaxDelay:   Duration(30 * time.Second),
		},
		Mongo: MongoConfig{Database: "atelier"},
		Profiles: []ProfileConfig{{
			ID:    demoProfileID,
			Name:  "Offline mock",
			Kind:  string(profile.KindMock),
			Model: "mock",
		}},
		Assignments: assignments,
	}
}

// Load reads and parses the configuration file at path, applies defaults for
// omitted scalar fields, and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// WriteExample writes the annotated starter configuration to path. It refuses
// to overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	return os.WriteFile(path, []byte(ExampleYAML), 0644)
}

// applyDefaults fills omitted scalar fields. Only zero values are touched so
// that explicitly invalid input still reaches validate.
func (c *Config) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 5
	}
	if c.Budget.TotalTokens == 0 {
		c.Budget.TotalTokens = 128000
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if len(c.Retry.Delays) == 0 {
		c.Retry.Delays = []Duration{Duration(time.Second), Duration(2 * time.Second), Duration(4 * time.Second)}
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = Duration(30 * time.Second)
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "atelier"
	}
}

func (c *Config) validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.Budget.TotalTokens < 1 {
		return fmt.Errorf("budget.total_tokens must be positive")
	}
	for category, frac := range c.Budget.Fractions {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("budget.fractions[%s] must be within [0,1]", category)
		}
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be positive")
	}
	for i, d := range c.Retry.Delays {
		if d < 0 {
			return fmt.Errorf("retry.delays[%d] must not be negative", i)
		}
	}
	if c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry.max_delay must not be negative")
	}
	ids := make(map[string]bool, len(c.Profiles))
	for i, pc := range c.Profiles {
		p := pc.Profile()
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profiles[%d]: %w", i, err)
		}
		if ids[p.ID] {
			return fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID)
		}
		ids[p.ID] = true
	}
	for role, id := range c.Assignments {
		if !profile.Role(role).Valid() {
			return fmt.Errorf("unknown role %q", role)
		}
		if id == "" {
			return fmt.Errorf("assignment for %s has no profile id", role)
		}
		if !ids[id] {
			return fmt.Errorf("assignment for %s references unknown profile %s", role, id)
		}
	}
	return nil
}

// Profile converts the entry into a store record. Timestamps are left zero;
// the store stamps them at seed time.
func (pc ProfileConfig) Profile() profile.Profile {
	return profile.Profile{
		ID:          pc.ID,
		Name:        pc.Name,
		Kind:        profile.Kind(pc.Kind),
		Credential:  pc.Credential,
		BaseURL:     pc.BaseURL,
		Model:       pc.Model,
		Temperature: pc.Temperature,
		MaxTokens:   pc.MaxTokens,
	}
}

// SeedProfiles converts the profiles section into store records.
func (c Config) SeedProfiles() []profile.Profile {
	out := make([]profile.Profile, 0, len(c.Profiles))
	for _, pc := range c.Profiles {
		out = append(out, pc.Profile())
	}
	return out
}

// SeedAssignments converts the assignments section into the role table.
func (c Config) SeedAssignments() profile.Assignments {
	out := make(profile.Assignments, len(c.Assignments))
	for role, id := range c.Assignments {
		out[profile.Role(role)] = id
	}
	return out
}

// RetryPolicy converts the retry section into the executor's policy.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		MaxDelay:   c.Retry.MaxDelay.Std(),
	}
	for _, d := range c.Retry.Delays {
		p.Delays = append(p.Delays, d.Std())
	}
	return p
}

// Budgeter builds the context budgeter from the budget section.
func (c Config) Budgeter() *budget.Budgeter {
	fractions := c.Budget.Fractions
	if len(fractions) == 0 {
		fractions = nil
	}
	return budget.New(c.Budget.TotalTokens, fractions)
}
