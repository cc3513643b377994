package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/runtime/profile"
	"github.com/atelier-ai/atelier/runtime/retry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atelier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.validate())

	assert.True(t, cfg.Offline)
	assert.Equal(t, 5, cfg.MaxIterations)
	assert.Equal(t, retry.DefaultPolicy(), cfg.RetryPolicy())
	assert.Equal(t, 128000, cfg.Budgeter().Total())

	profiles := cfg.SeedProfiles()
	require.Len(t, profiles, 1)
	assert.Equal(t, profile.KindMock, profiles[0].Kind)

	assignments := cfg.SeedAssignments()
	for _, role := range profile.Roles() {
		assert.Equal(t, "mock-default", assignments[role])
	}
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
offline: false
max_iterations: 3
budget:
  total_tokens: 64000
  fractions:
    current_draft: 0.4
    summaries: 0.2
retry:
  max_retries: 2
  delays: [500ms, 1s]
  max_delay: 10s
redis:
  addr: localhost:6379
  password: hunter2
mongo:
  uri: mongodb://localhost:27017
  database: atelier_test
profiles:
  - id: claude
    name: Claude
    kind: anthropic
    credential: sk-ant-test
    model: claude-3-5-sonnet-20241022
    temperature: 0.7
    max_tokens: 4096
  - id: deepseek
    kind: deepseek
    credential: sk-ds
    model: deepseek-chat
assignments:
  writer: claude
  reviewer: deepseek
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Offline)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.Equal(t, retry.Policy{
		MaxRetries: 2,
		Delays:     []time.Duration{500 * time.Millisecond, time.Second},
		MaxDelay:   10 * time.Second,
	}, cfg.RetryPolicy())
	assert.Equal(t, 64000, cfg.Budgeter().Total())
	assert.Equal(t, 0.4, cfg.Budget.Fractions["current_draft"])
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "atelier_test", cfg.Mongo.Database)

	profiles := cfg.SeedProfiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, profile.KindAnthropic, profiles[0].Kind)
	assert.Equal(t, 0.7, profiles[0].Temperature)
	assert.Equal(t, profile.KindDeepSeek, profiles[1].Kind)

	assignments := cfg.SeedAssignments()
	require.Len(t, assignments, 2)
	assert.Equal(t, "claude", assignments[profile.RoleWriter])
	assert.Equal(t, "deepseek", assignments[profile.RoleReviewer])
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
profiles:
  - id: mock
    kind: mock
    model: mock
assignments:
  writer: mock
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Offline is opt-in: a config that omits it gets real provider calls.
	assert.False(t, cfg.Offline)
	assert.Equal(t, 5, cfg.MaxIterations)
	assert.Equal(t, retry.DefaultPolicy(), cfg.RetryPolicy())
	assert.Equal(t, 128000, cfg.Budgeter().Total())
	assert.Equal(t, "atelier", cfg.Mongo.Database)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read")
}

func TestLoadMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "profiles: ["))
	require.ErrorContains(t, err, "parse")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown provider kind",
			body: "profiles:\n  - id: p1\n    kind: carrier-pigeon\n    model: m\n",
			want: "unknown provider kind",
		},
		{
			name: "fraction above one",
			body: "budget:\n  fractions:\n    cards: 1.5\n",
			want: "within [0,1]",
		},
		{
			name: "negative fraction",
			body: "budget:\n  fractions:\n    cards: -0.1\n",
			want: "within [0,1]",
		},
		{
			name: "negative total tokens",
			body: "budget:\n  total_tokens: -1\n",
			want: "budget.total_tokens must be positive",
		},
		{
			name: "negative iterations",
			body: "max_iterations: -2\n",
			want: "max_iterations must be positive",
		},
		{
			name: "negative delay",
			body: "retry:\n  delays: [-1s]\n",
			want: "must not be negative",
		},
		{
			name: "unknown role",
			body: "profiles:\n  - id: mock\n    kind: mock\n    model: m\nassignments:\n  stenographer: mock\n",
			want: `unknown role "stenographer"`,
		},
		{
			name: "unknown assignment target",
			body: "profiles:\n  - id: mock\n    kind: mock\n    model: m\nassignments:\n  writer: ghost\n",
			want: "references unknown profile ghost",
		},
		{
			name: "empty assignment target",
			body: "profiles:\n  - id: mock\n    kind: mock\n    model: m\nassignments:\n  writer: \"\"\n",
			want: "has no profile id",
		},
		{
			name: "duplicate profile id",
			body: "profiles:\n  - id: mock\n    kind: mock\n    model: m\n  - id: mock\n    kind: mock\n    model: m\n",
			want: `duplicate id "mock"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.body))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "retry:\n  max_delay: fast\n"))
	require.ErrorContains(t, err, `invalid duration "fast"`)
}

func TestWriteExample(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "atelier.yaml")
	require.NoError(t, WriteExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Offline)
	assert.Equal(t, Default().SeedAssignments(), cfg.SeedAssignments())

	require.EqualError(t, WriteExample(path), "config: "+path+" already exists")
}
