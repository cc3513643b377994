// Package profile defines provider profiles, the role assignment table, and
// the read contract the gateway consumes.
//
// A Profile is one configured model backend: which provider kind to speak,
// which credentials and endpoint, which model and generation parameters.
// Assignments bind each pipeline role to the profile that serves it. The
// gateway only ever reads this data; administrative writes go through the
// concrete store implementations (inmem, features/profile/mongo).
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Profile describes one configured model backend. Profiles are
	// identified by an opaque id and never mutated in place by readers.
	Profile struct {
		// ID is the opaque identifier, UUID for store-generated profiles.
		ID string
		// Name is the human-facing label.
		Name string
		// Kind selects the provider adapter.
		Kind Kind
		// Credential is the API key or token for the backend.
		Credential string
		// BaseURL overrides the kind's preset endpoint when set. Required
		// for KindCustom, which has no preset.
		BaseURL string
		// Model is the provider-specific model identifier.
		Model string
		// Temperature is the default sampling temperature for calls served
		// by this profile.
		Temperature float64
		// MaxTokens is the default completion token cap. Zero keeps the
		// provider default.
		MaxTokens int
		// CreatedAt records when the profile was created.
		CreatedAt time.Time
		// UpdatedAt records the last administrative write.
		UpdatedAt time.Time
	}

	// Kind names a provider adapter family.
	Kind string

	// Role names one pipeline step. Roles are the keys of the assignment
	// table.
	Role string

	// Assignments maps each pipeline role to the profile id serving it.
	// Unassigned roles are simply absent.
	Assignments map[Role]string

	// Store is the read contract the gateway consumes. Implementations must
	// be safe for concurrent use.
	Store interface {
		// ListProfiles returns all profiles.
		ListProfiles(ctx context.Context) ([]Profile, error)
		// GetProfile returns the profile with the given id.
		// Returns ErrNotFound when absent.
		GetProfile(ctx context.Context, id string) (Profile, error)
		// Assignments returns the current role assignment table.
		Assignments(ctx context.Context) (Assignments, error)
	}
)

const (
	// KindOpenAI is the OpenAI platform.
	KindOpenAI Kind = "openai"
	// KindAnthropic is the Anthropic Messages API.
	KindAnthropic Kind = "anthropic"
	// KindDeepSeek is DeepSeek's OpenAI-compatible endpoint.
	KindDeepSeek Kind = "deepseek"
	// KindGLM is Zhipu's BigModel OpenAI-compatible endpoint.
	KindGLM Kind = "glm"
	// KindQwen is Alibaba's DashScope OpenAI-compatible endpoint.
	KindQwen Kind = "qwen"
	// KindKimi is Moonshot's OpenAI-compatible endpoint.
	KindKimi Kind = "kimi"
	// KindGrok is xAI's OpenAI-compatible endpoint.
	KindGrok Kind = "grok"
	// KindGemini is Google's OpenAI-compatible endpoint.
	KindGemini Kind = "gemini"
	// KindCustom is any OpenAI-compatible endpoint supplied via BaseURL,
	// typically a local model server.
	KindCustom Kind = "custom"
	// KindMock is the offline canned provider. It needs no credentials and
	// reports zero usage.
	KindMock Kind = "mock"
)

const (
	// RoleArchivist compiles reference material and briefs.
	RoleArchivist Role = "archivist"
	// RoleWriter produces the draft.
	RoleWriter Role = "writer"
	// RoleReviewer critiques the draft.
	RoleReviewer Role = "reviewer"
	// RoleEditor revises the draft from review notes and user feedback.
	RoleEditor Role = "editor"
)

// ErrNotFound indicates the requested profile does not exist in the store.
var ErrNotFound = errors.New("profile not found")

// Valid reports whether k names a known provider kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOpenAI, KindAnthropic, KindDeepSeek, KindGLM, KindQwen,
		KindKimi, KindGrok, KindGemini, KindCustom, KindMock:
		return true
	}
	return false
}

// Valid reports whether r names a pipeline role.
func (r Role) Valid() bool {
	switch r {
	case RoleArchivist, RoleWriter, RoleReviewer, RoleEditor:
		return true
	}
	return false
}

// Roles returns the pipeline roles in execution order.
func Roles() []Role {
	return []Role{RoleArchivist, RoleWriter, RoleReviewer, RoleEditor}
}

// Validate checks the fields every store requires before persisting.
func (p Profile) Validate() error {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	if p.Model == "" {
		return errors.New("profile model is required")
	}
	if p.Kind == KindCustom && p.BaseURL == "" {
		return errors.New("custom profiles require a base URL")
	}
	return nil
}

// Clone returns a copy of the assignment table.
func (a Assignments) Clone() Assignments {
	if a == nil {
		return nil
	}
	out := make(Assignments, len(a))
	for role, id := range a {
		out[role] = id
	}
	return out
}
