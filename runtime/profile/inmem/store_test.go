package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/runtime/profile"
)

func TestCreateGetProfile(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateProfile(ctx, profile.Profile{
		Name:        "main writer",
		Kind:        profile.KindOpenAI,
		Credential:  "sk-test",
		Model:       "gpt-4o",
		Temperature: 0.7,
		MaxTokens:   8000,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.CreatedAt.IsZero())

	got, err := s.GetProfile(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created, got)
}

func TestGetProfileMissing(t *testing.T) {
	s := New()
	_, err := s.GetProfile(context.Background(), "nope")
	require.ErrorIs(t, err, profile.ErrNotFound)
}

func TestCreateProfileValidates(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.CreateProfile(ctx, profile.Profile{Kind: "sorcery", Model: "m"})
	require.Error(t, err)

	_, err = s.CreateProfile(ctx, profile.Profile{Kind: profile.KindOpenAI})
	require.Error(t, err)

	// Custom kind needs an endpoint.
	_, err = s.CreateProfile(ctx, profile.Profile{Kind: profile.KindCustom, Model: "local"})
	require.Error(t, err)
	_, err = s.CreateProfile(ctx, profile.Profile{
		Kind:    profile.KindCustom,
		Model:   "local",
		BaseURL: "http://localhost:8000/v1",
	})
	require.NoError(t, err)
}

func TestListProfilesOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()

	a, err := s.CreateProfile(ctx, profile.Profile{ID: "a", Kind: profile.KindMock, Model: "mock"})
	require.NoError(t, err)
	b, err := s.CreateProfile(ctx, profile.Profile{ID: "b", Kind: profile.KindMock, Model: "mock"})
	require.NoError(t, err)

	list, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, []string{a.ID, b.ID}, []string{list[0].ID, list[1].ID})
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateProfile(ctx, profile.Profile{Kind: profile.KindQwen, Model: "qwen-turbo"})
	require.NoError(t, err)

	created.Model = "qwen-plus"
	updated, err := s.UpdateProfile(ctx, created)
	require.NoError(t, err)
	require.Equal(t, "qwen-plus", updated.Model)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)

	_, err = s.UpdateProfile(ctx, profile.Profile{ID: "ghost", Kind: profile.KindQwen, Model: "m"})
	require.ErrorIs(t, err, profile.ErrNotFound)
}

func TestAssignAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	p, err := s.CreateProfile(ctx, profile.Profile{Kind: profile.KindAnthropic, Model: "claude-3-5-sonnet"})
	require.NoError(t, err)

	require.NoError(t, s.Assign(ctx, profile.RoleWriter, p.ID))
	require.NoError(t, s.Assign(ctx, profile.RoleEditor, p.ID))
	require.Error(t, s.Assign(ctx, "stagehand", p.ID))
	require.ErrorIs(t, s.Assign(ctx, profile.RoleReviewer, "ghost"), profile.ErrNotFound)

	got, err := s.Assignments(ctx)
	require.NoError(t, err)
	require.Equal(t, profile.Assignments{
		profile.RoleWriter: p.ID,
		profile.RoleEditor: p.ID,
	}, got)

	// Clearing one role leaves the other.
	require.NoError(t, s.Assign(ctx, profile.RoleEditor, ""))
	got, err = s.Assignments(ctx)
	require.NoError(t, err)
	require.Equal(t, profile.Assignments{profile.RoleWriter: p.ID}, got)

	// Deleting the profile clears its assignments.
	require.NoError(t, s.DeleteProfile(ctx, p.ID))
	got, err = s.Assignments(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAssignmentsSnapshotIsDetached(t *testing.T) {
	ctx := context.Background()
	s := New()

	p, err := s.CreateProfile(ctx, profile.Profile{Kind: profile.KindMock, Model: "mock"})
	require.NoError(t, err)
	require.NoError(t, s.Assign(ctx, profile.RoleWriter, p.ID))

	snap, err := s.Assignments(ctx)
	require.NoError(t, err)
	snap[profile.RoleWriter] = "tampered"

	again, err := s.Assignments(ctx)
	require.NoError(t, err)
	require.Equal(t, p.ID, again[profile.RoleWriter])
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	s := New()

	profiles := []profile.Profile{
		{ID: "mock", Kind: profile.KindMock, Model: "mock"},
		{ID: "writer", Kind: profile.KindOpenAI, Model: "gpt-4o", Credential: "sk-test"},
	}
	assignments := profile.Assignments{
		profile.RoleArchivist: "mock",
		profile.RoleWriter:    "writer",
		profile.RoleReviewer:  "mock",
		profile.RoleEditor:    "mock",
	}
	require.NoError(t, s.Seed(ctx, profiles, assignments))

	first, err := s.GetProfile(ctx, "writer")
	require.NoError(t, err)

	// Re-seeding keeps creation times and stays consistent.
	require.NoError(t, s.Seed(ctx, profiles, assignments))
	second, err := s.GetProfile(ctx, "writer")
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := s.Assignments(ctx)
	require.NoError(t, err)
	require.Equal(t, assignments, got)
}

func TestSeedRejectsDanglingAssignment(t *testing.T) {
	s := New()
	err := s.Seed(context.Background(),
		[]profile.Profile{{ID: "mock", Kind: profile.KindMock, Model: "mock"}},
		profile.Assignments{profile.RoleWriter: "missing"},
	)
	require.Error(t, err)
}
