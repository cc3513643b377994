// Package mongo provides the MongoDB-backed profile store. It satisfies
// profile.Store for the gateway and adds the administrative write surface
// used by configuration seeding and operator tooling.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/atelier-ai/atelier/features/profile/mongo/clients/mongo"
	"github.com/atelier-ai/atelier/runtime/profile"
)

// Store implements profile.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// ListProfiles implements profile.Store.
func (s *Store) ListProfiles(ctx context.Context) ([]profile.Profile, error) {
	return s.client.ListProfiles(ctx)
}

// GetProfile implements profile.Store.
func (s *Store) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	return s.client.GetProfile(ctx, id)
}

// Assignments implements profile.Store.
func (s *Store) Assignments(ctx context.Context) (profile.Assignments, error) {
	return s.client.Assignments(ctx)
}

// CreateProfile stores a new profile. An empty id is assigned a fresh UUID;
// timestamps are set by the store.
func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	return s.client.CreateProfile(ctx, p)
}

// UpdateProfile replaces an existing profile's fields, preserving CreatedAt.
func (s *Store) UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	return s.client.UpdateProfile(ctx, p)
}

// DeleteProfile removes a profile and clears any assignments pointing at it.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	return s.client.DeleteProfile(ctx, id)
}

// Assign binds a role to a profile id. An empty profile id clears the
// assignment. The profile must exist.
func (s *Store) Assign(ctx context.Context, role profile.Role, profileID string) error {
	return s.client.Assign(ctx, role, profileID)
}

// Seed loads configuration-provided profiles and assignments in one shot.
// Seeding is idempotent; reseeded profiles keep their CreatedAt.
func (s *Store) Seed(ctx context.Context, profiles []profile.Profile, assignments profile.Assignments) error {
	return s.client.Seed(ctx, profiles, assignments)
}
