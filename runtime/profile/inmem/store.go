// Package inmem provides an in-memory implementation of profile.Store plus
// the administrative write surface.
//
// It is intended for tests, demos, and single-process deployments. Durable
// deployments should use features/profile/mongo.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/runtime/profile"
)

// Store is an in-memory profile and assignment store. It is safe for
// concurrent use.
type Store struct {
	mu          sync.RWMutex
	profiles    map[string]profile.Profile
	assignments profile.Assignments
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		profiles:    make(map[string]profile.Profile),
		assignments: make(profile.Assignments),
	}
}

// ListProfiles implements profile.Store. Profiles are ordered by creation
// time, then id, so listings are stable.
func (s *Store) ListProfiles(_ context.Context) ([]profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]profile.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetProfile implements profile.Store.
func (s *Store) GetProfile(_ context.Context, id string) (profile.Profile, error) {
	if id == "" {
		return profile.Profile{}, errors.New("profile id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return p, nil
}

// Assignments implements profile.Store.
func (s *Store) Assignments(_ context.Context) (profile.Assignments, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignments.Clone(), nil
}

// CreateProfile stores a new profile. An empty id is assigned a fresh UUID;
// timestamps are set by the store.
func (s *Store) CreateProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return profile.Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[p.ID]; ok {
		return profile.Profile{}, errors.New("profile id already exists")
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.profiles[p.ID] = p
	return p, nil
}

// UpdateProfile replaces an existing profile's fields, preserving CreatedAt.
func (s *Store) UpdateProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	if err := p.Validate(); err != nil {
		return profile.Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.profiles[p.ID]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.profiles[p.ID] = p
	return p, nil
}

// DeleteProfile removes a profile and clears any assignments pointing at it.
func (s *Store) DeleteProfile(_ context.Context, id string) error {
	if id == "" {
		return errors.New("profile id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[id]; !ok {
		return profile.ErrNotFound
	}
	delete(s.profiles, id)
	for role, assigned := range s.assignments {
		if assigned == id {
			delete(s.assignments, role)
		}
	}
	return nil
}

// Assign binds a role to a profile id. An empty profile id clears the
// assignment. The profile must exist.
func (s *Store) Assign(_ context.Context, role profile.Role, profileID string) error {
	if !role.Valid() {
		return errors.New("unknown role " + string(role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if profileID == "" {
		delete(s.assignments, role)
		return nil
	}
	if _, ok := s.profiles[profileID]; !ok {
		return profile.ErrNotFound
	}
	s.assignments[role] = profileID
	return nil
}

// Seed loads configuration-provided profiles and assignments in one shot.
// Existing profiles with the same id keep their CreatedAt; assignments
// replace the current table wholesale. Seeding is idempotent.
func (s *Store) Seed(_ context.Context, profiles []profile.Profile, assignments profile.Assignments) error {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for role, id := range assignments {
		if !role.Valid() {
			return errors.New("unknown role " + string(role))
		}
		if id == "" {
			return errors.New("assignment for " + string(role) + " has no profile id")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range profiles {
		if existing, ok := s.profiles[p.ID]; ok {
			p.CreatedAt = existing.CreatedAt
		} else {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		s.profiles[p.ID] = p
	}
	for role, id := range assignments {
		if _, ok := s.profiles[id]; !ok {
			return errors.New("assignment for " + string(role) + " references unknown profile " + id)
		}
	}
	s.assignments = assignments.Clone()
	if s.assignments == nil {
		s.assignments = make(profile.Assignments)
	}
	return nil
}
