package gateway

import (
	"fmt"

	"github.com/atelier-ai/atelier/runtime/profile"
)

type (
	// UnassignedRoleError reports that the assignment table holds no profile
	// for a pipeline role. It is a configuration error: the caller must assign
	// a profile before the role can execute.
	UnassignedRoleError struct {
		Role profile.Role
	}

	// ProfileNotFoundError reports a profile id that resolves to nothing: it
	// is absent from the cache and cannot be loaded from the store.
	ProfileNotFoundError struct {
		ID string
	}
)

// Error implements error.
func (e *UnassignedRoleError) Error() string {
	return fmt.Sprintf("no profile assigned to role %q", e.Role)
}

// Error implements error.
func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("profile %q not found", e.ID)
}
