package models

import (
	"github.com/google/uuid"
)

// UserSummary is the identity collaborator's view of a user, as returned by
// the join request listing. Email and FullName are empty when the directory
// has no row for the id.
type UserSummary struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email,omitempty"`
	FullName string    `json:"full_name,omitempty"`
}
