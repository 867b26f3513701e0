package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// HatimKind is the campaign flavour chosen at creation.
type HatimKind string

const (
	KindPersonal     HatimKind = "personal"
	KindGroup        HatimKind = "group"
	KindSpecialEvent HatimKind = "special_event"
)

// Valid reports whether k is one of the known kinds.
func (k HatimKind) Valid() bool {
	switch k {
	case KindPersonal, KindGroup, KindSpecialEvent:
		return true
	}
	return false
}

// HatimStatus is the lifecycle state of a campaign. Only active is mutable.
type HatimStatus string

const (
	StatusActive    HatimStatus = "active"
	StatusCompleted HatimStatus = "completed"
	StatusCancelled HatimStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s HatimStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further status transition is allowed from s.
func (s HatimStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Hatim is a collective reading campaign. Parts holds the ids of its Part rows
// ordered by juz number; JoinRequests is only exposed to the admin.
type Hatim struct {
	ID           uuid.UUID   `json:"id"`
	Title        string      `json:"title"`
	Kind         HatimKind   `json:"kind"`
	AdminID      uuid.UUID   `json:"admin_id"`
	Participants []uuid.UUID `json:"participants"`
	JoinRequests []uuid.UUID `json:"-"`
	Parts        []uuid.UUID `json:"parts"`
	StartDate    time.Time   `json:"start_date"`
	EndDate      time.Time   `json:"end_date"`
	Status       HatimStatus `json:"status"`
	IsPrivate    bool        `json:"is_private"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// HasParticipant reports whether userID is a participant.
func (h *Hatim) HasParticipant(userID uuid.UUID) bool {
	return slices.Contains(h.Participants, userID)
}

// HasJoinRequest reports whether userID has a pending join request.
func (h *Hatim) HasJoinRequest(userID uuid.UUID) bool {
	return slices.Contains(h.JoinRequests, userID)
}

// HasPart reports whether partID is in the roster.
func (h *Hatim) HasPart(partID uuid.UUID) bool {
	return slices.Contains(h.Parts, partID)
}
