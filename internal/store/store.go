// Package store defines the persistence contract for hatims, their members
// and their parts. Every mutation is a single conditional statement or a
// single transaction so concurrent callers cannot both succeed.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hatim-circle/backend/internal/models"
)

var (
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a conditional write lost against the current state.
	ErrConflict = errors.New("conditional write rejected")

	// ErrNotActive indicates the hatim was closed when the write ran.
	ErrNotActive = errors.New("hatim is not active")
)

// JoinOutcome describes what an add-if-absent join request did.
type JoinOutcome int

const (
	JoinAdded JoinOutcome = iota
	JoinAlreadyRequested
	JoinAlreadyParticipant
)

// ReconcileReport summarises a dangling reference sweep.
type ReconcileReport struct {
	OrphanParts         int `json:"orphan_parts"`
	OrphanParticipants  int `json:"orphan_participants"`
	OrphanJoinRequests  int `json:"orphan_join_requests"`
	OverlappingRequests int `json:"overlapping_requests"`
}

// Total is the number of rows purged.
func (r ReconcileReport) Total() int {
	return r.OrphanParts + r.OrphanParticipants + r.OrphanJoinRequests + r.OverlappingRequests
}

// HatimStore persists hatim aggregates.
type HatimStore interface {
	// CreateHatim inserts h and its admin as first participant. ID and
	// timestamps are filled in.
	CreateHatim(ctx context.Context, h *models.Hatim) error
	// GetHatim loads the aggregate with participants, join requests and parts.
	GetHatim(ctx context.Context, id uuid.UUID) (*models.Hatim, error)
	// ListPublicHatims returns non-private hatims, newest first.
	ListPublicHatims(ctx context.Context) ([]*models.Hatim, error)
	// TransitionStatus moves the hatim from one status to another. Returns
	// ErrConflict when the current status is not from.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.HatimStatus) error
}

// MembershipStore persists join requests and participants.
type MembershipStore interface {
	// AddJoinRequest adds userID to the join requests unless already pending
	// or already a participant. The hatim row is locked for the duration and
	// must be active, otherwise ErrNotActive.
	AddJoinRequest(ctx context.Context, hatimID, userID uuid.UUID) (JoinOutcome, error)
	// ResolveJoinRequest removes the pending request and, when approve is set,
	// adds the user to the participants in the same transaction. The hatim
	// row is locked first so a concurrent AddJoinRequest observes the result.
	// Returns ErrNotFound when no request was pending.
	ResolveJoinRequest(ctx context.Context, hatimID, userID uuid.UUID, approve bool) error
}

// PartStore persists parts.
type PartStore interface {
	GetPart(ctx context.Context, id uuid.UUID) (*models.Part, error)
	// ClaimPart creates the part for juz if absent, otherwise assigns it when
	// unheld and incomplete. Returns ErrConflict when another holder won and
	// ErrNotActive when the hatim is closed.
	ClaimPart(ctx context.Context, hatimID uuid.UUID, juz int, userID uuid.UUID) (*models.Part, error)
	// CompletePart marks the part completed when held by holderID and not yet
	// completed. Returns ErrConflict otherwise.
	CompletePart(ctx context.Context, id, holderID uuid.UUID) (*models.Part, error)
	// ReleasePart clears the holder of an incomplete part currently held by
	// holderID. Returns ErrConflict when the holder changed or the part was
	// completed.
	ReleasePart(ctx context.Context, id, holderID uuid.UUID) error
	// DeletePart removes an incomplete part whose holder still equals holder
	// (nil meaning unheld) and touches its hatim in one transaction. Returns
	// ErrNotFound if the row is gone and ErrConflict if it was completed or
	// changed hands.
	DeletePart(ctx context.Context, id uuid.UUID, holder *uuid.UUID) error
	// Reconcile purges rows that reference a missing hatim and join requests
	// that overlap participants.
	Reconcile(ctx context.Context) (ReconcileReport, error)
}

// UserDirectory is the read side of the identity collaborator.
type UserDirectory interface {
	UpsertUser(ctx context.Context, u models.UserSummary) error
	// UserSummaries resolves ids in input order. Unknown ids resolve to an
	// id-only summary.
	UserSummaries(ctx context.Context, ids []uuid.UUID) ([]models.UserSummary, error)
}

// Store is the full persistence surface.
type Store interface {
	HatimStore
	MembershipStore
	PartStore
	UserDirectory
	Close() error
}
