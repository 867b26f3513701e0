// Package parts assigns, completes, releases and retires the juz of a hatim.
package parts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hatim-circle/backend/internal/access"
	"github.com/hatim-circle/backend/internal/apperror"
	"github.com/hatim-circle/backend/internal/models"
	"github.com/hatim-circle/backend/internal/store"
)

var (
	ErrInvalidJuz       = apperror.Validation("juz number must be between 1 and 30")
	ErrHatimNotFound    = apperror.NotFound("hatim not found")
	ErrHatimNotActive   = apperror.Conflict("hatim is not active")
	ErrPartNotFound     = apperror.NotFound("part not found")
	ErrPartTaken        = apperror.Conflict("part is already taken")
	ErrPartCompleted    = apperror.Conflict("part is already completed")
	ErrCompletedDelete  = apperror.Conflict("completed part cannot be deleted")
	ErrCompletedRelease = apperror.Conflict("completed part cannot be released")
	ErrPartUnheld       = apperror.Conflict("part is not held")
	ErrPartChanged      = apperror.Conflict("part was modified, reload and retry")
	ErrNotHolder        = apperror.Forbidden("only the part holder can complete it")
)

// Store is the persistence the allocator needs.
type Store interface {
	GetHatim(ctx context.Context, id uuid.UUID) (*models.Hatim, error)
	GetPart(ctx context.Context, id uuid.UUID) (*models.Part, error)
	ClaimPart(ctx context.Context, hatimID uuid.UUID, juz int, userID uuid.UUID) (*models.Part, error)
	CompletePart(ctx context.Context, id, holderID uuid.UUID) (*models.Part, error)
	ReleasePart(ctx context.Context, id, holderID uuid.UUID) error
	DeletePart(ctx context.Context, id uuid.UUID, holder *uuid.UUID) error
}

// Allocator enforces the part state machine on top of the store's
// conditional writes: unassigned, assigned, completed.
type Allocator struct {
	store  Store
	logger *zap.Logger
}

// NewAllocator creates a part allocator.
func NewAllocator(s Store, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{store: s, logger: logger}
}

func (a *Allocator) loadHatim(ctx context.Context, id uuid.UUID) (*models.Hatim, error) {
	h, err := a.store.GetHatim(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrHatimNotFound
	}
	if err != nil {
		return nil, apperror.Internal("load hatim", err)
	}
	return h, nil
}

func (a *Allocator) loadPart(ctx context.Context, id uuid.UUID) (*models.Part, error) {
	p, err := a.store.GetPart(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPartNotFound
	}
	if err != nil {
		return nil, apperror.Internal("load part", err)
	}
	return p, nil
}

// lostRace explains a rejected conditional write by reloading the part.
func (a *Allocator) lostRace(ctx context.Context, id uuid.UUID, completed error) error {
	p, err := a.loadPart(ctx, id)
	if err != nil {
		return err
	}
	if p.IsCompleted {
		return completed
	}
	return ErrPartChanged
}

// AssignPart gives juz of the hatim to userID, creating the part on first claim.
func (a *Allocator) AssignPart(ctx context.Context, hatimID uuid.UUID, juz int, userID uuid.UUID) (*models.Part, error) {
	if !models.ValidJuz(juz) {
		return nil, ErrInvalidJuz
	}
	h, err := a.loadHatim(ctx, hatimID)
	if err != nil {
		return nil, err
	}
	if h.Status != models.StatusActive {
		return nil, ErrHatimNotActive
	}
	if d := access.CanClaim(h, userID); !d.Allowed {
		return nil, apperror.Forbidden(d.Reason)
	}

	p, err := a.store.ClaimPart(ctx, hatimID, juz, userID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, ErrPartTaken
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrHatimNotFound
	case errors.Is(err, store.ErrNotActive):
		return nil, ErrHatimNotActive
	case err != nil:
		return nil, apperror.Internal("claim part", err)
	}
	a.logger.Info("part assigned",
		zap.String("hatim_id", hatimID.String()),
		zap.Int("juz", juz),
		zap.String("user_id", userID.String()))
	return p, nil
}

// MarkCompleted freezes a part. Only its holder may complete it.
func (a *Allocator) MarkCompleted(ctx context.Context, partID, userID uuid.UUID) (*models.Part, error) {
	p, err := a.loadPart(ctx, partID)
	if err != nil {
		return nil, err
	}
	if !p.HeldBy(userID) {
		return nil, ErrNotHolder
	}
	if p.IsCompleted {
		return nil, ErrPartCompleted
	}

	done, err := a.store.CompletePart(ctx, partID, userID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, a.lostRace(ctx, partID, ErrPartCompleted)
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrPartNotFound
	case err != nil:
		return nil, apperror.Internal("complete part", err)
	}
	a.logger.Info("part completed",
		zap.String("part_id", partID.String()), zap.String("user_id", userID.String()))
	return done, nil
}

// authorize loads the part and its hatim and checks owner-or-admin.
func (a *Allocator) authorize(ctx context.Context, partID, requesterID uuid.UUID) (*models.Part, error) {
	p, err := a.loadPart(ctx, partID)
	if err != nil {
		return nil, err
	}
	h, err := a.loadHatim(ctx, p.HatimID)
	if err != nil {
		return nil, err
	}
	if d := access.IsOwnerOrAdmin(p, h, requesterID); !d.Allowed {
		return nil, apperror.Forbidden(d.Reason)
	}
	return p, nil
}

// ReleasePart returns an incomplete part to the pool so its juz can be
// claimed again. Returns the part as it was before release.
func (a *Allocator) ReleasePart(ctx context.Context, partID, requesterID uuid.UUID) (*models.Part, error) {
	p, err := a.authorize(ctx, partID, requesterID)
	if err != nil {
		return nil, err
	}
	if p.IsCompleted {
		return nil, ErrCompletedRelease
	}
	if p.HolderID == nil {
		return nil, ErrPartUnheld
	}

	err = a.store.ReleasePart(ctx, partID, *p.HolderID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, a.lostRace(ctx, partID, ErrCompletedRelease)
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrPartNotFound
	case err != nil:
		return nil, apperror.Internal("release part", err)
	}
	a.logger.Info("part released",
		zap.String("part_id", partID.String()), zap.String("requester_id", requesterID.String()))
	return p, nil
}

// DeletePart removes an incomplete part from its hatim. Returns the part as
// it was before deletion.
func (a *Allocator) DeletePart(ctx context.Context, partID, requesterID uuid.UUID) (*models.Part, error) {
	p, err := a.authorize(ctx, partID, requesterID)
	if err != nil {
		return nil, err
	}
	if p.IsCompleted {
		return nil, ErrCompletedDelete
	}

	err = a.store.DeletePart(ctx, partID, p.HolderID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, a.lostRace(ctx, partID, ErrCompletedDelete)
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrPartNotFound
	case err != nil:
		return nil, apperror.Internal("delete part", err)
	}
	a.logger.Info("part deleted",
		zap.String("part_id", partID.String()),
		zap.String("hatim_id", p.HatimID.String()),
		zap.String("requester_id", requesterID.String()))
	return p, nil
}
