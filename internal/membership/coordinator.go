// Package membership runs the join-request lifecycle of a hatim.
package membership

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
	ErrHatimNotFound    = apperror.NotFound("hatim not found")
	ErrHatimNotActive   = apperror.Conflict("hatim is not active")
	ErrAlreadyRequested = apperror.Conflict("already requested")
	ErrAlreadyMember    = apperror.Conflict("already a member")
	ErrRequestNotFound  = apperror.NotFound("join request not found")
)

// Store is the persistence the coordinator needs.
type Store interface {
	GetHatim(ctx context.Context, id uuid.UUID) (*models.Hatim, error)
	store.MembershipStore
	UserSummaries(ctx context.Context, ids []uuid.UUID) ([]models.UserSummary, error)
}

// Coordinator handles submitting, listing and resolving join requests.
type Coordinator struct {
	store  Store
	logger *zap.Logger
}

// NewCoordinator creates a membership coordinator.
func NewCoordinator(s Store, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: s, logger: logger}
}

func (c *Coordinator) loadHatim(ctx context.Context, id uuid.UUID) (*models.Hatim, error) {
	h, err := c.store.GetHatim(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrHatimNotFound
	}
	if err != nil {
		return nil, apperror.Internal("load hatim", err)
	}
	return h, nil
}

// SubmitJoinRequest records a pending request from userID. Retrying after a
// success yields ErrAlreadyRequested and leaves a single entry.
func (c *Coordinator) SubmitJoinRequest(ctx context.Context, hatimID, userID uuid.UUID) error {
	h, err := c.loadHatim(ctx, hatimID)
	if err != nil {
		return err
	}
	if h.Status != models.StatusActive {
		return ErrHatimNotActive
	}

	outcome, err := c.store.AddJoinRequest(ctx, hatimID, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrHatimNotFound
	case errors.Is(err, store.ErrNotActive):
		return ErrHatimNotActive
	case err != nil:
		return apperror.Internal("add join request", err)
	}
	switch outcome {
	case store.JoinAlreadyRequested:
		return ErrAlreadyRequested
	case store.JoinAlreadyParticipant:
		return ErrAlreadyMember
	}
	c.logger.Info("join request submitted",
		zap.String("hatim_id", hatimID.String()), zap.String("user_id", userID.String()))
	return nil
}

// ListJoinRequests returns the pending requesters of a hatim. Admin only.
func (c *Coordinator) ListJoinRequests(ctx context.Context, hatimID, requesterID uuid.UUID) ([]models.UserSummary, error) {
	h, err := c.loadHatim(ctx, hatimID)
	if err != nil {
		return nil, err
	}
	if d := access.IsAdmin(h, requesterID); !d.Allowed {
		return nil, apperror.Forbidden(d.Reason)
	}
	users, err := c.store.UserSummaries(ctx, h.JoinRequests)
	if err != nil {
		return nil, apperror.Internal("resolve join requests", err)
	}
	return users, nil
}

// RespondToJoinRequest approves or rejects targetID's pending request. The
// admin check runs before the request lookup so non-admins learn nothing
// about pending requests.
func (c *Coordinator) RespondToJoinRequest(ctx context.Context, hatimID, targetID uuid.UUID, approved bool, requesterID uuid.UUID) error {
	h, err := c.loadHatim(ctx, hatimID)
	if err != nil {
		return err
	}
	if d := access.IsAdmin(h, requesterID); !d.Allowed {
		return apperror.Forbidden(d.Reason)
	}

	err = c.store.ResolveJoinRequest(ctx, hatimID, targetID, approved)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRequestNotFound
	}
	if err != nil {
		return apperror.Internal("resolve join request", err)
	}
	c.logger.Info("join request resolved",
		zap.String("hatim_id", hatimID.String()),
		zap.String("user_id", targetID.String()),
		zap.Bool("approved", approved))
	return nil
}
