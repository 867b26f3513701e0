// Package hatim owns hatim aggregates and exposes them over HTTP. Membership
// and part changes are delegated to the membership and parts packages.
package hatim

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hatim-circle/backend/internal/access"
	"github.com/hatim-circle/backend/internal/apperror"
	"github.com/hatim-circle/backend/internal/events"
	"github.com/hatim-circle/backend/internal/membership"
	"github.com/hatim-circle/backend/internal/models"
	"github.com/hatim-circle/backend/internal/parts"
	"github.com/hatim-circle/backend/internal/store"
)

const maxTitleLength = 200

var (
	ErrNotFound       = apperror.NotFound("hatim not found")
	ErrInvalidTitle   = apperror.Validation("title must be 1-200 characters")
	ErrInvalidKind    = apperror.Validation("kind must be personal, group or special_event")
	ErrInvalidDates   = apperror.Validation("end_date must not be before start_date")
	ErrInvalidStatus  = apperror.Validation("status must be completed or cancelled")
	ErrStatusTerminal = apperror.Conflict("hatim is already closed")
	ErrStatusChanged  = apperror.Conflict("hatim status changed, reload and retry")
)

// CreateInput describes a new hatim.
type CreateInput struct {
	Title     string
	Kind      models.HatimKind
	StartDate time.Time
	EndDate   time.Time
	IsPrivate bool
}

// Registry is the entry point for every hatim operation.
type Registry struct {
	store   store.Store
	members *membership.Coordinator
	parts   *parts.Allocator
	events  events.Publisher
	cache   ListCache
	logger  *zap.Logger
}

// NewRegistry wires the registry. Nil publisher, cache or logger fall back to no-ops.
func NewRegistry(s store.Store, pub events.Publisher, cache ListCache, logger *zap.Logger) *Registry {
	if pub == nil {
		pub = events.Nop{}
	}
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   s,
		members: membership.NewCoordinator(s, logger.Named("membership")),
		parts:   parts.NewAllocator(s, logger.Named("parts")),
		events:  pub,
		cache:   cache,
		logger:  logger,
	}
}

// changed publishes e and drops the cached public list. Both are best effort;
// the write they follow has already committed.
func (r *Registry) changed(ctx context.Context, e events.Event) {
	if err := r.events.Publish(ctx, e); err != nil {
		r.logger.Warn("publish event failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
	if err := r.cache.Invalidate(ctx); err != nil {
		r.logger.Warn("invalidate list cache failed", zap.Error(err))
	}
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }

// Create validates in and stores a new active hatim administered by adminID.
func (r *Registry) Create(ctx context.Context, adminID uuid.UUID, in CreateInput) (*models.Hatim, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return nil, ErrInvalidTitle
	}
	if !in.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() || in.EndDate.Before(in.StartDate) {
		return nil, ErrInvalidDates
	}

	h := &models.Hatim{
		Title:     title,
		Kind:      in.Kind,
		AdminID:   adminID,
		StartDate: in.StartDate.UTC(),
		EndDate:   in.EndDate.UTC(),
		Status:    models.StatusActive,
		IsPrivate: in.IsPrivate,
	}
	if err := r.store.CreateHatim(ctx, h); err != nil {
		return nil, apperror.Internal("create hatim", err)
	}
	r.logger.Info("hatim created", zap.String("hatim_id", h.ID.String()), zap.String("admin_id", adminID.String()))
	if !h.IsPrivate {
		if err := r.cache.Invalidate(ctx); err != nil {
			r.logger.Warn("invalidate list cache failed", zap.Error(err))
		}
	}
	return h, nil
}

// Get returns a hatim by id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Hatim, error) {
	h, err := r.store.GetHatim(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperror.Internal("get hatim", err)
	}
	return h, nil
}

// View returns the hatim if viewer may see it. Private hatims are reported
// as not found to anyone but their admin and participants.
func (r *Registry) View(ctx context.Context, id, viewer uuid.UUID) (*models.Hatim, error) {
	h, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !access.CanView(h, viewer).Allowed {
		return nil, ErrNotFound
	}
	return h, nil
}

// ListPublic returns non-private hatims, newest first. The cache version is
// read before the store so a list loaded across an invalidation is not cached.
func (r *Registry) ListPublic(ctx context.Context) ([]*models.Hatim, error) {
	if list, ok, err := r.cache.Get(ctx); err != nil {
		r.logger.Warn("read list cache failed", zap.Error(err))
	} else if ok {
		return list, nil
	}
	version, verErr := r.cache.Version(ctx)
	if verErr != nil {
		r.logger.Warn("read list cache version failed", zap.Error(verErr))
	}
	list, err := r.store.ListPublicHatims(ctx)
	if err != nil {
		return nil, apperror.Internal("list public hatims", err)
	}
	if verErr == nil {
		if err := r.cache.Set(ctx, version, list); err != nil {
			r.logger.Warn("write list cache failed", zap.Error(err))
		}
	}
	return list, nil
}

// SetStatus closes an active hatim. Admin only; completed and cancelled are terminal.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, status models.HatimStatus, requesterID uuid.UUID) (*models.Hatim, error) {
	if !status.Terminal() {
		return nil, ErrInvalidStatus
	}
	h, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d := access.IsAdmin(h, requesterID); !d.Allowed {
		return nil, apperror.Forbidden(d.Reason)
	}
	if h.Status.Terminal() {
		return nil, ErrStatusTerminal
	}

	err = r.store.TransitionStatus(ctx, id, h.Status, status)
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, ErrStatusChanged
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, apperror.Internal("transition status", err)
	}
	r.logger.Info("hatim status changed",
		zap.String("hatim_id", id.String()),
		zap.String("from", string(h.Status)),
		zap.String("to", string(status)))
	r.changed(ctx, events.Event{Type: events.HatimStatusChanged, HatimID: id, ActorID: requesterID, Status: string(status)})
	return r.Get(ctx, id)
}

// SubmitJoinRequest files the applicant's request to join the hatim. The
// applicant's email and name are recorded in the user directory first so the
// admin's listing can show them.
func (r *Registry) SubmitJoinRequest(ctx context.Context, hatimID uuid.UUID, applicant models.UserSummary) error {
	r.remember(ctx, applicant)
	if err := r.members.SubmitJoinRequest(ctx, hatimID, applicant.ID); err != nil {
		return err
	}
	r.changed(ctx, events.Event{Type: events.JoinRequestSubmitted, HatimID: hatimID, ActorID: applicant.ID, UserID: ptr(applicant.ID)})
	return nil
}

// remember upserts u into the user directory. Failures only cost the listing
// its names, so they are logged.
func (r *Registry) remember(ctx context.Context, u models.UserSummary) {
	if u.ID == uuid.Nil || (u.Email == "" && u.FullName == "") {
		return
	}
	if err := r.store.UpsertUser(ctx, u); err != nil {
		r.logger.Warn("record user summary failed", zap.String("user_id", u.ID.String()), zap.Error(err))
	}
}

// ListJoinRequests returns pending requesters. Admin only.
func (r *Registry) ListJoinRequests(ctx context.Context, hatimID, requesterID uuid.UUID) ([]models.UserSummary, error) {
	return r.members.ListJoinRequests(ctx, hatimID, requesterID)
}

// RespondToJoinRequest approves or rejects a pending request. Admin only.
func (r *Registry) RespondToJoinRequest(ctx context.Context, hatimID, targetID uuid.UUID, approved bool, requesterID uuid.UUID) error {
	if err := r.members.RespondToJoinRequest(ctx, hatimID, targetID, approved, requesterID); err != nil {
		return err
	}
	typ := events.JoinRequestRejected
	if approved {
		typ = events.JoinRequestApproved
	}
	r.changed(ctx, events.Event{Type: typ, HatimID: hatimID, ActorID: requesterID, UserID: ptr(targetID)})
	return nil
}

// AssignPart claims juz of the hatim for userID.
func (r *Registry) AssignPart(ctx context.Context, hatimID uuid.UUID, juz int, userID uuid.UUID) (*models.Part, error) {
	p, err := r.parts.AssignPart(ctx, hatimID, juz, userID)
	if err != nil {
		return nil, err
	}
	r.changed(ctx, events.Event{Type: events.PartAssigned, HatimID: hatimID, ActorID: userID,
		UserID: ptr(userID), PartID: ptr(p.ID), Juz: p.JuzNumber})
	return p, nil
}

// MarkCompleted completes a part held by userID.
func (r *Registry) MarkCompleted(ctx context.Context, partID, userID uuid.UUID) (*models.Part, error) {
	p, err := r.parts.MarkCompleted(ctx, partID, userID)
	if err != nil {
		return nil, err
	}
	r.changed(ctx, events.Event{Type: events.PartCompleted, HatimID: p.HatimID, ActorID: userID,
		UserID: ptr(userID), PartID: ptr(p.ID), Juz: p.JuzNumber})
	return p, nil
}

// ReleasePart returns a part to the pool.
func (r *Registry) ReleasePart(ctx context.Context, partID, requesterID uuid.UUID) error {
	p, err := r.parts.ReleasePart(ctx, partID, requesterID)
	if err != nil {
		return err
	}
	r.changed(ctx, events.Event{Type: events.PartReleased, HatimID: p.HatimID, ActorID: requesterID,
		UserID: p.HolderID, PartID: ptr(p.ID), Juz: p.JuzNumber})
	return nil
}

// DeletePart removes an incomplete part from its hatim.
func (r *Registry) DeletePart(ctx context.Context, partID, requesterID uuid.UUID) error {
	p, err := r.parts.DeletePart(ctx, partID, requesterID)
	if err != nil {
		return err
	}
	r.changed(ctx, events.Event{Type: events.PartDeleted, HatimID: p.HatimID, ActorID: requesterID,
		UserID: p.HolderID, PartID: ptr(p.ID), Juz: p.JuzNumber})
	return nil
}

// Reconcile purges dangling rows and drops the cached list when anything changed.
func (r *Registry) Reconcile(ctx context.Context) (store.ReconcileReport, error) {
	report, err := r.store.Reconcile(ctx)
	if err != nil {
		return report, apperror.Internal("reconcile", err)
	}
	if report.Total() > 0 {
		r.logger.Info("reconciled dangling references",
			zap.Int("orphan_parts", report.OrphanParts),
			zap.Int("orphan_participants", report.OrphanParticipants),
			zap.Int("orphan_join_requests", report.OrphanJoinRequests),
			zap.Int("overlapping_requests", report.OverlappingRequests))
		if err := r.cache.Invalidate(ctx); err != nil {
			r.logger.Warn("invalidate list cache failed", zap.Error(err))
		}
	}
	return report, nil
}
