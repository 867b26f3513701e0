package membership

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hatim-circle/backend/internal/apperror"
	"github.com/hatim-circle/backend/internal/models"
	"github.com/hatim-circle/backend/internal/store/sqlite"
)

type fixture struct {
	store *sqlite.Store
	coord *Coordinator
	admin uuid.UUID
	hatim *models.Hatim
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "membership.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	admin := uuid.New()
	h := &models.Hatim{
		Title:     "Friday circle",
		Kind:      models.KindGroup,
		AdminID:   admin,
		StartDate: time.Now(),
		EndDate:   time.Now().AddDate(0, 1, 0),
	}
	if err := s.CreateHatim(ctx, h); err != nil {
		t.Fatalf("create hatim: %v", err)
	}
	return fixture{store: s, coord: NewCoordinator(s, nil), admin: admin, hatim: h}
}

func TestSubmitJoinRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	user := uuid.New()

	if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, user); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, user); !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("duplicate submit err = %v, want %v", err, ErrAlreadyRequested)
	}
	if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, f.admin); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("member submit err = %v, want %v", err, ErrAlreadyMember)
	}
	if err := f.coord.SubmitJoinRequest(ctx, uuid.New(), user); !apperror.IsKind(err, apperror.KindNotFound) {
		t.Fatalf("missing hatim err = %v, want not found", err)
	}

	h, err := f.store.GetHatim(ctx, f.hatim.ID)
	if err != nil {
		t.Fatalf("get hatim: %v", err)
	}
	if len(h.JoinRequests) != 1 || h.JoinRequests[0] != user {
		t.Fatalf("join requests = %v, want [%s]", h.JoinRequests, user)
	}
}

func TestSubmitJoinRequestRejectsInactiveHatim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.TransitionStatus(ctx, f.hatim.ID, models.StatusActive, models.StatusCancelled); err != nil {
		t.Fatalf("cancel hatim: %v", err)
	}
	if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, uuid.New()); !errors.Is(err, ErrHatimNotActive) {
		t.Fatalf("submit err = %v, want %v", err, ErrHatimNotActive)
	}
}

// activeSnapshot serves the hatim as it was before a concurrent close.
type activeSnapshot struct {
	Store
	hatim models.Hatim
}

func (s activeSnapshot) GetHatim(context.Context, uuid.UUID) (*models.Hatim, error) {
	h := s.hatim
	return &h, nil
}

func TestSubmitJoinRequestLosesToConcurrentClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	before := *f.hatim
	if err := f.store.TransitionStatus(ctx, f.hatim.ID, models.StatusActive, models.StatusCancelled); err != nil {
		t.Fatalf("cancel hatim: %v", err)
	}

	coord := NewCoordinator(activeSnapshot{Store: f.store, hatim: before}, nil)
	if err := coord.SubmitJoinRequest(ctx, f.hatim.ID, uuid.New()); !errors.Is(err, ErrHatimNotActive) {
		t.Fatalf("submit err = %v, want %v", err, ErrHatimNotActive)
	}
	got, err := f.store.GetHatim(ctx, f.hatim.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.JoinRequests) != 0 {
		t.Fatalf("join requests = %v, want none", got.JoinRequests)
	}
}

func TestListJoinRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	known, unknown := uuid.New(), uuid.New()
	if err := f.store.UpsertUser(ctx, models.UserSummary{ID: known, Email: "yusuf@example.com", FullName: "Yusuf"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	for _, u := range []uuid.UUID{known, unknown} {
		if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, u); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	users, err := f.coord.ListJoinRequests(ctx, f.hatim.ID, f.admin)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %v, want 2", users)
	}
	if users[0].ID != known || users[0].FullName != "Yusuf" {
		t.Fatalf("first user = %+v, want resolved profile", users[0])
	}
	if users[1].ID != unknown || users[1].Email != "" {
		t.Fatalf("second user = %+v, want id-only summary", users[1])
	}

	if _, err := f.coord.ListJoinRequests(ctx, f.hatim.ID, known); !apperror.IsKind(err, apperror.KindForbidden) {
		t.Fatalf("non-admin list err = %v, want forbidden", err)
	}
	if _, err := f.coord.ListJoinRequests(ctx, uuid.New(), f.admin); !errors.Is(err, ErrHatimNotFound) {
		t.Fatalf("missing hatim err = %v, want %v", err, ErrHatimNotFound)
	}
}

func TestListJoinRequestsEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	users, err := f.coord.ListJoinRequests(context.Background(), f.hatim.ID, f.admin)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if users == nil || len(users) != 0 {
		t.Fatalf("users = %#v, want empty non-nil slice", users)
	}
}

func TestRespondToJoinRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	applicant, outsider := uuid.New(), uuid.New()
	if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, applicant); err != nil {
		t.Fatalf("submit: %v", err)
	}

	tests := []struct {
		name      string
		hatimID   uuid.UUID
		target    uuid.UUID
		requester uuid.UUID
		wantKind  apperror.Kind
	}{
		{name: "missing hatim", hatimID: uuid.New(), target: applicant, requester: f.admin, wantKind: apperror.KindNotFound},
		{name: "non-admin with pending request", hatimID: f.hatim.ID, target: applicant, requester: applicant, wantKind: apperror.KindForbidden},
		{name: "non-admin without request", hatimID: f.hatim.ID, target: outsider, requester: outsider, wantKind: apperror.KindForbidden},
		{name: "admin without request", hatimID: f.hatim.ID, target: outsider, requester: f.admin, wantKind: apperror.KindNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := f.coord.RespondToJoinRequest(ctx, tc.hatimID, tc.target, true, tc.requester)
			if !apperror.IsKind(err, tc.wantKind) {
				t.Fatalf("err = %v, want kind %s", err, tc.wantKind)
			}
		})
	}

	if err := f.coord.RespondToJoinRequest(ctx, f.hatim.ID, applicant, true, f.admin); err != nil {
		t.Fatalf("approve: %v", err)
	}
	h, _ := f.store.GetHatim(ctx, f.hatim.ID)
	if !h.HasParticipant(applicant) || h.HasJoinRequest(applicant) {
		t.Fatalf("after approve participants=%v requests=%v", h.Participants, h.JoinRequests)
	}
	if err := f.coord.RespondToJoinRequest(ctx, f.hatim.ID, applicant, true, f.admin); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("repeat approve err = %v, want %v", err, ErrRequestNotFound)
	}
	if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, applicant); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("submit after approve err = %v, want %v", err, ErrAlreadyMember)
	}
}

func TestRejectAllowsResubmission(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	applicant := uuid.New()
	if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, applicant); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.coord.RespondToJoinRequest(ctx, f.hatim.ID, applicant, false, f.admin); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h, _ := f.store.GetHatim(ctx, f.hatim.ID)
	if h.HasParticipant(applicant) || h.HasJoinRequest(applicant) {
		t.Fatalf("after reject participants=%v requests=%v", h.Participants, h.JoinRequests)
	}
	if err := f.coord.SubmitJoinRequest(ctx, f.hatim.ID, applicant); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
}
