package hatim

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hatim-circle/backend/internal/auth"
	"github.com/hatim-circle/backend/internal/events"
	"github.com/hatim-circle/backend/internal/middleware"
	"github.com/hatim-circle/backend/internal/models"
	"github.com/hatim-circle/backend/internal/store/sqlite"
)

type apiEnv struct {
	router   *gin.Engine
	jwt      *auth.JWTService
	store    *sqlite.Store
	recorder *events.Recorder
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := RegisterValidators(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	rec := &events.Recorder{}
	jwtService := auth.NewJWTService("test-secret", "", 1)
	router := gin.New()
	NewHandler(NewRegistry(s, rec, nil, nil), nil).RegisterRoutes(router, middleware.JWT(jwtService), middleware.OptionalJWT(jwtService))
	return &apiEnv{router: router, jwt: jwtService, store: s, recorder: rec}
}

func (e *apiEnv) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok, err := e.jwt.Generate(userID, emailOf(userID), nameOf(userID))
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path string, caller *uuid.UUID, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *caller))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
	return v
}

func (e *apiEnv) createHatim(t *testing.T, admin uuid.UUID, private bool) models.Hatim {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/hatim", &admin, map[string]any{
		"title":      "Ramadan 1448",
		"kind":       "group",
		"start_date": "2027-02-08T00:00:00Z",
		"end_date":   "2027-03-09T00:00:00Z",
		"is_private": private,
	})
	if code != http.StatusCreated {
		t.Fatalf("create status = %d, error %q", code, env.Error)
	}
	return decodeData[models.Hatim](t, env)
}

func ref(id uuid.UUID) *uuid.UUID { return &id }

func emailOf(id uuid.UUID) string { return id.String()[:8] + "@example.com" }

func nameOf(id uuid.UUID) string { return "Reader " + id.String()[:8] }

func TestCreateHatimValidation(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	admin := uuid.New()

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "missing title", body: map[string]any{"kind": "group", "start_date": "2027-01-01T00:00:00Z", "end_date": "2027-01-02T00:00:00Z"}},
		{name: "unknown kind", body: map[string]any{"title": "x", "kind": "solo", "start_date": "2027-01-01T00:00:00Z", "end_date": "2027-01-02T00:00:00Z"}},
		{name: "end before start", body: map[string]any{"title": "x", "kind": "group", "start_date": "2027-01-02T00:00:00Z", "end_date": "2027-01-01T00:00:00Z"}},
		{name: "blank title", body: map[string]any{"title": "   ", "kind": "group", "start_date": "2027-01-01T00:00:00Z", "end_date": "2027-01-02T00:00:00Z"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, resp := env.do(t, http.MethodPost, "/hatim", &admin, tc.body)
			if code != http.StatusBadRequest || resp.Success {
				t.Fatalf("status = %d success = %v, want 400", code, resp.Success)
			}
		})
	}

	if code, _ := env.do(t, http.MethodPost, "/hatim", nil, tests[0].body); code != http.StatusUnauthorized {
		t.Fatalf("anonymous create status = %d, want 401", code)
	}
}

func TestCreateAndGetHatim(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	admin := uuid.New()
	h := env.createHatim(t, admin, false)
	if h.AdminID != admin || h.Status != models.StatusActive || len(h.Participants) != 1 || h.Participants[0] != admin {
		t.Fatalf("created hatim = %+v", h)
	}

	code, resp := env.do(t, http.MethodGet, "/hatim/"+h.ID.String(), nil, nil)
	if code != http.StatusOK {
		t.Fatalf("get status = %d, error %q", code, resp.Error)
	}
	if got := decodeData[models.Hatim](t, resp); got.ID != h.ID {
		t.Fatalf("got id %s, want %s", got.ID, h.ID)
	}

	if code, _ := env.do(t, http.MethodGet, "/hatim/"+uuid.NewString(), nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing hatim status = %d, want 404", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/hatim/not-a-uuid", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", code)
	}
}

func TestListPublic(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	public := env.createHatim(t, uuid.New(), false)
	env.createHatim(t, uuid.New(), true)

	code, resp := env.do(t, http.MethodGet, "/hatim/list", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	list := decodeData[[]models.Hatim](t, resp)
	if len(list) != 1 || list[0].ID != public.ID {
		t.Fatalf("list = %+v, want only the public hatim", list)
	}
}

func TestJoinRequestFlow(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	admin, applicant := uuid.New(), uuid.New()
	h := env.createHatim(t, admin, false)
	base := "/hatim/group/" + h.ID.String()

	code, resp := env.do(t, http.MethodPost, base+"/join-request", &applicant, nil)
	if code != http.StatusOK {
		t.Fatalf("submit status = %d, error %q", code, resp.Error)
	}
	if msg := decodeData[map[string]string](t, resp)["message"]; msg == "" {
		t.Fatalf("submit data = %s, want message", resp.Data)
	}
	code, resp = env.do(t, http.MethodPost, base+"/join-request", &applicant, nil)
	if code != http.StatusBadRequest || resp.Error != "already requested" {
		t.Fatalf("duplicate submit = %d %q, want 400 already requested", code, resp.Error)
	}
	code, resp = env.do(t, http.MethodPost, base+"/join-request", &admin, nil)
	if code != http.StatusBadRequest || resp.Error != "already a member" {
		t.Fatalf("admin submit = %d %q, want 400 already a member", code, resp.Error)
	}
	if code, _ := env.do(t, http.MethodPost, "/hatim/group/"+uuid.NewString()+"/join-request", &applicant, nil); code != http.StatusNotFound {
		t.Fatalf("unknown hatim submit = %d, want 404", code)
	}

	if code, _ := env.do(t, http.MethodGet, base+"/join-requests", &applicant, nil); code != http.StatusForbidden {
		t.Fatalf("non-admin list = %d, want 403", code)
	}
	code, resp = env.do(t, http.MethodGet, base+"/join-requests", &admin, nil)
	if code != http.StatusOK {
		t.Fatalf("admin list = %d, error %q", code, resp.Error)
	}
	users := decodeData[[]models.UserSummary](t, resp)
	if len(users) != 1 || users[0].ID != applicant {
		t.Fatalf("join requests = %+v, want [%s]", users, applicant)
	}

	respond := base + "/join-requests/" + applicant.String() + "/respond"
	if code, _ := env.do(t, http.MethodPost, respond, &admin, map[string]any{}); code != http.StatusBadRequest {
		t.Fatalf("respond without approved = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodPost, respond, &applicant, map[string]any{"approved": true}); code != http.StatusForbidden {
		t.Fatalf("non-admin respond = %d, want 403", code)
	}
	if code, resp := env.do(t, http.MethodPost, respond, &admin, map[string]any{"approved": true}); code != http.StatusOK {
		t.Fatalf("approve = %d, error %q", code, resp.Error)
	}
	if code, _ := env.do(t, http.MethodPost, respond, &admin, map[string]any{"approved": true}); code != http.StatusNotFound {
		t.Fatalf("second approve = %d, want 404", code)
	}

	got, err := env.store.GetHatim(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("get hatim: %v", err)
	}
	if !got.HasParticipant(applicant) || got.HasJoinRequest(applicant) {
		t.Fatalf("participants=%v requests=%v", got.Participants, got.JoinRequests)
	}

	want := []events.Type{events.JoinRequestSubmitted, events.JoinRequestApproved}
	if types := env.recorder.Types(); !slices.Equal(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestPartRoutes(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	admin, outsider := uuid.New(), uuid.New()
	h := env.createHatim(t, admin, false)
	if code, _ := env.do(t, http.MethodPost, "/hatim/"+h.ID.String()+"/juz/31/claim", &admin, nil); code != http.StatusBadRequest {
		t.Fatalf("juz 31 claim = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/hatim/"+h.ID.String()+"/juz/5/claim", &outsider, nil); code != http.StatusForbidden {
		t.Fatalf("outsider claim = %d, want 403", code)
	}
	code, resp := env.do(t, http.MethodPost, "/hatim/"+h.ID.String()+"/juz/5/claim", &admin, nil)
	if code != http.StatusCreated {
		t.Fatalf("claim = %d, error %q", code, resp.Error)
	}
	part := decodeData[models.Part](t, resp)
	if part.JuzNumber != 5 || part.StartPage != 82 || part.EndPage != 101 {
		t.Fatalf("part = %+v", part)
	}
	partPath := "/hatim/juz/" + part.ID.String()

	if code, _ := env.do(t, http.MethodDelete, partPath, &outsider, nil); code != http.StatusForbidden {
		t.Fatalf("outsider delete = %d, want 403", code)
	}
	if code, resp := env.do(t, http.MethodPost, partPath+"/complete", &admin, nil); code != http.StatusOK {
		t.Fatalf("complete = %d, error %q", code, resp.Error)
	}
	code, resp = env.do(t, http.MethodDelete, partPath, &admin, nil)
	if code != http.StatusBadRequest || resp.Error != "completed part cannot be deleted" {
		t.Fatalf("delete completed = %d %q, want 400", code, resp.Error)
	}
	if code, _ := env.do(t, http.MethodDelete, "/hatim/juz/"+uuid.NewString(), &admin, nil); code != http.StatusNotFound {
		t.Fatalf("delete missing = %d, want 404", code)
	}
	if code, _ := env.do(t, http.MethodDelete, "/hatim/juz/nope", &admin, nil); code != http.StatusBadRequest {
		t.Fatalf("delete bad id = %d, want 400", code)
	}
}

func TestDeleteAndReleaseRoutes(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	admin := uuid.New()
	h := env.createHatim(t, admin, false)

	code, resp := env.do(t, http.MethodPost, "/hatim/"+h.ID.String()+"/juz/1/claim", &admin, nil)
	if code != http.StatusCreated {
		t.Fatalf("claim = %d, error %q", code, resp.Error)
	}
	part := decodeData[models.Part](t, resp)
	partPath := "/hatim/juz/" + part.ID.String()

	if code, resp := env.do(t, http.MethodPost, partPath+"/release", &admin, nil); code != http.StatusOK {
		t.Fatalf("release = %d, error %q", code, resp.Error)
	}
	if code, _ := env.do(t, http.MethodPost, partPath+"/release", &admin, nil); code != http.StatusBadRequest {
		t.Fatalf("second release = %d, want 400", code)
	}
	if code, resp := env.do(t, http.MethodDelete, partPath, &admin, nil); code != http.StatusOK {
		t.Fatalf("delete = %d, error %q", code, resp.Error)
	}

	got, _ := env.store.GetHatim(context.Background(), h.ID)
	if len(got.Parts) != 0 {
		t.Fatalf("parts = %v, want empty", got.Parts)
	}
	want := []events.Type{events.PartAssigned, events.PartReleased, events.PartDeleted}
	if types := env.recorder.Types(); !slices.Equal(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestSetStatusRoute(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	admin, member := uuid.New(), uuid.New()
	h := env.createHatim(t, admin, false)
	path := "/hatim/" + h.ID.String() + "/status"

	if code, _ := env.do(t, http.MethodPatch, path, &member, map[string]string{"status": "completed"}); code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", code)
	}
	if code, _ := env.do(t, http.MethodPatch, path, &admin, map[string]string{"status": "paused"}); code != http.StatusBadRequest {
		t.Fatalf("unknown status = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodPatch, path, &admin, map[string]string{"status": "active"}); code != http.StatusBadRequest {
		t.Fatalf("reactivate = %d, want 400", code)
	}
	code, resp := env.do(t, http.MethodPatch, path, &admin, map[string]string{"status": "cancelled"})
	if code != http.StatusOK {
		t.Fatalf("cancel = %d, error %q", code, resp.Error)
	}
	if got := decodeData[models.Hatim](t, resp); got.Status != models.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if code, _ := env.do(t, http.MethodPatch, path, &admin, map[string]string{"status": "completed"}); code != http.StatusBadRequest {
		t.Fatalf("close twice = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/hatim/group/"+h.ID.String()+"/join-request", ref(uuid.New()), nil); code != http.StatusBadRequest {
		t.Fatalf("join cancelled hatim = %d, want 400", code)
	}
}

func TestJoinRequestListingShowsTokenProfile(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	admin, applicant := uuid.New(), uuid.New()
	h := env.createHatim(t, admin, false)
	base := "/hatim/group/" + h.ID.String()

	if code, resp := env.do(t, http.MethodPost, base+"/join-request", &applicant, nil); code != http.StatusOK {
		t.Fatalf("submit = %d, error %q", code, resp.Error)
	}
	code, resp := env.do(t, http.MethodGet, base+"/join-requests", &admin, nil)
	if code != http.StatusOK {
		t.Fatalf("list = %d, error %q", code, resp.Error)
	}
	users := decodeData[[]models.UserSummary](t, resp)
	want := models.UserSummary{ID: applicant, Email: emailOf(applicant), FullName: nameOf(applicant)}
	if len(users) != 1 || users[0] != want {
		t.Fatalf("join requests = %+v, want [%+v]", users, want)
	}
}

func TestGetPrivateHatimVisibility(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	admin, member, stranger := uuid.New(), uuid.New(), uuid.New()
	h := env.createHatim(t, admin, true)
	if _, err := env.store.AddJoinRequest(context.Background(), h.ID, member); err != nil {
		t.Fatalf("add request: %v", err)
	}
	if err := env.store.ResolveJoinRequest(context.Background(), h.ID, member, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	path := "/hatim/" + h.ID.String()

	tests := []struct {
		name   string
		caller *uuid.UUID
		want   int
	}{
		{name: "anonymous", caller: nil, want: http.StatusNotFound},
		{name: "stranger", caller: &stranger, want: http.StatusNotFound},
		{name: "member", caller: &member, want: http.StatusOK},
		{name: "admin", caller: &admin, want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, resp := env.do(t, http.MethodGet, path, tc.caller, nil)
			if code != tc.want {
				t.Fatalf("status = %d (%q), want %d", code, resp.Error, tc.want)
			}
			if tc.want == http.StatusNotFound && len(resp.Data) != 0 {
				t.Fatalf("private hatim leaked: %s", resp.Data)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", w.Code)
	}
}
