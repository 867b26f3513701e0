// Package sqlite provides a SQLite-backed hatim store for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/hatim-circle/backend/internal/models"
	"github.com/hatim-circle/backend/internal/store"
	"github.com/hatim-circle/backend/pkg/database"
)

// Store persists hatim state in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := database.NewSQLite(ctx, path, logger)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for maintenance tooling.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateHatim(ctx context.Context, h *models.Hatim) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.Status == "" {
		h.Status = models.StatusActive
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	h.CreatedAt, h.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create hatim: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO hatims (id, title, kind, admin_id, start_date, end_date, status, is_private, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, h.ID.String(), h.Title, string(h.Kind), h.AdminID.String(),
		toMillis(h.StartDate), toMillis(h.EndDate), string(h.Status), h.IsPrivate,
		toMillis(now), toMillis(now)); err != nil {
		return fmt.Errorf("insert hatim: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO hatim_participants (hatim_id, user_id, joined_at) VALUES (?, ?, ?)`,
		h.ID.String(), h.AdminID.String(), toMillis(now)); err != nil {
		return fmt.Errorf("insert admin participant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create hatim: %w", err)
	}
	h.Participants = []uuid.UUID{h.AdminID}
	h.JoinRequests = []uuid.UUID{}
	h.Parts = []uuid.UUID{}
	return nil
}

func (s *Store) GetHatim(ctx context.Context, id uuid.UUID) (*models.Hatim, error) {
	const q = `SELECT id, title, kind, admin_id, start_date, end_date, status, is_private, created_at, updated_at
		FROM hatims WHERE id = ?`
	var (
		h                               models.Hatim
		rawID, rawAdmin, kind, status   string
		start, end, createdAt, updateAt int64
	)
	err := s.db.QueryRowContext(ctx, q, id.String()).Scan(&rawID, &h.Title, &kind, &rawAdmin,
		&start, &end, &status, &h.IsPrivate, &createdAt, &updateAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hatim: %w", err)
	}
	if h.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("parse hatim id: %w", err)
	}
	if h.AdminID, err = uuid.Parse(rawAdmin); err != nil {
		return nil, fmt.Errorf("parse admin id: %w", err)
	}
	h.Kind = models.HatimKind(kind)
	h.Status = models.HatimStatus(status)
	h.StartDate, h.EndDate = fromMillis(start), fromMillis(end)
	h.CreatedAt, h.UpdatedAt = fromMillis(createdAt), fromMillis(updateAt)

	if h.Participants, err = s.listIDs(ctx,
		`SELECT user_id FROM hatim_participants WHERE hatim_id = ? ORDER BY joined_at, rowid`, id); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if h.JoinRequests, err = s.listIDs(ctx,
		`SELECT user_id FROM hatim_join_requests WHERE hatim_id = ? ORDER BY requested_at, rowid`, id); err != nil {
		return nil, fmt.Errorf("list join requests: %w", err)
	}
	if h.Parts, err = s.listIDs(ctx,
		`SELECT id FROM parts WHERE hatim_id = ? ORDER BY juz_number`, id); err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	return &h, nil
}

func (s *Store) listIDs(ctx context.Context, q string, args ...any) ([]uuid.UUID, error) {
	for i, a := range args {
		if id, ok := a.(uuid.UUID); ok {
			args[i] = id.String()
		}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []uuid.UUID{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListPublicHatims(ctx context.Context) ([]*models.Hatim, error) {
	// ids are collected before loading aggregates; the pool has one connection.
	ids, err := s.listIDs(ctx, `SELECT id FROM hatims WHERE is_private = 0 ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list public hatims: %w", err)
	}
	list := make([]*models.Hatim, 0, len(ids))
	for _, id := range ids {
		h, err := s.GetHatim(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		list = append(list, h)
	}
	return list, nil
}

func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.HatimStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hatims SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(s.now()), id.String(), string(from))
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.missingOr(ctx, `SELECT 1 FROM hatims WHERE id = ?`, id, store.ErrConflict)
}

// missingOr returns ErrNotFound when the probe finds no row, otherwise fallback.
func (s *Store) missingOr(ctx context.Context, probe string, id uuid.UUID, fallback error) error {
	var one int
	err := s.db.QueryRowContext(ctx, probe, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("probe row: %w", err)
	}
	return fallback
}

// requireActive reads the hatim status inside tx. Transactions begin
// immediate, so the status cannot change before tx commits.
func requireActive(ctx context.Context, tx *sql.Tx, hatimID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM hatims WHERE id = ?`, hatimID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read hatim status: %w", err)
	}
	if models.HatimStatus(status) != models.StatusActive {
		return store.ErrNotActive
	}
	return nil
}

func (s *Store) AddJoinRequest(ctx context.Context, hatimID, userID uuid.UUID) (store.JoinOutcome, error) {
	hid, uid := hatimID.String(), userID.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add join request: %w", err)
	}
	defer tx.Rollback()

	if err := requireActive(ctx, tx, hid); err != nil {
		return 0, err
	}
	const q = `INSERT INTO hatim_join_requests (hatim_id, user_id, requested_at)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM hatim_participants WHERE hatim_id = ? AND user_id = ?)
		ON CONFLICT (hatim_id, user_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, q, hid, uid, toMillis(s.now()), hid, uid)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("add join request: %w", err)
	}

	outcome := store.JoinAdded
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM hatim_join_requests WHERE hatim_id = ? AND user_id = ?`, hid, uid).Scan(&one)
		switch {
		case err == nil:
			outcome = store.JoinAlreadyRequested
		case errors.Is(err, sql.ErrNoRows):
			outcome = store.JoinAlreadyParticipant
		default:
			return 0, fmt.Errorf("classify join request: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add join request: %w", err)
	}
	return outcome, nil
}

func (s *Store) ResolveJoinRequest(ctx context.Context, hatimID, userID uuid.UUID, approve bool) error {
	hid, uid := hatimID.String(), userID.String()
	now := toMillis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve join request: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM hatim_join_requests WHERE hatim_id = ? AND user_id = ?`, hid, uid)
	if err != nil {
		return fmt.Errorf("remove join request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	if approve {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hatim_participants (hatim_id, user_id, joined_at) VALUES (?, ?, ?)
			 ON CONFLICT (hatim_id, user_id) DO NOTHING`, hid, uid, now); err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE hatims SET updated_at = ? WHERE id = ?`, now, hid); err != nil {
		return fmt.Errorf("touch hatim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolve join request: %w", err)
	}
	return nil
}

const partColumns = `id, hatim_id, juz_number, holder_id, is_completed, start_page, end_page, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPart(row rowScanner) (*models.Part, error) {
	var (
		p                    models.Part
		rawID, rawHatim      string
		holder               sql.NullString
		completedAt          sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rawID, &rawHatim, &p.JuzNumber, &holder, &p.IsCompleted,
		&p.StartPage, &p.EndPage, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("parse part id: %w", err)
	}
	if p.HatimID, err = uuid.Parse(rawHatim); err != nil {
		return nil, fmt.Errorf("parse part hatim id: %w", err)
	}
	if holder.Valid {
		h, err := uuid.Parse(holder.String)
		if err != nil {
			return nil, fmt.Errorf("parse holder id: %w", err)
		}
		p.HolderID = &h
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		p.CompletedAt = &t
	}
	p.CreatedAt, p.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return &p, nil
}

func (s *Store) GetPart(ctx context.Context, id uuid.UUID) (*models.Part, error) {
	p, err := scanPart(s.db.QueryRowContext(ctx, `SELECT `+partColumns+` FROM parts WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get part: %w", err)
	}
	return p, nil
}

func (s *Store) ClaimPart(ctx context.Context, hatimID uuid.UUID, juz int, userID uuid.UUID) (*models.Part, error) {
	hid, uid := hatimID.String(), userID.String()
	now := toMillis(s.now())
	startPage, endPage := models.JuzPages(juz)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim part: %w", err)
	}
	defer tx.Rollback()

	if err := requireActive(ctx, tx, hid); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO parts (id, hatim_id, juz_number, holder_id, is_completed, start_page, end_page, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT (hatim_id, juz_number) DO NOTHING`,
		uuid.New().String(), hid, juz, uid, startPage, endPage, now, now)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("insert part: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		res, err = tx.ExecContext(ctx,
			`UPDATE parts SET holder_id = ?, updated_at = ?
			 WHERE hatim_id = ? AND juz_number = ? AND holder_id IS NULL AND is_completed = 0`,
			uid, now, hid, juz)
		if err != nil {
			return nil, fmt.Errorf("assign part: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, store.ErrConflict
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE hatims SET updated_at = ? WHERE id = ?`, now, hid); err != nil {
		return nil, fmt.Errorf("touch hatim: %w", err)
	}
	p, err := scanPart(tx.QueryRowContext(ctx,
		`SELECT `+partColumns+` FROM parts WHERE hatim_id = ? AND juz_number = ?`, hid, juz))
	if err != nil {
		return nil, fmt.Errorf("reload claimed part: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim part: %w", err)
	}
	return p, nil
}

func (s *Store) CompletePart(ctx context.Context, id, holderID uuid.UUID) (*models.Part, error) {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE parts SET is_completed = 1, completed_at = ?, updated_at = ?
		 WHERE id = ? AND holder_id = ? AND is_completed = 0`,
		now, now, id.String(), holderID.String())
	if err != nil {
		return nil, fmt.Errorf("complete part: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.missingOr(ctx, `SELECT 1 FROM parts WHERE id = ?`, id, store.ErrConflict)
	}
	return s.GetPart(ctx, id)
}

func (s *Store) ReleasePart(ctx context.Context, id, holderID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parts SET holder_id = NULL, updated_at = ?
		 WHERE id = ? AND holder_id = ? AND is_completed = 0`,
		toMillis(s.now()), id.String(), holderID.String())
	if err != nil {
		return fmt.Errorf("release part: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOr(ctx, `SELECT 1 FROM parts WHERE id = ?`, id, store.ErrConflict)
	}
	return nil
}

func (s *Store) DeletePart(ctx context.Context, id uuid.UUID, holder *uuid.UUID) error {
	var expected any
	if holder != nil {
		expected = holder.String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete part: %w", err)
	}
	defer tx.Rollback()

	var hatimID string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM parts WHERE id = ? AND is_completed = 0 AND holder_id IS ? RETURNING hatim_id`,
		id.String(), expected).Scan(&hatimID)
	if errors.Is(err, sql.ErrNoRows) {
		var one int
		probe := tx.QueryRowContext(ctx, `SELECT 1 FROM parts WHERE id = ?`, id.String()).Scan(&one)
		if errors.Is(probe, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if probe != nil {
			return fmt.Errorf("probe part: %w", probe)
		}
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("delete part: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE hatims SET updated_at = ? WHERE id = ?`,
		toMillis(s.now()), hatimID); err != nil {
		return fmt.Errorf("touch hatim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete part: %w", err)
	}
	return nil
}

func (s *Store) Reconcile(ctx context.Context) (store.ReconcileReport, error) {
	var report store.ReconcileReport
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		q   string
		dst *int
	}{
		{`DELETE FROM parts WHERE NOT EXISTS (SELECT 1 FROM hatims h WHERE h.id = parts.hatim_id)`, &report.OrphanParts},
		{`DELETE FROM hatim_participants WHERE NOT EXISTS (SELECT 1 FROM hatims h WHERE h.id = hatim_participants.hatim_id)`, &report.OrphanParticipants},
		{`DELETE FROM hatim_join_requests WHERE NOT EXISTS (SELECT 1 FROM hatims h WHERE h.id = hatim_join_requests.hatim_id)`, &report.OrphanJoinRequests},
		{`DELETE FROM hatim_join_requests WHERE EXISTS (
			SELECT 1 FROM hatim_participants p
			WHERE p.hatim_id = hatim_join_requests.hatim_id AND p.user_id = hatim_join_requests.user_id)`, &report.OverlappingRequests},
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.q)
		if err != nil {
			return store.ReconcileReport{}, fmt.Errorf("reconcile: %w", err)
		}
		n, _ := res.RowsAffected()
		*step.dst = int(n)
	}
	if err := tx.Commit(); err != nil {
		return store.ReconcileReport{}, fmt.Errorf("commit reconcile: %w", err)
	}
	return report, nil
}

func (s *Store) UpsertUser(ctx context.Context, u models.UserSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, full_name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET email = excluded.email, full_name = excluded.full_name`,
		u.ID.String(), u.Email, u.FullName, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Store) UserSummaries(ctx context.Context, ids []uuid.UUID) ([]models.UserSummary, error) {
	out := make([]models.UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
		out[i] = models.UserSummary{ID: id}
	}
	q := `SELECT id, email, full_name FROM users WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("user summaries: %w", err)
	}
	defer rows.Close()

	found := make(map[uuid.UUID]models.UserSummary, len(ids))
	for rows.Next() {
		var raw string
		var u models.UserSummary
		if err := rows.Scan(&raw, &u.Email, &u.FullName); err != nil {
			return nil, fmt.Errorf("scan user summary: %w", err)
		}
		if u.ID, err = uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("parse user id: %w", err)
		}
		found[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user summaries: %w", err)
	}
	for i, id := range ids {
		if u, ok := found[id]; ok {
			out[i] = u
		}
	}
	return out, nil
}

func isConstraint(err error, code int) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == code
	}
	return false
}
