// Package postgres is the production hatim store on top of a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hatim-circle/backend/internal/models"
	"github.com/hatim-circle/backend/internal/store"
)

const foreignKeyViolation = "23503"

// Store persists hatim state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an already migrated pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateHatim(ctx context.Context, h *models.Hatim) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.Status == "" {
		h.Status = models.StatusActive
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const q = `INSERT INTO hatims (id, title, kind, admin_id, start_date, end_date, status, is_private)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at`
		if err := tx.QueryRow(ctx, q, h.ID, h.Title, string(h.Kind), h.AdminID, h.StartDate, h.EndDate,
			string(h.Status), h.IsPrivate).Scan(&h.CreatedAt, &h.UpdatedAt); err != nil {
			return fmt.Errorf("insert hatim: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO hatim_participants (hatim_id, user_id) VALUES ($1, $2)`, h.ID, h.AdminID); err != nil {
			return fmt.Errorf("insert admin participant: %w", err)
		}
		h.Participants = []uuid.UUID{h.AdminID}
		h.JoinRequests = []uuid.UUID{}
		h.Parts = []uuid.UUID{}
		return nil
	})
}

func (s *Store) GetHatim(ctx context.Context, id uuid.UUID) (*models.Hatim, error) {
	const q = `SELECT id, title, kind, admin_id, start_date, end_date, status, is_private, created_at, updated_at
		FROM hatims WHERE id = $1`
	var (
		h            models.Hatim
		kind, status string
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&h.ID, &h.Title, &kind, &h.AdminID, &h.StartDate, &h.EndDate,
		&status, &h.IsPrivate, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hatim: %w", err)
	}
	h.Kind = models.HatimKind(kind)
	h.Status = models.HatimStatus(status)

	if h.Participants, err = s.listIDs(ctx,
		`SELECT user_id FROM hatim_participants WHERE hatim_id = $1 ORDER BY joined_at, user_id`, id); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if h.JoinRequests, err = s.listIDs(ctx,
		`SELECT user_id FROM hatim_join_requests WHERE hatim_id = $1 ORDER BY requested_at, user_id`, id); err != nil {
		return nil, fmt.Errorf("list join requests: %w", err)
	}
	if h.Parts, err = s.listIDs(ctx,
		`SELECT id FROM parts WHERE hatim_id = $1 ORDER BY juz_number`, id); err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	return &h, nil
}

func (s *Store) listIDs(ctx context.Context, q string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListPublicHatims(ctx context.Context) ([]*models.Hatim, error) {
	ids, err := s.listIDs(ctx, `SELECT id FROM hatims WHERE NOT is_private ORDER BY created_at DESC, id`)
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE hatims SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOr(ctx, s.pool, `SELECT 1 FROM hatims WHERE id = $1`, id, store.ErrConflict)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missingOr returns ErrNotFound when the probe finds no row, otherwise fallback.
func (s *Store) missingOr(ctx context.Context, db querier, probe string, id uuid.UUID, fallback error) error {
	var one int
	err := db.QueryRow(ctx, probe, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("probe row: %w", err)
	}
	return fallback
}

// lockHatim takes the row lock on the hatim for the rest of tx. Membership
// and claim writes serialise on it with each other and with TransitionStatus.
func lockHatim(ctx context.Context, tx pgx.Tx, id uuid.UUID) (models.HatimStatus, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM hatims WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock hatim: %w", err)
	}
	return models.HatimStatus(status), nil
}

func lockActiveHatim(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	status, err := lockHatim(ctx, tx, id)
	if err != nil {
		return err
	}
	if status != models.StatusActive {
		return store.ErrNotActive
	}
	return nil
}

func (s *Store) AddJoinRequest(ctx context.Context, hatimID, userID uuid.UUID) (store.JoinOutcome, error) {
	var outcome store.JoinOutcome
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockActiveHatim(ctx, tx, hatimID); err != nil {
			return err
		}
		const q = `INSERT INTO hatim_join_requests (hatim_id, user_id)
			SELECT $1::uuid, $2::uuid
			WHERE NOT EXISTS (SELECT 1 FROM hatim_participants WHERE hatim_id = $1 AND user_id = $2)
			ON CONFLICT (hatim_id, user_id) DO NOTHING`
		tag, err := tx.Exec(ctx, q, hatimID, userID)
		if err != nil {
			if isForeignKey(err) {
				return store.ErrNotFound
			}
			return fmt.Errorf("add join request: %w", err)
		}
		if tag.RowsAffected() == 1 {
			outcome = store.JoinAdded
			return nil
		}

		var pending bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM hatim_join_requests WHERE hatim_id = $1 AND user_id = $2)`,
			hatimID, userID).Scan(&pending); err != nil {
			return fmt.Errorf("classify join request: %w", err)
		}
		outcome = store.JoinAlreadyParticipant
		if pending {
			outcome = store.JoinAlreadyRequested
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

func (s *Store) ResolveJoinRequest(ctx context.Context, hatimID, userID uuid.UUID, approve bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := lockHatim(ctx, tx, hatimID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM hatim_join_requests WHERE hatim_id = $1 AND user_id = $2`, hatimID, userID)
		if err != nil {
			return fmt.Errorf("remove join request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		if approve {
			if _, err := tx.Exec(ctx,
				`INSERT INTO hatim_participants (hatim_id, user_id) VALUES ($1, $2)
				 ON CONFLICT (hatim_id, user_id) DO NOTHING`, hatimID, userID); err != nil {
				return fmt.Errorf("add participant: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE hatims SET updated_at = NOW() WHERE id = $1`, hatimID); err != nil {
			return fmt.Errorf("touch hatim: %w", err)
		}
		return nil
	})
}

const partColumns = `id, hatim_id, juz_number, holder_id, is_completed, start_page, end_page, completed_at, created_at, updated_at`

func scanPart(row pgx.Row) (*models.Part, error) {
	var p models.Part
	if err := row.Scan(&p.ID, &p.HatimID, &p.JuzNumber, &p.HolderID, &p.IsCompleted,
		&p.StartPage, &p.EndPage, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPart(ctx context.Context, id uuid.UUID) (*models.Part, error) {
	p, err := scanPart(s.pool.QueryRow(ctx, `SELECT `+partColumns+` FROM parts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get part: %w", err)
	}
	return p, nil
}

func (s *Store) ClaimPart(ctx context.Context, hatimID uuid.UUID, juz int, userID uuid.UUID) (*models.Part, error) {
	startPage, endPage := models.JuzPages(juz)
	var claimed *models.Part
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockActiveHatim(ctx, tx, hatimID); err != nil {
			return err
		}
		p, err := scanPart(tx.QueryRow(ctx,
			`INSERT INTO parts (hatim_id, juz_number, holder_id, start_page, end_page)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (hatim_id, juz_number) DO NOTHING
			 RETURNING `+partColumns,
			hatimID, juz, userID, startPage, endPage))
		if errors.Is(err, pgx.ErrNoRows) {
			p, err = scanPart(tx.QueryRow(ctx,
				`UPDATE parts SET holder_id = $1, updated_at = NOW()
				 WHERE hatim_id = $2 AND juz_number = $3 AND holder_id IS NULL AND NOT is_completed
				 RETURNING `+partColumns,
				userID, hatimID, juz))
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrConflict
			}
		}
		if err != nil {
			if isForeignKey(err) {
				return store.ErrNotFound
			}
			return fmt.Errorf("claim part: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE hatims SET updated_at = NOW() WHERE id = $1`, hatimID); err != nil {
			return fmt.Errorf("touch hatim: %w", err)
		}
		claimed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) CompletePart(ctx context.Context, id, holderID uuid.UUID) (*models.Part, error) {
	p, err := scanPart(s.pool.QueryRow(ctx,
		`UPDATE parts SET is_completed = TRUE, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND holder_id = $2 AND NOT is_completed
		 RETURNING `+partColumns, id, holderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missingOr(ctx, s.pool, `SELECT 1 FROM parts WHERE id = $1`, id, store.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("complete part: %w", err)
	}
	return p, nil
}

func (s *Store) ReleasePart(ctx context.Context, id, holderID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE parts SET holder_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND holder_id = $2 AND NOT is_completed`, id, holderID)
	if err != nil {
		return fmt.Errorf("release part: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx, s.pool, `SELECT 1 FROM parts WHERE id = $1`, id, store.ErrConflict)
	}
	return nil
}

func (s *Store) DeletePart(ctx context.Context, id uuid.UUID, holder *uuid.UUID) error {
	var hatimID uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT hatim_id FROM parts WHERE id = $1`, id).Scan(&hatimID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load part hatim: %w", err)
	}
	// The hatim is locked before the part, the same order ClaimPart uses.
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := lockHatim(ctx, tx, hatimID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM parts WHERE id = $1 AND hatim_id = $2 AND NOT is_completed
			 AND holder_id IS NOT DISTINCT FROM $3`, id, hatimID, holder)
		if err != nil {
			return fmt.Errorf("delete part: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missingOr(ctx, tx, `SELECT 1 FROM parts WHERE id = $1`, id, store.ErrConflict)
		}
		if _, err := tx.Exec(ctx, `UPDATE hatims SET updated_at = NOW() WHERE id = $1`, hatimID); err != nil {
			return fmt.Errorf("touch hatim: %w", err)
		}
		return nil
	})
}

func (s *Store) Reconcile(ctx context.Context) (store.ReconcileReport, error) {
	var report store.ReconcileReport
	steps := []struct {
		q   string
		dst *int
	}{
		{`DELETE FROM parts p WHERE NOT EXISTS (SELECT 1 FROM hatims h WHERE h.id = p.hatim_id)`, &report.OrphanParts},
		{`DELETE FROM hatim_participants hp WHERE NOT EXISTS (SELECT 1 FROM hatims h WHERE h.id = hp.hatim_id)`, &report.OrphanParticipants},
		{`DELETE FROM hatim_join_requests jr WHERE NOT EXISTS (SELECT 1 FROM hatims h WHERE h.id = jr.hatim_id)`, &report.OrphanJoinRequests},
		{`DELETE FROM hatim_join_requests jr USING hatim_participants hp
			WHERE hp.hatim_id = jr.hatim_id AND hp.user_id = jr.user_id`, &report.OverlappingRequests},
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, step := range steps {
			tag, err := tx.Exec(ctx, step.q)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			*step.dst = int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return store.ReconcileReport{}, err
	}
	return report, nil
}

func (s *Store) UpsertUser(ctx context.Context, u models.UserSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, full_name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, full_name = EXCLUDED.full_name`,
		u.ID, u.Email, u.FullName)
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
	for i, id := range ids {
		out[i] = models.UserSummary{ID: id}
	}
	rows, err := s.pool.Query(ctx, `SELECT id, email, full_name FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("user summaries: %w", err)
	}
	defer rows.Close()

	found := make(map[uuid.UUID]models.UserSummary, len(ids))
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName); err != nil {
			return nil, fmt.Errorf("scan user summary: %w", err)
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

func isForeignKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
