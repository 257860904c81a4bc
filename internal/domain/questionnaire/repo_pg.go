package questionnaire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Admiral9633/fragebogen/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgRepo struct{ pool *pgxpool.Pool }

// NewPGRepo returns a Postgres-backed repository.
func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionCols = `id, token, patient_last_name, patient_first_name, patient_email,
	patient_birth_date, gdt_patient_id, gdt_request_id, created_at, expires_at,
	completed, completed_at, answers, ess_total, ess_band, invitation_sent_at`

func scanSession(row pgx.Row) (*Session, error) {
	var (
		s         Session
		birthDate *time.Time
		answers   []byte
		band      *string
	)
	err := row.Scan(&s.ID, &s.Token, &s.LastName, &s.FirstName, &s.Email,
		&birthDate, &s.GDTPatientID, &s.GDTRequestID, &s.CreatedAt, &s.ExpiresAt,
		&s.Completed, &s.CompletedAt, &answers, &s.ESSTotal, &band, &s.InvitationSentAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if birthDate != nil {
		d := NewDate(*birthDate)
		s.BirthDate = &d
	}
	if band != nil {
		b := Band(*band)
		s.ESSBand = &b
	}
	if answers != nil {
		if err := json.Unmarshal(answers, &s.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
	}
	return &s, nil
}

func birthDateArg(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	return &d.Time
}

func (r *pgRepo) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO questionnaire_session (id, token, patient_last_name, patient_first_name,
			patient_email, patient_birth_date, gdt_patient_id, gdt_request_id, created_at, expires_at)
		SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text, $6::date, $7::text, $8::text,
			$9::timestamptz, $10::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM retired_token WHERE token = $2)
		ON CONFLICT (token) DO NOTHING`,
		s.ID, s.Token, s.LastName, s.FirstName, s.Email,
		birthDateArg(s.BirthDate), s.GDTPatientID, s.GDTRequestID, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenCollision
	}
	return nil
}

func (r *pgRepo) GetByToken(ctx context.Context, token string) (*Session, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM questionnaire_session WHERE token = $1`, token))
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func listWhere(filter ListFilter, now time.Time) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	switch filter.Status {
	case StateCompleted:
		conds = append(conds, "completed")
	case StateOpen:
		args = append(args, now)
		conds = append(conds, fmt.Sprintf("NOT completed AND expires_at > $%d", len(args)))
	case StateExpired:
		args = append(args, now)
		conds = append(conds, fmt.Sprintf("NOT completed AND expires_at <= $%d", len(args)))
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		conds = append(conds, fmt.Sprintf("(patient_last_name ILIKE $%d OR patient_first_name ILIKE $%d)", len(args), len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *pgRepo) List(ctx context.Context, filter ListFilter, now time.Time, limit, offset int) ([]*Session, int, error) {
	where, args := listWhere(filter, now)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM questionnaire_session`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT `+sessionCols+` FROM questionnaire_session%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *pgRepo) UpdateIdentity(ctx context.Context, s *Session) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE questionnaire_session
		SET patient_last_name=$2, patient_first_name=$3, patient_email=$4, patient_birth_date=$5
		WHERE token = $1`,
		s.Token, s.LastName, s.FirstName, s.Email, birthDateArg(s.BirthDate))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) Complete(ctx context.Context, token string, c Completion) error {
	answers, err := json.Marshal(c.Answers.Clone())
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE questionnaire_session
		SET completed = TRUE, completed_at = $2, answers = $3::jsonb, ess_total = $4, ess_band = $5
		WHERE token = $1 AND NOT completed AND expires_at > $2`,
		token, c.CompletedAt, string(answers), c.Result.Total, string(c.Result.Band))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// The guard rejected the write; report why.
	cur, err := r.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if cur.Completed {
		return ErrAlreadyCompleted
	}
	return ErrExpired
}

func (r *pgRepo) MarkInvitationSent(ctx context.Context, token string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE questionnaire_session SET invitation_sent_at = $2 WHERE token = $1`, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) Delete(ctx context.Context, token string) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM questionnaire_session WHERE token = $1`, token)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = r.conn(ctx).Exec(ctx, `INSERT INTO retired_token (token) VALUES ($1) ON CONFLICT DO NOTHING`, token)
		return err
	})
}
