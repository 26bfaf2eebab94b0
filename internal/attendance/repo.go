package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ledger is the canonical store of attendance facts.
type Ledger interface {
	Insert(ctx context.Context, f Fact) (Fact, error)
	Delete(ctx context.Context, id string) error
	// UpdateForDay updates the fact for (student, period, subject, day) in place.
	// It never creates a row; false means nothing matched.
	UpdateForDay(ctx context.Context, studentID string, period int, subject string, day time.Time, upd FactUpdate) (bool, error)
	ListByStudent(ctx context.Context, studentID string, r Range) ([]Fact, error)
	ListByStudents(ctx context.Context, studentIDs []string, r Range) ([]Fact, error)
	OrphanIDs(ctx context.Context, live []string) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

const uniqueViolation = "23505"

const factColumns = `id, student_id, day, period, status, subject, unit, description, teacher_name, created_at, updated_at`

// PostgresLedger persists facts in the attendance_facts table.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger backed by db.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Insert writes a new fact. A second fact for the same student, day and period
// is rejected by the unique constraint and reported as ErrDuplicateSubmission.
func (r *PostgresLedger) Insert(ctx context.Context, f Fact) (Fact, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.Date = NormalizeDay(f.Date)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_facts (id, student_id, day, period, status, subject, unit, description, teacher_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, f.ID, f.StudentID, f.Date, f.Period, string(f.Status), f.Subject, f.Unit, f.Description, f.TeacherName, f.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Fact{}, ErrDuplicateSubmission
		}
		return Fact{}, err
	}
	return f, nil
}

// Delete removes a fact by id. Used only to undo a half-written student.
func (r *PostgresLedger) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM attendance_facts WHERE id = $1`, id)
	return err
}

func (r *PostgresLedger) UpdateForDay(ctx context.Context, studentID string, period int, subject string, day time.Time, upd FactUpdate) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_facts
		SET status = $5, unit = $6, description = $7, updated_at = $8
		WHERE student_id = $1 AND period = $2 AND subject = $3 AND day = $4
	`, studentID, period, subject, NormalizeDay(day), string(upd.Status), upd.Unit, upd.Description, upd.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByStudent returns facts ordered by (day, period).
func (r *PostgresLedger) ListByStudent(ctx context.Context, studentID string, rg Range) ([]Fact, error) {
	query := `SELECT ` + factColumns + ` FROM attendance_facts WHERE student_id = $1`
	args := []any{studentID}
	if rg.Bounded {
		query += ` AND day >= $2 AND day <= $3`
		args = append(args, rg.Start, rg.End)
	}
	query += ` ORDER BY day ASC, period ASC`
	return r.queryFacts(ctx, query, args...)
}

func (r *PostgresLedger) ListByStudents(ctx context.Context, studentIDs []string, rg Range) ([]Fact, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + factColumns + ` FROM attendance_facts WHERE student_id = ANY($1)`
	args := []any{studentIDs}
	if rg.Bounded {
		query += ` AND day >= $2 AND day <= $3`
		args = append(args, rg.Start, rg.End)
	}
	query += ` ORDER BY student_id, day ASC, period ASC`
	return r.queryFacts(ctx, query, args...)
}

// OrphanIDs returns ids of facts whose student is not in live.
func (r *PostgresLedger) OrphanIDs(ctx context.Context, live []string) ([]string, error) {
	if live == nil {
		live = []string{}
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM attendance_facts WHERE student_id <> ALL($1)`, live)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresLedger) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_facts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresLedger) queryFacts(ctx context.Context, query string, args ...any) ([]Fact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Fact
	for rows.Next() {
		var (
			f       Fact
			status  string
			updated sql.NullTime
		)
		if err := rows.Scan(&f.ID, &f.StudentID, &f.Date, &f.Period, &status, &f.Subject, &f.Unit, &f.Description, &f.TeacherName, &f.CreatedAt, &updated); err != nil {
			return nil, err
		}
		f.Status = Status(status)
		f.Date = NormalizeDay(f.Date)
		if updated.Valid {
			ts := updated.Time
			f.UpdatedAt = &ts
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
