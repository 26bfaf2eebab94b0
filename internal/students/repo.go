package students

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"mithla/internal/attendance"
)

// Repository persists students. Expired rows are invisible to every read.
type Repository interface {
	Create(ctx context.Context, s Student) (Student, error)
	Get(ctx context.Context, id string) (Student, error)
	GetByRollNo(ctx context.Context, rollNo int) (Student, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	Archive(ctx context.Context, id string, at time.Time) (Archive, error)
	LiveIDs(ctx context.Context) ([]string, error)
	Roster(ctx context.Context, key attendance.SessionKey) ([]attendance.Member, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PostgresRepository stores students in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const (
	studentColumns = `id, roll_no, name, father_name, section, class, session, semester, email, password_hash, subjects, created_at, expire_at`
	liveClause     = `(expire_at IS NULL OR expire_at > NOW())`
)

// Create inserts a student. A taken roll number yields ErrDuplicateRollNo.
func (r *PostgresRepository) Create(ctx context.Context, s Student) (Student, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	subjects, err := json.Marshal(nonNil(s.Subjects))
	if err != nil {
		return Student{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.ID, s.RollNo, s.Name, s.FatherName, s.Section, s.Class, s.Session, s.Semester,
		s.Email, s.PasswordHash, subjects, s.CreatedAt, s.ExpireAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Student{}, fmt.Errorf("%w: %d", ErrDuplicateRollNo, s.RollNo)
		}
		return Student{}, err
	}
	return s, nil
}

// Get returns a live student by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Student, error) {
	return r.getOne(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1 AND `+liveClause, id)
}

// GetByRollNo returns a live student by roll number.
func (r *PostgresRepository) GetByRollNo(ctx context.Context, rollNo int) (Student, error) {
	return r.getOne(ctx, `SELECT `+studentColumns+` FROM students WHERE roll_no = $1 AND `+liveClause, rollNo)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrNotFound
	}
	return s, err
}

// Exists reports whether a live student has the id.
func (r *PostgresRepository) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM students WHERE id = $1 AND `+liveClause+`)`, id).Scan(&ok)
	return ok, err
}

// Delete removes a student. Their attendance and feeds are left for the sweeper.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive copies the student into student_archive and deletes the live row in one transaction.
func (r *PostgresRepository) Archive(ctx context.Context, id string, at time.Time) (Archive, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Archive{}, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := scanStudent(tx.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Archive{}, ErrNotFound
	}
	if err != nil {
		return Archive{}, err
	}

	a := Archive{ID: uuid.NewString(), OriginalID: s.ID, Student: s, ArchivedAt: at.UTC(), PassoutYear: at.UTC().Year()}
	subjects, err := json.Marshal(nonNil(s.Subjects))
	if err != nil {
		return Archive{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO student_archive (id, original_student_id, roll_no, name, father_name, section, class, session, semester, email, subjects, archived_at, passout_year)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, s.ID, s.RollNo, s.Name, s.FatherName, s.Section, s.Class, s.Session, s.Semester,
		s.Email, subjects, a.ArchivedAt, a.PassoutYear); err != nil {
		return Archive{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id); err != nil {
		return Archive{}, err
	}
	if err := tx.Commit(); err != nil {
		return Archive{}, err
	}
	return a, nil
}

// LiveIDs returns the ids of every unexpired student.
func (r *PostgresRepository) LiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM students WHERE `+liveClause)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Roster lists the live students of a class, semester and section by roll number.
func (r *PostgresRepository) Roster(ctx context.Context, key attendance.SessionKey) ([]attendance.Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, roll_no, name, father_name
		FROM students
		WHERE class = $1 AND semester = $2 AND section = $3 AND `+liveClause+`
		ORDER BY roll_no ASC
	`, key.Class, key.Semester, key.Section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []attendance.Member
	for rows.Next() {
		var m attendance.Member
		if err := rows.Scan(&m.ID, &m.RollNo, &m.Name, &m.FatherName); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PurgeExpired deletes students whose expiry has passed.
func (r *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE expire_at IS NOT NULL AND expire_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (Student, error) {
	var (
		s        Student
		email    sql.NullString
		hash     sql.NullString
		subjects []byte
		expireAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.RollNo, &s.Name, &s.FatherName, &s.Section, &s.Class, &s.Session, &s.Semester,
		&email, &hash, &subjects, &s.CreatedAt, &expireAt); err != nil {
		return Student{}, err
	}
	s.Email = email.String
	s.PasswordHash = hash.String
	if len(subjects) > 0 {
		if err := json.Unmarshal(subjects, &s.Subjects); err != nil {
			return Student{}, fmt.Errorf("decode subjects of %s: %w", s.ID, err)
		}
	}
	if expireAt.Valid {
		t := expireAt.Time
		s.ExpireAt = &t
	}
	return s, nil
}

func nonNil(s []Subject) []Subject {
	if s == nil {
		return []Subject{}
	}
	return s
}
