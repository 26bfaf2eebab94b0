package feed

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository stores feeds in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert writes a new feed.
func (r *PostgresRepository) Insert(ctx context.Context, f Feed) (Feed, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO feeds (id, student_id, content, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, f.ID, f.StudentID, f.Content, f.IsRead, f.CreatedAt)
	return f, err
}

// List returns a page of feeds, newest first, plus the total matching count.
func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]Feed, int, error) {
	where := `WHERE ($1 = FALSE OR is_read = FALSE) AND ($2 = '' OR student_id = $2)`

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feeds `+where, filter.UnreadOnly, filter.StudentID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, content, is_read, created_at
		FROM feeds `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, filter.UnreadOnly, filter.StudentID, PageSize, filter.offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		var f Feed
		if err := rows.Scan(&f.ID, &f.StudentID, &f.Content, &f.IsRead, &f.CreatedAt); err != nil {
			return nil, 0, err
		}
		feeds = append(feeds, f)
	}
	return feeds, total, rows.Err()
}

// MarkRead flags a feed as read.
func (r *PostgresRepository) MarkRead(ctx context.Context, id string) error {
	return r.affectOne(ctx, `UPDATE feeds SET is_read = TRUE WHERE id = $1`, id)
}

// Delete removes a feed.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	return r.affectOne(ctx, `DELETE FROM feeds WHERE id = $1`, id)
}

func (r *PostgresRepository) affectOne(ctx context.Context, query, id string) error {
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats counts feeds in a single scan.
func (r *PostgresRepository) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_read = FALSE),
		       COUNT(*) FILTER (WHERE created_at >= $1)
		FROM feeds
	`, since).Scan(&s.Total, &s.Unread, &s.Today)
	return s, err
}

// OrphanIDs returns feeds whose student is not in live.
func (r *PostgresRepository) OrphanIDs(ctx context.Context, live []string) ([]string, error) {
	if live == nil {
		live = []string{}
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM feeds WHERE student_id <> ALL($1)`, live)
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

// DeleteByIDs removes exactly the given feeds.
func (r *PostgresRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
