package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength bounds a feed message in characters.
const MaxContentLength = 300

// PageSize is the number of feeds per listing page.
const PageSize = 20

var (
	ErrNotFound       = errors.New("feed not found")
	ErrInvalidContent = errors.New("feed content must be 1-300 characters")
	ErrUnknownStudent = errors.New("student not found")
)

// Feed is a message posted by a student.
type Feed struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter narrows a listing. Page is 1-based.
type ListFilter struct {
	UnreadOnly bool
	StudentID  string
	Page       int
}

func (f ListFilter) offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * PageSize
}

// Page is one page of feeds, newest first.
type Page struct {
	Feeds      []Feed `json:"feeds"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
	Total      int    `json:"total"`
}

// Stats counts feeds for the admin dashboard.
type Stats struct {
	Total  int `json:"total"`
	Unread int `json:"unread"`
	Today  int `json:"today"`
}

// Repository persists feeds.
type Repository interface {
	Insert(ctx context.Context, f Feed) (Feed, error)
	List(ctx context.Context, filter ListFilter) ([]Feed, int, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context, since time.Time) (Stats, error)
	OrphanIDs(ctx context.Context, live []string) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// StudentChecker confirms a student is live.
type StudentChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Service handles feed posting and moderation.
type Service struct {
	repo     Repository
	students StudentChecker
	now      func() time.Time
}

func NewService(repo Repository, students StudentChecker, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, students: students, now: now}
}

// Post stores a new unread feed for a live student.
func (s *Service) Post(ctx context.Context, studentID, content string) (Feed, error) {
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n == 0 || n > MaxContentLength {
		return Feed{}, ErrInvalidContent
	}
	ok, err := s.students.Exists(ctx, studentID)
	if err != nil {
		return Feed{}, fmt.Errorf("check student: %w", err)
	}
	if !ok {
		return Feed{}, ErrUnknownStudent
	}
	return s.repo.Insert(ctx, Feed{StudentID: studentID, Content: content, CreatedAt: s.now().UTC()})
}

// List returns one page of feeds.
func (s *Service) List(ctx context.Context, filter ListFilter) (Page, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	feeds, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	if feeds == nil {
		feeds = []Feed{}
	}
	return Page{
		Feeds:      feeds,
		Page:       filter.Page,
		TotalPages: (total + PageSize - 1) / PageSize,
		Total:      total,
	}, nil
}

func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.repo.MarkRead(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// Stats counts all feeds, unread feeds and feeds posted since UTC midnight.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.Stats(ctx, midnight)
}
