package students

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"mithla/internal/attendance"
	"mithla/internal/queue"
)

// Service manages the student lifecycle. Removing a student never touches
// attendance or feeds directly; it announces the removal so the sweeper can
// reconcile.
type Service struct {
	repo  Repository
	queue queue.Queue
	now   func() time.Time
	log   *zap.Logger
}

// NewService wires the repository and the event queue. q may be nil.
func NewService(repo Repository, q queue.Queue, log *zap.Logger, now func() time.Time) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, queue: q, now: now, log: log}
}

// Create stores a new student with a computed expiry and a hashed password.
func (s *Service) Create(ctx context.Context, in NewStudent) (Student, error) {
	if err := in.validate(); err != nil {
		return Student{}, err
	}
	now := s.now().UTC()
	st := Student{
		RollNo:     in.RollNo,
		Name:       strings.TrimSpace(in.Name),
		FatherName: strings.TrimSpace(in.FatherName),
		Section:    strings.TrimSpace(in.Section),
		Class:      strings.TrimSpace(in.Class),
		Session:    strings.TrimSpace(in.Session),
		Semester:   strings.TrimSpace(in.Semester),
		Email:      strings.TrimSpace(in.Email),
		Subjects:   in.Subjects,
		CreatedAt:  now,
		ExpireAt:   ComputeExpiry(in.Class, in.Session, now),
	}
	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			return Student{}, err
		}
		st.PasswordHash = string(hash)
	}
	return s.repo.Create(ctx, st)
}

func (s *Service) Get(ctx context.Context, id string) (Student, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	return s.repo.Exists(ctx, id)
}

func (s *Service) LiveIDs(ctx context.Context) ([]string, error) {
	return s.repo.LiveIDs(ctx)
}

func (s *Service) Roster(ctx context.Context, key attendance.SessionKey) ([]attendance.Member, error) {
	return s.repo.Roster(ctx, key)
}

// Authenticate checks a student's roll number and password.
func (s *Service) Authenticate(ctx context.Context, rollNo int, password string) (Student, error) {
	st, err := s.repo.GetByRollNo(ctx, rollNo)
	if errors.Is(err, ErrNotFound) {
		return Student{}, ErrInvalidCredentials
	}
	if err != nil {
		return Student{}, err
	}
	if st.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(st.PasswordHash), []byte(password)) != nil {
		return Student{}, ErrInvalidCredentials
	}
	return st, nil
}

// Delete removes the student and announces it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.announce(ctx, id)
	return nil
}

// Passout archives the student, removes the live record and announces it.
func (s *Service) Passout(ctx context.Context, id string) (Archive, error) {
	a, err := s.repo.Archive(ctx, id, s.now())
	if err != nil {
		return Archive{}, err
	}
	s.announce(ctx, id)
	return a, nil
}

// PurgeExpired evicts students past their expiry and returns how many went.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired students evicted", zap.Int64("count", n))
		s.publish(ctx, queue.Message{Type: queue.TypeSweep})
	}
	return n, nil
}

func (s *Service) announce(ctx context.Context, id string) {
	s.log.Info("student removed", zap.String("student", id))
	s.publish(ctx, queue.Message{Type: queue.TypeStudentDeleted, Body: []byte(id)})
}

// publish is best effort: the scheduled sweep catches anything a lost message misses.
func (s *Service) publish(ctx context.Context, msg queue.Message) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Publish(ctx, msg); err != nil {
		s.log.Warn("queue publish failed", zap.String("type", msg.Type), zap.Error(err))
	}
}
