package students

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mithla/internal/attendance"
)

// MemoryRepository keeps students in process. Expiry is checked against now on every read.
type MemoryRepository struct {
	mu       sync.RWMutex
	students map[string]Student
	archive  []Archive
	now      func() time.Time
}

func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{students: make(map[string]Student), now: now}
}

func (m *MemoryRepository) Create(_ context.Context, s Student) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.students {
		if existing.RollNo == s.RollNo {
			return Student{}, fmt.Errorf("%w: %d", ErrDuplicateRollNo, s.RollNo)
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now().UTC()
	}
	m.students[s.ID] = s
	return s, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[id]
	if !ok || !s.liveAt(m.now()) {
		return Student{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryRepository) GetByRollNo(_ context.Context, rollNo int) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for _, s := range m.students {
		if s.RollNo == rollNo && s.liveAt(now) {
			return s, nil
		}
	}
	return Student{}, ErrNotFound
}

func (m *MemoryRepository) Exists(ctx context.Context, id string) (bool, error) {
	_, err := m.Get(ctx, id)
	return err == nil, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[id]; !ok {
		return ErrNotFound
	}
	delete(m.students, id)
	return nil
}

func (m *MemoryRepository) Archive(_ context.Context, id string, at time.Time) (Archive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return Archive{}, ErrNotFound
	}
	a := Archive{ID: uuid.NewString(), OriginalID: s.ID, Student: s, ArchivedAt: at.UTC(), PassoutYear: at.UTC().Year()}
	m.archive = append(m.archive, a)
	delete(m.students, id)
	return a, nil
}

// Archived returns the passed-out students.
func (m *MemoryRepository) Archived() []Archive {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Archive(nil), m.archive...)
}

func (m *MemoryRepository) LiveIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	ids := []string{}
	for id, s := range m.students {
		if s.liveAt(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryRepository) Roster(_ context.Context, key attendance.SessionKey) ([]attendance.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []attendance.Member
	for _, s := range m.students {
		if s.Key() == key && s.liveAt(now) {
			out = append(out, s.Member())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RollNo < out[j].RollNo })
	return out, nil
}

func (m *MemoryRepository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.students {
		if !s.liveAt(now) {
			delete(m.students, id)
			n++
		}
	}
	return n, nil
}
