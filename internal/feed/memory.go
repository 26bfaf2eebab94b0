package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps feeds in process.
type MemoryRepository struct {
	mu    sync.Mutex
	feeds map[string]Feed
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{feeds: make(map[string]Feed)}
}

func (m *MemoryRepository) Insert(_ context.Context, f Feed) (Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	m.feeds[f.ID] = f
	return f, nil
}

func (m *MemoryRepository) List(_ context.Context, filter ListFilter) ([]Feed, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Feed
	for _, f := range m.feeds {
		if filter.UnreadOnly && f.IsRead {
			continue
		}
		if filter.StudentID != "" && f.StudentID != filter.StudentID {
			continue
		}
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	start := filter.offset()
	if start >= len(all) {
		return nil, len(all), nil
	}
	end := min(start+PageSize, len(all))
	return all[start:end], len(all), nil
}

func (m *MemoryRepository) MarkRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[id]
	if !ok {
		return ErrNotFound
	}
	f.IsRead = true
	m.feeds[id] = f
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feeds[id]; !ok {
		return ErrNotFound
	}
	delete(m.feeds, id)
	return nil
}

func (m *MemoryRepository) Stats(_ context.Context, since time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, f := range m.feeds {
		s.Total++
		if !f.IsRead {
			s.Unread++
		}
		if !f.CreatedAt.Before(since) {
			s.Today++
		}
	}
	return s, nil
}

func (m *MemoryRepository) OrphanIDs(_ context.Context, live []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alive := make(map[string]struct{}, len(live))
	for _, id := range live {
		alive[id] = struct{}{}
	}
	var ids []string
	for id, f := range m.feeds {
		if _, ok := alive[f.StudentID]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryRepository) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.feeds[id]; ok {
			delete(m.feeds, id)
			n++
		}
	}
	return n, nil
}
