package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type factKey struct {
	studentID string
	day       time.Time
	period    int
}

// MemoryLedger is an in-process ledger for dev and tests.
type MemoryLedger struct {
	mu    sync.Mutex
	facts map[string]Fact
	index map[factKey]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{facts: make(map[string]Fact), index: make(map[factKey]string)}
}

func (m *MemoryLedger) Insert(_ context.Context, f Fact) (Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.Date = NormalizeDay(f.Date)
	k := factKey{f.StudentID, f.Date, f.Period}
	if _, ok := m.index[k]; ok {
		return Fact{}, ErrDuplicateSubmission
	}
	m.facts[f.ID] = f
	m.index[k] = f.ID
	return f, nil
}

func (m *MemoryLedger) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(id)
	return nil
}

func (m *MemoryLedger) remove(id string) bool {
	f, ok := m.facts[id]
	if !ok {
		return false
	}
	delete(m.facts, id)
	delete(m.index, factKey{f.StudentID, f.Date, f.Period})
	return true
}

func (m *MemoryLedger) UpdateForDay(_ context.Context, studentID string, period int, subject string, day time.Time, upd FactUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.index[factKey{studentID, NormalizeDay(day), period}]
	if !ok {
		return false, nil
	}
	f := m.facts[id]
	if f.Subject != subject {
		return false, nil
	}
	f.Status = upd.Status
	f.Unit = upd.Unit
	f.Description = upd.Description
	ts := upd.UpdatedAt
	f.UpdatedAt = &ts
	m.facts[id] = f
	return true, nil
}

func (m *MemoryLedger) ListByStudent(ctx context.Context, studentID string, r Range) ([]Fact, error) {
	return m.ListByStudents(ctx, []string{studentID}, r)
}

func (m *MemoryLedger) ListByStudents(_ context.Context, studentIDs []string, r Range) ([]Fact, error) {
	want := make(map[string]bool, len(studentIDs))
	for _, id := range studentIDs {
		want[id] = true
	}
	m.mu.Lock()
	var res []Fact
	for _, f := range m.facts {
		if want[f.StudentID] && r.Contains(f.Date) {
			res = append(res, f)
		}
	}
	m.mu.Unlock()
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if a.StudentID != b.StudentID {
			return a.StudentID < b.StudentID
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Period < b.Period
	})
	return res, nil
}

func (m *MemoryLedger) OrphanIDs(_ context.Context, live []string) ([]string, error) {
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, f := range m.facts {
		if !alive[f.StudentID] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryLedger) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if m.remove(id) {
			n++
		}
	}
	return n, nil
}

type memoryDoc struct {
	createdAt time.Time
	entries   []Entry
}

// MemoryProjection mirrors RedisProjection in process, including document and claim expiry.
type MemoryProjection struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	docs   map[string]*memoryDoc
	claims map[string]time.Time
}

func NewMemoryProjection(ttl time.Duration, now func() time.Time) *MemoryProjection {
	if now == nil {
		now = time.Now
	}
	return &MemoryProjection{
		ttl:    ttl,
		now:    now,
		docs:   make(map[string]*memoryDoc),
		claims: make(map[string]time.Time),
	}
}

func (m *MemoryProjection) expired(created time.Time) bool {
	return m.ttl > 0 && !m.now().Before(created.Add(m.ttl))
}

func (m *MemoryProjection) doc(studentID string) *memoryDoc {
	d, ok := m.docs[studentID]
	if !ok {
		return nil
	}
	if m.expired(d.createdAt) {
		delete(m.docs, studentID)
		return nil
	}
	return d
}

func (m *MemoryProjection) claimed(k string) bool {
	at, ok := m.claims[k]
	if !ok {
		return false
	}
	if m.expired(at) {
		delete(m.claims, k)
		return false
	}
	return true
}

func (m *MemoryProjection) PeriodRecorded(_ context.Context, key SessionKey, period int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed(periodKey(key, period)), nil
}

func (m *MemoryProjection) ClaimPeriod(_ context.Context, key SessionKey, period int, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := periodKey(key, period)
	if m.claimed(k) {
		return false, nil
	}
	m.claims[k] = m.now()
	return true, nil
}

func (m *MemoryProjection) ReleasePeriod(_ context.Context, key SessionKey, period int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, periodKey(key, period))
	return nil
}

func (m *MemoryProjection) Append(_ context.Context, studentID string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(studentID)
	if d == nil {
		d = &memoryDoc{createdAt: m.now()}
		m.docs[studentID] = d
	}
	d.entries = append(d.entries, e)
	return nil
}

func (m *MemoryProjection) Entries(_ context.Context, studentID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(studentID)
	if d == nil {
		return nil, nil
	}
	return append([]Entry(nil), d.entries...), nil
}

func (m *MemoryProjection) UpdateEntry(_ context.Context, studentID string, match EntryMatch, upd EntryUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(studentID)
	if d == nil {
		return false, nil
	}
	idx := lastMatch(d.entries, match)
	if idx < 0 {
		return false, nil
	}
	upd.apply(&d.entries[idx])
	return true, nil
}

func (m *MemoryProjection) SessionStudents(_ context.Context, key SessionKey) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.docs {
		d := m.doc(id)
		if d == nil {
			continue
		}
		for _, e := range d.entries {
			if e.Key() == key {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}
