package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisProjection(t *testing.T, ttl time.Duration) (*RedisProjection, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisProjection(client, ttl), mr
}

func entryFor(period int, status Status, at time.Time) Entry {
	return Entry{
		Status:    status,
		Period:    period,
		Class:     bca.Class,
		Semester:  bca.Semester,
		Section:   bca.Section,
		Subject:   "DBMS",
		TeacherID: bca.TeacherID,
		CreatedAt: at,
	}
}

func TestRedisClaimPeriod(t *testing.T) {
	p, mr := newRedisProjection(t, time.Hour)
	ctx := context.Background()

	ok, err := p.ClaimPeriod(ctx, bca.SessionKey, 1, "t-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ClaimPeriod(ctx, bca.SessionKey, 1, "t-2")
	require.NoError(t, err)
	assert.False(t, ok)

	recorded, err := p.PeriodRecorded(ctx, bca.SessionKey, 1)
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.Equal(t, time.Hour, mr.TTL(periodKey(bca.SessionKey, 1)))

	require.NoError(t, p.ReleasePeriod(ctx, bca.SessionKey, 1))
	recorded, err = p.PeriodRecorded(ctx, bca.SessionKey, 1)
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestRedisAppendSetsExpiryOnceOnCreate(t *testing.T) {
	p, mr := newRedisProjection(t, time.Hour)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, p.Append(ctx, "A", entryFor(1, StatusPresent, at)))
	assert.Equal(t, time.Hour, mr.TTL(studentKey("A")))

	mr.FastForward(20 * time.Minute)
	require.NoError(t, p.Append(ctx, "A", entryFor(2, StatusAbsent, at.Add(20*time.Minute))))
	assert.Equal(t, 40*time.Minute, mr.TTL(studentKey("A")), "appends do not extend the document")

	entries, err := p.Entries(ctx, "A")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[1].Period)
	assert.True(t, entries[0].CreatedAt.Equal(at))

	ids, err := p.SessionStudents(ctx, bca.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids)

	mr.FastForward(41 * time.Minute)
	entries, err = p.Entries(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisUpdateEntry(t *testing.T) {
	p, _ := newRedisProjection(t, time.Hour)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, p.Append(ctx, "A", entryFor(1, StatusAbsent, at)))
	require.NoError(t, p.Append(ctx, "A", entryFor(2, StatusAbsent, at)))

	match := EntryMatch{SessionKey: bca.SessionKey, Period: 2, Subject: "dbms", TeacherID: bca.TeacherID}
	ok, err := p.UpdateEntry(ctx, "A", match, EntryUpdate{Status: StatusPresent, Unit: "4", UpdatedAt: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := p.Entries(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, entries[0].Status)
	assert.Equal(t, StatusPresent, entries[1].Status)
	assert.Equal(t, "4", entries[1].Unit)
	require.NotNil(t, entries[1].UpdatedAt)

	match.Period = 5
	ok, err = p.UpdateEntry(ctx, "A", match, EntryUpdate{Status: StatusPresent})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.UpdateEntry(ctx, "missing", match, EntryUpdate{Status: StatusPresent})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinatorOverRedisProjection(t *testing.T) {
	p, _ := newRedisProjection(t, 28880*time.Second)
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := NewCoordinator(NewMemoryLedger(), p, 0, WithClock(clk.now))
	ctx := context.Background()

	n, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent, "B": StatusAbsent}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	assert.ErrorIs(t, err, ErrDuplicateSubmission)

	clk.advance(time.Hour)
	res, err := c.UpdateAttendance(ctx, bca, submission(1, map[string]Status{"B": StatusPresent}))
	require.NoError(t, err)
	assert.Equal(t, EditResult{Updated: 1}, res)

	got, err := c.LoadEditableSession(ctx, bca, "DBMS")
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{"A": StatusPresent, "B": StatusPresent}, got.Statuses)
}
