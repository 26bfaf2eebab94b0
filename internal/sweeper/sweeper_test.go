package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mithla/internal/attendance"
	"mithla/internal/feed"
	"mithla/internal/students"
)

type fixture struct {
	students *students.MemoryRepository
	ledger   *attendance.MemoryLedger
	feeds    *feed.MemoryRepository
	sweeper  *Sweeper
	reg      *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		students: students.NewMemoryRepository(nil),
		ledger:   attendance.NewMemoryLedger(),
		feeds:    feed.NewMemoryRepository(),
		reg:      prometheus.NewRegistry(),
	}
	f.sweeper = New(f.students, []Pass{
		{Name: "attendance", Store: f.ledger},
		{Name: "feeds", Store: f.feeds},
	}, nil, WithRegisterer(f.reg))
	return f
}

func (f *fixture) seed(t *testing.T, roll int) string {
	t.Helper()
	ctx := context.Background()
	st, err := f.students.Create(ctx, students.Student{RollNo: roll, Name: "s", Class: "BCA 1ST YEAR", Semester: "1", Section: "A"})
	require.NoError(t, err)
	_, err = f.ledger.Insert(ctx, attendance.Fact{StudentID: st.ID, Date: time.Now(), Period: 1, Status: attendance.StatusPresent})
	require.NoError(t, err)
	_, err = f.feeds.Insert(ctx, feed.Feed{StudentID: st.ID, Content: "hi"})
	require.NoError(t, err)
	return st.ID
}

func TestSweepRemovesOrphansAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.seed(t, 1)
	gone := f.seed(t, 2)

	rep := f.sweeper.RunOnce(ctx)
	require.NoError(t, rep.Err())
	assert.Zero(t, rep.Deleted(), "nothing is orphaned yet")

	require.NoError(t, f.students.Delete(ctx, gone))
	rep = f.sweeper.RunOnce(ctx)
	require.NoError(t, rep.Err())
	assert.Equal(t, []Result{{Pass: "attendance", Deleted: 1}, {Pass: "feeds", Deleted: 1}}, rep.Results)

	rep = f.sweeper.RunOnce(ctx)
	require.NoError(t, rep.Err())
	assert.Zero(t, rep.Deleted())

	facts, err := f.ledger.ListByStudent(ctx, keep, attendance.Range{})
	require.NoError(t, err)
	assert.Len(t, facts, 1)
	facts, err = f.ledger.ListByStudent(ctx, gone, attendance.Range{})
	require.NoError(t, err)
	assert.Empty(t, facts)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.sweeper.metrics.deleted.WithLabelValues("feeds")))
}

type brokenStore struct{ panics bool }

func (b brokenStore) OrphanIDs(context.Context, []string) ([]string, error) {
	if b.panics {
		panic("boom")
	}
	return nil, errors.New("connection reset")
}

func (brokenStore) DeleteByIDs(context.Context, []string) (int64, error) { return 0, nil }

func TestFailingPassDoesNotBlockOthers(t *testing.T) {
	for _, panics := range []bool{false, true} {
		f := newFixture(t)
		ctx := context.Background()
		gone := f.seed(t, 1)
		require.NoError(t, f.students.Delete(ctx, gone))

		s := New(f.students, []Pass{
			{Name: "attendance", Store: brokenStore{panics: panics}},
			{Name: "feeds", Store: f.feeds},
		}, nil, WithRegisterer(prometheus.NewRegistry()))

		rep := s.RunOnce(ctx)
		require.Len(t, rep.Results, 2)
		assert.Error(t, rep.Results[0].Err)
		assert.NoError(t, rep.Results[1].Err)
		assert.Equal(t, int64(1), rep.Results[1].Deleted)
		assert.ErrorContains(t, rep.Err(), "attendance")
		assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.failures.WithLabelValues("attendance")))
	}
}

type failingLive struct{}

func (failingLive) LiveIDs(context.Context) ([]string, error) { return nil, errors.New("db down") }

func TestLiveSetFailureDeletesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1)

	s := New(failingLive{}, []Pass{{Name: "attendance", Store: f.ledger}, {Name: "feeds", Store: f.feeds}}, nil)
	rep := s.RunOnce(ctx)
	assert.Error(t, rep.Results[0].Err)
	assert.Error(t, rep.Results[1].Err)
	assert.Zero(t, rep.Deleted())

	stats, err := f.feeds.Stats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestScheduleAndStop(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.sweeper.Schedule("every now and then"))

	ran := make(chan struct{}, 1)
	require.NoError(t, f.sweeper.AddJob("@every 1s", "probe", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}))
	require.NoError(t, f.sweeper.Schedule(""))
	f.sweeper.Start()
	defer func() { <-f.sweeper.Stop().Done() }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job never ran")
	}
}
