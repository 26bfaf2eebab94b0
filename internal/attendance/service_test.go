package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var bca = Session{
	SessionKey:  SessionKey{Class: "BCA 1ST YEAR", Semester: "1", Section: "A"},
	TeacherID:   "t-1",
	TeacherName: "R. Sharma",
}

func newTestCoordinator(t *testing.T) (*Coordinator, *MemoryLedger, *MemoryProjection, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	proj := NewMemoryProjection(28880*time.Second, clk.now)
	return NewCoordinator(ledger, proj, DefaultEditWindow, WithClock(clk.now)), ledger, proj, clk
}

func submission(period int, statuses map[string]Status) Submission {
	return Submission{Period: period, Subject: "DBMS", Unit: "1", Description: "intro", Statuses: statuses}
}

func TestRecordFirstPeriod(t *testing.T) {
	c, ledger, proj, clk := newTestCoordinator(t)
	ctx := context.Background()

	n, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent, "B": StatusAbsent}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]Status{"A": StatusPresent, "B": StatusAbsent} {
		facts, err := ledger.ListByStudent(ctx, id, Range{})
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, want, facts[0].Status)
		assert.Equal(t, NormalizeDay(clk.t), facts[0].Date)
		assert.Equal(t, clk.t, facts[0].CreatedAt)
		assert.Equal(t, "R. Sharma", facts[0].TeacherName)

		entries, err := proj.Entries(ctx, id)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, clk.t, entries[0].CreatedAt)
		assert.Equal(t, bca.SessionKey, entries[0].Key())
		assert.Equal(t, "t-1", entries[0].TeacherID)
	}
}

func TestRecordOutOfSequenceWritesNothing(t *testing.T) {
	c, ledger, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	n, err := c.RecordAttendance(ctx, bca, submission(3, map[string]Status{"A": StatusPresent}))
	assert.ErrorIs(t, err, ErrOutOfSequence)
	assert.Zero(t, n)

	ids, _ := ledger.OrphanIDs(ctx, nil)
	assert.Empty(t, ids)

	_, err = c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)
	_, err = c.RecordAttendance(ctx, bca, submission(2, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)
}

func TestRecordDuplicateKeepsFirstValues(t *testing.T) {
	c, ledger, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)

	second := submission(1, map[string]Status{"A": StatusAbsent})
	second.Unit = "9"
	n, err := c.RecordAttendance(ctx, bca, second)
	assert.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Zero(t, n)

	facts, _ := ledger.ListByStudent(ctx, "A", Range{})
	require.Len(t, facts, 1)
	assert.Equal(t, StatusPresent, facts[0].Status)
	assert.Equal(t, "1", facts[0].Unit)
}

func TestRecordDuplicateIsPerSessionKey(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)

	other := bca
	other.Section = "B"
	_, err = c.RecordAttendance(ctx, other, submission(1, map[string]Status{"C": StatusPresent}))
	assert.NoError(t, err)
}

func TestRecordLosingClaimIsDuplicate(t *testing.T) {
	c, _, proj, _ := newTestCoordinator(t)
	ctx := context.Background()

	// Another writer claimed the period between our pre-check and our claim.
	ok, err := proj.ClaimPeriod(ctx, bca.SessionKey, 1, "t-2")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	assert.ErrorIs(t, err, ErrDuplicateSubmission)
}

func TestRecordAllowedAgainAfterProjectionExpires(t *testing.T) {
	c, _, _, clk := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)

	clk.advance(24 * time.Hour)
	n, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingLedger struct {
	*MemoryLedger
	failOn string
}

func (f *failingLedger) Insert(ctx context.Context, fact Fact) (Fact, error) {
	if fact.StudentID == f.failOn {
		return Fact{}, errors.New("connection reset")
	}
	return f.MemoryLedger.Insert(ctx, fact)
}

func TestRecordPartialFailureReportsCount(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := &failingLedger{MemoryLedger: NewMemoryLedger(), failOn: "B"}
	proj := NewMemoryProjection(time.Hour, clk.now)
	c := NewCoordinator(ledger, proj, 0, WithClock(clk.now))
	ctx := context.Background()

	n, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent, "B": StatusPresent, "C": StatusAbsent}))
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.Equal(t, 1, n)

	a, _ := ledger.ListByStudent(ctx, "A", Range{})
	cc, _ := ledger.ListByStudent(ctx, "C", Range{})
	assert.Len(t, a, 1)
	assert.Empty(t, cc)

	recorded, _ := proj.PeriodRecorded(ctx, bca.SessionKey, 1)
	assert.True(t, recorded, "claim stays once any student is recorded")
}

func TestRecordTotalFailureReleasesClaim(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := &failingLedger{MemoryLedger: NewMemoryLedger(), failOn: "A"}
	proj := NewMemoryProjection(time.Hour, clk.now)
	c := NewCoordinator(ledger, proj, 0, WithClock(clk.now))
	ctx := context.Background()

	n, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	assert.Error(t, err)
	assert.Zero(t, n)

	recorded, _ := proj.PeriodRecorded(ctx, bca.SessionKey, 1)
	assert.False(t, recorded)
}

type failingProjection struct {
	*MemoryProjection
}

func (failingProjection) Append(context.Context, string, Entry) error {
	return errors.New("redis down")
}

func TestRecordUndoesLedgerWhenProjectionFails(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	proj := failingProjection{NewMemoryProjection(time.Hour, clk.now)}
	c := NewCoordinator(ledger, proj, 0, WithClock(clk.now))
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	assert.ErrorIs(t, err, ErrStorageFailure)

	facts, _ := ledger.ListByStudent(ctx, "A", Range{})
	assert.Empty(t, facts)
}

type brokenEditProjection struct {
	*MemoryProjection
}

func (brokenEditProjection) UpdateEntry(context.Context, string, EntryMatch, EntryUpdate) (bool, error) {
	return false, errors.New("redis down")
}

func TestUpdateRestoresLedgerWhenProjectionFails(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	proj := brokenEditProjection{NewMemoryProjection(28880*time.Second, clk.now)}
	c := NewCoordinator(ledger, proj, DefaultEditWindow, WithClock(clk.now))
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)

	clk.advance(time.Hour)
	edit := submission(1, map[string]Status{"A": StatusAbsent})
	edit.Unit = "9"
	res, err := c.UpdateAttendance(ctx, bca, edit)
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.Equal(t, EditResult{}, res)

	facts, _ := ledger.ListByStudent(ctx, "A", Range{})
	require.Len(t, facts, 1)
	assert.Equal(t, StatusPresent, facts[0].Status)
	assert.Equal(t, "1", facts[0].Unit)

	entries, _ := proj.Entries(ctx, "A")
	require.Len(t, entries, 1)
	assert.Equal(t, facts[0].Status, entries[0].Status)
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(0, map[string]Status{"A": StatusPresent}))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.RecordAttendance(ctx, bca, submission(1, nil))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": "Late"}))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.RecordAttendance(ctx, Session{}, submission(1, map[string]Status{"A": StatusPresent}))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateWithinWindow(t *testing.T) {
	c, ledger, proj, clk := newTestCoordinator(t)
	ctx := context.Background()
	created := clk.t

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent, "B": StatusPresent}))
	require.NoError(t, err)

	clk.advance(2 * time.Hour)
	edit := submission(1, map[string]Status{"A": StatusPresent, "B": StatusPresent})
	edit.Unit = "2"
	res, err := c.UpdateAttendance(ctx, bca, edit)
	require.NoError(t, err)
	assert.Equal(t, EditResult{Updated: 2}, res)

	facts, _ := ledger.ListByStudent(ctx, "A", Range{})
	require.Len(t, facts, 1)
	assert.Equal(t, StatusPresent, facts[0].Status)
	assert.Equal(t, "2", facts[0].Unit)
	assert.Equal(t, NormalizeDay(created), facts[0].Date)

	entries, _ := proj.Entries(ctx, "A")
	require.Len(t, entries, 1)
	assert.Equal(t, StatusPresent, entries[0].Status)
	assert.Equal(t, created, entries[0].CreatedAt, "edits never move the creation time")
	require.NotNil(t, entries[0].UpdatedAt)
	assert.Equal(t, clk.t, *entries[0].UpdatedAt)
}

func TestUpdateEditWindowBoundaryIsInclusive(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	proj := NewMemoryProjection(0, clk.now) // no document expiry
	c := NewCoordinator(ledger, proj, DefaultEditWindow, WithClock(clk.now))
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent}))
	require.NoError(t, err)

	clk.advance(24 * time.Hour)
	res, err := c.UpdateAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)
	assert.Equal(t, EditResult{Updated: 1}, res)

	clk.advance(time.Nanosecond)
	res, err = c.UpdateAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent}))
	require.NoError(t, err)
	assert.Equal(t, EditResult{Denied: 1}, res)

	facts, _ := ledger.ListByStudent(ctx, "A", Range{})
	assert.Equal(t, StatusPresent, facts[0].Status, "denied edit leaves the fact unchanged")
}

func TestUpdateMixedOutcomes(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	proj := NewMemoryProjection(0, clk.now)
	c := NewCoordinator(ledger, proj, DefaultEditWindow, WithClock(clk.now))
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"old": StatusAbsent}))
	require.NoError(t, err)
	clk.advance(25 * time.Hour)
	_, err = c.RecordAttendance(ctx, bca, submission(2, map[string]Status{"fresh": StatusAbsent, "old": StatusAbsent}))
	require.NoError(t, err)

	// Entry for "old" in period 1 is outside the window; "ghost" was never recorded.
	res, err := c.UpdateAttendance(ctx, bca, submission(1, map[string]Status{"old": StatusPresent, "ghost": StatusPresent}))
	require.NoError(t, err)
	assert.Equal(t, EditResult{Denied: 1, NotFound: 1}, res)

	res, err = c.UpdateAttendance(ctx, bca, submission(2, map[string]Status{"fresh": StatusPresent, "ghost": StatusPresent}))
	require.NoError(t, err)
	assert.Equal(t, EditResult{Updated: 1, NotFound: 1}, res)
}

func TestUpdateOtherTeacherNotFound(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent}))
	require.NoError(t, err)

	other := bca
	other.TeacherID = "t-2"
	res, err := c.UpdateAttendance(ctx, other, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)
	assert.Equal(t, EditResult{NotFound: 1}, res)
}

func TestUpdateMissingLedgerFactIsNotFound(t *testing.T) {
	c, ledger, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent}))
	require.NoError(t, err)
	ids, _ := ledger.OrphanIDs(ctx, nil)
	_, err = ledger.DeleteByIDs(ctx, ids)
	require.NoError(t, err)

	res, err := c.UpdateAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)
	assert.Equal(t, EditResult{NotFound: 1}, res)

	facts, _ := ledger.ListByStudent(ctx, "A", Range{})
	assert.Empty(t, facts, "edits never create facts")
}

func TestUpdateAcrossMidnightFindsFact(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	proj := NewMemoryProjection(0, clk.now)
	c := NewCoordinator(ledger, proj, 0, WithClock(clk.now))
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent}))
	require.NoError(t, err)
	clk.advance(4 * time.Hour)

	res, err := c.UpdateAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusPresent}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
}

func TestLoadEditableSessionPicksLatest(t *testing.T) {
	c, _, _, clk := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent, "B": StatusPresent}))
	require.NoError(t, err)
	clk.advance(time.Hour)
	second := submission(2, map[string]Status{"A": StatusPresent, "B": StatusAbsent})
	second.Unit = "3"
	second.Description = "joins"
	_, err = c.RecordAttendance(ctx, bca, second)
	require.NoError(t, err)

	got, err := c.LoadEditableSession(ctx, bca, "dbms")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Period)
	assert.Equal(t, "3", got.Unit)
	assert.Equal(t, "joins", got.Description)
	assert.Equal(t, clk.t, got.RecordedAt)
	assert.Equal(t, clk.t.Add(DefaultEditWindow), got.EditableUntil)
	assert.Equal(t, map[string]Status{"A": StatusPresent, "B": StatusAbsent}, got.Statuses)
}

func TestLoadEditableSessionErrors(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	proj := NewMemoryProjection(0, clk.now)
	c := NewCoordinator(NewMemoryLedger(), proj, 0, WithClock(clk.now))
	ctx := context.Background()

	_, err := c.LoadEditableSession(ctx, bca, "DBMS")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.RecordAttendance(ctx, bca, submission(1, map[string]Status{"A": StatusAbsent}))
	require.NoError(t, err)
	clk.advance(48 * time.Hour)

	_, err = c.LoadEditableSession(ctx, bca, "DBMS")
	assert.ErrorIs(t, err, ErrEditWindowExpired)
}
