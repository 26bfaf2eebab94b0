package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultEditWindow is how long after creation an entry may be corrected.
const DefaultEditWindow = 24 * time.Hour

// Coordinator is the single point of mutation for attendance. It owns both the
// ledger and the projection write paths so neither store is written alone.
type Coordinator struct {
	ledger     Ledger
	projection Projection
	editWindow time.Duration
	now        func() time.Time
	log        *zap.Logger
	metrics    *Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }
func WithLogger(l *zap.Logger) Option       { return func(c *Coordinator) { c.log = l } }
func WithMetrics(m *Metrics) Option         { return func(c *Coordinator) { c.metrics = m } }

// NewCoordinator creates a coordinator over the two stores.
func NewCoordinator(ledger Ledger, projection Projection, editWindow time.Duration, opts ...Option) *Coordinator {
	if editWindow <= 0 {
		editWindow = DefaultEditWindow
	}
	c := &Coordinator{
		ledger:     ledger,
		projection: projection,
		editWindow: editWindow,
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordAttendance writes one period for every student in sub. The period must
// not already be recorded for the session key and, past period 1, the previous
// period must be. Writes are atomic per student only: on the first failure the
// count of students already recorded is returned with the error.
func (c *Coordinator) RecordAttendance(ctx context.Context, s Session, sub Submission) (int, error) {
	if !s.valid() {
		return 0, fmt.Errorf("%w: class, semester and section required", ErrInvalidInput)
	}
	if err := sub.validate(); err != nil {
		return 0, err
	}

	exists, err := c.projection.PeriodRecorded(ctx, s.SessionKey, sub.Period)
	if err != nil {
		return 0, storageErr("check period", err)
	}
	if exists {
		c.metrics.submission("duplicate", 0)
		return 0, fmt.Errorf("%w: period %d for %s", ErrDuplicateSubmission, sub.Period, s.SessionKey)
	}
	if sub.Period > 1 {
		prev, err := c.projection.PeriodRecorded(ctx, s.SessionKey, sub.Period-1)
		if err != nil {
			return 0, storageErr("check previous period", err)
		}
		if !prev {
			c.metrics.submission("out_of_sequence", 0)
			return 0, fmt.Errorf("%w: complete period %d first", ErrOutOfSequence, sub.Period-1)
		}
	}

	claimed, err := c.projection.ClaimPeriod(ctx, s.SessionKey, sub.Period, s.TeacherID)
	if err != nil {
		return 0, storageErr("claim period", err)
	}
	if !claimed {
		c.metrics.submission("duplicate", 0)
		return 0, fmt.Errorf("%w: period %d for %s", ErrDuplicateSubmission, sub.Period, s.SessionKey)
	}

	now := c.now().UTC()
	recorded := 0
	var firstErr error
	for _, id := range sortedIDs(sub.Statuses) {
		if err := c.recordOne(ctx, s, sub, id, now); err != nil {
			firstErr = err
			break
		}
		recorded++
	}

	if firstErr != nil {
		c.log.Warn("attendance partially recorded",
			zap.String("session", s.SessionKey.String()),
			zap.Int("period", sub.Period),
			zap.Int("recorded", recorded),
			zap.Int("requested", len(sub.Statuses)),
			zap.Error(firstErr))
		if recorded == 0 {
			// Nothing landed; free the period so the teacher can resubmit.
			if err := c.projection.ReleasePeriod(context.WithoutCancel(ctx), s.SessionKey, sub.Period); err != nil {
				c.log.Error("release period claim", zap.Error(err))
			}
		}
		c.metrics.submission("failed", recorded)
		return recorded, firstErr
	}

	c.metrics.submission("recorded", recorded)
	c.log.Info("attendance recorded",
		zap.String("session", s.SessionKey.String()),
		zap.Int("period", sub.Period),
		zap.String("subject", sub.Subject),
		zap.Int("students", recorded))
	return recorded, nil
}

func (c *Coordinator) recordOne(ctx context.Context, s Session, sub Submission, studentID string, now time.Time) error {
	status := sub.Statuses[studentID]
	fact, err := c.ledger.Insert(ctx, Fact{
		StudentID:   studentID,
		Date:        NormalizeDay(now),
		Period:      sub.Period,
		Status:      status,
		Subject:     sub.Subject,
		Unit:        sub.Unit,
		Description: sub.Description,
		TeacherName: s.TeacherName,
		CreatedAt:   now,
	})
	if err != nil {
		return storageErr("insert fact for "+studentID, err)
	}
	err = c.projection.Append(ctx, studentID, Entry{
		Status:      status,
		Period:      sub.Period,
		Unit:        sub.Unit,
		Description: sub.Description,
		Class:       s.Class,
		Section:     s.Section,
		Semester:    s.Semester,
		Subject:     sub.Subject,
		TeacherID:   s.TeacherID,
		TeacherName: s.TeacherName,
		CreatedAt:   now,
	})
	if err != nil {
		if derr := c.ledger.Delete(context.WithoutCancel(ctx), fact.ID); derr != nil {
			c.log.Error("undo ledger fact", zap.String("fact", fact.ID), zap.Error(derr))
		}
		return storageErr("append projection for "+studentID, err)
	}
	return nil
}

// EditResult reports independent per-student outcomes of a bulk edit.
type EditResult struct {
	Updated  int `json:"updated"`
	Denied   int `json:"denied"`
	NotFound int `json:"not_found"`
}

// UpdateAttendance corrects already-recorded entries. Each student is counted
// as updated, denied (outside the edit window) or not found. A storage error
// stops the batch and is returned with the counts so far.
func (c *Coordinator) UpdateAttendance(ctx context.Context, s Session, sub Submission) (EditResult, error) {
	var res EditResult
	if !s.valid() {
		return res, fmt.Errorf("%w: class, semester and section required", ErrInvalidInput)
	}
	if err := sub.validate(); err != nil {
		return res, err
	}

	match := EntryMatch{SessionKey: s.SessionKey, Period: sub.Period, Subject: sub.Subject, TeacherID: s.TeacherID}
	for _, id := range sortedIDs(sub.Statuses) {
		outcome, err := c.updateOne(ctx, id, match, sub)
		if err != nil {
			c.metrics.edit(res)
			return res, err
		}
		switch outcome {
		case editUpdated:
			res.Updated++
		case editDenied:
			res.Denied++
		default:
			res.NotFound++
		}
	}
	c.metrics.edit(res)
	c.log.Info("attendance edited",
		zap.String("session", s.SessionKey.String()),
		zap.Int("period", sub.Period),
		zap.Int("updated", res.Updated),
		zap.Int("denied", res.Denied),
		zap.Int("not_found", res.NotFound))
	return res, nil
}

type editOutcome int

const (
	editNotFound editOutcome = iota
	editDenied
	editUpdated
)

func (c *Coordinator) updateOne(ctx context.Context, studentID string, match EntryMatch, sub Submission) (editOutcome, error) {
	entries, err := c.projection.Entries(ctx, studentID)
	if err != nil {
		return editNotFound, storageErr("load projection for "+studentID, err)
	}
	idx := lastMatch(entries, match)
	if idx < 0 {
		return editNotFound, nil
	}
	entry := entries[idx]
	now := c.now().UTC()
	if !c.editable(entry, now) {
		return editDenied, nil
	}

	status := sub.Statuses[studentID]
	ok, err := c.ledger.UpdateForDay(ctx, studentID, entry.Period, entry.Subject, entry.CreatedAt, FactUpdate{
		Status:      status,
		Unit:        sub.Unit,
		Description: sub.Description,
		UpdatedAt:   now,
	})
	if err != nil {
		return editNotFound, storageErr("update fact for "+studentID, err)
	}
	if !ok {
		return editNotFound, nil
	}

	ok, err = c.projection.UpdateEntry(ctx, studentID, match, EntryUpdate{
		Status:      status,
		Unit:        sub.Unit,
		Description: sub.Description,
		UpdatedAt:   now,
	})
	if err != nil {
		c.restoreFact(ctx, studentID, entry)
		return editNotFound, storageErr("update projection for "+studentID, err)
	}
	if !ok {
		// The document expired between read and write; the ledger holds the edit.
		c.log.Debug("projection entry vanished during edit", zap.String("student", studentID))
	}
	return editUpdated, nil
}

// restoreFact puts the ledger fact back to the values held by the projection
// entry, so a failed projection write leaves both stores as they were.
func (c *Coordinator) restoreFact(ctx context.Context, studentID string, entry Entry) {
	at := entry.CreatedAt
	if entry.UpdatedAt != nil {
		at = *entry.UpdatedAt
	}
	_, err := c.ledger.UpdateForDay(context.WithoutCancel(ctx), studentID, entry.Period, entry.Subject, entry.CreatedAt, FactUpdate{
		Status:      entry.Status,
		Unit:        entry.Unit,
		Description: entry.Description,
		UpdatedAt:   at,
	})
	if err != nil {
		c.log.Error("restore fact after failed edit",
			zap.String("student", studentID),
			zap.Int("period", entry.Period),
			zap.Error(err))
	}
}

// editable reports whether entry is inside the edit window. The boundary is inclusive.
func (c *Coordinator) editable(e Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) <= c.editWindow
}

// EditableSession is the latest recorded context for a session, used to prefill an edit form.
type EditableSession struct {
	Period        int               `json:"period"`
	Unit          string            `json:"unit"`
	Description   string            `json:"description"`
	RecordedAt    time.Time         `json:"recorded_at"`
	EditableUntil time.Time         `json:"editable_until"`
	Statuses      map[string]Status `json:"statuses"`
}

// LoadEditableSession finds the most recently recorded entry for the teacher's
// session and subject that is still inside the edit window.
func (c *Coordinator) LoadEditableSession(ctx context.Context, s Session, subject string) (EditableSession, error) {
	if !s.valid() || strings.TrimSpace(subject) == "" {
		return EditableSession{}, fmt.Errorf("%w: class, semester, section and subject required", ErrInvalidInput)
	}
	ids, err := c.projection.SessionStudents(ctx, s.SessionKey)
	if err != nil {
		return EditableSession{}, storageErr("list session students", err)
	}

	match := EntryMatch{SessionKey: s.SessionKey, Subject: subject, TeacherID: s.TeacherID}
	now := c.now().UTC()
	docs := make(map[string][]Entry, len(ids))
	var (
		latest  *Entry
		matched bool
	)
	for _, id := range ids {
		entries, err := c.projection.Entries(ctx, id)
		if err != nil {
			return EditableSession{}, storageErr("load projection for "+id, err)
		}
		docs[id] = entries
		for i := range entries {
			e := entries[i]
			if !match.matchesSession(e) {
				continue
			}
			matched = true
			if !c.editable(e, now) {
				continue
			}
			if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
				latest = &e
			}
		}
	}
	if !matched {
		return EditableSession{}, fmt.Errorf("%w: nothing recorded for %s %s", ErrNotFound, s.SessionKey, subject)
	}
	if latest == nil {
		return EditableSession{}, fmt.Errorf("%w: edits are allowed only within %s", ErrEditWindowExpired, c.editWindow)
	}

	out := EditableSession{
		Period:        latest.Period,
		Unit:          latest.Unit,
		Description:   latest.Description,
		RecordedAt:    latest.CreatedAt,
		EditableUntil: latest.CreatedAt.Add(c.editWindow),
		Statuses:      make(map[string]Status),
	}
	match.Period = latest.Period
	for id, entries := range docs {
		if i := lastMatch(entries, match); i >= 0 {
			out.Statuses[id] = entries[i].Status
		}
	}
	return out, nil
}

func sortedIDs(m map[string]Status) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRuleViolation reports whether err is a business-rule rejection rather than a storage problem.
func IsRuleViolation(err error) bool {
	return errors.Is(err, ErrDuplicateSubmission) ||
		errors.Is(err, ErrOutOfSequence) ||
		errors.Is(err, ErrEditWindowExpired) ||
		errors.Is(err, ErrNotFound)
}
