package attendance

import (
	"fmt"
	"strings"
	"time"
)

// Status is the recorded outcome for one student in one period.
type Status string

const (
	StatusPresent Status = "Present"
	StatusAbsent  Status = "Absent"
)

// ParseStatus accepts the canonical spellings case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "present":
		return StatusPresent, nil
	case "absent":
		return StatusAbsent, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
}

// SessionKey identifies a recording context: one class, semester and section.
type SessionKey struct {
	Class    string `json:"class"`
	Semester string `json:"semester"`
	Section  string `json:"section"`
}

func (k SessionKey) String() string {
	return k.Class + "|" + k.Semester + "|" + k.Section
}

func (k SessionKey) valid() bool {
	return k.Class != "" && k.Semester != "" && k.Section != ""
}

// Session is the authenticated teacher context threaded into every coordinator call.
type Session struct {
	SessionKey
	TeacherID   string
	TeacherName string
}

// Submission is one bulk period submission for many students.
type Submission struct {
	Period      int
	Subject     string
	Unit        string
	Description string
	Statuses    map[string]Status
}

func (s Submission) validate() error {
	if s.Period < 1 {
		return fmt.Errorf("%w: period must be >= 1", ErrInvalidInput)
	}
	if strings.TrimSpace(s.Subject) == "" {
		return fmt.Errorf("%w: subject required", ErrInvalidInput)
	}
	if len(s.Statuses) == 0 {
		return fmt.Errorf("%w: no students in submission", ErrInvalidInput)
	}
	for id, st := range s.Statuses {
		if id == "" {
			return fmt.Errorf("%w: empty student id", ErrInvalidInput)
		}
		if st != StatusPresent && st != StatusAbsent {
			return fmt.Errorf("%w: unknown status %q for %s", ErrInvalidInput, st, id)
		}
	}
	return nil
}

// Fact is one canonical ledger row, unique per (student, day, period).
type Fact struct {
	ID          string     `json:"id"`
	StudentID   string     `json:"student_id"`
	Date        time.Time  `json:"date"`
	Period      int        `json:"period"`
	Status      Status     `json:"status"`
	Subject     string     `json:"subject"`
	Unit        string     `json:"unit"`
	Description string     `json:"description"`
	TeacherName string     `json:"teacher_name"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// FactUpdate carries the mutable fields of a ledger row.
type FactUpdate struct {
	Status      Status
	Unit        string
	Description string
	UpdatedAt   time.Time
}

// Entry is a denormalized projection entry embedded in a student's document.
type Entry struct {
	Status      Status     `json:"status"`
	Period      int        `json:"period"`
	Unit        string     `json:"unit"`
	Description string     `json:"description"`
	Class       string     `json:"class"`
	Section     string     `json:"section"`
	Semester    string     `json:"semester"`
	Subject     string     `json:"subject"`
	TeacherID   string     `json:"teacher_id"`
	TeacherName string     `json:"teacher_name"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Key returns the session key the entry was recorded under.
func (e Entry) Key() SessionKey {
	return SessionKey{Class: e.Class, Semester: e.Semester, Section: e.Section}
}

// EntryMatch selects a projection entry for editing.
type EntryMatch struct {
	SessionKey
	Period    int
	Subject   string
	TeacherID string
}

// Matches reports whether e was recorded for this period, session, subject and teacher.
// Subject comparison ignores case.
func (m EntryMatch) Matches(e Entry) bool {
	return e.Period == m.Period && m.matchesSession(e)
}

func (m EntryMatch) matchesSession(e Entry) bool {
	return e.Key() == m.SessionKey &&
		e.TeacherID == m.TeacherID &&
		strings.EqualFold(e.Subject, m.Subject)
}

// EntryUpdate carries the mutable fields of a projection entry.
type EntryUpdate struct {
	Status      Status
	Unit        string
	Description string
	UpdatedAt   time.Time
}

func (u EntryUpdate) apply(e *Entry) {
	e.Status = u.Status
	e.Unit = u.Unit
	e.Description = u.Description
	ts := u.UpdatedAt
	e.UpdatedAt = &ts
}

// NormalizeDay truncates t to midnight UTC of its calendar day.
func NormalizeDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
