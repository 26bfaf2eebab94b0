package attendance

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// DateLayout is the calendar-day layout accepted for custom ranges.
const DateLayout = "2006-01-02"

// Range is an inclusive span of calendar days. An unbounded range matches everything.
type Range struct {
	Bounded bool      `json:"bounded"`
	Start   time.Time `json:"start,omitempty"`
	End     time.Time `json:"end,omitempty"`
}

// Contains reports whether day falls inside r.
func (r Range) Contains(day time.Time) bool {
	if !r.Bounded {
		return true
	}
	d := NormalizeDay(day)
	return !d.Before(r.Start) && !d.After(r.End)
}

func dayRange(start, end time.Time) Range {
	return Range{Bounded: true, Start: NormalizeDay(start), End: NormalizeDay(end)}
}

// FilterKind names a reporting window.
type FilterKind string

const (
	FilterToday   FilterKind = "today"
	FilterWeekly  FilterKind = "weekly"
	FilterMonthly FilterKind = "monthly"
	FilterAll     FilterKind = "all"
	FilterCustom  FilterKind = "custom"
)

// Filter selects facts by date. From and To are only read for FilterCustom.
type Filter struct {
	Kind FilterKind
	From string
	To   string
}

// ParseFilter builds a filter from request values. An empty kind means all.
func ParseFilter(kind, from, to string) (Filter, error) {
	k := FilterKind(strings.ToLower(strings.TrimSpace(kind)))
	switch k {
	case "":
		k = FilterAll
	case FilterToday, FilterWeekly, FilterMonthly, FilterAll:
	case FilterCustom:
		if from == "" || to == "" {
			return Filter{}, fmt.Errorf("%w: from and to are required", ErrMalformedDateRange)
		}
	default:
		return Filter{}, fmt.Errorf("%w: unknown filter %q", ErrInvalidInput, kind)
	}
	return Filter{Kind: k, From: from, To: to}, nil
}

// Bounds computes the day range for f relative to now. Preset windows are
// computed in UTC; custom days are taken as written, without zone conversion.
func (f Filter) Bounds(now time.Time) (Range, error) {
	today := NormalizeDay(now)
	switch f.Kind {
	case FilterToday:
		return dayRange(today, today), nil
	case FilterWeekly:
		start := today.AddDate(0, 0, -int(today.Weekday()))
		return dayRange(start, start.AddDate(0, 0, 6)), nil
	case FilterMonthly:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		return dayRange(first, first.AddDate(0, 1, -1)), nil
	case FilterCustom:
		from, err := time.Parse(DateLayout, strings.TrimSpace(f.From))
		if err != nil {
			return Range{}, fmt.Errorf("%w: from %q", ErrMalformedDateRange, f.From)
		}
		to, err := time.Parse(DateLayout, strings.TrimSpace(f.To))
		if err != nil {
			return Range{}, fmt.Errorf("%w: to %q", ErrMalformedDateRange, f.To)
		}
		if to.Before(from) {
			return Range{}, fmt.Errorf("%w: %s is before %s", ErrMalformedDateRange, f.To, f.From)
		}
		return dayRange(from, to), nil
	case FilterAll, "":
		return Range{}, nil
	}
	return Range{}, fmt.Errorf("%w: unknown filter %q", ErrInvalidInput, f.Kind)
}

// Band classifies an attendance percentage.
type Band string

const (
	BandGood    Band = "GOOD"
	BandWarning Band = "WARNING"
	BandShort   Band = "SHORT"
)

// BandFor maps a percentage to its band.
func BandFor(percentage int) Band {
	switch {
	case percentage >= 75:
		return BandGood
	case percentage >= 60:
		return BandWarning
	}
	return BandShort
}

// Summary aggregates facts day-wise and period-wise.
type Summary struct {
	PresentDays    int  `json:"present_days"`
	AbsentDays     int  `json:"absent_days"`
	TotalDays      int  `json:"total_days"`
	PresentPeriods int  `json:"present_periods"`
	TotalPeriods   int  `json:"total_periods"`
	Percentage     int  `json:"percentage"`
	Status         Band `json:"status"`
}

// Summarize counts a day as present when any period that day is present.
func Summarize(facts []Fact) Summary {
	days := make(map[string]bool)
	var s Summary
	for _, f := range facts {
		key := NormalizeDay(f.Date).Format(DateLayout)
		present := f.Status == StatusPresent
		days[key] = days[key] || present
		s.TotalPeriods++
		if present {
			s.PresentPeriods++
		}
	}
	s.TotalDays = len(days)
	for _, present := range days {
		if present {
			s.PresentDays++
		}
	}
	s.AbsentDays = s.TotalDays - s.PresentDays
	if s.TotalDays > 0 {
		s.Percentage = int(math.Round(100 * float64(s.PresentDays) / float64(s.TotalDays)))
	}
	s.Status = BandFor(s.Percentage)
	return s
}

// Member is a student row as seen by class reports.
type Member struct {
	ID         string `json:"id"`
	RollNo     int    `json:"roll_no"`
	Name       string `json:"name"`
	FatherName string `json:"father_name"`
}

// Roster lists the live students of a session key ordered by roll number.
type Roster interface {
	Roster(ctx context.Context, key SessionKey) ([]Member, error)
}

// StudentReport is one row of a class report.
type StudentReport struct {
	Member
	Summary
}

// Reports answers date-range queries from the ledger only.
type Reports struct {
	ledger Ledger
	roster Roster
	now    func() time.Time
}

// NewReports creates a report service. roster may be nil when class reports are not needed.
func NewReports(ledger Ledger, roster Roster, now func() time.Time) *Reports {
	if now == nil {
		now = time.Now
	}
	return &Reports{ledger: ledger, roster: roster, now: now}
}

// QueryRange returns the student's facts in f's window sorted by (date, period).
func (r *Reports) QueryRange(ctx context.Context, studentID string, f Filter) ([]Fact, Range, error) {
	rg, err := f.Bounds(r.now())
	if err != nil {
		return nil, Range{}, err
	}
	facts, err := r.ledger.ListByStudent(ctx, studentID, rg)
	if err != nil {
		return nil, rg, storageErr("list facts", err)
	}
	return facts, rg, nil
}

// ClassReport summarizes every live student of the session key over f's window.
func (r *Reports) ClassReport(ctx context.Context, key SessionKey, f Filter) ([]StudentReport, Range, error) {
	if !key.valid() {
		return nil, Range{}, fmt.Errorf("%w: class, semester and section required", ErrInvalidInput)
	}
	if r.roster == nil {
		return nil, Range{}, fmt.Errorf("%w: no roster configured", ErrStorageFailure)
	}
	rg, err := f.Bounds(r.now())
	if err != nil {
		return nil, Range{}, err
	}
	members, err := r.roster.Roster(ctx, key)
	if err != nil {
		return nil, rg, storageErr("load roster", err)
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	facts, err := r.ledger.ListByStudents(ctx, ids, rg)
	if err != nil {
		return nil, rg, storageErr("list facts", err)
	}
	byStudent := make(map[string][]Fact, len(members))
	for _, f := range facts {
		byStudent[f.StudentID] = append(byStudent[f.StudentID], f)
	}
	out := make([]StudentReport, 0, len(members))
	for _, m := range members {
		out = append(out, StudentReport{Member: m, Summary: Summarize(byStudent[m.ID])})
	}
	return out, rg, nil
}
