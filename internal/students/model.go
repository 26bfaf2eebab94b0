package students

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mithla/internal/attendance"
)

var (
	ErrNotFound           = errors.New("student not found")
	ErrDuplicateRollNo    = errors.New("roll number already exists")
	ErrInvalidInput       = errors.New("invalid student")
	ErrInvalidCredentials = errors.New("invalid roll number or password")
)

// Subject is one enrolled subject.
type Subject struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	MaxMarks    int    `json:"max_marks"`
	MinMarks    int    `json:"min_marks"`
	SubjectType string `json:"subject_type"`
}

// Student is a live student record. Roll numbers are globally unique.
type Student struct {
	ID           string     `json:"id"`
	RollNo       int        `json:"roll_no"`
	Name         string     `json:"name"`
	FatherName   string     `json:"father_name"`
	Section      string     `json:"section"`
	Class        string     `json:"class"`
	Session      string     `json:"session"`
	Semester     string     `json:"semester"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"-"`
	Subjects     []Subject  `json:"subjects"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpireAt     *time.Time `json:"expire_at,omitempty"`
}

// Key returns the recording context the student belongs to.
func (s Student) Key() attendance.SessionKey {
	return attendance.SessionKey{Class: s.Class, Semester: s.Semester, Section: s.Section}
}

// Member projects the student into a report row.
func (s Student) Member() attendance.Member {
	return attendance.Member{ID: s.ID, RollNo: s.RollNo, Name: s.Name, FatherName: s.FatherName}
}

func (s Student) liveAt(now time.Time) bool {
	return s.ExpireAt == nil || s.ExpireAt.After(now)
}

// Archive is the copy kept when a student passes out.
type Archive struct {
	ID          string    `json:"id"`
	OriginalID  string    `json:"original_student_id"`
	Student     Student   `json:"student"`
	ArchivedAt  time.Time `json:"archived_at"`
	PassoutYear int       `json:"passout_year"`
}

// NewStudent is the create payload. Password is optional.
type NewStudent struct {
	RollNo     int       `json:"roll_no"`
	Name       string    `json:"name"`
	FatherName string    `json:"father_name"`
	Section    string    `json:"section"`
	Class      string    `json:"class"`
	Session    string    `json:"session"`
	Semester   string    `json:"semester"`
	Email      string    `json:"email"`
	Password   string    `json:"password"`
	Subjects   []Subject `json:"subjects"`
}

func (n NewStudent) validate() error {
	if n.RollNo <= 0 {
		return fmt.Errorf("%w: roll number must be positive", ErrInvalidInput)
	}
	required := []struct{ field, value string }{
		{"name", n.Name},
		{"father_name", n.FatherName},
		{"section", n.Section},
		{"class", n.Class},
		{"session", n.Session},
		{"semester", n.Semester},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidInput, r.field)
		}
	}
	return nil
}

var courseYears = map[string]int{
	"BCA": 3,
	"MCA": 2,
	"BBA": 3,
	"MBA": 2,
}

// CourseName extracts the course from a class label: "BCA 1ST YEAR" is "BCA".
func CourseName(class string) string {
	fields := strings.Fields(class)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// ComputeExpiry returns when a student of class and session completes the
// course. A "YYYY-YYYY" session ends on June 30 of its end year; otherwise the
// course duration is added to now. Courses without a fixed duration never expire.
func ComputeExpiry(class, session string, now time.Time) *time.Time {
	years, ok := courseYears[CourseName(class)]
	if !ok {
		return nil
	}
	if _, end, found := strings.Cut(session, "-"); found {
		if year, err := strconv.Atoi(strings.TrimSpace(end)); err == nil {
			t := time.Date(year, time.June, 30, 0, 0, 0, 0, time.UTC)
			return &t
		}
	}
	t := now.UTC().AddDate(years, 0, 0)
	return &t
}
