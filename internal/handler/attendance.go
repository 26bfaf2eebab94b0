package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mithla/internal/attendance"
	"mithla/internal/auth"
)

// ---------- Record / Edit ----------

type submissionRequest struct {
	Class       string            `json:"class" binding:"required"`
	Semester    string            `json:"semester" binding:"required"`
	Section     string            `json:"section" binding:"required"`
	Period      int               `json:"period" binding:"required,min=1"`
	Subject     string            `json:"subject" binding:"required"`
	Unit        string            `json:"unit"`
	Description string            `json:"description"`
	Statuses    map[string]string `json:"statuses" binding:"required"`
}

func (r submissionRequest) decode(id auth.Identity) (attendance.Session, attendance.Submission, error) {
	statuses := make(map[string]attendance.Status, len(r.Statuses))
	for student, raw := range r.Statuses {
		st, err := attendance.ParseStatus(raw)
		if err != nil {
			return attendance.Session{}, attendance.Submission{}, err
		}
		statuses[student] = st
	}
	s := attendance.Session{
		SessionKey:  attendance.SessionKey{Class: r.Class, Semester: r.Semester, Section: r.Section},
		TeacherID:   id.ID,
		TeacherName: id.Name,
	}
	sub := attendance.Submission{
		Period:      r.Period,
		Subject:     r.Subject,
		Unit:        r.Unit,
		Description: r.Description,
		Statuses:    statuses,
	}
	return s, sub, nil
}

func (h *Handler) bindSubmission(c *gin.Context) (attendance.Session, attendance.Submission, bool) {
	var req submissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return attendance.Session{}, attendance.Submission{}, false
	}
	id, _ := auth.IdentityFrom(c)
	s, sub, err := req.decode(id)
	if err != nil {
		h.fail(c, err, nil)
		return attendance.Session{}, attendance.Submission{}, false
	}
	return s, sub, true
}

// RecordAttendance writes one period for the submitted students.
func (h *Handler) RecordAttendance(c *gin.Context) {
	s, sub, ok := h.bindSubmission(c)
	if !ok {
		return
	}
	n, err := h.coord.RecordAttendance(c.Request.Context(), s, sub)
	if err != nil {
		h.fail(c, err, gin.H{"recorded": n, "requested": len(sub.Statuses)})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recorded": n})
}

// UpdateAttendance corrects a recorded period and reports per-outcome counts.
func (h *Handler) UpdateAttendance(c *gin.Context) {
	s, sub, ok := h.bindSubmission(c)
	if !ok {
		return
	}
	res, err := h.coord.UpdateAttendance(c.Request.Context(), s, sub)
	if err != nil {
		h.fail(c, err, gin.H{"updated": res.Updated, "denied": res.Denied, "not_found": res.NotFound})
		return
	}
	c.JSON(http.StatusOK, res)
}

// LoadEditableSession returns the latest editable period for prefilling the edit form.
func (h *Handler) LoadEditableSession(c *gin.Context) {
	id, _ := auth.IdentityFrom(c)
	s := attendance.Session{
		SessionKey:  sessionKeyFromQuery(c),
		TeacherID:   id.ID,
		TeacherName: id.Name,
	}
	out, err := h.coord.LoadEditableSession(c.Request.Context(), s, c.Query("subject"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ---------- Reports ----------

func sessionKeyFromQuery(c *gin.Context) attendance.SessionKey {
	return attendance.SessionKey{Class: c.Query("class"), Semester: c.Query("semester"), Section: c.Query("section")}
}

func filterFromQuery(c *gin.Context) (attendance.Filter, error) {
	return attendance.ParseFilter(c.Query("filter"), c.Query("from"), c.Query("to"))
}

// StudentAttendance lists a student's facts for a window with the day-wise summary.
// Students may only read their own record.
func (h *Handler) StudentAttendance(c *gin.Context) {
	studentID := c.Param("id")
	if id, _ := auth.IdentityFrom(c); id.Role == auth.RoleStudent && id.ID != studentID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	f, err := filterFromQuery(c)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	facts, rg, err := h.reports.QueryRange(c.Request.Context(), studentID, f)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if facts == nil {
		facts = []attendance.Fact{}
	}
	c.JSON(http.StatusOK, gin.H{
		"filter":  f.Kind,
		"range":   rg,
		"facts":   facts,
		"summary": attendance.Summarize(facts),
	})
}

// ClassReport summarizes every student of a class, semester and section.
func (h *Handler) ClassReport(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	rows, rg, err := h.reports.ClassReport(c.Request.Context(), sessionKeyFromQuery(c), f)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if rows == nil {
		rows = []attendance.StudentReport{}
	}
	c.JSON(http.StatusOK, gin.H{"filter": f.Kind, "range": rg, "students": rows})
}
