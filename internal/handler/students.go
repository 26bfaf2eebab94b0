package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mithla/internal/auth"
	"mithla/internal/students"
)

// ---------- Student login ----------

type loginRequest struct {
	RollNo   int    `json:"roll_no" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// StudentLogin exchanges a roll number and password for an access token.
func (h *Handler) StudentLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.students.Authenticate(c.Request.Context(), req.RollNo, req.Password)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	tok, err := auth.Issue(auth.Identity{ID: st.ID, Name: st.Name, Role: auth.RoleStudent}, h.tokens.Issuer, h.tokens.SigningKey, h.tokens.TTL)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.Unix(),
		"student":      st,
	})
}

// ---------- Students ----------

// CreateStudent registers a student and computes their course expiry.
func (h *Handler) CreateStudent(c *gin.Context) {
	var req students.NewStudent
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.students.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) GetStudent(c *gin.Context) {
	studentID := c.Param("id")
	if id, _ := auth.IdentityFrom(c); id.Role == auth.RoleStudent && id.ID != studentID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	st, err := h.students.Get(c.Request.Context(), studentID)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

// DeleteStudent removes the live record. Attendance and feeds follow on the next sweep.
func (h *Handler) DeleteStudent(c *gin.Context) {
	if err := h.students.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// PassoutStudent archives a student and removes the live record.
func (h *Handler) PassoutStudent(c *gin.Context) {
	a, err := h.students.Passout(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Sweep runs the reconciliation passes now.
func (h *Handler) Sweep(c *gin.Context) {
	if h.sweeps == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper runs in the worker"})
		return
	}
	rep := h.sweeps.RunOnce(c.Request.Context())
	body := gin.H{"deleted": rep.Deleted(), "results": rep.Results}
	if err := rep.Err(); err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}
