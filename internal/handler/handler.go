package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mithla/internal/attendance"
	"mithla/internal/auth"
	"mithla/internal/feed"
	"mithla/internal/students"
	"mithla/internal/sweeper"
)

// SweepRunner triggers an on-demand reconciliation.
type SweepRunner interface {
	RunOnce(ctx context.Context) sweeper.Report
}

// TokenConfig signs tokens handed out at login.
type TokenConfig struct {
	SigningKey string
	Issuer     string
	TTL        time.Duration
}

// Handler maps HTTP requests onto the attendance engine and its collaborators.
type Handler struct {
	coord    *attendance.Coordinator
	reports  *attendance.Reports
	students *students.Service
	feeds    *feed.Service
	sweeps   SweepRunner
	tokens   TokenConfig
	timeout  time.Duration
	log      *zap.Logger
}

// Deps bundles what the handler serves. Sweeps may be nil.
type Deps struct {
	Coordinator *attendance.Coordinator
	Reports     *attendance.Reports
	Students    *students.Service
	Feeds       *feed.Service
	Sweeps      SweepRunner
	Tokens      TokenConfig
	Timeout     time.Duration
	Log         *zap.Logger
}

func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	return &Handler{
		coord:    d.Coordinator,
		reports:  d.Reports,
		students: d.Students,
		feeds:    d.Feeds,
		sweeps:   d.Sweeps,
		tokens:   d.Tokens,
		timeout:  d.Timeout,
		log:      d.Log,
	}
}

// Register mounts every route. limit runs after authentication so callers are
// limited per identity; it may be nil.
func (h *Handler) Register(r gin.IRouter, limit gin.HandlerFunc) {
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}
	v1 := r.Group("/v1", h.requestTimeout())
	v1.POST("/auth/student", limit, h.StudentLogin)

	authed := v1.Group("", auth.Middleware(h.tokens.SigningKey, h.tokens.Issuer), limit)

	teacher := authed.Group("", auth.RequireRole(auth.RoleTeacher))
	teacher.POST("/attendance", h.RecordAttendance)
	teacher.PUT("/attendance", h.UpdateAttendance)
	teacher.GET("/attendance/editable", h.LoadEditableSession)

	authed.GET("/students/:id/attendance", h.StudentAttendance)
	authed.GET("/students/:id", h.GetStudent)
	authed.GET("/reports/class", auth.RequireRole(auth.RoleAdmin, auth.RoleTeacher), h.ClassReport)

	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/students", h.CreateStudent)
	admin.DELETE("/students/:id", h.DeleteStudent)
	admin.POST("/students/:id/passout", h.PassoutStudent)
	admin.GET("/feeds", h.ListFeeds)
	admin.GET("/feeds/stats", h.FeedStats)
	admin.POST("/feeds/:id/read", h.MarkFeedRead)
	admin.DELETE("/feeds/:id", h.DeleteFeed)
	admin.POST("/admin/sweep", h.Sweep)

	authed.POST("/feeds", auth.RequireRole(auth.RoleStudent), h.PostFeed)
}

func (h *Handler) requestTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ---------- Errors ----------

func statusFor(err error) int {
	switch {
	case errors.Is(err, attendance.ErrDuplicateSubmission),
		errors.Is(err, attendance.ErrOutOfSequence),
		errors.Is(err, students.ErrDuplicateRollNo):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrEditWindowExpired):
		return http.StatusForbidden
	case errors.Is(err, attendance.ErrNotFound),
		errors.Is(err, students.ErrNotFound),
		errors.Is(err, feed.ErrNotFound),
		errors.Is(err, feed.ErrUnknownStudent):
		return http.StatusNotFound
	case errors.Is(err, attendance.ErrMalformedDateRange),
		errors.Is(err, attendance.ErrInvalidInput),
		errors.Is(err, students.ErrInvalidInput),
		errors.Is(err, feed.ErrInvalidContent):
		return http.StatusBadRequest
	case errors.Is(err, students.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, attendance.ErrStorageFailure),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. extra fields such as partial counts are merged into the body.
func (h *Handler) fail(c *gin.Context, err error, extra gin.H) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		if status == http.StatusInternalServerError {
			body["error"] = "internal error"
		}
	} else {
		h.log.Debug("request rejected", zap.String("path", c.FullPath()), zap.Bool("rule", attendance.IsRuleViolation(err)), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
