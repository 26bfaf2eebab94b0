package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mithla/internal/auth"
	"mithla/internal/feed"
)

// ---------- Feeds ----------

// PostFeed stores a message from the calling student.
func (h *Handler) PostFeed(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, _ := auth.IdentityFrom(c)
	f, err := h.feeds.Post(c.Request.Context(), id.ID, req.Content)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, f)
}

// ListFeeds pages feeds newest first. ?unread=true hides read feeds.
func (h *Handler) ListFeeds(c *gin.Context) {
	page := 1
	if v := c.Query("page"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			page = parsed
		}
	}
	out, err := h.feeds.List(c.Request.Context(), feed.ListFilter{
		UnreadOnly: c.Query("unread") == "true",
		StudentID:  c.Query("student_id"),
		Page:       page,
	})
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) FeedStats(c *gin.Context) {
	s, err := h.feeds.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) MarkFeedRead(c *gin.Context) {
	if err := h.feeds.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteFeed(c *gin.Context) {
	if err := h.feeds.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}
