package handler

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
	"classattend/internal/auth"
)

// TokenIssuer captures the JWT settings the device-registration endpoint needs.
type TokenIssuer struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Handler exposes the attendance engine over HTTP.
type Handler struct {
	svc    *attendance.Service
	repo   *attendance.Repository
	tokens TokenIssuer
}

// New creates a handler.
func New(svc *attendance.Service, repo *attendance.Repository, tokens TokenIssuer) *Handler {
	return &Handler{svc: svc, repo: repo, tokens: tokens}
}

// writeError maps the engine's error kinds onto HTTP statuses. Every
// failure body carries the kind and, where known, the id it relates to.
func writeError(c *gin.Context, err error) {
	kind := attendance.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case attendance.KindInvalidInput:
		status = http.StatusBadRequest
	case attendance.KindNotFound:
		status = http.StatusNotFound
	case attendance.KindUnauthorized:
		status = http.StatusForbidden
	case attendance.KindUnavailable:
		status = http.StatusServiceUnavailable
	case attendance.KindInvalidSession:
		status = http.StatusUnprocessableEntity
	case attendance.KindConflict:
		status = http.StatusConflict
	}
	body := gin.H{"error": err.Error(), "kind": string(kind), "retryable": kind.Retryable()}
	var e *attendance.Error
	if errors.As(err, &e) && e.Ref != "" {
		body["ref"] = e.Ref
	}
	c.JSON(status, body)
}

func subject(c *gin.Context) string {
	claims, _ := auth.FromContext(c)
	return claims.Subject
}

// RegisterDevice binds a device to a student and issues tokens.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID  string `json:"device_id" binding:"required"`
		StudentID string `json:"student_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.repo.UpsertDevice(c.Request.Context(), req.DeviceID, req.StudentID); err != nil {
		writeError(c, err)
		return
	}

	pair, err := auth.Issue(req.StudentID, auth.RoleStudent, h.tokens.Issuer, h.tokens.SigningKey, h.tokens.AccessTTL, h.tokens.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	_ = h.repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, pair.RefreshToken, pair.RefreshExp)

	c.JSON(http.StatusCreated, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
	})
}

// Submit handles one interactive attendance submission. The student id
// comes from the bearer token, never from the body.
func (h *Handler) Submit(c *gin.Context) {
	var req struct {
		SessionID      string   `json:"session_id" binding:"required"`
		ClassID        string   `json:"class_id" binding:"required"`
		Latitude       *float64 `json:"latitude" binding:"required"`
		Longitude      *float64 `json:"longitude" binding:"required"`
		LivenessPassed bool     `json:"liveness_passed"`
		Image          string   `json:"image" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sample, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image must be base64 encoded"})
		return
	}

	rec, err := h.svc.Submit(c.Request.Context(), attendance.Submission{
		StudentID:      subject(c),
		SessionID:      req.SessionID,
		ClassID:        req.ClassID,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		LivenessPassed: req.LivenessPassed,
		Sample:         sample,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// Sync reconciles a batch of offline-captured claims. One outcome per
// claim, in input order, even when some fail.
func (h *Handler) Sync(c *gin.Context) {
	var req struct {
		Claims []attendance.Claim `json:"claims"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcomes, err := h.svc.Reconcile(c.Request.Context(), subject(c), req.Claims)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

// Records returns one page of the caller's records.
func (h *Handler) Records(c *gin.Context) {
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 20)

	res, err := h.svc.Records(c.Request.Context(), subject(c), c.Query("class_id"), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Summary returns the caller's attendance rollup.
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.svc.Summary(c.Request.Context(), subject(c), c.Query("class_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Missed returns the caller's missed occurrences, most recent first.
func (h *Handler) Missed(c *gin.Context) {
	missed, err := h.svc.Missed(c.Request.Context(), subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missed": missed})
}

// ClassAttendance returns a class's records plus the enrolled rollup.
func (h *Handler) ClassAttendance(c *gin.Context) {
	f := attendance.RecordFilter{
		ClassID: c.Param("classId"),
		Status:  attendance.Status(c.Query("status")),
	}
	var ok bool
	if f.From, ok = timeQuery(c, "from"); !ok {
		return
	}
	if f.To, ok = timeQuery(c, "to"); !ok {
		return
	}

	res, err := h.svc.ClassAttendance(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UpdateStatus applies a manual status correction. Staff only.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.svc.UpdateStatus(c.Request.Context(), c.Param("id"), attendance.Status(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// CreateManual records attendance on a student's behalf. Staff only;
// markedBy is taken from the staff token.
func (h *Handler) CreateManual(c *gin.Context) {
	var req struct {
		StudentID  string    `json:"student_id" binding:"required"`
		ClassID    string    `json:"class_id" binding:"required"`
		ScheduleID *string   `json:"schedule_id"`
		Status     string    `json:"status"`
		MarkedAt   time.Time `json:"marked_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.svc.CreateManual(c.Request.Context(), req.StudentID, req.ClassID,
		req.ScheduleID, attendance.Status(req.Status), req.MarkedAt, subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// FullReport returns the per-student rollup for a class. Staff only.
func (h *Handler) FullReport(c *gin.Context) {
	from, ok := timeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := timeQuery(c, "to")
	if !ok {
		return
	}
	rows, err := h.svc.FullReport(c.Request.Context(), c.Param("classId"), from, to, c.Query("student_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// timeQuery parses an optional RFC3339 or YYYY-MM-DD query value. On a
// malformed value it writes a 400 and reports !ok.
func timeQuery(c *gin.Context, key string) (*time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return &t, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339 or YYYY-MM-DD"})
	return nil, false
}
