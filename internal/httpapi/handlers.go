package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wa-linepool/internal/assignment"
	"wa-linepool/internal/auth"
	"wa-linepool/internal/failover"
	"wa-linepool/internal/lines"
	"wa-linepool/internal/outbound"
	"wa-linepool/internal/pending"
	"wa-linepool/internal/presence"
	"wa-linepool/internal/provider"
	"wa-linepool/internal/rbac"
	"wa-linepool/internal/reporting"
	"wa-linepool/internal/routing"
	"wa-linepool/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Router    routing.Engine
	Presence  *presence.Service
	Outbound  *outbound.Service
	Bindings  *assignment.Service
	Failover  failover.Handler
	Reporting *reporting.Service

	// AllowTokenMint exposes POST /v1/auth/token. Local/dev only.
	AllowTokenMint bool
}

func abortErr(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).ErrorContext(c.Request.Context(), "request failed", "err", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lines.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, lines.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lines.ErrNotActive),
		errors.Is(err, lines.ErrSegmentMismatch),
		errors.Is(err, lines.ErrLineFull),
		errors.Is(err, outbound.ErrNoLine),
		errors.Is(err, pending.ErrNoLine):
		return http.StatusConflict
	case errors.Is(err, lines.ErrProviderUnavailable):
		return http.StatusBadGateway
	case lines.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func callerID(c *gin.Context) (string, bool) {
	id, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return id, true
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken mints a token pair for any known role.
//
// NOTE: Only mounted outside production. Real deployments get tokens from the
// identity provider.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil || !h.AllowTokenMint {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a known role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Inbound ---

type inboundRequest struct {
	LineID       string    `json:"line_id"`
	ContactPhone string    `json:"contact_phone"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Inbound accepts an already-normalized provider event and routes it.
func (h Handlers) Inbound(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	d, err := h.Router.Deliver(c.Request.Context(), routing.InboundMessage{
		LineID:       req.LineID,
		ContactPhone: provider.NormalizePhone(req.ContactPhone),
		Body:         req.Body,
		ReceivedAt:   req.ReceivedAt,
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	status := http.StatusOK
	if d.Queued() {
		status = http.StatusAccepted
	}
	c.JSON(status, d)
}

// --- Presence ---

func (h Handlers) Online(c *gin.Context) {
	id, ok := callerID(c)
	if !ok {
		return
	}
	res, err := h.Presence.OperatorOnline(c.Request.Context(), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) Offline(c *gin.Context) {
	id, ok := callerID(c)
	if !ok {
		return
	}
	lineID, err := h.Presence.OperatorOffline(c.Request.Context(), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operator_id": id, "released_line_id": lineID})
}

// --- Outbound ---

type sendRequest struct {
	ContactPhone string `json:"contact_phone"`
	Text         string `json:"text"`
}

func (h Handlers) Send(c *gin.Context) {
	id, ok := callerID(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Outbound.Send(c.Request.Context(), outbound.SendRequest{
		OperatorID:   id,
		ContactPhone: req.ContactPhone,
		Text:         req.Text,
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Lines (supervisor/admin) ---

type bindRequest struct {
	OperatorID string `json:"operator_id"`
}

func (h Handlers) Bind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Bindings.Bind(c.Request.Context(), c.Param("line_id"), req.OperatorID)
	if err != nil {
		abortErr(c, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyBound {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h Handlers) Unbind(c *gin.Context) {
	if err := h.Bindings.Unbind(c.Request.Context(), c.Param("line_id"), c.Param("operator_id")); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Ban marks a line banned and runs failover synchronously.
func (h Handlers) Ban(c *gin.Context) {
	rep, err := h.Failover.HandleLineBanned(c.Request.Context(), c.Param("line_id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	status := http.StatusOK
	if rep.Skipped {
		status = http.StatusAccepted
	}
	c.JSON(status, rep)
}

func (h Handlers) LineLoad(c *gin.Context) {
	loads, err := h.Reporting.LineLoad(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": loads, "summary": reporting.Summarize(loads)})
}
