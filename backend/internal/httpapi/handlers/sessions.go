package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/cache"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/presence"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/session"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/ws"
)

// Sessions exposes the session lifecycle REST surface.
type Sessions struct {
	svc *session.Service
	hub *ws.Hub
	// presence is the shared Redis view; nil on a single node, where the
	// hub alone is authoritative.
	presence cache.PresenceCache
}

func NewSessions(svc *session.Service, hub *ws.Hub, presence cache.PresenceCache) *Sessions {
	return &Sessions{svc: svc, hub: hub, presence: presence}
}

type joinRequest struct {
	FormID      string `json:"formId" binding:"required"`
	DisplayName string `json:"displayName" binding:"required"`
}

// Join handles POST /sessions/join: allocates a session identity before the
// socket is opened.
func (h *Sessions) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	id, err := h.svc.Join(c.Request.Context(), req.FormID, req.DisplayName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, id)
}

type leaveRequest struct {
	SessionToken string `json:"sessionToken" binding:"required"`
}

// Leave handles POST /sessions/leave. Clients fire and forget this; the
// heartbeat timeout is the authoritative removal path either way.
func (h *Sessions) Leave(c *gin.Context) {
	var req leaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if err := h.svc.Leave(c.Request.Context(), req.SessionToken); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "invalid session token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// Info handles GET /sessions/:formId: the live session summary for a form.
// When this node holds no room for the form, the shared Redis view answers
// instead; the session may be hosted by another node.
func (h *Sessions) Info(c *gin.Context) {
	formID := c.Param("formId")
	if info, ok := h.hub.SessionInfo(formID); ok {
		c.JSON(http.StatusOK, info)
		return
	}
	if info, ok := h.remoteInfo(c, formID); ok {
		c.JSON(http.StatusOK, info)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "no live session for form"})
}

func (h *Sessions) remoteInfo(c *gin.Context, formID string) (ws.Info, bool) {
	if h.presence == nil {
		return ws.Info{}, false
	}
	members, err := h.presence.GetAliveMembers(c.Request.Context(), formID)
	if err != nil || len(members) == 0 {
		return ws.Info{}, false
	}
	collaborators := make([]presence.Collaborator, 0, len(members))
	for _, m := range members {
		col := presence.Collaborator{ID: m.UserID, DisplayName: m.DisplayName}
		if raw, err := h.presence.GetCursor(c.Request.Context(), formID, m.UserID); err == nil {
			var cur presence.Cursor
			if json.Unmarshal(raw, &cur) == nil {
				col.Cursor = &cur
			}
		}
		collaborators = append(collaborators, col)
	}
	return ws.Info{FormID: formID, Collaborators: collaborators}, true
}

// ActiveForms handles GET /collab/forms: every form with live collaborators,
// cluster-wide.
func (h *Sessions) ActiveForms(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": "no shared presence view"})
		return
	}
	forms, err := h.presence.GetForms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	if forms == nil {
		forms = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"forms": forms})
}
