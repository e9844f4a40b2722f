package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/http/response"
	"github.com/yungbote/notebookhub/internal/orchestrator"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

type AdminHandler struct {
	log      *logger.Logger
	sessions Sessions
}

func NewAdminHandler(log *logger.Logger, sessions Sessions) *AdminHandler {
	return &AdminHandler{log: log.With("handler", "AdminHandler"), sessions: sessions}
}

// GET /hub/api/sessions
func (h *AdminHandler) ListSessions(c *gin.Context) {
	recs, err := h.sessions.List(c.Request.Context())
	if err != nil {
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	response.RespondOK(c, gin.H{"sessions": recs})
}

type crashRequest struct {
	User       string `json:"user"`
	BackendRef string `json:"backend_ref"`
}

// POST /hub/api/crash
func (h *AdminHandler) Crash(c *gin.Context) {
	var req crashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondClassified(c, &orchestrator.ValidationError{Field: "body", Reason: err.Error()}, sessionErrorRules)
		return
	}
	if req.User == "" {
		response.RespondClassified(c, &orchestrator.ValidationError{Field: "user", Reason: "required"}, sessionErrorRules)
		return
	}
	rec, err := h.sessions.NotifyCrash(c.Request.Context(), req.User, backend.Ref(req.BackendRef))
	if err != nil {
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	if rec == nil {
		// Stale notification for a container that is no longer current.
		c.Status(http.StatusNoContent)
		return
	}
	h.log.Info("Crash notification applied", "user", rec.User, "backend_ref", req.BackendRef)
	response.RespondOK(c, gin.H{"session": rec})
}
