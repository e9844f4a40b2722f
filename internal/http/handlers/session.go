package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/http/response"
	"github.com/yungbote/notebookhub/internal/orchestrator"
	"github.com/yungbote/notebookhub/internal/platform/ctxutil"
	"github.com/yungbote/notebookhub/internal/platform/logger"
	"github.com/yungbote/notebookhub/internal/proxy"
	"github.com/yungbote/notebookhub/internal/spawnform"
)

type SessionHandler struct {
	log      *logger.Logger
	sessions Sessions
	catalog  *config.Catalog
}

func NewSessionHandler(log *logger.Logger, sessions Sessions, catalog *config.Catalog) *SessionHandler {
	return &SessionHandler{
		log:      log.With("handler", "SessionHandler"),
		sessions: sessions,
		catalog:  catalog,
	}
}

type spawnRequest struct {
	Image *string `json:"image"`
}

// GET /hub/api/spawn-form
func (h *SessionHandler) SpawnForm(c *gin.Context) {
	html, err := spawnform.Render(h.catalog)
	if err != nil {
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// POST /hub/api/users/:name/server
func (h *SessionHandler) Start(c *gin.Context) {
	key, err := h.imageKey(c)
	if err != nil {
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	rec, err := h.sessions.EnsureSession(c.Request.Context(), c.Param("name"), key)
	if err != nil {
		switch {
		case rec != nil && errors.Is(err, proxy.ErrProxyUnavailable):
			h.log.Warn("Session ready but not routed", "user", rec.User, "error", err)
		case rec != nil:
			h.log.Warn("Spawn did not reach ready", "user", rec.User, "state", string(rec.State), "error", err)
		}
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	response.RespondOK(c, gin.H{"session": rec})
}

// imageKey reads the requested image from a JSON body or a submitted form.
// A missing choice resolves to the catalog default.
func (h *SessionHandler) imageKey(c *gin.Context) (string, error) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req spawnRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", &orchestrator.ValidationError{Field: "body", Reason: err.Error()}
		}
		var values []string
		if req.Image != nil {
			values = []string{*req.Image}
		}
		return spawnform.ImageKey(values, h.catalog)
	}
	if err := c.Request.ParseForm(); err != nil {
		return "", &orchestrator.ValidationError{Field: "form", Reason: err.Error()}
	}
	return spawnform.FromForm(c.Request.PostForm, h.catalog)
}

// DELETE /hub/api/users/:name/server
func (h *SessionHandler) Stop(c *gin.Context) {
	user := c.Param("name")
	reason := session.StopUser
	if id := ctxutil.GetIdentity(c.Request.Context()); id != nil && id.User != strings.TrimSpace(user) {
		reason = session.StopAdmin
	}
	rec, err := h.sessions.StopSession(c.Request.Context(), user, reason)
	if err != nil {
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	if rec == nil {
		c.Status(http.StatusNoContent)
		return
	}
	response.RespondOK(c, gin.H{"session": rec})
}

// GET /hub/api/users/:name/server
func (h *SessionHandler) Get(c *gin.Context) {
	rec, err := h.sessions.Current(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	if rec == nil {
		response.RespondClassified(c, orchestrator.ErrNoSession, sessionErrorRules)
		return
	}
	response.RespondOK(c, gin.H{"session": rec})
}

// POST /hub/api/users/:name/activity
func (h *SessionHandler) Activity(c *gin.Context) {
	rec, err := h.sessions.Touch(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	response.RespondOK(c, gin.H{"session": rec})
}
