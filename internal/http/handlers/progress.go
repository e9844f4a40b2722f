package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/notebookhub/internal/events"
	"github.com/yungbote/notebookhub/internal/http/response"
	"github.com/yungbote/notebookhub/internal/orchestrator"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

type ProgressHandler struct {
	log      *logger.Logger
	sessions Sessions
	hub      *events.Hub
}

func NewProgressHandler(log *logger.Logger, sessions Sessions, hub *events.Hub) *ProgressHandler {
	return &ProgressHandler{
		log:      log.With("handler", "ProgressHandler"),
		sessions: sessions,
		hub:      hub,
	}
}

// GET /hub/api/users/:name/server/progress
//
// Streams lifecycle events for the user's session, starting with its current
// state. The stream ends with the spawn's ready or failed event.
func (h *ProgressHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	user := c.Param("name")

	// Subscribe before reading so no transition falls between the two.
	sub := h.hub.Subscribe(user)
	defer h.hub.Unsubscribe(sub)

	rec, err := h.sessions.Current(ctx, user)
	if err != nil {
		response.RespondClassified(c, err, sessionErrorRules)
		return
	}
	if rec == nil {
		response.RespondClassified(c, orchestrator.ErrNoSession, sessionErrorRules)
		return
	}
	initial := events.NewEvent("", rec, "", rec.UpdatedAt)

	h.log.Debug("Progress stream open", "user", rec.User, "state", rec.State)
	h.hub.Stream(c.Writer, c.Request, sub, []events.Event{initial}, func(ev events.Event) bool {
		return ev.Final()
	})
}
