package handlers

import (
	"context"
	"net/http"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/data/repos/sessions"
	"github.com/yungbote/notebookhub/internal/dispatcher"
	"github.com/yungbote/notebookhub/internal/orchestrator"
	"github.com/yungbote/notebookhub/internal/platform/apierr"
	"github.com/yungbote/notebookhub/internal/proxy"
)

var sessionErrorRules = []apierr.Rule{
	{Target: orchestrator.ErrValidation, Status: http.StatusBadRequest, Code: "validation_error"},
	{Target: orchestrator.ErrNoSession, Status: http.StatusNotFound, Code: "no_session"},
	{Target: orchestrator.ErrSpawnCancelled, Status: http.StatusConflict, Code: "spawn_cancelled"},
	{Target: backend.ErrStartTimeout, Status: http.StatusGatewayTimeout, Code: "start_timeout"},
	{Target: backend.ErrImagePullFailed, Status: http.StatusBadGateway, Code: "image_pull_failed"},
	{Target: backend.ErrBackendUnavailable, Status: http.StatusBadGateway, Code: "backend_unavailable"},
	{Target: proxy.ErrProxyUnavailable, Status: http.StatusBadGateway, Code: "proxy_unavailable"},
	{Target: dispatcher.ErrShuttingDown, Status: http.StatusServiceUnavailable, Code: "shutting_down"},
	{Target: sessions.ErrNotFound, Status: http.StatusNotFound, Code: "not_found"},
	{Target: sessions.ErrConflict, Status: http.StatusConflict, Code: "conflict"},
	{Target: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Code: "timeout"},
}
