package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/platform/logger"
	"github.com/yungbote/notebookhub/internal/proxy"
)

type stubSessions struct {
	rec *session.Record
	err error
}

func (s stubSessions) EnsureSession(context.Context, string, string) (*session.Record, error) {
	return s.rec, s.err
}

func (s stubSessions) StopSession(context.Context, string, session.StopReason) (*session.Record, error) {
	return s.rec, s.err
}

func (s stubSessions) Touch(context.Context, string) (*session.Record, error) { return s.rec, s.err }

func (s stubSessions) NotifyCrash(context.Context, string, backend.Ref) (*session.Record, error) {
	return s.rec, s.err
}

func (s stubSessions) Current(context.Context, string) (*session.Record, error) { return s.rec, s.err }

func (s stubSessions) List(context.Context) ([]*session.Record, error) { return nil, s.err }

func TestStartFailureLogMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cat, err := config.NewCatalog([]config.ImageChoice{{Key: "Jupyter base", Image: "jupyter/base-notebook:latest"}})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	cases := []struct {
		name   string
		rec    *session.Record
		err    error
		status int
		want   string
	}{
		{
			name:   "unrouted",
			rec:    &session.Record{User: "alice", State: session.StateReady},
			err:    proxy.ErrProxyUnavailable,
			status: http.StatusBadGateway,
			want:   "Session ready but not routed",
		},
		{
			name:   "start timeout",
			rec:    &session.Record{User: "alice", State: session.StateFailed},
			err:    backend.ErrStartTimeout,
			status: http.StatusGatewayTimeout,
			want:   "Spawn did not reach ready",
		},
		{
			name:   "pull failure",
			rec:    &session.Record{User: "alice", State: session.StateFailed},
			err:    backend.ErrImagePullFailed,
			status: http.StatusBadGateway,
			want:   "Spawn did not reach ready",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}
			h := NewSessionHandler(log, stubSessions{rec: tc.rec, err: tc.err}, cat)

			r := gin.New()
			r.POST("/hub/api/users/:name/server", h.Start)
			req := httptest.NewRequest(http.MethodPost, "/hub/api/users/alice/server", strings.NewReader(`{}`))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			if n := logs.FilterMessage(tc.want).Len(); n != 1 {
				t.Fatalf("want one %q log, got %d (all=%v)", tc.want, n, logs.All())
			}
			if tc.want != "Session ready but not routed" && logs.FilterMessage("Session ready but not routed").Len() != 0 {
				t.Fatalf("misleading unrouted log for %s", tc.name)
			}
		})
	}
}
