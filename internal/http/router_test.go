package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/notebookhub/internal/auth"
	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/backend/fake"
	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/data/repos/sessions"
	"github.com/yungbote/notebookhub/internal/dispatcher"
	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/events"
	httpH "github.com/yungbote/notebookhub/internal/http/handlers"
	httpMW "github.com/yungbote/notebookhub/internal/http/middleware"
	"github.com/yungbote/notebookhub/internal/orchestrator"
	"github.com/yungbote/notebookhub/internal/platform/logger"
	"github.com/yungbote/notebookhub/internal/proxy"
)

type hubFixture struct {
	engine   *gin.Engine
	be       *fake.Backend
	px       *proxy.Memory
	store    *sessions.MemoryStore
	verifier *auth.Verifier
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Nop()

	cat, err := config.NewCatalog([]config.ImageChoice{
		{Key: "Jupyter base", Image: "jupyter/base-notebook:latest"},
		{Key: "Jupyter DS", Image: "jupyter/datascience-notebook:latest"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	f := &hubFixture{
		be:       fake.New(),
		px:       proxy.NewMemory(),
		store:    sessions.NewMemoryStore(),
		verifier: auth.NewVerifierWithSecret(log, []byte("router-test"), "root"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := events.NewMemoryBus()
	hub := events.NewHub(log)
	if err := bus.StartForwarder(ctx, hub.Broadcast); err != nil {
		t.Fatalf("StartForwarder: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Log:     log,
		Store:   f.store,
		Backend: f.be,
		Proxy:   f.px,
		Bus:     bus,
		Catalog: cat,
	}, orchestrator.Settings{
		StartTimeout: 100 * time.Millisecond,
		CallTimeout:  time.Second,
		IdleTimeout:  time.Hour,
		Retention:    time.Minute,
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	disp := dispatcher.New(log, orch, f.be, dispatcher.Config{})

	f.engine = NewRouter(RouterConfig{
		Log:             log,
		AuthMiddleware:  httpMW.NewAuthMiddleware(log, f.verifier),
		HealthHandler:   httpH.NewHealthHandler(nil),
		SessionHandler:  httpH.NewSessionHandler(log, disp, cat),
		ProgressHandler: httpH.NewProgressHandler(log, disp, hub),
		AdminHandler:    httpH.NewAdminHandler(log, disp),
	})
	return f
}

func (f *hubFixture) do(t *testing.T, method, path, user string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		tok, err := f.verifier.Issue(jwt.RegisteredClaims{Subject: user})
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

type sessionBody struct {
	Session *session.Record `json:"session"`
	Error   struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) sessionBody {
	t.Helper()
	var b sessionBody
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return b
}

func TestHealthz(t *testing.T) {
	f := newHubFixture(t)
	rec := f.do(t, nethttp.MethodGet, "/healthz", "", nil, "")
	if rec.Code != nethttp.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestSpawnFormIsPublic(t *testing.T) {
	f := newHubFixture(t)
	rec := f.do(t, nethttp.MethodGet, "/hub/api/spawn-form", "", nil, "")
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `name="image"`) {
		t.Fatalf("form=%s", rec.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newHubFixture(t)

	rec := f.do(t, nethttp.MethodPost, "/hub/api/users/alice/server", "alice",
		strings.NewReader(`{"image":"Jupyter DS"}`), "application/json")
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("start status=%d body=%s", rec.Code, rec.Body.String())
	}
	started := decode(t, rec).Session
	if started == nil || started.State != session.StateReady || started.ImageKey != "Jupyter DS" || !started.Routed {
		t.Fatalf("started=%+v", started)
	}

	rec = f.do(t, nethttp.MethodGet, "/hub/api/users/alice/server", "alice", nil, "")
	if got := decode(t, rec).Session; rec.Code != nethttp.StatusOK || got.ID != started.ID {
		t.Fatalf("get status=%d session=%+v", rec.Code, got)
	}

	rec = f.do(t, nethttp.MethodPost, "/hub/api/users/alice/activity", "alice", nil, "")
	if got := decode(t, rec).Session; rec.Code != nethttp.StatusOK || got.State != session.StateActive {
		t.Fatalf("activity status=%d session=%+v", rec.Code, got)
	}

	rec = f.do(t, nethttp.MethodDelete, "/hub/api/users/alice/server", "alice", nil, "")
	if got := decode(t, rec).Session; rec.Code != nethttp.StatusOK || got.State != session.StateStopped || got.StopReason != session.StopUser {
		t.Fatalf("stop status=%d session=%+v", rec.Code, got)
	}

	rec = f.do(t, nethttp.MethodDelete, "/hub/api/users/alice/server", "alice", nil, "")
	if rec.Code != nethttp.StatusNoContent {
		t.Fatalf("second stop status=%d", rec.Code)
	}
	rec = f.do(t, nethttp.MethodPost, "/hub/api/users/alice/activity", "alice", nil, "")
	if rec.Code != nethttp.StatusNotFound || decode(t, rec).Error.Code != "no_session" {
		t.Fatalf("activity without session status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStartFromSubmittedForm(t *testing.T) {
	f := newHubFixture(t)
	form := url.Values{"image": {"Jupyter DS", "Jupyter base"}}
	rec := f.do(t, nethttp.MethodPost, "/hub/api/users/bob/server", "bob",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec).Session.ImageKey; got != "Jupyter DS" {
		t.Fatalf("image=%q", got)
	}

	rec = f.do(t, nethttp.MethodPost, "/hub/api/users/carl/server", "carl", nil, "")
	if rec.Code != nethttp.StatusOK || decode(t, rec).Session.ImageKey != "Jupyter base" {
		t.Fatalf("default image: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStartErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		script func(*fake.Script)
		proxy  error
		body   string
		status int
		code   string
	}{
		{name: "unknown image", body: `{"image":"Jupyter R"}`, status: nethttp.StatusBadRequest, code: "validation_error"},
		{
			name:   "pull failure",
			script: func(s *fake.Script) { s.CreateErr = fmt.Errorf("pull: %w", backend.ErrImagePullFailed) },
			status: nethttp.StatusBadGateway, code: "image_pull_failed",
		},
		{
			name:   "backend down",
			script: func(s *fake.Script) { s.StartErr = fmt.Errorf("start: %w", backend.ErrBackendUnavailable) },
			status: nethttp.StatusBadGateway, code: "backend_unavailable",
		},
		{
			name:   "never ready",
			script: func(s *fake.Script) { s.NeverReady = true },
			status: nethttp.StatusGatewayTimeout, code: "start_timeout",
		},
		{name: "proxy down", proxy: proxy.ErrProxyUnavailable, status: nethttp.StatusBadGateway, code: "proxy_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHubFixture(t)
			if tc.script != nil {
				f.be.Set(tc.script)
			}
			if tc.proxy != nil {
				f.px.SetFail(tc.proxy)
			}
			body := tc.body
			if body == "" {
				body = `{}`
			}
			rec := f.do(t, nethttp.MethodPost, "/hub/api/users/dana/server", "dana", strings.NewReader(body), "application/json")
			if rec.Code != tc.status {
				t.Fatalf("status=%d want=%d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			if got := decode(t, rec).Error.Code; got != tc.code {
				t.Fatalf("code=%q want=%q", got, tc.code)
			}
		})
	}
}

func TestUserGating(t *testing.T) {
	f := newHubFixture(t)

	if rec := f.do(t, nethttp.MethodPost, "/hub/api/users/erin/server", "", nil, ""); rec.Code != nethttp.StatusUnauthorized {
		t.Fatalf("anonymous status=%d", rec.Code)
	}
	if rec := f.do(t, nethttp.MethodPost, "/hub/api/users/erin/server", "mallory", nil, ""); rec.Code != nethttp.StatusForbidden {
		t.Fatalf("other user status=%d", rec.Code)
	}
	if f.be.Calls(fake.OpCreate) != 0 {
		t.Fatalf("rejected requests reached the backend")
	}

	if rec := f.do(t, nethttp.MethodPost, "/hub/api/users/erin/server", "root", nil, ""); rec.Code != nethttp.StatusOK {
		t.Fatalf("admin start status=%d", rec.Code)
	}
	rec := f.do(t, nethttp.MethodDelete, "/hub/api/users/erin/server", "root", nil, "")
	if got := decode(t, rec).Session; rec.Code != nethttp.StatusOK || got.StopReason != session.StopAdmin {
		t.Fatalf("admin stop status=%d session=%+v", rec.Code, got)
	}
}

func TestAdminRoutes(t *testing.T) {
	f := newHubFixture(t)
	rec := f.do(t, nethttp.MethodPost, "/hub/api/users/fay/server", "fay", nil, "")
	started := decode(t, rec).Session

	if rec := f.do(t, nethttp.MethodGet, "/hub/api/sessions", "fay", nil, ""); rec.Code != nethttp.StatusForbidden {
		t.Fatalf("non-admin list status=%d", rec.Code)
	}
	rec = f.do(t, nethttp.MethodGet, "/hub/api/sessions", "root", nil, "")
	var list struct {
		Sessions []*session.Record `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Sessions) != 1 {
		t.Fatalf("list status=%d body=%s", rec.Code, rec.Body.String())
	}

	stale := `{"user":"fay","backend_ref":"not-the-container"}`
	if rec := f.do(t, nethttp.MethodPost, "/hub/api/crash", "root", strings.NewReader(stale), "application/json"); rec.Code != nethttp.StatusNoContent {
		t.Fatalf("stale crash status=%d", rec.Code)
	}
	if rec := f.do(t, nethttp.MethodPost, "/hub/api/crash", "root", strings.NewReader(`{"user":"fay"}`), "application/json"); rec.Code != nethttp.StatusBadRequest {
		t.Fatalf("crash without ref status=%d", rec.Code)
	}

	crash := fmt.Sprintf(`{"user":"fay","backend_ref":%q}`, started.BackendRef)
	rec = f.do(t, nethttp.MethodPost, "/hub/api/crash", "root", strings.NewReader(crash), "application/json")
	if got := decode(t, rec).Session; rec.Code != nethttp.StatusOK || got.State != session.StateFailed || got.StopReason != session.StopCrash {
		t.Fatalf("crash status=%d session=%+v", rec.Code, got)
	}
}

func TestProgressStream(t *testing.T) {
	f := newHubFixture(t)
	srv := httptest.NewServer(f.engine)
	defer srv.Close()

	if rec := f.do(t, nethttp.MethodGet, "/hub/api/users/gus/server/progress", "gus", nil, ""); rec.Code != nethttp.StatusNotFound {
		t.Fatalf("progress without session status=%d", rec.Code)
	}

	gate := make(chan struct{})
	f.be.Set(func(s *fake.Script) { s.CreateGate = gate })
	done := make(chan int, 1)
	go func() {
		rec := f.do(t, nethttp.MethodPost, "/hub/api/users/gus/server", "gus", nil, "")
		done <- rec.Code
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.be.Calls(fake.OpCreate) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("spawn never reached create")
		}
		time.Sleep(time.Millisecond)
	}

	tok, _ := f.verifier.Issue(jwt.RegisteredClaims{Subject: "gus"})
	req, _ := nethttp.NewRequest(nethttp.MethodGet, srv.URL+"/hub/api/users/gus/server/progress", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	close(gate)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var progress []int
	var last events.Event
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last); err != nil {
			t.Fatalf("event %q: %v", line, err)
		}
		progress = append(progress, last.Progress)
	}
	if len(progress) < 2 || progress[0] != 10 || progress[len(progress)-1] != 100 {
		t.Fatalf("progress=%v", progress)
	}
	if !last.Ready || last.URL != "/user/gus/" {
		t.Fatalf("last=%+v", last)
	}
	if code := <-done; code != nethttp.StatusOK {
		t.Fatalf("start status=%d", code)
	}
}
