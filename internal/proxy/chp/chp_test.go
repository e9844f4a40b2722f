package chp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/platform/logger"
	"github.com/yungbote/notebookhub/internal/proxy"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func respond(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}
}

func newClient(t *testing.T, rt roundTripperFunc) *Client {
	t.Helper()
	c, err := NewWithHTTPClient(logger.Nop(), Config{APIURL: "http://proxy:8001/", AuthToken: "s3cret"}, &http.Client{Transport: rt})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRegisterRequestShape(t *testing.T) {
	c := newClient(t, func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost {
			t.Fatalf("method=%s", req.Method)
		}
		if req.URL.Path != "/api/routes/user/alice" {
			t.Fatalf("path=%s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "token s3cret" {
			t.Fatalf("authorization=%q", got)
		}
		var in routeRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if in.Target != "http://172.18.0.5:8888" || in.User != "alice" {
			t.Fatalf("body=%+v", in)
		}
		return respond(http.StatusCreated), nil
	})
	if err := c.Register(context.Background(), "alice", session.Endpoint{Host: "172.18.0.5", Port: 8888}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegisterFailures(t *testing.T) {
	ep := session.Endpoint{Host: "h", Port: 1}
	c := newClient(t, func(*http.Request) (*http.Response, error) { return respond(http.StatusBadGateway), nil })
	if err := c.Register(context.Background(), "a", ep); !errors.Is(err, proxy.ErrProxyUnavailable) {
		t.Fatalf("5xx: got %v", err)
	}
	c = newClient(t, func(*http.Request) (*http.Response, error) { return nil, errors.New("connection refused") })
	if err := c.Register(context.Background(), "a", ep); !errors.Is(err, proxy.ErrProxyUnavailable) {
		t.Fatalf("transport: got %v", err)
	}
}

func TestDeregisterTreatsNotFoundAsSuccess(t *testing.T) {
	c := newClient(t, func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodDelete {
			t.Fatalf("method=%s", req.Method)
		}
		return respond(http.StatusNotFound), nil
	})
	if err := c.Deregister(context.Background(), "ghost"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
}
