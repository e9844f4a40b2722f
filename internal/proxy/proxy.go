// Package proxy registers per-user routes with the routing proxy that sits
// in front of the notebook containers.
package proxy

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"sync"

	"github.com/yungbote/notebookhub/internal/domain/session"
)

var ErrProxyUnavailable = errors.New("proxy unavailable")

// Proxy maps /user/{user}/ to a session endpoint. Register overwrites an
// existing route; Deregister of an unknown user is a no-op.
type Proxy interface {
	Register(ctx context.Context, user string, ep session.Endpoint) error
	Deregister(ctx context.Context, user string) error
}

// RoutePath is the public path prefix for a user's server.
func RoutePath(user string) string {
	return "/user/" + url.PathEscape(user) + "/"
}

// Memory is an in-process route table.
type Memory struct {
	mu     sync.RWMutex
	routes map[string]session.Endpoint
	// Fail, when set, is returned from every Register call.
	Fail error
}

func NewMemory() *Memory {
	return &Memory{routes: make(map[string]session.Endpoint)}
}

func (m *Memory) Register(_ context.Context, user string, ep session.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.routes[user] = ep
	return nil
}

func (m *Memory) Deregister(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, user)
	return nil
}

// SetFail changes the Register failure under the lock.
func (m *Memory) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = err
}

func (m *Memory) Lookup(user string) (session.Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.routes[user]
	return ep, ok
}

// Routes lists registered users in sorted order.
func (m *Memory) Routes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.routes))
	for u := range m.routes {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
