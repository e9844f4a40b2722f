// Package chp drives configurable-http-proxy through its REST API.
package chp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/platform/logger"
	"github.com/yungbote/notebookhub/internal/proxy"
)

type Config struct {
	APIURL    string
	AuthToken string
	Timeout   time.Duration
}

type Client struct {
	log        *logger.Logger
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

var _ proxy.Proxy = (*Client)(nil)

func New(log *logger.Logger, cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if baseURL == "" {
		return nil, errors.New("chp: api url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    20,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		log:        log.With("component", "CHPProxy"),
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.AuthToken),
		timeout:    timeout,
		httpClient: &http.Client{Transport: tr},
	}, nil
}

// NewWithHTTPClient swaps the transport; tests use it to avoid the network.
func NewWithHTTPClient(log *logger.Logger, cfg Config, httpClient *http.Client) (*Client, error) {
	c, err := New(log, cfg)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c, nil
}

type routeRequest struct {
	Target string `json:"target"`
	User   string `json:"user"`
}

func (c *Client) routeURL(user string) string {
	return c.baseURL + "/api/routes" + strings.TrimSuffix(proxy.RoutePath(user), "/")
}

func (c *Client) Register(ctx context.Context, user string, ep session.Endpoint) error {
	body, err := json.Marshal(routeRequest{Target: ep.URL(), User: user})
	if err != nil {
		return err
	}
	status, err := c.do(ctx, http.MethodPost, c.routeURL(user), body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("chp register %s: status %d: %w", user, status, proxy.ErrProxyUnavailable)
	}
	c.log.Debug("Route registered", "user", user, "target", ep.URL())
	return nil
}

func (c *Client) Deregister(ctx context.Context, user string) error {
	status, err := c.do(ctx, http.MethodDelete, c.routeURL(user), nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status < 300 {
		return nil
	}
	return fmt.Errorf("chp deregister %s: status %d: %w", user, status, proxy.ErrProxyUnavailable)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("chp %s %s: %v: %w", method, target, err, proxy.ErrProxyUnavailable)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
