// Package docker runs single-user notebook servers as Docker containers on a
// shared network, one container per user.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

const (
	notebookPort = 8888

	LabelUser  = "hub.user"
	LabelImage = "hub.image"
)

// engine is the subset of the Docker client the backend uses.
type engine interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerStop(ctx context.Context, id string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	Close() error
}

type Config struct {
	// Host overrides DOCKER_HOST; empty means use the environment.
	Host      string
	Network   string
	HubAPIURL string
	// ProbeTimeout bounds one readiness probe; the overall wait is the
	// timeout passed to PollReady.
	ProbeTimeout time.Duration
	Interval     time.Duration
	StopGrace    time.Duration
	// Remove=false keeps stopped containers around for debugging.
	Remove bool
	Debug  bool
}

type Backend struct {
	log    *logger.Logger
	cfg    Config
	engine engine
	http   *http.Client
}

var (
	_ backend.Backend   = (*Backend)(nil)
	_ backend.Inspector = (*Backend)(nil)
)

func New(log *logger.Logger, cfg Config) (*Backend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newWithEngine(log, cfg, cli), nil
}

func newWithEngine(log *logger.Logger, cfg Config, eng engine) *Backend {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Backend{
		log:    log.With("component", "DockerBackend"),
		cfg:    cfg,
		engine: eng,
		http:   &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

func (b *Backend) Close() error { return b.engine.Close() }

func (b *Backend) Create(ctx context.Context, spec backend.Spec) (backend.Ref, error) {
	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	cfg, hostCfg, netCfg, name := b.createArgs(spec)
	// A container left behind by an earlier session (Remove=false or a hub
	// crash) would block the name.
	if existing, err := b.engine.ContainerInspect(ctx, name); err == nil {
		b.log.Info("Removing stale container", "container", name, "id", existing.ID)
		if err := b.engine.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			return "", fmt.Errorf("remove stale %s: %v: %w", name, err, backend.ErrBackendUnavailable)
		}
	} else if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("inspect %s: %v: %w", name, err, backend.ErrBackendUnavailable)
	}

	if b.cfg.Debug {
		b.log.Debug("Creating container",
			"container", name,
			"image", cfg.Image,
			"env", cfg.Env,
			"labels", cfg.Labels,
			"mounts", hostCfg.Mounts,
			"network", b.cfg.Network,
		)
	}
	resp, err := b.engine.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("create %s: %v: %w", name, err, backend.ErrBackendUnavailable)
	}
	for _, w := range resp.Warnings {
		b.log.Warn("Container create warning", "container", name, "warning", w)
	}
	return backend.Ref(resp.ID), nil
}

func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	_, _, err := b.engine.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %v: %w", ref, err, backend.ErrBackendUnavailable)
	}
	b.log.Info("Pulling image", "image", ref)
	rc, err := b.engine.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %v: %w", ref, err, backend.ErrImagePullFailed)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %v: %w", ref, err, backend.ErrImagePullFailed)
	}
	return nil
}

func (b *Backend) createArgs(spec backend.Spec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, string) {
	name := backend.ContainerName(spec.User)

	env := map[string]string{
		"JUPYTERHUB_API_URL":        b.cfg.HubAPIURL,
		"JUPYTERHUB_USER":           spec.User,
		"JUPYTERHUB_SERVICE_PREFIX": "/user/" + url.PathEscape(spec.User) + "/",
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)

	vols := make([]string, 0, len(spec.Mounts))
	for v := range spec.Mounts {
		vols = append(vols, v)
	}
	sort.Strings(vols)
	mounts := make([]mount.Mount, 0, len(vols))
	for _, v := range vols {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: v, Target: spec.Mounts[v]})
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   envList,
		Labels: map[string]string{
			LabelUser:  spec.User,
			LabelImage: spec.ImageKey,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(b.cfg.Network),
	}
	var netCfg *network.NetworkingConfig
	if b.cfg.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{b.cfg.Network: {}},
		}
	}
	return cfg, hostCfg, netCfg, name
}

func (b *Backend) Start(ctx context.Context, ref backend.Ref) error {
	if err := b.engine.ContainerStart(ctx, string(ref), container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %v: %w", ref, err, backend.ErrBackendUnavailable)
	}
	return nil
}

func (b *Backend) PollReady(ctx context.Context, ref backend.Ref, timeout time.Duration) (session.Endpoint, error) {
	return backend.Poll(ctx, b.cfg.Interval, timeout, func(ctx context.Context) (session.Endpoint, bool, error) {
		info, err := b.engine.ContainerInspect(ctx, string(ref))
		if err != nil {
			if client.IsErrNotFound(err) {
				return session.Endpoint{}, false, fmt.Errorf("container %s disappeared", ref)
			}
			return session.Endpoint{}, false, backend.ErrBackendUnavailable
		}
		if info.ContainerJSONBase == nil || info.State == nil {
			return session.Endpoint{}, false, nil
		}
		if !info.State.Running {
			if info.State.Status == "exited" || info.State.Status == "dead" {
				return session.Endpoint{}, false, fmt.Errorf("container %s exited with code %d", ref, info.State.ExitCode)
			}
			return session.Endpoint{}, false, nil
		}
		ip := b.internalIP(info)
		if ip == "" {
			return session.Endpoint{}, false, nil
		}
		ep := session.Endpoint{Host: ip, Port: notebookPort}
		var user string
		if info.Config != nil {
			user = info.Config.Labels[LabelUser]
		}
		ok, err := b.probe(ctx, ep.URL()+"/user/"+url.PathEscape(user)+"/api")
		if err != nil || !ok {
			return session.Endpoint{}, false, nil
		}
		return ep, true, nil
	})
}

func (b *Backend) internalIP(info types.ContainerJSON) string {
	if info.NetworkSettings == nil {
		return ""
	}
	if n, ok := info.NetworkSettings.Networks[b.cfg.Network]; ok && n != nil {
		return n.IPAddress
	}
	return ""
}

// probe reports whether the notebook server answers below 500.
func (b *Backend) probe(ctx context.Context, target string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError, nil
}

func (b *Backend) Stop(ctx context.Context, ref backend.Ref) error {
	grace := int(b.cfg.StopGrace / time.Second)
	err := b.engine.ContainerStop(ctx, string(ref), container.StopOptions{Timeout: &grace})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop %s: %w", ref, err)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, ref backend.Ref) error {
	if !b.cfg.Remove {
		b.log.Debug("Keeping stopped container", "container_id", string(ref))
		return nil
	}
	err := b.engine.ContainerRemove(ctx, string(ref), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	return nil
}

func (b *Backend) Running(ctx context.Context, ref backend.Ref) (bool, error) {
	info, err := b.engine.ContainerInspect(ctx, string(ref))
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, errors.New("inspect returned no state")
	}
	return info.State.Running, nil
}
