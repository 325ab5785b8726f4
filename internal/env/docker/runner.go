package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/google/shlex"

	"taskplane/internal/env"
	"taskplane/internal/env/collector"
	"taskplane/internal/env/lifecycle"
)

// PullPolicy decides when RunEnv pulls the image.
type PullPolicy string

const (
	PullAlways       PullPolicy = "Always"
	PullIfNotPresent PullPolicy = "IfNotPresent"
	PullNever        PullPolicy = "Never"
)

// Init failure reasons, named after their kubernetes counterparts.
const (
	ReasonImageNeverPull = "ErrImageNeverPull"
	ReasonImagePull      = "ErrImagePull"
)

// RunnerConfig tunes container launches.
type RunnerConfig struct {
	PullPolicy PullPolicy
	// Shell prefixes the script, e.g. "sh -c".
	Shell       string
	StopTimeout time.Duration
	// Collector is collector.KindNative (daemon stats) or collector.KindPoll (host pid).
	Collector collector.Kind
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.PullPolicy == "" {
		c.PullPolicy = PullIfNotPresent
	}
	if c.Shell == "" {
		c.Shell = "sh -c"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.Collector == "" {
		c.Collector = collector.KindNative
	}
	return c
}

// Runner launches containers and tracks the handles it created.
type Runner struct {
	api    API
	cfg    RunnerConfig
	shell  []string
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(api API, cfg RunnerConfig, logger *slog.Logger) (*Runner, error) {
	cfg = cfg.withDefaults()
	switch cfg.PullPolicy {
	case PullAlways, PullIfNotPresent, PullNever:
	default:
		return nil, env.Misconfigured("docker.pull_policy", "unknown policy %q", cfg.PullPolicy)
	}
	switch cfg.Collector {
	case collector.KindNative, collector.KindPoll:
	default:
		return nil, env.Misconfigured("metrics.collector", "%q is not supported by the docker backend", cfg.Collector)
	}
	shell, err := shlex.Split(cfg.Shell)
	if err != nil || len(shell) == 0 {
		return nil, env.Misconfigured("docker.shell", "cannot parse %q", cfg.Shell)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		api:     api,
		cfg:     cfg,
		shell:   shell,
		logger:  logger,
		handles: make(map[string]*Handle),
	}, nil
}

// RunEnv implements env.EnvRunner.
func (r *Runner) RunEnv(ctx context.Context, req env.RunEnvRequest) (env.EnvHandle, error) {
	if req.EnvKey == "" {
		return nil, env.Misconfigured("env_key", "must not be empty")
	}
	if err := req.Limitations.Validate(); err != nil {
		return nil, err
	}
	id := env.NewHandleID(req.Label)
	logger := r.logger.With("handle_id", id, "image", req.EnvKey)

	if reason, err := r.ensureImage(ctx, req.EnvKey); err != nil {
		logger.Warn("image unavailable", "reason", reason, "error", err)
		h := r.newHandle(id, "", nil, logger)
		h.watch.FailInit(reason + ": " + err.Error())
		r.track(h)
		return h, nil
	}

	cfg, hostCfg := r.containerSpec(id, req)
	created, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, id)
	if err != nil {
		return nil, env.Constructing("create container", err)
	}

	// Subscribe before starting so the start and die events cannot be missed.
	evCtx, cancel := context.WithCancel(context.Background())
	msgs, errs := r.api.Events(evCtx, events.ListOptions{Filters: filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("container", created.ID),
	)})
	h := r.newHandle(id, created.ID, cancel, logger)
	go h.follow(evCtx, msgs, errs)

	if err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		h.watch.Stop()
		if rmErr := r.api.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			logger.Warn("failed to remove unstarted container", "error", rmErr)
		}
		return nil, env.Constructing("start container", err)
	}
	logger.Info("container started", "container_id", shortID(created.ID))

	if req.Limitations != nil && req.Limitations.TTL > 0 {
		h.expireAfter(req.Limitations.TTL)
	}
	r.track(h)
	return h, nil
}

// ensureImage applies the pull policy. It returns an init failure reason with the error.
func (r *Runner) ensureImage(ctx context.Context, ref string) (string, error) {
	present := func() bool {
		_, _, err := r.api.ImageInspectWithRaw(ctx, ref)
		return err == nil
	}
	switch r.cfg.PullPolicy {
	case PullNever:
		if !present() {
			return ReasonImageNeverPull, fmt.Errorf("image %s is not present and pull policy is Never", ref)
		}
		return "", nil
	case PullIfNotPresent:
		if present() {
			return "", nil
		}
	}

	r.logger.Info("pulling image", "image", ref)
	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return ReasonImagePull, err
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return ReasonImagePull, fmt.Errorf("read pull response: %w", err)
	}
	return "", nil
}

func (r *Runner) containerSpec(id string, req env.RunEnvRequest) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: req.EnvKey,
		Labels: map[string]string{
			LabelOrigin:   req.Label,
			LabelHandleID: id,
		},
	}
	if req.Script != nil {
		cfg.Cmd = append(append([]string{}, r.shell...), *req.Script)
	}

	// Limitations were validated by RunEnv.
	hostCfg := &container.HostConfig{}
	req.Limitations.Each(func(kind env.LimitKind) {
		if kind == env.LimitTTL {
			return
		}
		q, _ := req.Limitations.Quantity(kind)
		switch kind {
		case env.LimitRAM:
			hostCfg.Resources.Memory = q.Value()
		case env.LimitCPU:
			hostCfg.Resources.NanoCPUs = q.MilliValue() * 1_000_000
		case env.LimitROM:
			hostCfg.StorageOpt = map[string]string{"size": q.String()}
		}
	})
	return cfg, hostCfg
}

func (r *Runner) newHandle(id, containerID string, cancel context.CancelFunc, logger *slog.Logger) *Handle {
	h := &Handle{
		api:         r.api,
		id:          id,
		containerID: containerID,
		stopTimeout: r.cfg.StopTimeout,
		logger:      logger,
	}
	h.watch = lifecycle.New(cancel)
	h.collector = r.collectorFor(containerID)
	return h
}

func (r *Runner) collectorFor(containerID string) collector.Collector {
	if r.cfg.Collector == collector.KindPoll {
		return collector.NewPoll(func() int {
			info, err := r.api.ContainerInspect(context.Background(), containerID)
			if err != nil || info.State == nil {
				return 0
			}
			return info.State.Pid
		})
	}
	return collector.NewDockerStats(r.api, containerID)
}

func (r *Runner) track(h *Handle) {
	r.mu.Lock()
	r.handles[h.id] = h
	r.mu.Unlock()
	go func() {
		<-h.watch.Done()
		r.mu.Lock()
		delete(r.handles, h.id)
		r.mu.Unlock()
	}()
}

// GetEnvHandle implements env.EnvRunner. Containers launched by an earlier process are
// re-attached from their labels.
func (r *Runner) GetEnvHandle(ctx context.Context, handleID string) (env.EnvHandle, error) {
	r.mu.Lock()
	h, ok := r.handles[handleID]
	r.mu.Unlock()
	if ok {
		return h, nil
	}

	list, err := r.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelHandleID+"="+handleID)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", env.ErrHandleNotFound, handleID)
	}
	containerID := list[0].ID
	logger := r.logger.With("handle_id", handleID, "image", list[0].Image)

	evCtx, cancel := context.WithCancel(context.Background())
	msgs, errs := r.api.Events(evCtx, events.ListOptions{Filters: filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("container", containerID),
	)})
	h = r.newHandle(handleID, containerID, cancel, logger)
	go h.follow(evCtx, msgs, errs)

	info, err := r.api.ContainerInspect(ctx, containerID)
	if err != nil {
		h.watch.Stop()
		return nil, fmt.Errorf("inspect container %s: %w", shortID(containerID), err)
	}
	if info.State != nil {
		switch {
		case info.State.Running:
			h.watch.MarkRunning()
		case info.State.Status == "exited" || info.State.Status == "dead":
			h.finish(info.State.ExitCode, stateReason(info.State.ExitCode, info.State.OOMKilled, info.State.Error))
		}
	}
	r.track(h)
	return h, nil
}

// GetEnvChildrenHandleIDs implements env.EnvRunner.
func (r *Runner) GetEnvChildrenHandleIDs(ctx context.Context, label string) ([]string, error) {
	list, err := r.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelOrigin+"="+label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		if id := c.Labels[LabelHandleID]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func stateReason(exitCode int, oomKilled bool, stateErr string) string {
	switch {
	case oomKilled:
		return "OOMKilled"
	case strings.TrimSpace(stateErr) != "":
		return stateErr
	case exitCode == 0:
		return "Completed"
	default:
		return "Error"
	}
}
