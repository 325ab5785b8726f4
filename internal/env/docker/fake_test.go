package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeAPI records calls and serves canned responses.
type fakeAPI struct {
	mu sync.Mutex

	images      map[string]bool
	registry    map[string]bool
	pullErr     error
	buildOutput string
	buildFiles  map[string]string
	builds      int
	pulls       int
	removed     []string

	created    []*container.Config
	hostCfgs   []*container.HostConfig
	startErr   error
	killed     []string
	stopped    []string
	removedCts []string
	state      types.ContainerState
	containers []types.Container
	logs       []byte

	events chan events.Message
	errs   chan error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		images:   map[string]bool{},
		registry: map[string]bool{},
		events:   make(chan events.Message, 16),
		errs:     make(chan error, 1),
	}
}

func notFound(what string) error { return errdefs.NotFound(errors.New("no such " + what)) }

func (f *fakeAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.buildFiles = map[string]string{}
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		body, _ := io.ReadAll(tr)
		f.buildFiles[hdr.Name] = string(body)
	}
	for _, tag := range options.Tags {
		f.images[tag] = true
	}
	out := f.buildOutput
	if out == "" {
		out = `{"stream":"Step 1/2 : FROM alpine"}` + "\n"
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(out))}, nil
}

func (f *fakeAPI) ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return types.ImageInspect{}, nil, notFound("image")
	}
	return types.ImageInspect{ID: "sha256:" + ref}, nil, nil
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.images[ref] = true
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeAPI) ImageTag(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[target] = true
	return nil
}

func (f *fakeAPI) ImageRemove(ctx context.Context, ref string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return nil, notFound("image")
	}
	delete(f.images, ref)
	f.removed = append(f.removed, ref)
	return []image.DeleteResponse{{Deleted: ref}}, nil
}

func (f *fakeAPI) DistributionInspect(ctx context.Context, ref, auth string) (registry.DistributionInspect, error) {
	if !f.registry[ref] {
		return registry.DistributionInspect{}, errors.New("manifest unknown")
	}
	return registry.DistributionInspect{}, nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	f.hostCfgs = append(f.hostCfgs, hostCfg)
	return container.CreateResponse{ID: "cid-" + name}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	return f.startErr
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return notFound("container")
}

func (f *fakeAPI) ContainerKill(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, signal)
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedCts = append(f.removedCts, id)
	if len(f.removedCts) > 1 {
		return notFound("container")
	}
	return nil
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.state
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{ID: id, State: &state}}, nil
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Container
	for _, c := range f.containers {
		match := true
		for _, want := range options.Filters.Get("label") {
			k, v, _ := strings.Cut(want, "=")
			if c.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeAPI) ContainerStats(ctx context.Context, id string, stream bool) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (f *fakeAPI) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	return f.events, f.errs
}

func (f *fakeAPI) send(action events.Action, attrs map[string]string) {
	f.events <- events.Message{Type: events.ContainerEventType, Action: action, Actor: events.Actor{Attributes: attrs}}
}
