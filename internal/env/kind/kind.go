// Package kind makes locally built images visible to a kind cluster.
package kind

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"

	"taskplane/internal/env"
)

// DefaultPrefix is prepended to every image loaded into the cluster.
const DefaultPrefix = "kind.local"

// ImageAPI is the part of the docker client used to retag images.
type ImageAPI interface {
	ImageTag(ctx context.Context, source, target string) error
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand runs commands on the host.
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Builder wraps another builder and loads each result into a kind cluster.
type Builder struct {
	inner   env.EnvBuilder
	api     ImageAPI
	cluster string
	prefix  string
	run     CommandRunner
	logger  *slog.Logger
}

// Option customizes a Builder.
type Option func(*Builder)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(b *Builder) { b.prefix = strings.TrimSuffix(prefix, "/") }
}

// WithCommandRunner replaces ExecCommand.
func WithCommandRunner(run CommandRunner) Option {
	return func(b *Builder) { b.run = run }
}

// NewBuilder returns a kind loading builder for cluster.
func NewBuilder(inner env.EnvBuilder, api ImageAPI, cluster string, logger *slog.Logger, opts ...Option) (*Builder, error) {
	if cluster == "" {
		return nil, env.Misconfigured("builder.kind_cluster", "must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{inner: inner, api: api, cluster: cluster, prefix: DefaultPrefix, run: ExecCommand, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// BuildEnv implements env.EnvBuilder.
func (b *Builder) BuildEnv(ctx context.Context, req env.BuildEnvRequest) (env.BuildEnvResult, error) {
	res, err := b.inner.BuildEnv(ctx, req)
	if err != nil {
		return env.BuildEnvResult{}, err
	}

	key := b.prefix + "/" + res.EnvKey
	if err := b.api.ImageTag(ctx, res.EnvKey, key); err != nil {
		return env.BuildEnvResult{}, env.Constructing("tag image "+key, err)
	}
	out, err := b.run(ctx, "kind", "load", "docker-image", key, "--name", b.cluster)
	if err != nil {
		return env.BuildEnvResult{}, env.Constructing("kind load "+key, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	b.logger.Info("image loaded into kind", "image", key, "cluster", b.cluster)

	res.EnvKey = key
	return res, nil
}

// DeleteEnv implements env.EnvBuilder. It drops the cluster tag and delegates the
// original key to the wrapped builder.
func (b *Builder) DeleteEnv(ctx context.Context, req env.DeleteEnvRequest) error {
	original, ok := strings.CutPrefix(req.EnvKey, b.prefix+"/")
	if !ok {
		return b.inner.DeleteEnv(ctx, req)
	}
	if _, err := b.api.ImageRemove(ctx, req.EnvKey, image.RemoveOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove image %s: %w", req.EnvKey, err)
	}
	return b.inner.DeleteEnv(ctx, env.DeleteEnvRequest{EnvKey: original, Force: req.Force})
}
