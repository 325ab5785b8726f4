package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"

	"taskplane/internal/env"
)

// DefaultRepository prefixes every built image.
const DefaultRepository = "taskplane"

const (
	taskScript     = "taskplane-task.sh"
	taskScriptPath = "/usr/local/bin/" + taskScript
)

// Builder bakes the steps into a docker image whose command runs them. Runs of the
// image need no script.
type Builder struct {
	api        API
	repository string
	logger     *slog.Logger
}

// NewBuilder returns a Builder tagging images under repository.
func NewBuilder(api API, repository string, logger *slog.Logger) *Builder {
	if repository == "" {
		repository = DefaultRepository
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{api: api, repository: repository, logger: logger}
}

// Tag returns the image tag for a build request. Equal content maps to the same tag.
func (b *Builder) Tag(req env.BuildEnvRequest) string {
	script := env.JoinSteps(req.Steps)
	sum := sha256.Sum256([]byte(dockerfile(req.OS.Image(), script) + "\n" + script))
	return fmt.Sprintf("%s/%s:%s", b.repository, strings.ToLower(req.Label), hex.EncodeToString(sum[:])[:12])
}

// BuildEnv implements env.EnvBuilder.
func (b *Builder) BuildEnv(ctx context.Context, req env.BuildEnvRequest) (env.BuildEnvResult, error) {
	tag := b.Tag(req)
	if _, _, err := b.api.ImageInspectWithRaw(ctx, tag); err == nil {
		b.logger.Debug("image already built", "tag", tag)
		return env.BuildEnvResult{EnvKey: tag}, nil
	}

	buildCtx, err := buildContext(req.OS.Image(), env.JoinSteps(req.Steps))
	if err != nil {
		return env.BuildEnvResult{}, env.Constructing("render build context", err)
	}

	start := time.Now()
	resp, err := b.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{LabelOrigin: req.Label},
	})
	if err != nil {
		return env.BuildEnvResult{}, env.Constructing("build image "+tag, err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, nil); err != nil {
		b.logger.Warn("image build failed", "tag", tag, "output", out.String())
		return env.BuildEnvResult{}, env.Constructing("build image "+tag, err)
	}

	b.logger.Info("image built", "tag", tag, "duration", time.Since(start))
	return env.BuildEnvResult{EnvKey: tag}, nil
}

// DeleteEnv implements env.EnvBuilder. A missing image is not an error.
func (b *Builder) DeleteEnv(ctx context.Context, req env.DeleteEnvRequest) error {
	_, err := b.api.ImageRemove(ctx, req.EnvKey, image.RemoveOptions{Force: req.Force, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove image %s: %w", req.EnvKey, err)
	}
	return nil
}

// dockerfile renders an image whose command runs the step script.
func dockerfile(baseImage, script string) string {
	df := "FROM " + baseImage + "\n"
	if script != "" {
		df += "COPY " + taskScript + " " + taskScriptPath + "\n" +
			`CMD ["sh", "-e", "` + taskScriptPath + `"]` + "\n"
	}
	return df
}

// buildContext returns a tar holding the Dockerfile and the step script.
func buildContext(baseImage, script string) (io.Reader, error) {
	type file struct{ name, body string }
	files := []file{{"Dockerfile", dockerfile(baseImage, script)}}
	if script != "" {
		files = append(files, file{taskScript, script + "\n"})
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.body)), ModTime: time.Unix(0, 0)}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(tw, f.body); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// PassthroughBuilder uses the OS image as is and hands the steps to each run as a script.
type PassthroughBuilder struct {
	api API
	// SkipVerify accepts any image reference without asking the daemon or registry.
	SkipVerify bool
	logger     *slog.Logger
}

// NewPassthroughBuilder returns a builder that verifies the OS image exists.
func NewPassthroughBuilder(api API, skipVerify bool, logger *slog.Logger) *PassthroughBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PassthroughBuilder{api: api, SkipVerify: skipVerify, logger: logger}
}

// BuildEnv implements env.EnvBuilder.
func (p *PassthroughBuilder) BuildEnv(ctx context.Context, req env.BuildEnvRequest) (env.BuildEnvResult, error) {
	ref := req.OS.Image()
	if ref == "" {
		return env.BuildEnvResult{}, env.Misconfigured("os", "image name is required")
	}
	if !p.SkipVerify {
		if err := p.verify(ctx, ref); err != nil {
			return env.BuildEnvResult{}, env.Constructing("verify image "+ref, err)
		}
	}
	script := env.JoinSteps(req.Steps)
	return env.BuildEnvResult{EnvKey: ref, Script: &script}, nil
}

func (p *PassthroughBuilder) verify(ctx context.Context, ref string) error {
	if _, _, err := p.api.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	if _, err := p.api.DistributionInspect(ctx, ref, ""); err != nil {
		return fmt.Errorf("image not found locally or in registry: %w", err)
	}
	return nil
}

// DeleteEnv implements env.EnvBuilder. Shared base images are only removed when forced.
func (p *PassthroughBuilder) DeleteEnv(ctx context.Context, req env.DeleteEnvRequest) error {
	if !req.Force {
		return nil
	}
	_, err := p.api.ImageRemove(ctx, req.EnvKey, image.RemoveOptions{})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove image %s: %w", req.EnvKey, err)
	}
	p.logger.Info("base image removed", "image", req.EnvKey)
	return nil
}
