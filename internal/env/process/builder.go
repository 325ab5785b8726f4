// Package process runs task scripts as local OS processes. It is meant for development
// and for hosts without a container runtime.
package process

import (
	"context"

	"taskplane/internal/env"
)

// KeyPrefix marks env keys produced by Builder.
const KeyPrefix = "process:"

// Builder records the steps as a script. Nothing is installed: the OS image only
// documents where the task was meant to run.
type Builder struct{}

// BuildEnv implements env.EnvBuilder.
func (Builder) BuildEnv(ctx context.Context, req env.BuildEnvRequest) (env.BuildEnvResult, error) {
	image := req.OS.Image()
	if image == "" {
		image = "host"
	}
	script := env.JoinSteps(req.Steps)
	return env.BuildEnvResult{EnvKey: KeyPrefix + image, Script: &script}, nil
}

// DeleteEnv implements env.EnvBuilder.
func (Builder) DeleteEnv(ctx context.Context, req env.DeleteEnvRequest) error {
	return nil
}
