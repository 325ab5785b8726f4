package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"taskplane/internal/env"
	"taskplane/internal/env/collector"
	"taskplane/internal/env/lifecycle"
)

// Environment variables set for every process.
const (
	EnvHandleID    = "TASKPLANE_HANDLE_ID"
	EnvOriginLabel = "TASKPLANE_ORIGIN_LABEL"
)

// Config holds configuration for the process runner.
type Config struct {
	// WorkDir holds one directory per handle.
	WorkDir string
	// Shell prefixes the script, e.g. "sh -c" or "bash -c".
	Shell string
	// StopGrace is how long Stop waits after SIGTERM before sending SIGKILL.
	StopGrace time.Duration
}

// Runner launches processes and keeps their handles until deleted.
type Runner struct {
	cfg    Config
	shell  []string
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRunner returns a process runner.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "taskplane", "runner")
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh -c"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	shell, err := shlex.Split(cfg.Shell)
	if err != nil || len(shell) == 0 {
		return nil, env.Misconfigured("process.shell", "cannot parse %q", cfg.Shell)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, shell: shell, logger: logger, handles: make(map[string]*Handle)}, nil
}

// RunEnv implements env.EnvRunner.
func (r *Runner) RunEnv(ctx context.Context, req env.RunEnvRequest) (env.EnvHandle, error) {
	if req.Script == nil {
		return nil, env.Misconfigured("script", "the process backend needs a script, got env %q", req.EnvKey)
	}
	if err := req.Limitations.Validate(); err != nil {
		return nil, err
	}
	id := env.NewHandleID(req.Label)
	logger := r.logger.With("handle_id", id)

	workDir := filepath.Join(r.cfg.WorkDir, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, env.Constructing("create work dir", err)
	}

	script := r.limitPrefix(req.Limitations, logger) + *req.Script
	args := append(append([]string{}, r.shell[1:]...), script)
	cmd := exec.Command(r.shell[0], args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), EnvHandleID+"="+id, EnvOriginLabel+"="+req.Label)
	isolate(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, env.Constructing("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, env.Constructing("stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		return nil, env.Constructing("start process", err)
	}
	logger.Info("process started", "pid", cmd.Process.Pid)

	h := &Handle{
		id:      id,
		label:   req.Label,
		cmd:     cmd,
		workDir: workDir,
		grace:   r.cfg.StopGrace,
		logger:  logger,
		out:     newOutput(2),
		watch:   lifecycle.New(nil),
	}
	h.collector = collector.NewPoll(h.pid)
	h.onDelete = func() {
		r.mu.Lock()
		delete(r.handles, id)
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	h.watch.MarkRunning()

	// Wait closes the pipes, so it must run after both streams are drained.
	var drained sync.WaitGroup
	drained.Add(2)
	go func() { defer drained.Done(); h.out.capture(env.StreamStdout, stdout) }()
	go func() { defer drained.Done(); h.out.capture(env.StreamStderr, stderr) }()
	go func() { drained.Wait(); h.reap() }()

	if req.Limitations != nil && req.Limitations.TTL > 0 {
		h.expireAfter(req.Limitations.TTL)
	}
	return h, nil
}

// limitPrefix renders ulimit calls for the quantity limits. CPU cannot be capped this way.
func (r *Runner) limitPrefix(l *env.Limitations, logger *slog.Logger) string {
	var b strings.Builder
	l.Each(func(kind env.LimitKind) {
		switch kind {
		case env.LimitRAM:
			q, _ := l.Quantity(kind)
			fmt.Fprintf(&b, "ulimit -v %d || exit 1\n", q.Value()/1024)
		case env.LimitROM:
			q, _ := l.Quantity(kind)
			fmt.Fprintf(&b, "ulimit -f %d || exit 1\n", q.Value()/512)
		case env.LimitCPU:
			logger.Warn("cpu limit is not supported by the process backend", "cpu", l.CPU)
		}
	})
	return b.String()
}

// GetEnvHandle implements env.EnvRunner. Only processes started by this runner are known.
func (r *Runner) GetEnvHandle(ctx context.Context, handleID string) (env.EnvHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[handleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", env.ErrHandleNotFound, handleID)
	}
	return h, nil
}

// GetEnvChildrenHandleIDs implements env.EnvRunner.
func (r *Runner) GetEnvChildrenHandleIDs(ctx context.Context, label string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, h := range r.handles {
		if h.label == label {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
