// Package bootstrap turns a loaded configuration into the collaborators of the executor.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	dockerclient "github.com/docker/docker/client"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	corev1 "k8s.io/api/core/v1"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"taskplane/internal/config"
	"taskplane/internal/env"
	"taskplane/internal/env/collector"
	"taskplane/internal/env/docker"
	"taskplane/internal/env/kind"
	"taskplane/internal/env/kubernetes"
	"taskplane/internal/env/process"
	"taskplane/internal/executor"
	"taskplane/internal/lock"
	"taskplane/internal/queue"
	"taskplane/internal/scheduler"
	"taskplane/internal/store"
	"taskplane/internal/store/memory"
	"taskplane/internal/store/postgres"
	"taskplane/internal/telemetry"
	"taskplane/internal/telemetry/file"
)

// Components are the configured collaborators. Close releases them in reverse order.
type Components struct {
	Builder   env.EnvBuilder
	Runner    env.EnvRunner
	Logs      telemetry.LogProvider
	Metrics   telemetry.MetricProvider
	Scheduler *scheduler.Cron
	Queue     *queue.Local
	Locker    lock.Locker
	Tasks     store.TaskStore
	Runs      store.RunStore

	closers []func(ctx context.Context) error
}

// Deps returns the executor view of c.
func (c *Components) Deps() executor.Deps {
	return executor.Deps{
		Builder:   c.Builder,
		Runner:    c.Runner,
		Logs:      c.Logs,
		Metrics:   c.Metrics,
		Scheduler: c.Scheduler,
		Queue:     c.Queue,
		Locker:    c.Locker,
		Tasks:     c.Tasks,
		Runs:      c.Runs,
	}
}

func (c *Components) onClose(fn func(ctx context.Context) error) {
	c.closers = append(c.closers, fn)
}

// Close stops the scheduler and the queue first, then releases connections.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// New builds every component named by cfg. On error the components built so far are
// released.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Components, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	pg, err := c.records(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := c.telemetry(cfg, pg, logger); err != nil {
		return nil, err
	}
	if err := c.locker(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := c.backend(cfg, logger); err != nil {
		return nil, err
	}

	c.Scheduler = scheduler.NewCron(logger)
	c.onClose(c.Scheduler.Close)

	c.Queue, err = queue.NewLocal(cfg.Queue.MaxConcurrency, logger)
	if err != nil {
		return nil, err
	}
	c.onClose(c.Queue.Close)

	logger.Info("components ready",
		"backend", cfg.Backend.Kind,
		"builder", cfg.Builder.Kind,
		"collector", cfg.Metrics.Collector,
		"telemetry", cfg.Telemetry.Provider,
		"lock", cfg.Lock.Kind,
		"postgres", pg != nil,
	)
	return c, nil
}

// records opens the task and run store. Without a database URL records live in memory.
func (c *Components) records(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*postgres.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, task records are kept in memory")
		mem := memory.New()
		c.Tasks, c.Runs = mem, mem
		return nil, nil
	}
	pg, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.Migrate)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.onClose(func(context.Context) error { return pg.Close() })
	c.Tasks, c.Runs = pg, pg
	return pg, nil
}

func (c *Components) telemetry(cfg *config.Config, pg *postgres.Store, logger *slog.Logger) error {
	switch cfg.Telemetry.Provider {
	case "file":
		p, err := file.New(cfg.Telemetry.DataDir, logger)
		if err != nil {
			return err
		}
		c.Logs, c.Metrics = p, p
	case "postgres":
		if pg == nil {
			return env.Misconfigured("telemetry.provider", "postgres telemetry needs database.url")
		}
		t := pg.Telemetry()
		c.Logs, c.Metrics = t, t
	default:
		return env.Misconfigured("telemetry.provider", "unknown provider %q", cfg.Telemetry.Provider)
	}
	return nil
}

func (c *Components) locker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Lock.Kind {
	case "memory":
		c.Locker = lock.NewMemory(cfg.Lock.MaxWait)
	case "redis":
		r, err := lock.NewRedis(ctx, cfg.Lock.RedisAddr, cfg.Lock.MaxWait, logger)
		if err != nil {
			return err
		}
		c.onClose(func(context.Context) error { return r.Close() })
		c.Locker = r
	default:
		return env.Misconfigured("lock.kind", "unknown lock %q", cfg.Lock.Kind)
	}
	return nil
}

func (c *Components) backend(cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Backend.Kind {
	case "process":
		if cfg.Builder.Kind != "build" {
			logger.Info("the process backend ignores builder.kind", "builder", cfg.Builder.Kind)
		}
		runner, err := process.NewRunner(process.Config{Shell: cfg.Process.Shell, WorkDir: cfg.Process.WorkDir}, logger)
		if err != nil {
			return err
		}
		c.Builder, c.Runner = process.Builder{}, runner
		return nil

	case "docker":
		cli, err := c.dockerClient(cfg)
		if err != nil {
			return err
		}
		runner, err := docker.NewRunner(cli, docker.RunnerConfig{
			PullPolicy:  docker.PullPolicy(cfg.Docker.PullPolicy),
			Shell:       cfg.Docker.Shell,
			StopTimeout: cfg.Docker.StopTimeout,
			Collector:   collector.Kind(cfg.Metrics.Collector),
		}, logger)
		if err != nil {
			return err
		}
		c.Runner = runner
		c.Builder, err = imageBuilder(cfg, cli, logger)
		return err

	case "kubernetes":
		restConfig, err := kubernetes.RestConfig(cfg.Kubernetes.Kubeconfig, logger)
		if err != nil {
			return err
		}
		clientset, metrics, err := kubernetes.NewClients(restConfig)
		if err != nil {
			return err
		}
		collect, err := podCollector(cfg, metrics)
		if err != nil {
			return err
		}
		runner, err := kubernetes.NewRunner(clientset, kubernetes.Config{
			Namespace:      cfg.Kubernetes.Namespace,
			ServiceAccount: cfg.Kubernetes.ServiceAccount,
			PullPolicy:     corev1.PullPolicy(cfg.Kubernetes.PullPolicy),
			Shell:          cfg.Kubernetes.Shell,
			Defaults:       env.Limitations{CPU: cfg.Kubernetes.DefaultCPU, RAM: cfg.Kubernetes.DefaultRAM},
		}, collect, logger)
		if err != nil {
			return err
		}
		c.Runner = runner

		cli, err := c.dockerClient(cfg)
		if err != nil {
			return err
		}
		c.Builder, err = imageBuilder(cfg, cli, logger)
		return err

	default:
		return env.Misconfigured("backend.kind", "unknown backend %q", cfg.Backend.Kind)
	}
}

func (c *Components) dockerClient(cfg *config.Config) (*dockerclient.Client, error) {
	cli, err := docker.NewClient(cfg.Docker.Host)
	if err != nil {
		return nil, err
	}
	c.onClose(func(context.Context) error { return cli.Close() })
	return cli, nil
}

// imageBuilder selects how templates become images.
func imageBuilder(cfg *config.Config, cli *dockerclient.Client, logger *slog.Logger) (env.EnvBuilder, error) {
	switch cfg.Builder.Kind {
	case "build":
		return docker.NewBuilder(cli, cfg.Builder.Repository, logger), nil
	case "passthrough":
		return docker.NewPassthroughBuilder(cli, cfg.Builder.SkipVerify, logger), nil
	case "kind":
		inner := docker.NewBuilder(cli, cfg.Builder.Repository, logger)
		return kind.NewBuilder(inner, cli, cfg.Builder.KindCluster, logger, kind.WithPrefix(cfg.Builder.KindPrefix))
	default:
		return nil, env.Misconfigured("builder.kind", "unknown builder %q", cfg.Builder.Kind)
	}
}

// podCollector selects the metrics strategy of the kubernetes backend.
func podCollector(cfg *config.Config, metrics metricsv.Interface) (kubernetes.CollectorFactory, error) {
	retries := cfg.Metrics.NotFoundRetries
	switch collector.Kind(cfg.Metrics.Collector) {
	case collector.KindMetricsServer:
		return func(namespace, pod string) collector.Collector {
			ms := collector.NewMetricsServer(metrics, namespace, pod, kubernetes.ContainerName)
			if retries > 0 {
				ms.NotFoundRetries = retries
			}
			return ms
		}, nil
	case collector.KindPrometheus:
		client, err := promapi.NewClient(promapi.Config{Address: cfg.Metrics.PrometheusURL})
		if err != nil {
			return nil, env.Misconfigured("metrics.prometheus_url", "%v", err)
		}
		api := promv1.NewAPI(client)
		return func(namespace, pod string) collector.Collector {
			p := collector.NewPrometheus(api, namespace, pod)
			if retries > 0 {
				p.NotFoundRetries = retries
			}
			return p
		}, nil
	default:
		return nil, env.Misconfigured("metrics.collector", "%q is not supported by the kubernetes backend", cfg.Metrics.Collector)
	}
}
