// Package config loads the server configuration from an optional YAML file and
// TASKPLANE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"taskplane/internal/auth"
	"taskplane/internal/env"
)

// DefaultFile is read from the working directory when Load gets no path.
const DefaultFile = "taskplane.yaml"

// Config holds all configuration values for the server.
type Config struct {
	HTTP       HTTPConfig
	Database   DatabaseConfig
	Queue      QueueConfig
	Executor   ExecutorConfig
	Backend    BackendConfig
	Builder    BuilderConfig
	Docker     DockerConfig
	Kubernetes KubernetesConfig
	Process    ProcessConfig
	Metrics    MetricsConfig
	Telemetry  TelemetryConfig
	Lock       LockConfig
	OTEL       OTELConfig
	LogLevel   string
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port int
	// Token is the bearer token required on every API route. TokenHash, the hex SHA-256
	// of the token, keeps the secret out of the config file. Both empty disables auth.
	Token     string
	TokenHash string
	// RateLimit is the sustained request rate per client; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// DatabaseConfig selects the record store. An empty URL keeps records in memory.
type DatabaseConfig struct {
	URL     string
	Migrate bool
}

type QueueConfig struct {
	MaxConcurrency int
}

type ExecutorConfig struct {
	MaxConcurrentRunsPerTask int
	LockTTL                  time.Duration
	IgnoredStepFailureFails  bool
	DrainTimeout             time.Duration
}

// BackendConfig picks the runner: docker, kubernetes or process.
type BackendConfig struct {
	Kind string
}

// BuilderConfig picks the builder: build, passthrough or kind.
type BuilderConfig struct {
	Kind        string
	SkipVerify  bool
	Repository  string
	KindCluster string
	KindPrefix  string
}

type DockerConfig struct {
	Host        string
	PullPolicy  string
	StopTimeout time.Duration
	Shell       string
}

type KubernetesConfig struct {
	Namespace      string
	Kubeconfig     string
	ServiceAccount string
	PullPolicy     string
	Shell          string
	// DefaultCPU and DefaultRAM apply to tasks that set no limitation of that kind.
	DefaultCPU string
	DefaultRAM string
}

type ProcessConfig struct {
	Shell   string
	WorkDir string
}

// MetricsConfig picks the collector: native, poll, metrics-server or prometheus.
type MetricsConfig struct {
	Collector       string
	Interval        time.Duration
	PrometheusURL   string
	NotFoundRetries int
}

// TelemetryConfig picks the log and metric store: file or postgres.
type TelemetryConfig struct {
	Provider string
	DataDir  string
}

// LockConfig picks the run admission lock: memory or redis.
type LockConfig struct {
	Kind      string
	RedisAddr string
	MaxWait   time.Duration
}

type OTELConfig struct {
	Endpoint    string
	ServiceName string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 6161)
	v.SetDefault("http.token", "")
	v.SetDefault("http.token_hash", "")
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", false)
	v.SetDefault("queue.max_concurrency", 4)
	v.SetDefault("executor.max_concurrent_runs_per_task", 1)
	v.SetDefault("executor.lock_ttl", "10s")
	v.SetDefault("executor.ignored_step_failure_fails", false)
	v.SetDefault("executor.drain_timeout", "30s")
	v.SetDefault("backend.kind", "docker")
	v.SetDefault("builder.kind", "build")
	v.SetDefault("builder.skip_verify", false)
	v.SetDefault("builder.repository", "taskplane")
	v.SetDefault("builder.kind_cluster", "kind")
	v.SetDefault("builder.kind_prefix", "kind.local")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.pull_policy", "IfNotPresent")
	v.SetDefault("docker.stop_timeout", "10s")
	v.SetDefault("docker.shell", "sh -c")
	v.SetDefault("kubernetes.namespace", "default")
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.service_account", "")
	v.SetDefault("kubernetes.pull_policy", "IfNotPresent")
	v.SetDefault("kubernetes.shell", "sh -c")
	v.SetDefault("kubernetes.default_cpu", "")
	v.SetDefault("kubernetes.default_ram", "")
	v.SetDefault("process.shell", "sh -c")
	v.SetDefault("process.work_dir", "")
	v.SetDefault("metrics.collector", "native")
	v.SetDefault("metrics.interval", "1s")
	v.SetDefault("metrics.prometheus_url", "")
	v.SetDefault("metrics.not_found_retries", 10)
	v.SetDefault("telemetry.provider", "file")
	v.SetDefault("telemetry.data_dir", "data")
	v.SetDefault("lock.kind", "memory")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.max_wait", "2s")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.service_name", "taskplane")
	v.SetDefault("log_level", "info")
}

// Load reads path (or DefaultFile when path is empty and the file exists), overlays
// TASKPLANE_* environment variables and validates the result. A missing explicit path
// is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TASKPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(DefaultFile)
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", DefaultFile, err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:      v.GetInt("http.port"),
			Token:     v.GetString("http.token"),
			TokenHash: v.GetString("http.token_hash"),
			RateLimit: v.GetFloat64("http.rate_limit"),
			RateBurst: v.GetInt("http.rate_burst"),
		},
		Database: DatabaseConfig{
			URL:     v.GetString("database.url"),
			Migrate: v.GetBool("database.migrate"),
		},
		Queue: QueueConfig{
			MaxConcurrency: v.GetInt("queue.max_concurrency"),
		},
		Executor: ExecutorConfig{
			MaxConcurrentRunsPerTask: v.GetInt("executor.max_concurrent_runs_per_task"),
			LockTTL:                  v.GetDuration("executor.lock_ttl"),
			IgnoredStepFailureFails:  v.GetBool("executor.ignored_step_failure_fails"),
			DrainTimeout:             v.GetDuration("executor.drain_timeout"),
		},
		Backend: BackendConfig{
			Kind: v.GetString("backend.kind"),
		},
		Builder: BuilderConfig{
			Kind:        v.GetString("builder.kind"),
			SkipVerify:  v.GetBool("builder.skip_verify"),
			Repository:  v.GetString("builder.repository"),
			KindCluster: v.GetString("builder.kind_cluster"),
			KindPrefix:  v.GetString("builder.kind_prefix"),
		},
		Docker: DockerConfig{
			Host:        v.GetString("docker.host"),
			PullPolicy:  v.GetString("docker.pull_policy"),
			StopTimeout: v.GetDuration("docker.stop_timeout"),
			Shell:       v.GetString("docker.shell"),
		},
		Kubernetes: KubernetesConfig{
			Namespace:      v.GetString("kubernetes.namespace"),
			Kubeconfig:     v.GetString("kubernetes.kubeconfig"),
			ServiceAccount: v.GetString("kubernetes.service_account"),
			PullPolicy:     v.GetString("kubernetes.pull_policy"),
			Shell:          v.GetString("kubernetes.shell"),
			DefaultCPU:     v.GetString("kubernetes.default_cpu"),
			DefaultRAM:     v.GetString("kubernetes.default_ram"),
		},
		Process: ProcessConfig{
			Shell:   v.GetString("process.shell"),
			WorkDir: v.GetString("process.work_dir"),
		},
		Metrics: MetricsConfig{
			Collector:       v.GetString("metrics.collector"),
			Interval:        v.GetDuration("metrics.interval"),
			PrometheusURL:   v.GetString("metrics.prometheus_url"),
			NotFoundRetries: v.GetInt("metrics.not_found_retries"),
		},
		Telemetry: TelemetryConfig{
			Provider: v.GetString("telemetry.provider"),
			DataDir:  v.GetString("telemetry.data_dir"),
		},
		Lock: LockConfig{
			Kind:      v.GetString("lock.kind"),
			RedisAddr: v.GetString("lock.redis_addr"),
			MaxWait:   v.GetDuration("lock.max_wait"),
		},
		OTEL: OTELConfig{
			Endpoint:    v.GetString("otel.endpoint"),
			ServiceName: v.GetString("otel.service_name"),
		},
		LogLevel: v.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return env.Misconfigured(field, "unknown value %q (want one of %s)", value, strings.Join(allowed, ", "))
}

// Validate reports the first invalid field as a *env.ConfigurationError.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 {
		return env.Misconfigured("http.port", "must be positive, got %d", c.HTTP.Port)
	}
	if c.HTTP.TokenHash != "" && !auth.ValidHash(c.HTTP.TokenHash) {
		return env.Misconfigured("http.token_hash", "must be a hex sha256 digest")
	}
	if c.HTTP.RateLimit < 0 {
		return env.Misconfigured("http.rate_limit", "must not be negative")
	}
	if c.Queue.MaxConcurrency <= 0 {
		return env.Misconfigured("queue.max_concurrency", "must be positive, got %d", c.Queue.MaxConcurrency)
	}
	if c.Executor.MaxConcurrentRunsPerTask <= 0 {
		return env.Misconfigured("executor.max_concurrent_runs_per_task", "must be positive, got %d", c.Executor.MaxConcurrentRunsPerTask)
	}
	if err := oneOf("backend.kind", c.Backend.Kind, "docker", "kubernetes", "process"); err != nil {
		return err
	}
	if err := oneOf("builder.kind", c.Builder.Kind, "build", "passthrough", "kind"); err != nil {
		return err
	}
	if err := oneOf("metrics.collector", c.Metrics.Collector, "native", "poll", "metrics-server", "prometheus"); err != nil {
		return err
	}
	if err := oneOf("telemetry.provider", c.Telemetry.Provider, "file", "postgres"); err != nil {
		return err
	}
	if err := oneOf("lock.kind", c.Lock.Kind, "memory", "redis"); err != nil {
		return err
	}
	if c.Backend.Kind == "kubernetes" && (c.Metrics.Collector == "native" || c.Metrics.Collector == "poll") {
		return env.Misconfigured("metrics.collector", "%q is not supported by the kubernetes backend", c.Metrics.Collector)
	}
	if c.Telemetry.Provider == "postgres" && c.Database.URL == "" {
		return env.Misconfigured("telemetry.provider", "postgres telemetry needs database.url")
	}
	if c.Metrics.Collector == "prometheus" && c.Metrics.PrometheusURL == "" {
		return env.Misconfigured("metrics.prometheus_url", "required by the prometheus collector")
	}
	if c.Builder.Kind == "kind" && c.Builder.KindCluster == "" {
		return env.Misconfigured("builder.kind_cluster", "required by the kind builder")
	}
	if c.Lock.Kind == "redis" && c.Lock.RedisAddr == "" {
		return env.Misconfigured("lock.redis_addr", "required by the redis lock")
	}
	return nil
}
