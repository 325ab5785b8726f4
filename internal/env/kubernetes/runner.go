package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/shlex"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"

	"taskplane/internal/env"
	"taskplane/internal/env/collector"
	"taskplane/internal/env/lifecycle"
)

// Pod labels and the single container name.
const (
	LabelOrigin    = "taskplane.io/origin-label"
	LabelHandleID  = "taskplane.io/handle-id"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	ManagedBy      = "taskplane"
	ContainerName  = "task"
)

// Config holds configuration for the kubernetes runner.
type Config struct {
	Namespace      string
	ServiceAccount string
	PullPolicy     corev1.PullPolicy
	// Shell prefixes the script, e.g. "sh -c".
	Shell string
	// Defaults fill the RAM, CPU and ROM limits a request leaves unset.
	Defaults env.Limitations
}

// CollectorFactory builds the metrics collector for one pod.
type CollectorFactory func(namespace, pod string) collector.Collector

// Runner launches pods and tracks the handles it created.
type Runner struct {
	clientset kubernetes.Interface
	config    Config
	shell     []string
	collect   CollectorFactory
	logger    *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRunner validates cfg and returns a Runner. collect may be nil, in which case
// handles report no metrics.
func NewRunner(clientset kubernetes.Interface, cfg Config, collect CollectorFactory, logger *slog.Logger) (*Runner, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.PullPolicy == "" {
		cfg.PullPolicy = corev1.PullIfNotPresent
	}
	switch cfg.PullPolicy {
	case corev1.PullAlways, corev1.PullIfNotPresent, corev1.PullNever:
	default:
		return nil, env.Misconfigured("kubernetes.pull_policy", "unknown policy %q", cfg.PullPolicy)
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh -c"
	}
	shell, err := shlex.Split(cfg.Shell)
	if err != nil || len(shell) == 0 {
		return nil, env.Misconfigured("kubernetes.shell", "cannot parse %q", cfg.Shell)
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		clientset: clientset,
		config:    cfg,
		shell:     shell,
		collect:   collect,
		logger:    logger,
		handles:   make(map[string]*Handle),
	}, nil
}

// RunEnv implements env.EnvRunner.
func (r *Runner) RunEnv(ctx context.Context, req env.RunEnvRequest) (env.EnvHandle, error) {
	if req.EnvKey == "" {
		return nil, env.Misconfigured("env_key", "must not be empty")
	}
	if errs := validation.IsValidLabelValue(req.Label); len(errs) > 0 {
		return nil, env.Misconfigured("label", "%s", strings.Join(errs, "; "))
	}
	if err := req.Limitations.Validate(); err != nil {
		return nil, err
	}
	name := env.NewHandleID(req.Label)
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return nil, env.Misconfigured("label", "%s", strings.Join(errs, "; "))
	}

	pods := r.clientset.CoreV1().Pods(r.config.Namespace)
	// Watch first so no transition between create and watch is lost.
	watcher, err := pods.Watch(context.Background(), metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("metadata.name", name).String(),
	})
	if err != nil {
		return nil, env.Constructing("watch pod "+name, err)
	}

	if _, err := pods.Create(ctx, r.podSpec(name, req), metav1.CreateOptions{}); err != nil {
		watcher.Stop()
		return nil, env.Constructing("create pod "+name, err)
	}
	logger := r.logger.With("handle_id", name, "namespace", r.config.Namespace)
	logger.Info("pod created", "image", req.EnvKey)

	h := r.newHandle(name, watcher.Stop, logger)
	go h.follow(watcher.ResultChan())

	if req.Limitations != nil && req.Limitations.TTL > 0 {
		h.expireAfter(req.Limitations.TTL)
	}
	r.track(h)
	return h, nil
}

func (r *Runner) podSpec(name string, req env.RunEnvRequest) *corev1.Pod {
	container := corev1.Container{
		Name:            ContainerName,
		Image:           req.EnvKey,
		ImagePullPolicy: r.config.PullPolicy,
	}
	if req.Script != nil {
		container.Command = append(append([]string{}, r.shell...), *req.Script)
	}

	// Limitations and defaults were validated before.
	limits := corev1.ResourceList{}
	add := func(l *env.Limitations) func(env.LimitKind) {
		return func(kind env.LimitKind) {
			var name corev1.ResourceName
			switch kind {
			case env.LimitRAM:
				name = corev1.ResourceMemory
			case env.LimitCPU:
				name = corev1.ResourceCPU
			case env.LimitROM:
				name = corev1.ResourceEphemeralStorage
			default:
				return
			}
			if _, set := limits[name]; set {
				return
			}
			q, _ := l.Quantity(kind)
			limits[name] = q
		}
	}
	req.Limitations.Each(add(req.Limitations))
	r.config.Defaults.Each(add(&r.config.Defaults))
	if len(limits) > 0 {
		container.Resources = corev1.ResourceRequirements{Limits: limits}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.config.Namespace,
			Labels: map[string]string{
				LabelOrigin:    req.Label,
				LabelHandleID:  name,
				LabelManagedBy: ManagedBy,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{container},
		},
	}
	if r.config.ServiceAccount != "" {
		pod.Spec.ServiceAccountName = r.config.ServiceAccount
	}
	return pod
}

func (r *Runner) newHandle(name string, stop func(), logger *slog.Logger) *Handle {
	h := &Handle{
		clientset: r.clientset,
		namespace: r.config.Namespace,
		name:      name,
		logger:    logger,
		watch:     lifecycle.New(stop),
	}
	if r.collect != nil {
		h.collector = r.collect(r.config.Namespace, name)
	}
	return h
}

func (r *Runner) track(h *Handle) {
	r.mu.Lock()
	r.handles[h.name] = h
	r.mu.Unlock()
	go func() {
		<-h.watch.Done()
		r.mu.Lock()
		delete(r.handles, h.name)
		r.mu.Unlock()
	}()
}

// GetEnvHandle implements env.EnvRunner. Pods created by an earlier process are
// re-attached by name.
func (r *Runner) GetEnvHandle(ctx context.Context, handleID string) (env.EnvHandle, error) {
	r.mu.Lock()
	h, ok := r.handles[handleID]
	r.mu.Unlock()
	if ok {
		return h, nil
	}

	pods := r.clientset.CoreV1().Pods(r.config.Namespace)
	pod, err := pods.Get(ctx, handleID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) || (err == nil && pod.Labels[LabelHandleID] != handleID) {
		return nil, fmt.Errorf("%w: %s", env.ErrHandleNotFound, handleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get pod %s: %w", handleID, err)
	}

	watcher, err := pods.Watch(context.Background(), metav1.ListOptions{
		FieldSelector:   fields.OneTermEqualSelector("metadata.name", handleID).String(),
		ResourceVersion: pod.ResourceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("watch pod %s: %w", handleID, err)
	}
	h = r.newHandle(handleID, watcher.Stop, r.logger.With("handle_id", handleID, "namespace", r.config.Namespace))
	h.classify(pod)
	go h.follow(watcher.ResultChan())
	r.track(h)
	return h, nil
}

// GetEnvChildrenHandleIDs implements env.EnvRunner.
func (r *Runner) GetEnvChildrenHandleIDs(ctx context.Context, label string) ([]string, error) {
	list, err := r.clientset.CoreV1().Pods(r.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{LabelOrigin: label}).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	ids := make([]string, 0, len(list.Items))
	for _, p := range list.Items {
		ids = append(ids, p.Name)
	}
	return ids, nil
}
