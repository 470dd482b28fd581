package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/tabletalk/tabletalk"
)

// K8sConfig tunes the job-per-run provider.
type K8sConfig struct {
	Namespace       string
	ServiceAccount  string
	ImagePullPolicy string
	CPULimit        string
	MemoryLimit     string
	// DatasetsPVC, when set, is mounted read-only at /data.
	DatasetsPVC   string
	JobTTLSeconds int32
	PollInterval  time.Duration
	// KeepJobs leaves finished Jobs in place for debugging.
	KeepJobs bool
}

// K8sExecutor runs one Kubernetes Job per payload. The payload rides in
// an env var, a bootstrap command pipes it into the runner script, and
// the envelope comes back through pod logs.
type K8sExecutor struct {
	image          string
	timeoutSeconds int
	cfg            K8sConfig
	clientset      kubernetes.Interface
	logger         *slog.Logger
	book           *runBook

	mu       sync.Mutex
	jobNames map[string]string
}

var _ Executor = (*K8sExecutor)(nil)

// NewK8s creates a Kubernetes-backed executor, preferring in-cluster
// config and falling back to the local kubeconfig.
func NewK8s(image string, timeoutSeconds int, cfg K8sConfig, logger *slog.Logger) (*K8sExecutor, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config (in-cluster or kubeconfig): %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return newK8sWithClient(image, timeoutSeconds, cfg, clientset, logger), nil
}

func newK8sWithClient(image string, timeoutSeconds int, cfg K8sConfig, clientset kubernetes.Interface, logger *slog.Logger) *K8sExecutor {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.ImagePullPolicy == "" {
		cfg.ImagePullPolicy = "IfNotPresent"
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "500m"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "512Mi"
	}
	if cfg.JobTTLSeconds == 0 {
		cfg.JobTTLSeconds = 300
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = nopLogger
	}
	return &K8sExecutor{
		image:          image,
		timeoutSeconds: timeoutSeconds,
		cfg:            cfg,
		clientset:      clientset,
		logger:         logger,
		book:           newRunBook(),
		jobNames:       make(map[string]string),
	}
}

// jobName derives a Job name from the trailing hex of the run id. Run
// ids are UUIDv7, so the leading characters are a timestamp shared by
// every run in the same window; only the tail is random enough to keep
// concurrent Job names distinct.
func jobName(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "tabletalk-" + id
}

func runnerScript(queryType string) string {
	if queryType == tabletalk.ModePython {
		return "/app/runner_python.py"
	}
	return "/app/runner.py"
}

// bootstrapCode reads the payload from the env var and feeds it to the
// runner on stdin, forwarding the runner's stdout to the pod log.
func bootstrapCode(queryType string) string {
	return "import os, subprocess, sys\n" +
		"payload = os.environ.get('RUNNER_REQUEST_JSON', '')\n" +
		"proc = subprocess.run(['python3', '" + runnerScript(queryType) + "'], input=payload, text=True, capture_output=True)\n" +
		"sys.stdout.write(proc.stdout or '')\n" +
		"sys.exit(proc.returncode)\n"
}

func (e *K8sExecutor) buildJob(name string, payload tabletalk.RunnerPayload, payloadJSON string, timeout int) *batchv1.Job {
	volumes := []corev1.Volume{{
		Name:         "tmp",
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}}
	mounts := []corev1.VolumeMount{{Name: "tmp", MountPath: "/tmp"}}
	if e.cfg.DatasetsPVC != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "datasets",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: e.cfg.DatasetsPVC,
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "datasets", MountPath: "/data", ReadOnly: true})
	}

	limits := corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(e.cfg.CPULimit),
		corev1.ResourceMemory: resource.MustParse(e.cfg.MemoryLimit),
	}
	container := corev1.Container{
		Name:            "runner",
		Image:           e.image,
		ImagePullPolicy: corev1.PullPolicy(e.cfg.ImagePullPolicy),
		Command:         []string{"python3", "-c", bootstrapCode(payload.QueryType)},
		Env:             []corev1.EnvVar{{Name: "RUNNER_REQUEST_JSON", Value: payloadJSON}},
		VolumeMounts:    mounts,
		Resources:       corev1.ResourceRequirements{Limits: limits, Requests: limits},
		SecurityContext: &corev1.SecurityContext{
			RunAsNonRoot:             ptr.To(true),
			RunAsUser:                ptr.To[int64](1000),
			RunAsGroup:               ptr.To[int64](1000),
			AllowPrivilegeEscalation: ptr.To(false),
			ReadOnlyRootFilesystem:   ptr.To(true),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
	}

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
		Volumes:       volumes,
	}
	if e.cfg.ServiceAccount != "" {
		podSpec.ServiceAccountName = e.cfg.ServiceAccount
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](0),
			ActiveDeadlineSeconds:   ptr.To(int64(timeout + 5)),
			TTLSecondsAfterFinished: ptr.To(e.cfg.JobTTLSeconds),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app.kubernetes.io/name":       "tabletalk-runner",
						"app.kubernetes.io/managed-by": "tabletalk",
					},
				},
				Spec: podSpec,
			},
		},
	}
}

func (e *K8sExecutor) SubmitRun(ctx context.Context, payload tabletalk.RunnerPayload) Submission {
	runID := tabletalk.NewID()
	e.book.begin(runID)

	timeout := payload.TimeoutSeconds
	if timeout <= 0 {
		timeout = e.timeoutSeconds
	}

	name := jobName(runID)
	e.mu.Lock()
	e.jobNames[runID] = name
	e.mu.Unlock()

	result := e.run(ctx, name, payload, timeout)

	if !e.cfg.KeepJobs {
		if err := e.deleteJob(context.Background(), name); err != nil {
			e.logger.Warn("delete job", "job", name, "error", err)
		}
	}

	status := e.book.finish(runID, result)
	e.logger.Info("k8s run finished", "run_id", runID, "job", name, "status", status, "query_type", payload.QueryType)
	return Submission{RunID: runID, Status: status, Result: result}
}

func (e *K8sExecutor) run(ctx context.Context, name string, payload tabletalk.RunnerPayload, timeout int) *tabletalk.RunnerResult {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "marshal runner payload: %v", err)
	}

	job := e.buildJob(name, payload, string(payloadJSON), timeout)
	if _, err := e.clientset.BatchV1().Jobs(e.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return e.apiFailure(err)
	}

	terminal, err := e.waitForTerminal(ctx, name, timeout)
	if err != nil {
		return e.apiFailure(err)
	}

	stdout, err := e.readJobLogs(ctx, name)
	if err != nil {
		return e.apiFailure(err)
	}
	result := ParseRunnerOutput(stdout, "")

	// Pod logs can lag slightly behind Job completion; retry a few reads
	// before classifying the run as a runner JSON failure.
	if terminal == StatusSucceeded && isParseFailure(result) {
		for range 4 {
			time.Sleep(200 * time.Millisecond)
			stdout, err = e.readJobLogs(ctx, name)
			if err != nil {
				break
			}
			result = ParseRunnerOutput(stdout, "")
			if !isParseFailure(result) {
				break
			}
		}
	}

	switch {
	case terminal == "timeout":
		return tabletalk.TimeoutResult(timeout)
	case terminal == StatusFailed && result.Status == tabletalk.RunnerSuccess:
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "Kubernetes Job failed before returning a valid result.")
	}
	return result
}

// apiFailure folds an API error into an envelope, classifying timeouts.
func (e *K8sExecutor) apiFailure(err error) *tabletalk.RunnerResult {
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		r := tabletalk.ErrorResult(tabletalk.ErrRunnerTimeout, "%v", err)
		r.Status = tabletalk.RunnerTimeout
		return r
	}
	return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "%v", err)
}

// waitForTerminal polls job status until it succeeds, fails, or the wall
// budget expires.
func (e *K8sExecutor) waitForTerminal(ctx context.Context, name string, timeout int) (string, error) {
	budget := time.Duration(timeout+5) * time.Second
	if budget < 5*time.Second {
		budget = 5 * time.Second
	}
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		job, err := e.clientset.BatchV1().Jobs(e.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return "", err
		}
		if job.Status.Succeeded > 0 {
			return StatusSucceeded, nil
		}
		if job.Status.Failed > 0 {
			return StatusFailed, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
	return "timeout", nil
}

func (e *K8sExecutor) readJobLogs(ctx context.Context, name string) (string, error) {
	pods, err := e.clientset.CoreV1().Pods(e.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + name,
	})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", nil
	}
	raw, err := e.clientset.CoreV1().Pods(e.cfg.Namespace).
		GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{}).
		Do(ctx).Raw()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (e *K8sExecutor) deleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := e.clientset.BatchV1().Jobs(e.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (e *K8sExecutor) Status(runID string) string { return e.book.statusOf(runID) }

func (e *K8sExecutor) Result(runID string) *tabletalk.RunnerResult { return e.book.resultOf(runID) }

func (e *K8sExecutor) Cleanup(runID string) {
	e.mu.Lock()
	name, ok := e.jobNames[runID]
	delete(e.jobNames, runID)
	e.mu.Unlock()
	if ok && !e.cfg.KeepJobs {
		if err := e.deleteJob(context.Background(), name); err != nil {
			e.logger.Warn("delete job", "job", name, "error", err)
		}
	}
	e.book.drop(runID)
}
