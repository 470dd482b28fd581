package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/tabletalk/tabletalk"
)

// Container resource caps, matching the runner image's expectations.
const (
	dockerMemoryBytes = 512 * 1024 * 1024
	dockerNanoCPUs    = 500_000_000 // 0.5 CPUs
	dockerPidsLimit   = 64
)

// DockerExecutor runs one locked-down container per payload: no network,
// read-only rootfs, the datasets directory bind-mounted read-only at
// /data, and the payload delivered on stdin.
type DockerExecutor struct {
	image          string
	datasetsDir    string
	timeoutSeconds int
	cli            *client.Client
	logger         *slog.Logger
	book           *runBook
}

var _ Executor = (*DockerExecutor)(nil)

// NewDocker creates a docker-backed executor talking to the daemon from
// the environment (DOCKER_HOST et al).
func NewDocker(image, datasetsDir string, timeoutSeconds int, logger *slog.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nopLogger
	}
	return &DockerExecutor{
		image:          image,
		datasetsDir:    datasetsDir,
		timeoutSeconds: timeoutSeconds,
		cli:            cli,
		logger:         logger,
		book:           newRunBook(),
	}, nil
}

func (e *DockerExecutor) SubmitRun(ctx context.Context, payload tabletalk.RunnerPayload) Submission {
	runID := tabletalk.NewID()
	e.book.begin(runID)

	timeout := payload.TimeoutSeconds
	if timeout <= 0 {
		timeout = e.timeoutSeconds
	}
	result := e.run(ctx, payload, timeout)
	status := e.book.finish(runID, result)
	e.logger.Info("docker run finished", "run_id", runID, "status", status, "query_type", payload.QueryType)
	return Submission{RunID: runID, Status: status, Result: result}
}

func (e *DockerExecutor) run(ctx context.Context, payload tabletalk.RunnerPayload, timeout int) *tabletalk.RunnerResult {
	// Wall budget: runner timeout plus container startup slack.
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout+5)*time.Second)
	defer cancel()

	if _, err := e.cli.Ping(runCtx); err != nil {
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "Docker daemon is not reachable: %v", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "marshal runner payload: %v", err)
	}

	cfg := &container.Config{
		Image:        e.image,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	if payload.QueryType == tabletalk.ModePython {
		cfg.Entrypoint = strslice.StrSlice{"python3"}
		cfg.Cmd = strslice.StrSlice{"/app/runner_python.py"}
	}

	datasetsAbs, err := filepath.Abs(e.datasetsDir)
	if err != nil {
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "resolve datasets dir: %v", err)
	}
	pids := int64(dockerPidsLimit)
	host := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Binds:          []string{datasetsAbs + ":/data:ro"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:    dockerMemoryBytes,
			NanoCPUs:  dockerNanoCPUs,
			PidsLimit: &pids,
		},
	}

	created, err := e.cli.ContainerCreate(runCtx, cfg, host, nil, nil, "")
	if err != nil {
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "create runner container: %v", err)
	}
	defer func() {
		if err := e.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn("remove runner container", "container", created.ID[:12], "error", err)
		}
	}()

	attach, err := e.cli.ContainerAttach(runCtx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "attach runner container: %v", err)
	}
	defer attach.Close()

	if err := e.cli.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "start runner container: %v", err)
	}

	go func() {
		if _, err := attach.Conn.Write(body); err == nil {
			_ = attach.CloseWrite()
		}
	}()

	var stdout, stderr bytes.Buffer
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	}()

	waitCh, errCh := e.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case <-runCtx.Done():
		return tabletalk.TimeoutResult(timeout)
	case err := <-errCh:
		if runCtx.Err() != nil {
			return tabletalk.TimeoutResult(timeout)
		}
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "wait for runner container: %v", err)
	case <-waitCh:
	}

	select {
	case <-copied:
	case <-runCtx.Done():
	}
	return ParseRunnerOutput(stdout.String(), stderr.String())
}

func (e *DockerExecutor) Status(runID string) string { return e.book.statusOf(runID) }

func (e *DockerExecutor) Result(runID string) *tabletalk.RunnerResult { return e.book.resultOf(runID) }

func (e *DockerExecutor) Cleanup(runID string) { e.book.drop(runID) }
