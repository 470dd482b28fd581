package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk"
)

// MicrosandboxConfig tunes the remote microsandbox provider.
type MicrosandboxConfig struct {
	ServerURL string
	APIKey    string
	Namespace string
	MemoryMB  int
	CPUs      float64
	// CLIPath overrides the msb binary location for the CLI fallback.
	CLIPath string
	// FallbackImage is the image the CLI fallback boots.
	FallbackImage string
	// RunnerDir is the host directory holding the runner scripts, mounted
	// at /app by the CLI fallback.
	RunnerDir string
}

// MicrosandboxExecutor drives a remote microsandbox server over its
// JSON-RPC API: start a sandbox, run a small bootstrap in its REPL that
// pipes the payload into the runner, stop the sandbox. Some server-side
// failures (auth, registry, portal) are retried locally through the msb
// CLI.
type MicrosandboxExecutor struct {
	image          string
	datasetsDir    string
	timeoutSeconds int
	cfg            MicrosandboxConfig
	httpClient     *http.Client
	logger         *slog.Logger
	book           *runBook
}

var _ Executor = (*MicrosandboxExecutor)(nil)

// NewMicrosandbox creates a microsandbox-backed executor.
func NewMicrosandbox(image, datasetsDir string, timeoutSeconds int, cfg MicrosandboxConfig, logger *slog.Logger) (*MicrosandboxExecutor, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, fmt.Errorf("microsandbox server URL is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 512
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = 1.0
	}
	if cfg.FallbackImage == "" {
		cfg.FallbackImage = "python:3.11-slim"
	}
	if logger == nil {
		logger = nopLogger
	}
	return &MicrosandboxExecutor{
		image:          image,
		datasetsDir:    datasetsDir,
		timeoutSeconds: timeoutSeconds,
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
		book:           newRunBook(),
	}, nil
}

// rpcURL normalizes the configured server URL to the full RPC endpoint.
// Accepted forms: bare host, .../api/v1, and the full .../api/v1/rpc.
func (e *MicrosandboxExecutor) rpcURL() string {
	server := strings.TrimSpace(e.cfg.ServerURL)
	if strings.HasSuffix(server, "/api/v1/rpc") {
		return server
	}
	server = strings.TrimSuffix(server, "/")
	if strings.HasSuffix(server, "/api/v1") {
		return server + "/rpc"
	}
	if strings.Contains(server, "/api/v1/") {
		return server
	}
	return server + "/api/v1/rpc"
}

func (e *MicrosandboxExecutor) healthURL() string {
	rpc := e.rpcURL()
	if strings.HasSuffix(rpc, "/rpc") {
		return strings.TrimSuffix(rpc, "/rpc") + "/health"
	}
	parsed, err := url.Parse(rpc)
	if err != nil {
		return rpc
	}
	return parsed.Scheme + "://" + parsed.Host + "/api/v1/health"
}

func (e *MicrosandboxExecutor) checkConnectivity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.healthURL(), nil)
	if err != nil {
		return fmt.Errorf("microsandbox server is not reachable: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("microsandbox server is not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("microsandbox server is not reachable: health returned %d", resp.StatusCode)
	}
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *MicrosandboxExecutor) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      tabletalk.NewID(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.rpcURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s HTTP %d: %s", method, resp.StatusCode, truncate(string(raw), 500))
	}
	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if parsed.Error != nil {
		msg := parsed.Error.Message
		if msg == "" {
			msg = "unknown RPC error"
		}
		return nil, fmt.Errorf("%s failed: %s", method, msg)
	}
	return parsed.Result, nil
}

// sandboxName derives a sandbox name from the trailing hex of the run
// id, which is the random part of a UUIDv7. Truncating the front would
// give every run in the same time window the same name.
func sandboxName(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "tabletalk-" + id
}

func (e *MicrosandboxExecutor) roundedCPUs() int {
	cpus := int(math.Round(e.cfg.CPUs))
	if cpus < 1 {
		cpus = 1
	}
	return cpus
}

func (e *MicrosandboxExecutor) startSandbox(ctx context.Context, name string) error {
	datasetsAbs, err := filepath.Abs(e.datasetsDir)
	if err != nil {
		return fmt.Errorf("sandbox.start: resolve datasets dir: %w", err)
	}
	_, err = e.rpc(ctx, "sandbox.start", map[string]any{
		"sandbox":   name,
		"namespace": e.cfg.Namespace,
		"config": map[string]any{
			"image":   e.image,
			"memory":  e.cfg.MemoryMB,
			"cpus":    e.roundedCPUs(),
			"volumes": []string{datasetsAbs + ":/data"},
		},
	})
	return err
}

// buildRunnerCode embeds the payload in a bootstrap that pipes it into
// the runner script inside the sandbox.
func buildRunnerCode(payload string, queryType string, timeout int) string {
	return "import subprocess, sys\n" +
		"payload = " + pyQuote(payload) + "\n" +
		"cmd = ['python3', '" + runnerScript(queryType) + "']\n" +
		"proc = subprocess.run(cmd, input=payload, text=True, capture_output=True, timeout=" + strconv.Itoa(timeout+5) + ")\n" +
		"sys.stdout.write(proc.stdout or '')\n" +
		"sys.stderr.write(proc.stderr or '')\n"
}

// pyQuote renders s as a Python string literal.
func pyQuote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// extractOutput pulls stdout/stderr from a repl.run result, accepting
// the field spellings different server versions use.
func extractOutput(result json.RawMessage) (stdout, stderr string) {
	var fields struct {
		Output string `json:"output"`
		Stdout string `json:"stdout"`
		Result string `json:"result"`
		Stderr string `json:"stderr"`
	}
	if err := json.Unmarshal(result, &fields); err != nil {
		return "", ""
	}
	stdout = fields.Output
	if stdout == "" {
		stdout = fields.Stdout
	}
	if stdout == "" {
		stdout = fields.Result
	}
	return stdout, fields.Stderr
}

// shouldFallback decides whether a server failure is worth retrying
// through the CLI. Connectivity failures are not: if the server is down,
// the CLI portal is too.
func shouldFallback(err error) bool {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not reachable") {
		return false
	}
	for _, token := range []string{
		"http 400", "http 401", "http 403", "http 404", "http 500",
		"unauthorized", "unsupported registry",
		"failed to connect to portal", "internal server error",
	} {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

func (e *MicrosandboxExecutor) SubmitRun(ctx context.Context, payload tabletalk.RunnerPayload) Submission {
	runID := tabletalk.NewID()
	e.book.begin(runID)

	timeout := payload.TimeoutSeconds
	if timeout <= 0 {
		timeout = e.timeoutSeconds
	}
	result := e.run(ctx, runID, payload, timeout)
	status := e.book.finish(runID, result)
	e.logger.Info("microsandbox run finished", "run_id", runID, "status", status, "query_type", payload.QueryType)
	return Submission{RunID: runID, Status: status, Result: result}
}

func (e *MicrosandboxExecutor) run(ctx context.Context, runID string, payload tabletalk.RunnerPayload, timeout int) *tabletalk.RunnerResult {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "marshal runner payload: %v", err)
	}

	name := ""
	defer func() {
		if name == "" {
			return
		}
		_, err := e.rpc(context.Background(), "sandbox.stop", map[string]any{
			"sandbox":   name,
			"namespace": e.cfg.Namespace,
		})
		if err != nil {
			e.logger.Warn("stop sandbox", "sandbox", name, "error", err)
		}
	}()

	result, runErr := func() (*tabletalk.RunnerResult, error) {
		if err := e.checkConnectivity(ctx); err != nil {
			return nil, err
		}
		name = sandboxName(runID)
		if err := e.startSandbox(ctx, name); err != nil {
			return nil, err
		}
		replResult, err := e.rpc(ctx, "sandbox.repl.run", map[string]any{
			"sandbox":   name,
			"namespace": e.cfg.Namespace,
			"language":  "python",
			"code":      buildRunnerCode(string(payloadJSON), payload.QueryType, timeout),
			"timeout":   timeout + 5,
		})
		if err != nil {
			return nil, err
		}
		stdout, stderr := extractOutput(replResult)
		return ParseRunnerOutput(stdout, stderr), nil
	}()
	if runErr == nil {
		return result
	}

	if shouldFallback(runErr) {
		e.logger.Warn("microsandbox server failed, trying cli fallback", "error", runErr)
		fallback, fbErr := e.runViaCLI(ctx, string(payloadJSON), payload.QueryType, timeout)
		if fbErr != nil {
			return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "%v | cli fallback failed: %v", runErr, fbErr)
		}
		return fallback
	}

	if strings.Contains(strings.ToLower(runErr.Error()), "timeout") {
		r := tabletalk.ErrorResult(tabletalk.ErrRunnerTimeout, "%v", runErr)
		r.Status = tabletalk.RunnerTimeout
		return r
	}
	return tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "%v", runErr)
}

// fallbackScript wraps the runner invocation for the CLI path, where the
// image is a bare Python and dependencies must be installed first.
func fallbackScript(payload, queryType string, timeout int) string {
	timeoutEnvelope := fmt.Sprintf(`{"status": "timeout", "columns": [], "rows": [], "row_count": 0, "exec_time_ms": 0, "stdout_trunc": "", "stderr_trunc": "", "error": {"type": "RUNNER_TIMEOUT", "message": "Query exceeded timeout of %d seconds"}}`, timeout)
	return "import json, subprocess, sys\n" +
		"subprocess.run(['python3', '-m', 'pip', 'install', '--quiet', '--disable-pip-version-check', '--no-cache-dir', '-r', '/app/requirements.txt'], check=True)\n" +
		"payload = " + pyQuote(payload) + "\n" +
		"cmd = ['python3', '" + runnerScript(queryType) + "']\n" +
		"try:\n" +
		"    proc = subprocess.run(cmd, input=payload, text=True, capture_output=True, timeout=" + strconv.Itoa(timeout+2) + ")\n" +
		"    sys.stdout.write(proc.stdout or '')\n" +
		"    sys.stderr.write(proc.stderr or '')\n" +
		"except subprocess.TimeoutExpired:\n" +
		"    sys.stdout.write(" + pyQuote(timeoutEnvelope) + ")\n"
}

func (e *MicrosandboxExecutor) cliPath() string {
	if e.cfg.CLIPath != "" {
		return e.cfg.CLIPath
	}
	home, err := os.UserHomeDir()
	if err == nil {
		candidate := filepath.Join(home, ".local", "bin", "msb")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate
		}
	}
	return "msb"
}

func (e *MicrosandboxExecutor) runViaCLI(ctx context.Context, payload, queryType string, timeout int) (*tabletalk.RunnerResult, error) {
	if e.cfg.RunnerDir == "" {
		return nil, fmt.Errorf("runner directory is not configured for cli fallback")
	}
	runnerAbs, err := filepath.Abs(e.cfg.RunnerDir)
	if err != nil {
		return nil, fmt.Errorf("resolve runner dir: %w", err)
	}
	if _, err := os.Stat(runnerAbs); err != nil {
		return nil, fmt.Errorf("runner directory not found for fallback execution: %s", runnerAbs)
	}
	datasetsAbs, err := filepath.Abs(e.datasetsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve datasets dir: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "msb_exec_")
	if err != nil {
		return nil, fmt.Errorf("create fallback workdir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	scriptPath := filepath.Join(tmpDir, "execute_runner.py")
	if err := os.WriteFile(scriptPath, []byte(fallbackScript(payload, queryType, timeout)), 0o600); err != nil {
		return nil, fmt.Errorf("write fallback script: %w", err)
	}

	budget := time.Duration(timeout+5) * time.Second
	if budget < 120*time.Second {
		budget = 120 * time.Second
	}
	cliCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	cmd := exec.CommandContext(cliCtx, e.cliPath(), "exe",
		"--memory", strconv.Itoa(e.cfg.MemoryMB),
		"--cpus", strconv.Itoa(e.roundedCPUs()),
		"--env", "PIP_DISABLE_PIP_VERSION_CHECK=1",
		"-v", datasetsAbs+":/data",
		"-v", runnerAbs+":/app",
		"-v", tmpDir+":/tmp",
		"-e", "python3",
		e.cfg.FallbackImage,
		"--", "/tmp/execute_runner.py",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	if cliCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("cli fallback timeout: %w", cliCtx.Err())
	}
	if err != nil && stdout.Len() == 0 {
		return nil, fmt.Errorf("cli fallback: %w: %s", err, truncate(stderr.String(), 500))
	}
	return ParseRunnerOutput(stdout.String(), stderr.String()), nil
}

func (e *MicrosandboxExecutor) Status(runID string) string { return e.book.statusOf(runID) }

func (e *MicrosandboxExecutor) Result(runID string) *tabletalk.RunnerResult {
	return e.book.resultOf(runID)
}

func (e *MicrosandboxExecutor) Cleanup(runID string) { e.book.drop(runID) }
