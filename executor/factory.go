package executor

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config selects and tunes a sandbox provider.
type Config struct {
	Provider       string
	RunnerImage    string
	DatasetsDir    string
	TimeoutSeconds int
	Microsandbox   MicrosandboxConfig
	K8s            K8sConfig
}

// New builds the executor named by cfg.Provider: "docker" (default),
// "k8s", or "microsandbox".
func New(cfg Config, logger *slog.Logger) (Executor, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "docker"
	}
	switch provider {
	case "docker":
		return NewDocker(cfg.RunnerImage, cfg.DatasetsDir, cfg.TimeoutSeconds, logger)
	case "k8s":
		return NewK8s(cfg.RunnerImage, cfg.TimeoutSeconds, cfg.K8s, logger)
	case "microsandbox":
		return NewMicrosandbox(cfg.RunnerImage, cfg.DatasetsDir, cfg.TimeoutSeconds, cfg.Microsandbox, logger)
	}
	return nil, fmt.Errorf("unsupported sandbox provider: %s", cfg.Provider)
}
