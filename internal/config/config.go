// Package config loads service configuration in three layers: built-in
// defaults, an optional TOML file, then environment variables. Env wins.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Datasets DatasetsConfig `toml:"datasets"`
	Storage  StorageConfig  `toml:"storage"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	LLM      LLMConfig      `toml:"llm"`
	Agent    AgentConfig    `toml:"agent"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DatasetsConfig struct {
	Dir string `toml:"dir"`
}

type StorageConfig struct {
	Provider    string `toml:"provider"` // "sqlite" or "postgres"
	Path        string `toml:"path"`     // sqlite database file
	PostgresDSN string `toml:"postgres_dsn"`
}

type SandboxConfig struct {
	Provider       string             `toml:"provider"` // "docker", "k8s", "microsandbox"
	RunnerImage    string             `toml:"runner_image"`
	TimeoutSeconds int                `toml:"timeout_seconds"`
	MaxRows        int                `toml:"max_rows"`
	MaxOutputBytes int                `toml:"max_output_bytes"`
	EnablePython   bool               `toml:"enable_python"`
	Microsandbox   MicrosandboxConfig `toml:"microsandbox"`
	K8s            K8sConfig          `toml:"k8s"`
}

type MicrosandboxConfig struct {
	ServerURL     string  `toml:"server_url"`
	APIKey        string  `toml:"api_key"`
	Namespace     string  `toml:"namespace"`
	MemoryMB      int     `toml:"memory_mb"`
	CPUs          float64 `toml:"cpus"`
	CLIPath       string  `toml:"cli_path"`
	FallbackImage string  `toml:"fallback_image"`
	RunnerDir     string  `toml:"runner_dir"`
}

type K8sConfig struct {
	Namespace           string  `toml:"namespace"`
	ServiceAccount      string  `toml:"service_account"`
	ImagePullPolicy     string  `toml:"image_pull_policy"`
	CPULimit            string  `toml:"cpu_limit"`
	MemoryLimit         string  `toml:"memory_limit"`
	DatasetsPVC         string  `toml:"datasets_pvc"`
	JobTTLSeconds       int     `toml:"job_ttl_seconds"`
	PollIntervalSeconds float64 `toml:"poll_interval_seconds"`
	KeepJobs            bool    `toml:"keep_jobs"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type AgentConfig struct {
	HistoryWindow int `toml:"history_window"`
	MaxIterations int `toml:"max_iterations"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8000},
		Datasets: DatasetsConfig{Dir: "datasets"},
		Storage:  StorageConfig{Provider: "sqlite", Path: "tabletalk.db"},
		Sandbox: SandboxConfig{
			Provider:       "docker",
			RunnerImage:    "tabletalk-runner:latest",
			TimeoutSeconds: 10,
			MaxRows:        200,
			MaxOutputBytes: 65536,
			EnablePython:   true,
			Microsandbox: MicrosandboxConfig{
				ServerURL: "http://127.0.0.1:5555/api/v1/rpc",
				Namespace: "default",
				MemoryMB:  512,
				CPUs:      1.0,
			},
			K8s: K8sConfig{
				Namespace:           "default",
				ImagePullPolicy:     "IfNotPresent",
				CPULimit:            "500m",
				MemoryLimit:         "512Mi",
				JobTTLSeconds:       300,
				PollIntervalSeconds: 0.25,
			},
		},
		LLM:   LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Agent: AgentConfig{HistoryWindow: 12, MaxIterations: 8},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A
// missing file is fine; the defaults plus env carry a full deployment.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "tabletalk.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")

	setString(&cfg.Datasets.Dir, "DATASETS_DIR")

	setString(&cfg.Storage.Provider, "STORAGE_PROVIDER")
	setString(&cfg.Storage.Path, "CAPSULE_DB_PATH")
	setString(&cfg.Storage.PostgresDSN, "POSTGRES_DSN")

	setString(&cfg.Sandbox.Provider, "SANDBOX_PROVIDER")
	setString(&cfg.Sandbox.RunnerImage, "RUNNER_IMAGE")
	setInt(&cfg.Sandbox.TimeoutSeconds, "RUN_TIMEOUT_SECONDS")
	setInt(&cfg.Sandbox.MaxRows, "MAX_ROWS")
	setInt(&cfg.Sandbox.MaxOutputBytes, "MAX_OUTPUT_BYTES")
	setBool(&cfg.Sandbox.EnablePython, "ENABLE_PYTHON_EXECUTION")

	setString(&cfg.Sandbox.Microsandbox.ServerURL, "MSB_SERVER_URL")
	setString(&cfg.Sandbox.Microsandbox.APIKey, "MSB_API_KEY")
	setString(&cfg.Sandbox.Microsandbox.Namespace, "MSB_NAMESPACE")
	setInt(&cfg.Sandbox.Microsandbox.MemoryMB, "MSB_MEMORY_MB")
	setFloat(&cfg.Sandbox.Microsandbox.CPUs, "MSB_CPUS")
	setString(&cfg.Sandbox.Microsandbox.CLIPath, "MSB_CLI_PATH")
	setString(&cfg.Sandbox.Microsandbox.FallbackImage, "MSB_FALLBACK_IMAGE")
	setString(&cfg.Sandbox.Microsandbox.RunnerDir, "MSB_RUNNER_DIR")

	setString(&cfg.Sandbox.K8s.Namespace, "K8S_NAMESPACE")
	setString(&cfg.Sandbox.K8s.ServiceAccount, "K8S_SERVICE_ACCOUNT_NAME")
	setString(&cfg.Sandbox.K8s.ImagePullPolicy, "K8S_IMAGE_PULL_POLICY")
	setString(&cfg.Sandbox.K8s.CPULimit, "K8S_CPU_LIMIT")
	setString(&cfg.Sandbox.K8s.MemoryLimit, "K8S_MEMORY_LIMIT")
	setString(&cfg.Sandbox.K8s.DatasetsPVC, "K8S_DATASETS_PVC")
	setInt(&cfg.Sandbox.K8s.JobTTLSeconds, "K8S_JOB_TTL_SECONDS")
	setFloat(&cfg.Sandbox.K8s.PollIntervalSeconds, "K8S_POLL_INTERVAL_SECONDS")
	setBool(&cfg.Sandbox.K8s.KeepJobs, "K8S_KEEP_JOBS")

	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")

	setInt(&cfg.Agent.HistoryWindow, "THREAD_HISTORY_WINDOW")
	setInt(&cfg.Agent.MaxIterations, "AGENT_MAX_ITERATIONS")

	setBool(&cfg.Observer.Enabled, "OBSERVER_ENABLED")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}
