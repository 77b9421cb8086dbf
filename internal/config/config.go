// Package config loads process configuration from the environment, one
// envconfig-tagged struct per concern, mirroring the teacher's
// config.LoadServerConfig/config.LoadRunnerConfig split.
package config

import "github.com/kelseyhightower/envconfig"

// Config is the complete configuration for the control plane process.
type Config struct {
	Server   Server
	Ports    PortRange
	Store    Store
	Docker   Docker
	VLLM     VLLM
	Ollama   Ollama
	Reconcile Reconcile
}

// Server holds the HTTP-facing settings.
type Server struct {
	Port            int    `envconfig:"PORT" default:"8080"`
	DefaultHostname string `envconfig:"DEFAULT_HOSTNAME" default:"0.0.0.0"`
	FrontendURL     string `envconfig:"FRONTEND_URL"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	DefaultAPIKey   string `envconfig:"DEFAULT_API_KEY"`
}

// PortRange bounds the TCP ports the Port Allocator may hand out
// (spec.md §3 invariant 5, §4.2).
type PortRange struct {
	Min int `envconfig:"MIN_PORT" default:"8001"`
	Max int `envconfig:"MAX_PORT" default:"9000"`
}

// Store configures the embedded relational database (spec.md §6).
type Store struct {
	// Path is either a filesystem path to a SQLite database file, or a
	// postgres://... DSN. A DSN selects the Postgres driver.
	Path        string `envconfig:"DB_PATH" default:"./data/vllmmanager.db"`
	AutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

// Docker configures the shared Docker client used by both engine drivers.
type Docker struct {
	SocketPath string `envconfig:"DOCKER_SOCKET_PATH" default:"/var/run/docker.sock"`
}

// VLLM configures the vLLM engine driver.
type VLLM struct {
	Image               string  `envconfig:"VLLM_IMAGE" default:"vllm/vllm-openai:latest"`
	HuggingFaceToken     string  `envconfig:"HUGGING_FACE_HUB_TOKEN"`
	DefaultGPUMemUtil    float64 `envconfig:"VLLM_DEFAULT_GPU_MEMORY_UTILIZATION" default:"0.85"`
	DefaultMaxNumSeqs    int     `envconfig:"VLLM_DEFAULT_MAX_NUM_SEQS" default:"256"`
	APIKeyPrefix         string  `envconfig:"VLLM_API_KEY_PREFIX" default:"sk-"`
}

// Ollama configures the Ollama engine driver.
type Ollama struct {
	Image      string `envconfig:"OLLAMA_IMAGE" default:"ollama/ollama:latest"`
	VolumeName string `envconfig:"OLLAMA_VOLUME_NAME" default:"vllmmanager-ollama-models"`
}

// Reconcile configures the background reconciliation sweep.
type Reconcile struct {
	AutoImportOnStart bool   `envconfig:"RECONCILE_AUTO_IMPORT" default:"true"`
	Interval          string `envconfig:"RECONCILE_INTERVAL" default:"0"` // cron spec; empty/0 disables
	ReadPathTimeoutMS int    `envconfig:"RECONCILE_READ_TIMEOUT_MS" default:"800"`
}

// Load reads the process configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
