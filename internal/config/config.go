// Package config loads process configuration in two layers, mirroring the
// teacher pattern this codebase grew out of: a .env file for secrets and
// the environment selector, then typed env-var binding (via envconfig) for
// everything spec.md §6 names as an environment variable, with a YAML file
// supplying non-secret deployment defaults that env vars can still override.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Environment selects which YAML overlay to load.
type Environment string

const (
	EnvDevelopment Environment = "dev"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "prod"
)

// SchedulerConfig is the scheduler/validator process configuration.
type SchedulerConfig struct {
	Env  Environment `envconfig:"APP_ENV" default:"dev"`
	Port string      `envconfig:"PORT" default:"8080"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`

	MinIOEndpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	MinIOAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinIOUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
	MinIOBucket    string `envconfig:"MINIO_BUCKET" default:"voltask"`

	AIMode                   string        `envconfig:"AI_MODE" default:"AI_OFF"`
	PolicyMaxConcurrentTasks int           `envconfig:"POLICY_MAX_CONCURRENT_TASKS" default:"1000"`
	PolicyMaxDailyBudget     int           `envconfig:"POLICY_MAX_DAILY_BUDGET" default:"5000"`
	PolicyRecheckThreshold   int           `envconfig:"POLICY_RECHECK_THRESHOLD" default:"3"`
	HeartbeatIntervalSecs    int           `envconfig:"HEARTBEAT_INTERVAL_SECS" default:"30"`
	PollIntervalSecs         int           `envconfig:"POLL_INTERVAL_SECS" default:"5"`

	SnapshotCoalesceMS int `envconfig:"SNAPSHOT_COALESCE_MS" default:"500"`

	Scheduler SchedulerTuning `yaml:"scheduler"`
}

// SchedulerTuning holds non-secret, deployment-shaped settings loaded from
// configs/{env}.yaml; env vars in SchedulerConfig take precedence for
// anything they also cover.
type SchedulerTuning struct {
	NodeID   string        `yaml:"node_id"`
	Fallback FallbackTune  `yaml:"fallback"`
	Requeue  RequeueTune   `yaml:"requeue"`
}

type FallbackTune struct {
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

type RequeueTune struct {
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
}

// AgentConfig is the agent-runtime process configuration.
type AgentConfig struct {
	SchedulerURL      string `envconfig:"SCHEDULER_URL" required:"true"`
	AgentUID          string `envconfig:"AGENT_UID"`
	EULAAcceptedPath  string `envconfig:"EULA_ACCEPTED_PATH" default:".voltask/eula_accepted"`
	LocalStatePath    string `envconfig:"AGENT_STATE_PATH" default:".voltask/agent.db"`
	WorkspaceRoot     string `envconfig:"AGENT_WORKSPACE_ROOT" default:".voltask/workspace"`
	LocalQueueDepth   int    `envconfig:"AGENT_QUEUE_DEPTH" default:"4"`
	PollIntervalSecs  int    `envconfig:"POLL_INTERVAL_SECS" default:"5"`
	HeartbeatSecs     int    `envconfig:"HEARTBEAT_INTERVAL_SECS" default:"30"`

	MinIOEndpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	MinIOAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinIOUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
	MinIOBucket    string `envconfig:"MINIO_BUCKET" default:"voltask"`

	SandboxTimeoutSecs   int   `envconfig:"SANDBOX_TIMEOUT_SECS" default:"120"`
	SandboxOutputBytes   int64 `envconfig:"SANDBOX_OUTPUT_BYTES" default:"1048576"`
	SandboxWorkspaceBytes int64 `envconfig:"SANDBOX_WORKSPACE_BYTES" default:"67108864"`
}

var envPaths = []string{".env", "../.env", "../../.env"}
var configPaths = []string{"configs", "../configs", "../../configs"}

// LoadScheduler loads the scheduler/validator configuration.
func LoadScheduler() (*SchedulerConfig, error) {
	loadDotenv()

	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("bind scheduler env config: %w", err)
	}

	cfg.Scheduler = defaultTuning()
	loadYAMLOverlay("common.yaml", &cfg.Scheduler)
	loadYAMLOverlay(fmt.Sprintf("%s.yaml", cfg.Env), &cfg.Scheduler)

	return &cfg, nil
}

// LoadAgent loads the agent-runtime configuration.
func LoadAgent() (*AgentConfig, error) {
	loadDotenv()

	var cfg AgentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("bind agent env config: %w", err)
	}
	return &cfg, nil
}

func loadDotenv() {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			return
		}
	}
}

func defaultTuning() SchedulerTuning {
	return SchedulerTuning{
		NodeID:   "scheduler-default",
		Fallback: FallbackTune{Interval: 5 * time.Minute, StaleThreshold: 5 * time.Minute},
		Requeue:  RequeueTune{OfflineThreshold: 30 * time.Second},
	}
}

func loadYAMLOverlay(filename string, into *SchedulerTuning) {
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_ = yaml.Unmarshal(data, into)
		return
	}
}

// String returns a config summary safe to log (no credentials).
func (c *SchedulerConfig) String() string {
	return fmt.Sprintf("SchedulerConfig{env=%s port=%s ai_mode=%s node_id=%s}",
		c.Env, c.Port, c.AIMode, c.Scheduler.NodeID)
}
