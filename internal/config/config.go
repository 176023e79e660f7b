// Package config aggregates every tunable named in spec §6 Configuration
// into one Config struct, loaded from the environment (optionally via a
// .env file, the teacher's own mechanism) and read by cmd/server; cmd/agent
// takes its settings from its own cobra flags and does not use this package.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/processor"
	"github.com/iyulab/orbitmesh/internal/router"
	"github.com/iyulab/orbitmesh/internal/timeoutmonitor"
)

// Config is the process-wide configuration (spec §6).
type Config struct {
	ListenAddr string

	WorkItemProcessor processor.Config
	TimeoutMonitor    timeoutmonitor.Config
	RouterPolicy      router.Policy
	IdempotencyTTL    time.Duration
	ProgressMaxHistory int

	DB    *job.DBConfig
	Redis RedisConfig

	Logging LoggingConfig
}

// RedisConfig configures the optional distributed idempotency cache and
// wake queue (SPEC_FULL.md §11 domain stack).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Development bool
	Level       string
}

func loadDotEnv() {
	for i := 0; i < 4; i++ {
		path := ".env"
		if i > 0 {
			path = strings.Repeat("../", i) + ".env"
		}
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads Config from the environment, applying spec §6's defaults.
func Load() (*Config, error) {
	loadDotEnv()

	wip := processor.DefaultConfig()
	wip.MaxConcurrency = getenvInt("ORBITMESH_WIP_MAX_CONCURRENCY", wip.MaxConcurrency)
	wip.PollingInterval = getenvDuration("ORBITMESH_WIP_POLLING_INTERVAL", wip.PollingInterval)
	wip.MaxDispatchRetries = getenvInt("ORBITMESH_WIP_MAX_DISPATCH_RETRIES", wip.MaxDispatchRetries)
	wip.RetryDelay = getenvDuration("ORBITMESH_WIP_RETRY_DELAY", wip.RetryDelay)

	tm := timeoutmonitor.DefaultConfig()
	tm.CheckInterval = getenvDuration("ORBITMESH_TIMEOUT_CHECK_INTERVAL", tm.CheckInterval)
	tm.DefaultJobTimeout = getenvDuration("ORBITMESH_TIMEOUT_DEFAULT_JOB_TIMEOUT", tm.DefaultJobTimeout)
	tm.AckTimeout = getenvDuration("ORBITMESH_TIMEOUT_ACK_TIMEOUT", tm.AckTimeout)
	tm.MaxTimeoutRetries = getenvInt("ORBITMESH_TIMEOUT_MAX_RETRIES", tm.MaxTimeoutRetries)

	policy := router.Policy(strings.ToUpper(getenvString("ORBITMESH_ROUTER_POLICY", string(router.PolicyRoundRobin))))

	dbCfg, err := job.LoadDBConfigFromEnv()
	if err != nil {
		return nil, err
	}

	redisCfg := RedisConfig{
		Addr:     getenvString("ORBITMESH_REDIS_ADDR", ""),
		Password: os.Getenv("ORBITMESH_REDIS_PASSWORD"),
		DB:       getenvInt("ORBITMESH_REDIS_DB", 0),
	}
	redisCfg.Enabled = redisCfg.Addr != ""

	return &Config{
		ListenAddr:         getenvString("ORBITMESH_LISTEN_ADDR", ":8080"),
		WorkItemProcessor:  wip,
		TimeoutMonitor:     tm,
		RouterPolicy:       policy,
		IdempotencyTTL:     getenvDuration("ORBITMESH_IDEMPOTENCY_TTL", 24*time.Hour),
		ProgressMaxHistory: getenvInt("ORBITMESH_PROGRESS_MAX_HISTORY", 100),
		DB:                 dbCfg,
		Redis:              redisCfg,
		Logging: LoggingConfig{
			Development: getenvBool("ORBITMESH_LOG_DEV", false),
			Level:       getenvString("ORBITMESH_LOG_LEVEL", "info"),
		},
	}, nil
}
