package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every process-wide knob. It is built once in main and
// injected into the components that need it; nothing reads the environment
// after startup.
type Config struct {
	// Database
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	// External services
	RedisAddr   string `yaml:"redis_addr"`
	NATSURL     string `yaml:"nats_url"`
	DetectorURL string `yaml:"detector_url"`
	FFmpegBin   string `yaml:"ffmpeg_bin"`

	// Storage roots
	ScreenshotRoot string `yaml:"screenshot_root"`
	HLSRoot        string `yaml:"hls_root"`

	// Capture pipeline
	MaxComboConcurrency int `yaml:"max_combo_concurrency"`
	MaxWorkersPerCombo  int `yaml:"max_workers_per_combo"`
	RTSPConnectTimeout  int `yaml:"task_rtsp_connect_timeout_sec"`
	TaskRetryCount      int `yaml:"task_retry_count"`
	TaskDeadlineFactor  int `yaml:"task_deadline_factor"`

	// HLS gateway
	HLSIdleTimeoutSec int `yaml:"hls_idle_timeout_sec"`

	// Reference frame for parking-space coordinates
	ReferenceWidth  int `yaml:"reference_width"`
	ReferenceHeight int `yaml:"reference_height"`

	// Wall zone for day boundaries and trigger times
	WallTimezone string `yaml:"wall_timezone"`

	// HTTP
	Port     string `yaml:"port"`
	HLSPort  string `yaml:"hlsgw_port"`
	RateSalt string `yaml:"rate_salt"`
}

// Load builds the config from the environment, with an optional YAML file
// (lowest precedence) read first. Missing keys fall back to defaults.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		DBHost:              "localhost",
		DBPort:              "5432",
		DBSSLMode:           "disable",
		RedisAddr:           "localhost:6379",
		FFmpegBin:           "ffmpeg",
		ScreenshotRoot:      "data/shots",
		HLSRoot:             "data/hls",
		MaxComboConcurrency: 4,
		MaxWorkersPerCombo:  2,
		RTSPConnectTimeout:  10,
		TaskRetryCount:      2,
		TaskDeadlineFactor:  2,
		HLSIdleTimeoutSec:   60,
		ReferenceWidth:      1920,
		ReferenceHeight:     1080,
		WallTimezone:        "Asia/Shanghai",
		Port:                "8080",
		HLSPort:             "8081",
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", yamlPath, err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.MaxComboConcurrency < 1 {
		return nil, fmt.Errorf("MAX_COMBO_CONCURRENCY must be >= 1, got %d", cfg.MaxComboConcurrency)
	}
	if cfg.MaxWorkersPerCombo < 1 {
		return nil, fmt.Errorf("MAX_WORKERS_PER_COMBO must be >= 1, got %d", cfg.MaxWorkersPerCombo)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.DBHost, "DB_HOST")
	envStr(&cfg.DBPort, "DB_PORT")
	envStr(&cfg.DBUser, "DB_USER")
	envStr(&cfg.DBPassword, "DB_PASSWORD")
	envStr(&cfg.DBName, "DB_NAME")
	envStr(&cfg.DBSSLMode, "DB_SSLMODE")
	envStr(&cfg.RedisAddr, "REDIS_ADDR")
	envStr(&cfg.NATSURL, "NATS_URL")
	envStr(&cfg.DetectorURL, "DETECTOR_URL")
	envStr(&cfg.FFmpegBin, "FFMPEG_BIN")
	envStr(&cfg.ScreenshotRoot, "SCREENSHOT_ROOT")
	envStr(&cfg.HLSRoot, "HLS_ROOT_DIR")
	envStr(&cfg.WallTimezone, "WALL_TIMEZONE")
	envStr(&cfg.Port, "PORT")
	envStr(&cfg.HLSPort, "HLSGW_PORT")
	envStr(&cfg.RateSalt, "RATE_LIMIT_SALT")

	envInt(&cfg.MaxComboConcurrency, "MAX_COMBO_CONCURRENCY")
	envInt(&cfg.MaxWorkersPerCombo, "MAX_WORKERS_PER_COMBO")
	envInt(&cfg.RTSPConnectTimeout, "TASK_RTSP_CONNECT_TIMEOUT_SEC")
	envInt(&cfg.TaskRetryCount, "TASK_RETRY_COUNT")
	envInt(&cfg.TaskDeadlineFactor, "TASK_DEADLINE_FACTOR")
	envInt(&cfg.HLSIdleTimeoutSec, "HLS_IDLE_TIMEOUT_SEC")
	envInt(&cfg.ReferenceWidth, "REFERENCE_WIDTH")
	envInt(&cfg.ReferenceHeight, "REFERENCE_HEIGHT")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

// ConnString builds the postgres connection string.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// ConnectTimeout returns the RTSP connect limit as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.RTSPConnectTimeout) * time.Second
}

// HLSIdleTimeout returns the HLS reap threshold as a duration.
func (c *Config) HLSIdleTimeout() time.Duration {
	return time.Duration(c.HLSIdleTimeoutSec) * time.Second
}
