package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const configFileName = "lattice.jsonc"

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the single configuration file format for lattice.jsonc
type Config struct {
	Server     ServerSection     `json:"server"`
	Store      StoreSection      `json:"store"`
	Stream     StreamSection     `json:"stream"`
	Tasks      TasksSection      `json:"tasks"`
	Processes  ProcessesSection  `json:"processes"`
	Scrollback ScrollbackSection `json:"scrollback"`
	Schedules  SchedulesSection  `json:"schedules"`
	Backup     BackupSection     `json:"backup"`

	// Path is the file the config was loaded from, empty for defaults
	Path string `json:"-"`
}

// ServerSection contains HTTP server and logging settings
type ServerSection struct {
	Address   string  `json:"address"`
	LogDir    string  `json:"log_dir"`
	JSONLogs  bool    `json:"json_logs"`
	RateLimit float64 `json:"rate_limit"` // requests per second per client, 0 disables
	RateBurst int     `json:"rate_burst"`
}

type StoreSection struct {
	DataDir string `json:"data_dir"`
}

// StreamSection tunes per-minion event handling
type StreamSection struct {
	EventBufferSize    int    `json:"event_buffer_size"`
	FrameIntervalMs    int    `json:"frame_interval_ms"`
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes"`
	TaskTool           string `json:"task_tool"`
	ReportTool         string `json:"report_tool"`
}

type TasksSection struct {
	MaxDepth int `json:"max_depth"` // 0 means unlimited
}

// ProcessesSection selects the background process registry
type ProcessesSection struct {
	Backend     string `json:"backend"` // memory or docker
	LabelPrefix string `json:"label_prefix"`
}

type ScrollbackSection struct {
	FlushIntervalMs int `json:"flush_interval_ms"`
}

type SchedulesSection struct {
	Enabled bool `json:"enabled"`
}

// BackupSection controls periodic database snapshots
type BackupSection struct {
	Enabled       bool   `json:"enabled"`
	Directory     string `json:"directory"`
	Retention     int    `json:"retention"` // snapshots kept per database, 0 keeps all
	IntervalHours int    `json:"interval_hours"`
}

const (
	BackendMemory = "memory"
	BackendDocker = "docker"
)

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{Schedules: SchedulesSection{Enabled: true}}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.LogDir == "" {
		cfg.Server.LogDir = "logs"
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 20
	}

	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}

	if cfg.Stream.EventBufferSize == 0 {
		cfg.Stream.EventBufferSize = 1000
	}
	if cfg.Stream.FrameIntervalMs == 0 {
		cfg.Stream.FrameIntervalMs = 16
	}
	if cfg.Stream.IdleTimeoutMinutes == 0 {
		cfg.Stream.IdleTimeoutMinutes = 30
	}
	if cfg.Stream.TaskTool == "" {
		cfg.Stream.TaskTool = "task"
	}
	if cfg.Stream.ReportTool == "" {
		cfg.Stream.ReportTool = "agent_report"
	}

	if cfg.Processes.Backend == "" {
		cfg.Processes.Backend = BackendMemory
	}
	if cfg.Processes.LabelPrefix == "" {
		cfg.Processes.LabelPrefix = "io.lattice"
	}

	if cfg.Scrollback.FlushIntervalMs == 0 {
		cfg.Scrollback.FlushIntervalMs = 500
	}

	if cfg.Backup.Directory == "" {
		cfg.Backup.Directory = filepath.Join(cfg.Store.DataDir, "backups")
	}
	if cfg.Backup.Retention == 0 {
		cfg.Backup.Retention = 7
	}
	if cfg.Backup.IntervalHours == 0 {
		cfg.Backup.IntervalHours = 24
	}
}

// FindConfigPath returns the path to lattice.jsonc using precedence:
// 1. configDir + /lattice.jsonc (if configDir specified)
// 2. ./config/lattice.jsonc (project-local)
// 3. ~/.lattice/config/lattice.jsonc (user global)
//
// It returns "" with no error when no candidate exists and configDir is empty.
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, configFileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found in %s", configFileName, configDir)
		}
		return absPath(path), nil
	}

	candidates := []string{
		filepath.Join("config", configFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".lattice", "config", configFileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absPath(path), nil
		}
	}
	return "", nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Load locates and loads lattice.jsonc, falling back to defaults when no
// file exists. The result is validated.
func Load(configDir string) (*Config, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return Default(), nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from a single lattice.jsonc file
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	cfg := &Config{Schedules: SchedulesSection{Enabled: true}}
	if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	applyDefaults(cfg)
	cfg.Path = configPath
	return cfg, nil
}

// Validate checks sizes and enumerations
func (c *Config) Validate() error {
	var errs []error
	if c.Stream.EventBufferSize < 0 {
		errs = append(errs, fmt.Errorf("stream.event_buffer_size must be positive, got %d", c.Stream.EventBufferSize))
	}
	if c.Stream.FrameIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("stream.frame_interval_ms must be positive, got %d", c.Stream.FrameIntervalMs))
	}
	if c.Stream.IdleTimeoutMinutes < 0 {
		errs = append(errs, fmt.Errorf("stream.idle_timeout_minutes must be positive, got %d", c.Stream.IdleTimeoutMinutes))
	}
	if c.Tasks.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("tasks.max_depth must not be negative, got %d", c.Tasks.MaxDepth))
	}
	if c.Scrollback.FlushIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("scrollback.flush_interval_ms must be positive, got %d", c.Scrollback.FlushIntervalMs))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative, got %v", c.Server.RateLimit))
	}
	if c.Backup.Retention < 0 {
		errs = append(errs, fmt.Errorf("backup.retention must not be negative, got %d", c.Backup.Retention))
	}
	if c.Backup.IntervalHours < 0 {
		errs = append(errs, fmt.Errorf("backup.interval_hours must be positive, got %d", c.Backup.IntervalHours))
	}
	switch c.Processes.Backend {
	case BackendMemory, BackendDocker:
	default:
		errs = append(errs, fmt.Errorf("processes.backend must be %q or %q, got %q", BackendMemory, BackendDocker, c.Processes.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (s StreamSection) FrameInterval() time.Duration {
	return time.Duration(s.FrameIntervalMs) * time.Millisecond
}

func (s StreamSection) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

func (s ScrollbackSection) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMs) * time.Millisecond
}

func (s BackupSection) Interval() time.Duration {
	return time.Duration(s.IntervalHours) * time.Hour
}
