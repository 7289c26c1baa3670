package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete autoloop configuration
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat" yaml:"heartbeat"`
	Runner     RunnerConfig     `mapstructure:"runner" yaml:"runner"`
	Backoff    BackoffConfig    `mapstructure:"backoff" yaml:"backoff"`
	SelfHeal   SelfHealConfig   `mapstructure:"self_heal" yaml:"self_heal"`
	Backlog    BacklogConfig    `mapstructure:"backlog" yaml:"backlog"`
	Promotion  PromotionConfig  `mapstructure:"promotion" yaml:"promotion"`
	Paths      PathsConfig      `mapstructure:"paths" yaml:"paths"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Lock       LockConfig       `mapstructure:"lock" yaml:"lock"`
}

// SupervisorConfig controls the task loop
type SupervisorConfig struct {
	// BaseDelaySeconds is the pause after an ok iteration
	BaseDelaySeconds int `mapstructure:"base_delay_seconds" yaml:"base_delay_seconds"`
	// CompletionDelaySeconds is the pause after a completed task
	CompletionDelaySeconds int `mapstructure:"completion_delay_seconds" yaml:"completion_delay_seconds"`
	// MaxRetryableFailures is the retry budget; exceeding it is fatal
	MaxRetryableFailures int `mapstructure:"max_retryable_failures" yaml:"max_retryable_failures"`
	// LockName is the lock held for the supervisor's lifetime
	LockName string `mapstructure:"lock_name" yaml:"lock_name"`
}

// HeartbeatConfig controls liveness publishing
type HeartbeatConfig struct {
	// IntervalSeconds is how often a running iteration republishes the heartbeat
	IntervalSeconds int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	// MinPublishIntervalMs throttles output-driven publishes (0 = every write)
	MinPublishIntervalMs int `mapstructure:"min_publish_interval_ms" yaml:"min_publish_interval_ms"`
}

// RunnerConfig controls the task executor
type RunnerConfig struct {
	// Command is the executor argv; "{{instruction}}" is replaced by the instruction
	Command []string `mapstructure:"command" yaml:"command"`
	// Instruction is the payload handed to the executor
	Instruction string `mapstructure:"instruction" yaml:"instruction"`
	// CompletionMarker in the output tail marks the task complete
	CompletionMarker string `mapstructure:"completion_marker" yaml:"completion_marker"`
	// StallTimeoutSeconds is how long the executor may stay silent
	StallTimeoutSeconds int `mapstructure:"stall_timeout_seconds" yaml:"stall_timeout_seconds"`
	// KillGraceSeconds is the wait between terminate and kill
	KillGraceSeconds int `mapstructure:"kill_grace_seconds" yaml:"kill_grace_seconds"`
	// TailBytes bounds the retained output tail
	TailBytes int `mapstructure:"tail_bytes" yaml:"tail_bytes"`
	// TaskMarker prefixes the task id in executor output
	TaskMarker string `mapstructure:"task_marker" yaml:"task_marker"`
	// WorkDir is the executor's working directory (default: current directory)
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
}

// BackoffConfig controls retry delays
type BackoffConfig struct {
	BaseSeconds int     `mapstructure:"base_seconds" yaml:"base_seconds"`
	MaxSeconds  int     `mapstructure:"max_seconds" yaml:"max_seconds"`
	JitterRatio float64 `mapstructure:"jitter_ratio" yaml:"jitter_ratio"`
}

// SelfHealConfig controls the self-heal collaborator
type SelfHealConfig struct {
	// Command receives the incident report on stdin (empty = disabled)
	Command []string `mapstructure:"command" yaml:"command"`
	// FailureThreshold is the streak at which self-heal runs
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// CooldownSeconds is the minimum time between attempts
	CooldownSeconds int `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// BacklogConfig controls the backlog refresh collaborator
type BacklogConfig struct {
	RefreshCommand []string `mapstructure:"refresh_command" yaml:"refresh_command"`
}

// PromotionConfig controls the promotion pipeline
type PromotionConfig struct {
	// Enabled runs promotion when a task completes
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Agent identifies this worker in workflow keys
	Agent string `mapstructure:"agent" yaml:"agent"`
	// TargetBranch is the shared integration branch
	TargetBranch string `mapstructure:"target_branch" yaml:"target_branch"`
	// Remote is the shared remote
	Remote string `mapstructure:"remote" yaml:"remote"`
	// SourceBranch is a template for the source branch (empty = current branch)
	SourceBranch string `mapstructure:"source_branch" yaml:"source_branch"`
	// CosignerBranches must exist before promotion; {task} and {agent} are expanded
	CosignerBranches []string `mapstructure:"cosigner_branches" yaml:"cosigner_branches"`
	// Lanes are the branches published and cleaned up (empty = the source branch)
	Lanes []string `mapstructure:"lanes" yaml:"lanes"`
	// GateCommand must succeed in the integration worktree before merging
	GateCommand []string `mapstructure:"gate_command" yaml:"gate_command"`
	// ProtectedBranches are glob patterns cleanup never deletes
	ProtectedBranches []string `mapstructure:"protected_branches" yaml:"protected_branches"`
	// LockName is the lock held for each promotion run
	LockName string `mapstructure:"lock_name" yaml:"lock_name"`
	// WorktreeDir holds integration worktrees (default: <state_dir>/merge)
	WorktreeDir string `mapstructure:"worktree_dir" yaml:"worktree_dir"`

	Breaker     BreakerConfig     `mapstructure:"breaker" yaml:"breaker"`
	PolicyRetry PolicyRetryConfig `mapstructure:"policy_retry" yaml:"policy_retry"`
}

// BreakerConfig controls the promotion circuit breaker
type BreakerConfig struct {
	FailureThreshold    int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	OpenDurationSeconds int `mapstructure:"open_duration_seconds" yaml:"open_duration_seconds"`
}

// PolicyRetryConfig controls re-attempts after policy-terminal failures
type PolicyRetryConfig struct {
	Max          int `mapstructure:"max" yaml:"max"`
	DelaySeconds int `mapstructure:"delay_seconds" yaml:"delay_seconds"`
}

// PathsConfig controls where state is kept
type PathsConfig struct {
	// StateDir holds state documents, locks and logs
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the size at which the log file rotates (0 = never)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
	// Stderr also writes log lines to stderr
	Stderr bool `mapstructure:"stderr" yaml:"stderr"`
}

// LockConfig controls lock reclamation
type LockConfig struct {
	// StaleGraceSeconds is how old an ownerless lock must be before reclaim
	StaleGraceSeconds int `mapstructure:"stale_grace_seconds" yaml:"stale_grace_seconds"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			BaseDelaySeconds:       5,
			CompletionDelaySeconds: 2,
			MaxRetryableFailures:   10,
			LockName:               "supervisor",
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:      30,
			MinPublishIntervalMs: 1000,
		},
		Runner: RunnerConfig{
			Command:             []string{"claude", "-p", "{{instruction}}"},
			Instruction:         "",
			CompletionMarker:    "<promise>COMPLETE</promise>",
			StallTimeoutSeconds: 900, // 15 minutes of silence
			KillGraceSeconds:    10,
			TailBytes:           65536,
			TaskMarker:          "TASK:",
		},
		Backoff: BackoffConfig{
			BaseSeconds: 5,
			MaxSeconds:  300,
			JitterRatio: 0.2,
		},
		SelfHeal: SelfHealConfig{
			Command:          []string{},
			FailureThreshold: 3,
			CooldownSeconds:  1800,
		},
		Backlog: BacklogConfig{
			RefreshCommand: []string{},
		},
		Promotion: PromotionConfig{
			Enabled:           true,
			TargetBranch:      "main",
			Remote:            "origin",
			CosignerBranches:  []string{},
			Lanes:             []string{},
			GateCommand:       []string{},
			ProtectedBranches: []string{"main", "master", "release/*"},
			LockName:          "promotion",
			WorktreeDir:       "", // Empty means <state_dir>/merge
			Breaker: BreakerConfig{
				FailureThreshold:    3,
				OpenDurationSeconds: 1800,
			},
			PolicyRetry: PolicyRetryConfig{
				Max:          2,
				DelaySeconds: 15,
			},
		},
		Paths: PathsConfig{
			StateDir: ".autoloop",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
			Stderr:     true,
		},
		Lock: LockConfig{
			StaleGraceSeconds: 30,
		},
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// BaseDelay returns the pause after an ok iteration.
func (c *SupervisorConfig) BaseDelay() time.Duration { return seconds(c.BaseDelaySeconds) }

// CompletionDelay returns the pause after a completed task.
func (c *SupervisorConfig) CompletionDelay() time.Duration {
	return seconds(c.CompletionDelaySeconds)
}

// Interval returns the heartbeat interval.
func (c *HeartbeatConfig) Interval() time.Duration { return seconds(c.IntervalSeconds) }

// MinPublishInterval returns the output publish throttle.
func (c *HeartbeatConfig) MinPublishInterval() time.Duration {
	return time.Duration(c.MinPublishIntervalMs) * time.Millisecond
}

// StallTimeout returns the silence limit as a time.Duration
func (c *RunnerConfig) StallTimeout() time.Duration { return seconds(c.StallTimeoutSeconds) }

// KillGrace returns the terminate-to-kill wait as a time.Duration
func (c *RunnerConfig) KillGrace() time.Duration { return seconds(c.KillGraceSeconds) }

// Base returns the first retry delay.
func (c *BackoffConfig) Base() time.Duration { return seconds(c.BaseSeconds) }

// Max returns the retry delay cap.
func (c *BackoffConfig) Max() time.Duration { return seconds(c.MaxSeconds) }

// Cooldown returns the minimum time between self-heal attempts.
func (c *SelfHealConfig) Cooldown() time.Duration { return seconds(c.CooldownSeconds) }

// OpenDuration returns the quarantine window.
func (c *BreakerConfig) OpenDuration() time.Duration { return seconds(c.OpenDurationSeconds) }

// Delay returns the pause before a policy retry.
func (c *PolicyRetryConfig) Delay() time.Duration { return seconds(c.DelaySeconds) }

// StaleGrace returns how long an ownerless lock is honored.
func (c *LockConfig) StaleGrace() time.Duration { return seconds(c.StaleGraceSeconds) }

// ResolveStateDir returns the state directory.
// A leading ~ expands to the user's home directory and relative paths are
// resolved against baseDir.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	return resolvePath(p.StateDir, baseDir, filepath.Join(baseDir, ".autoloop"))
}

// ResolveWorktreeDir returns the directory for integration worktrees.
// Empty means <stateDir>/merge.
func (c *PromotionConfig) ResolveWorktreeDir(baseDir, stateDir string) string {
	return resolvePath(c.WorktreeDir, baseDir, filepath.Join(stateDir, "merge"))
}

func resolvePath(path, baseDir, fallback string) string {
	if path == "" {
		return fallback
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Supervisor defaults
	viper.SetDefault("supervisor.base_delay_seconds", defaults.Supervisor.BaseDelaySeconds)
	viper.SetDefault("supervisor.completion_delay_seconds", defaults.Supervisor.CompletionDelaySeconds)
	viper.SetDefault("supervisor.max_retryable_failures", defaults.Supervisor.MaxRetryableFailures)
	viper.SetDefault("supervisor.lock_name", defaults.Supervisor.LockName)

	// Heartbeat defaults
	viper.SetDefault("heartbeat.interval_seconds", defaults.Heartbeat.IntervalSeconds)
	viper.SetDefault("heartbeat.min_publish_interval_ms", defaults.Heartbeat.MinPublishIntervalMs)

	// Runner defaults
	viper.SetDefault("runner.command", defaults.Runner.Command)
	viper.SetDefault("runner.instruction", defaults.Runner.Instruction)
	viper.SetDefault("runner.completion_marker", defaults.Runner.CompletionMarker)
	viper.SetDefault("runner.stall_timeout_seconds", defaults.Runner.StallTimeoutSeconds)
	viper.SetDefault("runner.kill_grace_seconds", defaults.Runner.KillGraceSeconds)
	viper.SetDefault("runner.tail_bytes", defaults.Runner.TailBytes)
	viper.SetDefault("runner.task_marker", defaults.Runner.TaskMarker)
	viper.SetDefault("runner.work_dir", defaults.Runner.WorkDir)

	// Backoff defaults
	viper.SetDefault("backoff.base_seconds", defaults.Backoff.BaseSeconds)
	viper.SetDefault("backoff.max_seconds", defaults.Backoff.MaxSeconds)
	viper.SetDefault("backoff.jitter_ratio", defaults.Backoff.JitterRatio)

	// Self-heal defaults
	viper.SetDefault("self_heal.command", defaults.SelfHeal.Command)
	viper.SetDefault("self_heal.failure_threshold", defaults.SelfHeal.FailureThreshold)
	viper.SetDefault("self_heal.cooldown_seconds", defaults.SelfHeal.CooldownSeconds)

	// Backlog defaults
	viper.SetDefault("backlog.refresh_command", defaults.Backlog.RefreshCommand)

	// Promotion defaults
	viper.SetDefault("promotion.enabled", defaults.Promotion.Enabled)
	viper.SetDefault("promotion.agent", defaults.Promotion.Agent)
	viper.SetDefault("promotion.target_branch", defaults.Promotion.TargetBranch)
	viper.SetDefault("promotion.remote", defaults.Promotion.Remote)
	viper.SetDefault("promotion.source_branch", defaults.Promotion.SourceBranch)
	viper.SetDefault("promotion.cosigner_branches", defaults.Promotion.CosignerBranches)
	viper.SetDefault("promotion.lanes", defaults.Promotion.Lanes)
	viper.SetDefault("promotion.gate_command", defaults.Promotion.GateCommand)
	viper.SetDefault("promotion.protected_branches", defaults.Promotion.ProtectedBranches)
	viper.SetDefault("promotion.lock_name", defaults.Promotion.LockName)
	viper.SetDefault("promotion.worktree_dir", defaults.Promotion.WorktreeDir)
	viper.SetDefault("promotion.breaker.failure_threshold", defaults.Promotion.Breaker.FailureThreshold)
	viper.SetDefault("promotion.breaker.open_duration_seconds", defaults.Promotion.Breaker.OpenDurationSeconds)
	viper.SetDefault("promotion.policy_retry.max", defaults.Promotion.PolicyRetry.Max)
	viper.SetDefault("promotion.policy_retry.delay_seconds", defaults.Promotion.PolicyRetry.DelaySeconds)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
	viper.SetDefault("logging.stderr", defaults.Logging.Stderr)

	// Lock defaults
	viper.SetDefault("lock.stale_grace_seconds", defaults.Lock.StaleGraceSeconds)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "autoloop")
	}
	// Fall back to ~/.config/autoloop
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoloop"
	}
	return filepath.Join(home, ".config", "autoloop")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// LocalConfigFile is the per-repository config file name.
const LocalConfigFile = ".autoloop.yaml"
