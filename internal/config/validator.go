package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "runner.tail_bytes")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSupervisor()...)
	errors = append(errors, c.validateHeartbeat()...)
	errors = append(errors, c.validateRunner()...)
	errors = append(errors, c.validateBackoff()...)
	errors = append(errors, c.validateSelfHeal()...)
	errors = append(errors, c.validatePromotion()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	if c.Lock.StaleGraceSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.stale_grace_seconds",
			Value:   c.Lock.StaleGraceSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

func nonNegative(field string, value int) []ValidationError {
	if value < 0 {
		return []ValidationError{{Field: field, Value: value, Message: "must be non-negative"}}
	}
	return nil
}

func positive(field string, value int) []ValidationError {
	if value < 1 {
		return []ValidationError{{Field: field, Value: value, Message: "must be at least 1"}}
	}
	return nil
}

func validName(field, value string) []ValidationError {
	if strings.TrimSpace(value) == "" {
		return []ValidationError{{Field: field, Value: value, Message: "cannot be empty"}}
	}
	if strings.ContainsAny(value, `/\`) || strings.Contains(value, "..") {
		return []ValidationError{{Field: field, Value: value, Message: "must not contain path separators"}}
	}
	return nil
}

// validateSupervisor validates the SupervisorConfig
func (c *Config) validateSupervisor() []ValidationError {
	var errors []ValidationError
	errors = append(errors, nonNegative("supervisor.base_delay_seconds", c.Supervisor.BaseDelaySeconds)...)
	errors = append(errors, nonNegative("supervisor.completion_delay_seconds", c.Supervisor.CompletionDelaySeconds)...)
	errors = append(errors, nonNegative("supervisor.max_retryable_failures", c.Supervisor.MaxRetryableFailures)...)
	errors = append(errors, validName("supervisor.lock_name", c.Supervisor.LockName)...)
	return errors
}

// validateHeartbeat validates the HeartbeatConfig
func (c *Config) validateHeartbeat() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("heartbeat.interval_seconds", c.Heartbeat.IntervalSeconds)...)
	errors = append(errors, nonNegative("heartbeat.min_publish_interval_ms", c.Heartbeat.MinPublishIntervalMs)...)
	return errors
}

// validateRunner validates the RunnerConfig
func (c *Config) validateRunner() []ValidationError {
	var errors []ValidationError

	if len(c.Runner.Command) == 0 || strings.TrimSpace(c.Runner.Command[0]) == "" {
		errors = append(errors, ValidationError{
			Field:   "runner.command",
			Value:   c.Runner.Command,
			Message: "must name an executable",
		})
	}
	if strings.TrimSpace(c.Runner.CompletionMarker) == "" {
		errors = append(errors, ValidationError{
			Field:   "runner.completion_marker",
			Value:   c.Runner.CompletionMarker,
			Message: "cannot be empty",
		})
	}
	errors = append(errors, positive("runner.stall_timeout_seconds", c.Runner.StallTimeoutSeconds)...)
	errors = append(errors, nonNegative("runner.kill_grace_seconds", c.Runner.KillGraceSeconds)...)

	// The tail must be able to hold the completion marker
	const minTailBytes = 1024
	if c.Runner.TailBytes < minTailBytes {
		errors = append(errors, ValidationError{
			Field:   "runner.tail_bytes",
			Value:   c.Runner.TailBytes,
			Message: fmt.Sprintf("must be at least %d", minTailBytes),
		})
	}
	if c.Heartbeat.IntervalSeconds > 0 && c.Runner.StallTimeoutSeconds > 0 &&
		c.Heartbeat.IntervalSeconds > c.Runner.StallTimeoutSeconds {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.interval_seconds",
			Value:   c.Heartbeat.IntervalSeconds,
			Message: "must not exceed runner.stall_timeout_seconds",
		})
	}

	return errors
}

// validateBackoff validates the BackoffConfig
func (c *Config) validateBackoff() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("backoff.base_seconds", c.Backoff.BaseSeconds)...)
	if c.Backoff.MaxSeconds < c.Backoff.BaseSeconds {
		errors = append(errors, ValidationError{
			Field:   "backoff.max_seconds",
			Value:   c.Backoff.MaxSeconds,
			Message: "must be at least backoff.base_seconds",
		})
	}
	if c.Backoff.JitterRatio < 0 || c.Backoff.JitterRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "backoff.jitter_ratio",
			Value:   c.Backoff.JitterRatio,
			Message: "must be between 0 and 1",
		})
	}

	return errors
}

// validateSelfHeal validates the SelfHealConfig
func (c *Config) validateSelfHeal() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("self_heal.failure_threshold", c.SelfHeal.FailureThreshold)...)
	errors = append(errors, nonNegative("self_heal.cooldown_seconds", c.SelfHeal.CooldownSeconds)...)
	return errors
}

// validatePromotion validates the PromotionConfig
func (c *Config) validatePromotion() []ValidationError {
	var errors []ValidationError
	p := c.Promotion

	if !p.Enabled {
		return nil
	}

	if strings.TrimSpace(p.TargetBranch) == "" {
		errors = append(errors, ValidationError{
			Field:   "promotion.target_branch",
			Value:   p.TargetBranch,
			Message: "cannot be empty",
		})
	}
	if strings.TrimSpace(p.Remote) == "" {
		errors = append(errors, ValidationError{
			Field:   "promotion.remote",
			Value:   p.Remote,
			Message: "cannot be empty",
		})
	}
	errors = append(errors, validName("promotion.lock_name", p.LockName)...)
	if p.LockName == c.Supervisor.LockName {
		errors = append(errors, ValidationError{
			Field:   "promotion.lock_name",
			Value:   p.LockName,
			Message: "must differ from supervisor.lock_name",
		})
	}

	for i, pattern := range p.ProtectedBranches {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("promotion.protected_branches[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}
	if slices.Contains(p.Lanes, p.TargetBranch) {
		errors = append(errors, ValidationError{
			Field:   "promotion.lanes",
			Value:   p.Lanes,
			Message: "must not include the target branch",
		})
	}

	errors = append(errors, positive("promotion.breaker.failure_threshold", p.Breaker.FailureThreshold)...)
	errors = append(errors, positive("promotion.breaker.open_duration_seconds", p.Breaker.OpenDurationSeconds)...)
	errors = append(errors, nonNegative("promotion.policy_retry.max", p.PolicyRetry.Max)...)
	errors = append(errors, nonNegative("promotion.policy_retry.delay_seconds", p.PolicyRetry.DelaySeconds)...)

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	errors = append(errors, nonNegative("logging.max_size_mb", c.Logging.MaxSizeMB)...)
	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	paths := []struct{ field, path string }{
		{"paths.state_dir", c.Paths.StateDir},
		{"promotion.worktree_dir", c.Promotion.WorktreeDir},
	}
	for _, p := range paths {
		if strings.ContainsRune(p.path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   p.field,
				Value:   p.path,
				Message: "path contains invalid null character",
			})
		}
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.state_dir",
			Value:   c.Paths.StateDir,
			Message: "cannot be empty",
		})
	}

	return errors
}
