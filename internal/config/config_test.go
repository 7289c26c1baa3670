package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	// Verify default supervisor config
	if cfg.Supervisor.BaseDelaySeconds != 5 {
		t.Errorf("Supervisor.BaseDelaySeconds = %d, want 5", cfg.Supervisor.BaseDelaySeconds)
	}
	if cfg.Supervisor.MaxRetryableFailures != 10 {
		t.Errorf("Supervisor.MaxRetryableFailures = %d, want 10", cfg.Supervisor.MaxRetryableFailures)
	}
	if cfg.Supervisor.LockName != "supervisor" {
		t.Errorf("Supervisor.LockName = %q, want %q", cfg.Supervisor.LockName, "supervisor")
	}

	// Verify default runner config
	if !slices.Equal(cfg.Runner.Command, []string{"claude", "-p", "{{instruction}}"}) {
		t.Errorf("Runner.Command = %v", cfg.Runner.Command)
	}
	if cfg.Runner.CompletionMarker != "<promise>COMPLETE</promise>" {
		t.Errorf("Runner.CompletionMarker = %q", cfg.Runner.CompletionMarker)
	}
	if cfg.Runner.TailBytes != 65536 {
		t.Errorf("Runner.TailBytes = %d, want 65536", cfg.Runner.TailBytes)
	}

	// Verify default promotion config
	if !cfg.Promotion.Enabled {
		t.Error("Promotion.Enabled should be true by default")
	}
	if cfg.Promotion.TargetBranch != "main" || cfg.Promotion.Remote != "origin" {
		t.Errorf("Promotion target = %s/%s", cfg.Promotion.Remote, cfg.Promotion.TargetBranch)
	}
	if !slices.Contains(cfg.Promotion.ProtectedBranches, "release/*") {
		t.Errorf("Promotion.ProtectedBranches = %v", cfg.Promotion.ProtectedBranches)
	}

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default().Validate() = %v", errs)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"base delay", cfg.Supervisor.BaseDelay(), 5 * time.Second},
		{"completion delay", cfg.Supervisor.CompletionDelay(), 2 * time.Second},
		{"heartbeat interval", cfg.Heartbeat.Interval(), 30 * time.Second},
		{"min publish interval", cfg.Heartbeat.MinPublishInterval(), time.Second},
		{"stall timeout", cfg.Runner.StallTimeout(), 15 * time.Minute},
		{"kill grace", cfg.Runner.KillGrace(), 10 * time.Second},
		{"backoff base", cfg.Backoff.Base(), 5 * time.Second},
		{"backoff max", cfg.Backoff.Max(), 5 * time.Minute},
		{"self-heal cooldown", cfg.SelfHeal.Cooldown(), 30 * time.Minute},
		{"breaker open", cfg.Promotion.Breaker.OpenDuration(), 30 * time.Minute},
		{"policy retry delay", cfg.Promotion.PolicyRetry.Delay(), 15 * time.Second},
		{"lock stale grace", cfg.Lock.StaleGrace(), 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestResolveStateDir(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		name     string
		stateDir string
		want     string
	}{
		{"empty uses default", "", filepath.Join("/repo", ".autoloop")},
		{"relative", "state", filepath.Join("/repo", "state")},
		{"absolute", "/var/lib/autoloop", "/var/lib/autoloop"},
		{"home", "~/autoloop", filepath.Join(home, "autoloop")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PathsConfig{StateDir: tt.stateDir}
			if got := p.ResolveStateDir("/repo"); got != tt.want {
				t.Errorf("ResolveStateDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPromotionConfig_ResolveWorktreeDir(t *testing.T) {
	p := PromotionConfig{}
	if got := p.ResolveWorktreeDir("/repo", "/repo/.autoloop"); got != "/repo/.autoloop/merge" {
		t.Errorf("default = %q", got)
	}
	p.WorktreeDir = "../merge"
	if got := p.ResolveWorktreeDir("/repo", "/repo/.autoloop"); got != "/merge" {
		t.Errorf("relative = %q", got)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/autoloop" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/autoloop")
		}
		if got := ConfigFile(); got != "/custom/config/autoloop/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "autoloop")
		if got := ConfigDir(); got != expected {
			t.Errorf("ConfigDir() = %q, want %q", got, expected)
		}
	})
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
supervisor:
  max_retryable_failures: 4
runner:
  command: ["my-agent", "--prompt", "{{instruction}}"]
promotion:
  target_branch: develop
  gate_command: ["make", "check"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	SetDefaults()
	viper.SetConfigFile(path)
	viper.SetEnvPrefix("AUTOLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	t.Setenv("AUTOLOOP_BACKOFF_MAX_SECONDS", "600")
	if err := viper.ReadInConfig(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Supervisor.MaxRetryableFailures != 4 {
		t.Errorf("MaxRetryableFailures = %d, want 4", cfg.Supervisor.MaxRetryableFailures)
	}
	if cfg.Runner.Command[0] != "my-agent" {
		t.Errorf("Runner.Command = %v", cfg.Runner.Command)
	}
	if cfg.Promotion.TargetBranch != "develop" || !slices.Equal(cfg.Promotion.GateCommand, []string{"make", "check"}) {
		t.Errorf("Promotion = %+v", cfg.Promotion)
	}
	if cfg.Backoff.MaxSeconds != 600 {
		t.Errorf("Backoff.MaxSeconds = %d, want env override 600", cfg.Backoff.MaxSeconds)
	}
	// Untouched values keep their defaults
	if cfg.Heartbeat.IntervalSeconds != 30 {
		t.Errorf("Heartbeat.IntervalSeconds = %d, want 30", cfg.Heartbeat.IntervalSeconds)
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("backoff.jitter_ratio", 2.5)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() accepted an invalid jitter ratio")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok || len(verrs) != 1 || verrs[0].Field != "backoff.jitter_ratio" {
		t.Errorf("Load() error = %v", err)
	}

	if cfg := Get(); cfg.Backoff.JitterRatio != 0.2 {
		t.Errorf("Get() should fall back to defaults, got jitter %v", cfg.Backoff.JitterRatio)
	}
}
