package runner

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/autoloop/internal/errors"
	"github.com/Iron-Ham/autoloop/internal/heartbeat"
	"github.com/Iron-Ham/autoloop/internal/outcome"
	"github.com/Iron-Ham/autoloop/internal/store"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based runner tests require a unix shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func newTestRunner(t *testing.T, script string, mutate func(*Config)) (*Runner, *store.MemoryStore, string) {
	t.Helper()
	scratch := t.TempDir()
	mem := store.NewMemoryStore()
	cfg := Config{
		Command:           []string{"sh", "-c", script},
		Instruction:       "do the task",
		ScratchDir:        scratch,
		StallTimeout:      5 * time.Second,
		KillGrace:         200 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reporter := heartbeat.NewReporter(mem, heartbeat.WithMinInterval(0))
	return New(cfg, reporter), mem, scratch
}

func TestRunOnce_OutcomeMapping(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name     string
		script   string
		want     outcome.Kind
		wantCode int
	}{
		{"exit zero without marker", "echo working; exit 0", outcome.KindOK, 0},
		{"completion marker", "echo '<promise>COMPLETE</promise>'", outcome.KindComplete, 0},
		{"marker wins over nonzero exit", "echo '<promise>COMPLETE</promise>'; exit 4", outcome.KindComplete, 4},
		{"nonzero exit", "echo oops >&2; exit 3", outcome.KindRetryable, 3},
		{"exit code 30 is still retryable", "exit 30", outcome.KindRetryable, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, scratch := newTestRunner(t, tt.script, nil)
			res := r.RunOnce(context.Background())

			if res.Outcome.Kind != tt.want {
				t.Errorf("Outcome = %v, want %v (tail %q, err %v)", res.Outcome, tt.want, res.Tail, res.Err)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if res.Stalled {
				t.Error("Stalled = true")
			}

			entries, err := os.ReadDir(scratch)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Errorf("scratch log not removed: %d entries", len(entries))
			}
		})
	}
}

func TestRunOnce_InterleavesStderr(t *testing.T) {
	requireShell(t)
	r, _, _ := newTestRunner(t, "echo out; echo err >&2", nil)
	res := r.RunOnce(context.Background())
	if !strings.Contains(res.Tail, "out") || !strings.Contains(res.Tail, "err") {
		t.Errorf("Tail = %q, want both streams", res.Tail)
	}
}

func TestRunOnce_InstructionDelivery(t *testing.T) {
	requireShell(t)

	t.Run("placeholder argument", func(t *testing.T) {
		r, _, _ := newTestRunner(t, "", func(c *Config) {
			c.Command = []string{"sh", "-c", "echo \"got: $0\"", "{{instruction}}"}
		})
		res := r.RunOnce(context.Background())
		if !strings.Contains(res.Tail, "got: do the task") {
			t.Errorf("Tail = %q", res.Tail)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		r, _, _ := newTestRunner(t, "cat", nil)
		res := r.RunOnce(context.Background())
		if !strings.Contains(res.Tail, "do the task") {
			t.Errorf("Tail = %q", res.Tail)
		}
	})
}

func TestRunOnce_Stall(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name   string
		script string
	}{
		{"terminates on SIGTERM", "echo start; sleep 30"},
		{"escalates to SIGKILL", "trap '' TERM; echo start; sleep 30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRunner(t, tt.script, func(c *Config) {
				c.StallTimeout = 150 * time.Millisecond
			})

			started := time.Now()
			res := r.RunOnce(context.Background())
			if elapsed := time.Since(started); elapsed > 10*time.Second {
				t.Fatalf("RunOnce took %v, stall was not enforced", elapsed)
			}
			if !res.Stalled {
				t.Fatalf("Stalled = false, outcome %v tail %q", res.Outcome, res.Tail)
			}
			if res.Outcome.Kind != outcome.KindRetryable {
				t.Errorf("Outcome = %v, want retryable", res.Outcome)
			}
			if !errors.Is(res.Err, errors.ErrStalled) {
				t.Errorf("Err = %v, want ErrStalled", res.Err)
			}
		})
	}
}

func TestRunOnce_StallWithoutReporter(t *testing.T) {
	requireShell(t)
	r := New(Config{
		Command:           []string{"sh", "-c", "echo start; sleep 30"},
		ScratchDir:        t.TempDir(),
		StallTimeout:      150 * time.Millisecond,
		KillGrace:         200 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}, nil)

	started := time.Now()
	res := r.RunOnce(context.Background())
	if elapsed := time.Since(started); elapsed > 10*time.Second {
		t.Fatalf("RunOnce took %v, stall was not enforced", elapsed)
	}
	if !res.Stalled || !errors.Is(res.Err, errors.ErrStalled) {
		t.Errorf("Stalled = %v, Err = %v; want a stall", res.Stalled, res.Err)
	}
}

func TestRunOnce_ContinuousOutputIsNotStalled(t *testing.T) {
	requireShell(t)
	r, _, _ := newTestRunner(t, "for i in 1 2 3 4 5 6; do echo $i; sleep 0.05; done", func(c *Config) {
		c.StallTimeout = 200 * time.Millisecond
	})
	res := r.RunOnce(context.Background())
	if res.Stalled || res.Outcome.Kind != outcome.KindOK {
		t.Errorf("got stalled=%v outcome=%v", res.Stalled, res.Outcome)
	}
}

func TestRunOnce_ContextCanceled(t *testing.T) {
	requireShell(t)
	r, _, _ := newTestRunner(t, "sleep 30", nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := r.RunOnce(ctx)
	if res.Outcome.Kind != outcome.KindRetryable {
		t.Errorf("Outcome = %v, want retryable", res.Outcome)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
}

func TestRunOnce_MissingExecutor(t *testing.T) {
	r, _, _ := newTestRunner(t, "", func(c *Config) {
		c.Command = []string{"definitely-not-an-executor-xyz"}
	})
	res := r.RunOnce(context.Background())
	if res.Outcome.Kind != outcome.KindFatal {
		t.Errorf("Outcome = %v, want fatal", res.Outcome)
	}
	if !strings.Contains(res.Tail, "missing required file: definitely-not-an-executor-xyz") {
		t.Errorf("Tail = %q", res.Tail)
	}
	if !errors.Is(res.Err, errors.ErrExecutorMissing) {
		t.Errorf("Err = %v", res.Err)
	}
}

type failingLauncher struct{}

func (failingLauncher) Start(context.Context, Spec) (Process, error) {
	return nil, errors.New("fork failed")
}

func TestRunOnce_SpawnError(t *testing.T) {
	r, mem, _ := newTestRunner(t, "", func(c *Config) {
		c.Command = []string{"fake"}
	})
	r.launcher = failingLauncher{}
	r.lookPath = func(name string) (string, error) { return "/bin/" + name, nil }

	res := r.RunOnce(context.Background())
	if res.Outcome.Kind != outcome.KindRetryable {
		t.Errorf("Outcome = %v, want retryable", res.Outcome)
	}

	var hb heartbeat.Heartbeat
	if err := mem.Load(context.Background(), store.KeyHeartbeat, &hb); err != nil {
		t.Fatal(err)
	}
	if hb.Phase != "finished" || hb.Status != "retryable" {
		t.Errorf("heartbeat = %+v", hb)
	}
}

// fakeProcess never exits on Terminate, only on Kill.
type fakeProcess struct {
	exit       chan int
	terminated bool
	killed     bool
}

func (p *fakeProcess) PID() int           { return 4242 }
func (p *fakeProcess) Wait() (int, error) { return <-p.exit, nil }
func (p *fakeProcess) Terminate() error   { p.terminated = true; return nil }
func (p *fakeProcess) Kill() error        { p.killed = true; p.exit <- -1; return nil }

type fakeLauncher struct{ proc *fakeProcess }

func (l fakeLauncher) Start(context.Context, Spec) (Process, error) { return l.proc, nil }

func TestRunOnce_EscalationProtocol(t *testing.T) {
	proc := &fakeProcess{exit: make(chan int, 1)}
	r, _, _ := newTestRunner(t, "", func(c *Config) {
		c.Command = []string{"fake"}
		c.StallTimeout = 50 * time.Millisecond
		c.KillGrace = 50 * time.Millisecond
	})
	r.launcher = fakeLauncher{proc: proc}
	r.lookPath = func(name string) (string, error) { return name, nil }

	res := r.RunOnce(context.Background())
	if !proc.terminated || !proc.killed {
		t.Errorf("terminated=%v killed=%v, want both", proc.terminated, proc.killed)
	}
	if !res.Stalled || res.Outcome.Kind != outcome.KindRetryable {
		t.Errorf("got stalled=%v outcome=%v", res.Stalled, res.Outcome)
	}
}

func TestTailBuffer(t *testing.T) {
	b := NewTailBuffer(8)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	if got := b.String(); got != "lo world" {
		t.Errorf("String() = %q, want %q", got, "lo world")
	}
	_, _ = b.Write([]byte("0123456789"))
	if got := b.String(); got != "23456789" {
		t.Errorf("String() = %q, want %q", got, "23456789")
	}
	if b.Len() != 8 {
		t.Errorf("Len() = %d", b.Len())
	}
}
