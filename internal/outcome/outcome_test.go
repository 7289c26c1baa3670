package outcome

import (
	"syscall"
	"testing"
)

func TestFromExitCode(t *testing.T) {
	tests := []struct {
		code int
		want Outcome
	}{
		{0, OK},
		{10, Complete},
		{20, Retryable},
		{30, Fatal},
		{1, Unknown(1)},
		{137, Unknown(137)},
	}
	for _, tt := range tests {
		got := FromExitCode(tt.code)
		if got != tt.want {
			t.Errorf("FromExitCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
		if got.ExitCode() != tt.code {
			t.Errorf("FromExitCode(%d).ExitCode() = %d", tt.code, got.ExitCode())
		}
	}
}

func TestOutcome_String(t *testing.T) {
	if OK.String() != "ok" {
		t.Errorf("OK.String() = %q", OK.String())
	}
	if Unknown(7).String() != "unknown(7)" {
		t.Errorf("Unknown(7).String() = %q", Unknown(7).String())
	}
}

func TestSignalExitCode(t *testing.T) {
	tests := []struct {
		sig  syscall.Signal
		want int
	}{
		{syscall.SIGHUP, 129},
		{syscall.SIGINT, 130},
		{syscall.SIGTERM, 143},
	}
	for _, tt := range tests {
		if got := SignalExitCode(tt.sig); got != tt.want {
			t.Errorf("SignalExitCode(%v) = %d, want %d", tt.sig, got, tt.want)
		}
	}
}
