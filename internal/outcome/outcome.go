// Package outcome defines the run-outcome vocabulary shared by the task
// iteration runner, the promotion engine and the supervisor loop, together
// with its process exit-code encoding.
package outcome

import (
	"fmt"
	"os"
	"syscall"
)

// Exit codes at the process boundary.
const (
	ExitOK        = 0
	ExitComplete  = 10
	ExitRetryable = 20
	ExitFatal     = 30
)

// Kind is the category of a run outcome.
type Kind string

const (
	KindOK        Kind = "ok"
	KindComplete  Kind = "complete"
	KindRetryable Kind = "retryable"
	KindFatal     Kind = "fatal"
	KindUnknown   Kind = "unknown"
)

// Outcome is produced once per runner or engine invocation and consumed
// exactly once by the caller. Code is only meaningful for KindUnknown.
type Outcome struct {
	Kind Kind
	Code int
}

var (
	OK        = Outcome{Kind: KindOK, Code: ExitOK}
	Complete  = Outcome{Kind: KindComplete, Code: ExitComplete}
	Retryable = Outcome{Kind: KindRetryable, Code: ExitRetryable}
	Fatal     = Outcome{Kind: KindFatal, Code: ExitFatal}
)

// Unknown returns the outcome for an unrecognized exit code.
func Unknown(code int) Outcome {
	return Outcome{Kind: KindUnknown, Code: code}
}

// FromExitCode decodes a process exit status.
func FromExitCode(code int) Outcome {
	switch code {
	case ExitOK:
		return OK
	case ExitComplete:
		return Complete
	case ExitRetryable:
		return Retryable
	case ExitFatal:
		return Fatal
	default:
		return Unknown(code)
	}
}

// ExitCode encodes the outcome as a process exit status.
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case KindOK:
		return ExitOK
	case KindComplete:
		return ExitComplete
	case KindRetryable:
		return ExitRetryable
	case KindFatal:
		return ExitFatal
	default:
		return o.Code
	}
}

func (o Outcome) String() string {
	if o.Kind == KindUnknown {
		return fmt.Sprintf("unknown(%d)", o.Code)
	}
	return string(o.Kind)
}

// SignalExitCode maps a termination signal to the conventional 128+signo
// exit status so external termination is distinguishable from run outcomes.
func SignalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 128
}
