package supervisor

import (
	"context"

	"github.com/Iron-Ham/autoloop/internal/classify"
	"github.com/Iron-Ham/autoloop/internal/store"
)

// Status is the supervisor's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusRetrying Status = "retrying"
	StatusHandoff  Status = "handoff"
	StatusFatal    Status = "fatal"
)

// State is the persisted supervisor snapshot. It is rewritten on every
// transition and only read back by observers.
type State struct {
	Status           Status            `json:"status"`
	FailureStreak    int               `json:"failureStreak"`
	NextDelaySeconds float64           `json:"nextDelaySeconds"`
	Detail           string            `json:"detail"`
	SessionID        string            `json:"sessionId"`
	UpdatedAt        string            `json:"updatedAt"`
	LastFailureClass classify.Category `json:"lastFailureClass"`
	LastSelfHealAt   string            `json:"lastSelfHealAt"`
	Iteration        int               `json:"iteration"`
}

// LoadState reads the last persisted supervisor snapshot.
func LoadState(ctx context.Context, s store.Store) (State, error) {
	var st State
	err := s.Load(ctx, store.KeySupervisor, &st)
	return st, err
}
