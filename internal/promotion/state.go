package promotion

import (
	"context"
	"strings"

	"github.com/Iron-Ham/autoloop/internal/store"
)

// Key identifies one workflow instance.
type Key struct {
	Agent  string `json:"agent"`
	Task   string `json:"task"`
	Target string `json:"target"`
}

func (k Key) String() string {
	return k.Agent + "/" + k.Task + "->" + k.Target
}

// Slug is a filesystem-safe rendering of the key.
func (k Key) Slug() string {
	r := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-", "..", "-")
	return r.Replace(k.Agent + "_" + k.Task + "_" + k.Target)
}

// Status of a workflow instance.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusComplete Status = "complete"
)

// WorkflowState is the persisted workflow document. Phase is the next phase
// to execute; every phase with a lower ordinal has completed.
type WorkflowState struct {
	Key               Key    `json:"key"`
	Phase             Phase  `json:"phase"`
	Status            Status `json:"status"`
	MergeWorktreePath string `json:"mergeWorktreePath"`
	Reason            string `json:"reason"`
	StartedAt         string `json:"startedAt"`
	UpdatedAt         string `json:"updatedAt"`
	CompletedAt       string `json:"completedAt"`
}

// LoadState reads the persisted workflow document.
func LoadState(ctx context.Context, s store.Store) (WorkflowState, error) {
	var st WorkflowState
	err := s.Load(ctx, store.KeyWorkflow, &st)
	return st, err
}
