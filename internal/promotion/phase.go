package promotion

import (
	"encoding/json"
	"fmt"
)

// Phase is one ordered step of the promotion workflow. Phases are compared
// by ordinal only.
type Phase int

const (
	PhaseVerifyBranches Phase = iota + 1
	PhasePushSources
	PhasePrepareWorktree
	PhaseVerifyPreconditions
	PhaseMergeTarget
	PhasePushTarget
	PhaseCleanLocal
	PhaseCleanRemote
	PhasePruneWorktree
	PhaseComplete
)

var phaseNames = [...]string{
	PhaseVerifyBranches:      "verify-branches",
	PhasePushSources:         "push-sources",
	PhasePrepareWorktree:     "prepare-worktree",
	PhaseVerifyPreconditions: "verify-preconditions",
	PhaseMergeTarget:         "merge-target",
	PhasePushTarget:          "push-target",
	PhaseCleanLocal:          "clean-local",
	PhaseCleanRemote:         "clean-remote",
	PhasePruneWorktree:       "prune-worktree",
	PhaseComplete:            "complete",
}

// Phases returns every phase in execution order.
func Phases() []Phase {
	out := make([]Phase, 0, int(PhaseComplete))
	for p := PhaseVerifyBranches; p <= PhaseComplete; p++ {
		out = append(out, p)
	}
	return out
}

// Ordinal returns the phase's position, starting at 1.
func (p Phase) Ordinal() int {
	return int(p)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p >= PhaseVerifyBranches && p <= PhaseComplete
}

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase resolves a phase name.
func ParsePhase(name string) (Phase, error) {
	for p := PhaseVerifyBranches; p <= PhaseComplete; p++ {
		if phaseNames[p] == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// MarshalJSON encodes the phase by name.
func (p Phase) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot encode invalid phase %d", int(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts a phase name.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePhase(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
