package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IncidentFileName is written to the state directory on every self-heal.
const IncidentFileName = "incident.md"

func (s *Supervisor) incidentReport(fatal bool) []byte {
	var b strings.Builder
	b.WriteString("# autoloop incident\n\n")
	fmt.Fprintf(&b, "- session: %s\n", s.state.SessionID)
	fmt.Fprintf(&b, "- iteration: %d\n", s.state.Iteration)
	fmt.Fprintf(&b, "- failure streak: %d\n", s.state.FailureStreak)
	fmt.Fprintf(&b, "- category: %s\n", categoryOrNone(string(s.state.LastFailureClass)))
	fmt.Fprintf(&b, "- fatal: %t\n\n", fatal)

	stateJSON, _ := json.MarshalIndent(s.state, "", "  ")
	b.WriteString("## Supervisor state\n\n```json\n")
	b.Write(stateJSON)
	b.WriteString("\n```\n\n")

	hbJSON, _ := json.MarshalIndent(s.deps.Heartbeat.Current(), "", "  ")
	b.WriteString("## Heartbeat\n\n```json\n")
	b.Write(hbJSON)
	b.WriteString("\n```\n\n")

	b.WriteString("## Output tail\n\n```\n")
	b.WriteString(strings.TrimRight(s.lastTail, "\n"))
	b.WriteString("\n```\n")
	return []byte(b.String())
}

func writeIncident(dir string, report []byte) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, IncidentFileName), report, 0644)
}

func categoryOrNone(c string) string {
	if c == "" {
		return "none"
	}
	return c
}
