package classify

import (
	"strings"
	"testing"
)

func TestClassify_Default(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		output   string
		want     Category
	}{
		{"command not found", 127, "sh: claude: command not found", ConfigFatal},
		{"missing file", 1, "open config.json: No such file or directory", ConfigFatal},
		{"node module", 1, "Error: Cannot find module 'x'", ConfigFatal},
		{"enoent", 1, "spawn ENOENT", ConfigFatal},
		{"caller detected", 30, "missing required file: claude", ConfigFatal},
		{"required branch", 30, "required branch missing: agent/t1", PolicyTerminal},
		{"target branch", 30, "target branch missing: main", PolicyTerminal},
		{"dirty tree", 30, "dirty working tree", PolicyTerminal},
		{"gate", 30, "gate failed: exit 1", PolicyTerminal},
		{"merge", 30, "merge failed", PolicyTerminal},
		{"exit 20", 20, "network hiccup", Retryable},
		{"exit 30", 30, "boom", PolicyTerminal},
		{"other", 1, "boom", Unknown},
		{"zero", 0, "", Unknown},
		{"config beats policy", 30, "command not found\ngate failed", ConfigFatal},
		{"text beats exit code", 20, "dirty working tree", PolicyTerminal},
	}

	c := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.exitCode, tt.output); got != tt.want {
				t.Errorf("Classify(%d, %q) = %q, want %q", tt.exitCode, tt.output, got, tt.want)
			}
		})
	}
}

func TestClassify_EachRuleIndependently(t *testing.T) {
	for _, rule := range DefaultRules() {
		t.Run(rule.Name, func(t *testing.T) {
			c := New(rule)
			var exit int
			var output string
			switch rule.Name {
			case "environment":
				output = ConfigFatalSignatures[0]
			case "promotion-policy":
				output = PolicyTerminalSignatures[0]
			case "exit-retryable":
				exit = 20
			case "exit-fatal":
				exit = 30
			}
			got, name := c.Explain(exit, output)
			if got != rule.Category || name != rule.Name {
				t.Errorf("Explain() = %q/%q, want %q/%q", got, name, rule.Category, rule.Name)
			}
			if got := c.Classify(0, "nothing interesting"); got != Unknown {
				t.Errorf("non-matching input = %q, want unknown", got)
			}
		})
	}
}

func TestClassify_CustomOrder(t *testing.T) {
	c := New(
		Rule{Name: "first", Category: Retryable, Match: Contains("x")},
		Rule{Name: "second", Category: ConfigFatal, Match: Contains("x")},
	)
	if got := c.Classify(0, "x"); got != Retryable {
		t.Errorf("Classify() = %q, want first rule to win", got)
	}
}

func TestCategory_Terminal(t *testing.T) {
	if !ConfigFatal.Terminal() || !PolicyTerminal.Terminal() {
		t.Error("config-fatal and policy-terminal are terminal")
	}
	if Retryable.Terminal() || Unknown.Terminal() || None.Terminal() {
		t.Error("retryable/unknown/none are not terminal")
	}
}

func TestSignature(t *testing.T) {
	if Signature("  \n\n") != "" {
		t.Error("blank output should have empty signature")
	}

	a := Signature("starting\nerror: pid 123 exited at 10:01\n\n")
	b := Signature("starting\nerror: pid 456 exited at 11:22\n")
	if a != b {
		t.Errorf("signatures differ only by numbers: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "error: pid N exited at N:N #") {
		t.Errorf("Signature() = %q", a)
	}

	c := Signature("starting\nerror: something else\n")
	if a == c {
		t.Error("different outputs should have different signatures")
	}

	long := Signature(strings.Repeat("é", 500))
	if len(long) > MaxSignatureLen {
		t.Errorf("len(Signature) = %d, want <= %d", len(long), MaxSignatureLen)
	}
	if !strings.Contains(long, " #") {
		t.Errorf("long signature missing digest: %q", long)
	}
}
