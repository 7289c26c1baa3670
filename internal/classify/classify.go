// Package classify maps an exit code and combined output to a failure
// category using an ordered table of rules.
package classify

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// Category is a failure class driving recovery policy.
type Category string

const (
	None           Category = ""
	ConfigFatal    Category = "config-fatal"
	PolicyTerminal Category = "policy-terminal"
	Retryable      Category = "retryable"
	Unknown        Category = "unknown"
)

// Terminal reports whether blind retry cannot resolve the category.
func (c Category) Terminal() bool {
	return c == ConfigFatal || c == PolicyTerminal
}

// Rule assigns Category when Match returns true.
type Rule struct {
	Name     string
	Category Category
	Match    func(exitCode int, output string) bool
}

// Contains matches when output contains any of the substrings.
func Contains(subs ...string) func(int, string) bool {
	return func(_ int, output string) bool {
		for _, s := range subs {
			if strings.Contains(output, s) {
				return true
			}
		}
		return false
	}
}

// ExitCode matches a specific exit code.
func ExitCode(code int) func(int, string) bool {
	return func(exitCode int, _ string) bool { return exitCode == code }
}

// Classifier evaluates rules top-down; the first match wins.
type Classifier struct {
	rules []Rule
}

// ConfigFatalSignatures are output fragments indicating a broken environment.
var ConfigFatalSignatures = []string{
	"command not found",
	"No such file or directory",
	"cannot find module",
	"Cannot find module",
	"ENOENT",
	"missing required file",
	"executable file not found",
}

// PolicyTerminalSignatures are output fragments raised by promotion phases.
var PolicyTerminalSignatures = []string{
	"required branch missing",
	"target branch missing",
	"dirty working tree",
	"gate failed",
	"merge failed",
}

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "environment", Category: ConfigFatal, Match: Contains(ConfigFatalSignatures...)},
		{Name: "promotion-policy", Category: PolicyTerminal, Match: Contains(PolicyTerminalSignatures...)},
		{Name: "exit-retryable", Category: Retryable, Match: ExitCode(20)},
		{Name: "exit-fatal", Category: PolicyTerminal, Match: ExitCode(30)},
	}
}

// Default returns a classifier with the built-in rules.
func Default() *Classifier {
	return New(DefaultRules()...)
}

// New builds a classifier from rules in priority order.
func New(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Classify returns the category of the first matching rule, or Unknown.
func (c *Classifier) Classify(exitCode int, output string) Category {
	category, _ := c.Explain(exitCode, output)
	return category
}

// Explain is Classify plus the name of the rule that matched.
func (c *Classifier) Explain(exitCode int, output string) (Category, string) {
	for _, r := range c.rules {
		if r.Match != nil && r.Match(exitCode, output) {
			return r.Category, r.Name
		}
	}
	return Unknown, ""
}

// Rules returns a copy of the rule table.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// MaxSignatureLen bounds Signature output.
const MaxSignatureLen = 200

var (
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	digitsPattern = regexp.MustCompile(`[0-9]+`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

func normalize(output string) string {
	output = ansiPattern.ReplaceAllString(output, "")
	output = digitsPattern.ReplaceAllString(output, "N")
	return output
}

// Signature summarizes output as its last meaningful line plus a short digest
// of the whole normalized text. Numbers are folded so that repeated failures
// differing only in pids or timestamps share a signature.
func Signature(output string) string {
	norm := strings.TrimSpace(normalize(output))
	if norm == "" {
		return ""
	}

	var last string
	lines := strings.Split(norm, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(spacePattern.ReplaceAllString(lines[i], " "))
		if line != "" {
			last = line
			break
		}
	}

	sum := blake3.Sum256([]byte(norm))
	digest := hex.EncodeToString(sum[:6])

	// "<line> #<digest>"
	room := MaxSignatureLen - len(digest) - 2
	if len(last) > room {
		last = truncateUTF8(last, room)
	}
	return last + " #" + digest
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
