// Package quality decides whether reported task output is good enough to
// mark the task completed.
package quality

import (
	"strings"

	"github.com/ananta888/ananta/internal/models"
)

// Gate reasons.
const (
	ReasonDisabled             = "quality_gates_disabled"
	ReasonNonZeroExit          = "non_zero_exit_code"
	ReasonInsufficientOutput   = "insufficient_output_evidence"
	ReasonPassedGeneric        = "passed_generic"
	ReasonPassedCodingMarkers  = "passed_coding_markers"
	ReasonMissingCodingMarkers = "missing_coding_quality_markers"
)

// Policy configures the gate. Empty lists fall back to the defaults.
type Policy struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	CodingKeywords []string `mapstructure:"coding_keywords" yaml:"coding_keywords"`
	OutputMarkers  []string `mapstructure:"required_output_markers" yaml:"required_output_markers"`
	MinOutputChars int      `mapstructure:"min_output_chars" yaml:"min_output_chars"`
}

// DefaultPolicy returns the enabled default policy.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:        true,
		CodingKeywords: []string{"code", "implement", "fix", "refactor", "bug", "test", "feature", "endpoint"},
		OutputMarkers:  []string{"test", "pytest", "passed", "success", "lint", "ok"},
		MinOutputChars: 8,
	}
}

// Evaluate checks output and exit code for task. A task whose title or
// description looks like coding work must show one of the output markers.
func Evaluate(task *models.Task, output string, exitCode *int, p Policy) models.GateResults {
	def := DefaultPolicy()
	if len(p.CodingKeywords) == 0 {
		p.CodingKeywords = def.CodingKeywords
	}
	if len(p.OutputMarkers) == 0 {
		p.OutputMarkers = def.OutputMarkers
	}
	if p.MinOutputChars <= 0 {
		p.MinOutputChars = def.MinOutputChars
	}

	checks := map[string]any{}
	result := func(passed bool, reason string) models.GateResults {
		return models.GateResults{Passed: passed, Reason: reason, Checks: checks}
	}

	if !p.Enabled {
		return result(true, ReasonDisabled)
	}
	if exitCode != nil {
		checks["exit_code"] = *exitCode
		if *exitCode != 0 {
			return result(false, ReasonNonZeroExit)
		}
	}

	out := strings.TrimSpace(output)
	checks["output_chars"] = len([]rune(out))
	if len([]rune(out)) < p.MinOutputChars {
		return result(false, ReasonInsufficientOutput)
	}

	var text string
	if task != nil {
		text = strings.ToLower(task.Title + " " + task.Description)
	}
	coding := containsAny(text, p.CodingKeywords)
	checks["coding_like"] = coding
	if !coding {
		return result(true, ReasonPassedGeneric)
	}

	if containsAny(strings.ToLower(out), p.OutputMarkers) {
		return result(true, ReasonPassedCodingMarkers)
	}
	return result(false, ReasonMissingCodingMarkers)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}
