package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ananta888/ananta/internal/models"
)

func intPtr(v int) *int { return &v }

func TestEvaluate(t *testing.T) {
	coding := &models.Task{Title: "Fix login", Description: "the login form crashes"}
	generic := &models.Task{Title: "Summarize", Description: "write release notes"}

	tests := []struct {
		name     string
		task     *models.Task
		output   string
		exitCode *int
		policy   Policy
		passed   bool
		reason   string
	}{
		{"disabled", coding, "", intPtr(1), Policy{}, true, ReasonDisabled},
		{"non-zero exit", coding, "all tests passed", intPtr(2), DefaultPolicy(), false, ReasonNonZeroExit},
		{"short output", coding, "  ok  ", nil, DefaultPolicy(), false, ReasonInsufficientOutput},
		{"generic", generic, "notes drafted", intPtr(0), DefaultPolicy(), true, ReasonPassedGeneric},
		{"coding with marker", coding, "12 tests PASSED", nil, DefaultPolicy(), true, ReasonPassedCodingMarkers},
		{"coding without marker", coding, "changed three files", nil, DefaultPolicy(), false, ReasonMissingCodingMarkers},
		{"custom markers", coding, "deployed to staging", nil, Policy{Enabled: true, OutputMarkers: []string{"deployed"}}, true, ReasonPassedCodingMarkers},
		{"custom minimum", generic, "done", nil, Policy{Enabled: true, MinOutputChars: 3}, true, ReasonPassedGeneric},
		{"nil task", nil, "some output", nil, DefaultPolicy(), true, ReasonPassedGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.task, tt.output, tt.exitCode, tt.policy)
			assert.Equal(t, tt.passed, got.Passed)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestEvaluateChecks(t *testing.T) {
	got := Evaluate(&models.Task{Title: "implement endpoint"}, "lint ok, tests passed", intPtr(0), DefaultPolicy())
	assert.Equal(t, 0, got.Checks["exit_code"])
	assert.Equal(t, true, got.Checks["coding_like"])
	assert.Equal(t, 21, got.Checks["output_chars"])
}
