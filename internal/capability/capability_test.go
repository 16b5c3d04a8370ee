package capability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calls(names ...string) []ToolCall {
	out := make([]ToolCall, 0, len(names))
	for _, n := range names {
		out = append(out, ToolCall{Name: n})
	}
	return out
}

func TestParseAllowlist(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Allowlist
	}{
		{"nil means all", nil, Allowlist{All: true}},
		{"star string", "*", Allowlist{All: true}},
		{"star in list", []any{"list_tasks", "*"}, Allowlist{All: true}},
		{"string list", []string{"list_tasks", " create_team "}, Allowlist{Names: []string{"list_tasks", "create_team"}}},
		{"plain string", "list_tasks", Allowlist{}},
		{"comma string", "list_tasks,create_team", Allowlist{}},
		{"empty string", "", Allowlist{}},
		{"number", 42, Allowlist{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAllowlist(tt.raw))
		})
	}
}

func TestParseToolCalls(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"name":"list_tasks","arguments":{"status":"todo"}}`),
		json.RawMessage(`{"name":"execute_shell","args":{"command":"ls"}}`),
		json.RawMessage(`"not an object"`),
		json.RawMessage(`{}`),
	}
	got := ParseToolCalls(raw)
	require.Len(t, got, 4)
	assert.Equal(t, "list_tasks", got[0].Name)
	assert.Equal(t, "todo", got[0].Arguments["status"])
	assert.Equal(t, "ls", got[1].Arguments["command"])
	assert.True(t, got[2].Malformed())
	assert.False(t, got[3].Malformed())
	assert.Empty(t, got[3].Name)
}

func TestResolveAllowedTools(t *testing.T) {
	contract := DefaultContract()

	nonAdmin := ResolveAllowedTools(Policy{Allowlist: Allowlist{All: true}}, false, contract)
	assert.Equal(t, []string{"list_tasks", "read_task_timeline"}, SortedNames(nonAdmin))

	admin := ResolveAllowedTools(Policy{Allowlist: Allowlist{All: true}, Denylist: []string{"update_config"}}, true, contract)
	assert.Contains(t, admin, "create_team")
	assert.NotContains(t, admin, "update_config")

	named := ResolveAllowedTools(Policy{Allowlist: Allowlist{Names: []string{"list_tasks", "no_such_tool"}}}, true, contract)
	assert.Equal(t, []string{"list_tasks"}, SortedNames(named))
}

func TestValidateToolCalls(t *testing.T) {
	contract := DefaultContract()

	t.Run("malformed and missing", func(t *testing.T) {
		in := []ToolCall{{malformed: true}, {Name: "  "}}
		v := ValidateToolCalls(in, map[string]struct{}{}, contract, true)
		assert.Equal(t, []string{NameInvalid, NameMissing}, v.Blocked)
		assert.Equal(t, ReasonInvalidCall, v.Reasons[NameInvalid])
		assert.Equal(t, ReasonMissingName, v.Reasons[NameMissing])
	})

	t.Run("unknown tool", func(t *testing.T) {
		v := ValidateToolCalls(calls("rm_rf"), map[string]struct{}{}, contract, true)
		assert.Equal(t, ReasonUnknownTool, v.Reasons["rm_rf"])
	})

	t.Run("admin required regardless of allowlist", func(t *testing.T) {
		allowed := map[string]struct{}{"create_team": {}}
		v := ValidateToolCalls(calls("create_team"), allowed, contract, false)
		assert.Equal(t, ReasonAdminRequired, v.Reasons["create_team"])
	})

	t.Run("admin outside allowlist", func(t *testing.T) {
		allowed := map[string]struct{}{"list_tasks": {}}
		v := ValidateToolCalls(calls("list_tasks", "create_team"), allowed, contract, true)
		assert.Equal(t, []string{"create_team"}, v.Blocked)
		assert.Equal(t, ReasonNotAllowed, v.Reasons["create_team"])
		assert.True(t, v.IsBlocked("create_team"))
		assert.False(t, v.IsBlocked("list_tasks"))
	})

	t.Run("dedup keeps first position", func(t *testing.T) {
		v := ValidateToolCalls(calls("x", "y", "x"), map[string]struct{}{}, contract, true)
		assert.Equal(t, []string{"x", "y"}, v.Blocked)
	})

	t.Run("all allowed", func(t *testing.T) {
		allowed := ResolveAllowedTools(Policy{Allowlist: Allowlist{All: true}}, false, contract)
		v := ValidateToolCalls(calls("list_tasks", "read_task_timeline"), allowed, contract, false)
		assert.True(t, v.OK())
		assert.Empty(t, v.Blocked)
	})
}

func TestBuildContractOverrides(t *testing.T) {
	no := false
	contract := BuildContract(map[string]Override{
		"list_teams":  {RequiresAdmin: &no},
		"custom_tool": {Description: "Custom."},
	})

	assert.False(t, contract["list_teams"].RequiresAdmin)
	assert.Equal(t, CategoryRead, contract["list_teams"].Category)

	custom := contract["custom_tool"]
	assert.Equal(t, CategoryUnknown, custom.Category)
	assert.True(t, custom.RequiresAdmin)
	assert.False(t, custom.MutatesState)
	assert.Equal(t, "Custom.", custom.Description)

	// Defaults are not mutated by overrides.
	assert.True(t, DefaultContract()["list_teams"].RequiresAdmin)
}

func TestDescribe(t *testing.T) {
	r := NewRegistry(Policy{Allowlist: Allowlist{All: true}})
	d := r.Describe(false)
	assert.False(t, d.IsAdmin)
	assert.Equal(t, []string{"list_tasks", "read_task_timeline"}, d.AllowedTools)
	require.Len(t, d.Tools, r.Count())
	for i := 1; i < len(d.Tools); i++ {
		assert.Less(t, d.Tools[i-1].Tool, d.Tools[i].Tool)
	}
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry(Policy{Allowlist: Allowlist{Names: []string{"list_tasks"}}})
	assert.True(t, r.Validate(calls("list_tasks"), false).OK())

	r.Replace(Policy{Allowlist: Allowlist{Names: []string{"read_task_timeline"}}})
	v := r.Validate(calls("list_tasks"), false)
	assert.Equal(t, ReasonNotAllowed, v.Reasons["list_tasks"])

	p := r.Policy()
	p.Allowlist.Names[0] = "mutated"
	assert.Equal(t, []string{"read_task_timeline"}, r.Policy().Allowlist.Names)
}

func TestEvaluateGuardrails(t *testing.T) {
	contract := DefaultContract()

	t.Run("disabled", func(t *testing.T) {
		d := EvaluateGuardrails(calls("create_team", "create_team", "create_team"), contract, GuardrailConfig{})
		assert.True(t, d.Allowed)
		assert.Empty(t, d.Reasons)
	})

	t.Run("within limits", func(t *testing.T) {
		d := EvaluateGuardrails(calls("list_tasks", "create_team"), contract, DefaultGuardrails())
		assert.True(t, d.Allowed)
		assert.Equal(t, 6, d.Details["estimated_cost_units"])
	})

	t.Run("too many calls", func(t *testing.T) {
		d := EvaluateGuardrails(calls("list_tasks", "list_tasks", "list_tasks", "list_tasks", "list_tasks", "list_tasks"), contract, DefaultGuardrails())
		assert.False(t, d.Allowed)
		assert.Equal(t, []string{"guardrail_max_tool_calls_exceeded"}, d.Reasons)
		assert.Empty(t, d.Blocked)
	})

	t.Run("external calls block the batch", func(t *testing.T) {
		d := EvaluateGuardrails(calls("list_tasks", "create_team", "delete_team", "update_config"), contract, DefaultGuardrails())
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reasons, "guardrail_max_external_calls_exceeded")
		assert.Equal(t, []string{"list_tasks", "create_team", "delete_team", "update_config"}, d.Blocked)
	})

	t.Run("cost", func(t *testing.T) {
		cfg := DefaultGuardrails()
		cfg.ClassCostUnits = map[string]int{CategoryRead: 11}
		d := EvaluateGuardrails(calls("list_tasks", "read_task_timeline"), contract, cfg)
		assert.Equal(t, []string{"guardrail_max_estimated_cost_exceeded"}, d.Reasons)
		assert.Len(t, d.Blocked, 2)
	})

	t.Run("class limit and blocked class", func(t *testing.T) {
		cfg := DefaultGuardrails()
		cfg.ClassLimits = map[string]int{CategoryRead: 1}
		cfg.BlockedClasses = []string{CategoryAdmin}
		d := EvaluateGuardrails(calls("list_tasks", "list_tasks", "update_config"), contract, cfg)
		assert.False(t, d.Allowed)
		assert.Equal(t, []string{"list_tasks", "update_config"}, d.Blocked)
		assert.Equal(t, []string{"guardrail_class_limit_exceeded:read", "guardrail_class_blocked:admin"}, d.Reasons)
	})

	t.Run("unknown tool uses unknown class", func(t *testing.T) {
		d := EvaluateGuardrails(calls("mystery"), contract, DefaultGuardrails())
		assert.Equal(t, map[string]int{CategoryUnknown: 1}, d.Details["counts_by_class"])
	})
}
