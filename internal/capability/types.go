// Package capability implements the tool capability contract that every
// model-proposed tool call is checked against before execution.
package capability

import (
	"encoding/json"
	"strings"
)

// Categories of tools.
const (
	CategoryRead    = "read"
	CategoryWrite   = "write"
	CategoryAdmin   = "admin"
	CategoryUnknown = "unknown"
)

// Names used for calls that cannot be attributed to a tool.
const (
	NameInvalid = "<invalid>"
	NameMissing = "<missing>"
)

// Block reasons reported per tool name.
const (
	ReasonInvalidCall   = "invalid_tool_call"
	ReasonMissingName   = "missing_tool_name"
	ReasonUnknownTool   = "unknown_tool"
	ReasonAdminRequired = "admin_required_for_mutating_tool"
	ReasonNotAllowed    = "tool_not_allowed_by_capability_contract"
)

const wildcard = "*"

// ToolCapability describes one tool in the contract.
type ToolCapability struct {
	Tool          string `json:"name" yaml:"name"`
	Category      string `json:"category" yaml:"category"`
	RequiresAdmin bool   `json:"requires_admin" yaml:"requires_admin"`
	MutatesState  bool   `json:"mutates_state" yaml:"mutates_state"`
	Description   string `json:"description" yaml:"description"`
}

// Override replaces selected fields of a capability. Nil fields inherit
// from the default entry.
type Override struct {
	Category      string `json:"category,omitempty" yaml:"category,omitempty" mapstructure:"category"`
	RequiresAdmin *bool  `json:"requires_admin,omitempty" yaml:"requires_admin,omitempty" mapstructure:"requires_admin"`
	MutatesState  *bool  `json:"mutates_state,omitempty" yaml:"mutates_state,omitempty" mapstructure:"mutates_state"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
}

// Contract maps tool names to capabilities.
type Contract map[string]ToolCapability

// Allowlist selects candidate tools: every tool when All is set,
// otherwise exactly Names.
type Allowlist struct {
	All   bool
	Names []string
}

// ParseAllowlist interprets a raw configuration value: nil or "*" or a
// list containing "*" allows everything, a list names exact tools, and
// anything else allows nothing.
func ParseAllowlist(raw any) Allowlist {
	switch v := raw.(type) {
	case nil:
		return Allowlist{All: true}
	case string:
		if strings.TrimSpace(v) == wildcard {
			return Allowlist{All: true}
		}
		return Allowlist{}
	case []string:
		return parseNames(v)
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return parseNames(names)
	default:
		return Allowlist{}
	}
}

func parseNames(in []string) Allowlist {
	out := Allowlist{Names: []string{}}
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == wildcard {
			return Allowlist{All: true}
		}
		if n != "" {
			out.Names = append(out.Names, n)
		}
	}
	return out
}

// Policy is the per-deployment tool configuration.
type Policy struct {
	Allowlist  Allowlist
	Denylist   []string
	Overrides  map[string]Override
	Guardrails GuardrailConfig
}

// ToolCall is one tool invocation proposed by a model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`

	malformed bool
}

// Malformed reports whether the call could not be decoded as an object.
func (c ToolCall) Malformed() bool { return c.malformed }

// ParseToolCalls decodes raw JSON values into tool calls. Entries that are
// not JSON objects are kept as malformed calls so that validation can
// report them.
func ParseToolCalls(raw []json.RawMessage) []ToolCall {
	calls := make([]ToolCall, 0, len(raw))
	for _, r := range raw {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(r, &obj); err != nil || obj == nil {
			calls = append(calls, ToolCall{malformed: true})
			continue
		}
		var call ToolCall
		if name, ok := obj["name"]; ok {
			var s string
			if json.Unmarshal(name, &s) == nil {
				call.Name = s
			}
		}
		for _, key := range []string{"arguments", "args"} {
			if a, ok := obj[key]; ok {
				_ = json.Unmarshal(a, &call.Arguments)
				break
			}
		}
		calls = append(calls, call)
	}
	return calls
}

// Verdict is the result of validating a batch of tool calls.
type Verdict struct {
	Blocked []string          `json:"blocked"`
	Reasons map[string]string `json:"reasons"`
}

// OK reports whether no call was blocked.
func (v Verdict) OK() bool { return len(v.Blocked) == 0 }

// IsBlocked reports whether name was blocked.
func (v Verdict) IsBlocked(name string) bool {
	_, ok := v.Reasons[name]
	return ok
}
