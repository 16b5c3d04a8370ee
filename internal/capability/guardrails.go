package capability

import "strings"

// GuardrailConfig bounds how much a single batch of tool calls may do.
// Zero limits fall back to the defaults below.
type GuardrailConfig struct {
	Enabled         bool           `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	MaxCalls        int            `json:"max_tool_calls_per_request" yaml:"max_tool_calls_per_request" mapstructure:"max_tool_calls_per_request"`
	MaxExternal     int            `json:"max_external_calls_per_request" yaml:"max_external_calls_per_request" mapstructure:"max_external_calls_per_request"`
	MaxCostUnits    int            `json:"max_estimated_cost_units_per_request" yaml:"max_estimated_cost_units_per_request" mapstructure:"max_estimated_cost_units_per_request"`
	ClassLimits     map[string]int `json:"class_limits,omitempty" yaml:"class_limits,omitempty" mapstructure:"class_limits"`
	ClassCostUnits  map[string]int `json:"class_cost_units,omitempty" yaml:"class_cost_units,omitempty" mapstructure:"class_cost_units"`
	BlockedClasses  []string       `json:"blocked_classes,omitempty" yaml:"blocked_classes,omitempty" mapstructure:"blocked_classes"`
	ExternalClasses []string       `json:"external_classes,omitempty" yaml:"external_classes,omitempty" mapstructure:"external_classes"`
}

const (
	defaultMaxCalls     = 5
	defaultMaxExternal  = 2
	defaultMaxCostUnits = 20
	defaultCostUnits    = 3
)

// DefaultGuardrails returns the enabled default guardrail configuration.
func DefaultGuardrails() GuardrailConfig {
	return GuardrailConfig{
		Enabled:         true,
		MaxCalls:        defaultMaxCalls,
		MaxExternal:     defaultMaxExternal,
		MaxCostUnits:    defaultMaxCostUnits,
		ExternalClasses: []string{CategoryWrite, CategoryAdmin},
	}
}

// GuardrailDecision is the outcome of a guardrail evaluation.
type GuardrailDecision struct {
	Allowed bool           `json:"allowed"`
	Blocked []string       `json:"blocked_tools"`
	Reasons []string       `json:"reasons"`
	Details map[string]any `json:"details"`
}

// EvaluateGuardrails applies batch-level limits. A tool's class is its
// contract category, or "unknown".
func EvaluateGuardrails(calls []ToolCall, contract Contract, cfg GuardrailConfig) GuardrailDecision {
	if !cfg.Enabled {
		return GuardrailDecision{Allowed: true, Blocked: []string{}, Reasons: []string{}, Details: map[string]any{"enabled": false}}
	}
	if len(calls) == 0 {
		return GuardrailDecision{Allowed: true, Blocked: []string{}, Reasons: []string{}, Details: map[string]any{"enabled": true, "calls": 0}}
	}

	maxCalls := orDefault(cfg.MaxCalls, defaultMaxCalls)
	maxExternal := orDefault(cfg.MaxExternal, defaultMaxExternal)
	maxCost := orDefault(cfg.MaxCostUnits, defaultMaxCostUnits)
	external := toSet(cfg.ExternalClasses)
	if len(external) == 0 {
		external = toSet([]string{CategoryWrite, CategoryAdmin})
	}
	blockedClasses := toSet(cfg.BlockedClasses)

	var (
		blocked      orderedSet
		reasons      orderedSet
		counts       = map[string]int{}
		cost         int
		externalSeen int
	)

	if len(calls) > maxCalls {
		reasons.add("guardrail_max_tool_calls_exceeded")
	}

	names := make([]string, 0, len(calls))
	for _, call := range calls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			name = NameMissing
		}
		names = append(names, name)

		class := CategoryUnknown
		if tc, ok := contract[name]; ok && tc.Category != "" {
			class = tc.Category
		}
		counts[class]++
		cost += costUnits(cfg.ClassCostUnits, class)
		if _, ok := external[class]; ok {
			externalSeen++
		}
		if limit := cfg.ClassLimits[class]; limit > 0 && counts[class] > limit {
			blocked.add(name)
			reasons.add("guardrail_class_limit_exceeded:" + class)
		}
		if _, ok := blockedClasses[class]; ok {
			blocked.add(name)
			reasons.add("guardrail_class_blocked:" + class)
		}
	}

	if externalSeen > maxExternal {
		reasons.add("guardrail_max_external_calls_exceeded")
		blocked.add(names...)
	}
	if cost > maxCost {
		reasons.add("guardrail_max_estimated_cost_exceeded")
		blocked.add(names...)
	}

	return GuardrailDecision{
		Allowed: len(reasons.items) == 0,
		Blocked: blocked.slice(),
		Reasons: reasons.slice(),
		Details: map[string]any{
			"enabled":                              true,
			"calls":                                len(calls),
			"counts_by_class":                      counts,
			"external_calls":                       externalSeen,
			"estimated_cost_units":                 cost,
			"max_tool_calls_per_request":           maxCalls,
			"max_external_calls_per_request":       maxExternal,
			"max_estimated_cost_units_per_request": maxCost,
		},
	}
}

func costUnits(table map[string]int, class string) int {
	if v, ok := table[class]; ok {
		return v
	}
	if v, ok := table[CategoryUnknown]; ok {
		return v
	}
	return defaultCostUnits
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

type orderedSet struct {
	items []string
	seen  map[string]struct{}
}

func (s *orderedSet) add(values ...string) {
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	for _, v := range values {
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.items = append(s.items, v)
	}
}

func (s *orderedSet) slice() []string {
	if s.items == nil {
		return []string{}
	}
	return s.items
}
