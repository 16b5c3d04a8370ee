package capability

import (
	"sort"
	"strings"
)

func entry(name, category string, requiresAdmin, mutates bool, description string) ToolCapability {
	return ToolCapability{
		Tool:          name,
		Category:      category,
		RequiresAdmin: requiresAdmin,
		MutatesState:  mutates,
		Description:   description,
	}
}

var defaultCapabilities = []ToolCapability{
	entry("list_teams", CategoryRead, true, false, "List all teams."),
	entry("list_roles", CategoryRead, true, false, "List all roles."),
	entry("list_agents", CategoryRead, true, false, "List all registered agents."),
	entry("list_templates", CategoryRead, true, false, "List all prompt templates."),
	entry("analyze_logs", CategoryRead, true, false, "Read latest audit logs."),
	entry("read_agent_logs", CategoryRead, true, false, "Read selected agent log file."),
	entry("create_team", CategoryWrite, true, true, "Create a new team."),
	entry("assign_role", CategoryWrite, true, true, "Assign role to team member."),
	entry("ensure_team_templates", CategoryWrite, true, true, "Ensure default templates/roles for team types."),
	entry("create_template", CategoryWrite, true, true, "Create new template."),
	entry("update_template", CategoryWrite, true, true, "Update template."),
	entry("delete_template", CategoryWrite, true, true, "Delete template."),
	entry("upsert_team_type", CategoryWrite, true, true, "Create or update team type."),
	entry("delete_team_type", CategoryWrite, true, true, "Delete team type."),
	entry("upsert_role", CategoryWrite, true, true, "Create or update role."),
	entry("delete_role", CategoryWrite, true, true, "Delete role."),
	entry("link_role_to_team_type", CategoryWrite, true, true, "Link role to team type."),
	entry("unlink_role_from_team_type", CategoryWrite, true, true, "Unlink role from team type."),
	entry("set_role_template_mapping", CategoryWrite, true, true, "Set role-template mapping."),
	entry("upsert_team", CategoryWrite, true, true, "Create or update team."),
	entry("delete_team", CategoryWrite, true, true, "Delete team."),
	entry("activate_team", CategoryWrite, true, true, "Activate team."),
	entry("configure_auto_planner", CategoryAdmin, true, true, "Configure auto-planner."),
	entry("configure_triggers", CategoryAdmin, true, true, "Configure triggers."),
	entry("set_autopilot_state", CategoryAdmin, true, true, "Start/stop/tick autopilot."),
	entry("update_config", CategoryAdmin, true, true, "Update global configuration."),
	entry("list_tasks", CategoryRead, false, false, "List orchestration tasks."),
	entry("read_task_timeline", CategoryRead, false, false, "Read the event timeline of a task."),
	entry("execute_shell", CategoryWrite, true, true, "Run an allowlisted command in the agent workdir."),
}

// DefaultContract returns a fresh copy of the built-in contract.
func DefaultContract() Contract {
	c := make(Contract, len(defaultCapabilities))
	for _, tc := range defaultCapabilities {
		c[tc.Tool] = tc
	}
	return c
}

// BuildContract merges overrides into the default contract. An override
// for an unknown tool starts from category "unknown", admin required and
// no mutation.
func BuildContract(overrides map[string]Override) Contract {
	contract := DefaultContract()
	for name, o := range overrides {
		base, ok := contract[name]
		if !ok {
			base = ToolCapability{Tool: name, Category: CategoryUnknown, RequiresAdmin: true}
		}
		if o.Category != "" {
			base.Category = o.Category
		}
		if o.RequiresAdmin != nil {
			base.RequiresAdmin = *o.RequiresAdmin
		}
		if o.MutatesState != nil {
			base.MutatesState = *o.MutatesState
		}
		if o.Description != "" {
			base.Description = o.Description
		}
		base.Tool = name
		contract[name] = base
	}
	return contract
}

// ResolveAllowedTools computes the tools a caller may use: allowlisted,
// present in the contract, not denylisted, and not admin-only unless the
// caller is an admin.
func ResolveAllowedTools(policy Policy, isAdmin bool, contract Contract) map[string]struct{} {
	var candidates []string
	if policy.Allowlist.All {
		candidates = make([]string, 0, len(contract))
		for name := range contract {
			candidates = append(candidates, name)
		}
	} else {
		candidates = policy.Allowlist.Names
	}

	deny := make(map[string]struct{}, len(policy.Denylist))
	for _, d := range policy.Denylist {
		deny[d] = struct{}{}
	}

	allowed := make(map[string]struct{})
	for _, name := range candidates {
		tc, ok := contract[name]
		if !ok {
			continue
		}
		if tc.RequiresAdmin && !isAdmin {
			continue
		}
		if _, denied := deny[name]; denied {
			continue
		}
		allowed[name] = struct{}{}
	}
	return allowed
}

// ValidateToolCalls checks every call and reports the blocked names in
// first-seen order. Privilege is checked before allowlist membership. When
// a name is blocked more than once the last reason is kept.
func ValidateToolCalls(calls []ToolCall, allowed map[string]struct{}, contract Contract, isAdmin bool) Verdict {
	v := Verdict{Blocked: []string{}, Reasons: map[string]string{}}
	block := func(name, reason string) {
		if _, seen := v.Reasons[name]; !seen {
			v.Blocked = append(v.Blocked, name)
		}
		v.Reasons[name] = reason
	}

	for _, call := range calls {
		if call.malformed {
			block(NameInvalid, ReasonInvalidCall)
			continue
		}
		name := strings.TrimSpace(call.Name)
		if name == "" {
			block(NameMissing, ReasonMissingName)
			continue
		}
		tc, ok := contract[name]
		if !ok {
			block(name, ReasonUnknownTool)
			continue
		}
		if tc.MutatesState && !isAdmin {
			block(name, ReasonAdminRequired)
			continue
		}
		if _, ok := allowed[name]; !ok {
			block(name, ReasonNotAllowed)
		}
	}
	return v
}

// ToolDescription is one row of a capability listing.
type ToolDescription struct {
	ToolCapability
	AllowedNow bool `json:"allowed_now"`
}

// Description lists the contract for a caller.
type Description struct {
	IsAdmin      bool              `json:"is_admin"`
	AllowedTools []string          `json:"allowed_tools"`
	Tools        []ToolDescription `json:"tools"`
}

// Describe lists every tool in name order with the caller's access.
func Describe(contract Contract, allowed map[string]struct{}, isAdmin bool) Description {
	names := make([]string, 0, len(contract))
	for name := range contract {
		names = append(names, name)
	}
	sort.Strings(names)

	d := Description{IsAdmin: isAdmin, AllowedTools: SortedNames(allowed), Tools: make([]ToolDescription, 0, len(names))}
	for _, name := range names {
		_, ok := allowed[name]
		d.Tools = append(d.Tools, ToolDescription{ToolCapability: contract[name], AllowedNow: ok})
	}
	return d
}

// SortedNames returns the members of a name set in order.
func SortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
