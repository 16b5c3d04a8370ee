// Package toolroute selects the tools offered to a planner for a task.
package toolroute

import (
	"fmt"
	"regexp"
	"slices"
)

// Config holds tool routing configuration.
type Config struct {
	// Enabled toggles routing. When off every allowed tool is offered.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// MaxTools is the tool budget per task.
	MaxTools int `mapstructure:"max_tools" yaml:"max_tools"`
	// Groups define named collections of tools.
	Groups map[string][]string `mapstructure:"groups" yaml:"groups,omitempty"`
	// AlwaysOn lists tools that are always offered.
	AlwaysOn []string `mapstructure:"always_on" yaml:"always_on"`
	// Fallback is offered when no rule matched.
	Fallback []string `mapstructure:"fallback" yaml:"fallback"`
	// Rules define keyword-based routing rules.
	Rules []Rule `mapstructure:"rules" yaml:"rules"`
}

// Rule defines a keyword-based routing rule.
type Rule struct {
	// Keywords trigger this rule when found in the task text.
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
	// Pattern is an optional regex matched against the lowercased text.
	Pattern string `mapstructure:"pattern" yaml:"pattern,omitempty"`
	// Enable names the tools or groups offered when the rule matches.
	Enable []string `mapstructure:"enable" yaml:"enable"`
}

// DefaultConfig returns the built-in routing table for the default tool
// contract.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		MaxTools: 12,
		Groups: map[string][]string{
			"tasks":     {"list_tasks", "read_task_timeline"},
			"teams":     {"list_teams", "create_team", "upsert_team", "delete_team", "activate_team", "upsert_team_type", "delete_team_type"},
			"roles":     {"list_roles", "assign_role", "upsert_role", "delete_role", "link_role_to_team_type", "unlink_role_from_team_type", "set_role_template_mapping"},
			"templates": {"list_templates", "create_template", "update_template", "delete_template", "ensure_team_templates", "set_role_template_mapping"},
			"logs":      {"analyze_logs", "read_agent_logs"},
			"control":   {"configure_auto_planner", "configure_triggers", "set_autopilot_state", "update_config"},
		},
		AlwaysOn: []string{"list_tasks"},
		Fallback: []string{"execute_shell", "read_task_timeline"},
		Rules: []Rule{
			{
				Keywords: []string{"run", "test", "tests", "build", "lint", "shell", "command", "git", "diff", "echo", "vet"},
				Enable:   []string{"execute_shell"},
			},
			{
				Keywords: []string{"task", "tasks", "queue", "backlog", "timeline", "history", "followup", "follow-up"},
				Enable:   []string{"tasks"},
			},
			{
				Keywords: []string{"team", "teams", "member", "members"},
				Enable:   []string{"teams"},
			},
			{
				Keywords: []string{"role", "roles"},
				Enable:   []string{"roles"},
			},
			{
				Keywords: []string{"template", "templates", "prompt", "prompts"},
				Enable:   []string{"templates"},
			},
			{
				Keywords: []string{"log", "logs", "audit", "errors", "failure", "failures"},
				Enable:   []string{"logs"},
			},
			{
				Keywords: []string{"autopilot", "trigger", "triggers", "planner", "configuration"},
				Enable:   []string{"control"},
			},
			{
				Pattern: `\bagents?\b`,
				Enable:  []string{"list_agents"},
			},
		},
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Enabled && c.MaxTools < 1 {
		return fmt.Errorf("max_tools must be at least 1")
	}
	for i, rule := range c.Rules {
		if rule.Pattern == "" {
			continue
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("rule %d: invalid pattern %q: %w", i, rule.Pattern, err)
		}
	}
	return nil
}

// IsAlwaysOn reports whether a tool is in the always-on list.
func (c Config) IsAlwaysOn(name string) bool {
	return slices.Contains(c.AlwaysOn, name)
}

// ExpandGroup expands a group name to its member tools.
func (c Config) ExpandGroup(name string) []string {
	if members, ok := c.Groups[name]; ok {
		return members
	}
	return []string{name}
}
