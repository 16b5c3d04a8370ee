package toolroute

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Result is one routing decision.
type Result struct {
	Tools        []string `json:"tools"`
	MatchedRules []string `json:"matched_rules"`
	// Candidates is how many allowed tools matched before the budget.
	Candidates int `json:"candidates"`
}

// Router picks tools by keyword rules. It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	config   Config
	patterns map[int]*regexp.Regexp
}

// New creates a router. Rules with invalid patterns only match by keyword.
func New(cfg Config) *Router {
	r := &Router{}
	r.Replace(cfg)
	return r
}

// Replace swaps the routing table.
func (r *Router) Replace(cfg Config) {
	patterns := make(map[int]*regexp.Regexp)
	for i, rule := range cfg.Rules {
		if rule.Pattern == "" {
			continue
		}
		if re, err := regexp.Compile(rule.Pattern); err == nil {
			patterns[i] = re
		}
	}
	r.mu.Lock()
	r.config = cfg
	r.patterns = patterns
	r.mu.Unlock()
}

// Config returns the router's configuration.
func (r *Router) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Route selects which of the allowed tools to offer for a task. Tools not
// in allowed are never returned.
func (r *Router) Route(title, description string, allowed []string) Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	permitted := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		permitted[name] = true
	}

	if !r.config.Enabled {
		tools := sortedKeys(permitted)
		return Result{Tools: tools, Candidates: len(tools)}
	}

	text := strings.ToLower(title + " " + description)
	matched := make(map[string]bool)
	var rules []string

	for _, name := range r.config.AlwaysOn {
		matched[name] = true
	}
	for i, rule := range r.config.Rules {
		if !r.matchesRule(i, text, rule) {
			continue
		}
		label := strings.Join(rule.Keywords, ",")
		if label == "" {
			label = rule.Pattern
		}
		rules = append(rules, label)
		for _, enable := range rule.Enable {
			for _, name := range r.config.ExpandGroup(enable) {
				matched[name] = true
			}
		}
	}
	if len(rules) == 0 {
		for _, name := range r.config.Fallback {
			matched[name] = true
		}
	}

	candidates := make(map[string]bool)
	for name := range matched {
		if permitted[name] {
			candidates[name] = true
		}
	}

	tools := r.applyBudget(sortedKeys(candidates))
	return Result{Tools: tools, MatchedRules: rules, Candidates: len(candidates)}
}

func (r *Router) matchesRule(i int, text string, rule Rule) bool {
	if re, ok := r.patterns[i]; ok && re.MatchString(text) {
		return true
	}
	for _, keyword := range rule.Keywords {
		if containsWord(text, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// containsWord checks if text contains keyword as a whole word.
func containsWord(text, keyword string) bool {
	// Multi-word keywords use plain substring matching.
	if strings.Contains(keyword, " ") {
		return strings.Contains(text, keyword)
	}
	for _, word := range strings.Fields(text) {
		if strings.Trim(word, ".,;:!?\"'()[]{}") == keyword {
			return true
		}
	}
	return false
}

// applyBudget keeps always-on tools, then fills up to MaxTools in name
// order. Always-on tools are kept even over budget.
func (r *Router) applyBudget(tools []string) []string {
	if len(tools) <= r.config.MaxTools {
		return tools
	}
	out := make([]string, 0, r.config.MaxTools)
	for _, name := range tools {
		if r.config.IsAlwaysOn(name) {
			out = append(out, name)
		}
	}
	for _, name := range tools {
		if len(out) >= r.config.MaxTools {
			break
		}
		if !r.config.IsAlwaysOn(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
