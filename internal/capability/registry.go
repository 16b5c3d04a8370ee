package capability

import (
	"sort"
	"sync"
)

// Registry holds the live contract and policy. Policy may be replaced at
// runtime, for example after a config reload; readers always see a
// consistent pair.
type Registry struct {
	mu       sync.RWMutex
	policy   Policy
	contract Contract
}

// NewRegistry builds a registry from policy.
func NewRegistry(policy Policy) *Registry {
	r := &Registry{}
	r.Replace(policy)
	return r
}

// Replace swaps the policy and rebuilds the contract from its overrides.
func (r *Registry) Replace(policy Policy) {
	contract := BuildContract(policy.Overrides)
	policy = clonePolicy(policy)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
	r.contract = contract
}

// Policy returns a copy of the current policy.
func (r *Registry) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePolicy(r.policy)
}

// Contract returns a copy of the current contract.
func (r *Registry) Contract() Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Contract, len(r.contract))
	for k, v := range r.contract {
		out[k] = v
	}
	return out
}

// Lookup returns the capability for name.
func (r *Registry) Lookup(name string) (ToolCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.contract[name]
	return tc, ok
}

// Allowed resolves the tool set for a caller.
func (r *Registry) Allowed(isAdmin bool) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ResolveAllowedTools(r.policy, isAdmin, r.contract)
}

// Validate checks a batch of calls against the contract for a caller.
func (r *Registry) Validate(calls []ToolCall, isAdmin bool) Verdict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	allowed := ResolveAllowedTools(r.policy, isAdmin, r.contract)
	return ValidateToolCalls(calls, allowed, r.contract, isAdmin)
}

// Guard applies the batch guardrails under the current policy.
func (r *Registry) Guard(calls []ToolCall) GuardrailDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return EvaluateGuardrails(calls, r.contract, r.policy.Guardrails)
}

// Describe lists the contract with the caller's access.
func (r *Registry) Describe(isAdmin bool) Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	allowed := ResolveAllowedTools(r.policy, isAdmin, r.contract)
	return Describe(r.contract, allowed, isAdmin)
}

// Count returns the number of tools in the contract.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contract)
}

// Names returns the contract's tool names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.contract))
	for name := range r.contract {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func clonePolicy(p Policy) Policy {
	c := p
	if p.Allowlist.Names != nil {
		c.Allowlist.Names = append([]string(nil), p.Allowlist.Names...)
	}
	if p.Denylist != nil {
		c.Denylist = append([]string(nil), p.Denylist...)
	}
	if p.Overrides != nil {
		c.Overrides = make(map[string]Override, len(p.Overrides))
		for k, v := range p.Overrides {
			c.Overrides[k] = v
		}
	}
	if p.Guardrails.ClassLimits != nil {
		c.Guardrails.ClassLimits = make(map[string]int, len(p.Guardrails.ClassLimits))
		for k, v := range p.Guardrails.ClassLimits {
			c.Guardrails.ClassLimits[k] = v
		}
	}
	if p.Guardrails.ClassCostUnits != nil {
		c.Guardrails.ClassCostUnits = make(map[string]int, len(p.Guardrails.ClassCostUnits))
		for k, v := range p.Guardrails.ClassCostUnits {
			c.Guardrails.ClassCostUnits[k] = v
		}
	}
	c.Guardrails.BlockedClasses = append([]string(nil), p.Guardrails.BlockedClasses...)
	c.Guardrails.ExternalClasses = append([]string(nil), p.Guardrails.ExternalClasses...)
	return c
}
