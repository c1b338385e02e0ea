package waf

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maintains a threadsafe catalogue of reusable denylist rules.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry creates an empty registry instance.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register inserts or replaces a rule definition.
func (r *Registry) Register(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("waf: registry rule name is required")
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("waf: registry rule %s missing pattern", rule.Name)
	}

	key := strings.ToLower(rule.Name)

	r.mu.Lock()
	r.rules[key] = rule
	r.mu.Unlock()
	return nil
}

// RegisterAll adds multiple rules.
func (r *Registry) RegisterAll(rules []Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Resolve fetches a rule definition by identifier.
func (r *Registry) Resolve(id string) (Rule, bool) {
	if id == "" {
		return Rule{}, false
	}

	key := strings.ToLower(id)

	r.mu.RLock()
	rule, ok := r.rules[key]
	r.mu.RUnlock()
	if !ok {
		return Rule{}, false
	}
	return rule, true
}

// Rules returns every registered rule ordered by name.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns an independent registry holding the same rules.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	_ = c.RegisterAll(r.Rules())
	return c
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// GlobalRegistry exposes the process-wide registry populated with builtin rules.
// Callers that add rules should Clone it first.
func GlobalRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = newRegistryWithBuiltins()
	})
	return defaultRegistry
}

// BuiltinRules returns the denylist every sanitizer starts from.
func BuiltinRules() []Rule {
	return []Rule{
		// dynamic code evaluation
		{Name: "code.eval", Pattern: `(?i)\beval\s*\(`},
		{Name: "code.function-constructor", Pattern: `(?i)\bfunction\s*\(`},
		{Name: "code.string-timer", Pattern: `(?i)\bset(?:timeout|interval|immediate)\s*\(`},
		{Name: "code.dynamic-import", Pattern: `(?i)\b(?:import|require)\s*\(`},
		{Name: "code.script-uri", Pattern: `(?i)\b(?:java|vb)script\s*:`},
		// global object access
		{Name: "global.document", Pattern: `(?i)\bdocument\s*[.\[]`},
		{Name: "global.window", Pattern: `(?i)\bwindow\s*[.\[]`},
		{Name: "global.navigator", Pattern: `(?i)\bnavigator\s*[.\[]`},
		{Name: "global.this", Pattern: `(?i)\bglobalthis\b`},
		// storage
		{Name: "storage.web", Pattern: `(?i)\b(?:localstorage|sessionstorage|indexeddb)\b`},
		// network constructors
		{Name: "network.constructor", Pattern: `(?i)\b(?:xmlhttprequest|websocket|eventsource|rtcpeerconnection)\b`},
		{Name: "network.fetch", Pattern: `(?i)\bfetch\s*\(`},
		{Name: "network.beacon", Pattern: `(?i)\bsendbeacon\s*\(`},
		// prototype chain
		{Name: "proto.dunder", Pattern: `__proto__`},
		{Name: "proto.constructor", Pattern: `(?i)\bconstructor\s*[.\[]`},
		{Name: "proto.prototype", Pattern: `(?i)\bprototype\s*[.\[]`},
		{Name: "proto.mutation", Pattern: `(?i)\b(?:setprototypeof|defineproperty|__definegetter__|__definesetter__)\b`},
	}
}

func newRegistryWithBuiltins() *Registry {
	r := NewRegistry()
	rules := BuiltinRules()
	for i := range rules {
		rules[i].Severity = SeverityCritical
		rules[i].Action = ActionBlock
	}
	_ = r.RegisterAll(rules)
	return r
}
