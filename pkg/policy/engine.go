package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default policy decision path (e.g. "flow/admission/decision").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates admission decisions using an embedded OPA instance.
type Engine struct {
	modules       map[string]string
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *decisionCache
	queries       map[string]*rego.PreparedEvalQuery
	logger        *slog.Logger
	mu            sync.RWMutex
}

const (
	// DefaultEntrypoint is the decision path evaluated when none is configured.
	DefaultEntrypoint    = "flow/admission/decision"
	defaultCacheCapacity = 1024
)

// BaselineModule is the admission policy used when no module is configured. It blocks
// empty workflows and warns about nodes whose security score dropped below 80.
const BaselineModule = `package flow.admission

import rego.v1

default decision := {"action": "allow"}

low_score contains node.id if {
	some node in input.workflow.nodes
	node.security_score < 80
}

decision := {"action": "block", "reason": "workflow has no nodes"} if {
	count(input.workflow.nodes) == 0
}

decision := {
	"action": "warn",
	"reason": "nodes below security score 80",
	"metadata": {"violation_code": "low_node_score"},
	"nodes": low_score,
} if {
	count(input.workflow.nodes) > 0
	count(low_score) > 0
}
`

// NewEngine constructs an Engine for the supplied configuration and entrypoint.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = DefaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	moduleCopy := make(map[string]string, len(opts.Modules))
	moduleOrder := make([]string, 0, len(opts.Modules))
	for name, src := range opts.Modules {
		moduleCopy[name] = src
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(moduleCopy))
	for _, name := range moduleOrder {
		src := moduleCopy[name]
		module, err := ast.ParseModuleWithOpts(name, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		modules:       moduleCopy,
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
		logger:        logger,
	}

	// Warm the default entrypoint to surface syntax errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// LoadModules reads Rego sources from a file or a directory tree. Only files ending in
// .rego are loaded; module names are the paths relative to root.
func LoadModules(root string) (map[string]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat policy path: %w", err)
	}

	modules := make(map[string]string)
	if !info.IsDir() {
		src, err := os.ReadFile(root)
		if err != nil {
			return nil, fmt.Errorf("read policy module: %w", err)
		}
		modules[filepath.Base(root)] = string(src)
		return modules, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || filepath.Ext(path) != ".rego" {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		modules[filepath.ToSlash(rel)] = string(src)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load policy modules: %w", err)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no .rego modules under %s", root)
	}
	return modules, nil
}

// Evaluate executes the policy using the supplied input and converts the result.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	payload := buildPayload(input)

	cacheKey, shouldCache := e.cacheKey(entry, input, payload)
	if shouldCache {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cloneDecision(cached), nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	e.logger.Debug("evaluating admission policy", "entrypoint", entry, "workflow_id", input.WorkflowID)
	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("admission policy returned no result", "entrypoint", entry)
		return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	action, err := parseAction(decisionPayload["action"])
	if err != nil {
		return Decision{}, err
	}

	reason, _ := decisionPayload["reason"].(string)
	metadata := parseMetadata(decisionPayload["metadata"])

	outputs := extractDecisionOutputs(decisionPayload)

	decision := Decision{Action: action, Reason: reason, Metadata: metadata, Outputs: outputs}

	if shouldCache {
		e.cache.Add(cacheKey, decision)
	}

	return cloneDecision(decision), nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func buildPayload(input Input) map[string]any {
	nodes := make([]any, 0, len(input.Nodes))
	for _, n := range input.Nodes {
		keys := make([]any, 0, len(n.PropertyKeys))
		for _, k := range n.PropertyKeys {
			keys = append(keys, k)
		}
		nodes = append(nodes, map[string]any{
			"id":             n.ID,
			"type":           n.Type,
			"security_score": n.SecurityScore,
			"property_keys":  keys,
		})
	}
	warnings := make([]any, 0, len(input.Warnings))
	for _, w := range input.Warnings {
		warnings = append(warnings, w)
	}

	return map[string]any{
		"workflow": map[string]any{
			"id":         input.WorkflowID,
			"session_id": input.SessionID,
			"nodes":      nodes,
			"edge_count": input.EdgeCount,
		},
		"validation": map[string]any{
			"structural_score": input.StructuralScore,
			"security_score":   input.SecurityScore,
			"warnings":         warnings,
		},
		"attributes": cloneAnyMap(input.Attributes),
	}
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	queryKey := entry

	e.mu.RLock()
	if prepared, ok := e.queries[queryKey]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		module := e.parsedModules[name]
		opts = append(opts, rego.ParsedModule(module))
	}

	r := rego.New(opts...)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[queryKey]; ok {
		return existing, nil
	}

	e.queries[queryKey] = &prepared
	return &prepared, nil
}

// cacheKey hashes the entrypoint and the canonical JSON form of the payload.
func (e *Engine) cacheKey(entry string, input Input, payload map[string]any) (string, bool) {
	if e.cache == nil || input.DisableCache {
		return "", false
	}
	if strings.TrimSpace(input.WorkflowID) == "" {
		return "", false
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", false
	}

	h := sha256.New()
	h.Write([]byte(entry))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), true
}

func cloneDecision(dec Decision) Decision {
	return Decision{
		Action:   dec.Action,
		Reason:   dec.Reason,
		Metadata: cloneStringMap(dec.Metadata),
		Outputs:  cloneAnyMap(dec.Outputs),
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	item := elem.Value.(cacheItem)
	return item.value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		item := tail.Value.(cacheItem)
		delete(c.entries, item.key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionAllow, nil
	}
	text, ok := value.(string)
	if !ok {
		return Action(""), fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch Action(strings.ToLower(text)) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionWarn:
		return ActionWarn, nil
	case ActionBlock:
		return ActionBlock, nil
	default:
		return Action(""), fmt.Errorf("opa decision: unknown action %q", text)
	}
}

func parseMetadata(value any) map[string]string {
	if value == nil {
		return map[string]string{}
	}

	switch typed := value.(type) {
	case map[string]string:
		return cloneStringMap(typed)
	case map[string]any:
		result := make(map[string]string, len(typed))
		for key, raw := range typed {
			if str, ok := raw.(string); ok {
				result[key] = str
			}
		}
		return result
	default:
		return map[string]string{}
	}
}

func extractDecisionOutputs(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return map[string]any{}
	}

	outputs := make(map[string]any)
	for key, value := range payload {
		switch strings.ToLower(key) {
		case "action", "reason", "metadata":
			continue
		default:
			outputs[key] = value
		}
	}

	if len(outputs) == 0 {
		return map[string]any{}
	}

	return outputs
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
