// Package templates holds the catalogue of node templates nodes are instantiated from.
package templates

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/polisai/polis-flow/pkg/domain"
)

// NodeValidator runs the security pass on a freshly instantiated node.
type NodeValidator interface {
	ValidateNode(node *domain.Node) domain.ValidationResult
}

// Registry maintains a threadsafe catalogue of templates keyed by node kind.
type Registry struct {
	mu        sync.RWMutex
	templates map[domain.NodeKind]domain.Template
	newID     func() string
}

// NewRegistry creates an empty registry instance.
func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[domain.NodeKind]domain.Template),
		newID:     uuid.NewString,
	}
}

// Register inserts or replaces a template definition.
func (r *Registry) Register(tmpl domain.Template) error {
	if !tmpl.Type.Valid() {
		return fmt.Errorf("templates: unknown node kind %q", tmpl.Type)
	}
	if tmpl.BaseSecurityScore < 0 || tmpl.BaseSecurityScore > 100 {
		return fmt.Errorf("templates: %s base security score %d out of range", tmpl.Type, tmpl.BaseSecurityScore)
	}
	if err := checkPorts(tmpl.Type, tmpl.Inputs); err != nil {
		return err
	}
	if err := checkPorts(tmpl.Type, tmpl.Outputs); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(tmpl.Properties))
	for _, p := range tmpl.Properties {
		if strings.TrimSpace(p.Key) == "" {
			return fmt.Errorf("templates: %s declares a property without a key", tmpl.Type)
		}
		if _, dup := seen[p.Key]; dup {
			return fmt.Errorf("templates: %s declares property %s twice", tmpl.Type, p.Key)
		}
		seen[p.Key] = struct{}{}
		if !p.DataType.Valid() {
			return fmt.Errorf("templates: %s property %s has unknown data type %q", tmpl.Type, p.Key, p.DataType)
		}
	}

	r.mu.Lock()
	r.templates[tmpl.Type] = tmpl
	r.mu.Unlock()
	return nil
}

func checkPorts(kind domain.NodeKind, ports []domain.PortSpec) error {
	labels := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		if !p.Kind.Valid() {
			return fmt.Errorf("templates: %s port %s has unknown kind %q", kind, p.Label, p.Kind)
		}
		if !p.DataType.Valid() {
			return fmt.Errorf("templates: %s port %s has unknown data type %q", kind, p.Label, p.DataType)
		}
		if _, dup := labels[p.Label]; dup {
			return fmt.Errorf("templates: %s declares port %s twice", kind, p.Label)
		}
		labels[p.Label] = struct{}{}
	}
	return nil
}

// RegisterAll adds multiple templates.
func (r *Registry) RegisterAll(templates []domain.Template) error {
	for _, tmpl := range templates {
		if err := r.Register(tmpl); err != nil {
			return err
		}
	}
	return nil
}

// Template fetches a template by kind.
func (r *Registry) Template(kind domain.NodeKind) (domain.Template, bool) {
	r.mu.RLock()
	tmpl, ok := r.templates[kind]
	r.mu.RUnlock()
	return tmpl, ok
}

// List returns every template in catalogue order.
func (r *Registry) List() []domain.Template {
	r.mu.RLock()
	out := make([]domain.Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		out = append(out, tmpl)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return kindOrder(out[i].Type) < kindOrder(out[j].Type) })
	return out
}

func kindOrder(kind domain.NodeKind) int {
	for i, k := range domain.NodeKinds {
		if k == kind {
			return i
		}
	}
	return len(domain.NodeKinds)
}

// Instantiate builds a node from the template for kind at pos. The node and each of its ports
// get fresh ids, default properties are copied, and v scores the node before it is returned.
func (r *Registry) Instantiate(kind domain.NodeKind, pos domain.Position, v NodeValidator) (*domain.Node, error) {
	tmpl, ok := r.Template(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, kind)
	}

	node := &domain.Node{
		ID:            r.newID(),
		TemplateType:  tmpl.Type,
		Label:         tmpl.Label,
		Position:      pos,
		Inputs:        r.ports(tmpl.Inputs),
		Outputs:       r.ports(tmpl.Outputs),
		Properties:    make(map[string]any, len(tmpl.Properties)),
		SecurityScore: tmpl.BaseSecurityScore,
	}
	defaults := make(map[string]any, len(tmpl.Properties))
	for _, p := range tmpl.Properties {
		defaults[p.Key] = p.Default
	}
	for k, val := range domain.CloneProperties(defaults) {
		node.Properties[k] = val
	}

	if v != nil {
		v.ValidateNode(node)
	}
	return node, nil
}

func (r *Registry) ports(specs []domain.PortSpec) []domain.Port {
	ports := make([]domain.Port, 0, len(specs))
	for _, s := range specs {
		ports = append(ports, domain.Port{
			ID:        r.newID(),
			Label:     s.Label,
			Kind:      s.Kind,
			DataType:  s.DataType,
			Required:  s.Required,
			Validated: true,
		})
	}
	return ports
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// GlobalRegistry exposes the process-wide registry populated with the builtin templates.
func GlobalRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		if err := defaultRegistry.RegisterAll(Builtins()); err != nil {
			panic(fmt.Sprintf("templates: invalid builtin catalogue: %v", err))
		}
	})
	return defaultRegistry
}
