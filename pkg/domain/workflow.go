package domain

// NodeKind is the closed set of node template types.
type NodeKind string

const (
	// KindInput produces workflow data from user supplied defaults.
	KindInput NodeKind = "input"
	// KindCondition routes execution based on a declared comparison.
	KindCondition NodeKind = "condition"
	// KindAction performs a named side-effect-free operation in simulation.
	KindAction NodeKind = "action"
	// KindTransform reshapes data flowing between nodes.
	KindTransform NodeKind = "transform"
	// KindDelay holds execution for a number of ticks.
	KindDelay NodeKind = "delay"
	// KindMerge joins several execution branches.
	KindMerge NodeKind = "merge"
	// KindOutput terminates a branch and collects results.
	KindOutput NodeKind = "output"
)

// NodeKinds lists every supported node kind in catalogue order.
var NodeKinds = []NodeKind{KindInput, KindCondition, KindAction, KindTransform, KindDelay, KindMerge, KindOutput}

// Valid reports whether the kind belongs to the closed set.
func (k NodeKind) Valid() bool {
	switch k {
	case KindInput, KindCondition, KindAction, KindTransform, KindDelay, KindMerge, KindOutput:
		return true
	default:
		return false
	}
}

// PortKind separates data-carrying ports from execution-flow ports.
type PortKind string

const (
	PortData      PortKind = "data"
	PortExecution PortKind = "execution"
)

// Valid reports whether the port kind is known.
func (k PortKind) Valid() bool {
	return k == PortData || k == PortExecution
}

// DataType is the value type carried by a port or stored in a property.
type DataType string

const (
	TypeString  DataType = "string"
	TypeNumber  DataType = "number"
	TypeBoolean DataType = "boolean"
	TypeArray   DataType = "array"
	TypeObject  DataType = "object"
)

// DataTypes lists the supported data types.
var DataTypes = []DataType{TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject}

// Valid reports whether the data type is supported.
func (t DataType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	default:
		return false
	}
}

// Position is the canvas location of a node. The engine never interprets it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Port is a typed connection point owned by exactly one node.
type Port struct {
	ID        string   `json:"id" yaml:"id"`
	Label     string   `json:"label" yaml:"label"`
	Kind      PortKind `json:"kind" yaml:"kind"`
	DataType  DataType `json:"dataType" yaml:"dataType"`
	Required  bool     `json:"required" yaml:"required"`
	Validated bool     `json:"validated" yaml:"validated"`
}

// Finding records a denylist match detected on a node field. The matched payload
// itself is never stored, only the rule that fired.
type Finding struct {
	Field    string `json:"field" yaml:"field"`
	Rule     string `json:"rule" yaml:"rule"`
	Severity string `json:"severity" yaml:"severity"`
}

// Node is a typed unit of workflow logic.
type Node struct {
	ID            string         `json:"id" yaml:"id"`
	TemplateType  NodeKind       `json:"templateType" yaml:"templateType"`
	Label         string         `json:"label" yaml:"label"`
	Position      Position       `json:"position" yaml:"position"`
	Inputs        []Port         `json:"inputs" yaml:"inputs"`
	Outputs       []Port         `json:"outputs" yaml:"outputs"`
	Properties    map[string]any `json:"properties" yaml:"properties"`
	SecurityScore int            `json:"securityScore" yaml:"securityScore"`
	Validated     bool           `json:"validated" yaml:"validated"`
	Findings      []Finding      `json:"findings,omitempty" yaml:"findings,omitempty"`
}

// InputPort returns the input port with the given id.
func (n *Node) InputPort(id string) (*Port, bool) {
	for i := range n.Inputs {
		if n.Inputs[i].ID == id {
			return &n.Inputs[i], true
		}
	}
	return nil, false
}

// OutputPort returns the output port with the given id.
func (n *Node) OutputPort(id string) (*Port, bool) {
	for i := range n.Outputs {
		if n.Outputs[i].ID == id {
			return &n.Outputs[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	out.Inputs = append([]Port(nil), n.Inputs...)
	out.Outputs = append([]Port(nil), n.Outputs...)
	out.Findings = append([]Finding(nil), n.Findings...)
	out.Properties = CloneProperties(n.Properties)
	return out
}

// Endpoint addresses a port on a node.
type Endpoint struct {
	NodeID string `json:"nodeId" yaml:"nodeId"`
	PortID string `json:"portId" yaml:"portId"`
}

// Edge is a directed connection from an output port to an input port.
type Edge struct {
	ID            string   `json:"id" yaml:"id"`
	From          Endpoint `json:"from" yaml:"from"`
	To            Endpoint `json:"to" yaml:"to"`
	Kind          PortKind `json:"kind" yaml:"kind"`
	SecurityScore int      `json:"securityScore" yaml:"securityScore"`
}

// Workflow is the aggregate view of all nodes and edges held by a graph.
type Workflow struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Clone returns a deep copy of the workflow.
func (w Workflow) Clone() Workflow {
	out := Workflow{ID: w.ID, Name: w.Name}
	out.Nodes = make([]Node, len(w.Nodes))
	for i := range w.Nodes {
		out.Nodes[i] = w.Nodes[i].Clone()
	}
	out.Edges = append([]Edge(nil), w.Edges...)
	return out
}

// PortSpec declares a port on a template.
type PortSpec struct {
	Label    string   `json:"label" yaml:"label"`
	Kind     PortKind `json:"kind" yaml:"kind"`
	DataType DataType `json:"dataType" yaml:"dataType"`
	Required bool     `json:"required" yaml:"required"`
}

// PropertySpec declares a property a template understands.
type PropertySpec struct {
	Key      string   `json:"key" yaml:"key"`
	DataType DataType `json:"dataType" yaml:"dataType"`
	Default  any      `json:"default,omitempty" yaml:"default,omitempty"`
	Enum     []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Template is a catalogue entry nodes are instantiated from.
type Template struct {
	Type              NodeKind       `json:"type" yaml:"type"`
	Label             string         `json:"label" yaml:"label"`
	Description       string         `json:"description" yaml:"description"`
	Inputs            []PortSpec     `json:"inputs" yaml:"inputs"`
	Outputs           []PortSpec     `json:"outputs" yaml:"outputs"`
	Properties        []PropertySpec `json:"properties" yaml:"properties"`
	BaseSecurityScore int            `json:"baseSecurityScore" yaml:"baseSecurityScore"`
}

// Property returns the schema entry for key.
func (t Template) Property(key string) (PropertySpec, bool) {
	for _, p := range t.Properties {
		if p.Key == key {
			return p, true
		}
	}
	return PropertySpec{}, false
}

// ValidationResult is the non-throwing outcome of a validation pass.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Score    int      `json:"score"`
}

// CloneProperties deep-copies a property map made of sanitized values.
func CloneProperties(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	case map[string]any:
		return CloneProperties(typed)
	default:
		return v
	}
}
