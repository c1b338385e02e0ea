package templates

import "github.com/polisai/polis-flow/pkg/domain"

// Port labels shared by the builtin templates.
const (
	PortIn     = "in"
	PortNext   = "next"
	PortValue  = "value"
	PortResult = "result"
)

func execIn(required bool) domain.PortSpec {
	return domain.PortSpec{Label: PortIn, Kind: domain.PortExecution, DataType: domain.TypeBoolean, Required: required}
}

func execOut(label string) domain.PortSpec {
	return domain.PortSpec{Label: label, Kind: domain.PortExecution, DataType: domain.TypeBoolean}
}

func data(label string, t domain.DataType, required bool) domain.PortSpec {
	return domain.PortSpec{Label: label, Kind: domain.PortData, DataType: t, Required: required}
}

// Builtins returns the default catalogue, one template per node kind.
func Builtins() []domain.Template {
	return []domain.Template{
		{
			Type:        domain.KindInput,
			Label:       "Input",
			Description: "Starts a branch and emits a configured value.",
			Outputs:     []domain.PortSpec{execOut(PortNext), data(PortValue, domain.TypeString, false)},
			Properties: []domain.PropertySpec{
				{Key: "defaultValue", DataType: domain.TypeString, Default: ""},
				{Key: "required", DataType: domain.TypeBoolean, Default: false},
			},
			BaseSecurityScore: 100,
		},
		{
			Type:        domain.KindCondition,
			Label:       "Condition",
			Description: "Declares a comparison that routes execution. The comparison is never evaluated as code.",
			Inputs:      []domain.PortSpec{execIn(true), data(PortValue, domain.TypeString, false)},
			Outputs:     []domain.PortSpec{execOut("true"), execOut("false")},
			Properties: []domain.PropertySpec{
				{Key: "operator", DataType: domain.TypeString, Default: "equals", Enum: []string{"equals", "notEquals", "greaterThan", "lessThan", "contains"}},
				{Key: "operand", DataType: domain.TypeString, Default: ""},
			},
			BaseSecurityScore: 95,
		},
		{
			Type:        domain.KindAction,
			Label:       "Action",
			Description: "Performs a named operation in simulation.",
			Inputs:      []domain.PortSpec{execIn(true), data("payload", domain.TypeObject, false)},
			Outputs:     []domain.PortSpec{execOut(PortNext), data(PortResult, domain.TypeObject, false)},
			Properties: []domain.PropertySpec{
				{Key: "operation", DataType: domain.TypeString, Default: "log", Enum: []string{"log", "notify", "store", "request"}},
				{Key: "payloadKB", DataType: domain.TypeNumber, Default: float64(1)},
				{Key: "retries", DataType: domain.TypeNumber, Default: float64(0)},
			},
			BaseSecurityScore: 85,
		},
		{
			Type:        domain.KindTransform,
			Label:       "Transform",
			Description: "Reshapes data flowing between nodes.",
			Inputs:      []domain.PortSpec{data("input", domain.TypeString, true)},
			Outputs:     []domain.PortSpec{data("output", domain.TypeString, false)},
			Properties: []domain.PropertySpec{
				{Key: "mode", DataType: domain.TypeString, Default: "passthrough", Enum: []string{"passthrough", "uppercase", "lowercase", "trim"}},
				{Key: "mapping", DataType: domain.TypeObject, Default: map[string]any{}},
			},
			BaseSecurityScore: 90,
		},
		{
			Type:        domain.KindDelay,
			Label:       "Delay",
			Description: "Holds execution for a number of ticks.",
			Inputs:      []domain.PortSpec{execIn(true)},
			Outputs:     []domain.PortSpec{execOut(PortNext)},
			Properties: []domain.PropertySpec{
				{Key: "ticks", DataType: domain.TypeNumber, Default: float64(1)},
			},
			BaseSecurityScore: 100,
		},
		{
			Type:        domain.KindMerge,
			Label:       "Merge",
			Description: "Joins execution branches.",
			Inputs: []domain.PortSpec{
				{Label: "a", Kind: domain.PortExecution, DataType: domain.TypeBoolean},
				{Label: "b", Kind: domain.PortExecution, DataType: domain.TypeBoolean},
			},
			Outputs: []domain.PortSpec{execOut(PortNext)},
			Properties: []domain.PropertySpec{
				{Key: "strategy", DataType: domain.TypeString, Default: "all", Enum: []string{"all", "any"}},
			},
			BaseSecurityScore: 100,
		},
		{
			Type:        domain.KindOutput,
			Label:       "Output",
			Description: "Terminates a branch and collects its result.",
			Inputs:      []domain.PortSpec{execIn(true), data(PortValue, domain.TypeString, false)},
			Properties: []domain.PropertySpec{
				{Key: "format", DataType: domain.TypeString, Default: "json", Enum: []string{"json", "text"}},
			},
			BaseSecurityScore: 100,
		},
	}
}
