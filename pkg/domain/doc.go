// Package domain defines the core types of the workflow graph engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Plain, serializable records (JSON and YAML tags) suitable for persistence
// - Free of rendering or transport concerns
// - Shared by the graph model, the validators and the execution engine
//
// Other packages (templates, graph, validation, security, engine, audit) implement the
// behaviour and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
