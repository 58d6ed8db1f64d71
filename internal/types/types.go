// Package types implements the simulation's type registry (C1): an
// immutable, process-wide catalog of agent, interaction, and attribute
// metadata built once at startup from externally supplied descriptors.
package types

import (
	"errors"
	"fmt"
)

// ScalarKind enumerates the built-in scalar leaves a wire shape may bottom
// out at.
type ScalarKind int

const (
	Bool ScalarKind = iota
	Int64
	Float64
	String
	Bytes
)

func (k ScalarKind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// ScalarSize returns the fixed wire size in bytes for a scalar kind.
// String and Bytes are variable-length and report 0; callers compute their
// size from the value at hand.
func ScalarSize(k ScalarKind) int {
	switch k {
	case Bool:
		return 1
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Qualifier is the source-level annotation a user attribute carries,
// recovered from the precompiler's analysis of the model source
// (analyze_class.cpp / parse_behavior.cpp in the original implementation).
type Qualifier int

const (
	Private Qualifier = iota
	PublicNonCritical
	Critical
)

// Shape is a recursive wire-shape tree: either a scalar leaf or an ordered
// list of nested fields (struct-of-fields). Exactly one of the two is set.
type Shape struct {
	Scalar ScalarKind
	Fields []FieldDescriptor
}

// IsScalar reports whether this shape bottoms out at a scalar leaf.
func (s Shape) IsScalar() bool { return s.Fields == nil }

func ScalarShape(k ScalarKind) Shape { return Shape{Scalar: k} }

func StructShape(fields ...FieldDescriptor) Shape { return Shape{Fields: fields} }

// FieldDescriptor describes one attribute or nested field: its name,
// byte offset and size within the owning struct, its wire shape, and (for
// top-level agent attributes) its qualifier and sendability.
type FieldDescriptor struct {
	Name          string
	Offset        int
	Size          int
	Shape         Shape
	Qualifier     Qualifier
	NonStructural bool // pointer, container, or other non-POD state
}

// AgentTypeDescriptor is the full wire descriptor for one agent type.
type AgentTypeDescriptor struct {
	ID     int
	Name   string
	Fields []FieldDescriptor // ordered; offsets are relative to the agent's own layout
}

// InteractionTypeDescriptor is the header-plus-payload wire descriptor for
// one interaction type. All payload fields are public.
type InteractionTypeDescriptor struct {
	ID     int
	Name   string
	Fields []FieldDescriptor
}

var (
	ErrUnknownAgentType       = errors.New("types: unknown agent type")
	ErrUnknownAttribute       = errors.New("types: unknown attribute")
	ErrUnknownInteractionType = errors.New("types: unknown interaction type")
	ErrDuplicateType          = errors.New("types: type already registered")
	ErrInvalidDescriptor      = errors.New("types: invalid descriptor")
)

func validateFields(fields []FieldDescriptor) error {
	for _, f := range fields {
		if f.NonStructural && f.Qualifier != Private {
			return fmt.Errorf("%w: field %q is non-structural but not private", ErrInvalidDescriptor, f.Name)
		}
		if f.Shape.Fields != nil {
			if err := validateFields(f.Shape.Fields); err != nil {
				return err
			}
		}
	}
	return nil
}

func isSendableAgent(fields []FieldDescriptor) bool {
	for _, f := range fields {
		if f.NonStructural {
			return false
		}
	}
	return true
}

// PublicFields returns fields visible to remote readers: public-non-critical
// and critical attributes, in declaration order.
func (d *AgentTypeDescriptor) PublicFields() []FieldDescriptor {
	return filterFields(d.Fields, func(f FieldDescriptor) bool {
		return f.Qualifier == PublicNonCritical || f.Qualifier == Critical
	})
}

// PublicNonCriticalFields returns only the non-critical public attributes
// (those stored in the per-owner public window, §3).
func (d *AgentTypeDescriptor) PublicNonCriticalFields() []FieldDescriptor {
	return filterFields(d.Fields, func(f FieldDescriptor) bool { return f.Qualifier == PublicNonCritical })
}

// CriticalFields returns the attributes replicated in the critical window.
func (d *AgentTypeDescriptor) CriticalFields() []FieldDescriptor {
	return filterFields(d.Fields, func(f FieldDescriptor) bool { return f.Qualifier == Critical })
}

// Sendable reports whether this agent type's wire-shape is purely
// structural; non-sendable agents can never be migrated (§4.6).
func (d *AgentTypeDescriptor) Sendable() bool { return isSendableAgent(d.Fields) }

// PublicStructSize is the byte size of the per-owner public window slot for
// this agent type (non-critical public fields only).
func (d *AgentTypeDescriptor) PublicStructSize() int {
	return sumSize(d.PublicNonCriticalFields())
}

// CriticalStructSize is the byte size of this agent type's slice of the
// replicated critical window.
func (d *AgentTypeDescriptor) CriticalStructSize() int {
	return sumSize(d.CriticalFields())
}

// AgentMessageSize is the byte size of a full agent payload (all fields),
// used to size migration and snapshot-gather buffers.
func (d *AgentTypeDescriptor) AgentMessageSize() int {
	return sumSize(d.Fields)
}

func (d *InteractionTypeDescriptor) Size() int { return sumSize(d.Fields) }

func sumSize(fields []FieldDescriptor) int {
	total := 0
	for _, f := range fields {
		total += f.Size
	}
	return total
}

func filterFields(fields []FieldDescriptor, keep func(FieldDescriptor) bool) []FieldDescriptor {
	out := make([]FieldDescriptor, 0, len(fields))
	for _, f := range fields {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

// WireField is a flattened transport-level descriptor entry: a
// (offset, scalar-kind, count) triple the messaging substrate uses to build
// its native typed put/get operations, derived by walking a recursive
// Shape tree (§4.1 wire_descriptor_for).
type WireField struct {
	Offset int
	Kind   ScalarKind
	Count  int
}

// WireDescriptorFor flattens a field's shape tree into a list of
// (offset, scalar-kind, count) triples, consecutive identical scalar kinds
// at the same relative stride collapsed into a single run.
func WireDescriptorFor(f FieldDescriptor) []WireField {
	var out []WireField
	walkShape(f.Shape, f.Offset, &out)
	return coalesce(out)
}

func walkShape(s Shape, base int, out *[]WireField) {
	if s.IsScalar() {
		*out = append(*out, WireField{Offset: base, Kind: s.Scalar, Count: 1})
		return
	}
	for _, nested := range s.Fields {
		walkShape(nested.Shape, base+nested.Offset, out)
	}
}

func coalesce(fields []WireField) []WireField {
	if len(fields) == 0 {
		return fields
	}
	out := make([]WireField, 0, len(fields))
	cur := fields[0]
	for _, f := range fields[1:] {
		if f.Kind == cur.Kind && f.Offset == cur.Offset+cur.Count*ScalarSize(cur.Kind) {
			cur.Count++
			continue
		}
		out = append(out, cur)
		cur = f
	}
	out = append(out, cur)
	return out
}
