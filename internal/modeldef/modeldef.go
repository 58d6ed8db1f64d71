// Package modeldef loads a model schema document — the YAML stand-in this
// port uses in place of the source-to-runtime precompiler spec §1 calls an
// out-of-scope collaborator — into a *types.Registry. Grounded on
// internal/modelio's document-then-validate loading shape and
// internal/io/registry.go's registry-construction idiom, adapted from JSON
// population documents to a YAML type catalog (gopkg.in/yaml.v3, per
// internal/config's ambient choice of format).
package modeldef

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"distsim/internal/types"
)

type fieldDoc struct {
	Name          string     `yaml:"name"`
	Offset        int        `yaml:"offset"`
	Size          int        `yaml:"size"`
	Scalar        string     `yaml:"scalar"`
	Fields        []fieldDoc `yaml:"fields"`
	Qualifier     string     `yaml:"qualifier"`
	NonStructural bool       `yaml:"non_structural"`
}

type agentTypeDoc struct {
	ID     int        `yaml:"id"`
	Name   string     `yaml:"name"`
	Fields []fieldDoc `yaml:"fields"`
}

type interactionTypeDoc struct {
	ID     int        `yaml:"id"`
	Name   string     `yaml:"name"`
	Fields []fieldDoc `yaml:"fields"`
}

type modelDoc struct {
	AgentTypes       []agentTypeDoc       `yaml:"agent_types"`
	InteractionTypes []interactionTypeDoc `yaml:"interaction_types"`
}

// Load reads path and registers every declared agent and interaction type
// into a fresh registry.
func Load(path string) (*types.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modeldef: read %s: %w", path, err)
	}
	var doc modelDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("modeldef: parse %s: %w", path, err)
	}

	registry := types.NewRegistry()
	for _, at := range doc.AgentTypes {
		fields, err := convertFields(at.Fields)
		if err != nil {
			return nil, fmt.Errorf("modeldef: agent type %q: %w", at.Name, err)
		}
		if err := registry.RegisterAgentType(types.AgentTypeDescriptor{ID: at.ID, Name: at.Name, Fields: fields}); err != nil {
			return nil, fmt.Errorf("modeldef: register agent type %q: %w", at.Name, err)
		}
	}
	for _, it := range doc.InteractionTypes {
		fields, err := convertFields(it.Fields)
		if err != nil {
			return nil, fmt.Errorf("modeldef: interaction type %q: %w", it.Name, err)
		}
		if err := registry.RegisterInteractionType(types.InteractionTypeDescriptor{ID: it.ID, Name: it.Name, Fields: fields}); err != nil {
			return nil, fmt.Errorf("modeldef: register interaction type %q: %w", it.Name, err)
		}
	}
	return registry, nil
}

func convertFields(docs []fieldDoc) ([]types.FieldDescriptor, error) {
	out := make([]types.FieldDescriptor, 0, len(docs))
	for _, d := range docs {
		shape, err := convertShape(d)
		if err != nil {
			return nil, err
		}
		out = append(out, types.FieldDescriptor{
			Name:          d.Name,
			Offset:        d.Offset,
			Size:          d.Size,
			Shape:         shape,
			Qualifier:     qualifierFromName(d.Qualifier),
			NonStructural: d.NonStructural,
		})
	}
	return out, nil
}

func convertShape(d fieldDoc) (types.Shape, error) {
	if len(d.Fields) > 0 {
		nested, err := convertFields(d.Fields)
		if err != nil {
			return types.Shape{}, err
		}
		return types.StructShape(nested...), nil
	}
	kind, err := scalarFromName(d.Scalar)
	if err != nil {
		return types.Shape{}, fmt.Errorf("field %q: %w", d.Name, err)
	}
	return types.ScalarShape(kind), nil
}

func scalarFromName(name string) (types.ScalarKind, error) {
	switch name {
	case "", "bool":
		if name == "" {
			return 0, fmt.Errorf("modeldef: scalar field missing a scalar kind")
		}
		return types.Bool, nil
	case "int64":
		return types.Int64, nil
	case "float64":
		return types.Float64, nil
	case "string":
		return types.String, nil
	case "bytes":
		return types.Bytes, nil
	default:
		return 0, fmt.Errorf("modeldef: unknown scalar kind %q", name)
	}
}

func qualifierFromName(name string) types.Qualifier {
	switch name {
	case "public_non_critical":
		return types.PublicNonCritical
	case "critical":
		return types.Critical
	default:
		return types.Private
	}
}
