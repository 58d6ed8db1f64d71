// Package modelio loads the initial-population document format (spec §6)
// into control.AgentSeed values the control plane's "init"/"add_agents"
// commands materialize via the meta-evolution planner. Grounded on
// internal/storage/codec.go's decode-then-validate pairing, reusing
// internal/snapshot's TaggedValue scalar encoding so a snapshot's export
// output and an initial-population file share one attribute wire format
// end to end (spec property 6's export/convert/init round trip).
package modelio

import (
	"encoding/json"
	"fmt"
	"os"

	"distsim/internal/control"
	"distsim/internal/snapshot"
	"distsim/internal/types"
)

type agentTypeDoc struct {
	Type          string                           `json:"type"`
	Number        int                              `json:"number"`
	DefaultValues map[string]snapshot.TaggedValue   `json:"default_values"`
	Agents        []agentOverrideDoc                `json:"agents"`
}

type agentOverrideDoc struct {
	ID         int64                          `json:"id"`
	Attributes map[string]snapshot.TaggedValue `json:"attributes"`
}

type populationDoc struct {
	AgentTypes []agentTypeDoc `json:"agent_types"`
}

// Loader implements control.PopulationLoader against the registry that
// knows how to encode each agent type's attributes into wire bytes.
type Loader struct {
	registry *types.Registry
}

func New(registry *types.Registry) *Loader {
	return &Loader{registry: registry}
}

// Load reads an initial-population document and expands it into one
// control.AgentSeed per agent: `number` agents built from default_values,
// with any entry named in `agents` overriding that id's attributes (spec
// §6: "entries in agents override specific ids").
func (l *Loader) Load(path string) ([]control.AgentSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelio: read %s: %w", path, err)
	}
	var doc populationDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("modelio: parse %s: %w", path, err)
	}

	var seeds []control.AgentSeed
	for _, td := range doc.AgentTypes {
		d, err := l.registry.AgentTypeByName(td.Type)
		if err != nil {
			return nil, fmt.Errorf("modelio: agent type %q: %w", td.Type, err)
		}

		overrides := make(map[int64]map[string]snapshot.TaggedValue, len(td.Agents))
		for _, a := range td.Agents {
			overrides[a.ID] = a.Attributes
		}

		for localID := int64(0); localID < int64(td.Number); localID++ {
			attrs := td.DefaultValues
			if o, ok := overrides[localID]; ok {
				attrs = mergeAttributes(td.DefaultValues, o)
			}
			payload, err := encodeAgentPayload(d, attrs)
			if err != nil {
				return nil, fmt.Errorf("modelio: type %q id %d: %w", td.Type, localID, err)
			}
			seeds = append(seeds, control.AgentSeed{AgentType: d.ID, Payload: payload})
		}
	}
	return seeds, nil
}

func mergeAttributes(base, override map[string]snapshot.TaggedValue) map[string]snapshot.TaggedValue {
	merged := make(map[string]snapshot.TaggedValue, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// encodeAgentPayload serializes every field in declaration order as
// length-prefixed wire bytes, matching metaevo.serializeAgent's format so
// the same planner-side deserializer materializes both births and loaded
// population entries identically.
func encodeAgentPayload(d *types.AgentTypeDescriptor, attrs map[string]snapshot.TaggedValue) ([]byte, error) {
	var out []byte
	for _, f := range d.Fields {
		tv, ok := attrs[f.Name]
		var v []byte
		var err error
		if ok {
			v, err = snapshot.EncodeAttribute(f, tv)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
		} else {
			v = make([]byte, f.Size)
		}
		n := len(v)
		out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		out = append(out, v...)
	}
	return out, nil
}
