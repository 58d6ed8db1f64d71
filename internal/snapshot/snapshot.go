// Package snapshot implements the Snapshot Exporter (C8): per-master
// serialization of owned agents into a self-describing tagged value
// document, root-side merge into one export document, and the convert
// reshape back into the initial-population format (spec §4.8, §6).
// Grounded on internal/storage/codec.go's Encode*/Decode* pairing (stdlib
// encoding/json, version-checked envelopes) for the JSON variant, and on
// internal/map2rec/codec.go's self-describing RecordEnvelope{Kind,
// Payload} idea for the binary variant's tag-per-value scheme (ubjson.go).
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"distsim/internal/agentstore"
	"distsim/internal/gid"
	"distsim/internal/types"
)

// TaggedValue is one scalar or nested-struct attribute value, self
// describing by Tag ("bool", "i64", "f64", "str", "bytes", "struct").
type TaggedValue struct {
	Tag    string                 `json:"tag"`
	Value  any                    `json:"value"`
	Fields map[string]TaggedValue `json:"fields,omitempty"`
}

// AgentRecord is one exported agent: its local id and its attributes keyed
// by name.
type AgentRecord struct {
	ID         int64                  `json:"id"`
	Attributes map[string]TaggedValue `json:"attributes"`
}

// Document is the merged export document's shape (spec §6): agents grouped
// by type name.
type Document struct {
	Agents map[string][]AgentRecord `json:"agents"`
}

// Exporter is the per-master Snapshot Exporter, implementing
// internal/control's Exporter seam.
type Exporter struct {
	registry        *types.Registry
	store           *agentstore.Store
	totalAgentTypes int
}

func New(registry *types.Registry, store *agentstore.Store, totalAgentTypes int) *Exporter {
	return &Exporter{registry: registry, store: store, totalAgentTypes: totalAgentTypes}
}

// LocalSnapshot serializes this master's owned agents into a partial
// document (type name -> records), JSON-encoded regardless of the final
// export kind: it travels through Fabric.AllGatherV as an ordinary byte
// payload and is only re-rendered into JSON or ubjson once merged on root.
func (e *Exporter) LocalSnapshot(ctx context.Context) ([]byte, error) {
	partial := make(map[string][]AgentRecord)
	for _, a := range e.store.IterateOwned() {
		d, err := e.registry.AgentType(a.Type)
		if err != nil {
			return nil, fmt.Errorf("snapshot: agent type %d: %w", a.Type, err)
		}
		attrs := make(map[string]TaggedValue, len(d.Fields))
		for i, f := range d.Fields {
			raw := a.Attr(i)
			if raw == nil {
				continue
			}
			tv, err := DecodeAttribute(f, raw)
			if err != nil {
				return nil, fmt.Errorf("snapshot: agent %d field %q: %w", a.ID, f.Name, err)
			}
			attrs[f.Name] = tv
		}
		_, localID := gid.Decode(a.ID, e.totalAgentTypes)
		partial[d.Name] = append(partial[d.Name], AgentRecord{ID: localID, Attributes: attrs})
	}
	return json.Marshal(partial)
}

// WriteMerged combines every master's LocalSnapshot output into one
// document and writes it to path in the requested kind.
func (e *Exporter) WriteMerged(ctx context.Context, kind, path string, perMaster [][]byte) error {
	merged := make(map[string][]AgentRecord)
	for rank, buf := range perMaster {
		var partial map[string][]AgentRecord
		if err := json.Unmarshal(buf, &partial); err != nil {
			return fmt.Errorf("snapshot: decode partial document from rank %d: %w", rank, err)
		}
		for name, records := range partial {
			merged[name] = append(merged[name], records...)
		}
	}
	doc := Document{Agents: merged}

	switch kind {
	case "json":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("snapshot: marshal document: %w", err)
		}
		return os.WriteFile(path, data, 0o644)
	case "ubjson":
		data, err := encodeDocument(doc)
		if err != nil {
			return fmt.Errorf("snapshot: encode ubjson document: %w", err)
		}
		return os.WriteFile(path, data, 0o644)
	default:
		return fmt.Errorf("snapshot: unknown export kind %q", kind)
	}
}

// initAgentType is one entry of the initial-population format (spec §6).
type initAgentType struct {
	Type   string        `json:"type"`
	Number int           `json:"number"`
	Agents []AgentRecord `json:"agents"`
}

type initDocument struct {
	AgentTypes []initAgentType `json:"agent_types"`
}

// Convert reshapes an exported document (JSON or ubjson, sniffed by magic
// prefix) into an initial-population document: each type's record array is
// wrapped as {"type": name, "number": N, "agents": [...]} (spec §4.8,
// property 6's export/convert/init round trip). Root-only; no fabric
// participation, since it operates purely on files already on disk.
func (e *Exporter) Convert(ctx context.Context, inPath, outPath string) error {
	raw, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("snapshot: read %s: %w", inPath, err)
	}

	var doc Document
	if isUBJSON(raw) {
		doc, err = decodeDocument(raw)
	} else {
		err = json.Unmarshal(raw, &doc)
	}
	if err != nil {
		return fmt.Errorf("snapshot: decode %s: %w", inPath, err)
	}

	names := make([]string, 0, len(doc.Agents))
	for name := range doc.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	out := initDocument{AgentTypes: make([]initAgentType, 0, len(names))}
	for _, name := range names {
		records := doc.Agents[name]
		out.AgentTypes = append(out.AgentTypes, initAgentType{
			Type:   name,
			Number: len(records),
			Agents: records,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal initial-population document: %w", err)
	}
	return os.WriteFile(outPath, data, 0o644)
}

func DecodeAttribute(f types.FieldDescriptor, raw []byte) (TaggedValue, error) {
	if f.Shape.IsScalar() {
		tag, v, err := decodeScalar(f.Shape.Scalar, raw)
		if err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: tag, Value: v}, nil
	}
	fields := make(map[string]TaggedValue, len(f.Shape.Fields))
	for _, nf := range f.Shape.Fields {
		end := nf.Offset + nf.Size
		if end > len(raw) {
			return TaggedValue{}, fmt.Errorf("snapshot: nested field %q out of range", nf.Name)
		}
		sub, err := DecodeAttribute(nf, raw[nf.Offset:end])
		if err != nil {
			return TaggedValue{}, err
		}
		fields[nf.Name] = sub
	}
	return TaggedValue{Tag: "struct", Fields: fields}, nil
}

// EncodeAttribute is DecodeAttribute's inverse, used by internal/modelio to
// materialize agents from an initial-population or snapshot document.
func EncodeAttribute(f types.FieldDescriptor, tv TaggedValue) ([]byte, error) {
	if f.Shape.IsScalar() {
		return encodeScalar(f.Shape.Scalar, tv.Tag, tv.Value)
	}
	buf := make([]byte, f.Size)
	for _, nf := range f.Shape.Fields {
		sub, ok := tv.Fields[nf.Name]
		if !ok {
			continue
		}
		v, err := EncodeAttribute(nf, sub)
		if err != nil {
			return nil, err
		}
		copy(buf[nf.Offset:nf.Offset+nf.Size], v)
	}
	return buf, nil
}
