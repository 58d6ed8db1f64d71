package types

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// Registry is the process-wide, read-only catalog described by §4.1. It is
// built once at startup (by registering every agent and interaction type)
// and is safe for concurrent read access thereafter; registration itself is
// guarded the same way the teacher's io/substrate registries are, by a
// single RWMutex held only while the map is mutated.
type Registry struct {
	mu               sync.RWMutex
	agentTypes       map[int]*AgentTypeDescriptor
	agentNameToID    map[string]int
	interactionTypes map[int]*InteractionTypeDescriptor
	interactionName  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		agentTypes:       make(map[int]*AgentTypeDescriptor),
		agentNameToID:    make(map[string]int),
		interactionTypes: make(map[int]*InteractionTypeDescriptor),
		interactionName:  make(map[string]int),
	}
}

// RegisterAgentType adds a new agent type descriptor. Ids must be dense and
// unique; callers typically register types in id order at startup.
func (r *Registry) RegisterAgentType(desc AgentTypeDescriptor) error {
	if err := validateFields(desc.Fields); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agentTypes[desc.ID]; exists {
		return fmt.Errorf("%w: agent type id %d", ErrDuplicateType, desc.ID)
	}
	if _, exists := r.agentNameToID[desc.Name]; exists {
		return fmt.Errorf("%w: agent type name %q", ErrDuplicateType, desc.Name)
	}
	cp := desc
	r.agentTypes[desc.ID] = &cp
	r.agentNameToID[desc.Name] = desc.ID
	return nil
}

func (r *Registry) RegisterInteractionType(desc InteractionTypeDescriptor) error {
	if err := validateFields(desc.Fields); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.interactionTypes[desc.ID]; exists {
		return fmt.Errorf("%w: interaction type id %d", ErrDuplicateType, desc.ID)
	}
	if _, exists := r.interactionName[desc.Name]; exists {
		return fmt.Errorf("%w: interaction type name %q", ErrDuplicateType, desc.Name)
	}
	cp := desc
	r.interactionTypes[desc.ID] = &cp
	r.interactionName[desc.Name] = desc.ID
	return nil
}

func (r *Registry) AgentType(id int) (*AgentTypeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agentTypes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAgentType, id)
	}
	return d, nil
}

func (r *Registry) AgentTypeByName(name string) (*AgentTypeDescriptor, error) {
	r.mu.RLock()
	id, ok := r.agentNameToID[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgentType, name)
	}
	return r.AgentType(id)
}

func (r *Registry) InteractionType(id int) (*InteractionTypeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.interactionTypes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInteractionType, id)
	}
	return d, nil
}

// ListAgentTypeIDs returns every registered agent type id in ascending
// order, the deterministic iteration order offset construction (§4.2)
// depends on.
func (r *Registry) ListAgentTypeIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.agentTypes))
	for id := range r.agentTypes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// FieldDescriptor resolves §4.1's field_descriptor(type, attr).
func (r *Registry) FieldDescriptor(agentType, attr int) (FieldDescriptor, error) {
	d, err := r.AgentType(agentType)
	if err != nil {
		return FieldDescriptor{}, err
	}
	if attr < 0 || attr >= len(d.Fields) {
		return FieldDescriptor{}, fmt.Errorf("%w: type %d attr %d", ErrUnknownAttribute, agentType, attr)
	}
	return d.Fields[attr], nil
}

func (r *Registry) IsCritical(agentType, attr int) (bool, error) {
	f, err := r.FieldDescriptor(agentType, attr)
	if err != nil {
		return false, err
	}
	return f.Qualifier == Critical, nil
}

func (r *Registry) IsSendable(agentType, attr int) (bool, error) {
	f, err := r.FieldDescriptor(agentType, attr)
	if err != nil {
		return false, err
	}
	return !f.NonStructural, nil
}

func (r *Registry) IsSendableAgent(agentType int) (bool, error) {
	d, err := r.AgentType(agentType)
	if err != nil {
		return false, err
	}
	return d.Sendable(), nil
}

func (r *Registry) PublicStructSize(agentType int) (int, error) {
	d, err := r.AgentType(agentType)
	if err != nil {
		return 0, err
	}
	return d.PublicStructSize(), nil
}

func (r *Registry) CriticalStructSize(agentType int) (int, error) {
	d, err := r.AgentType(agentType)
	if err != nil {
		return 0, err
	}
	return d.CriticalStructSize(), nil
}

func (r *Registry) AgentMessageSize(agentType int) (int, error) {
	d, err := r.AgentType(agentType)
	if err != nil {
		return 0, err
	}
	return d.AgentMessageSize(), nil
}

func (r *Registry) InteractionMessageSize(itype int) (int, error) {
	d, err := r.InteractionType(itype)
	if err != nil {
		return 0, err
	}
	return d.Size(), nil
}

// WireDescriptorForAttribute emits the flattened transport-level descriptor
// for one attribute, per §4.1's wire_descriptor_for.
func (r *Registry) WireDescriptorForAttribute(agentType, attr int) ([]WireField, error) {
	f, err := r.FieldDescriptor(agentType, attr)
	if err != nil {
		return nil, err
	}
	return WireDescriptorFor(f), nil
}
