package stores

import (
	"context"
	"fmt"
	"sync"

	"github.com/relward/relward"
)

// MemorySource keeps instances and relation memberships in memory. It is
// the reference Source for tests, demos and small fixed datasets.
//
// Instances handed to Add are copied and normalized so every declared
// field is present; membership lists keep their insertion order, which is
// the order quantifiers observe.
type MemorySource struct {
	mu        sync.RWMutex
	reg       *relward.Registry
	instances map[string]map[string]*relward.Instance
	members   map[string][]string
}

func NewMemorySource(reg *relward.Registry) *MemorySource {
	return &MemorySource{
		reg:       reg,
		instances: make(map[string]map[string]*relward.Instance),
		members:   make(map[string][]string),
	}
}

// Add stores an instance. Declared fields missing from the instance are
// filled with nil.
func (s *MemorySource) Add(inst *relward.Instance) error {
	def, ok := s.reg.Entity(inst.Entity)
	if !ok {
		return fmt.Errorf("entity %q is not declared", inst.Entity)
	}
	if inst.ID == "" {
		return fmt.Errorf("instance of %s has no id", inst.Entity)
	}
	cp := inst.Clone()
	if cp.Fields == nil {
		cp.Fields = make(map[string]any)
	}
	for _, f := range def.Fields {
		if _, ok := cp.Fields[f.Name]; !ok {
			cp.Fields[f.Name] = nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.instances[inst.Entity]
	if byID == nil {
		byID = make(map[string]*relward.Instance)
		s.instances[inst.Entity] = byID
	}
	byID[inst.ID] = cp
	return nil
}

// Link appends members to a to-many relation of the identified instance.
func (s *MemorySource) Link(entity, id, relation string, targetIDs ...string) error {
	def, ok := s.reg.Entity(entity)
	if !ok {
		return fmt.Errorf("entity %q is not declared", entity)
	}
	rel, ok := def.Relation(relation)
	if !ok {
		return fmt.Errorf("entity %s has no relation %q", entity, relation)
	}
	if rel.Cardinality != relward.Many {
		return fmt.Errorf("relation %s.%s is to-one; set it through Refs", entity, relation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(entity, id, relation)
	s.members[key] = append(s.members[key], targetIDs...)
	return nil
}

// Remove deletes an instance and its membership lists.
func (s *MemorySource) Remove(entity, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID := s.instances[entity]; byID != nil {
		delete(byID, id)
	}
	prefix := memberKey(entity, id, "")
	for key := range s.members {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.members, key)
		}
	}
}

func (s *MemorySource) FetchByID(ctx context.Context, entity, id string) (*relward.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.instances[entity]
	if byID == nil {
		return nil, nil
	}
	return byID[id], nil
}

func (s *MemorySource) FetchOne(ctx context.Context, inst *relward.Instance, relation string) (*relward.Instance, error) {
	def, ok := s.reg.Entity(inst.Entity)
	if !ok {
		return nil, fmt.Errorf("entity %q is not declared", inst.Entity)
	}
	rel, ok := def.Relation(relation)
	if !ok || rel.Cardinality != relward.One {
		return nil, fmt.Errorf("entity %s has no to-one relation %q", inst.Entity, relation)
	}
	ref := inst.Refs[relation]
	if ref == "" {
		return nil, nil
	}
	return s.FetchByID(ctx, rel.Target, ref)
}

func (s *MemorySource) FetchMany(ctx context.Context, inst *relward.Instance, relation string) (relward.Cursor, error) {
	def, ok := s.reg.Entity(inst.Entity)
	if !ok {
		return nil, fmt.Errorf("entity %q is not declared", inst.Entity)
	}
	rel, ok := def.Relation(relation)
	if !ok || rel.Cardinality != relward.Many {
		return nil, fmt.Errorf("entity %s has no to-many relation %q", inst.Entity, relation)
	}
	s.mu.RLock()
	ids := append([]string(nil), s.members[memberKey(inst.Entity, inst.ID, relation)]...)
	s.mu.RUnlock()
	return &memoryCursor{src: s, entity: rel.Target, ids: ids}, nil
}

type memoryCursor struct {
	src    *MemorySource
	entity string
	ids    []string
	idx    int
}

func (c *memoryCursor) Next(ctx context.Context) (*relward.Instance, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.idx >= len(c.ids) {
			return nil, nil
		}
		id := c.ids[c.idx]
		c.idx++
		inst, err := c.src.FetchByID(ctx, c.entity, id)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			return inst, nil
		}
		// dangling membership, skip
	}
}

func (c *memoryCursor) Close() error { return nil }

func memberKey(entity, id, relation string) string {
	return entity + "\x00" + id + "\x00" + relation
}
