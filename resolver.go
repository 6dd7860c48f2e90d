package relward

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

// Source supplies instances and relation members to the engine. The engine
// never caches across checks, so whatever the source returns is the data a
// decision is made on.
//
// Contract: FetchByID and FetchOne return (nil, nil) for an absent
// instance or relation; errors are reserved for real failures. Returned
// instances carry every declared field in Fields (nil when unset) and the
// target ids of their to-one relations in Refs. FetchMany may return a nil
// cursor for an empty relation.
type Source interface {
	FetchByID(ctx context.Context, entity, id string) (*Instance, error)
	FetchOne(ctx context.Context, inst *Instance, relation string) (*Instance, error)
	FetchMany(ctx context.Context, inst *Instance, relation string) (Cursor, error)
}

// Cursor walks the members of a to-many relation one instance at a time.
// Next returns (nil, nil) once the relation is exhausted. Implementations
// should fetch incrementally so that a caller stopping early does not pay
// for the rest.
type Cursor interface {
	Next(ctx context.Context) (*Instance, error)
	Close() error
}

// Resolver fetches relations on behalf of one check and caches everything
// it fetched for the duration of that check, so a rule whose branches
// touch the same relation twice observes one consistent snapshot and pays
// for one fetch. Create a fresh Resolver per check and Close it when the
// check is done; it is not safe for concurrent use.
type Resolver struct {
	source Source
	ones   map[uint64]*Instance
	manys  map[uint64]*memoSeq
}

// NewResolver returns a resolver reading from src.
func NewResolver(src Source) *Resolver {
	return &Resolver{
		source: src,
		ones:   make(map[uint64]*Instance),
		manys:  make(map[uint64]*memoSeq),
	}
}

// One resolves a to-one relation of inst, nil when absent.
func (r *Resolver) One(ctx context.Context, inst *Instance, rel *RelationDefinition) (*Instance, error) {
	key := relKey(inst, rel.Name)
	if cached, ok := r.ones[key]; ok {
		return cached, nil
	}
	out, err := r.source.FetchOne(ctx, inst, rel.Name)
	if err != nil {
		return nil, &ResolutionError{Entity: inst.Entity, ID: inst.ID, Relation: rel.Name, Err: err}
	}
	r.ones[key] = out
	return out, nil
}

// Many returns a sequence over the members of a to-many relation of inst.
// Sequences obtained for the same instance and relation within one check
// replay the same members; the underlying cursor is consumed once, only as
// far as any sequence has advanced.
func (r *Resolver) Many(ctx context.Context, inst *Instance, rel *RelationDefinition) (*Sequence, error) {
	key := relKey(inst, rel.Name)
	if memo, ok := r.manys[key]; ok {
		return &Sequence{memo: memo}, nil
	}
	cur, err := r.source.FetchMany(ctx, inst, rel.Name)
	if err != nil {
		return nil, &ResolutionError{Entity: inst.Entity, ID: inst.ID, Relation: rel.Name, Err: err}
	}
	memo := &memoSeq{cursor: cur, entity: inst.Entity, id: inst.ID, relation: rel.Name}
	r.manys[key] = memo
	return &Sequence{memo: memo}, nil
}

// Close releases any cursors the resolver still holds open, for example
// after a quantifier stopped at its first match.
func (r *Resolver) Close() error {
	var first error
	for _, memo := range r.manys {
		if memo.cursor != nil {
			if err := memo.cursor.Close(); err != nil && first == nil {
				first = err
			}
			memo.cursor = nil
		}
	}
	return first
}

// Sequence is a restartable view over a memoized relation. Each Sequence
// starts at the first member; members already pulled from the source are
// served from memory.
type Sequence struct {
	memo *memoSeq
	idx  int
}

// Next returns the next member, or false once the sequence is exhausted.
func (s *Sequence) Next(ctx context.Context) (*Instance, bool, error) {
	inst, ok, err := s.memo.at(ctx, s.idx)
	if err != nil || !ok {
		return nil, false, err
	}
	s.idx++
	return inst, true, nil
}

type memoSeq struct {
	cursor   Cursor
	members  []*Instance
	done     bool
	entity   string
	id       string
	relation string
}

func (m *memoSeq) at(ctx context.Context, i int) (*Instance, bool, error) {
	for len(m.members) <= i && !m.done {
		if m.cursor == nil {
			m.done = true
			break
		}
		inst, err := m.cursor.Next(ctx)
		if err != nil {
			return nil, false, &ResolutionError{Entity: m.entity, ID: m.id, Relation: m.relation, Err: err}
		}
		if inst == nil {
			m.done = true
			m.cursor.Close()
			m.cursor = nil
			break
		}
		m.members = append(m.members, inst)
	}
	if i < len(m.members) {
		return m.members[i], true, nil
	}
	return nil, false, nil
}

var keySep = []byte{0}

func relKey(inst *Instance, relation string) uint64 {
	h := xxhash.New()
	h.WriteString(inst.Entity)
	h.Write(keySep)
	h.WriteString(inst.ID)
	h.Write(keySep)
	h.WriteString(relation)
	return h.Sum64()
}
