package relward

// Instance is one record of an entity as handed to the engine. Fields
// carries every declared field of the entity, nil for unset values; a
// declared field missing from the map entirely is treated as schema drift
// and fails evaluation. Refs carries the target ids of to-one relations;
// a missing or empty entry means the relation is absent.
//
// An empty ID marks a creation proposal that has not been persisted yet.
type Instance struct {
	Entity string
	ID     string
	Fields map[string]any
	Refs   map[string]string
}

// NewInstance returns an instance with empty field and ref maps.
func NewInstance(entity, id string) *Instance {
	return &Instance{
		Entity: entity,
		ID:     id,
		Fields: make(map[string]any),
		Refs:   make(map[string]string),
	}
}

// WithField sets a field value and returns the instance for chaining.
func (in *Instance) WithField(name string, v any) *Instance {
	if in.Fields == nil {
		in.Fields = make(map[string]any)
	}
	in.Fields[name] = v
	return in
}

// WithRef sets the target id of a to-one relation and returns the instance
// for chaining.
func (in *Instance) WithRef(relation, targetID string) *Instance {
	if in.Refs == nil {
		in.Refs = make(map[string]string)
	}
	in.Refs[relation] = targetID
	return in
}

// Clone returns a deep copy of the instance.
func (in *Instance) Clone() *Instance {
	out := &Instance{Entity: in.Entity, ID: in.ID}
	if in.Fields != nil {
		out.Fields = make(map[string]any, len(in.Fields))
		for k, v := range in.Fields {
			out.Fields[k] = v
		}
	}
	if in.Refs != nil {
		out.Refs = make(map[string]string, len(in.Refs))
		for k, v := range in.Refs {
			out.Refs[k] = v
		}
	}
	return out
}

// Actor identifies the authenticated caller of a check. Attrs holds the
// attributes the authentication layer vouches for, keyed by the field
// names of the principal entity. A nil *Actor anywhere in the API means
// the caller is unauthenticated.
type Actor struct {
	ID    string
	Attrs map[string]any
}

// Authenticated builds the actor for a logged-in principal.
func Authenticated(id string, attrs map[string]any) *Actor {
	return &Actor{ID: id, Attrs: attrs}
}

// Unauthenticated marks the caller as anonymous. It exists so call sites
// read as intent rather than a bare nil.
func Unauthenticated() *Actor { return nil }
