package relward

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operation is one of the four data operations a rule can guard.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func validOperation(op Operation) bool {
	switch op {
	case OpCreate, OpRead, OpUpdate, OpDelete:
		return true
	}
	return false
}

// FieldType enumerates the scalar types a field can carry.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeTime   FieldType = "time"
	TypeEnum   FieldType = "enum"
)

func validFieldType(t FieldType) bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime, TypeEnum:
		return true
	}
	return false
}

// Cardinality says whether a relation reaches one target instance or many.
type Cardinality string

const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

// FieldDefinition declares a typed field on an entity. Min and Max bound
// numeric fields when set; Enum lists the members of an enum field.
type FieldDefinition struct {
	Name     string
	Type     FieldType
	Required bool
	Min      *float64
	Max      *float64
	Enum     []string
}

func (f *FieldDefinition) isMember(v string) bool {
	for _, m := range f.Enum {
		if m == v {
			return true
		}
	}
	return false
}

// RelationDefinition declares a named, directed link to another entity.
type RelationDefinition struct {
	Name        string
	Target      string
	Cardinality Cardinality
	Optional    bool
}

// PolicyRule guards one or more operations on its entity with a boolean
// expression. Rules are evaluated in declaration order and the first one
// that holds grants access.
type PolicyRule struct {
	Name       string
	Operations []Operation
	Expression string

	compiled Expr
	entity   string
}

// AppliesTo reports whether the rule guards op.
func (r *PolicyRule) AppliesTo(op Operation) bool {
	for _, o := range r.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Compiled returns the bound expression tree, nil before the registry
// containing the rule has been built.
func (r *PolicyRule) Compiled() Expr { return r.compiled }

// EntityDefinition declares an entity: its fields, its relations to other
// entities and the rules guarding operations on it.
type EntityDefinition struct {
	Name      string
	Fields    []FieldDefinition
	Relations []RelationDefinition
	Rules     []PolicyRule

	fields    map[string]*FieldDefinition
	relations map[string]*RelationDefinition
	byOp      map[Operation][]*PolicyRule
}

// Field looks up a field declaration by name. Valid after the registry
// holding the entity has been built.
func (e *EntityDefinition) Field(name string) (*FieldDefinition, bool) {
	f, ok := e.fields[name]
	return f, ok
}

// Relation looks up a relation declaration by name.
func (e *EntityDefinition) Relation(name string) (*RelationDefinition, bool) {
	r, ok := e.relations[name]
	return r, ok
}

// Registry is an immutable, validated schema: every entity, field, relation
// and compiled rule a deployment works against. Build one at startup with
// NewRegistry and share it freely; it is safe for concurrent use.
type Registry struct {
	entities    map[string]*EntityDefinition
	order       []string
	principal   string
	fingerprint string
}

// NewRegistry validates the given declarations, compiles every rule
// expression against them and returns the frozen result. principal names
// the entity that authenticated callers are instances of; it may be empty
// when no rule mentions actor. The input definitions are copied, so the
// caller may reuse or mutate them afterwards.
//
// Declaration faults come back as *SchemaError, rule faults as *ParseError
// wrapped with the entity and rule name.
func NewRegistry(principal string, entities ...*EntityDefinition) (*Registry, error) {
	reg := &Registry{
		entities:  make(map[string]*EntityDefinition, len(entities)),
		principal: principal,
	}
	for _, src := range entities {
		if src == nil {
			return nil, schemaErrf("", "nil entity definition")
		}
		if src.Name == "" {
			return nil, schemaErrf("", "entity with empty name")
		}
		if _, dup := reg.entities[src.Name]; dup {
			return nil, schemaErrf(src.Name, "declared twice")
		}
		def, err := copyEntity(src)
		if err != nil {
			return nil, err
		}
		reg.entities[def.Name] = def
		reg.order = append(reg.order, def.Name)
	}
	if principal != "" {
		if _, ok := reg.entities[principal]; !ok {
			return nil, schemaErrf("", "principal entity %q is not declared", principal)
		}
	}
	for _, name := range reg.order {
		if err := reg.checkRelations(reg.entities[name]); err != nil {
			return nil, err
		}
	}
	for _, name := range reg.order {
		def := reg.entities[name]
		def.byOp = make(map[Operation][]*PolicyRule)
		for i := range def.Rules {
			rule := &def.Rules[i]
			if err := reg.checkRule(def, rule, i); err != nil {
				return nil, err
			}
			compiled, err := compileRule(reg, def, rule.Expression)
			if err != nil {
				return nil, fmt.Errorf("entity %s rule %s: %w", def.Name, rule.Name, err)
			}
			rule.compiled = compiled
			rule.entity = def.Name
			for _, op := range rule.Operations {
				def.byOp[op] = append(def.byOp[op], rule)
			}
		}
	}
	reg.fingerprint = fingerprint(reg)
	return reg, nil
}

func copyEntity(src *EntityDefinition) (*EntityDefinition, error) {
	def := &EntityDefinition{
		Name:      src.Name,
		Fields:    append([]FieldDefinition(nil), src.Fields...),
		Relations: append([]RelationDefinition(nil), src.Relations...),
		Rules:     append([]PolicyRule(nil), src.Rules...),
		fields:    make(map[string]*FieldDefinition, len(src.Fields)),
		relations: make(map[string]*RelationDefinition, len(src.Relations)),
	}
	for i := range def.Fields {
		f := &def.Fields[i]
		f.Enum = append([]string(nil), f.Enum...)
		if f.Name == "" {
			return nil, schemaErrf(def.Name, "field with empty name")
		}
		if _, dup := def.fields[f.Name]; dup {
			return nil, schemaErrf(def.Name, "field %q declared twice", f.Name)
		}
		if !validFieldType(f.Type) {
			return nil, schemaErrf(def.Name, "field %q has unknown type %q", f.Name, f.Type)
		}
		if f.Type == TypeEnum {
			if len(f.Enum) == 0 {
				return nil, schemaErrf(def.Name, "enum field %q has no members", f.Name)
			}
			seen := make(map[string]bool, len(f.Enum))
			for _, m := range f.Enum {
				if m == "" {
					return nil, schemaErrf(def.Name, "enum field %q has an empty member", f.Name)
				}
				if seen[m] {
					return nil, schemaErrf(def.Name, "enum field %q repeats member %q", f.Name, m)
				}
				seen[m] = true
			}
		} else if len(f.Enum) > 0 {
			return nil, schemaErrf(def.Name, "field %q lists enum members but has type %s", f.Name, f.Type)
		}
		if f.Min != nil || f.Max != nil {
			if f.Type != TypeInt && f.Type != TypeFloat {
				return nil, schemaErrf(def.Name, "field %q has a numeric range but type %s", f.Name, f.Type)
			}
			if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
				return nil, schemaErrf(def.Name, "field %q has min %v above max %v", f.Name, *f.Min, *f.Max)
			}
		}
		def.fields[f.Name] = f
	}
	for i := range def.Relations {
		r := &def.Relations[i]
		if r.Name == "" {
			return nil, schemaErrf(def.Name, "relation with empty name")
		}
		if _, dup := def.relations[r.Name]; dup {
			return nil, schemaErrf(def.Name, "relation %q declared twice", r.Name)
		}
		if _, clash := def.fields[r.Name]; clash {
			return nil, schemaErrf(def.Name, "relation %q collides with a field", r.Name)
		}
		if r.Cardinality != One && r.Cardinality != Many {
			return nil, schemaErrf(def.Name, "relation %q has cardinality %q, want one or many", r.Name, r.Cardinality)
		}
		def.relations[r.Name] = r
	}
	return def, nil
}

func (reg *Registry) checkRelations(def *EntityDefinition) error {
	for i := range def.Relations {
		r := &def.Relations[i]
		if r.Target == "" {
			return schemaErrf(def.Name, "relation %q has no target", r.Name)
		}
		if _, ok := reg.entities[r.Target]; !ok {
			return schemaErrf(def.Name, "relation %q targets undeclared entity %q", r.Name, r.Target)
		}
	}
	return nil
}

func (reg *Registry) checkRule(def *EntityDefinition, rule *PolicyRule, idx int) error {
	if rule.Name == "" {
		rule.Name = def.Name + "#" + strconv.Itoa(idx)
	}
	for j := 0; j < idx; j++ {
		if def.Rules[j].Name == rule.Name {
			return schemaErrf(def.Name, "rule %q declared twice", rule.Name)
		}
	}
	if len(rule.Operations) == 0 {
		return schemaErrf(def.Name, "rule %q guards no operations", rule.Name)
	}
	seen := make(map[Operation]bool, len(rule.Operations))
	for _, op := range rule.Operations {
		if !validOperation(op) {
			return schemaErrf(def.Name, "rule %q guards unknown operation %q", rule.Name, op)
		}
		if seen[op] {
			return schemaErrf(def.Name, "rule %q repeats operation %q", rule.Name, op)
		}
		seen[op] = true
	}
	if strings.TrimSpace(rule.Expression) == "" {
		return schemaErrf(def.Name, "rule %q has an empty expression", rule.Name)
	}
	return nil
}

// Entity looks up an entity definition by name.
func (reg *Registry) Entity(name string) (*EntityDefinition, bool) {
	def, ok := reg.entities[name]
	return def, ok
}

// Entities returns every entity definition in declaration order.
func (reg *Registry) Entities() []*EntityDefinition {
	out := make([]*EntityDefinition, 0, len(reg.order))
	for _, name := range reg.order {
		out = append(out, reg.entities[name])
	}
	return out
}

// Principal returns the name of the designated principal entity, empty if
// none was declared.
func (reg *Registry) Principal() string { return reg.principal }

// PrincipalEntity returns the principal entity definition.
func (reg *Registry) PrincipalEntity() (*EntityDefinition, bool) {
	if reg.principal == "" {
		return nil, false
	}
	def, ok := reg.entities[reg.principal]
	return def, ok
}

// RulesFor returns the rules guarding op on the named entity, in
// declaration order. An empty result means the operation is denied for
// everyone.
func (reg *Registry) RulesFor(entity string, op Operation) []*PolicyRule {
	def, ok := reg.entities[entity]
	if !ok {
		return nil
	}
	return def.byOp[op]
}

// Fingerprint identifies the loaded schema. Two registries built from the
// same declarations share a fingerprint; any change to an entity, field,
// relation or rule produces a new one.
func (reg *Registry) Fingerprint() string { return reg.fingerprint }

func fingerprint(reg *Registry) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write("principal", reg.principal)
	for _, name := range reg.order {
		def := reg.entities[name]
		write("entity", def.Name)
		for _, f := range def.Fields {
			write("field", f.Name, string(f.Type), strconv.FormatBool(f.Required))
			if f.Min != nil {
				write("min", strconv.FormatFloat(*f.Min, 'g', -1, 64))
			}
			if f.Max != nil {
				write("max", strconv.FormatFloat(*f.Max, 'g', -1, 64))
			}
			members := append([]string(nil), f.Enum...)
			sort.Strings(members)
			write(members...)
		}
		for _, r := range def.Relations {
			write("relation", r.Name, r.Target, string(r.Cardinality), strconv.FormatBool(r.Optional))
		}
		for _, rule := range def.Rules {
			ops := make([]string, 0, len(rule.Operations))
			for _, op := range rule.Operations {
				ops = append(ops, string(op))
			}
			write("rule", rule.Name, strings.Join(ops, ","), rule.Expression)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
