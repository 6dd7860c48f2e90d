package relward

// Builders provide a fluent API for declaring schemas in code.

// SchemaBuilder collects entity declarations and builds a Registry.
type SchemaBuilder struct {
	principal string
	entities  []*EntityDefinition
}

func NewSchema() *SchemaBuilder { return &SchemaBuilder{} }

// Principal designates the entity authenticated callers are instances of.
func (b *SchemaBuilder) Principal(entity string) *SchemaBuilder { b.principal = entity; return b }

// Entity starts a new entity declaration.
func (b *SchemaBuilder) Entity(name string) *EntityBuilder {
	def := &EntityDefinition{Name: name}
	b.entities = append(b.entities, def)
	return &EntityBuilder{schema: b, def: def}
}

// Build validates the declarations and compiles the rules.
func (b *SchemaBuilder) Build() (*Registry, error) {
	return NewRegistry(b.principal, b.entities...)
}

// EntityBuilder declares one entity.
type EntityBuilder struct {
	schema *SchemaBuilder
	def    *EntityDefinition
}

func (b *EntityBuilder) Field(name string, t FieldType) *EntityBuilder {
	b.def.Fields = append(b.def.Fields, FieldDefinition{Name: name, Type: t})
	return b
}

func (b *EntityBuilder) RequiredField(name string, t FieldType) *EntityBuilder {
	b.def.Fields = append(b.def.Fields, FieldDefinition{Name: name, Type: t, Required: true})
	return b
}

func (b *EntityBuilder) EnumField(name string, members ...string) *EntityBuilder {
	b.def.Fields = append(b.def.Fields, FieldDefinition{Name: name, Type: TypeEnum, Enum: members})
	return b
}

// BoundedField declares a numeric field constrained to [min, max].
func (b *EntityBuilder) BoundedField(name string, t FieldType, min, max float64) *EntityBuilder {
	b.def.Fields = append(b.def.Fields, FieldDefinition{Name: name, Type: t, Min: &min, Max: &max})
	return b
}

func (b *EntityBuilder) One(name, target string) *EntityBuilder {
	b.def.Relations = append(b.def.Relations, RelationDefinition{Name: name, Target: target, Cardinality: One})
	return b
}

func (b *EntityBuilder) OptionalOne(name, target string) *EntityBuilder {
	b.def.Relations = append(b.def.Relations, RelationDefinition{Name: name, Target: target, Cardinality: One, Optional: true})
	return b
}

func (b *EntityBuilder) Many(name, target string) *EntityBuilder {
	b.def.Relations = append(b.def.Relations, RelationDefinition{Name: name, Target: target, Cardinality: Many})
	return b
}

func (b *EntityBuilder) Rule(expr string, ops ...Operation) *EntityBuilder {
	b.def.Rules = append(b.def.Rules, PolicyRule{Expression: expr, Operations: ops})
	return b
}

func (b *EntityBuilder) NamedRule(name, expr string, ops ...Operation) *EntityBuilder {
	b.def.Rules = append(b.def.Rules, PolicyRule{Name: name, Expression: expr, Operations: ops})
	return b
}

// Entity closes this declaration and starts a sibling.
func (b *EntityBuilder) Entity(name string) *EntityBuilder { return b.schema.Entity(name) }

// Build closes the declaration and builds the whole schema.
func (b *EntityBuilder) Build() (*Registry, error) { return b.schema.Build() }
