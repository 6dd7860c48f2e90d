package relward

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistryValidation(t *testing.T) {
	str := func(name string) FieldDefinition { return FieldDefinition{Name: name, Type: TypeString} }
	lo, hi := 5.0, 1.0
	cases := []struct {
		name       string
		principal  string
		entities   []*EntityDefinition
		wantEntity string
		wantDetail string
	}{
		{
			name:       "nil entity",
			entities:   []*EntityDefinition{nil},
			wantDetail: "nil entity definition",
		},
		{
			name:       "empty entity name",
			entities:   []*EntityDefinition{{}},
			wantDetail: "entity with empty name",
		},
		{
			name:       "entity declared twice",
			entities:   []*EntityDefinition{{Name: "doc"}, {Name: "doc"}},
			wantEntity: "doc",
			wantDetail: "declared twice",
		},
		{
			name:       "field with empty name",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Type: TypeString}}}},
			wantEntity: "doc",
			wantDetail: "field with empty name",
		},
		{
			name:       "field declared twice",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{str("title"), str("title")}}},
			wantEntity: "doc",
			wantDetail: `field "title" declared twice`,
		},
		{
			name:       "unknown field type",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Name: "blob", Type: "binary"}}}},
			wantEntity: "doc",
			wantDetail: `field "blob" has unknown type "binary"`,
		},
		{
			name:       "enum without members",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Name: "state", Type: TypeEnum}}}},
			wantEntity: "doc",
			wantDetail: `enum field "state" has no members`,
		},
		{
			name:       "enum with empty member",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Name: "state", Type: TypeEnum, Enum: []string{"A", ""}}}}},
			wantEntity: "doc",
			wantDetail: `enum field "state" has an empty member`,
		},
		{
			name:       "enum with repeated member",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Name: "state", Type: TypeEnum, Enum: []string{"A", "A"}}}}},
			wantEntity: "doc",
			wantDetail: `enum field "state" repeats member "A"`,
		},
		{
			name:       "members on a non-enum field",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Name: "state", Type: TypeString, Enum: []string{"A"}}}}},
			wantEntity: "doc",
			wantDetail: `field "state" lists enum members but has type string`,
		},
		{
			name:       "range on a non-numeric field",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Name: "title", Type: TypeString, Min: &lo}}}},
			wantEntity: "doc",
			wantDetail: `field "title" has a numeric range but type string`,
		},
		{
			name:       "inverted range",
			entities:   []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Name: "pages", Type: TypeInt, Min: &lo, Max: &hi}}}},
			wantEntity: "doc",
			wantDetail: `field "pages" has min 5 above max 1`,
		},
		{
			name:       "relation with empty name",
			entities:   []*EntityDefinition{{Name: "doc", Relations: []RelationDefinition{{Target: "doc", Cardinality: One}}}},
			wantEntity: "doc",
			wantDetail: "relation with empty name",
		},
		{
			name: "relation declared twice",
			entities: []*EntityDefinition{{Name: "doc", Relations: []RelationDefinition{
				{Name: "parent", Target: "doc", Cardinality: One},
				{Name: "parent", Target: "doc", Cardinality: One},
			}}},
			wantEntity: "doc",
			wantDetail: `relation "parent" declared twice`,
		},
		{
			name: "relation collides with a field",
			entities: []*EntityDefinition{{
				Name:      "doc",
				Fields:    []FieldDefinition{str("parent")},
				Relations: []RelationDefinition{{Name: "parent", Target: "doc", Cardinality: One}},
			}},
			wantEntity: "doc",
			wantDetail: `relation "parent" collides with a field`,
		},
		{
			name:       "bad cardinality",
			entities:   []*EntityDefinition{{Name: "doc", Relations: []RelationDefinition{{Name: "parent", Target: "doc", Cardinality: "few"}}}},
			wantEntity: "doc",
			wantDetail: `relation "parent" has cardinality "few", want one or many`,
		},
		{
			name:       "relation without target",
			entities:   []*EntityDefinition{{Name: "doc", Relations: []RelationDefinition{{Name: "parent", Cardinality: One}}}},
			wantEntity: "doc",
			wantDetail: `relation "parent" has no target`,
		},
		{
			name:       "relation to an undeclared entity",
			entities:   []*EntityDefinition{{Name: "doc", Relations: []RelationDefinition{{Name: "owner", Target: "user", Cardinality: One}}}},
			wantEntity: "doc",
			wantDetail: `relation "owner" targets undeclared entity "user"`,
		},
		{
			name:       "undeclared principal",
			principal:  "user",
			entities:   []*EntityDefinition{{Name: "doc"}},
			wantDetail: `principal entity "user" is not declared`,
		},
		{
			name: "rule declared twice",
			entities: []*EntityDefinition{{Name: "doc", Fields: []FieldDefinition{{Name: "open", Type: TypeBool}}, Rules: []PolicyRule{
				{Name: "r", Operations: []Operation{OpRead}, Expression: "open"},
				{Name: "r", Operations: []Operation{OpUpdate}, Expression: "open"},
			}}},
			wantEntity: "doc",
			wantDetail: `rule "r" declared twice`,
		},
		{
			name:       "rule without operations",
			entities:   []*EntityDefinition{{Name: "doc", Rules: []PolicyRule{{Name: "r", Expression: "true"}}}},
			wantEntity: "doc",
			wantDetail: `rule "r" guards no operations`,
		},
		{
			name:       "rule with unknown operation",
			entities:   []*EntityDefinition{{Name: "doc", Rules: []PolicyRule{{Name: "r", Operations: []Operation{"browse"}, Expression: "true"}}}},
			wantEntity: "doc",
			wantDetail: `rule "r" guards unknown operation "browse"`,
		},
		{
			name:       "rule repeating an operation",
			entities:   []*EntityDefinition{{Name: "doc", Rules: []PolicyRule{{Name: "r", Operations: []Operation{OpRead, OpRead}, Expression: "true"}}}},
			wantEntity: "doc",
			wantDetail: `rule "r" repeats operation "read"`,
		},
		{
			name:       "rule with an empty expression",
			entities:   []*EntityDefinition{{Name: "doc", Rules: []PolicyRule{{Name: "r", Operations: []Operation{OpRead}, Expression: "   "}}}},
			wantEntity: "doc",
			wantDetail: `rule "r" has an empty expression`,
		},
	}
	for _, c := range cases {
		_, err := NewRegistry(c.principal, c.entities...)
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("%s: expected a schema error, got %v", c.name, err)
		}
		if se.Entity != c.wantEntity || se.Detail != c.wantDetail {
			t.Fatalf("%s: expected %q on %q, got %q on %q", c.name, c.wantDetail, c.wantEntity, se.Detail, se.Entity)
		}
	}
}

func TestRegistryRuleCompileFailure(t *testing.T) {
	_, err := NewSchema().
		Entity("doc").
		Field("pages", TypeInt).
		NamedRule("bad-rule", "pages >", OpRead).
		Build()
	if err == nil {
		t.Fatalf("expected the malformed rule to fail the build")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected the parse error to be reachable, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "entity doc rule bad-rule: parse:") {
		t.Fatalf("expected the entity and rule on the error, got %q", err.Error())
	}
}

func TestRegistryDefaultRuleNames(t *testing.T) {
	reg, err := NewSchema().
		Entity("doc").
		Field("open", TypeBool).
		Rule("open", OpRead).
		Rule("!open", OpRead).
		Build()
	if err != nil {
		t.Fatalf("expected schema to build, got %v", err)
	}
	rules := reg.RulesFor("doc", OpRead)
	if len(rules) != 2 {
		t.Fatalf("expected two rules, got %d", len(rules))
	}
	if rules[0].Name != "doc#0" || rules[1].Name != "doc#1" {
		t.Fatalf("expected positional names, got %q and %q", rules[0].Name, rules[1].Name)
	}
}

func TestRegistryAccessors(t *testing.T) {
	reg := docSchema(t)

	if _, ok := reg.Entity("doc"); !ok {
		t.Fatalf("expected doc to be declared")
	}
	if _, ok := reg.Entity("ghost"); ok {
		t.Fatalf("expected ghost to be unknown")
	}

	var names []string
	for _, def := range reg.Entities() {
		names = append(names, def.Name)
	}
	if strings.Join(names, ",") != "user,folder,doc,grant" {
		t.Fatalf("expected declaration order, got %v", names)
	}

	if reg.Principal() != "user" {
		t.Fatalf("expected user as principal, got %q", reg.Principal())
	}
	p, ok := reg.PrincipalEntity()
	if !ok || p.Name != "user" {
		t.Fatalf("expected the principal entity, got %+v", p)
	}

	if rules := reg.RulesFor("ghost", OpRead); rules != nil {
		t.Fatalf("expected no rules for an unknown entity, got %v", rules)
	}
	if rules := reg.RulesFor("doc", OpRead); len(rules) != 0 {
		t.Fatalf("expected no read rules on doc, got %d", len(rules))
	}
}

func TestRegistryRulesForOrder(t *testing.T) {
	reg := engineSchema(t)
	var names []string
	for _, r := range reg.RulesFor("doc", OpRead) {
		names = append(names, r.Name)
	}
	if strings.Join(names, ",") != "owner-read,public-read" {
		t.Fatalf("expected read rules in declaration order, got %v", names)
	}

	// owner-manage guards two operations and must be served for both.
	upd := reg.RulesFor("doc", OpUpdate)
	del := reg.RulesFor("doc", OpDelete)
	if len(upd) != 1 || len(del) != 1 || upd[0] != del[0] {
		t.Fatalf("expected the shared rule on both operations, got %v and %v", upd, del)
	}
	if !upd[0].AppliesTo(OpDelete) || upd[0].AppliesTo(OpRead) {
		t.Fatalf("unexpected operation set on %q", upd[0].Name)
	}
	if upd[0].Compiled() == nil {
		t.Fatalf("expected a compiled expression after build")
	}
	if (&PolicyRule{}).Compiled() != nil {
		t.Fatalf("expected no compiled expression before build")
	}
}

func TestRegistryFingerprint(t *testing.T) {
	build := func(expr string, members ...string) *Registry {
		reg, err := NewSchema().
			Principal("user").
			Entity("user").
			EnumField("role", members...).
			Entity("doc").
			Field("open", TypeBool).
			One("owner", "user").
			NamedRule("r", expr, OpRead).
			Build()
		if err != nil {
			t.Fatalf("expected schema to build, got %v", err)
		}
		return reg
	}

	a := build("open", "ADMIN", "VIEWER")
	b := build("open", "ADMIN", "VIEWER")
	if a.Fingerprint() == "" {
		t.Fatalf("expected a fingerprint")
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected identical declarations to share a fingerprint")
	}

	if c := build("!open", "ADMIN", "VIEWER"); c.Fingerprint() == a.Fingerprint() {
		t.Fatalf("expected a rule change to change the fingerprint")
	}
	if c := build("open", "ADMIN", "VIEWER", "EDITOR"); c.Fingerprint() == a.Fingerprint() {
		t.Fatalf("expected a member change to change the fingerprint")
	}
	// Member order is not meaningful, only membership is.
	if c := build("open", "VIEWER", "ADMIN"); c.Fingerprint() != a.Fingerprint() {
		t.Fatalf("expected member order not to change the fingerprint")
	}
}

func TestRegistryCopiesDeclarations(t *testing.T) {
	def := &EntityDefinition{
		Name:   "doc",
		Fields: []FieldDefinition{{Name: "title", Type: TypeString}},
		Rules:  []PolicyRule{{Name: "r", Operations: []Operation{OpRead}, Expression: "title == \"x\""}},
	}
	reg, err := NewRegistry("", def)
	if err != nil {
		t.Fatalf("expected schema to build, got %v", err)
	}
	def.Fields[0].Name = "mutated"
	def.Rules[0].Expression = "mutated"

	built, _ := reg.Entity("doc")
	if _, ok := built.Field("title"); !ok {
		t.Fatalf("expected the registry to be isolated from later mutation")
	}
	if reg.RulesFor("doc", OpRead)[0].Expression != "title == \"x\"" {
		t.Fatalf("expected the rule text to be copied")
	}
}
