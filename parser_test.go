package relward

import (
	"errors"
	"testing"
)

func docSchema(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewSchema().
		Principal("user").
		Entity("user").
		Field("name", TypeString).
		EnumField("role", "ADMIN", "EDITOR", "VIEWER").
		Field("age", TypeInt).
		Entity("folder").
		Field("label", TypeString).
		One("owner", "user").
		Many("docs", "doc").
		Entity("doc").
		Field("title", TypeString).
		Field("pages", TypeInt).
		Field("rating", TypeFloat).
		Field("published", TypeBool).
		Field("created_at", TypeTime).
		EnumField("visibility", "PUBLIC", "PRIVATE").
		One("owner", "user").
		OptionalOne("folder", "folder").
		Many("grants", "grant").
		Entity("grant").
		EnumField("level", "READ", "WRITE").
		One("user", "user").
		One("doc", "doc").
		Build()
	if err != nil {
		t.Fatalf("expected schema to build, got %v", err)
	}
	return reg
}

func TestCompileRuleRendering(t *testing.T) {
	reg := docSchema(t)
	cases := []struct {
		src  string
		want string
	}{
		{"published", "published"},
		{"true", "true"},
		{"!true", "!true"},
		{"!published", "!(published)"},
		{"pages > 10 && published", "pages > 10 && published"},
		{"pages > 10 || published && rating >= 4.5", "pages > 10 || published && rating >= 4.5"},
		{"(pages > 10 || published) && rating >= 4.5", "(pages > 10 || published) && rating >= 4.5"},
		{"title == 'draft'", `title == "draft"`},
		{"title != \"draft\"", `title != "draft"`},
		{"pages > rating", "pages > rating"},
		{"pages >= actor.age", "pages >= actor.age"},
		{"rating >= -0.5", "rating >= -0.5"},
		{"visibility == PUBLIC", "visibility == PUBLIC"},
		{"PUBLIC == visibility", "PUBLIC == visibility"},
		{"visibility != \"PRIVATE\"", `visibility != "PRIVATE"`},
		{"visibility == owner.role", "visibility == owner.role"},
		{"owner == actor", "owner == actor"},
		{"folder.owner == actor", "folder.owner == actor"},
		{"actor.role == \"ADMIN\"", `actor.role == "ADMIN"`},
		{"folder == null", "folder == null"},
		{"folder != null", "folder != null"},
		{"created_at < \"2024-01-01\"", `created_at < "2024-01-01"`},
		{"\"2024-01-01\" < created_at", `"2024-01-01" < created_at`},
		{"grants?[user == actor]", "grants?[user == actor]"},
		{"grants?[level == \"WRITE\" && user == actor]", `grants?[level == "WRITE" && user == actor]`},
		{"grants?[doc.owner == actor]", "grants?[doc.owner == actor]"},
		{"!grants?[user == actor]", "!grants?[user == actor]"},
	}
	for _, c := range cases {
		e, err := CompileRule(reg, "doc", c.src)
		if err != nil {
			t.Fatalf("expected %q to compile, got %v", c.src, err)
		}
		if got := e.String(); got != c.want {
			t.Fatalf("expected %q to render as %q, got %q", c.src, c.want, got)
		}
	}
}

func TestCompileRulePrecedence(t *testing.T) {
	reg := docSchema(t)
	e, err := CompileRule(reg, "doc", "published || pages > 10 && rating < 2.0")
	if err != nil {
		t.Fatalf("expected rule to compile, got %v", err)
	}
	or, ok := e.(*OrExpr)
	if !ok {
		t.Fatalf("expected || at the root, got %T", e)
	}
	if _, ok := or.Right.(*AndExpr); !ok {
		t.Fatalf("expected && to bind tighter than ||, got %T", or.Right)
	}

	e, err = CompileRule(reg, "doc", "!published && pages > 10")
	if err != nil {
		t.Fatalf("expected rule to compile, got %v", err)
	}
	and, ok := e.(*AndExpr)
	if !ok {
		t.Fatalf("expected && at the root, got %T", e)
	}
	if _, ok := and.Left.(*NotExpr); !ok {
		t.Fatalf("expected ! to bind tighter than &&, got %T", and.Left)
	}
}

func TestCompileRuleSyntaxErrors(t *testing.T) {
	reg := docSchema(t)
	cases := []struct {
		src  string
		want string
	}{
		{"pages > 1 > 2", "comparisons cannot be chained"},
		{"(published", "expected ), got end of expression"},
		{"pages >", "expected a value, got end of expression"},
		{"owner. == actor", `expected a name after ., got "=="`},
		{"published extra", `unexpected "extra"`},
		{"pages > 1 & published", "expected && after &"},
		{"pages > 1 | published", "expected || after |"},
		{"pages = 1", "expected == after ="},
		{"title == \"unterminated", "unterminated string"},
		{"title == 'bad\\q'", `unknown escape \q`},
		{"pages > -", "expected digit after -"},
		{"rating > 1.", "expected digit after decimal point"},
		{"pages > 1 @", `unexpected character '@'`},
		{"grants?", "expected [ after ?, got end of expression"},
		{"grants?[level == \"READ\"", "expected ] to close the quantifier, got end of expression"},
		{"grants?[user == actor] == true", "a quantifier result cannot be compared"},
	}
	for _, c := range cases {
		_, err := CompileRule(reg, "doc", c.src)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("expected a parse error for %q, got %v", c.src, err)
		}
		if pe.Detail != c.want {
			t.Fatalf("expected %q for %q, got %q", c.want, c.src, pe.Detail)
		}
	}
}

func TestCompileRuleBindingErrors(t *testing.T) {
	reg := docSchema(t)
	cases := []struct {
		src  string
		want string
	}{
		{"42", "42 is not a boolean expression"},
		{"\"yes\"", `"yes" is not a boolean expression`},
		{"title", "title is not boolean; compare it explicitly"},
		{"owner", "owner is not boolean; compare it explicitly"},
		{"missing == 1", "unknown field or relation missing on doc"},
		{"title.length == 1", "cannot traverse into field title of doc"},
		{"grants == null", "to-many relation grants cannot be compared; quantify it with ?[...]"},
		{"grants.level == \"READ\"", "cannot traverse to-many relation grants; quantify it with ?[...]"},
		{"actor.role.name == \"x\"", "cannot traverse actor.role.name; actor exposes a single attribute level"},
		{"actor.missing == \"x\"", "principal user has no field missing"},
		{"title?[pages > 0]", "title is a field of doc, not a relation"},
		{"missing?[pages > 0]", "unknown relation missing on doc"},
		{"owner?[name == \"x\"]", "relation owner on doc is to-one; ?[...] needs a to-many relation"},
		{"actor?[name == \"x\"]", "cannot quantify from actor"},
		{"visibility == OPEN", "OPEN is neither a field of doc nor a member of enum visibility"},
		{"visibility == \"OPEN\"", `"OPEN" is not a member of enum visibility`},
		{"actor.role == \"ROOT\"", `"ROOT" is not a member of enum role`},
		{"created_at > \"whenever\"", `cannot parse "whenever" as a time`},
	}
	for _, c := range cases {
		_, err := CompileRule(reg, "doc", c.src)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("expected a parse error for %q, got %v", c.src, err)
		}
		if pe.Detail != c.want {
			t.Fatalf("expected %q for %q, got %q", c.want, c.src, pe.Detail)
		}
	}
}

func TestCompileRuleTypeErrors(t *testing.T) {
	reg := docSchema(t)
	cases := []struct {
		src  string
		want string
	}{
		{"folder == owner", "cannot compare folder identity to user identity"},
		{"owner > actor", "identities support only == and !="},
		{"owner == \"u1\"", "cannot compare identity to string"},
		{"folder > null", "null supports only == and !="},
		{"title > \"a\"", "strings support only == and !="},
		{"visibility < \"PUBLIC\"", "strings support only == and !="},
		{"published > true", "booleans support only == and !="},
		{"pages == \"ten\"", "cannot compare int to string"},
		{"published == 1", "cannot compare bool to int"},
		{"created_at == pages", "cannot compare time to int"},
	}
	for _, c := range cases {
		_, err := CompileRule(reg, "doc", c.src)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("expected a parse error for %q, got %v", c.src, err)
		}
		if pe.Detail != c.want {
			t.Fatalf("expected %q for %q, got %q", c.want, c.src, pe.Detail)
		}
	}
}

func TestParseErrorOffset(t *testing.T) {
	reg := docSchema(t)
	_, err := CompileRule(reg, "doc", "pages > 1 > 2")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a parse error, got %v", err)
	}
	if pe.Pos != 10 {
		t.Fatalf("expected offset 10, got %d", pe.Pos)
	}
	if got := pe.Error(); got != "parse: offset 10: comparisons cannot be chained" {
		t.Fatalf("unexpected error text %q", got)
	}
}

func TestCompileRuleUnknownEntity(t *testing.T) {
	reg := docSchema(t)
	_, err := CompileRule(reg, "ghost", "true")
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected a schema error, got %v", err)
	}
	if se.Error() != `schema: unknown entity "ghost"` {
		t.Fatalf("unexpected error text %q", se.Error())
	}
}

func TestCompileRuleWithoutPrincipal(t *testing.T) {
	reg, err := NewSchema().
		Entity("note").
		Field("open", TypeBool).
		Build()
	if err != nil {
		t.Fatalf("expected schema to build, got %v", err)
	}
	if _, err := CompileRule(reg, "note", "open"); err != nil {
		t.Fatalf("expected a principal-free rule to compile, got %v", err)
	}
	_, err = CompileRule(reg, "note", "actor == actor")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a parse error, got %v", err)
	}
	if pe.Detail != "schema declares no principal entity; actor is unavailable" {
		t.Fatalf("unexpected detail %q", pe.Detail)
	}
}
