package relward

import (
	"context"
	"errors"
	"testing"
	"time"
)

// docWorld seeds the docSchema entities: d1 is a public doc owned by ana
// in folder f1, d2 a private doc owned by bob with no folder and a nil
// title. Grants on d1: bob READ, cai WRITE.
func docWorld(t *testing.T) (*Registry, *fakeSource, *Instance, *Instance) {
	t.Helper()
	reg := docSchema(t)
	src := newFakeSource()

	ana := NewInstance("user", "ana").WithField("name", "Ana").WithField("role", "ADMIN").WithField("age", 34)
	bob := NewInstance("user", "bob").WithField("name", "Bob").WithField("role", "VIEWER").WithField("age", 19)
	f1 := NewInstance("folder", "f1").WithField("label", "books").WithRef("owner", "ana")

	d1 := NewInstance("doc", "d1").
		WithField("title", "Go Patterns").
		WithField("pages", 320).
		WithField("rating", 4.5).
		WithField("published", true).
		WithField("created_at", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)).
		WithField("visibility", "PUBLIC").
		WithRef("owner", "ana").
		WithRef("folder", "f1")
	d2 := NewInstance("doc", "d2").
		WithField("title", nil).
		WithField("pages", 10).
		WithField("rating", 1.0).
		WithField("published", false).
		WithField("created_at", time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)).
		WithField("visibility", "PRIVATE").
		WithRef("owner", "bob")

	g1 := NewInstance("grant", "g1").WithField("level", "READ").WithRef("user", "bob").WithRef("doc", "d1")
	g2 := NewInstance("grant", "g2").WithField("level", "WRITE").WithRef("user", "cai").WithRef("doc", "d1")

	src.add(ana).add(bob).add(f1).add(d1).add(d2).add(g1).add(g2)
	src.linkOne(d1, "owner", ana)
	src.linkOne(d1, "folder", f1)
	src.linkOne(f1, "owner", ana)
	src.linkMany(d1, "grants", g1, g2)
	src.linkMany(d2, "grants")
	src.linkMany(f1, "docs", d1, d2)
	return reg, src, d1, d2
}

func evalRule(t *testing.T, reg *Registry, src Source, actor *Actor, subject *Instance, rule string) (bool, error) {
	t.Helper()
	e, err := CompileRule(reg, subject.Entity, rule)
	if err != nil {
		t.Fatalf("expected %q to compile, got %v", rule, err)
	}
	r := NewResolver(src)
	defer r.Close()
	ec, err := NewEvalContext(reg, actor, r, subject)
	if err != nil {
		t.Fatalf("expected an eval context, got %v", err)
	}
	return e.Eval(context.Background(), ec)
}

func TestEvalComparisons(t *testing.T) {
	reg, src, d1, _ := docWorld(t)
	ana := &Actor{ID: "ana", Attrs: map[string]any{"name": "Ana", "role": "ADMIN", "age": 34}}
	cases := []struct {
		rule string
		want bool
	}{
		{"pages > 100", true},
		{"pages > 1000", false},
		{"pages >= 320", true},
		{"pages < 320", false},
		{"pages <= 320", true},
		{"pages == 320", true},
		{"pages != 320", false},
		{"rating > 4", true},
		{"rating <= 4.5", true},
		{"pages > rating", true},
		{"title == \"Go Patterns\"", true},
		{"title != \"Go Patterns\"", false},
		{"published", true},
		{"!published", false},
		{"visibility == PUBLIC", true},
		{"visibility != \"PRIVATE\"", true},
		{"created_at < \"2030-01-01\"", true},
		{"created_at > \"2030-01-01\"", false},
		{"created_at >= \"2024-03-01\"", true},
		{"actor.age > 18", true},
		{"actor.age < 18", false},
		{"actor.role == \"ADMIN\"", true},
		{"pages > 100 && published", true},
		{"pages > 1000 || published", true},
		{"pages > 1000 && published", false},
		{"!(pages > 1000 || visibility == \"PRIVATE\")", true},
	}
	for _, c := range cases {
		got, err := evalRule(t, reg, src, ana, d1, c.rule)
		if err != nil {
			t.Fatalf("expected %q to evaluate, got %v", c.rule, err)
		}
		if got != c.want {
			t.Fatalf("expected %q to be %v", c.rule, c.want)
		}
	}
}

func TestEvalIdentityComparisons(t *testing.T) {
	reg, src, d1, _ := docWorld(t)
	ana := &Actor{ID: "ana"}
	bob := &Actor{ID: "bob"}

	got, err := evalRule(t, reg, src, ana, d1, "owner == actor")
	if err != nil || !got {
		t.Fatalf("expected the owner to match, got %v err=%v", got, err)
	}
	got, err = evalRule(t, reg, src, bob, d1, "owner == actor")
	if err != nil || got {
		t.Fatalf("expected a non-owner not to match, got %v err=%v", got, err)
	}
	got, err = evalRule(t, reg, src, ana, d1, "folder.owner == actor")
	if err != nil || !got {
		t.Fatalf("expected the folder owner to match through the hop, got %v err=%v", got, err)
	}
	got, err = evalRule(t, reg, src, bob, d1, "owner == folder.owner")
	if err != nil || !got {
		t.Fatalf("expected both sides to resolve to the same user, got %v err=%v", got, err)
	}
}

func TestEvalAbsentSemantics(t *testing.T) {
	reg, src, d1, d2 := docWorld(t)
	bob := &Actor{ID: "bob"}
	cases := []struct {
		name  string
		actor *Actor
		inst  *Instance
		rule  string
		want  bool
	}{
		{"nil actor identity", nil, d1, "owner == actor", false},
		{"nil actor attribute", nil, d1, "actor.age > 18", false},
		{"nil actor is null", nil, d1, "actor == null", true},
		{"present actor is not null", bob, d1, "actor == null", false},
		{"missing attribute", &Actor{ID: "bob"}, d1, "actor.age > 18", false},
		{"missing attribute is null", &Actor{ID: "bob"}, d1, "actor.age == null", true},
		{"nil field never equals", bob, d2, "title == \"Drafts\"", false},
		{"nil field never differs", bob, d2, "title != \"Drafts\"", false},
		{"nil field is null", bob, d2, "title == null", true},
		{"set field is not null", bob, d1, "title == null", false},
		{"missing ref is null", bob, d2, "folder == null", true},
		{"set ref is not null", bob, d1, "folder == null", false},
		{"missing ref identity", bob, d2, "folder.owner == actor", false},
	}
	for _, c := range cases {
		got, err := evalRule(t, reg, src, c.actor, c.inst, c.rule)
		if err != nil {
			t.Fatalf("%s: expected %q to evaluate, got %v", c.name, c.rule, err)
		}
		if got != c.want {
			t.Fatalf("%s: expected %q to be %v", c.name, c.rule, c.want)
		}
	}
}

func TestEvalSchemaDrift(t *testing.T) {
	reg, src, _, _ := docWorld(t)
	drifted := &Instance{Entity: "doc", ID: "d9", Fields: map[string]any{"pages": 1}}

	_, err := evalRule(t, reg, src, nil, drifted, "title == \"x\"")
	var ee *EvaluationError
	if !errors.As(err, &ee) {
		t.Fatalf("expected an evaluation error, got %v", err)
	}
	if ee.Detail != "field title missing on instance d9; stored data does not match the schema" {
		t.Fatalf("unexpected detail %q", ee.Detail)
	}

	bad := &Instance{Entity: "doc", ID: "d9", Fields: map[string]any{"title": struct{}{}}}
	_, err = evalRule(t, reg, src, nil, bad, "title == \"x\"")
	if !errors.As(err, &ee) {
		t.Fatalf("expected an evaluation error, got %v", err)
	}
	if ee.Detail != "field title on instance d9: unsupported value type struct {}" {
		t.Fatalf("unexpected detail %q", ee.Detail)
	}
}

func TestEvalQuantifier(t *testing.T) {
	t.Run("first member short-circuits", func(t *testing.T) {
		reg, src, d1, _ := docWorld(t)
		got, err := evalRule(t, reg, src, &Actor{ID: "bob"}, d1, "grants?[user == actor]")
		if err != nil || !got {
			t.Fatalf("expected the grant to match, got %v err=%v", got, err)
		}
		if src.nexts != 1 {
			t.Fatalf("expected the scan to stop at the first match, got %d pulls", src.nexts)
		}
	})
	t.Run("later member matches", func(t *testing.T) {
		reg, src, d1, _ := docWorld(t)
		got, err := evalRule(t, reg, src, &Actor{ID: "cai"}, d1, "grants?[level == \"WRITE\" && user == actor]")
		if err != nil || !got {
			t.Fatalf("expected the write grant to match, got %v err=%v", got, err)
		}
		if src.nexts != 2 {
			t.Fatalf("expected two pulls, got %d", src.nexts)
		}
	})
	t.Run("no member matches", func(t *testing.T) {
		reg, src, d1, _ := docWorld(t)
		got, err := evalRule(t, reg, src, &Actor{ID: "dave"}, d1, "grants?[user == actor]")
		if err != nil || got {
			t.Fatalf("expected no grant to match, got %v err=%v", got, err)
		}
		if src.nexts != 3 {
			t.Fatalf("expected a full scan plus the end probe, got %d pulls", src.nexts)
		}
	})
	t.Run("negated quantifier", func(t *testing.T) {
		reg, src, d1, _ := docWorld(t)
		got, err := evalRule(t, reg, src, &Actor{ID: "dave"}, d1, "!grants?[user == actor]")
		if err != nil || !got {
			t.Fatalf("expected the negation to hold, got %v err=%v", got, err)
		}
	})
	t.Run("empty relation", func(t *testing.T) {
		reg, src, _, d2 := docWorld(t)
		got, err := evalRule(t, reg, src, &Actor{ID: "bob"}, d2, "grants?[user == actor]")
		if err != nil || got {
			t.Fatalf("expected an empty relation not to match, got %v err=%v", got, err)
		}
	})
	t.Run("hop before the quantifier", func(t *testing.T) {
		reg, src, d1, _ := docWorld(t)
		got, err := evalRule(t, reg, src, nil, d1, "folder.docs?[published]")
		if err != nil || !got {
			t.Fatalf("expected a published sibling, got %v err=%v", got, err)
		}
		got, err = evalRule(t, reg, src, nil, d1, "folder.docs?[pages > 5000]")
		if err != nil || got {
			t.Fatalf("expected no heavy sibling, got %v err=%v", got, err)
		}
	})
	t.Run("absent hop", func(t *testing.T) {
		reg, src, _, d2 := docWorld(t)
		got, err := evalRule(t, reg, src, nil, d2, "folder.docs?[published]")
		if err != nil || got {
			t.Fatalf("expected an absent folder not to match, got %v err=%v", got, err)
		}
	})
}

func TestEvalRelationSnapshotIsReused(t *testing.T) {
	reg, src, d1, _ := docWorld(t)
	rule := "grants?[level == \"WRITE\"] && grants?[user == actor]"
	got, err := evalRule(t, reg, src, &Actor{ID: "bob"}, d1, rule)
	if err != nil || !got {
		t.Fatalf("expected both quantifiers to hold, got %v err=%v", got, err)
	}
	if src.manyFetches != 1 {
		t.Fatalf("expected one relation fetch for both quantifiers, got %d", src.manyFetches)
	}
	if src.nexts != 2 {
		t.Fatalf("expected the second quantifier to replay memoized members, got %d pulls", src.nexts)
	}
}

func TestEvalResolutionFailure(t *testing.T) {
	reg, src, d1, _ := docWorld(t)
	boom := errors.New("store down")
	src.oneErr[srcKey("doc", "d1", "folder")] = boom

	_, err := evalRule(t, reg, src, &Actor{ID: "ana"}, d1, "folder.owner == actor")
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("expected a resolution error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected the source failure to be wrapped, got %v", err)
	}

	src.manyErr[srcKey("doc", "d1", "grants")] = boom
	_, err = evalRule(t, reg, src, &Actor{ID: "bob"}, d1, "grants?[user == actor]")
	if !errors.As(err, &re) {
		t.Fatalf("expected a resolution error, got %v", err)
	}
}

func TestEvalQuantifierPredicateFailure(t *testing.T) {
	reg, src, d1, _ := docWorld(t)
	torn := &Instance{Entity: "grant", ID: "g9", Fields: map[string]any{}, Refs: map[string]string{"user": "bob"}}
	src.linkMany(d1, "grants", torn)

	_, err := evalRule(t, reg, src, &Actor{ID: "bob"}, d1, "grants?[level == \"WRITE\"]")
	var ee *EvaluationError
	if !errors.As(err, &ee) {
		t.Fatalf("expected an evaluation error, got %v", err)
	}
	if ee.Detail != "field level missing on instance g9; stored data does not match the schema" {
		t.Fatalf("unexpected detail %q", ee.Detail)
	}
}

func TestNewEvalContextErrors(t *testing.T) {
	reg, src, _, _ := docWorld(t)
	r := NewResolver(src)
	defer r.Close()

	_, err := NewEvalContext(reg, nil, r, nil)
	var ee *EvaluationError
	if !errors.As(err, &ee) {
		t.Fatalf("expected an evaluation error, got %v", err)
	}
	if ee.Error() != "evaluate: nil subject instance" {
		t.Fatalf("unexpected error text %q", ee.Error())
	}

	_, err = NewEvalContext(reg, nil, r, NewInstance("ghost", "g1"))
	if !errors.As(err, &ee) {
		t.Fatalf("expected an evaluation error, got %v", err)
	}
	if ee.Error() != "evaluate: entity ghost: entity is not declared" {
		t.Fatalf("unexpected error text %q", ee.Error())
	}
}
