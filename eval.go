package relward

import (
	"context"
	"fmt"
	"time"
)

// EvalContext carries the state of one rule evaluation: the registry the
// rule was compiled against, the caller, the subject instance and the
// resolver serving relation fetches. Inside a quantifier the subject is
// the member under test.
type EvalContext struct {
	Registry *Registry
	Actor    *Actor
	Resolver *Resolver

	subject *Instance
	def     *EntityDefinition
}

// NewEvalContext prepares an evaluation of rules on subject. It fails if
// the subject's entity is not declared in the registry.
func NewEvalContext(reg *Registry, actor *Actor, resolver *Resolver, subject *Instance) (*EvalContext, error) {
	if subject == nil {
		return nil, evalErrf("", "nil subject instance")
	}
	def, ok := reg.Entity(subject.Entity)
	if !ok {
		return nil, evalErrf(subject.Entity, "entity is not declared")
	}
	return &EvalContext{Registry: reg, Actor: actor, Resolver: resolver, subject: subject, def: def}, nil
}

// Subject returns the instance currently under evaluation.
func (ec *EvalContext) Subject() *Instance { return ec.subject }

func (ec *EvalContext) forMember(member *Instance, def *EntityDefinition) *EvalContext {
	child := *ec
	child.subject = member
	child.def = def
	return &child
}

func (e *BoolLiteral) Eval(ctx context.Context, ec *EvalContext) (bool, error) {
	return e.Value, nil
}

func (e *NotExpr) Eval(ctx context.Context, ec *EvalContext) (bool, error) {
	v, err := e.Inner.Eval(ctx, ec)
	if err != nil {
		return false, err
	}
	return !v, nil
}

func (e *AndExpr) Eval(ctx context.Context, ec *EvalContext) (bool, error) {
	left, err := e.Left.Eval(ctx, ec)
	if err != nil || !left {
		return false, err
	}
	return e.Right.Eval(ctx, ec)
}

func (e *OrExpr) Eval(ctx context.Context, ec *EvalContext) (bool, error) {
	left, err := e.Left.Eval(ctx, ec)
	if err != nil {
		return false, err
	}
	if left {
		return true, nil
	}
	return e.Right.Eval(ctx, ec)
}

func (e *CompareExpr) Eval(ctx context.Context, ec *EvalContext) (bool, error) {
	// x == null asks whether x is absent, x != null whether it is present.
	if isNullLiteral(e.Right) {
		return e.presence(ctx, ec, e.Left)
	}
	if isNullLiteral(e.Left) {
		return e.presence(ctx, ec, e.Right)
	}
	lv, lok, err := e.Left.resolve(ctx, ec)
	if err != nil {
		return false, err
	}
	rv, rok, err := e.Right.resolve(ctx, ec)
	if err != nil {
		return false, err
	}
	// A comparison touching anything absent does not hold, whatever the
	// operator.
	if !lok || !rok {
		return false, nil
	}
	switch e.Op {
	case CmpEq, CmpNe:
		eq, err := equalValues(lv, rv)
		if err != nil {
			return false, evalErrf(ec.def.Name, "%s: %v", e.String(), err)
		}
		if e.Op == CmpNe {
			return !eq, nil
		}
		return eq, nil
	}
	ord, err := orderValues(lv, rv)
	if err != nil {
		return false, evalErrf(ec.def.Name, "%s: %v", e.String(), err)
	}
	switch e.Op {
	case CmpGt:
		return ord > 0, nil
	case CmpGte:
		return ord >= 0, nil
	case CmpLt:
		return ord < 0, nil
	}
	return ord <= 0, nil
}

func (e *CompareExpr) presence(ctx context.Context, ec *EvalContext, side Operand) (bool, error) {
	_, present, err := side.resolve(ctx, ec)
	if err != nil {
		return false, err
	}
	if e.Op == CmpEq {
		return !present, nil
	}
	return present, nil
}

func isNullLiteral(op Operand) bool {
	lit, ok := op.(*Literal)
	return ok && lit.value == nil
}

func (e *ExistsExpr) Eval(ctx context.Context, ec *EvalContext) (bool, error) {
	owner := ec.subject
	for _, hop := range e.hops {
		next, err := ec.Resolver.One(ctx, owner, hop)
		if err != nil {
			return false, err
		}
		if next == nil {
			return false, nil
		}
		owner = next
	}
	seq, err := ec.Resolver.Many(ctx, owner, e.rel)
	if err != nil {
		return false, err
	}
	target, ok := ec.Registry.Entity(e.rel.Target)
	if !ok {
		return false, evalErrf(owner.Entity, "relation %s targets undeclared entity %s", e.rel.Name, e.rel.Target)
	}
	for {
		member, more, err := seq.Next(ctx)
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
		hit, err := e.Predicate.Eval(ctx, ec.forMember(member, target))
		if err != nil {
			return false, err
		}
		if hit {
			return true, nil
		}
	}
}

func (p *FieldPath) resolve(ctx context.Context, ec *EvalContext) (any, bool, error) {
	cur := ec.subject
	for _, hop := range p.hops {
		next, err := ec.Resolver.One(ctx, cur, hop)
		if err != nil {
			return nil, false, err
		}
		if next == nil {
			return nil, false, nil
		}
		cur = next
	}
	if p.rel != nil {
		ref := cur.Refs[p.rel.Name]
		if ref == "" {
			return nil, false, nil
		}
		return entityRef{entity: p.rel.Target, id: ref}, true, nil
	}
	v, declared := cur.Fields[p.field.Name]
	if !declared {
		return nil, false, evalErrf(cur.Entity, "field %s missing on instance %s; stored data does not match the schema", p.field.Name, cur.ID)
	}
	if v == nil {
		return nil, false, nil
	}
	norm, err := normalizeValue(v)
	if err != nil {
		return nil, false, evalErrf(cur.Entity, "field %s on instance %s: %v", p.field.Name, cur.ID, err)
	}
	return norm, true, nil
}

func (a *ActorRef) resolve(ctx context.Context, ec *EvalContext) (any, bool, error) {
	if ec.Actor == nil {
		return nil, false, nil
	}
	if a.attr == "" {
		return entityRef{entity: ec.Registry.principal, id: ec.Actor.ID}, true, nil
	}
	v, ok := ec.Actor.Attrs[a.attr]
	if !ok || v == nil {
		return nil, false, nil
	}
	norm, err := normalizeValue(v)
	if err != nil {
		return nil, false, evalErrf(ec.Registry.principal, "actor attribute %s: %v", a.attr, err)
	}
	return norm, true, nil
}

func (l *Literal) resolve(ctx context.Context, ec *EvalContext) (any, bool, error) {
	if l.value == nil {
		return nil, false, nil
	}
	return l.value, true, nil
}

// entityRef is an instance identity: the value of a to-one relation or of
// the actor, compared by entity and id.
type entityRef struct {
	entity string
	id     string
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case string, int64, float64, bool, time.Time:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case []byte:
		return string(t), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func equalValues(l, r any) (bool, error) {
	switch a := l.(type) {
	case entityRef:
		b, ok := r.(entityRef)
		if !ok {
			return false, typeMismatch(l, r)
		}
		return a.entity == b.entity && a.id == b.id, nil
	case string:
		b, ok := r.(string)
		if !ok {
			return false, typeMismatch(l, r)
		}
		return a == b, nil
	case bool:
		b, ok := r.(bool)
		if !ok {
			return false, typeMismatch(l, r)
		}
		return a == b, nil
	case time.Time:
		b, ok := r.(time.Time)
		if !ok {
			return false, typeMismatch(l, r)
		}
		return a.Equal(b), nil
	case int64:
		switch b := r.(type) {
		case int64:
			return a == b, nil
		case float64:
			return float64(a) == b, nil
		}
		return false, typeMismatch(l, r)
	case float64:
		switch b := r.(type) {
		case int64:
			return a == float64(b), nil
		case float64:
			return a == b, nil
		}
		return false, typeMismatch(l, r)
	}
	return false, typeMismatch(l, r)
}

func orderValues(l, r any) (int, error) {
	switch a := l.(type) {
	case time.Time:
		b, ok := r.(time.Time)
		if !ok {
			return 0, typeMismatch(l, r)
		}
		switch {
		case a.Before(b):
			return -1, nil
		case a.After(b):
			return 1, nil
		}
		return 0, nil
	case int64:
		switch b := r.(type) {
		case int64:
			return compareOrdered(a, b), nil
		case float64:
			return compareOrdered(float64(a), b), nil
		}
		return 0, typeMismatch(l, r)
	case float64:
		switch b := r.(type) {
		case int64:
			return compareOrdered(a, float64(b)), nil
		case float64:
			return compareOrdered(a, b), nil
		}
		return 0, typeMismatch(l, r)
	}
	return 0, fmt.Errorf("values of type %T have no order", l)
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func typeMismatch(l, r any) error {
	return fmt.Errorf("cannot compare %T to %T", l, r)
}
