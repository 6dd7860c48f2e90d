package relward

import "fmt"

// SchemaError reports an invalid schema declaration. It is only produced
// while building a Registry; a registry that builds cleanly never yields
// one afterwards.
type SchemaError struct {
	Entity string // entity under definition, empty for registry-level faults
	Detail string
}

func (e *SchemaError) Error() string {
	if e.Entity == "" {
		return "schema: " + e.Detail
	}
	return fmt.Sprintf("schema: entity %s: %s", e.Entity, e.Detail)
}

func schemaErrf(entity, format string, args ...any) *SchemaError {
	return &SchemaError{Entity: entity, Detail: fmt.Sprintf(format, args...)}
}

// ParseError reports a malformed or ill-typed rule expression. Pos is the
// byte offset into the rule source where the problem was detected.
type ParseError struct {
	Pos    int
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: offset %d: %s", e.Pos, e.Detail)
}

func parseErrf(pos int, format string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Detail: fmt.Sprintf(format, args...)}
}

// EvaluationError reports that a compiled rule could not be evaluated
// against the data it was given, for example a declared field missing from
// an instance because the backing store drifted from the schema. It always
// coincides with a deny decision.
type EvaluationError struct {
	Entity string
	Detail string
}

func (e *EvaluationError) Error() string {
	if e.Entity == "" {
		return "evaluate: " + e.Detail
	}
	return fmt.Sprintf("evaluate: entity %s: %s", e.Entity, e.Detail)
}

func evalErrf(entity, format string, args ...any) *EvaluationError {
	return &EvaluationError{Entity: entity, Detail: fmt.Sprintf(format, args...)}
}

// ResolutionError wraps a failure from the backing Source while a rule was
// being evaluated. The zero Relation means the failure happened fetching an
// instance by id rather than traversing a relation.
type ResolutionError struct {
	Entity   string
	ID       string
	Relation string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Relation == "" {
		return fmt.Sprintf("resolve: %s %s: %v", e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("resolve: %s %s relation %s: %v", e.Entity, e.ID, e.Relation, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
