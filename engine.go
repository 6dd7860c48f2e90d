package relward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relward/relward/logger"
)

// Reasons attached to decisions.
const (
	ReasonRuleMatched = "rule matched"
	ReasonNoRule      = "no rule declared"
	ReasonNoMatch     = "no rule matched"
	ReasonError       = "evaluation failed"
)

// Decision is the outcome of one check. Rule names the first rule that
// held for an allow, or the rule whose evaluation failed for an error
// deny. Trace is only populated by Explain.
type Decision struct {
	Allowed   bool
	Reason    string
	Rule      string
	Entity    string
	Operation Operation
	Trace     []string
	Elapsed   time.Duration
	Timestamp time.Time
}

// Check is one item of a batch.
type Check struct {
	Actor     *Actor
	Operation Operation
	Instance  *Instance
}

// Engine evaluates the registry's rules against instances served by a
// Source. It holds no mutable state between checks; every check re-reads
// the data it needs, so an Engine is safe for concurrent use.
type Engine struct {
	registry *Registry
	source   Source
	log      logger.Logger
	traceID  func(context.Context) string

	sink    DecisionLog
	sinkBuf int
	sinkCh  chan *DecisionRecord
	quit    chan struct{}
	done    chan struct{}
	closed  sync.Once
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// WithLogger sets the logger the engine reports through. The default
// discards everything.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("nil logger")
		}
		e.log = l
		return nil
	}
}

// WithDecisionLog attaches a sink that receives a record of every
// decision. Records are written by a background goroutine; when the
// buffer is full records are dropped rather than blocking checks. Close
// the engine to flush the buffer and stop the goroutine.
func WithDecisionLog(sink DecisionLog) EngineOption {
	return func(e *Engine) error {
		if sink == nil {
			return fmt.Errorf("nil decision log")
		}
		e.sink = sink
		return nil
	}
}

// WithDecisionBuffer sets the decision log buffer size, default 1024.
func WithDecisionBuffer(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("decision buffer must be positive, got %d", n)
		}
		e.sinkBuf = n
		return nil
	}
}

// WithTraceIDFunc extracts a trace id from the request context onto each
// decision record.
func WithTraceIDFunc(fn func(context.Context) string) EngineOption {
	return func(e *Engine) error {
		e.traceID = fn
		return nil
	}
}

// New builds an engine over a registry and a source.
func New(reg *Registry, src Source, opts ...EngineOption) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("nil registry")
	}
	if src == nil {
		return nil, fmt.Errorf("nil source")
	}
	e := &Engine{
		registry: reg,
		source:   src,
		log:      logger.NewNop(),
		sinkBuf:  1024,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.sink != nil {
		e.sinkCh = make(chan *DecisionRecord, e.sinkBuf)
		e.quit = make(chan struct{})
		e.done = make(chan struct{})
		go e.drain()
	}
	e.log.Info("engine ready", "schema", reg.Fingerprint(), "entities", len(reg.order))
	return e, nil
}

// Registry returns the schema the engine decides against.
func (e *Engine) Registry() *Registry { return e.registry }

// Close flushes buffered decision records and stops the log goroutine.
// The engine keeps answering checks afterwards; only recording stops.
func (e *Engine) Close() error {
	e.closed.Do(func() {
		if e.quit != nil {
			close(e.quit)
			<-e.done
		}
	})
	return nil
}

func (e *Engine) drain() {
	defer close(e.done)
	for {
		select {
		case rec := <-e.sinkCh:
			e.write(rec)
		case <-e.quit:
			for {
				select {
				case rec := <-e.sinkCh:
					e.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) write(rec *DecisionRecord) {
	if err := e.sink.Record(context.Background(), rec); err != nil {
		e.log.Error("decision record write failed", "id", rec.ID, "error", err)
	}
}

// Decide checks whether actor may perform op on the given instance. A nil
// actor is an unauthenticated caller.
//
// The decision is deny unless some rule declared for op on the instance's
// entity evaluates to true; rules are tried in declaration order and the
// first hold wins. If a rule fails to evaluate before any rule holds, the
// decision is deny and the failure is returned alongside it, wrapped as
// *EvaluationError or *ResolutionError.
func (e *Engine) Decide(ctx context.Context, actor *Actor, op Operation, inst *Instance) (*Decision, error) {
	return e.run(ctx, actor, op, inst, false)
}

// Explain is Decide with a per-rule trace on the decision, for debugging
// and audit tooling.
func (e *Engine) Explain(ctx context.Context, actor *Actor, op Operation, inst *Instance) (*Decision, error) {
	return e.run(ctx, actor, op, inst, true)
}

// DecideByID fetches the instance from the engine's source first, for
// callers that hold only an id. A missing instance denies with an error
// rather than quietly reporting that no rule matched.
func (e *Engine) DecideByID(ctx context.Context, actor *Actor, op Operation, entity, id string) (*Decision, error) {
	started := time.Now()
	inst, err := e.source.FetchByID(ctx, entity, id)
	if err != nil {
		rerr := &ResolutionError{Entity: entity, ID: id, Err: err}
		d := e.stamp(&Decision{Reason: ReasonError, Entity: entity, Operation: op}, started)
		e.record(ctx, actor, &Instance{Entity: entity, ID: id}, d, rerr)
		return d, rerr
	}
	if inst == nil {
		ierr := evalErrf(entity, "instance %s not found", id)
		d := e.stamp(&Decision{Reason: ReasonError, Entity: entity, Operation: op}, started)
		e.record(ctx, actor, &Instance{Entity: entity, ID: id}, d, ierr)
		return d, ierr
	}
	return e.run(ctx, actor, op, inst, false)
}

// DecideCreate checks whether actor may create an instance of entity from
// the proposed values. Keys of values name declared fields or to-one
// relations (relation values are target ids); to-many memberships do not
// exist before the instance does, so a quantifier over the proposal's own
// relations finds no members.
func (e *Engine) DecideCreate(ctx context.Context, actor *Actor, entity string, values map[string]any) (*Decision, error) {
	inst, err := e.proposal(entity, values)
	if err != nil {
		d := e.stamp(&Decision{Reason: ReasonError, Entity: entity, Operation: OpCreate}, time.Now())
		e.record(ctx, actor, inst, d, err)
		return d, err
	}
	return e.run(ctx, actor, OpCreate, inst, false)
}

func (e *Engine) proposal(entity string, values map[string]any) (*Instance, error) {
	def, ok := e.registry.Entity(entity)
	if !ok {
		return nil, evalErrf(entity, "entity is not declared")
	}
	inst := NewInstance(entity, "")
	for name, v := range values {
		if _, isField := def.Field(name); isField {
			inst.Fields[name] = v
			continue
		}
		rel, isRel := def.Relation(name)
		if !isRel {
			return nil, evalErrf(entity, "proposed value %s matches no field or relation", name)
		}
		if rel.Cardinality != One {
			return nil, evalErrf(entity, "proposed value %s is a to-many relation; memberships are created after the instance", name)
		}
		id, ok := v.(string)
		if !ok {
			return nil, evalErrf(entity, "proposed relation %s wants a target id string, got %T", name, v)
		}
		inst.Refs[name] = id
	}
	for i := range def.Fields {
		if _, ok := inst.Fields[def.Fields[i].Name]; !ok {
			inst.Fields[def.Fields[i].Name] = nil
		}
	}
	return inst, nil
}

// BatchDecide evaluates several checks in order and stops at the first
// check that fails to evaluate.
func (e *Engine) BatchDecide(ctx context.Context, checks []Check) ([]*Decision, error) {
	out := make([]*Decision, 0, len(checks))
	for _, c := range checks {
		d, err := e.Decide(ctx, c.Actor, c.Operation, c.Instance)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, actor *Actor, op Operation, inst *Instance, explain bool) (*Decision, error) {
	started := time.Now()
	d, err := e.evaluate(ctx, actor, op, inst, explain)
	d.Operation = op
	if inst != nil {
		d.Entity = inst.Entity
	}
	e.stamp(d, started)
	e.record(ctx, actor, inst, d, err)
	return d, err
}

func (e *Engine) evaluate(ctx context.Context, actor *Actor, op Operation, inst *Instance, explain bool) (*Decision, error) {
	if inst == nil {
		return &Decision{Reason: ReasonError}, evalErrf("", "nil instance")
	}
	if !validOperation(op) {
		return &Decision{Reason: ReasonError}, evalErrf(inst.Entity, "unknown operation %q", op)
	}
	resolver := NewResolver(e.source)
	defer resolver.Close()
	ec, err := NewEvalContext(e.registry, actor, resolver, inst)
	if err != nil {
		return &Decision{Reason: ReasonError}, err
	}
	rules := e.registry.RulesFor(inst.Entity, op)
	if len(rules) == 0 {
		d := &Decision{Reason: ReasonNoRule}
		if explain {
			d.Trace = []string{fmt.Sprintf("no rule guards %s on %s", op, inst.Entity)}
		}
		return d, nil
	}
	var trace []string
	for _, rule := range rules {
		held, err := rule.compiled.Eval(ctx, ec)
		if err != nil {
			// Fail closed: an undecidable rule denies rather than
			// letting a later rule allow on partial data.
			if explain {
				trace = append(trace, fmt.Sprintf("rule %s: error: %v", rule.Name, err))
			}
			return &Decision{Reason: ReasonError, Rule: rule.Name, Trace: trace},
				fmt.Errorf("rule %s on %s: %w", rule.Name, inst.Entity, err)
		}
		if held {
			if explain {
				trace = append(trace, fmt.Sprintf("rule %s: allowed (%s)", rule.Name, rule.compiled))
			}
			return &Decision{Allowed: true, Reason: ReasonRuleMatched, Rule: rule.Name, Trace: trace}, nil
		}
		if explain {
			trace = append(trace, fmt.Sprintf("rule %s: no match (%s)", rule.Name, rule.compiled))
		}
	}
	return &Decision{Reason: ReasonNoMatch, Trace: trace}, nil
}

func (e *Engine) stamp(d *Decision, started time.Time) *Decision {
	d.Elapsed = time.Since(started)
	d.Timestamp = time.Now()
	return d
}

func (e *Engine) record(ctx context.Context, actor *Actor, inst *Instance, d *Decision, evalErr error) {
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	instID := ""
	if inst != nil {
		instID = inst.ID
	}
	e.log.Debug("decision",
		"entity", d.Entity,
		"instance", instID,
		"operation", string(d.Operation),
		"actor", actorID,
		"allowed", d.Allowed,
		"reason", d.Reason,
		"rule", d.Rule,
	)
	if e.sinkCh == nil {
		return
	}
	rec := &DecisionRecord{
		ID:         uuid.NewString(),
		ActorID:    actorID,
		Entity:     d.Entity,
		InstanceID: instID,
		Operation:  d.Operation,
		Allowed:    d.Allowed,
		Rule:       d.Rule,
		Reason:     d.Reason,
		Elapsed:    d.Elapsed,
		Timestamp:  d.Timestamp,
	}
	if evalErr != nil {
		rec.Error = evalErr.Error()
	}
	if e.traceID != nil {
		rec.TraceID = e.traceID(ctx)
	}
	select {
	case e.sinkCh <- rec:
	default:
		e.log.Debug("decision record dropped", "id", rec.ID)
	}
}
