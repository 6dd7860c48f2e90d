package stores

import (
	"context"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"

	"github.com/relward/relward"
)

// SQLMapping binds entities to tables. Only mapped entities can be
// fetched; an engine whose rules never traverse an entity does not need a
// mapping for it.
type SQLMapping struct {
	Entities map[string]SQLEntity
}

// SQLEntity maps one entity onto a table. Columns maps field names to
// column names where they differ; Refs maps each to-one relation to the
// foreign key column on this table; Many maps each to-many relation to
// the reverse foreign key on the target's table.
type SQLEntity struct {
	Table    string
	IDColumn string
	Columns  map[string]string
	Refs     map[string]string
	Many     map[string]SQLMany
}

// SQLMany describes how to enumerate a to-many relation: the column on
// the target table holding the owner's id, the ordering that fixes the
// sequence, and the fetch page size.
type SQLMany struct {
	FK       string
	OrderBy  string
	PageSize int
}

// SQLSource serves instances from a relational database through squealx
// named queries. To-many relations are fetched page by page so a
// quantifier that stops early never reads the whole membership.
type SQLSource struct {
	db    *squealx.DB
	reg   *relward.Registry
	plans map[string]*sqlPlan
}

type sqlPlan struct {
	table      string
	idCol      string
	selectList string
	fields     []*relward.FieldDefinition
	refs       []sqlRef
	manys      map[string]SQLMany
}

type sqlRef struct {
	relation string
	column   string
}

func NewSQLSource(db *squealx.DB, reg *relward.Registry, mapping SQLMapping) (*SQLSource, error) {
	s := &SQLSource{db: db, reg: reg, plans: make(map[string]*sqlPlan, len(mapping.Entities))}
	for entity, em := range mapping.Entities {
		def, ok := reg.Entity(entity)
		if !ok {
			return nil, fmt.Errorf("sql mapping: entity %q is not declared", entity)
		}
		if em.Table == "" {
			return nil, fmt.Errorf("sql mapping: entity %s has no table", entity)
		}
		plan := &sqlPlan{table: em.Table, idCol: em.IDColumn, manys: make(map[string]SQLMany)}
		if plan.idCol == "" {
			plan.idCol = "id"
		}
		for name := range em.Columns {
			if _, ok := def.Field(name); !ok {
				return nil, fmt.Errorf("sql mapping: entity %s maps unknown field %q", entity, name)
			}
		}
		cols := []string{plan.idCol}
		for i := range def.Fields {
			f := &def.Fields[i]
			col := em.Columns[f.Name]
			if col == "" {
				col = f.Name
			}
			plan.fields = append(plan.fields, f)
			cols = append(cols, col)
		}
		for relation, col := range em.Refs {
			rel, ok := def.Relation(relation)
			if !ok || rel.Cardinality != relward.One {
				return nil, fmt.Errorf("sql mapping: entity %s maps unknown to-one relation %q", entity, relation)
			}
			plan.refs = append(plan.refs, sqlRef{relation: relation, column: col})
			cols = append(cols, col)
		}
		for relation, many := range em.Many {
			rel, ok := def.Relation(relation)
			if !ok || rel.Cardinality != relward.Many {
				return nil, fmt.Errorf("sql mapping: entity %s maps unknown to-many relation %q", entity, relation)
			}
			if many.FK == "" {
				return nil, fmt.Errorf("sql mapping: relation %s.%s has no foreign key column", entity, relation)
			}
			if many.PageSize <= 0 {
				many.PageSize = 64
			}
			plan.manys[relation] = many
		}
		plan.selectList = strings.Join(cols, ", ")
		s.plans[entity] = plan
	}
	return s, nil
}

func (s *SQLSource) plan(entity string) (*sqlPlan, error) {
	plan, ok := s.plans[entity]
	if !ok {
		return nil, fmt.Errorf("entity %q has no sql mapping", entity)
	}
	return plan, nil
}

func (s *SQLSource) FetchByID(ctx context.Context, entity, id string) (*relward.Instance, error) {
	plan, err := s.plan(entity)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = :id LIMIT 1", plan.selectList, plan.table, plan.idCol)
	rows, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanInstance(rows, entity, plan)
}

func (s *SQLSource) FetchOne(ctx context.Context, inst *relward.Instance, relation string) (*relward.Instance, error) {
	def, ok := s.reg.Entity(inst.Entity)
	if !ok {
		return nil, fmt.Errorf("entity %q is not declared", inst.Entity)
	}
	rel, ok := def.Relation(relation)
	if !ok || rel.Cardinality != relward.One {
		return nil, fmt.Errorf("entity %s has no to-one relation %q", inst.Entity, relation)
	}
	ref := inst.Refs[relation]
	if ref == "" {
		return nil, nil
	}
	return s.FetchByID(ctx, rel.Target, ref)
}

func (s *SQLSource) FetchMany(ctx context.Context, inst *relward.Instance, relation string) (relward.Cursor, error) {
	plan, err := s.plan(inst.Entity)
	if err != nil {
		return nil, err
	}
	many, ok := plan.manys[relation]
	if !ok {
		return nil, fmt.Errorf("relation %s.%s has no sql mapping", inst.Entity, relation)
	}
	def, _ := s.reg.Entity(inst.Entity)
	rel, _ := def.Relation(relation)
	targetPlan, err := s.plan(rel.Target)
	if err != nil {
		return nil, err
	}
	orderBy := many.OrderBy
	if orderBy == "" {
		orderBy = targetPlan.idCol
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = :owner ORDER BY %s LIMIT :limit OFFSET :offset",
		targetPlan.selectList, targetPlan.table, many.FK, orderBy)
	return &sqlCursor{
		src:    s,
		entity: rel.Target,
		plan:   targetPlan,
		query:  q,
		owner:  inst.ID,
		page:   many.PageSize,
	}, nil
}

type sqlCursor struct {
	src    *SQLSource
	entity string
	plan   *sqlPlan
	query  string
	owner  string
	page   int
	offset int
	buf    []*relward.Instance
	done   bool
}

func (c *sqlCursor) Next(ctx context.Context) (*relward.Instance, error) {
	if len(c.buf) == 0 && !c.done {
		if err := c.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
	if len(c.buf) == 0 {
		return nil, nil
	}
	inst := c.buf[0]
	c.buf = c.buf[1:]
	return inst, nil
}

func (c *sqlCursor) Close() error {
	c.done = true
	c.buf = nil
	return nil
}

func (c *sqlCursor) fetchPage(ctx context.Context) error {
	rows, err := c.src.db.NamedQueryContext(ctx, c.query, map[string]any{
		"owner":  c.owner,
		"limit":  c.page,
		"offset": c.offset,
	})
	if err != nil {
		return err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		inst, err := scanInstance(rows, c.entity, c.plan)
		if err != nil {
			return err
		}
		c.buf = append(c.buf, inst)
		n++
	}
	c.offset += n
	if n < c.page {
		c.done = true
	}
	return nil
}

type sqlRows interface {
	Scan(dest ...any) error
}

func scanInstance(rows sqlRows, entity string, plan *sqlPlan) (*relward.Instance, error) {
	raws := make([]any, 1+len(plan.fields)+len(plan.refs))
	dests := make([]any, len(raws))
	for i := range raws {
		dests[i] = &raws[i]
	}
	if err := rows.Scan(dests...); err != nil {
		return nil, err
	}
	id, err := idString(raws[0])
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", entity, err)
	}
	inst := relward.NewInstance(entity, id)
	for i, f := range plan.fields {
		v, err := fieldFromSQL(f.Type, raws[1+i])
		if err != nil {
			return nil, fmt.Errorf("entity %s field %s: %w", entity, f.Name, err)
		}
		inst.Fields[f.Name] = v
	}
	for i, ref := range plan.refs {
		raw := raws[1+len(plan.fields)+i]
		if raw == nil {
			continue
		}
		target, err := idString(raw)
		if err != nil {
			return nil, fmt.Errorf("entity %s relation %s: %w", entity, ref.relation, err)
		}
		inst.Refs[ref.relation] = target
	}
	return inst, nil
}

func idString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return fmt.Sprintf("%d", v), nil
	}
	return "", fmt.Errorf("cannot read %T as an id", raw)
}
