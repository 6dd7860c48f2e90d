package stores

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/relward/relward"
)

// RedisSource serves instances from Redis. Each instance is a hash at
// {prefix}:inst:{entity}:{id} whose fields hold the encoded field values
// plus ref:{relation} entries for to-one ids. Each to-many relation is a
// list of member ids at {prefix}:rel:{entity}:{id}:{relation}, read page
// by page so early-exit quantifiers stay cheap.
type RedisSource struct {
	client *redis.Client
	reg    *relward.Registry
	prefix string
	page   int64
}

func NewRedisSource(client *redis.Client, reg *relward.Registry, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "relward"
	}
	return &RedisSource{client: client, reg: reg, prefix: prefix, page: 64}
}

func (r *RedisSource) instKey(entity, id string) string {
	return fmt.Sprintf("%s:inst:%s:%s", r.prefix, entity, id)
}

func (r *RedisSource) relKey(entity, id, relation string) string {
	return fmt.Sprintf("%s:rel:%s:%s:%s", r.prefix, entity, id, relation)
}

// Save writes an instance hash. Nil fields are left out of the hash and
// come back as absent. The _id entry marks existence so an instance with
// no set fields is still distinguishable from a missing one.
func (r *RedisSource) Save(ctx context.Context, inst *relward.Instance) error {
	def, ok := r.reg.Entity(inst.Entity)
	if !ok {
		return fmt.Errorf("entity %q is not declared", inst.Entity)
	}
	vals := map[string]any{"_id": inst.ID}
	for name, v := range inst.Fields {
		if _, ok := def.Field(name); !ok {
			return fmt.Errorf("entity %s has no field %q", inst.Entity, name)
		}
		if v == nil {
			continue
		}
		s, err := encodeRedisField(v)
		if err != nil {
			return fmt.Errorf("entity %s field %s: %w", inst.Entity, name, err)
		}
		vals[name] = s
	}
	for relation, id := range inst.Refs {
		rel, ok := def.Relation(relation)
		if !ok || rel.Cardinality != relward.One {
			return fmt.Errorf("entity %s has no to-one relation %q", inst.Entity, relation)
		}
		vals["ref:"+relation] = id
	}
	return r.client.HSet(ctx, r.instKey(inst.Entity, inst.ID), vals).Err()
}

// Append adds a member to the end of a to-many relation list.
func (r *RedisSource) Append(ctx context.Context, entity, id, relation, memberID string) error {
	def, ok := r.reg.Entity(entity)
	if !ok {
		return fmt.Errorf("entity %q is not declared", entity)
	}
	rel, ok := def.Relation(relation)
	if !ok || rel.Cardinality != relward.Many {
		return fmt.Errorf("entity %s has no to-many relation %q", entity, relation)
	}
	return r.client.RPush(ctx, r.relKey(entity, id, relation), memberID).Err()
}

func (r *RedisSource) FetchByID(ctx context.Context, entity, id string) (*relward.Instance, error) {
	def, ok := r.reg.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("entity %q is not declared", entity)
	}
	vals, err := r.client.HGetAll(ctx, r.instKey(entity, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	inst := relward.NewInstance(entity, id)
	for i := range def.Fields {
		f := &def.Fields[i]
		s, ok := vals[f.Name]
		if !ok {
			inst.Fields[f.Name] = nil
			continue
		}
		v, err := fieldFromRedis(f.Type, s)
		if err != nil {
			return nil, fmt.Errorf("entity %s field %s: %w", entity, f.Name, err)
		}
		inst.Fields[f.Name] = v
	}
	for key, val := range vals {
		relation, found := strings.CutPrefix(key, "ref:")
		if !found {
			continue
		}
		if _, ok := def.Relation(relation); ok {
			inst.Refs[relation] = val
		}
	}
	return inst, nil
}

func (r *RedisSource) FetchOne(ctx context.Context, inst *relward.Instance, relation string) (*relward.Instance, error) {
	def, ok := r.reg.Entity(inst.Entity)
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
	return r.FetchByID(ctx, rel.Target, ref)
}

func (r *RedisSource) FetchMany(ctx context.Context, inst *relward.Instance, relation string) (relward.Cursor, error) {
	def, ok := r.reg.Entity(inst.Entity)
	if !ok {
		return nil, fmt.Errorf("entity %q is not declared", inst.Entity)
	}
	rel, ok := def.Relation(relation)
	if !ok || rel.Cardinality != relward.Many {
		return nil, fmt.Errorf("entity %s has no to-many relation %q", inst.Entity, relation)
	}
	return &redisCursor{
		src:    r,
		target: rel.Target,
		key:    r.relKey(inst.Entity, inst.ID, relation),
		page:   r.page,
	}, nil
}

type redisCursor struct {
	src    *RedisSource
	target string
	key    string
	page   int64
	offset int64
	buf    []string
	done   bool
}

func (c *redisCursor) Next(ctx context.Context) (*relward.Instance, error) {
	for {
		if len(c.buf) == 0 && !c.done {
			ids, err := c.src.client.LRange(ctx, c.key, c.offset, c.offset+c.page-1).Result()
			if err != nil {
				return nil, err
			}
			c.offset += int64(len(ids))
			if int64(len(ids)) < c.page {
				c.done = true
			}
			c.buf = ids
		}
		if len(c.buf) == 0 {
			return nil, nil
		}
		id := c.buf[0]
		c.buf = c.buf[1:]
		inst, err := c.src.FetchByID(ctx, c.target, id)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			continue
		}
		return inst, nil
	}
}

func (c *redisCursor) Close() error {
	c.done = true
	c.buf = nil
	return nil
}
