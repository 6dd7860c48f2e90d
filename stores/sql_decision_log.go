package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/relward/relward"
)

// SQLDecisionLog persists decision records in SQL.
type SQLDecisionLog struct {
	db *squealx.DB
}

func NewSQLDecisionLog(db *squealx.DB) (*SQLDecisionLog, error) {
	return &SQLDecisionLog{db: db}, nil
}

func (s *SQLDecisionLog) Record(ctx context.Context, rec *relward.DecisionRecord) error {
	q := `INSERT INTO decision_log(id, timestamp, trace_id, actor_id, entity, instance_id, operation, allowed, rule, reason, error, elapsed_ns) VALUES(:id, :timestamp, :trace_id, :actor_id, :entity, :instance_id, :operation, :allowed, :rule, :reason, :error, :elapsed_ns)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          rec.ID,
		"timestamp":   rec.Timestamp,
		"trace_id":    rec.TraceID,
		"actor_id":    rec.ActorID,
		"entity":      rec.Entity,
		"instance_id": rec.InstanceID,
		"operation":   string(rec.Operation),
		"allowed":     boolToInt(rec.Allowed),
		"rule":        rec.Rule,
		"reason":      rec.Reason,
		"error":       rec.Error,
		"elapsed_ns":  rec.Elapsed.Nanoseconds(),
	})
	return err
}

func (s *SQLDecisionLog) List(ctx context.Context, f relward.DecisionFilter) ([]*relward.DecisionRecord, error) {
	q := `SELECT id, timestamp, trace_id, actor_id, entity, instance_id, operation, allowed, rule, reason, error, elapsed_ns FROM decision_log WHERE 1=1`
	params := map[string]any{}
	if f.Entity != "" {
		q += " AND entity = :entity"
		params["entity"] = f.Entity
	}
	if f.ActorID != "" {
		q += " AND actor_id = :actor_id"
		params["actor_id"] = f.ActorID
	}
	if f.Operation != "" {
		q += " AND operation = :operation"
		params["operation"] = string(f.Operation)
	}
	if f.Allowed != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*f.Allowed)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = f.Since
	}
	if !f.Until.IsZero() {
		q += " AND timestamp <= :until"
		params["until"] = f.Until
	}
	q += " ORDER BY timestamp"
	if f.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = f.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*relward.DecisionRecord, 0)
	for r.Next() {
		var id, traceID, actorID, entity, instanceID, operation, rule, reason, errText string
		var timestampRaw interface{}
		var allowedInt int
		var elapsedNS int64
		if err := r.Scan(&id, &timestampRaw, &traceID, &actorID, &entity, &instanceID, &operation, &allowedInt, &rule, &reason, &errText, &elapsedNS); err != nil {
			return nil, err
		}
		rec := &relward.DecisionRecord{
			ID:         id,
			TraceID:    traceID,
			ActorID:    actorID,
			Entity:     entity,
			InstanceID: instanceID,
			Operation:  relward.Operation(operation),
			Allowed:    allowedInt != 0,
			Rule:       rule,
			Reason:     reason,
			Error:      errText,
			Elapsed:    time.Duration(elapsedNS),
		}
		switch v := timestampRaw.(type) {
		case time.Time:
			rec.Timestamp = v
		case string:
			if t, err := parseFlexibleTime(v); err == nil {
				rec.Timestamp = t
			}
		case []byte:
			if t, err := parseFlexibleTime(string(v)); err == nil {
				rec.Timestamp = t
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
