package relward

import (
	"context"
	"sync"
	"time"
)

// DecisionRecord is the audit trail entry for one check.
type DecisionRecord struct {
	ID         string
	TraceID    string
	ActorID    string
	Entity     string
	InstanceID string
	Operation  Operation
	Allowed    bool
	Rule       string
	Reason     string
	Error      string
	Elapsed    time.Duration
	Timestamp  time.Time
}

// DecisionFilter narrows a List of decision records. Zero fields match
// everything.
type DecisionFilter struct {
	Entity    string
	ActorID   string
	Operation Operation
	Allowed   *bool
	Since     time.Time
	Until     time.Time
	Limit     int
}

// DecisionLog receives a record of every decision an engine makes.
type DecisionLog interface {
	Record(ctx context.Context, rec *DecisionRecord) error
	List(ctx context.Context, f DecisionFilter) ([]*DecisionRecord, error)
}

// MemoryDecisionLog keeps the most recent records in memory, oldest
// dropped beyond the cap. Useful for tests and demos.
type MemoryDecisionLog struct {
	mu   sync.RWMutex
	recs []*DecisionRecord
	max  int
}

// NewMemoryDecisionLog returns a log retaining up to max records, 4096
// when max is not positive.
func NewMemoryDecisionLog(max int) *MemoryDecisionLog {
	if max <= 0 {
		max = 4096
	}
	return &MemoryDecisionLog{max: max}
}

func (m *MemoryDecisionLog) Record(ctx context.Context, rec *DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	if len(m.recs) > m.max {
		m.recs = m.recs[len(m.recs)-m.max:]
	}
	return nil
}

func (m *MemoryDecisionLog) List(ctx context.Context, f DecisionFilter) ([]*DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*DecisionRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		if !matchRecord(rec, f) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Len reports how many records the log currently holds.
func (m *MemoryDecisionLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}

func matchRecord(rec *DecisionRecord, f DecisionFilter) bool {
	if f.Entity != "" && rec.Entity != f.Entity {
		return false
	}
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.Operation != "" && rec.Operation != f.Operation {
		return false
	}
	if f.Allowed != nil && rec.Allowed != *f.Allowed {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}
