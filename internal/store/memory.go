package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nirmalarya/autograph-sub002/internal/op"
)

// MemoryLog keeps logs in process memory. Used by tests and by deployments
// that accept losing history on restart.
type MemoryLog struct {
	mu   sync.Mutex
	logs map[string]map[string]op.Operation // diagram_id -> op_id -> op
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{logs: make(map[string]map[string]op.Operation)}
}

func (m *MemoryLog) Append(_ context.Context, operation op.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	diagram := m.logs[operation.DiagramID]
	if diagram == nil {
		diagram = make(map[string]op.Operation)
		m.logs[operation.DiagramID] = diagram
	}
	if _, exists := diagram[operation.OpID]; exists {
		return nil
	}
	diagram[operation.OpID] = operation.Clone()
	return nil
}

func (m *MemoryLog) LoadLog(_ context.Context, diagramID string) ([]op.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	diagram := m.logs[diagramID]
	ops := make([]op.Operation, 0, len(diagram))
	for _, o := range diagram {
		ops = append(ops, o.Clone())
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ServerSeq < ops[j].ServerSeq })
	return ops, nil
}
