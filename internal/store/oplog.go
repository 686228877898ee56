// Package store persists per-diagram operation logs. The coordinator owns
// the in-memory log; this layer only ever appends behind it and rehydrates
// rooms that were evicted.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nirmalarya/autograph-sub002/internal/op"
)

// Log is the durable-storage collaborator: append is at-least-once and
// idempotent on op_id, LoadLog returns the accepted operations in
// server_seq order.
type Log interface {
	Append(ctx context.Context, operation op.Operation) error
	LoadLog(ctx context.Context, diagramID string) ([]op.Operation, error)
}

type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (s *PostgresLog) Append(ctx context.Context, operation op.Operation) error {
	payload, err := json.Marshal(operation.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (op_id, diagram_id, client_id, client_seq, server_seq, observed_seq, kind, target_element_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (op_id) DO NOTHING
	`, operation.OpID, operation.DiagramID, operation.ClientID, operation.ClientSeq,
		operation.ServerSeq, operation.ObservedSeq, string(operation.Kind), operation.TargetID, payload)
	if err != nil {
		return fmt.Errorf("append operation %s: %w", operation.OpID, err)
	}
	return nil
}

func (s *PostgresLog) LoadLog(ctx context.Context, diagramID string) ([]op.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id, diagram_id, client_id, client_seq, server_seq, observed_seq, kind, target_element_id, payload
		FROM operations
		WHERE diagram_id = $1
		ORDER BY server_seq ASC
	`, diagramID)
	if err != nil {
		return nil, fmt.Errorf("load log %s: %w", diagramID, err)
	}
	defer rows.Close()

	ops := make([]op.Operation, 0)
	for rows.Next() {
		var o op.Operation
		var kind string
		var payload []byte
		if err := rows.Scan(&o.OpID, &o.DiagramID, &o.ClientID, &o.ClientSeq,
			&o.ServerSeq, &o.ObservedSeq, &kind, &o.TargetID, &payload); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		o.Kind = op.Kind(kind)
		if err := json.Unmarshal(payload, &o.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload %s: %w", o.OpID, err)
		}
		ops = append(ops, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log %s: %w", diagramID, err)
	}
	return ops, nil
}
