// Package app glues the sync core to its HTTP/WebSocket surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/nirmalarya/autograph-sub002/internal/auth"
	"github.com/nirmalarya/autograph-sub002/internal/config"
	"github.com/nirmalarya/autograph-sub002/internal/lock"
	"github.com/nirmalarya/autograph-sub002/internal/op"
	"github.com/nirmalarya/autograph-sub002/internal/room"
	"github.com/nirmalarya/autograph-sub002/internal/store"
)

type Service struct {
	cfg   config.Config
	hub   *room.Hub
	store store.Log
	locks lock.Store
	db    *sql.DB
}

// New wires a service. db may be nil when the log store is not backed by
// SQL (tests, memory-only deployments); readiness then skips the db check.
func New(cfg config.Config, logStore store.Log, locks lock.Store, db *sql.DB) *Service {
	return &Service{
		cfg:   cfg,
		hub:   room.NewHub(logStore, locks, cfg.HeartbeatTimeout),
		store: logStore,
		locks: locks,
		db:    db,
	}
}

func (s *Service) Hub() *room.Hub {
	return s.hub
}

// Authenticate resolves the verified client identity from a bearer token.
func (s *Service) Authenticate(token string) (string, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return "", domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token", nil)
	}
	return claims.ClientID, nil
}

// AdminToken checks the static token that guards maintenance endpoints.
func (s *Service) AdminToken(token string) error {
	if token == "" || token != s.cfg.AdminToken {
		return domainError(http.StatusForbidden, "FORBIDDEN", "admin token required", nil)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// DiagramLog returns accepted operations after a sequence number, from the
// live room when one exists, otherwise from durable storage.
func (s *Service) DiagramLog(ctx context.Context, diagramID string, after int64) ([]op.Operation, error) {
	ops, err := s.hub.LoadLog(ctx, diagramID, after)
	if err != nil {
		return nil, domainError(http.StatusServiceUnavailable, "ROOM_UNAVAILABLE", err.Error(), nil)
	}
	return ops, nil
}

// DiagramState materializes a diagram by replay.
func (s *Service) DiagramState(ctx context.Context, diagramID string) (*op.State, error) {
	if r := s.hub.Room(diagramID); r != nil {
		return r.State(), nil
	}
	ops, err := s.DiagramLog(ctx, diagramID, 0)
	if err != nil {
		return nil, err
	}
	return op.Replay(ops), nil
}

// RoomStats reports counters for a live room.
type RoomStats struct {
	DiagramID string `json:"diagram_id"`
	Live      bool   `json:"live"`
	Sessions  int    `json:"sessions"`
	LogLen    int    `json:"log_len"`
	NextSeq   int64  `json:"next_seq"`
}

func (s *Service) RoomStats(diagramID string) RoomStats {
	stats := RoomStats{DiagramID: diagramID}
	if r := s.hub.Room(diagramID); r != nil {
		stats.Live = true
		stats.Sessions, stats.LogLen, stats.NextSeq = r.Stats()
	}
	return stats
}

// LockDiagram places a diagram under administrative maintenance.
func (s *Service) LockDiagram(ctx context.Context, diagramID, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.MaintenanceLockTTL
	}
	if err := s.locks.Acquire(ctx, diagramID, reason, ttl); err != nil {
		return domainError(http.StatusServiceUnavailable, "LOCK_STORE_UNAVAILABLE", err.Error(), nil)
	}
	return nil
}

func (s *Service) UnlockDiagram(ctx context.Context, diagramID string) error {
	if err := s.locks.Release(ctx, diagramID); err != nil {
		return domainError(http.StatusServiceUnavailable, "LOCK_STORE_UNAVAILABLE", err.Error(), nil)
	}
	return nil
}

// Shutdown flushes rooms and stops background work.
func (s *Service) Shutdown(ctx context.Context) {
	s.hub.Shutdown(ctx)
}

// statusFor maps core errors to HTTP statuses at the boundary.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, room.ErrDiagramLocked):
		return http.StatusConflict, "DIAGRAM_LOCKED"
	case errors.Is(err, room.ErrRoomUnavailable):
		return http.StatusServiceUnavailable, "ROOM_UNAVAILABLE"
	case errors.Is(err, op.ErrMalformed):
		return http.StatusBadRequest, "MALFORMED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
