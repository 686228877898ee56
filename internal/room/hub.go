package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nirmalarya/autograph-sub002/internal/lock"
	"github.com/nirmalarya/autograph-sub002/internal/op"
	"github.com/nirmalarya/autograph-sub002/internal/store"
)

var (
	// ErrDiagramLocked is returned by Join while a diagram is under an
	// administrative maintenance lock. Retryable by the caller.
	ErrDiagramLocked = errors.New("diagram locked for maintenance")
	// ErrRoomUnavailable is returned when a room cannot be rehydrated from
	// storage. Retryable by the caller.
	ErrRoomUnavailable = errors.New("room unavailable")
)

// joinTimeout bounds how long a join may wait on the lock store and log
// rehydration before surfacing a typed failure instead of hanging.
const joinTimeout = 10 * time.Second

// Hub owns the live rooms. Rooms are created lazily on first join,
// rehydrated from the durable log, and evicted once their last member
// leaves. Rooms for different diagrams share nothing mutable and run fully
// in parallel.
type Hub struct {
	logStore  store.Log
	locks     lock.Store
	heartbeat time.Duration

	mu    sync.Mutex
	rooms map[string]*Room

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewHub(logStore store.Log, locks lock.Store, heartbeatTimeout time.Duration) *Hub {
	h := &Hub{
		logStore:  logStore,
		locks:     locks,
		heartbeat: heartbeatTimeout,
		rooms:     make(map[string]*Room),
		stop:      make(chan struct{}),
	}
	h.wg.Add(1)
	go h.janitor()
	return h
}

// Join admits a client to a diagram's room, creating or rehydrating the
// room as needed.
func (h *Hub) Join(ctx context.Context, clientID, diagramID string) (*Session, []op.Operation, []Presence, error) {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	reason, err := h.locks.Locked(ctx, diagramID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: lock check failed: %v", ErrRoomUnavailable, err)
	}
	if reason != "" {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrDiagramLocked, reason)
	}

	for {
		r, err := h.room(ctx, diagramID)
		if err != nil {
			return nil, nil, nil, err
		}
		s, logSnapshot, presenceSnapshot, err := r.Join(clientID)
		if errors.Is(err, errRoomClosed) {
			// Eviction won the race between the map lookup and the session
			// registering. The closed room is already out of the map, so
			// the next lookup creates a fresh one.
			if ctx.Err() != nil {
				return nil, nil, nil, fmt.Errorf("%w: %v", ErrRoomUnavailable, ctx.Err())
			}
			continue
		}
		if err != nil {
			return nil, nil, nil, err
		}
		return s, logSnapshot, presenceSnapshot, nil
	}
}

// Submit routes an operation to its room. The room must be live, which it
// is for any connected session.
func (h *Hub) Submit(operation op.Operation) (Accepted, error) {
	h.mu.Lock()
	r, ok := h.rooms[operation.DiagramID]
	h.mu.Unlock()
	if !ok {
		return Accepted{}, fmt.Errorf("%w: no live room for diagram %s", ErrRoomUnavailable, operation.DiagramID)
	}
	return r.Submit(operation)
}

// Heartbeat forwards a presence update. Fire-and-forget: no room, no-op.
func (h *Hub) Heartbeat(diagramID, clientID string, cursor *op.Position, selectedIDs []string) {
	h.mu.Lock()
	r, ok := h.rooms[diagramID]
	h.mu.Unlock()
	if ok {
		r.Heartbeat(clientID, cursor, selectedIDs)
	}
}

// Leave removes the client from the room and evicts the room if it emptied.
func (h *Hub) Leave(diagramID, clientID string) {
	h.mu.Lock()
	r, ok := h.rooms[diagramID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if r.Leave(clientID) {
		h.evict(r)
	}
}

// Room returns the live room for a diagram, or nil.
func (h *Hub) Room(diagramID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[diagramID]
}

// LoadLog reads a diagram's log, preferring the live room over storage.
func (h *Hub) LoadLog(ctx context.Context, diagramID string, after int64) ([]op.Operation, error) {
	h.mu.Lock()
	r, ok := h.rooms[diagramID]
	h.mu.Unlock()
	if ok {
		return r.Log(after), nil
	}
	history, err := h.logStore.LoadLog(ctx, diagramID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}
	out := history[:0:0]
	for _, o := range history {
		if o.ServerSeq > after {
			out = append(out, o)
		}
	}
	return out, nil
}

// Shutdown stops the janitor and flushes every room's persistence backlog.
func (h *Hub) Shutdown(ctx context.Context) {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.shutdown(ctx)
	}
}

func (h *Hub) room(ctx context.Context, diagramID string) (*Room, error) {
	h.mu.Lock()
	if r, ok := h.rooms[diagramID]; ok {
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	// Rehydrate outside the hub mutex; loading one big log must not block
	// joins to other diagrams.
	history, err := h.logStore.LoadLog(ctx, diagramID)
	if err != nil {
		return nil, fmt.Errorf("%w: rehydrate failed: %v", ErrRoomUnavailable, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[diagramID]; ok {
		// Lost the race to another join; use theirs.
		return r, nil
	}
	r := newRoom(diagramID, history, h.logStore)
	h.rooms[diagramID] = r
	log.Printf("room %s: created (%d operations rehydrated)", diagramID, len(history))
	return r, nil
}

func (h *Hub) evict(r *Room) {
	h.mu.Lock()
	if h.rooms[r.DiagramID] != r {
		h.mu.Unlock()
		return
	}
	// Closing and removing the room under the hub mutex is atomic with
	// respect to Join: a join that already holds the pointer fails on the
	// closed flag, and the next map lookup sees no room.
	if !r.closeIfEmpty() {
		// A join slipped in between Leave reporting empty and now.
		h.mu.Unlock()
		return
	}
	delete(h.rooms, r.DiagramID)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.shutdown(ctx)
	log.Printf("room %s: evicted", r.DiagramID)
}

// janitor expires sessions that stopped heartbeating. Timeout expiry is the
// only disconnect signal; there is no explicit failure path from clients.
func (h *Hub) janitor() {
	defer h.wg.Done()
	interval := h.heartbeat / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			rooms := make([]*Room, 0, len(h.rooms))
			for _, r := range h.rooms {
				rooms = append(rooms, r)
			}
			h.mu.Unlock()

			for _, r := range rooms {
				expired, empty := r.expireStale(h.heartbeat)
				for _, clientID := range expired {
					log.Printf("room %s: expired client %s (heartbeat timeout)", r.DiagramID, clientID)
				}
				if empty && len(expired) > 0 {
					h.evict(r)
				}
			}
		}
	}
}
