package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nirmalarya/autograph-sub002/internal/lock"
	"github.com/nirmalarya/autograph-sub002/internal/op"
	"github.com/nirmalarya/autograph-sub002/internal/resolve"
	"github.com/nirmalarya/autograph-sub002/internal/store"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(store.NewMemoryLog(), lock.NewMemoryStore(), 30*time.Second)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

func createOp(clientID string, clientSeq int64, elementID string) op.Operation {
	return op.Operation{
		OpID:      op.MakeOpID(clientID, clientSeq),
		DiagramID: "d1",
		ClientID:  clientID,
		ClientSeq: clientSeq,
		Kind:      op.KindCreate,
		TargetID:  elementID,
		Payload:   op.Payload{Element: &op.ElementSnapshot{ID: elementID, Shape: "rect"}},
	}
}

func moveOp(clientID string, clientSeq, observed int64, elementID string, x, y float64) op.Operation {
	return op.Operation{
		OpID:        op.MakeOpID(clientID, clientSeq),
		DiagramID:   "d1",
		ClientID:    clientID,
		ClientSeq:   clientSeq,
		ObservedSeq: observed,
		Kind:        op.KindMove,
		TargetID:    elementID,
		Payload:     op.Payload{Position: &op.Position{X: x, Y: y}},
	}
}

func deleteOp(clientID string, clientSeq, observed int64, elementID string) op.Operation {
	return op.Operation{
		OpID:        op.MakeOpID(clientID, clientSeq),
		DiagramID:   "d1",
		ClientID:    clientID,
		ClientSeq:   clientSeq,
		ObservedSeq: observed,
		Kind:        op.KindDelete,
		TargetID:    elementID,
	}
}

// flakyLog fails a fixed number of appends before recovering, simulating a
// transient storage outage.
type flakyLog struct {
	mu       sync.Mutex
	failures int
	inner    *store.MemoryLog
}

func (f *flakyLog) Append(ctx context.Context, operation op.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("storage unavailable")
	}
	return f.inner.Append(ctx, operation)
}

func (f *flakyLog) LoadLog(ctx context.Context, diagramID string) ([]op.Operation, error) {
	return f.inner.LoadLog(ctx, diagramID)
}

func TestJoinCreatesRoomLazily(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	s, logSnapshot, presence, err := h.Join(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if s.ClientID != "alice" || s.DiagramID != "d1" {
		t.Errorf("session = %+v", s)
	}
	if len(logSnapshot) != 0 {
		t.Errorf("fresh diagram should have empty log, got %d", len(logSnapshot))
	}
	if len(presence) != 1 || presence[0].ClientID != "alice" {
		t.Errorf("presence snapshot = %+v", presence)
	}
}

func TestJoinRefusedUnderMaintenanceLock(t *testing.T) {
	locks := lock.NewMemoryStore()
	h := NewHub(store.NewMemoryLog(), locks, 30*time.Second)
	defer h.Shutdown(context.Background())

	ctx := context.Background()
	if err := locks.Acquire(ctx, "d1", "schema repair", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, _, _, err := h.Join(ctx, "alice", "d1"); !errors.Is(err, ErrDiagramLocked) {
		t.Fatalf("Join under lock = %v, want ErrDiagramLocked", err)
	}

	if err := locks.Release(ctx, "d1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join after unlock: %v", err)
	}
}

func TestSubmitAssignsGapFreeSequence(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	const clients = 8
	const perClient = 25

	for i := 0; i < clients; i++ {
		clientID := string(rune('a' + i))
		if _, _, _, err := h.Join(ctx, clientID, "d1"); err != nil {
			t.Fatalf("Join %s: %v", clientID, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		clientID := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := int64(1); seq <= perClient; seq++ {
				elementID := clientID + "-" + op.MakeOpID("e", seq)
				if _, err := h.Submit(createOp(clientID, seq, elementID)); err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	log := h.Room("d1").Log(0)
	if len(log) != clients*perClient {
		t.Fatalf("log length = %d, want %d", len(log), clients*perClient)
	}
	for i, o := range log {
		if o.ServerSeq != int64(i+1) {
			t.Fatalf("log[%d].ServerSeq = %d; sequence must be gap-free and increasing", i, o.ServerSeq)
		}
	}
}

func TestSubmitIsIdempotentByOpID(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	first, err := h.Submit(createOp("alice", 1, "e1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := h.Submit(createOp("alice", 1, "e1"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Op.ServerSeq != first.Op.ServerSeq {
		t.Errorf("resubmission reassigned server_seq: %d then %d", first.Op.ServerSeq, second.Op.ServerSeq)
	}
	if got := len(h.Room("d1").Log(0)); got != 1 {
		t.Errorf("log length = %d after duplicate submit", got)
	}
}

func TestSubmitRejectsMalformed(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	bad := createOp("alice", 1, "e1")
	bad.Kind = "sparkle"
	if _, err := h.Submit(bad); !errors.Is(err, op.ErrMalformed) {
		t.Errorf("unknown kind: err = %v", err)
	}

	wrongDiagram := createOp("alice", 2, "e1")
	wrongDiagram.DiagramID = "other"
	if _, err := h.Submit(wrongDiagram); err == nil {
		t.Error("operation for another diagram must be rejected")
	}

	if got := len(h.Room("d1").Log(0)); got != 0 {
		t.Errorf("rejected operations must not enter the log, got %d entries", got)
	}
}

func TestStaleSubmitResolvedNotRefused(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if _, err := h.Submit(createOp("alice", 1, "e1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.Submit(op.Operation{
		OpID: op.MakeOpID("alice", 2), DiagramID: "d1", ClientID: "alice", ClientSeq: 2,
		ObservedSeq: 1, Kind: op.KindDelete, TargetID: "e1",
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Bob moves e1 having only observed the create. Stale, not refused.
	accepted, err := h.Submit(moveOp("bob", 1, 1, "e1", 5, 5))
	if err != nil {
		t.Fatalf("stale move: %v", err)
	}
	if accepted.Outcome != resolve.OutcomeDiscarded {
		t.Errorf("outcome = %s, want discarded", accepted.Outcome)
	}
	if !accepted.Op.Accepted() {
		t.Error("discarded operations are still logged")
	}

	state := h.Room("d1").State()
	if _, ok := state.Elements["e1"]; ok {
		t.Error("deleted element came back")
	}
}

func TestBroadcastOrderAndAuthorExclusion(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice, _, _, err := h.Join(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("Join alice: %v", err)
	}
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("Join bob: %v", err)
	}
	// Drain alice's join-time events for bob.
	drained := 0
	for drained < 2 {
		select {
		case <-alice.Events():
			drained++
		case <-time.After(time.Second):
			t.Fatal("missing join events")
		}
	}

	for seq := int64(1); seq <= 5; seq++ {
		if _, err := h.Submit(createOp("bob", seq, op.MakeOpID("e", seq))); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	var seqs []int64
	timeout := time.After(2 * time.Second)
	for len(seqs) < 5 {
		select {
		case event := <-alice.Events():
			if event.Type == EventOperation {
				seqs = append(seqs, event.Operation.ServerSeq)
			}
		case <-timeout:
			t.Fatalf("only received %d operations", len(seqs))
		}
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("broadcast order %v; no member may observe N+1 before N", seqs)
		}
	}

	// The author hears acks via submit returns, not via its own broadcast.
	bob := h.Room("d1")
	bob.mu.Lock()
	bobSession := bob.sessions["bob"]
	bob.mu.Unlock()
	select {
	case event := <-bobSession.events:
		if event.Type == EventOperation {
			t.Errorf("author received its own operation broadcast: %+v", event)
		}
	default:
	}
}

func TestHeartbeatUpdatesPresence(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice, _, _, err := h.Join(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("Join bob: %v", err)
	}

	h.Heartbeat("d1", "bob", &op.Position{X: 3, Y: 4}, []string{"e9"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-alice.Events():
			if event.Type != EventPresence || event.Presence == nil || event.Presence.Cursor == nil {
				continue
			}
			p := event.Presence
			if p.ClientID == "bob" && p.Cursor.X == 3 && len(p.SelectedIDs) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("presence update never arrived")
		}
	}
}

func TestHeartbeatExpiryRemovesSession(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("Join bob: %v", err)
	}
	if _, err := h.Submit(createOp("alice", 1, "e1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	r := h.Room("d1")
	time.Sleep(20 * time.Millisecond)
	expired, empty := r.expireStale(10 * time.Millisecond)
	if len(expired) != 2 || !empty {
		t.Fatalf("expired = %v, empty = %v", expired, empty)
	}

	// Operations already accepted from expired clients stay valid.
	if got := len(r.Log(0)); got != 1 {
		t.Errorf("log length = %d after expiry", got)
	}
}

func TestLeaveEvictsEmptyRoomAndRehydrates(t *testing.T) {
	logStore := store.NewMemoryLog()
	h := NewHub(logStore, lock.NewMemoryStore(), 30*time.Second)
	defer h.Shutdown(context.Background())
	ctx := context.Background()

	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := h.Submit(createOp("alice", 1, "e1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.Leave("d1", "alice")

	if h.Room("d1") != nil {
		t.Fatal("empty room should be evicted")
	}

	// Rejoining rehydrates the log from durable storage.
	_, logSnapshot, _, err := h.Join(ctx, "bob", "d1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if len(logSnapshot) != 1 || logSnapshot[0].OpID != op.MakeOpID("alice", 1) {
		t.Fatalf("rehydrated log = %+v", logSnapshot)
	}
	if _, err := h.Submit(createOp("bob", 1, "e2")); err != nil {
		t.Fatalf("submit after rehydrate: %v", err)
	}
	if got := h.Room("d1").Log(0); got[len(got)-1].ServerSeq != 2 {
		t.Errorf("server_seq must continue after rehydration, got %+v", got)
	}
}

func TestRejoinReplacesSession(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	first, _, _, err := h.Join(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	second, _, _, err := h.Join(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if first.ID == second.ID {
		t.Error("rejoin must mint a new session")
	}
	if _, open := <-first.Events(); open {
		// The channel may deliver buffered events first; drain to closure.
		for range first.Events() {
		}
	}
	sessions, _, _ := h.Room("d1").Stats()
	if sessions != 1 {
		t.Errorf("sessions = %d after rejoin", sessions)
	}
}

func TestAcceptedOperationSurvivesStorageOutage(t *testing.T) {
	logStore := &flakyLog{failures: 2, inner: store.NewMemoryLog()}
	h := NewHub(logStore, lock.NewMemoryStore(), 30*time.Second)
	defer h.Shutdown(context.Background())
	ctx := context.Background()

	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := h.Submit(createOp("alice", 1, "e1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Eviction flushes the persistence backlog. An accepted operation must
	// outlast the outage: it is already in every member's replica, so a gap
	// in the durable log could never be repaired.
	h.Leave("d1", "alice")

	history, err := logStore.LoadLog(ctx, "d1")
	if err != nil {
		t.Fatalf("LoadLog: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("durable log has %d entries after outage, want 1", len(history))
	}

	_, logSnapshot, _, err := h.Join(ctx, "bob", "d1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if len(logSnapshot) != 1 || logSnapshot[0].OpID != op.MakeOpID("alice", 1) {
		t.Fatalf("rehydrated log = %+v", logSnapshot)
	}
}

func TestJoinRacingEvictionLandsInLiveRoom(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	stale := h.Room("d1")
	h.Leave("d1", "alice")

	// A join that grabbed the room pointer before eviction must not
	// register into the orphaned room: its submits would all miss the
	// hub's map.
	if _, _, _, err := stale.Join("bob"); !errors.Is(err, errRoomClosed) {
		t.Fatalf("join on evicted room = %v, want errRoomClosed", err)
	}

	// The hub path retries onto a fresh room that can accept submits.
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("Join after eviction: %v", err)
	}
	if _, err := h.Submit(createOp("bob", 1, "e1")); err != nil {
		t.Fatalf("Submit after rejoin: %v", err)
	}
}

func TestResubmissionReportsOriginalOutcome(t *testing.T) {
	logStore := store.NewMemoryLog()
	h := NewHub(logStore, lock.NewMemoryStore(), 30*time.Second)
	defer h.Shutdown(context.Background())
	ctx := context.Background()

	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if _, err := h.Submit(createOp("alice", 1, "e1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.Submit(deleteOp("alice", 2, 1, "e1")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	stale := moveOp("bob", 1, 1, "e1", 5, 5)
	first, err := h.Submit(stale)
	if err != nil {
		t.Fatalf("stale move: %v", err)
	}
	if first.Outcome != resolve.OutcomeDiscarded {
		t.Fatalf("outcome = %s, want discarded", first.Outcome)
	}
	second, err := h.Submit(stale)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Outcome != resolve.OutcomeDiscarded {
		t.Errorf("resubmission outcome = %s, want the original discarded", second.Outcome)
	}

	if _, err := h.Submit(createOp("alice", 3, "e2")); err != nil {
		t.Fatalf("create e2: %v", err)
	}
	collision := createOp("bob", 2, "e2")
	remapped, err := h.Submit(collision)
	if err != nil {
		t.Fatalf("colliding create: %v", err)
	}
	if remapped.Outcome != resolve.OutcomeRemapped || remapped.RemappedID == "" {
		t.Fatalf("collision outcome = %+v", remapped)
	}
	again, err := h.Submit(collision)
	if err != nil {
		t.Fatalf("resubmit collision: %v", err)
	}
	if again.Outcome != resolve.OutcomeRemapped || again.RemappedID != remapped.RemappedID {
		t.Errorf("resubmission = %s/%q, want remapped/%q", again.Outcome, again.RemappedID, remapped.RemappedID)
	}

	// Discards are reconstructed on rehydration, so a retry after the room
	// was evicted still reports honestly.
	h.Leave("d1", "alice")
	h.Leave("d1", "bob")
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	replay, err := h.Submit(stale)
	if err != nil {
		t.Fatalf("resubmit after rehydration: %v", err)
	}
	if replay.Outcome != resolve.OutcomeDiscarded {
		t.Errorf("outcome after rehydration = %s, want discarded", replay.Outcome)
	}
}

func TestCreateReusingTombstonedIDIsRemapped(t *testing.T) {
	logStore := store.NewMemoryLog()
	h := NewHub(logStore, lock.NewMemoryStore(), 30*time.Second)
	defer h.Shutdown(context.Background())
	ctx := context.Background()

	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := h.Submit(createOp("alice", 1, "e1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.Submit(deleteOp("alice", 2, 1, "e1")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The author observed the delete, so this is not a concurrent conflict;
	// but without a remap the create would replay as a silent no-op.
	reuse := createOp("alice", 3, "e1")
	reuse.ObservedSeq = 2
	accepted, err := h.Submit(reuse)
	if err != nil {
		t.Fatalf("reusing create: %v", err)
	}
	if accepted.Outcome != resolve.OutcomeRemapped || accepted.RemappedID == "" || accepted.RemappedID == "e1" {
		t.Fatalf("accepted = %+v, want a remapped id", accepted)
	}

	state := h.Room("d1").State()
	if _, ok := state.Elements[accepted.RemappedID]; !ok {
		t.Errorf("remapped element %s missing from state", accepted.RemappedID)
	}
	if _, ok := state.Elements["e1"]; ok {
		t.Error("tombstoned id must stay dead")
	}

	// Tombstone knowledge survives eviction and rehydration.
	h.Leave("d1", "alice")
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	reuse2 := createOp("bob", 1, "e1")
	reuse2.ObservedSeq = 3
	accepted2, err := h.Submit(reuse2)
	if err != nil {
		t.Fatalf("reusing create after rehydration: %v", err)
	}
	if accepted2.Outcome != resolve.OutcomeRemapped {
		t.Errorf("outcome after rehydration = %s, want remapped", accepted2.Outcome)
	}
}

func TestLastWriterWinsFieldUpdate(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	if _, _, _, err := h.Join(ctx, "alice", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, _, _, err := h.Join(ctx, "bob", "d1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if _, err := h.Submit(createOp("alice", 1, "e1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	update := func(clientID string, clientSeq int64, color string) op.Operation {
		return op.Operation{
			OpID: op.MakeOpID(clientID, clientSeq), DiagramID: "d1",
			ClientID: clientID, ClientSeq: clientSeq, ObservedSeq: 1,
			Kind: op.KindUpdateFields, TargetID: "e1",
			Payload: op.Payload{Fields: map[string]json.RawMessage{
				"fill": json.RawMessage(`"` + color + `"`),
			}},
		}
	}
	if _, err := h.Submit(update("alice", 2, "red")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := h.Submit(update("bob", 1, "blue")); err != nil {
		t.Fatalf("update: %v", err)
	}

	state := h.Room("d1").State()
	if got := string(state.Elements["e1"].Fields["fill"]); got != `"blue"` {
		t.Errorf("fill = %s; later server_seq must win", got)
	}
}
