package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nirmalarya/autograph-sub002/internal/op"
	"github.com/nirmalarya/autograph-sub002/internal/store"
)

// persister drains accepted operations to durable storage behind the room.
// enqueue never blocks the submit path; the backlog is unbounded because an
// operation must never be lost to backpressure (the store is idempotent on
// op_id, so retries are safe).
type persister struct {
	diagramID string
	store     store.Log

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []op.Operation
	closing bool
	done    chan struct{}
}

func newPersister(diagramID string, store store.Log) *persister {
	p := &persister{
		diagramID: diagramID,
		store:     store,
		done:      make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

func (p *persister) enqueue(operation op.Operation) {
	p.mu.Lock()
	p.backlog = append(p.backlog, operation)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *persister) run() {
	defer close(p.done)
	backoff := persistRetryBase
	for {
		p.mu.Lock()
		for len(p.backlog) == 0 && !p.closing {
			p.cond.Wait()
		}
		if len(p.backlog) == 0 && p.closing {
			p.mu.Unlock()
			return
		}
		operation := p.backlog[0]
		p.mu.Unlock()

		if err := p.append(operation); err != nil {
			// The head stays in the backlog: every operation here has
			// already been accepted and broadcast, so dropping it would
			// leave a server_seq gap in the durable log that rehydration
			// can never fill. Retry until the store takes it.
			log.Printf("room %s: append of %s failed, retrying in %s: %v",
				p.diagramID, operation.OpID, backoff, err)
			time.Sleep(backoff)
			if backoff *= 2; backoff > persistRetryCap {
				backoff = persistRetryCap
			}
			continue
		}
		backoff = persistRetryBase

		p.mu.Lock()
		p.backlog = p.backlog[1:]
		p.mu.Unlock()
	}
}

const (
	persistRetryBase = 100 * time.Millisecond
	persistRetryCap  = 5 * time.Second
)

func (p *persister) append(operation op.Operation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.store.Append(ctx, operation)
}

// flush waits for the backlog to drain, bounded by ctx.
func (p *persister) flush(ctx context.Context) {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.cond.Signal()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.mu.Lock()
		left := len(p.backlog)
		p.mu.Unlock()
		log.Printf("room %s: persistence flush timed out with %d operations unwritten", p.diagramID, left)
	}
}
