package usage

import (
	"context"
	"log"
	"sync"
	"time"
)

// Reporter decouples the dispatch hot path from the usage store: the
// orchestrator hands records to an in-memory queue and a single worker
// drains them to the store. Close drains the queue before returning so
// shutdown never loses audit records.
type Reporter struct {
	store Store
	ch    chan *Record

	closeOnce sync.Once
	done      chan struct{}
}

func NewReporter(store Store, buffer int) *Reporter {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Reporter{
		store: store,
		ch:    make(chan *Record, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, rec); err != nil {
			log.Printf("usage: failed to append record for request %s: %v", rec.RequestID, err)
		}
		cancel()
	}
}

// Report enqueues one attempt record. Blocks if the queue is full rather
// than dropping: usage records are the audit trail.
func (r *Reporter) Report(rec *Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r.ch <- rec
}

// Close stops accepting records and waits for the queue to drain.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
	})
	<-r.done
}
