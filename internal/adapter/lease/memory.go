// Package lease grants one active execution per thread, either inside one
// process or across processes through Redis.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ankie/internal/domain"
)

// Compile-time interface check.
var _ domain.ThreadLeaser = (*Local)(nil)

// Local provides mutual exclusion per thread within one process. The TTL is
// ignored: a lease dies with the process that holds it.
type Local struct {
	mu     sync.Mutex
	leases map[string]*threadLease
}

type threadLease struct {
	slot     chan struct{}
	refCount int
}

// NewLocal creates an in-process leaser.
func NewLocal() *Local {
	return &Local{leases: make(map[string]*threadLease)}
}

// Acquire blocks until the thread is free or ctx is done.
func (l *Local) Acquire(ctx context.Context, threadID string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	tl, ok := l.leases[threadID]
	if !ok {
		tl = &threadLease{slot: make(chan struct{}, 1)}
		l.leases[threadID] = tl
	}
	tl.refCount++
	l.mu.Unlock()

	select {
	case tl.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-tl.slot
				l.unref(threadID, tl)
			})
		}, nil
	case <-ctx.Done():
		l.unref(threadID, tl)
		return nil, fmt.Errorf("thread lease %s: %w", threadID, ctx.Err())
	}
}

func (l *Local) unref(threadID string, tl *threadLease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refCount--
	if tl.refCount == 0 {
		delete(l.leases, threadID)
	}
}

// ActiveCount returns the number of threads with held or pending leases.
func (l *Local) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leases)
}
