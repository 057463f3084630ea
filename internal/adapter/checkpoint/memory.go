package checkpoint

import (
	"context"
	"sync"
	"time"

	"ankie/internal/domain"
)

// Compile-time interface check.
var _ domain.CheckpointSaver = (*MemorySaver)(nil)

// MemorySaver keeps checkpoints in process memory. Stored and returned
// checkpoints are copies, so callers never share state with the store.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string][]*domain.Checkpoint
}

// NewMemorySaver creates an empty in-memory saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: make(map[string][]*domain.Checkpoint)}
}

func (s *MemorySaver) Latest(_ context.Context, threadID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.threads[threadID]
	if len(chain) == 0 {
		return nil, notFound("MemorySaver.Latest", threadID)
	}
	return copyCheckpoint(chain[len(chain)-1]), nil
}

func (s *MemorySaver) Append(_ context.Context, cp *domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.threads[cp.ThreadID]
	latest := ""
	if len(chain) > 0 {
		latest = chain[len(chain)-1].ID
	}
	if cp.ParentID != latest {
		return conflict("MemorySaver.Append", cp, latest)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.Seq = 1
	if len(chain) > 0 {
		cp.Seq = chain[len(chain)-1].Seq + 1
	}
	s.threads[cp.ThreadID] = append(chain, copyCheckpoint(cp))
	return nil
}

func (s *MemorySaver) List(_ context.Context, threadID string, limit int) ([]*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.threads[threadID]
	out := make([]*domain.Checkpoint, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, copyCheckpoint(chain[i]))
	}
	return out, nil
}

func (s *MemorySaver) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, chain := range s.threads {
		last := len(chain) - 1
		kept := chain[:0]
		for i, cp := range chain {
			if i != last && cp.CreatedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		s.threads[id] = kept
	}
	return removed, nil
}

func copyCheckpoint(cp *domain.Checkpoint) *domain.Checkpoint {
	out := *cp
	out.State = cp.State.Clone()
	return &out
}
