// Package checkpointtest holds the behavior every domain.CheckpointSaver
// must share.
package checkpointtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankie/internal/domain"
)

// RunSaverContract runs the saver suite. newSaver must return an empty saver
// for each call.
func RunSaverContract(t *testing.T, newSaver func(t *testing.T) domain.CheckpointSaver) {
	t.Helper()
	ctx := context.Background()

	t.Run("latest of unknown thread", func(t *testing.T) {
		_, err := newSaver(t).Latest(ctx, "nobody")
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
	})

	t.Run("append chains and assigns seq", func(t *testing.T) {
		s := newSaver(t)
		a := New("t1", "", domain.NodeRouter)
		require.NoError(t, s.Append(ctx, a))
		b := New("t1", a.ID, domain.NodeAgent)
		b.State.Messages = append(b.State.Messages, domain.Message{Role: domain.RoleAssistant, Content: "hello"})
		require.NoError(t, s.Append(ctx, b))
		assert.Equal(t, int64(1), a.Seq)
		assert.Equal(t, int64(2), b.Seq)

		got, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)
		assert.Equal(t, a.ID, got.ParentID)
		assert.Equal(t, int64(2), got.Seq)
		assert.Equal(t, domain.NodeAgent, got.Node)
		require.Len(t, got.State.Messages, 2)
		assert.Equal(t, "hello", got.State.Messages[1].Content)
	})

	t.Run("wrong parent conflicts", func(t *testing.T) {
		s := newSaver(t)
		require.ErrorIs(t, s.Append(ctx, New("t1", "ghost", domain.NodeRouter)), domain.ErrCheckpointConflict)

		a := New("t1", "", domain.NodeRouter)
		require.NoError(t, s.Append(ctx, a))
		b := New("t1", a.ID, domain.NodeAgent)
		require.NoError(t, s.Append(ctx, b))

		stale := New("t1", a.ID, domain.NodeAgent)
		require.ErrorIs(t, s.Append(ctx, stale), domain.ErrCheckpointConflict)
		require.ErrorIs(t, s.Append(ctx, New("t1", "", domain.NodeRouter)), domain.ErrCheckpointConflict)

		got, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)
	})

	t.Run("invalid checkpoint", func(t *testing.T) {
		s := newSaver(t)
		cp := New("t1", "", domain.NodeRouter)
		cp.State = nil
		assert.ErrorIs(t, s.Append(ctx, cp), domain.ErrInvalidInput)
	})

	t.Run("list is newest first", func(t *testing.T) {
		s := newSaver(t)
		ids := appendN(t, s, "t1", 4, time.Now())
		appendN(t, s, "t2", 1, time.Now())

		all, err := s.List(ctx, "t1", 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i, cp := range all {
			assert.Equal(t, ids[len(ids)-1-i], cp.ID)
		}

		some, err := s.List(ctx, "t1", 2)
		require.NoError(t, err)
		require.Len(t, some, 2)
		assert.Equal(t, ids[3], some[0].ID)
		assert.Equal(t, int64(3), some[1].Seq)

		none, err := s.List(ctx, "unknown", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("prune keeps latest", func(t *testing.T) {
		s := newSaver(t)
		old := time.Now().Add(-2 * time.Hour)
		ids := appendN(t, s, "t1", 3, old)
		lone := appendN(t, s, "t2", 1, old)
		fresh := appendN(t, s, "t3", 2, time.Now())

		n, err := s.Prune(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, ids[2], got.ID)
		left, err := s.List(ctx, "t1", 0)
		require.NoError(t, err)
		assert.Len(t, left, 1)

		got, err = s.Latest(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, lone[0], got.ID)

		left, err = s.List(ctx, "t3", 0)
		require.NoError(t, err)
		assert.Len(t, left, len(fresh))

		// The chain continues from the surviving head.
		require.NoError(t, s.Append(ctx, New("t1", ids[2], domain.NodeEnd)))
	})

	t.Run("concurrent appends on one parent", func(t *testing.T) {
		s := newSaver(t)
		root := New("t1", "", domain.NodeRouter)
		require.NoError(t, s.Append(ctx, root))

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Append(ctx, New("t1", root.ID, domain.NodeAgent)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, domain.ErrCheckpointConflict)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("returned checkpoints are copies", func(t *testing.T) {
		s := newSaver(t)
		cp := New("t1", "", domain.NodeRouter)
		require.NoError(t, s.Append(ctx, cp))
		cp.State.Messages[0].Content = "mutated"

		got, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		got.State.Messages[0].Content = "changed again"

		again, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "hi", again.State.Messages[0].Content)
	})
}

// New builds a minimal valid checkpoint.
func New(threadID, parentID string, node domain.NodeType) *domain.Checkpoint {
	return &domain.Checkpoint{
		ThreadID:    threadID,
		ID:          ulid.Make().String(),
		ParentID:    parentID,
		ExecutionID: "exec-1",
		Node:        node,
		Status:      domain.StatusRunning,
		State: &domain.ExecutionState{
			ThreadID:    threadID,
			ExecutionID: "exec-1",
			AgentID:     "ankie",
			CurrentNode: node,
			Messages:    []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		},
		CreatedAt: time.Now(),
	}
}

func appendN(t *testing.T, s domain.CheckpointSaver, threadID string, n int, at time.Time) []string {
	t.Helper()
	var ids []string
	parent := ""
	for range n {
		cp := New(threadID, parent, domain.NodeAgent)
		cp.CreatedAt = at
		require.NoError(t, s.Append(context.Background(), cp))
		ids = append(ids, cp.ID)
		parent = cp.ID
	}
	return ids
}
