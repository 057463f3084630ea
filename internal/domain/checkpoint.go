package domain

import (
	"context"
	"fmt"
	"time"
)

// Checkpoint is a durable snapshot of ExecutionState at a node boundary.
// Checkpoints of a thread form an append-only chain: each one names the
// previous latest as ParentID, and Seq increases by one per append.
type Checkpoint struct {
	ThreadID    string          `json:"thread_id"`
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Seq         int64           `json:"seq"`
	ExecutionID string          `json:"execution_id"`
	Node        NodeType        `json:"node"`
	Status      ExecutionStatus `json:"status"`
	State       *ExecutionState `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Validate checks the fields every saver relies on.
func (c *Checkpoint) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidInput)
	case c.ThreadID == "":
		return fmt.Errorf("%w: checkpoint thread id is empty", ErrInvalidInput)
	case c.ID == "":
		return fmt.Errorf("%w: checkpoint id is empty", ErrInvalidInput)
	case c.ID == c.ParentID:
		return fmt.Errorf("%w: checkpoint %s is its own parent", ErrInvalidInput, c.ID)
	case c.State == nil:
		return fmt.Errorf("%w: checkpoint %s has no state", ErrInvalidInput, c.ID)
	}
	return nil
}

// PendingInterrupt reports whether the checkpoint is paused on a human decision.
func (c *Checkpoint) PendingInterrupt() bool {
	return c != nil && c.Status == StatusInterrupted && c.State != nil &&
		c.State.Interrupt != nil && c.State.Response == nil
}

// Unfinished reports whether the checkpoint was written mid-run: the
// execution neither paused nor reached a terminal status after it.
func (c *Checkpoint) Unfinished() bool {
	return c != nil && c.Status == StatusRunning && c.State != nil && c.Node != ""
}

// CheckpointSaver persists checkpoints. Implementations must serialize
// appends per thread and reject an Append whose ParentID is not the current
// latest checkpoint id with ErrCheckpointConflict.
type CheckpointSaver interface {
	// Latest returns the newest checkpoint of a thread or ErrCheckpointNotFound.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	// Append stores cp as the new latest checkpoint and assigns cp.Seq.
	Append(ctx context.Context, cp *Checkpoint) error
	// List returns up to limit checkpoints of a thread, newest first.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)
	// Prune removes checkpoints created before the cutoff, always keeping
	// the latest checkpoint of each thread. Returns the number removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// ThreadLeaser grants one active execution per thread.
type ThreadLeaser interface {
	// Acquire blocks until the lease is held or ctx is done. The returned
	// release func is safe to call more than once.
	Acquire(ctx context.Context, threadID string, ttl time.Duration) (release func(), err error)
}
