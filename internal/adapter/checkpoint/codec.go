// Package checkpoint provides CheckpointSaver backends: in-memory, SQLite and
// Redis. Every backend serializes appends per thread and rejects an append
// whose parent is not the thread's latest checkpoint.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"ankie/internal/domain"
)

// encode stores a checkpoint as gzip-compressed JSON. Transcripts repeat a
// lot of text, so compression keeps long threads small.
func encode(cp *domain.Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress checkpoint %s: %w", cp.ID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress checkpoint %s: %w", cp.ID, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*domain.Checkpoint, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func conflict(op string, cp *domain.Checkpoint, latest string) error {
	return domain.NewSubSystemError("checkpoint", op, domain.ErrCheckpointConflict,
		fmt.Sprintf("thread %s: parent %q, latest %q", cp.ThreadID, cp.ParentID, latest))
}

func notFound(op, threadID string) error {
	return domain.NewSubSystemError("checkpoint", op, domain.ErrCheckpointNotFound, threadID)
}
