package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"ankie/internal/domain"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Name string
	Data []byte
}

// eventParser converts an SSE event into a delta. A nil delta skips the event.
type eventParser func(ev sseEvent) (*domain.StreamDelta, error)

// parseSSEStream reads server-sent events from body and forwards parsed deltas.
// The channel closes after a Done delta, at end of body, or when ctx ends.
// A read error is reported on a final Done delta.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parse eventParser) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var ev sseEvent
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) > 0 {
				switch {
				case line[0] == ':':
				case bytes.HasPrefix(line, []byte("event:")):
					ev.Name = string(bytes.TrimSpace(line[len("event:"):]))
				case bytes.HasPrefix(line, []byte("data:")):
					ev.Data = append(ev.Data, bytes.TrimPrefix(line[len("data:"):], []byte(" "))...)
				}
				// Most providers send one data line per event and no blank
				// separator before the next field, so dispatch eagerly.
				if !bytes.HasPrefix(line, []byte("data:")) {
					continue
				}
			}
			if len(ev.Data) == 0 {
				continue
			}
			if bytes.Equal(ev.Data, []byte("[DONE]")) {
				send(domain.StreamDelta{Done: true})
				return
			}
			delta, err := parse(ev)
			ev = sseEvent{}
			if err != nil || delta == nil {
				continue
			}
			if !send(*delta) || delta.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(domain.StreamDelta{Done: true, Err: fmt.Errorf("%w: stream read: %v", domain.ErrProviderError, err)})
		}
	}()
	return ch
}
