package execution

import (
	"sync"

	"ankie/internal/domain"
)

// Stream delivers the steps of one running execution followed by its result.
// Steps arrive in graph traversal order and the channel is closed before the
// result becomes available.
type Stream struct {
	steps   chan domain.ExecutionStep
	done    chan struct{}
	abandon chan struct{}
	once    sync.Once

	result *domain.ExecutionResult
	err    error
}

func newStream() *Stream {
	return &Stream{
		steps:   make(chan domain.ExecutionStep, 64),
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
	}
}

// Steps returns the step channel.
func (s *Stream) Steps() <-chan domain.ExecutionStep { return s.steps }

// Done is closed once the result is available.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the execution stops. Steps not yet received when Wait is
// called are discarded so an execution never blocks on an absent reader.
func (s *Stream) Wait() (*domain.ExecutionResult, error) {
	s.once.Do(func() { close(s.abandon) })
	<-s.done
	return s.result, s.err
}

func (s *Stream) emit(step domain.ExecutionStep) {
	select {
	case s.steps <- step:
	case <-s.abandon:
	}
}

func (s *Stream) finish(res *domain.ExecutionResult, err error) {
	s.result, s.err = res, err
	close(s.steps)
	close(s.done)
}

// Collect drains the stream and returns every step with the result.
func Collect(s *Stream) ([]domain.ExecutionStep, *domain.ExecutionResult, error) {
	var out []domain.ExecutionStep
	for step := range s.Steps() {
		out = append(out, step)
	}
	res, err := s.Wait()
	return out, res, err
}
