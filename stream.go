package birpc

import (
	"context"
	"fmt"
	"sync"
)

// Sequence is what a local Function returns to stream its result instead
// of sending a single Response. Next is pull-based, the idiomatic
// rendering of an asynchronous sequence: it returns the next value, a
// false ok on normal completion, or an error.
type Sequence interface {
	Next(ctx context.Context) (value any, ok bool, err error)
}

// FuncSequence adapts a plain function to Sequence.
type FuncSequence func(ctx context.Context) (value any, ok bool, err error)

// Next implements Sequence.
func (f FuncSequence) Next(ctx context.Context) (any, bool, error) { return f(ctx) }

// SequenceFromSlice returns a Sequence that yields values in order and
// then completes, useful for tests and simple producers.
func SequenceFromSlice(values []any) Sequence {
	return &sliceSequence{values: values}
}

type sliceSequence struct {
	values []any
	next   int
}

func (s *sliceSequence) Next(ctx context.Context) (any, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}
	if s.next >= len(s.values) {
		return nil, false, nil
	}
	v := s.values[s.next]
	s.next++
	return v, true, nil
}

// Stream is the caller-side handle to a streamed call. It is lazy: the
// underlying Request is not sent until the first call to Next.
type Stream struct {
	e    *Endpoint
	path string
	args []any

	mu          sync.Mutex
	id          string
	started     bool
	queue       []any
	done        bool
	err         error
	wake        chan struct{}
	ackReceived bool
	ackTimer    *timer
}

func newStream(e *Endpoint, path string, args []any) *Stream {
	return &Stream{e: e, path: path, args: args, wake: make(chan struct{})}
}

// Next blocks until a value is available, the stream completes, the
// stream errors, or ctx is done. A false ok with a nil error means the
// stream ended normally; already-buffered values are always delivered
// before a terminal state is observed.
func (s *Stream) Next(ctx context.Context) (any, bool, error) {
	if err := s.ensureStarted(ctx); err != nil {
		return nil, false, err
	}
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, true, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, false, err
		}
		if s.done {
			s.mu.Unlock()
			return nil, false, nil
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Close abandons the stream. No further StreamNext frames will be
// delivered to it and their drop is silent; the peer is not notified of
// early termination.
func (s *Stream) Close() {
	s.mu.Lock()
	id := s.id
	ackTimer := s.ackTimer
	if !s.done && s.err == nil {
		s.done = true
		old := s.wake
		s.wake = make(chan struct{})
		s.mu.Unlock()
		close(old)
	} else {
		s.mu.Unlock()
	}
	ackTimer.stop()
	if id != "" {
		s.e.mu.Lock()
		delete(s.e.streams, id)
		s.e.mu.Unlock()
	}
}

func (s *Stream) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	e := s.e
	if err := e.waitReady(ctx); err != nil {
		s.fail(err)
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		err := pathError(s.path, ErrClosed)
		s.fail(err)
		return err
	}
	id := e.cfg.IDGenerator()
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	e.streams[id] = s
	e.mu.Unlock()

	frame := Frame{Tag: TagRequest, ID: id, Method: s.path, Args: s.args}
	if err := e.post(ctx, frame); err != nil {
		e.mu.Lock()
		delete(e.streams, id)
		e.mu.Unlock()
		werr := e.handleGeneralError(fmt.Errorf("birpc: %s: post: %w", s.path, err))
		s.fail(werr)
		return werr
	}

	if e.cfg.AckTimeout != nil {
		d := *e.cfg.AckTimeout
		s.mu.Lock()
		s.ackTimer = newTimer(d, func() { e.onStreamAckTimeout(id) })
		s.mu.Unlock()
	}
	return nil
}

func (s *Stream) push(v any) {
	s.mu.Lock()
	if s.done || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	old := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

func (s *Stream) end() {
	s.mu.Lock()
	if s.done || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.done = true
	old := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.done || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	old := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

func (s *Stream) markAcked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackReceived {
		return
	}
	s.ackReceived = true
	s.ackTimer.stop()
	s.ackTimer = nil
}

func (s *Stream) hasAckReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackReceived
}
