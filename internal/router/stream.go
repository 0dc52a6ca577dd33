package router

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// ProducerError wraps a failure raised by a deferred producer function
// or by the streaming source it handed back.
type ProducerError struct {
	Err error
}

func (e *ProducerError) Error() string { return "producer failure: " + e.Err.Error() }
func (e *ProducerError) Unwrap() error { return e.Err }

type streamState int

const (
	stateNotStarted streamState = iota
	stateStreaming
	stateDone
	stateFailed
)

// Stream is the single-use reader for one route lookup. It is lazy: no
// payload work happens until the first Read. A deferred producer is
// invoked at most once per Stream; the mutex serializes overlapping
// reads so they can never re-invoke it. After a failure is returned
// once, further Reads return io.EOF so consumers draining the stream
// always terminate.
type Stream struct {
	ctx      context.Context
	modified bool

	mu           sync.Mutex
	state        streamState
	payload      Payload
	src          io.Reader
	err          error
	errDelivered bool
}

func newStream(ctx context.Context, p Payload, modified bool) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Stream{ctx: ctx, modified: modified, payload: p}
}

// Modified reports the route's modified flag as copied at lookup time.
func (s *Stream) Modified() bool { return s.modified }

// Err returns the terminal failure, if any, regardless of whether Read
// has already reported it.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		switch s.state {
		case stateNotStarted:
			s.start()

		case stateStreaming:
			n, err := s.src.Read(b)
			if err == nil {
				return n, nil
			}
			if err == io.EOF {
				s.closeSource()
				s.state = stateDone
				return n, io.EOF
			}
			s.failLocked(&ProducerError{Err: err})
			if n > 0 {
				return n, nil
			}
			s.errDelivered = true
			return 0, s.err

		case stateDone:
			return 0, io.EOF

		case stateFailed:
			if !s.errDelivered {
				s.errDelivered = true
				return 0, s.err
			}
			return 0, io.EOF
		}
	}
}

// start resolves the payload into a byte source. Called with the mutex
// held, so a producer function runs at most once even when reads overlap.
func (s *Stream) start() {
	p := s.payload
	s.payload = Payload{}

	if p.kind == KindProducer {
		res, err := p.fn(s.ctx)
		if err != nil {
			s.failLocked(&ProducerError{Err: err})
			return
		}
		p = res
		if p.kind == KindProducer {
			// a producer resolving to another producer is not chased;
			// treated like any other unsupported shape
			s.state = stateDone
			return
		}
	}

	switch p.kind {
	case KindSource:
		s.src = p.src
		s.state = stateStreaming
	case KindBytes, KindText, KindObject:
		data, ok, err := p.encode()
		if err != nil {
			s.failLocked(&ProducerError{Err: err})
			return
		}
		if !ok {
			s.state = stateDone
			return
		}
		s.src = bytes.NewReader(data)
		s.state = stateStreaming
	default:
		// zero payload: no data, straight to end-of-stream
		s.state = stateDone
	}
}

func (s *Stream) failLocked(err error) {
	s.closeSource()
	s.state = stateFailed
	s.err = err
}

func (s *Stream) closeSource() {
	if c, ok := s.src.(io.Closer); ok {
		_ = c.Close()
	}
	s.src = nil
}

// Close stops the stream. A producer that was never started is never
// invoked; one already in flight completes but its output is discarded.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStreaming || s.state == stateNotStarted {
		s.closeSource()
		s.state = stateDone
	}
	return nil
}
