package cursor

import (
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the number of rows a stream reads ahead of its consumer
const DefaultBuffer = 16

// item is a row or the terminal read error
type item[T any] struct {
	row T
	err error
}

// Stream pushes the rows of a Source into a bounded buffer from a background goroutine
// (the pump) and lets a consumer pull them with Recv or All.
//
// The pump stops when the buffer is full and continues when the consumer catches up,
// so a stream holds at most buffer+2 rows in memory no matter how large the source is.
// When the source is exhausted (or fails) the pump closes it before the end of the
// stream becomes visible to the consumer. A read error is delivered as the last element.
//
// Stream implements db.Stream.
type Stream[T any] struct {
	src Source[T]
	ch  chan item[T]

	stop     chan struct{} // closed by Close
	stopOnce sync.Once
	stopped  atomic.Bool

	finalized chan struct{} // closed after src.Close returned
	closeErr  error         // written before finalized is closed
}

// NewStream starts pumping src. A buffer <= 0 uses DefaultBuffer.
// The stream owns src and closes it.
func NewStream[T any](src Source[T], buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Stream[T]{
		src:       src,
		ch:        make(chan item[T], buffer),
		stop:      make(chan struct{}),
		finalized: make(chan struct{}),
	}
	go s.pump()
	return s
}

// pump moves rows from the source to the channel
func (s *Stream[T]) pump() {
	defer close(s.ch)

	readErr := s.fill()

	s.closeErr = s.src.Close()
	close(s.finalized)

	if readErr != nil {
		select {
		case s.ch <- item[T]{err: readErr}:
		case <-s.stop:
		}
	}
}

// fill forwards rows until the source ends, fails or the stream is stopped
func (s *Stream[T]) fill() error {
	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		row, ok, err := s.src.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		select {
		case s.ch <- item[T]{row: row}:
		case <-s.stop:
			return nil
		}
	}
}

// Recv returns the next row. After the last row (or after Close) it returns io.EOF.
// A read error is returned once, the following calls return io.EOF.
func (s *Stream[T]) Recv() (row T, err error) {
	if s.stopped.Load() {
		return row, io.EOF
	}
	it, ok := <-s.ch
	if !ok {
		return row, io.EOF
	}
	if it.err != nil {
		return row, it.err
	}
	return it.row, nil
}

// All returns an iterator over the remaining rows and closes the stream when the loop ends.
// A read error or a failure to close the source is yielded as the last element.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for {
			row, err := s.Recv()
			if err == io.EOF {
				if cErr := s.Close(); cErr != nil {
					yield(zero, cErr)
				}
				return
			}
			if err != nil {
				_ = s.Close()
				yield(zero, err)
				return
			}
			if !yield(row, nil) {
				_ = s.Close()
				return
			}
		}
	}
}

// Close stops the pump and waits until the source is closed.
// It returns the error of closing the source. Safe to call multiple times.
func (s *Stream[T]) Close() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
	})
	<-s.finalized
	return s.closeErr
}

// Finalized is closed once the source of the stream has been closed
func (s *Stream[T]) Finalized() <-chan struct{} {
	return s.finalized
}
