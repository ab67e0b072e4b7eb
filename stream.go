package graphexec

import "github.com/gogpu/graphexec/graphcore"

// Stream is an asynchronous submission lane. Work submitted to a stream
// executes in submission order; distinct streams are unordered relative to
// each other unless the caller synchronizes between them.
//
// Once submitted, work cannot be cancelled through this package.
type Stream struct {
	exec   *Executor
	handle graphcore.StreamHandle
	closed bool
}

// Handle returns the driver handle of the stream.
func (s *Stream) Handle() graphcore.StreamHandle { return s.handle }

// Synchronize blocks until every submission enqueued on the stream so far
// has completed, returning the first execution error if any occurred.
func (s *Stream) Synchronize() error {
	if s.closed {
		return ErrClosed
	}
	return s.exec.driver.SynchronizeStream(s.handle)
}

// Close drains pending work and releases the stream.
func (s *Stream) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if err := s.exec.driver.DestroyStream(s.handle); err != nil {
		Logger().Warn("stream release failed", "err", err)
		return err
	}
	return nil
}
