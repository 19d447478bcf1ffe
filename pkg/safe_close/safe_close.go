// Package safe_close coordinates the shutdown of a service and all of its
// helper goroutines: anyone can signal close, CloseWait only returns after
// every attached goroutine has finished.
package safe_close

import "sync"

type SafeClose struct {
	mu sync.Mutex
	wg sync.WaitGroup

	closeSignal chan struct{}
	closeErr    error

	done     chan struct{}
	doneOnce sync.Once
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Attach starts f in its own goroutine and tracks it. f must watch
// closeSignal and call done exactly once before returning. If the service is
// already closing, f does not run.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.mu.Lock()
	select {
	case <-s.closeSignal:
		s.mu.Unlock()
		return
	default:
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go f(s.wg.Done, s.closeSignal)
}

// SendCloseSignal asks the service to shut down. The first non-nil err wins
// and becomes Err. Safe to call any number of times from any goroutine.
func (s *SafeClose) SendCloseSignal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closeSignal:
	default:
		s.closeErr = err
		close(s.closeSignal)
	}
}

// ReceiveCloseSignal returns a channel closed once shutdown was requested.
func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Err returns the error passed to the winning SendCloseSignal, if any.
func (s *SafeClose) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Done marks the main service goroutine as finished. Safe to call multiple
// times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() { close(s.done) })
}

// CloseWait signals close and blocks until Done was called and every
// attached goroutine returned. Must not be called from an attached
// goroutine.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}
