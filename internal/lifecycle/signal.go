// Package lifecycle provides the one-shot cancellation primitive used for
// session teardown (a session's Disconnect signal) and for stopping proxy
// listeners (each proxy's accept loop waits on its Signal). A Signal fires
// exactly once; firing it a second time is a no-op.
package lifecycle

import "sync"

// Signal is a one-shot, safe-for-concurrent-use "done" latch.
type Signal struct {
	once sync.Once
	ch   chan struct{}
	mu   sync.Mutex
	err  error
}

// NewSignal creates an unfired Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire closes the signal's channel, waking every goroutine selecting on
// Done(). The first err passed to Fire is retained as Err(); subsequent
// calls are ignored.
func (s *Signal) Fire(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// Done returns a channel that is closed once Fire has been called.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// IsFired reports whether Fire has already been called.
func (s *Signal) IsFired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Err returns the error passed to the first Fire call, or nil if not yet
// fired or fired with a nil error.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the signal fires and returns its error.
func (s *Signal) Wait() error {
	<-s.ch
	return s.Err()
}

// Group returns a channel that closes once any one of the given signals
// fires.
func Group(signals ...*Signal) <-chan struct{} {
	out := make(chan struct{})
	var once sync.Once
	for _, s := range signals {
		go func(s *Signal) {
			<-s.Done()
			once.Do(func() { close(out) })
		}(s)
	}
	return out
}
