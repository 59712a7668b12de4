package reputation

import (
	"context"
	"sync"
)

// StubOracle is a deterministic oracle for testing. It answers from a fixed
// verdict table and counts every call.
type StubOracle struct {
	mu       sync.Mutex
	verdicts map[string]Verdict
	err      error
	delay    chan struct{} // when set, Check blocks until the channel closes
	calls    int
}

// NewStubOracle creates a StubOracle answering from the given table.
// Addresses absent from the table get a zero Verdict.
func NewStubOracle(verdicts map[string]Verdict) *StubOracle {
	if verdicts == nil {
		verdicts = make(map[string]Verdict)
	}
	return &StubOracle{verdicts: verdicts}
}

// Fail makes every subsequent Check return err.
func (s *StubOracle) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Gate makes Check block until Release is called, to hold calls in flight.
func (s *StubOracle) Gate() {
	s.mu.Lock()
	s.delay = make(chan struct{})
	s.mu.Unlock()
}

// Release unblocks all gated Check calls.
func (s *StubOracle) Release() {
	s.mu.Lock()
	if s.delay != nil {
		close(s.delay)
		s.delay = nil
	}
	s.mu.Unlock()
}

// Check implements Oracle.
func (s *StubOracle) Check(ctx context.Context, rawAddr string) (Verdict, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	delay := s.delay
	verdict := s.verdicts[rawAddr]
	s.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	if err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// Calls returns the number of Check invocations so far.
func (s *StubOracle) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
