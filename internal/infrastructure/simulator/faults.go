package simulator

import (
	"context"
)

type fault struct {
	remaining int
	err       error
}

// FailOn makes the nth next call of method return err.
// n <= 1 fails the very next call.
func (s *Simulator) FailOn(method string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.faults[method] = &fault{remaining: n, err: err}
}

// ClearFaults removes all pending faults
func (s *Simulator) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*fault)
}

// Calls returns how many times method was invoked
func (s *Simulator) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// MutatingCalls returns the number of state-changing calls made so far
func (s *Simulator) MutatingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, m := range mutatingMethods {
		total += s.calls[m]
	}
	return total
}

// ResetCalls zeroes all call counters
func (s *Simulator) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// enter counts the call and fires a pending fault. Caller holds s.mu.
func (s *Simulator) enter(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.calls[method]++
	f, ok := s.faults[method]
	if !ok {
		return nil
	}
	f.remaining--
	if f.remaining > 0 {
		return nil
	}
	delete(s.faults, method)
	return f.err
}
