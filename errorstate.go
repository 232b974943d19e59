package micromail

import "sync"

// NoError is what LastError returns when no failure has been recorded.
const NoError = "no error"

// errorState remembers the last failure of one handle.
type errorState struct {
	mu  sync.Mutex
	err error
}

// record stores err and returns it unchanged.
func (s *errorState) record(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

func (s *errorState) message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return NoError
	}
	return s.err.Error()
}

func (s *errorState) last() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *errorState) clear() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
}
