package inference

import "sync"

// Session is the owned context shared between whoever picks the model
// function (CLI, HTTP) and the scheduler that runs it.
type Session struct {
	mu       sync.RWMutex
	function string
}

// NewSession creates a session with function preselected ("" for none).
func NewSession(function string) *Session {
	return &Session{function: function}
}

// SelectFunction sets the function used by subsequent cycles. An empty name
// selects the model's default.
func (s *Session) SelectFunction(name string) {
	s.mu.Lock()
	s.function = name
	s.mu.Unlock()
}

// FunctionName returns the currently selected function. A nil session has
// no selection.
func (s *Session) FunctionName() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.function
}
