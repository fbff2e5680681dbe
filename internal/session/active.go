package session

import "sync"

// activeSet tracks the live stream of each conversation. Removing an id is
// the only cancellation signal a stream observes. Each registration gets a
// fresh generation so a superseded stream can never remove its successor.
type activeSet struct {
	mu      sync.Mutex
	next    uint64
	streams map[string]uint64
}

func newActiveSet() *activeSet {
	return &activeSet{streams: make(map[string]uint64)}
}

// register marks id as streaming, replacing any prior marker.
func (s *activeSet) register(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.streams[id] = s.next
	return s.next
}

// holds reports whether generation gen still owns id.
func (s *activeSet) holds(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.streams[id]
	return ok && cur == gen
}

// release removes id only if gen still owns it.
func (s *activeSet) release(id string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.streams[id]; ok && cur == gen {
		delete(s.streams, id)
	}
}

// remove drops id regardless of generation. It reports whether a marker was
// present.
func (s *activeSet) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[id]
	delete(s.streams, id)
	return ok
}

// removeAll drops every marker and returns how many there were.
func (s *activeSet) removeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.streams)
	clear(s.streams)
	return n
}

func (s *activeSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[id]
	return ok
}

func (s *activeSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
