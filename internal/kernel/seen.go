package kernel

import "sync"

// seenIDs suppresses replays of recent message ids per connection. Each
// connection keeps a fixed-size ring of the ids it has presented; entries are
// discarded with the connection.
type seenIDs struct {
	mu    sync.Mutex
	cap   int
	conns map[string]*idRing
}

type idRing struct {
	set   map[string]struct{}
	order []string
	next  int
}

func newSeenIDs(capacity int) *seenIDs {
	if capacity <= 0 {
		capacity = 1024
	}
	return &seenIDs{
		cap:   capacity,
		conns: make(map[string]*idRing),
	}
}

// record returns false when the id was already seen on this connection.
func (s *seenIDs) record(connID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.conns[connID]
	if !ok {
		r = &idRing{
			set:   make(map[string]struct{}, s.cap),
			order: make([]string, s.cap),
		}
		s.conns[connID] = r
	}
	if _, dup := r.set[id]; dup {
		return false
	}
	if old := r.order[r.next]; old != "" {
		delete(r.set, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.set[id] = struct{}{}
	return true
}

// forget drops all state for a connection.
func (s *seenIDs) forget(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connID)
}
