package room

import "sync"

// Sequencer serializes work per room. Holding a room's turn across a history
// read and its delivery guarantees no live message for that room slips in
// between, and holding it across persist and emit makes delivery order match
// commit order. Entries are dropped once nobody holds or waits on them.
type Sequencer struct {
	mu    sync.Mutex
	locks map[Key]*seqLock
}

type seqLock struct {
	mu   sync.Mutex
	refs int
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{locks: make(map[Key]*seqLock)}
}

// Lock blocks until the caller owns key, and returns the release func.
func (s *Sequencer) Lock(key Key) func() {
	s.mu.Lock()
	l, exists := s.locks[key]
	if !exists {
		l = &seqLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			s.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		})
	}
}

// Len reports how many rooms are currently locked or awaited.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
