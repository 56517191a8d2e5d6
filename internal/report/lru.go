package report

import (
	"context"
	"sync"
)

// LRUStore keeps the most recent transcripts in memory and delegates to a
// backing Store on miss.
type LRUStore struct {
	mu   sync.Mutex
	cap  int
	back Store

	// Doubly-linked list for LRU ordering (most recent at head).
	head, tail *lruEntry
	items      map[string]*lruEntry
}

type lruEntry struct {
	key  string
	t    *Transcript
	prev *lruEntry
	next *lruEntry
}

// NewLRUStore creates an LRU cache with the given capacity that delegates
// to back on cache misses. Capacity must be >= 1.
func NewLRUStore(cap int, back Store) *LRUStore {
	if cap < 1 {
		cap = 1
	}
	return &LRUStore{
		cap:   cap,
		back:  back,
		items: make(map[string]*lruEntry, cap),
	}
}

// Save caches t and writes it through to the backing store.
func (s *LRUStore) Save(ctx context.Context, t *Transcript) error {
	s.mu.Lock()
	s.putLocked(t.ID, t)
	s.mu.Unlock()
	return s.back.Save(ctx, t)
}

// Load checks the cache first. On miss, it loads from the backing store
// and promotes the transcript into the cache.
func (s *LRUStore) Load(ctx context.Context, runID string) (*Transcript, error) {
	s.mu.Lock()
	if e, ok := s.items[runID]; ok {
		s.moveToFront(e)
		t := e.t
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	t, err := s.back.Load(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.putLocked(runID, t)
	s.mu.Unlock()
	return t, nil
}

// List delegates to the backing store when it can enumerate, and otherwise
// returns the cached transcripts, most recently used first.
func (s *LRUStore) List(ctx context.Context) ([]*Transcript, error) {
	if l, ok := s.back.(Lister); ok {
		return l.List(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transcript, 0, len(s.items))
	for e := s.head; e != nil; e = e.next {
		out = append(out, e.t)
	}
	return out, nil
}

func (s *LRUStore) putLocked(key string, t *Transcript) {
	if e, ok := s.items[key]; ok {
		e.t = t
		s.moveToFront(e)
		return
	}
	e := &lruEntry{key: key, t: t}
	s.items[key] = e
	s.pushFront(e)
	if len(s.items) > s.cap {
		s.evict()
	}
}

func (s *LRUStore) pushFront(e *lruEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *LRUStore) moveToFront(e *lruEntry) {
	if s.head == e {
		return
	}
	s.remove(e)
	s.pushFront(e)
}

func (s *LRUStore) remove(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (s *LRUStore) evict() {
	if s.tail == nil {
		return
	}
	e := s.tail
	s.remove(e)
	delete(s.items, e.key)
}
