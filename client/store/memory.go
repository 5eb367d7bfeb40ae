package store

import (
	"sort"
	"sync"

	"github.com/nzlov/medsync/protocol"
)

type memCollection struct {
	order []string
	docs  map[string]protocol.Document
}

func (c *memCollection) remove(id string) {
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// MemoryStore keeps everything in process memory. It loses its content on
// exit and is meant for tests and throwaway sessions.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	pending     []PendingChange
	seq         int64
	meta        map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]*memCollection{},
		meta:        map[string]string{},
	}
}

func (s *MemoryStore) collection(name string) *memCollection {
	c, ok := s.collections[name]
	if !ok {
		c = &memCollection{docs: map[string]protocol.Document{}}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) List(collection string) ([]protocol.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return []protocol.Document{}, nil
	}
	out := make([]protocol.Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.docs[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Get(collection, id string) (protocol.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, ErrNotFound
	}
	d, ok := c.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Put(collection string, doc protocol.Document) error {
	id := doc.ID()
	if id == "" {
		return protocol.ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = doc.Clone()
	return nil
}

func (s *MemoryStore) Delete(collection, id string) (protocol.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, ErrNotFound
	}
	d, ok := c.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.remove(id)
	return d, nil
}

func (s *MemoryStore) Replace(collection string, docs []protocol.Document) error {
	for _, d := range docs {
		if d.ID() == "" {
			return protocol.ErrMissingID
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &memCollection{docs: map[string]protocol.Document{}}
	for _, d := range docs {
		id := d.ID()
		if _, ok := c.docs[id]; !ok {
			c.order = append(c.order, id)
		}
		c.docs[id] = d.Clone()
	}
	s.collections[collection] = c
	return nil
}

func (s *MemoryStore) Collections() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.collections))
	for k := range s.collections {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Enqueue(c *PendingChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	c.Seq = s.seq
	cp := *c
	cp.Document = c.Document.Clone()
	s.pending = append(s.pending, cp)
	return nil
}

func (s *MemoryStore) Pending() ([]PendingChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingChange, len(s.pending))
	for i, p := range s.pending {
		out[i] = p
		out[i].Document = p.Document.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Ack(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.Seq == seq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) GetMeta(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }
