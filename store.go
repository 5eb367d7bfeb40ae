package main

import (
	"github.com/nzlov/medsync/protocol"
)

type collection struct {
	order []string
	docs  map[string]protocol.Document
}

func newCollection() *collection {
	return &collection{docs: map[string]protocol.Document{}}
}

func (c *collection) list() []protocol.Document {
	out := make([]protocol.Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.docs[id].Clone())
	}
	return out
}

// upsert keeps doc unless the stored version is strictly newer. Equal
// timestamps go to the later arrival.
func (c *collection) upsert(doc protocol.Document) bool {
	id := doc.ID()
	old, ok := c.docs[id]
	if ok && old.LastModified() > doc.LastModified() {
		return false
	}
	if !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = doc.Clone()
	return true
}

func (c *collection) remove(id string) (protocol.Document, bool) {
	old, ok := c.docs[id]
	if !ok {
		return nil, false
	}
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return old, true
}

// dataStore is the hub's in-memory state: one set of collections per user and
// one shared set for global collections. It is owned by the node loop and is
// not safe for concurrent use.
type dataStore struct {
	users   map[string]map[string]*collection
	global  map[string]*collection
	globals map[string]bool
}

func newDataStore(globalCollections []string) *dataStore {
	s := &dataStore{
		users:   map[string]map[string]*collection{},
		global:  map[string]*collection{},
		globals: map[string]bool{},
	}
	for _, c := range globalCollections {
		s.globals[c] = true
	}
	return s
}

func (s *dataStore) isGlobal(name string) bool { return s.globals[name] }

func (s *dataStore) ensureUser(user string) map[string]*collection {
	u, ok := s.users[user]
	if !ok {
		u = map[string]*collection{}
		s.users[user] = u
	}
	return u
}

func (s *dataStore) collection(user, name string, create bool) *collection {
	set := s.global
	if !s.globals[name] {
		if create {
			set = s.ensureUser(user)
		} else if set = s.users[user]; set == nil {
			return nil
		}
	}
	c, ok := set[name]
	if !ok && create {
		c = newCollection()
		set[name] = c
	}
	return c
}

// snapshot is everything user may hold: its own collections plus every
// global collection.
func (s *dataStore) snapshot(user string) protocol.Snapshot {
	out := protocol.Snapshot{}
	for name, c := range s.users[user] {
		out[name] = c.list()
	}
	for name, c := range s.global {
		out[name] = c.list()
	}
	return out
}

func (s *dataStore) upsert(user, name string, doc protocol.Document) bool {
	return s.collection(user, name, true).upsert(doc)
}

func (s *dataStore) find(user, name, id string) (protocol.Document, bool) {
	c := s.collection(user, name, false)
	if c == nil {
		return nil, false
	}
	d, ok := c.docs[id]
	return d, ok
}

func (s *dataStore) remove(user, name, id string) (protocol.Document, bool) {
	c := s.collection(user, name, false)
	if c == nil {
		return nil, false
	}
	return c.remove(id)
}
