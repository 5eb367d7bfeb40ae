package store

import (
	"net/url"
	"strings"

	"github.com/nzlov/medsync/protocol"
)

// partitionMark starts every user partition prefix. Collections of the
// unprefixed partition never start with it.
const partitionMark = "@"

// UserPrefix is the collection prefix of userID's partition.
func UserPrefix(userID string) string {
	return partitionMark + url.PathEscape(userID) + "/"
}

// Scoped returns a view of s that only sees documents and outbox entries
// written through a view with the same prefix. An empty prefix is the
// partition used before any user signed in. Meta is shared by all views and
// closing a view leaves s open.
func Scoped(s Store, prefix string) Store {
	return &scoped{Store: s, prefix: prefix}
}

type scoped struct {
	Store
	prefix string
}

func (s *scoped) own(name string) (string, bool) {
	if s.prefix == "" {
		return name, !strings.HasPrefix(name, partitionMark)
	}
	if !strings.HasPrefix(name, s.prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, s.prefix), true
}

func (s *scoped) List(collection string) ([]protocol.Document, error) {
	return s.Store.List(s.prefix + collection)
}

func (s *scoped) Get(collection, id string) (protocol.Document, error) {
	return s.Store.Get(s.prefix+collection, id)
}

func (s *scoped) Put(collection string, doc protocol.Document) error {
	return s.Store.Put(s.prefix+collection, doc)
}

func (s *scoped) Delete(collection, id string) (protocol.Document, error) {
	return s.Store.Delete(s.prefix+collection, id)
}

func (s *scoped) Replace(collection string, docs []protocol.Document) error {
	return s.Store.Replace(s.prefix+collection, docs)
}

func (s *scoped) Collections() ([]string, error) {
	all, err := s.Store.Collections()
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, c := range all {
		if name, ok := s.own(c); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *scoped) Enqueue(c *PendingChange) error {
	cp := *c
	cp.Collection = s.prefix + c.Collection
	if err := s.Store.Enqueue(&cp); err != nil {
		return err
	}
	c.Seq = cp.Seq
	return nil
}

func (s *scoped) Pending() ([]PendingChange, error) {
	all, err := s.Store.Pending()
	if err != nil {
		return nil, err
	}
	out := []PendingChange{}
	for _, p := range all {
		name, ok := s.own(p.Collection)
		if !ok {
			continue
		}
		p.Collection = name
		out = append(out, p)
	}
	return out, nil
}

// Ack ignores sequence numbers that belong to another partition.
func (s *scoped) Ack(seq int64) error {
	pending, err := s.Pending()
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.Seq == seq {
			return s.Store.Ack(seq)
		}
	}
	return nil
}

func (s *scoped) Close() error { return nil }
