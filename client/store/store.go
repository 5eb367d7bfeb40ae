// Package store is the device-side source of truth: documents per collection,
// the outbox of changes not yet acknowledged by the hub, and a small meta table
// for settings such as the device id.
package store

import (
	"errors"

	"github.com/nzlov/medsync/protocol"
)

var ErrNotFound = errors.New("store: not found")

// PendingChange is a local mutation waiting for a hub ACK. Seq is assigned by
// Enqueue and grows monotonically, so Pending returns changes in FIFO order.
type PendingChange struct {
	Seq        int64                `json:"seq"`
	Type       protocol.MessageType `json:"type"`
	Collection string               `json:"collection"`
	Document   protocol.Document    `json:"document,omitempty"`
	DocumentID string               `json:"documentId"`
	Timestamp  int64                `json:"timestamp"`
}

type Store interface {
	// List returns the collection in insertion order.
	List(collection string) ([]protocol.Document, error)
	Get(collection, id string) (protocol.Document, error)
	// Put inserts or overwrites the document with the same id.
	Put(collection string, doc protocol.Document) error
	// Delete removes and returns the document, ErrNotFound if absent.
	Delete(collection, id string) (protocol.Document, error)
	// Replace swaps the whole content of a collection.
	Replace(collection string, docs []protocol.Document) error
	Collections() ([]string, error)

	Enqueue(c *PendingChange) error
	Pending() ([]PendingChange, error)
	Ack(seq int64) error

	GetMeta(key string) (string, error)
	SetMeta(key, value string) error

	Close() error
}
