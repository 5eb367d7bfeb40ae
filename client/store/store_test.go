package store

import (
	"path/filepath"
	"testing"

	"github.com/nzlov/medsync/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestStoreDocuments(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put("appointments", protocol.Document{"id": "a1", "time": "10:00", "lastModified": float64(1)}))
			require.NoError(t, s.Put("appointments", protocol.Document{"id": "a2", "time": "11:00", "lastModified": float64(2)}))
			require.NoError(t, s.Put("appointments", protocol.Document{"id": "a1", "time": "12:00", "lastModified": float64(3)}))

			docs, err := s.List("appointments")
			require.NoError(t, err)
			require.Len(t, docs, 2, "one document per id")
			assert.Equal(t, "a1", docs[0].ID())
			assert.Equal(t, "12:00", docs[0].String("time"))
			assert.Equal(t, int64(3), docs[0].LastModified())

			got, err := s.Get("appointments", "a2")
			require.NoError(t, err)
			assert.Equal(t, "11:00", got.String("time"))

			_, err = s.Get("appointments", "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			removed, err := s.Delete("appointments", "a2")
			require.NoError(t, err)
			assert.Equal(t, "a2", removed.ID())
			_, err = s.Delete("appointments", "a2")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, s.Put("appointments", protocol.Document{"time": "x"}), protocol.ErrMissingID)

			empty, err := s.List("nothing-here")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStoreReplace(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put("doctors", protocol.Document{"id": "old"}))
			require.NoError(t, s.Replace("doctors", []protocol.Document{{"id": "d1"}, {"id": "d2"}}))

			docs, err := s.List("doctors")
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, "d1", docs[0].ID())
			assert.Equal(t, "d2", docs[1].ID())

			cols, err := s.Collections()
			require.NoError(t, err)
			assert.Equal(t, []string{"doctors"}, cols)
		})
	}
}

func TestStorePendingQueueIsFIFO(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first := &PendingChange{Type: protocol.TypeDataUpdate, Collection: "c", DocumentID: "1", Document: protocol.Document{"id": "1"}, Timestamp: 10}
			second := &PendingChange{Type: protocol.TypeDataDelete, Collection: "c", DocumentID: "2", Timestamp: 11}
			third := &PendingChange{Type: protocol.TypeDataUpdate, Collection: "c", DocumentID: "3", Document: protocol.Document{"id": "3"}, Timestamp: 12}
			for _, c := range []*PendingChange{first, second, third} {
				require.NoError(t, s.Enqueue(c))
			}
			assert.Less(t, first.Seq, second.Seq)
			assert.Less(t, second.Seq, third.Seq)

			require.NoError(t, s.Ack(second.Seq))
			p, err := s.Pending()
			require.NoError(t, err)
			require.Len(t, p, 2)
			assert.Equal(t, "1", p[0].DocumentID)
			assert.Equal(t, "3", p[1].DocumentID)
			assert.Equal(t, protocol.TypeDataUpdate, p[1].Type)
			assert.Equal(t, "3", p[1].Document.ID())
		})
	}
}

func TestStoreMeta(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetMeta("deviceId")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.SetMeta("deviceId", "abc"))
			require.NoError(t, s.SetMeta("deviceId", "def"))
			v, err := s.GetMeta("deviceId")
			require.NoError(t, err)
			assert.Equal(t, "def", v)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("prescriptions", protocol.Document{"id": "rx1", "lastModified": float64(5)}))
	require.NoError(t, s.Enqueue(&PendingChange{Type: protocol.TypeDataUpdate, Collection: "prescriptions", DocumentID: "rx1", Document: protocol.Document{"id": "rx1"}}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	d, err := s.Get("prescriptions", "rx1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), d.LastModified())
	p, err := s.Pending()
	require.NoError(t, err)
	assert.Len(t, p, 1)
}

func TestScopedViewsAreIsolated(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			anon := Scoped(s, "")
			alice := Scoped(s, UserPrefix("alice"))
			bob := Scoped(s, UserPrefix("bob/x"))

			require.NoError(t, anon.Put("notes", protocol.Document{"id": "n0"}))
			require.NoError(t, alice.Put("medicalRecords", protocol.Document{"id": "secret"}))
			require.NoError(t, bob.Put("medicalRecords", protocol.Document{"id": "mine"}))

			docs, err := bob.List("medicalRecords")
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, "mine", docs[0].ID())
			_, err = bob.Get("medicalRecords", "secret")
			assert.ErrorIs(t, err, ErrNotFound)

			cols, err := anon.Collections()
			require.NoError(t, err)
			assert.Equal(t, []string{"notes"}, cols)
			cols, err = alice.Collections()
			require.NoError(t, err)
			assert.Equal(t, []string{"medicalRecords"}, cols)

			a := &PendingChange{Type: protocol.TypeDataUpdate, Collection: "medicalRecords", DocumentID: "secret", Document: protocol.Document{"id": "secret"}}
			require.NoError(t, alice.Enqueue(a))
			b := &PendingChange{Type: protocol.TypeDataDelete, Collection: "medicalRecords", DocumentID: "mine"}
			require.NoError(t, bob.Enqueue(b))

			p, err := bob.Pending()
			require.NoError(t, err)
			require.Len(t, p, 1)
			assert.Equal(t, "mine", p[0].DocumentID)
			assert.Equal(t, "medicalRecords", p[0].Collection)

			require.NoError(t, bob.Ack(a.Seq))
			p, err = alice.Pending()
			require.NoError(t, err)
			require.Len(t, p, 1, "another partition cannot ack")

			require.NoError(t, alice.SetMeta("deviceId", "dev1"))
			v, err := bob.GetMeta("deviceId")
			require.NoError(t, err)
			assert.Equal(t, "dev1", v)
		})
	}
}
