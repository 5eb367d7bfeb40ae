package protocol

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	// client -> hub
	TypeRequestSync MessageType = "REQUEST_SYNC"
	// both directions
	TypeDataUpdate MessageType = "DATA_UPDATE"
	TypeDataDelete MessageType = "DATA_DELETE"
	// hub -> client
	TypeFullSync            MessageType = "FULL_SYNC"
	TypeConnectionConfirmed MessageType = "CONNECTION_CONFIRMED"
	TypeAck                 MessageType = "ACK"
)

// Envelope is every frame exchanged over the transport channel. Client frames
// carry the change at the top level; hub frames wrap it in Data.
type Envelope struct {
	Type MessageType `json:"type"`

	UserID     string   `json:"userId,omitempty"`
	DeviceID   string   `json:"deviceId,omitempty"`
	Collection string   `json:"collection,omitempty"`
	Document   Document `json:"document,omitempty"`
	DocumentID string   `json:"documentId,omitempty"`
	Seq        int64    `json:"seq,omitempty"`

	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	FromDevice string          `json:"fromDevice,omitempty"`
}

// Change is the payload of a hub DATA_UPDATE / DATA_DELETE.
type Change struct {
	Collection string   `json:"collection"`
	Document   Document `json:"document,omitempty"`
	DocumentID string   `json:"documentId,omitempty"`
}

// Snapshot maps collection name to its documents; FULL_SYNC data and the
// HTTP fallback body share this shape.
type Snapshot map[string][]Document

func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}

// Change decodes Data of a hub change frame.
func (e Envelope) Change() (Change, error) {
	var c Change
	if len(e.Data) == 0 {
		return c, fmt.Errorf("%s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, &c); err != nil {
		return c, fmt.Errorf("%s: %w", e.Type, err)
	}
	return c, nil
}

// Snapshot decodes Data of a FULL_SYNC frame.
func (e Envelope) Snapshot() (Snapshot, error) {
	s := Snapshot{}
	if len(e.Data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return nil, fmt.Errorf("%s: %w", e.Type, err)
	}
	return s, nil
}

func FullSync(s Snapshot, ts int64) (Envelope, error) {
	if s == nil {
		s = Snapshot{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeFullSync, Data: data, Timestamp: ts}, nil
}

// Relay builds the hub frame announcing a change made by fromDevice.
func Relay(t MessageType, c Change, fromDevice string, ts int64) (Envelope, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Data: data, Timestamp: ts, FromDevice: fromDevice}, nil
}
