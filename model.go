package main

import (
	"time"

	"gorm.io/gorm"

	"github.com/nzlov/medsync/protocol"
)

// Device is one (user, device) pair the hub has seen.
type Device struct {
	gorm.Model

	UsersID     string    `json:"userId" gorm:"column:userid;uniqueIndex:idx_user_device"`
	DeviceID    string    `json:"deviceId" gorm:"column:deviceid;uniqueIndex:idx_user_device"`
	Online      bool      `json:"online" gorm:"column:online;index"`
	ConnectedAt time.Time `json:"connectedAt" gorm:"column:connected_at"`
	LastSeenAt  time.Time `json:"lastSeenAt" gorm:"column:last_seen_at"`
}

// AdminPublishMessage is the body of a signed admin publish.
type AdminPublishMessage struct {
	// UserID owns the document; ignored for global collections.
	UserID     string            `json:"userId"`
	Collection string            `json:"collection"`
	Document   protocol.Document `json:"document"`
}

// ClusterMessage carries one applied change between hub nodes.
type ClusterMessage struct {
	NodeName   string               `msgpack:"node"`
	Type       protocol.MessageType `msgpack:"type"`
	UserID     string               `msgpack:"user"`
	DeviceID   string               `msgpack:"device"`
	Collection string               `msgpack:"collection"`
	Document   protocol.Document    `msgpack:"document,omitempty"`
	DocumentID string               `msgpack:"documentId,omitempty"`
	Timestamp  int64                `msgpack:"ts"`
}

type adminResult struct {
	Code string `json:"code"`
	Data string `json:"data"`
}

const (
	C_OK   = "0"
	C_FAIL = "1"
	C_AUTH = "2"
)
