package client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open transport channel to the hub.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawurl string) (Conn, error)
}

// WebSocketDialer opens channels with gorilla/websocket.
type WebSocketDialer struct {
	Dialer    *websocket.Dialer
	WriteWait time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, rawurl string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, rawurl, nil)
	if err != nil {
		return nil, err
	}
	wait := d.WriteWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &wsConn{conn: conn, writeWait: wait}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration

	// gorilla allows one concurrent writer
	mu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	return message, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// socketURL adds the handshake parameters to the hub endpoint.
func socketURL(base, userID, deviceID string, extra url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("userId", userID)
	q.Set("deviceId", deviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenMD5 signs a handshake for hubs that run with a shared secret.
func TokenMD5(secret, userID, deviceID string, ts int64) string {
	h := md5.New()
	h.Write([]byte(secret + userID + deviceID + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// TokenQuery returns the token/ts parameters for a signed handshake.
func TokenQuery(secret, userID, deviceID string, now time.Time) url.Values {
	ts := now.Unix()
	return url.Values{
		"token": {TokenMD5(secret, userID, deviceID, ts)},
		"ts":    {strconv.FormatInt(ts, 10)},
	}
}
