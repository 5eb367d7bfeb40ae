package main

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nzlov/medsync/protocol"
)

// Client is a middleman between the websocket connection and the node.
type Client struct {
	node *Node

	cid int64

	user   string
	device string

	log *zap.SugaredLogger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte
	// closed is owned by the node goroutine.
	closed bool
}

// readPump pumps messages from the websocket connection to the node.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	cfg := c.node.cfg.Client
	defer func() {
		select {
		case c.node.unregister <- c:
		case <-c.node.done:
		}
		c.conn.Close()
	}()
	if cfg.ReadMessageSizeLimit > 0 {
		c.conn.SetReadLimit(cfg.ReadMessageSizeLimit)
	}
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Error(err)
			}
			return
		}
		env, err := protocol.Unmarshal(message)
		if err != nil {
			c.log.Errorw("malformed message", "error", err)
			continue
		}
		c.log.Debugw("message", "type", env.Type, "collection", env.Collection, "seq", env.Seq)
		select {
		case c.node.inbound <- inbound{c: c, env: env}:
		case <-c.node.done:
			return
		}
	}
}

// writePump pumps messages from the node to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	cfg := c.node.cfg.Client
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				// The node closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Errorw("write", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Errorw("ping", "error", err)
				return
			}
		}
	}
}
