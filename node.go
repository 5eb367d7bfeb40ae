package main

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nzlov/medsync/protocol"
)

type inbound struct {
	c   *Client
	env protocol.Envelope
}

type presence struct {
	user, device string
	online       bool
	at           time.Time
}

// Node is the sync hub. A single goroutine (run) owns the connections and
// the data store; everything else talks to it through channels.
type Node struct {
	cfg Config
	log *zap.SugaredLogger

	// user -> device -> connection
	clients map[string]map[string]*Client
	data    *dataStore

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	remote     chan ClusterMessage
	queries    chan func()
	presence   chan presence
	done       chan struct{}
	stopped    chan struct{}

	registry DeviceRegistry
	cluster  *cluster

	id       int64
	upgrader websocket.Upgrader
	now      func() time.Time
}

func newNode(cfg Config, registry DeviceRegistry, cl *cluster) *Node {
	if cfg.Client.SendQueueSize <= 0 {
		cfg.Client.SendQueueSize = 256
	}
	if cfg.Client.WriteWait <= 0 {
		cfg.Client.WriteWait = 10 * time.Second
	}
	if cfg.Client.PongWait <= 0 {
		cfg.Client.PongWait = 60 * time.Second
	}
	if cfg.Client.PingPeriod <= 0 || cfg.Client.PingPeriod >= cfg.Client.PongWait {
		cfg.Client.PingPeriod = (cfg.Client.PongWait * 9) / 10
	}
	if registry == nil {
		registry = newMemoryRegistry()
	}
	n := &Node{
		cfg:        cfg,
		log:        zap.S().With("method", "node"),
		clients:    map[string]map[string]*Client{},
		data:       newDataStore(cfg.GlobalCollections),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		remote:     make(chan ClusterMessage, 64),
		queries:    make(chan func()),
		presence:   make(chan presence, 1024),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		registry:   registry,
		cluster:    cl,
		now:        time.Now,
	}

	n.upgrader = websocket.Upgrader{
		ReadBufferSize:    cfg.Client.ReadBufferSize,
		WriteBufferSize:   cfg.Client.WriteBufferSize,
		EnableCompression: cfg.Client.Compression,
	}
	n.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	go n.run()
	go n.recordPresence()
	if cl != nil {
		cl.start(n.deliverRemote)
	}
	return n
}

func (n *Node) Close() {
	select {
	case <-n.done:
		return
	default:
	}
	close(n.done)
	<-n.stopped
	if n.cluster != nil {
		n.cluster.Close()
	}
}

func (n *Node) run() {
	defer close(n.stopped)
	for {
		select {
		case <-n.done:
			for _, ds := range n.clients {
				for _, c := range ds {
					n.drop(c)
				}
			}
			return
		case c := <-n.register:
			n.onRegister(c)
		case c := <-n.unregister:
			n.onUnregister(c)
		case in := <-n.inbound:
			n.handle(in.c, in.env)
		case m := <-n.remote:
			n.handleRemote(m)
		case f := <-n.queries:
			f()
		}
	}
}

// do runs f on the node goroutine and waits for it. It reports false when
// the node is stopped.
func (n *Node) do(f func()) bool {
	finished := make(chan struct{})
	select {
	case n.queries <- func() { f(); close(finished) }:
	case <-n.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-n.stopped:
		return false
	}
}

func (n *Node) deliverRemote(m ClusterMessage) {
	select {
	case n.remote <- m:
	case <-n.done:
	}
}

func (n *Node) stamp() int64 { return n.now().UnixMilli() }

func (n *Node) onRegister(c *Client) {
	ds, ok := n.clients[c.user]
	if !ok {
		ds = map[string]*Client{}
		n.clients[c.user] = ds
	}
	if old, ok := ds[c.device]; ok && old != c {
		c.log.Info("replacing previous connection of device")
		n.drop(old)
	}
	ds[c.device] = c
	n.data.ensureUser(c.user)
	n.notePresence(c, true)
	c.log.Infow("register", "devices", len(ds))

	confirmed := protocol.Envelope{
		Type:      protocol.TypeConnectionConfirmed,
		UserID:    c.user,
		DeviceID:  c.device,
		Timestamp: n.stamp(),
	}
	n.sendEnvelope(c, confirmed)
	n.sendFullSync(c)
}

func (n *Node) onUnregister(c *Client) {
	if ds, ok := n.clients[c.user]; ok && ds[c.device] == c {
		n.notePresence(c, false)
	}
	n.drop(c)
	c.log.Info("unregister")
}

// drop forgets c and closes its send queue, which makes its writePump close
// the socket.
func (n *Node) drop(c *Client) {
	if ds, ok := n.clients[c.user]; ok && ds[c.device] == c {
		delete(ds, c.device)
		if len(ds) == 0 {
			delete(n.clients, c.user)
		}
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (n *Node) notePresence(c *Client, online bool) {
	select {
	case n.presence <- presence{user: c.user, device: c.device, online: online, at: n.now()}:
	default:
		c.log.Warn("presence queue full, skipping registry update")
	}
}

// recordPresence writes connection events to the registry off the node
// goroutine.
func (n *Node) recordPresence() {
	log := zap.S().With("method", "registry")
	for {
		select {
		case <-n.done:
			return
		case p := <-n.presence:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var err error
			if p.online {
				err = n.registry.Connected(ctx, p.user, p.device, p.at)
			} else {
				err = n.registry.Disconnected(ctx, p.user, p.device, p.at)
			}
			cancel()
			if err != nil {
				log.Errorw("record presence", "user", p.user, "device", p.device, "online", p.online, "error", err)
			}
		}
	}
}

// send queues data for c. A connection whose queue is full is dropped rather
// than stalling the node.
func (n *Node) send(c *Client, data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warnw("send queue full, dropping connection", "size", cap(c.send))
		n.notePresence(c, false)
		n.drop(c)
	}
}

func (n *Node) sendEnvelope(c *Client, e protocol.Envelope) {
	data, err := protocol.Marshal(e)
	if err != nil {
		c.log.Errorw("encode", "type", e.Type, "error", err)
		return
	}
	n.send(c, data)
}

func (n *Node) sendFullSync(c *Client) {
	e, err := protocol.FullSync(n.data.snapshot(c.user), n.stamp())
	if err != nil {
		c.log.Errorw("encode full sync", "error", err)
		return
	}
	n.sendEnvelope(c, e)
}

// sendUser delivers data to every device of user except skipDevice.
func (n *Node) sendUser(user, skipDevice string, data []byte) {
	for device, c := range n.clients[user] {
		if device == skipDevice {
			continue
		}
		n.send(c, data)
	}
}

func (n *Node) sendAll(data []byte) {
	for _, ds := range n.clients {
		for _, c := range ds {
			n.send(c, data)
		}
	}
}

func (n *Node) handle(c *Client, e protocol.Envelope) {
	defer func() {
		if err := recover(); err != nil {
			c.log.Errorw("handler panic", "type", e.Type, "error", err)
		}
	}()
	if c.closed {
		return
	}

	switch e.Type {
	case protocol.TypeRequestSync:
		n.sendFullSync(c)
	case protocol.TypeDataUpdate:
		if e.Collection == "" || e.Document.ID() == "" {
			c.log.Errorw("update without collection or id", "collection", e.Collection, "seq", e.Seq)
		} else if n.applyUpdate(c.user, c.device, e.Collection, e.Document) {
			n.publishCluster(ClusterMessage{
				Type: e.Type, UserID: c.user, DeviceID: c.device,
				Collection: e.Collection, Document: e.Document, Timestamp: n.stamp(),
			})
		}
		n.ack(c, e.Seq)
	case protocol.TypeDataDelete:
		if e.Collection == "" || e.DocumentID == "" {
			c.log.Errorw("delete without collection or id", "collection", e.Collection, "seq", e.Seq)
		} else {
			n.applyDelete(c.user, c.device, e.Collection, e.DocumentID)
			n.publishCluster(ClusterMessage{
				Type: e.Type, UserID: c.user, DeviceID: c.device,
				Collection: e.Collection, DocumentID: e.DocumentID, Timestamp: n.stamp(),
			})
		}
		n.ack(c, e.Seq)
	default:
		c.log.Warnw("unknown message type", "type", e.Type)
	}
}

// ack confirms a queued client change. Changes the hub cannot use are acked
// too so they do not block the device's outbox.
func (n *Node) ack(c *Client, seq int64) {
	if seq <= 0 {
		return
	}
	n.sendEnvelope(c, protocol.Envelope{Type: protocol.TypeAck, Seq: seq, Timestamp: n.stamp()})
}

func (n *Node) handleRemote(m ClusterMessage) {
	defer func() {
		if err := recover(); err != nil {
			n.log.Errorw("remote handler panic", "from", m.NodeName, "error", err)
		}
	}()
	switch m.Type {
	case protocol.TypeDataUpdate:
		if m.Collection != "" && m.Document.ID() != "" {
			n.applyUpdate(m.UserID, m.DeviceID, m.Collection, m.Document)
		}
	case protocol.TypeDataDelete:
		if m.Collection != "" && m.DocumentID != "" {
			n.applyDelete(m.UserID, m.DeviceID, m.Collection, m.DocumentID)
		}
	default:
		n.log.Warnw("unknown cluster message", "type", m.Type, "from", m.NodeName)
	}
}

func (n *Node) publishCluster(m ClusterMessage) {
	if n.cluster != nil {
		n.cluster.publish(m)
	}
}

// participants is owner followed by every other user doc refers to, when
// referenced users share documents.
func (n *Node) participants(owner string, doc protocol.Document) []string {
	users := []string{owner}
	if !n.cfg.ShareReferenced || doc == nil {
		return users
	}
	for _, u := range doc.References() {
		if u != owner {
			users = append(users, u)
		}
	}
	return users
}

// applyUpdate stores doc for owner (and its participants) and relays it. It
// reports whether any store accepted it.
func (n *Node) applyUpdate(owner, device, collection string, doc protocol.Document) bool {
	log := n.log.With("user", owner, "device", device, "collection", collection, "id", doc.ID())
	frame, err := n.relayFrame(protocol.TypeDataUpdate, protocol.Change{Collection: collection, Document: doc}, device)
	if err != nil {
		log.Errorw("encode update", "error", err)
		return false
	}

	if n.data.isGlobal(collection) {
		if !n.data.upsert("", collection, doc) {
			log.Infow("stale update ignored", "lastModified", doc.LastModified())
			return false
		}
		n.sendAll(frame)
		return true
	}

	applied := false
	for _, u := range n.participants(owner, doc) {
		if !n.data.upsert(u, collection, doc) {
			log.Infow("stale update ignored", "for", u, "lastModified", doc.LastModified())
			continue
		}
		applied = true
		skip := ""
		if u == owner {
			skip = device
		}
		n.sendUser(u, skip, frame)
	}
	return applied
}

// applyDelete removes the document and relays the delete. Owner's other
// devices are always told; participants only when they held it.
func (n *Node) applyDelete(owner, device, collection, id string) {
	log := n.log.With("user", owner, "device", device, "collection", collection, "id", id)
	frame, err := n.relayFrame(protocol.TypeDataDelete, protocol.Change{Collection: collection, DocumentID: id}, device)
	if err != nil {
		log.Errorw("encode delete", "error", err)
		return
	}

	if n.data.isGlobal(collection) {
		n.data.remove("", collection, id)
		n.sendAll(frame)
		return
	}

	existing, _ := n.data.find(owner, collection, id)
	for _, u := range n.participants(owner, existing) {
		if u == owner {
			n.data.remove(u, collection, id)
			n.sendUser(u, device, frame)
			continue
		}
		if _, ok := n.data.remove(u, collection, id); ok {
			n.sendUser(u, "", frame)
		}
	}
}

func (n *Node) relayFrame(t protocol.MessageType, c protocol.Change, device string) ([]byte, error) {
	e, err := protocol.Relay(t, c, device, n.stamp())
	if err != nil {
		return nil, err
	}
	return protocol.Marshal(e)
}

// Snapshot returns what the hub holds for user.
func (n *Node) Snapshot(user string) (protocol.Snapshot, error) {
	var s protocol.Snapshot
	if !n.do(func() { s = n.data.snapshot(user) }) {
		return nil, fmt.Errorf("node stopped")
	}
	return s, nil
}

// Publish applies a change that did not come from a device, e.g. an admin.
func (n *Node) Publish(owner, collection string, doc protocol.Document) (bool, error) {
	var applied bool
	ok := n.do(func() {
		if applied = n.applyUpdate(owner, "", collection, doc); applied {
			n.publishCluster(ClusterMessage{
				Type: protocol.TypeDataUpdate, UserID: owner,
				Collection: collection, Document: doc, Timestamp: n.stamp(),
			})
		}
	})
	if !ok {
		return false, fmt.Errorf("node stopped")
	}
	return applied, nil
}

// Online counts the open connections.
func (n *Node) Online() (users, devices int) {
	n.do(func() {
		users = len(n.clients)
		for _, ds := range n.clients {
			devices += len(ds)
		}
	})
	return
}

// serveWs upgrades a device connection. The handshake carries userId and
// deviceId (and token/ts when the hub has a secret) as query parameters.
func (n *Node) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Errorw("upgrade", "error", err)
		return
	}
	cid := atomic.AddInt64(&n.id, 1)
	log := zap.S().With("cid", cid)

	q := r.URL.Query()
	user, device := q.Get("userId"), q.Get("deviceId")
	if user == "" || device == "" {
		log.Warnw("handshake without identity", "user", user, "device", device)
		closeWith(conn, websocket.CloseProtocolError, "userId and deviceId are required", n.cfg.Client.WriteWait)
		return
	}
	if n.cfg.Secret != "" && !CheckTokenMD5(n.cfg.Secret, user, device, q.Get("ts"), q.Get("token")) {
		log.Warnw("handshake token rejected", "user", user, "device", device)
		closeWith(conn, websocket.ClosePolicyViolation, "invalid token", n.cfg.Client.WriteWait)
		return
	}

	client := &Client{
		cid:    cid,
		node:   n,
		user:   user,
		device: device,
		conn:   conn,
		send:   make(chan []byte, n.cfg.Client.SendQueueSize),
		log:    log.With("user", user, "device", device),
	}
	if n.cfg.Client.Compression {
		client.conn.EnableWriteCompression(true)
		client.conn.SetCompressionLevel(n.cfg.Client.CompressionLevel)
	}

	select {
	case n.register <- client:
	case <-n.done:
		closeWith(conn, websocket.CloseGoingAway, "shutting down", n.cfg.Client.WriteWait)
		return
	}
	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}

func closeWith(conn *websocket.Conn, code int, text string, wait time.Duration) {
	if wait <= 0 {
		wait = time.Second
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wait))
	conn.Close()
}
