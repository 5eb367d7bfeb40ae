// Package client is the device side of the sync engine. A Client keeps the
// local durable store authoritative for reads, records every local mutation in
// an acknowledged outbox and replicates over a websocket channel to the hub,
// polling the hub over HTTP while the channel is down.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nzlov/medsync/client/store"
	"github.com/nzlov/medsync/protocol"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrNotInitialized = errors.New("sync client not initialized")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

type Operation string

const (
	OpAdd    Operation = "add"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpSync   Operation = "sync"
)

// Event is delivered to subscribers whenever a collection changes.
type Event struct {
	Operation  Operation
	Collection string
	// Document is set for add, update and delete.
	Document protocol.Document
	// Documents is the new content of the collection for sync.
	Documents []protocol.Document
	// Remote is true when the change arrived from the hub.
	Remote bool
}

type Callback func(Event)

// Endpoints locate the hub. An empty HTTPURL disables the backup poll.
type Endpoints struct {
	WebSocketURL string
	HTTPURL      string
	// Query is appended to the handshake, e.g. a token.
	Query url.Values
}

type Options struct {
	Retry        RetryPolicy
	PollInterval time.Duration
	Dialer       Dialer
	HTTPClient   *http.Client
	Logger       *zap.SugaredLogger
	Now          func() time.Time
}

type Client struct {
	root  store.Store
	opts  Options
	log   *zap.SugaredLogger
	state atomic.Int32

	mu           sync.Mutex
	view         store.Store
	userID       string
	deviceID     string
	endpoints    Endpoints
	retry        RetryPolicy
	pollInterval time.Duration
	conn         Conn
	sess         *session
	initialized  bool
	exhausted    bool
	subs         map[string]map[int]Callback
	nextSub      int

	// applyMu orders read-modify-write cycles on the store.
	applyMu   sync.Mutex
	lastStamp int64

	// sendMu keeps outbound frames in outbox order.
	sendMu  sync.Mutex
	sentSeq int64
}

// session is one Initialize..Close lifetime. wg tracks the connect and poll
// loops; events are delivered on a goroutine of their own so a listener may
// Close or re-Initialize the client.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events *eventQueue
	retry  RetryPolicy
	poll   time.Duration
}

func New(st store.Store, opts Options) *Client {
	opts.Retry = opts.Retry.withDefaults()
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.S()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Client{
		root:         st,
		opts:         opts,
		log:          opts.Logger.With("component", "syncclient"),
		retry:        opts.Retry,
		pollInterval: opts.PollInterval,
		subs:         map[string]map[int]Callback{},
	}
	c.view = store.Scoped(st, c.lastPartition())
	return c
}

// Initialize starts a session for (userID, deviceID): it dials the hub in the
// background, replays the outbox once connected and polls endpoints.HTTPURL
// while the channel is down. The session lives until ctx is done or Close is
// called; a second Initialize replaces the running session.
//
// Documents and the outbox are kept per user, so signing in as another user
// neither shows nor sends the previous user's data.
func (c *Client) Initialize(ctx context.Context, userID, deviceID string, endpoints Endpoints) error {
	if userID == "" || deviceID == "" {
		return fmt.Errorf("initialize: userId and deviceId are required")
	}
	if endpoints.WebSocketURL == "" && endpoints.HTTPURL == "" {
		return fmt.Errorf("initialize: no hub endpoint")
	}
	c.Close()

	if err := c.switchUser(userID); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	s := &session{
		ctx:    runCtx,
		cancel: cancel,
		events: newEventQueue(),
		retry:  c.retry,
		poll:   c.pollInterval,
	}
	c.sess = s
	c.userID = userID
	c.deviceID = deviceID
	c.endpoints = endpoints
	c.initialized = true
	c.exhausted = false
	c.mu.Unlock()

	c.log.Infow("initialize", "user", userID, "device", deviceID)
	go c.dispatchLoop(s)
	if endpoints.WebSocketURL != "" {
		s.wg.Add(1)
		go c.connectLoop(s)
	}
	if endpoints.HTTPURL != "" && s.poll > 0 {
		s.wg.Add(1)
		go c.pollLoop(s)
	}
	return nil
}

// Configure sets the retry policy and poll interval of the next session.
func (c *Client) Configure(retry RetryPolicy, pollInterval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = retry.withDefaults()
	c.pollInterval = pollInterval
}

// Close tears the channel down. The store and the outbox are left intact.
// It may be called from a Subscribe callback.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	conn := c.conn
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	c.setState(Disconnected)
	return nil
}

const (
	metaActiveUser = "activeUser"
	metaPartition  = "partition/"
)

// lastPartition is the partition of the user who signed in last, so changes
// made before Initialize belong to that user.
func (c *Client) lastPartition() string {
	user, err := c.root.GetMeta(metaActiveUser)
	if err != nil {
		return ""
	}
	p, err := c.root.GetMeta(metaPartition + user)
	if err != nil {
		return store.UserPrefix(user)
	}
	return p
}

// partition returns userID's partition prefix. The first user ever signed in
// on the device takes over the unprefixed partition holding what was written
// before any session.
func (c *Client) partition(userID string) (string, error) {
	p, err := c.root.GetMeta(metaPartition + userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	p = store.UserPrefix(userID)
	if _, err := c.root.GetMeta(metaActiveUser); errors.Is(err, store.ErrNotFound) {
		p = ""
	} else if err != nil {
		return "", err
	}
	if err := c.root.SetMeta(metaPartition+userID, p); err != nil {
		return "", err
	}
	return p, nil
}

func (c *Client) switchUser(userID string) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	p, err := c.partition(userID)
	if err != nil {
		return err
	}
	if err := c.root.SetMeta(metaActiveUser, userID); err != nil {
		return err
	}
	c.mu.Lock()
	c.view = store.Scoped(c.root, p)
	c.mu.Unlock()
	c.sentSeq = 0
	return nil
}

func (c *Client) local() store.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.log.Debugw("state", "from", old.String(), "to", s.String())
	}
}

// Exhausted reports whether the reconnect budget ran out.
func (c *Client) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// PendingCount is the number of local changes the hub has not acknowledged.
func (c *Client) PendingCount() int {
	p, err := c.local().Pending()
	if err != nil {
		c.log.Errorw("pending", "error", err)
		return 0
	}
	return len(p)
}

// Healthy is the "sync healthy" indicator: channel open and outbox empty.
func (c *Client) Healthy() bool {
	return c.State() == Connected && c.PendingCount() == 0
}

// AddData writes data to the local store (assigning an id when missing),
// queues it for the hub and returns the id.
func (c *Client) AddData(collection string, data protocol.Document) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("add: collection is required")
	}
	doc := data.Clone()
	if doc == nil {
		doc = protocol.Document{}
	}
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc[protocol.FieldID] = id
	}

	c.applyMu.Lock()
	existing, err := c.local().Get(collection, id)
	op := OpUpdate
	if errors.Is(err, store.ErrNotFound) {
		op = OpAdd
	} else if err != nil {
		c.applyMu.Unlock()
		return "", fmt.Errorf("add %s/%s: %w", collection, id, err)
	}
	if err := c.commitLocked(collection, doc, existing); err != nil {
		c.applyMu.Unlock()
		return "", err
	}
	c.applyMu.Unlock()

	c.emit(Event{Operation: op, Collection: collection, Document: doc.Clone()})
	c.pump()
	return id, nil
}

// UpdateData merges patch into an existing document.
func (c *Client) UpdateData(collection, id string, patch protocol.Document) error {
	c.applyMu.Lock()
	existing, err := c.local().Get(collection, id)
	if errors.Is(err, store.ErrNotFound) {
		c.applyMu.Unlock()
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		c.applyMu.Unlock()
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	doc := existing.Merge(patch)
	doc[protocol.FieldID] = id
	if err := c.commitLocked(collection, doc, existing); err != nil {
		c.applyMu.Unlock()
		return err
	}
	c.applyMu.Unlock()

	c.emit(Event{Operation: OpUpdate, Collection: collection, Document: doc.Clone()})
	c.pump()
	return nil
}

// DeleteData removes the document locally and tells the hub. Deleting an
// absent id is not an error; the delete is still propagated.
func (c *Client) DeleteData(collection, id string) error {
	if collection == "" || id == "" {
		return fmt.Errorf("delete: collection and id are required")
	}
	c.applyMu.Lock()
	removed, err := c.local().Delete(collection, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.applyMu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	change := &store.PendingChange{
		Type:       protocol.TypeDataDelete,
		Collection: collection,
		DocumentID: id,
		Timestamp:  c.stampLocked(0),
	}
	if err := c.local().Enqueue(change); err != nil {
		c.applyMu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	c.applyMu.Unlock()

	if removed != nil {
		c.emit(Event{Operation: OpDelete, Collection: collection, Document: removed})
	}
	c.pump()
	return nil
}

// GetData reads the local store; it never touches the network.
func (c *Client) GetData(collection string) ([]protocol.Document, error) {
	return c.local().List(collection)
}

// Subscribe registers cb for changes of collection and returns a function
// removing exactly this registration.
func (c *Client) Subscribe(collection string, cb Callback) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	if c.subs[collection] == nil {
		c.subs[collection] = map[int]Callback{}
	}
	c.subs[collection][id] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs[collection], id)
			if len(c.subs[collection]) == 0 {
				delete(c.subs, collection)
			}
		})
	}
}

// commitLocked stamps doc, stores it and appends it to the outbox.
func (c *Client) commitLocked(collection string, doc, existing protocol.Document) error {
	c.mu.Lock()
	deviceID, userID := c.deviceID, c.userID
	c.mu.Unlock()

	ts := c.stampLocked(existing.LastModified())
	doc[protocol.FieldLastModified] = ts
	doc[protocol.FieldDeviceID] = deviceID
	if doc.UserID() == "" && userID != "" {
		doc[protocol.FieldUserID] = userID
	}
	if err := c.local().Put(collection, doc); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, doc.ID(), err)
	}
	change := &store.PendingChange{
		Type:       protocol.TypeDataUpdate,
		Collection: collection,
		Document:   doc,
		DocumentID: doc.ID(),
		Timestamp:  ts,
	}
	if err := c.local().Enqueue(change); err != nil {
		return fmt.Errorf("queue %s/%s: %w", collection, doc.ID(), err)
	}
	return nil
}

// stampLocked returns a wall-clock millisecond timestamp strictly greater than
// both floor and any stamp issued before.
func (c *Client) stampLocked(floor int64) int64 {
	ts := c.opts.Now().UnixMilli()
	if ts <= c.lastStamp {
		ts = c.lastStamp + 1
	}
	if ts <= floor {
		ts = floor + 1
	}
	c.lastStamp = ts
	return ts
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	cbs := make([]Callback, 0, len(c.subs[ev.Collection]))
	for _, cb := range c.subs[ev.Collection] {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if err := recover(); err != nil {
					c.log.Errorw("subscriber panic", "collection", ev.Collection, "error", err)
				}
			}()
			cb(ev)
		}()
	}
}

// emitRemote hands a channel-originated event to the session dispatcher.
// Without a session it is delivered on the calling goroutine.
func (c *Client) emitRemote(ev Event) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		c.emit(ev)
		return
	}
	s.events.push(ev)
}

// eventQueue is an unbounded FIFO so the read loop never waits on listeners.
type eventQueue struct {
	mu    sync.Mutex
	items []Event
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// dispatchLoop delivers queued events until the session ends. Events still
// queued at that point are dropped.
func (c *Client) dispatchLoop(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.events.wake:
		}
		for s.ctx.Err() == nil {
			ev, ok := s.events.pop()
			if !ok {
				break
			}
			c.emit(ev)
		}
	}
}

func (c *Client) liveConn() Conn {
	if c.State() != Connected {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// pump writes every outbox entry not yet sent on the current channel.
func (c *Client) pump() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if conn := c.liveConn(); conn != nil {
		c.pumpLocked(conn)
	}
}

func (c *Client) pumpLocked(conn Conn) {
	pending, err := c.local().Pending()
	if err != nil {
		c.log.Errorw("read outbox", "error", err)
		return
	}
	for _, p := range pending {
		if p.Seq <= c.sentSeq {
			continue
		}
		env := protocol.Envelope{
			Type:       p.Type,
			Collection: p.Collection,
			Seq:        p.Seq,
			Timestamp:  p.Timestamp,
		}
		if p.Type == protocol.TypeDataDelete {
			env.DocumentID = p.DocumentID
		} else {
			env.Document = p.Document
		}
		if err := c.writeLocked(conn, env); err != nil {
			c.log.Warnw("send failed, keeping change queued", "seq", p.Seq, "error", err)
			conn.Close()
			return
		}
		c.sentSeq = p.Seq
	}
}

func (c *Client) writeLocked(conn Conn, env protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

func (c *Client) connectLoop(s *session) {
	defer s.wg.Done()
	ctx := s.ctx
	failures := 0
	for {
		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err == nil {
			if !c.attach(ctx, conn) {
				c.setState(Disconnected)
				return
			}
			failures = 0
			c.onConnected(conn)
			err = c.readLoop(ctx, conn)
			c.detach(conn)
		}
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}
		failures++
		if !s.retry.Allow(failures) {
			c.log.Warnw("reconnect attempts exhausted, falling back to polling", "attempts", failures-1, "error", err)
			c.mu.Lock()
			c.exhausted = true
			c.mu.Unlock()
			return
		}
		delay := s.retry.Delay(failures)
		c.log.Infow("channel down, reconnecting", "attempt", failures, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	ep, userID, deviceID := c.endpoints, c.userID, c.deviceID
	c.mu.Unlock()
	u, err := socketURL(ep.WebSocketURL, userID, deviceID, ep.Query)
	if err != nil {
		return nil, err
	}
	return c.opts.Dialer.Dial(ctx, u)
}

func (c *Client) attach(ctx context.Context, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// onConnected asks for a full sync and replays the outbox from its start.
func (c *Client) onConnected(conn Conn) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.setState(Connected)
	c.sentSeq = 0
	if err := c.requestSyncLocked(conn); err != nil {
		c.log.Warnw("request sync", "error", err)
		conn.Close()
		return
	}
	c.pumpLocked(conn)
}

func (c *Client) requestSyncLocked(conn Conn) error {
	c.mu.Lock()
	req := protocol.Envelope{Type: protocol.TypeRequestSync, UserID: c.userID, DeviceID: c.deviceID}
	c.mu.Unlock()
	return c.writeLocked(conn, req)
}

// RequestSync asks the hub for a fresh FULL_SYNC on the open channel.
func (c *Client) RequestSync() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn := c.liveConn()
	if conn == nil {
		return fmt.Errorf("request sync: channel %s", c.State())
	}
	return c.requestSyncLocked(conn)
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.handle(raw)
	}
}

// handle applies one hub frame. Bad frames are logged and dropped.
func (c *Client) handle(raw []byte) {
	env, err := protocol.Unmarshal(raw)
	if err != nil {
		c.log.Errorw("malformed message", "error", err)
		return
	}
	switch env.Type {
	case protocol.TypeFullSync:
		snap, err := env.Snapshot()
		if err != nil {
			c.log.Errorw("malformed full sync", "error", err)
			return
		}
		c.applySnapshot(snap)
	case protocol.TypeDataUpdate:
		ch, err := env.Change()
		if err != nil {
			c.log.Errorw("malformed update", "error", err)
			return
		}
		c.applyRemoteUpdate(ch.Collection, ch.Document)
	case protocol.TypeDataDelete:
		ch, err := env.Change()
		if err != nil {
			c.log.Errorw("malformed delete", "error", err)
			return
		}
		c.applyRemoteDelete(ch.Collection, ch.DocumentID)
	case protocol.TypeAck:
		if err := c.local().Ack(env.Seq); err != nil {
			c.log.Errorw("ack", "seq", env.Seq, "error", err)
		}
	case protocol.TypeConnectionConfirmed:
		c.log.Infow("connection confirmed", "user", env.UserID, "device", env.DeviceID)
	default:
		c.log.Warnw("unknown message type", "type", env.Type)
	}
}

func (c *Client) applyRemoteUpdate(collection string, doc protocol.Document) {
	if collection == "" || doc.ID() == "" {
		c.log.Errorw("update without collection or id", "collection", collection)
		return
	}
	c.applyMu.Lock()
	existing, err := c.local().Get(collection, doc.ID())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.applyMu.Unlock()
		c.log.Errorw("read before apply", "collection", collection, "id", doc.ID(), "error", err)
		return
	}
	if existing != nil && !doc.Supersedes(existing) {
		c.applyMu.Unlock()
		c.log.Debugw("stale update discarded", "collection", collection, "id", doc.ID(),
			"local", existing.LastModified(), "remote", doc.LastModified())
		return
	}
	if err := c.local().Put(collection, doc); err != nil {
		c.applyMu.Unlock()
		c.log.Errorw("apply update", "collection", collection, "id", doc.ID(), "error", err)
		return
	}
	c.applyMu.Unlock()

	op := OpUpdate
	if existing == nil {
		op = OpAdd
	}
	c.emitRemote(Event{Operation: op, Collection: collection, Document: doc.Clone(), Remote: true})
}

func (c *Client) applyRemoteDelete(collection, id string) {
	c.applyMu.Lock()
	removed, err := c.local().Delete(collection, id)
	c.applyMu.Unlock()
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.log.Errorw("apply delete", "collection", collection, "id", id, "error", err)
		return
	}
	c.emitRemote(Event{Operation: OpDelete, Collection: collection, Document: removed, Remote: true})
}

// applySnapshot replaces every collection present in snap, then re-applies
// changes still waiting in the outbox so local writes stay visible.
func (c *Client) applySnapshot(snap protocol.Snapshot) {
	c.applyMu.Lock()
	pending, err := c.local().Pending()
	if err != nil {
		c.applyMu.Unlock()
		c.log.Errorw("read outbox", "error", err)
		return
	}
	events := make([]Event, 0, len(snap))
	for collection, docs := range snap {
		merged := overlay(collection, docs, pending)
		if err := c.local().Replace(collection, merged); err != nil {
			c.log.Errorw("apply full sync", "collection", collection, "error", err)
			continue
		}
		events = append(events, Event{Operation: OpSync, Collection: collection, Documents: merged, Remote: true})
	}
	c.applyMu.Unlock()

	for _, ev := range events {
		c.emitRemote(ev)
	}
}

func overlay(collection string, docs []protocol.Document, pending []store.PendingChange) []protocol.Document {
	out := make([]protocol.Document, 0, len(docs))
	index := map[string]int{}
	for _, d := range docs {
		if d.ID() == "" {
			continue
		}
		if i, ok := index[d.ID()]; ok {
			out[i] = d
			continue
		}
		index[d.ID()] = len(out)
		out = append(out, d)
	}
	for _, p := range pending {
		if p.Collection != collection {
			continue
		}
		i, ok := index[p.DocumentID]
		switch p.Type {
		case protocol.TypeDataUpdate:
			if !ok {
				index[p.DocumentID] = len(out)
				out = append(out, p.Document)
			} else if !out[i].Supersedes(p.Document) {
				out[i] = p.Document
			}
		case protocol.TypeDataDelete:
			if ok {
				out = append(out[:i], out[i+1:]...)
				delete(index, p.DocumentID)
				for id, j := range index {
					if j > i {
						index[id] = j - 1
					}
				}
			}
		}
	}
	return out
}

func (c *Client) pollLoop(s *session) {
	defer s.wg.Done()
	ctx := s.ctx
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() == Connected {
				continue
			}
			if err := c.Poll(ctx); err != nil {
				c.log.Warnw("backup poll", "error", err)
			}
		}
	}
}

// Poll fetches the user's snapshot over HTTP and applies it like a FULL_SYNC.
func (c *Client) Poll(ctx context.Context) error {
	c.mu.Lock()
	ep, userID, deviceID := c.endpoints, c.userID, c.deviceID
	c.mu.Unlock()
	if ep.HTTPURL == "" || userID == "" {
		return ErrNotInitialized
	}
	u, err := url.Parse(ep.HTTPURL)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	u = u.JoinPath("api", "sync", userID)
	if len(ep.Query) > 0 {
		u.RawQuery = ep.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Device-ID", deviceID)
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	snap := protocol.Snapshot{}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	c.applySnapshot(snap)
	return nil
}
