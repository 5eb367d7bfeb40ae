// Package role scopes synchronisation to what a signed-in user may see. An
// Orchestrator subscribes to the collections of the user's role and surfaces
// only the events whose documents concern that user.
package role

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nzlov/medsync/client"
	"github.com/nzlov/medsync/protocol"
)

type Role string

const (
	Patient Role = "patient"
	Doctor  Role = "doctor"
	Chemist Role = "chemist"
	Admin   Role = "admin"
)

var ErrNotInitialized = errors.New("role sync not initialized")

type User struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name"`
}

var roleCollections = map[Role][]string{
	Patient: {
		protocol.Consultations, protocol.Appointments, protocol.Prescriptions,
		protocol.Doctors, protocol.MedicalRecords, protocol.Notifications,
	},
	Doctor: {
		protocol.Consultations, protocol.Appointments, protocol.Prescriptions,
		protocol.Doctors, protocol.MedicalRecords, protocol.Notifications,
		protocol.Patients,
	},
	Chemist: {
		protocol.Prescriptions, protocol.Medications, protocol.Inventory, protocol.Orders,
	},
}

// Collections lists the collections a role follows. Admin follows all of them.
func Collections(r Role) []string {
	if r == Admin {
		seen := map[string]struct{}{}
		out := []string{}
		for _, cs := range roleCollections {
			for _, c := range cs {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					out = append(out, c)
				}
			}
		}
		sort.Strings(out)
		return out
	}
	return append([]string(nil), roleCollections[r]...)
}

// Notification is one filtered change handed to the UI.
type Notification struct {
	Collection string
	Operation  client.Operation
	Document   protocol.Document
	Documents  []protocol.Document
	// Record is Document decoded into its collection schema, when it decodes.
	Record protocol.Record
	Remote bool
}

type Status struct {
	IsInitialized    bool  `json:"isInitialized"`
	CurrentUser      *User `json:"currentUser"`
	ChannelConnected bool  `json:"channelConnected"`
}

// SyncManager is the part of client.Manager the orchestrator drives.
type SyncManager interface {
	ConnectAs(userID string) error
	Reconnect() error
	Disconnect() error
	Connected() bool
	Subscribe(collection string, cb client.Callback) func()
}

type Option func(*Orchestrator)

// WithGlobalCollections sets the collections surfaced to every user.
func WithGlobalCollections(cs ...string) Option {
	return func(o *Orchestrator) {
		o.global = map[string]bool{}
		for _, c := range cs {
			o.global[c] = true
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.log = l }
}

type Orchestrator struct {
	manager SyncManager
	global  map[string]bool
	log     *zap.SugaredLogger

	mu        sync.Mutex
	user      *User
	unsubs    []func()
	listeners map[int]func(Notification)
	nextID    int
}

func New(m SyncManager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		manager:   m,
		global:    map[string]bool{protocol.Doctors: true},
		log:       zap.S(),
		listeners: map[int]func(Notification){},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "rolesync")
	return o
}

// Initialize connects as user and follows the collections of its role.
// Calling it again switches user.
func (o *Orchestrator) Initialize(user User) error {
	if user.ID == "" {
		return fmt.Errorf("initialize: user id is required")
	}
	collections := Collections(user.Role)
	if len(collections) == 0 {
		return fmt.Errorf("initialize: unknown role %q", user.Role)
	}
	o.unsubscribeAll()

	if err := o.manager.ConnectAs(user.ID); err != nil {
		return fmt.Errorf("initialize %s: %w", user.ID, err)
	}

	u := user
	unsubs := make([]func(), 0, len(collections))
	for _, c := range collections {
		collection := c
		unsubs = append(unsubs, o.manager.Subscribe(collection, func(ev client.Event) {
			o.dispatch(&u, ev)
		}))
	}

	o.mu.Lock()
	o.user = &u
	o.unsubs = unsubs
	o.mu.Unlock()
	o.log.Infow("initialized", "user", u.ID, "role", u.Role, "collections", collections)
	return nil
}

// OnNotification registers fn for filtered changes and returns a function
// that removes it.
func (o *Orchestrator) OnNotification(fn func(Notification)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.listeners, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) GetSyncStatus() Status {
	o.mu.Lock()
	var user *User
	if o.user != nil {
		u := *o.user
		user = &u
	}
	o.mu.Unlock()
	return Status{
		IsInitialized:    user != nil,
		CurrentUser:      user,
		ChannelConnected: user != nil && o.manager.Connected(),
	}
}

// ForceSync reconnects, which makes the hub push a fresh FULL_SYNC. Errors
// are returned to the caller as is.
func (o *Orchestrator) ForceSync() error {
	o.mu.Lock()
	initialized := o.user != nil
	o.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}
	if err := o.manager.Reconnect(); err != nil {
		o.log.Errorw("force sync", "error", err)
		return err
	}
	return nil
}

// Shutdown stops following collections and closes the channel.
func (o *Orchestrator) Shutdown() error {
	o.unsubscribeAll()
	o.mu.Lock()
	o.user = nil
	o.mu.Unlock()
	return o.manager.Disconnect()
}

func (o *Orchestrator) unsubscribeAll() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// visible reports whether user may see doc of collection. A document the
// user owns counts as referencing them.
func (o *Orchestrator) visible(user *User, collection string, doc protocol.Document) bool {
	if user.Role == Admin || o.global[collection] {
		return true
	}
	return doc.UserID() == user.ID || doc.Refers(user.ID)
}

func (o *Orchestrator) dispatch(user *User, ev client.Event) {
	n := Notification{
		Collection: ev.Collection,
		Operation:  ev.Operation,
		Remote:     ev.Remote,
	}
	if ev.Operation == client.OpSync {
		n.Documents = make([]protocol.Document, 0, len(ev.Documents))
		for _, d := range ev.Documents {
			if o.visible(user, ev.Collection, d) {
				n.Documents = append(n.Documents, d)
			}
		}
	} else {
		if !o.visible(user, ev.Collection, ev.Document) {
			return
		}
		n.Document = ev.Document
		if ev.Operation != client.OpDelete {
			rec, err := protocol.Decode(ev.Collection, ev.Document)
			if err != nil {
				o.log.Warnw("undecodable document", "collection", ev.Collection, "id", ev.Document.ID(), "error", err)
			}
			n.Record = rec
		}
	}

	o.mu.Lock()
	fns := make([]func(Notification), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}
