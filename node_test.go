package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nzlov/medsync/protocol"
)

type testHub struct {
	node *Node
	srv  *httptest.Server
}

func newTestHub(t *testing.T, mutate func(*Config)) *testHub {
	cfg := defaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	n := newNode(cfg, newMemoryRegistry(), nil)
	srv := httptest.NewServer(n.routes())
	t.Cleanup(func() {
		srv.Close()
		n.Close()
	})
	return &testHub{node: n, srv: srv}
}

func (h *testHub) wsURL(q url.Values) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?" + q.Encode()
}

type device struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *testHub) dial(t *testing.T, user, dev string) *device {
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(url.Values{"userId": {user}, "deviceId": {dev}}), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	d := &device{t: t, conn: conn}
	d.expect(protocol.TypeConnectionConfirmed)
	d.expect(protocol.TypeFullSync)
	return d
}

func (d *device) read() protocol.Envelope {
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := d.conn.ReadMessage()
	require.NoError(d.t, err)
	env, err := protocol.Unmarshal(raw)
	require.NoError(d.t, err)
	return env
}

func (d *device) expect(t protocol.MessageType) protocol.Envelope {
	env := d.read()
	require.Equal(d.t, t, env.Type)
	return env
}

func (d *device) write(env protocol.Envelope) {
	b, err := protocol.Marshal(env)
	require.NoError(d.t, err)
	require.NoError(d.t, d.conn.WriteMessage(websocket.TextMessage, b))
}

func (d *device) update(seq int64, collection string, doc protocol.Document) {
	d.write(protocol.Envelope{Type: protocol.TypeDataUpdate, Seq: seq, Collection: collection, Document: doc})
}

// sync requests a FULL_SYNC and returns it. The node answers in order, so
// anything routed to this device earlier would arrive first and fail here.
func (d *device) sync() protocol.Snapshot {
	d.write(protocol.Envelope{Type: protocol.TypeRequestSync})
	env := d.expect(protocol.TypeFullSync)
	s, err := env.Snapshot()
	require.NoError(d.t, err)
	return s
}

func ids(docs []protocol.Document) []string {
	out := []string{}
	for _, d := range docs {
		out = append(out, d.ID())
	}
	return out
}

func TestHandshakeRequiresIdentity(t *testing.T) {
	h := newTestHub(t, nil)
	for _, q := range []url.Values{
		{"userId": {"u1"}},
		{"deviceId": {"d1"}},
		{},
	} {
		conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(q), nil)
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
		conn.Close()
	}
	users, devices := h.node.Online()
	assert.Zero(t, users)
	assert.Zero(t, devices)
}

func TestHandshakeToken(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.Secret = "s3cret" })

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(url.Values{"userId": {"u1"}, "deviceId": {"d1"}, "ts": {"1"}, "token": {"bad"}}), nil)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	conn.Close()

	q := url.Values{"userId": {"u1"}, "deviceId": {"d1"}, "ts": {"1700000000"}}
	q.Set("token", signMD5("s3cret", "u1", "d1", "1700000000"))
	conn, _, err = websocket.DefaultDialer.Dial(h.wsURL(q), nil)
	require.NoError(t, err)
	defer conn.Close()
	d := &device{t: t, conn: conn}
	env := d.expect(protocol.TypeConnectionConfirmed)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, "d1", env.DeviceID)
}

func TestUpdatesReachSiblingDevicesOnly(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.dial(t, "u1", "phone")
	b := h.dial(t, "u1", "tablet")
	other := h.dial(t, "u2", "phone")

	a.update(7, protocol.Appointments, protocol.Document{"id": "a1", "time": "10:00", "lastModified": 5})
	ack := a.expect(protocol.TypeAck)
	assert.Equal(t, int64(7), ack.Seq)

	got := b.expect(protocol.TypeDataUpdate)
	assert.Equal(t, "phone", got.FromDevice)
	ch, err := got.Change()
	require.NoError(t, err)
	assert.Equal(t, protocol.Appointments, ch.Collection)
	assert.Equal(t, "10:00", ch.Document.String("time"))

	assert.Empty(t, other.sync()[protocol.Appointments])
	assert.Equal(t, []string{"a1"}, ids(a.sync()[protocol.Appointments]), "sender gets no echo")
}

func TestGlobalCollectionReachesEveryone(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.dial(t, "u1", "phone")
	other := h.dial(t, "u2", "phone")

	a.update(1, protocol.Doctors, protocol.Document{"id": "d1", "name": "Dr. Rao", "lastModified": 3})
	first := a.read()
	second := a.read()
	types := []protocol.MessageType{first.Type, second.Type}
	assert.ElementsMatch(t, []protocol.MessageType{protocol.TypeAck, protocol.TypeDataUpdate}, types)

	got := other.expect(protocol.TypeDataUpdate)
	ch, err := got.Change()
	require.NoError(t, err)
	assert.Equal(t, "d1", ch.Document.ID())

	late := h.dial(t, "u3", "laptop")
	assert.Equal(t, []string{"d1"}, ids(late.sync()[protocol.Doctors]))
}

func TestFullSyncMergesUserAndGlobalData(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.dial(t, "u1", "phone")
	a.update(1, protocol.Appointments, protocol.Document{"id": "a1", "lastModified": 1})
	a.expect(protocol.TypeAck)
	a.update(2, protocol.Doctors, protocol.Document{"id": "d1", "lastModified": 1})
	a.expect(protocol.TypeDataUpdate)
	a.expect(protocol.TypeAck)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(url.Values{"userId": {"u1"}, "deviceId": {"laptop"}}), nil)
	require.NoError(t, err)
	defer conn.Close()
	d := &device{t: t, conn: conn}
	d.expect(protocol.TypeConnectionConfirmed)
	s, err := d.expect(protocol.TypeFullSync).Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(s[protocol.Appointments]))
	assert.Equal(t, []string{"d1"}, ids(s[protocol.Doctors]))

	s, err = h.node.Snapshot("u2")
	require.NoError(t, err)
	assert.Empty(t, s[protocol.Appointments])
	assert.Len(t, s[protocol.Doctors], 1)
}

func TestHubKeepsNewestVersion(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.dial(t, "u1", "phone")
	b := h.dial(t, "u1", "tablet")

	a.update(1, protocol.Consultations, protocol.Document{"id": "c1", "notes": "new", "lastModified": 500})
	a.expect(protocol.TypeAck)
	b.expect(protocol.TypeDataUpdate)

	a.update(2, protocol.Consultations, protocol.Document{"id": "c1", "notes": "old", "lastModified": 400})
	ack := a.expect(protocol.TypeAck)
	assert.Equal(t, int64(2), ack.Seq, "stale changes are still acknowledged")

	s := b.sync()
	require.Len(t, s[protocol.Consultations], 1)
	assert.Equal(t, "new", s[protocol.Consultations][0].String("notes"))
}

func TestDeleteIsRelayed(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.dial(t, "u1", "phone")
	b := h.dial(t, "u1", "tablet")

	a.update(1, protocol.Orders, protocol.Document{"id": "o1", "lastModified": 1})
	a.expect(protocol.TypeAck)
	b.expect(protocol.TypeDataUpdate)

	a.write(protocol.Envelope{Type: protocol.TypeDataDelete, Seq: 2, Collection: protocol.Orders, DocumentID: "o1"})
	a.expect(protocol.TypeAck)
	got := b.expect(protocol.TypeDataDelete)
	ch, err := got.Change()
	require.NoError(t, err)
	assert.Equal(t, "o1", ch.DocumentID)
	assert.Empty(t, b.sync()[protocol.Orders])

	// unknown ids are acknowledged and relayed all the same
	a.write(protocol.Envelope{Type: protocol.TypeDataDelete, Seq: 3, Collection: protocol.Orders, DocumentID: "ghost"})
	a.expect(protocol.TypeAck)
	b.expect(protocol.TypeDataDelete)
}

func TestMalformedChangesAreAckedAndDropped(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.dial(t, "u1", "phone")
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	a.update(4, protocol.Orders, protocol.Document{"status": "no id"})
	ack := a.expect(protocol.TypeAck)
	assert.Equal(t, int64(4), ack.Seq)
	assert.Empty(t, a.sync()[protocol.Orders])
}

func TestReferencedUsersShareDocuments(t *testing.T) {
	h := newTestHub(t, nil)
	doctor := h.dial(t, "dr1", "desk")
	patient := h.dial(t, "p1", "phone")
	chemist := h.dial(t, "ch1", "counter")
	stranger := h.dial(t, "p2", "phone")

	rx := protocol.Document{"id": "rx1", "doctorId": "dr1", "patientId": "p1", "chemistId": "ch1", "lastModified": 9}
	doctor.update(1, protocol.Prescriptions, rx)
	doctor.expect(protocol.TypeAck)

	for _, d := range []*device{patient, chemist} {
		got := d.expect(protocol.TypeDataUpdate)
		ch, err := got.Change()
		require.NoError(t, err)
		assert.Equal(t, "rx1", ch.Document.ID())
	}
	assert.Empty(t, stranger.sync()[protocol.Prescriptions])

	// the chemist fills it; the doctor and the patient follow
	filled := rx.Clone()
	filled["status"] = "filled"
	filled["lastModified"] = 10
	chemist.update(1, protocol.Prescriptions, filled)
	chemist.expect(protocol.TypeAck)
	for _, d := range []*device{doctor, patient} {
		ch, err := d.expect(protocol.TypeDataUpdate).Change()
		require.NoError(t, err)
		assert.Equal(t, "filled", ch.Document.String("status"))
	}

	doctor.write(protocol.Envelope{Type: protocol.TypeDataDelete, Seq: 2, Collection: protocol.Prescriptions, DocumentID: "rx1"})
	doctor.expect(protocol.TypeAck)
	patient.expect(protocol.TypeDataDelete)
	chemist.expect(protocol.TypeDataDelete)
}

func TestSharingCanBeDisabled(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.ShareReferenced = false })
	doctor := h.dial(t, "dr1", "desk")
	patient := h.dial(t, "p1", "phone")

	doctor.update(1, protocol.Prescriptions, protocol.Document{"id": "rx1", "patientId": "p1", "lastModified": 1})
	doctor.expect(protocol.TypeAck)
	assert.Empty(t, patient.sync()[protocol.Prescriptions])
}

func TestReconnectingDeviceReplacesOldConnection(t *testing.T) {
	h := newTestHub(t, nil)
	old := h.dial(t, "u1", "phone")
	h.dial(t, "u1", "phone")

	old.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := old.conn.ReadMessage()
	assert.Error(t, err)

	users, devices := h.node.Online()
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, devices)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	cfg := defaultConfig()
	cfg.Client.SendQueueSize = 1
	n := newNode(cfg, newMemoryRegistry(), nil)
	defer n.Close()

	c := &Client{node: n, user: "u1", device: "slow", send: make(chan []byte, 1), log: zap.S()}
	n.register <- c

	var registered bool
	require.True(t, n.do(func() { _, registered = n.clients["u1"]["slow"] }))
	assert.False(t, registered)

	first, ok := <-c.send
	assert.True(t, ok)
	env, err := protocol.Unmarshal(first)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeConnectionConfirmed, env.Type)
	_, ok = <-c.send
	assert.False(t, ok, "queue closed on overflow")
}

func TestRemoteChangesAreDelivered(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.dial(t, "u1", "phone")

	h.node.deliverRemote(ClusterMessage{
		NodeName:   "node-2",
		Type:       protocol.TypeDataUpdate,
		UserID:     "u1",
		DeviceID:   "laptop",
		Collection: protocol.Notifications,
		Document:   protocol.Document{"id": "n1", "lastModified": 2},
	})
	got := a.expect(protocol.TypeDataUpdate)
	assert.Equal(t, "laptop", got.FromDevice)

	h.node.deliverRemote(ClusterMessage{NodeName: "node-2", Type: protocol.TypeDataDelete, UserID: "u1", DeviceID: "laptop", Collection: protocol.Notifications, DocumentID: "n1"})
	a.expect(protocol.TypeDataDelete)
	assert.Empty(t, a.sync()[protocol.Notifications])
}

func TestClusterMessageEncoding(t *testing.T) {
	m := ClusterMessage{
		NodeName:   "node-1",
		Type:       protocol.TypeDataUpdate,
		UserID:     "u1",
		DeviceID:   "phone",
		Collection: protocol.Prescriptions,
		Document: protocol.Document{
			"id":           "rx1",
			"lastModified": int64(1700000000123),
			"medications":  []interface{}{map[string]interface{}{"name": "amoxicillin"}},
		},
		Timestamp: 42,
	}
	b, err := encodeClusterMessage(m)
	require.NoError(t, err)
	got, err := decodeClusterMessage(b)
	require.NoError(t, err)

	assert.Equal(t, m.NodeName, got.NodeName)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, "rx1", got.Document.ID())
	assert.Equal(t, int64(1700000000123), got.Document.LastModified())
	rec, err := protocol.Decode(got.Collection, got.Document)
	require.NoError(t, err)
	rx := rec.(*protocol.Prescription)
	require.Len(t, rx.Medications, 1)
	assert.Equal(t, "amoxicillin", rx.Medications[0].Name)

	_, err = decodeClusterMessage([]byte{0xc1})
	assert.Error(t, err)
}

func TestSnapshotEndpoint(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.dial(t, "u1", "phone")
	a.update(1, protocol.MedicalRecords, protocol.Document{"id": "m1", "title": "x-ray", "lastModified": 1})
	a.expect(protocol.TypeAck)

	resp, err := http.Get(h.srv.URL + "/api/sync/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := protocol.Snapshot{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, []string{"m1"}, ids(s[protocol.MedicalRecords]))
}

func TestSnapshotEndpointChecksToken(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.Secret = "s3cret" })

	resp, err := http.Get(h.srv.URL + "/api/sync/u1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/sync/u1?ts=5&token="+signMD5("s3cret", "u1", "phone", "5"), nil)
	req.Header.Set("Device-ID", "phone")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDevicesEndpoint(t *testing.T) {
	h := newTestHub(t, nil)
	h.dial(t, "u1", "phone")
	tablet := h.dial(t, "u1", "tablet")
	tablet.conn.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(h.srv.URL + "/api/devices/u1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var ds []Device
		if json.NewDecoder(resp.Body).Decode(&ds) != nil || len(ds) != 2 {
			return false
		}
		return ds[0].DeviceID == "phone" && ds[0].Online && ds[1].DeviceID == "tablet" && !ds[1].Online
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHub(t, nil)
	h.dial(t, "u1", "phone")
	resp, err := http.Get(h.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["devices"])
	assert.Equal(t, false, body["cluster"])
}
