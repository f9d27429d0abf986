package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/taskfolio/taskfolio/realtime-go/protocol"
)

// fakeConn is an in-memory transport for manager tests.
type fakeConn struct {
	in     chan []byte // server -> client
	out    chan []byte // client -> server
	done   chan struct{}
	closed sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 64),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.MessageText, data, nil
	case <-f.done:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case f.out <- data:
		return nil
	case <-f.done:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.closed.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func testOptions() Options {
	return Options{
		URL:                "ws://localhost:8080/ws",
		Identity:           Identity{UserID: "user-1", Name: "Alice", Avatar: "a.png"},
		CurrentView:        "/projects/42",
		BaseReconnectDelay: time.Millisecond,
		HeartbeatInterval:  time.Hour, // keep heartbeats out of frame assertions
	}
}

// connectFake wires a manager to a fresh fakeConn per dial.
func connectFake(t *testing.T, opts Options) (*Manager, *fakeConn) {
	t.Helper()
	m := NewManager(opts)
	fc := newFakeConn()
	m.dial = func(ctx context.Context, url string) (conn, error) {
		return fc, nil
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m, fc
}

func readFrame(t *testing.T, fc *fakeConn) *protocol.Message {
	t.Helper()
	select {
	case data := <-fc.out:
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	m := NewManager(Options{URL: "ws://localhost:8080/ws"})

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for attempt, d := range want {
		if got := m.reconnectDelay(attempt); got != d {
			t.Errorf("attempt %d delay = %v, want %v", attempt, got, d)
		}
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	var failed atomic.Bool

	opts := testOptions()
	opts.OnStateChange = func(s State) {
		if s == StateFailed {
			failed.Store(true)
		}
	}

	m := NewManager(opts)
	m.dial = func(ctx context.Context, url string) (conn, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	}

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected initial dial error")
	}

	// Backoff schedule at 1ms base: 1+2+4+8+16 = 31ms total.
	deadline := time.Now().Add(2 * time.Second)
	for !failed.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !failed.Load() {
		t.Fatal("never reached StateFailed")
	}

	// One initial attempt plus five retries, and no sixth retry.
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 6 {
		t.Fatalf("dial attempts = %d, want 6", got)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %q, want failed", m.State())
	}
}

func TestOpenSendsInitialPresence(t *testing.T) {
	_, fc := connectFake(t, testOptions())

	msg := readFrame(t, fc)
	if msg.Type != protocol.TypePresenceUpdate {
		t.Fatalf("first frame type = %q, want presence_update", msg.Type)
	}
	u := msg.User
	if u == nil {
		t.Fatal("presence_update without user document")
	}
	if u.ID != "user-1" || u.Name != "Alice" {
		t.Errorf("identity not stamped: %+v", u)
	}
	if u.Status != protocol.StatusActive {
		t.Errorf("status = %q, want active", u.Status)
	}
	if u.CurrentView != "/projects/42" {
		t.Errorf("currentView = %q, want /projects/42", u.CurrentView)
	}
}

func TestPresenceMergePreservesKnownFields(t *testing.T) {
	m, fc := connectFake(t, testOptions())
	readFrame(t, fc) // initial presence

	m.UpdateCursor(10, 20)
	readFrame(t, fc)

	m.UpdateSelection("title field")
	msg := readFrame(t, fc)

	u := msg.User
	if u.Cursor == nil || u.Cursor.X != 10 || u.Cursor.Y != 20 {
		t.Errorf("cursor lost across partial updates: %+v", u.Cursor)
	}
	if u.Selection != "title field" {
		t.Errorf("selection = %q, want %q", u.Selection, "title field")
	}
	if u.Status != protocol.StatusActive || u.CurrentView != "/projects/42" {
		t.Errorf("base document fields missing: %+v", u)
	}
}

func TestSendEventStampsIdentityAndTimestamp(t *testing.T) {
	m, fc := connectFake(t, testOptions())
	readFrame(t, fc)

	now := time.Now()
	m.now = func() time.Time { return now }

	m.SendEvent(protocol.CollaborationEvent{
		Type:       protocol.EventEdit,
		EntityType: protocol.EntityTask,
		EntityID:   "task-7",
	})

	msg := readFrame(t, fc)
	ev := msg.Event
	if ev == nil {
		t.Fatal("collaboration_event without event body")
	}
	if ev.UserID != "user-1" || ev.UserName != "Alice" || ev.UserAvatar != "a.png" {
		t.Errorf("identity not stamped: %+v", ev)
	}
	if ev.Timestamp != now.UnixMilli() {
		t.Errorf("timestamp = %d, want %d", ev.Timestamp, now.UnixMilli())
	}
}

func TestEventRoutingByEntity(t *testing.T) {
	m := NewManager(testOptions())

	var gotX, gotWild []string
	m.OnEvent("X", func(ev protocol.CollaborationEvent) { gotX = append(gotX, ev.EntityID) })
	m.OnEvent(protocol.EntityWildcard, func(ev protocol.CollaborationEvent) { gotWild = append(gotWild, ev.EntityID) })

	deliver := func(entityID string) {
		frame, _ := json.Marshal(&protocol.Message{
			Type:  protocol.TypeCollaborationEvent,
			Event: &protocol.CollaborationEvent{Type: protocol.EventEdit, EntityID: entityID},
		})
		m.dispatch(frame)
	}

	deliver("X")
	deliver("Y")
	deliver(protocol.EntityWildcard)

	if len(gotX) != 2 || gotX[0] != "X" || gotX[1] != protocol.EntityWildcard {
		t.Errorf("X subscriber got %v, want [X *]", gotX)
	}
	if len(gotWild) != 3 {
		t.Errorf("wildcard subscriber got %v, want all three", gotWild)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewManager(testOptions())

	count := 0
	unsub := m.OnEvent("X", func(protocol.CollaborationEvent) { count++ })

	frame, _ := json.Marshal(&protocol.Message{
		Type:  protocol.TypeCollaborationEvent,
		Event: &protocol.CollaborationEvent{Type: protocol.EventEdit, EntityID: "X"},
	})
	m.dispatch(frame)
	unsub()
	m.dispatch(frame)

	if count != 1 {
		t.Errorf("delivered %d times, want 1", count)
	}
}

func TestPresenceSnapshotReplacesWholesale(t *testing.T) {
	m := NewManager(testOptions())

	var last []protocol.PresenceUser
	m.OnPresence(func(users []protocol.PresenceUser) { last = users })

	frame, _ := json.Marshal(&protocol.Message{
		Type:  protocol.TypePresenceUpdate,
		Users: []protocol.PresenceUser{{ID: "user-2", Name: "Bob"}},
	})
	m.dispatch(frame)

	if len(last) != 1 || last[0].Name != "Bob" {
		t.Fatalf("subscriber got %+v", last)
	}

	frame, _ = json.Marshal(&protocol.Message{Type: protocol.TypePresenceUpdate})
	m.dispatch(frame)

	if len(last) != 0 {
		t.Fatalf("snapshot should replace, not merge: %+v", last)
	}
	if len(m.Presence()) != 0 {
		t.Fatalf("cached presence should be replaced too")
	}
}

func TestQueueBounded(t *testing.T) {
	opts := testOptions()
	opts.QueueSize = 2
	m := NewManager(opts)

	for _, id := range []string{"one", "two", "three"} {
		m.SendEvent(protocol.CollaborationEvent{Type: protocol.EventComment, EntityID: id})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(m.queue))
	}
	var msg protocol.Message
	if err := json.Unmarshal(m.queue[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Event.EntityID != "two" {
		t.Errorf("oldest frame should be dropped first, head is %q", msg.Event.EntityID)
	}
}

func TestQueueFlushedOnOpen(t *testing.T) {
	opts := testOptions()
	// Slow the schedule down so the queued send lands before retries are
	// exhausted.
	opts.BaseReconnectDelay = 20 * time.Millisecond
	m := NewManager(opts)

	fail := atomic.Bool{}
	fail.Store(true)
	fc := newFakeConn()
	m.dial = func(ctx context.Context, url string) (conn, error) {
		if fail.Load() {
			return nil, errors.New("refused")
		}
		return fc, nil
	}

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected initial dial error")
	}

	m.SendEvent(protocol.CollaborationEvent{Type: protocol.EventComment, EntityID: "task-7"})
	fail.Store(false)

	// First the fresh presence announcement, then the queued event.
	msg := readFrame(t, fc)
	if msg.Type != protocol.TypePresenceUpdate {
		t.Fatalf("first frame = %q, want presence_update", msg.Type)
	}
	msg = readFrame(t, fc)
	if msg.Type != protocol.TypeCollaborationEvent || msg.Event.EntityID != "task-7" {
		t.Fatalf("queued event not flushed, got %+v", msg)
	}
}

func TestRefCountedDisconnect(t *testing.T) {
	m, fc := connectFake(t, testOptions())
	readFrame(t, fc)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.Disconnect()
	if !m.Connected() {
		t.Fatal("socket torn down while a reference remained")
	}
	if fc.isClosed() {
		t.Fatal("transport closed while a reference remained")
	}

	m.Disconnect()
	if m.Connected() {
		t.Fatal("socket should be down at refcount zero")
	}
	if !fc.isClosed() {
		t.Fatal("transport should be closed at refcount zero")
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	_, fc := connectFake(t, opts)

	readFrame(t, fc) // initial presence

	deadline := time.After(time.Second)
	for {
		select {
		case data := <-fc.out:
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatal(err)
			}
			if msg.Type == protocol.TypePing {
				return
			}
		case <-deadline:
			t.Fatal("no ping within deadline")
		}
	}
}

func TestConnectedTracksLiveState(t *testing.T) {
	var fail atomic.Bool
	fc := newFakeConn()
	m := NewManager(testOptions())
	m.dial = func(ctx context.Context, url string) (conn, error) {
		if fail.Load() {
			return nil, errors.New("refused")
		}
		return fc, nil
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m.Connected() {
		t.Fatal("expected connected after open")
	}

	// Server drops the connection; reconnects fail from here on.
	fail.Store(true)
	fc.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for m.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Connected() {
		t.Fatal("Connected() still true after transport loss")
	}
}

func TestDefaultReplacedOnNewIdentity(t *testing.T) {
	a := Default(Options{URL: "ws://localhost/ws", Identity: Identity{UserID: "u1"}})
	same := Default(Options{URL: "ws://localhost/ws", Identity: Identity{UserID: "u1"}})
	if a != same {
		t.Fatal("same identity should reuse the singleton")
	}

	b := Default(Options{URL: "ws://localhost/ws", Identity: Identity{UserID: "u2"}})
	if b == a {
		t.Fatal("new identity should replace the singleton")
	}
	if a.State() != StateClosed {
		t.Fatalf("replaced manager state = %q, want closed", a.State())
	}
}
