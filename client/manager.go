// Package client is the Go SDK for the realtime collaboration service. A
// Manager owns one logical connection to the broadcast server, survives
// transient network failures with exponential-backoff reconnects, and exposes
// a publish/subscribe surface for collaboration events and presence changes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskfolio/taskfolio/realtime-go/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	// StateFailed means every reconnect attempt has been exhausted; the
	// manager will not try again until Connect is called explicitly.
	StateFailed State = "failed"
)

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultBaseReconnectDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultQueueSize            = 32

	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

var ErrClosed = errors.New("manager closed")

// Identity is the sender identity stamped onto every outbound event and
// presence document. It is supplied by the caller and not verified here.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Options configures a Manager. URL is required; zero durations and counts
// fall back to the defaults above.
type Options struct {
	// URL is the WebSocket endpoint, e.g. "wss://app.example.com/ws".
	URL string
	// Token, when set, is appended as the `token` query parameter for
	// servers running with handshake validation.
	Token    string
	Identity Identity
	// CurrentView is the initial view path reported in presence documents.
	CurrentView string

	HeartbeatInterval    time.Duration
	BaseReconnectDelay   time.Duration
	MaxReconnectAttempts int
	// QueueSize bounds the outbound queue holding frames produced while
	// disconnected; they are flushed on the next open. Oldest frames are
	// dropped on overflow.
	QueueSize int

	// OnStateChange, when set, is invoked on every lifecycle transition,
	// including StateFailed when reconnect attempts are exhausted.
	OnStateChange func(State)
}

// conn is the transport seam; *websocket.Conn satisfies it.
type conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (conn, error)

// Manager maintains one logical connection and fans inbound traffic out to
// subscribers. Connect is reference counted: each Connect must be paired with
// a Disconnect, and the socket is torn down only when the count reaches zero.
type Manager struct {
	opts Options
	dial dialFunc
	now  func() time.Time

	mu         sync.Mutex
	conn       conn
	cancelRead context.CancelFunc
	state      State
	refs       int
	attempts   int
	reconnect  *time.Timer
	closed     bool
	clientID   string

	writeMu sync.Mutex

	queue [][]byte

	presenceDoc protocol.PresenceUser
	view        string
	presence    []protocol.PresenceUser

	subMu        sync.Mutex
	eventSubs    map[string]map[int]func(protocol.CollaborationEvent)
	presenceSubs map[int]func([]protocol.PresenceUser)
	nextSubID    int
}

func NewManager(opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.BaseReconnectDelay <= 0 {
		opts.BaseReconnectDelay = DefaultBaseReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	m := &Manager{
		opts:         opts,
		now:          time.Now,
		state:        StateIdle,
		view:         opts.CurrentView,
		eventSubs:    make(map[string]map[int]func(protocol.CollaborationEvent)),
		presenceSubs: make(map[int]func([]protocol.PresenceUser)),
	}
	m.dial = m.dialWebsocket
	return m
}

func (m *Manager) dialWebsocket(ctx context.Context, url string) (conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) endpoint() string {
	if m.opts.Token == "" {
		return m.opts.URL
	}
	sep := "?"
	if strings.Contains(m.opts.URL, "?") {
		sep = "&"
	}
	return m.opts.URL + sep + "token=" + url.QueryEscape(m.opts.Token)
}

// Connect establishes the connection if it is not already up and increments
// the reference count either way. The first failed dial schedules background
// reconnects; the returned error reports only the initial attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.refs++
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.attempts = 0
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	return m.attempt(ctx)
}

// attempt performs one dial. On failure it schedules the next reconnect.
func (m *Manager) attempt(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	c, err := m.dial(dialCtx, m.endpoint())
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.refs == 0 {
		if c != nil {
			c.Close(websocket.StatusNormalClosure, "")
		}
		return ErrClosed
	}
	if err != nil {
		m.scheduleReconnectLocked()
		return err
	}
	if m.conn != nil {
		// A concurrent attempt won the race.
		c.Close(websocket.StatusNormalClosure, "")
		return nil
	}

	m.onOpenLocked(c)
	return nil
}

func (m *Manager) onOpenLocked(c conn) {
	m.conn = c
	m.attempts = 0
	m.setStateLocked(StateOpen)

	readCtx, cancel := context.WithCancel(context.Background())
	m.cancelRead = cancel

	go m.readLoop(readCtx, c)
	go m.heartbeat(readCtx, c)

	// Announce a full presence document immediately, then flush anything
	// queued while we were offline.
	doc := m.mergePresenceLocked(protocol.PresenceUser{Status: protocol.StatusActive})
	announce, err := json.Marshal(&protocol.Message{Type: protocol.TypePresenceUpdate, User: &doc})

	queued := m.queue
	m.queue = nil
	go func() {
		if err == nil {
			m.write(c, announce)
		}
		for _, frame := range queued {
			m.write(c, frame)
		}
	}()
}

func (m *Manager) readLoop(ctx context.Context, c conn) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			m.handleClosed(c)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) heartbeat(ctx context.Context, c conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	frame, _ := json.Marshal(&protocol.Message{Type: protocol.TypePing})
	for {
		select {
		case <-ticker.C:
			m.write(c, frame)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleClosed(c conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != c {
		// A newer connection has superseded this one.
		return
	}
	m.conn = nil
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	c.Close(websocket.StatusNormalClosure, "")
	m.setStateLocked(StateClosed)

	if m.closed || m.refs == 0 {
		return
	}
	m.scheduleReconnectLocked()
}

// reconnectDelay returns the backoff before the given attempt: base * 2^n.
func (m *Manager) reconnectDelay(attempt int) time.Duration {
	return m.opts.BaseReconnectDelay << uint(attempt)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.MaxReconnectAttempts {
		slog.Warn("reconnect attempts exhausted", "attempts", m.attempts)
		m.setStateLocked(StateFailed)
		return
	}

	delay := m.reconnectDelay(m.attempts)
	m.attempts++
	m.setStateLocked(StateConnecting)
	slog.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)

	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed || m.refs == 0 || m.conn != nil {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.attempt(context.Background())
	})
}

// Disconnect decrements the reference count and tears the socket down when it
// reaches zero. Extra calls are ignored.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}
	m.teardownLocked(StateIdle)
}

// Close tears the connection down unconditionally and makes the manager
// unusable. Intended for process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.refs = 0
	m.teardownLocked(StateClosed)
}

func (m *Manager) teardownLocked(final State) {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	if m.conn != nil {
		m.conn.Close(websocket.StatusNormalClosure, "")
		m.conn = nil
	}
	m.attempts = 0
	m.setStateLocked(final)
}

// Connected reports whether the socket is currently open. Unlike a flag set
// once at construction, this tracks the live state across reconnects.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ClientID returns the server-assigned connection id, if established.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.opts.OnStateChange != nil {
		go m.opts.OnStateChange(s)
	}
}

func (m *Manager) write(c conn, frame []byte) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
		slog.Debug("write error", "error", err)
	}
}

// transmit sends the message if connected, otherwise queues it for the next
// open, dropping the oldest queued frame on overflow.
func (m *Manager) transmit(msg *protocol.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal message", "error", err)
		return
	}

	m.mu.Lock()
	c := m.conn
	if c == nil {
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.queue) >= m.opts.QueueSize {
			m.queue = m.queue[1:]
		}
		m.queue = append(m.queue, frame)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.write(c, frame)
}

func (m *Manager) dispatch(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message from server", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeConnectionEstablished:
		m.mu.Lock()
		m.clientID = msg.ClientID
		m.mu.Unlock()

	case protocol.TypePresenceUpdate:
		m.mu.Lock()
		m.presence = msg.Users
		m.mu.Unlock()
		for _, fn := range m.presenceSubscribers() {
			fn(msg.Users)
		}

	case protocol.TypeCollaborationEvent:
		if msg.Event == nil {
			return
		}
		for _, fn := range m.eventSubscribers(msg.Event.EntityID) {
			fn(*msg.Event)
		}

	case protocol.TypePong:
		// Heartbeat acknowledgment; nothing to do.

	default:
		slog.Warn("unknown message type from server", "type", msg.Type)
	}
}

func (m *Manager) presenceSubscribers() []func([]protocol.PresenceUser) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	out := make([]func([]protocol.PresenceUser), 0, len(m.presenceSubs))
	for _, fn := range m.presenceSubs {
		out = append(out, fn)
	}
	return out
}

// eventSubscribers returns the callbacks for one delivery: subscribers keyed
// by the event's entity id plus wildcard subscribers. A wildcard event goes
// to every subscriber exactly once.
func (m *Manager) eventSubscribers(entityID string) []func(protocol.CollaborationEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	var out []func(protocol.CollaborationEvent)
	if entityID == protocol.EntityWildcard {
		for _, subs := range m.eventSubs {
			for _, fn := range subs {
				out = append(out, fn)
			}
		}
		return out
	}
	for _, fn := range m.eventSubs[entityID] {
		out = append(out, fn)
	}
	for _, fn := range m.eventSubs[protocol.EntityWildcard] {
		out = append(out, fn)
	}
	return out
}

// OnEvent subscribes to collaboration events for entityID; pass
// protocol.EntityWildcard to receive everything. The returned function
// removes the subscription.
func (m *Manager) OnEvent(entityID string, fn func(protocol.CollaborationEvent)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	subs, ok := m.eventSubs[entityID]
	if !ok {
		subs = make(map[int]func(protocol.CollaborationEvent))
		m.eventSubs[entityID] = subs
	}
	id := m.nextSubID
	m.nextSubID++
	subs[id] = fn

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.eventSubs, entityID)
		}
	}
}

// OnPresence subscribes to presence snapshots. Each notification carries the
// full list, not a diff.
func (m *Manager) OnPresence(fn func([]protocol.PresenceUser)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.presenceSubs[id] = fn

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.presenceSubs, id)
	}
}

// Presence returns the last presence snapshot received from the server.
func (m *Manager) Presence() []protocol.PresenceUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.PresenceUser, len(m.presence))
	copy(out, m.presence)
	return out
}

// SendEvent stamps the manager's identity and a timestamp onto ev and
// transmits it.
func (m *Manager) SendEvent(ev protocol.CollaborationEvent) {
	ev.UserID = m.opts.Identity.UserID
	ev.UserName = m.opts.Identity.Name
	ev.UserAvatar = m.opts.Identity.Avatar
	if ev.Timestamp == 0 {
		ev.Timestamp = m.now().UnixMilli()
	}
	m.transmit(&protocol.Message{Type: protocol.TypeCollaborationEvent, Event: &ev})
}

// SendPresence merges partial over the manager's authoritative last-sent
// document and transmits the complete result, so a partial update never
// clobbers fields the server already knows.
func (m *Manager) SendPresence(partial protocol.PresenceUser) {
	m.mu.Lock()
	doc := m.mergePresenceLocked(partial)
	m.mu.Unlock()

	m.transmit(&protocol.Message{Type: protocol.TypePresenceUpdate, User: &doc})
}

func (m *Manager) mergePresenceLocked(partial protocol.PresenceUser) protocol.PresenceUser {
	doc := m.presenceDoc
	doc.ID = m.opts.Identity.UserID
	doc.Name = m.opts.Identity.Name
	doc.Avatar = m.opts.Identity.Avatar
	if doc.Status == "" {
		doc.Status = protocol.StatusActive
	}
	doc.CurrentView = m.view

	if partial.Cursor != nil {
		doc.Cursor = partial.Cursor
	}
	if partial.Selection != "" {
		doc.Selection = partial.Selection
	}
	if partial.Status != "" {
		doc.Status = partial.Status
	}
	if partial.CurrentView != "" {
		doc.CurrentView = partial.CurrentView
		m.view = partial.CurrentView
	}
	doc.LastSeen = m.now().UnixMilli()

	m.presenceDoc = doc
	return doc
}

// UpdateCursor reports a pointer position.
func (m *Manager) UpdateCursor(x, y float64) {
	m.SendPresence(protocol.PresenceUser{Cursor: &protocol.Cursor{X: x, Y: y}})
}

// UpdateSelection reports the current text/field selection.
func (m *Manager) UpdateSelection(text string) {
	m.SendPresence(protocol.PresenceUser{Selection: text})
}

// UpdateStatus reports an activity status change.
func (m *Manager) UpdateStatus(status protocol.Status) {
	m.SendPresence(protocol.PresenceUser{Status: status})
}

// SetView reports navigation to a new view path.
func (m *Manager) SetView(path string) {
	m.SendPresence(protocol.PresenceUser{CurrentView: path})
}
