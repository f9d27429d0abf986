package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taskfolio/taskfolio/realtime-go/protocol"
)

const (
	// DefaultEditorWindow is how long after an edit event its sender counts
	// as a current editor.
	DefaultEditorWindow = 30 * time.Second

	// DefaultCursorMinInterval caps cursor forwarding at 20Hz.
	DefaultCursorMinInterval = 50 * time.Millisecond

	// DefaultHistoryLimit bounds the retained event history.
	DefaultHistoryLimit = 50

	maxCommentLen   = 100
	maxSelectionLen = 50
)

// SessionOptions tunes a Session. Zero values use the defaults above.
type SessionOptions struct {
	EditorWindow      time.Duration
	CursorMinInterval time.Duration
	HistoryLimit      int

	// OnChange is invoked after every received event or presence update, for
	// UI layers that re-render on change.
	OnChange func()
}

// Session binds a Manager's generic streams to one entity and derives
// UI-friendly aggregates: who is viewing, who is editing, recent activity.
type Session struct {
	mgr        *Manager
	entityType protocol.EntityType
	entityID   string
	opts       SessionOptions
	now        func() time.Time

	mu           sync.Mutex
	started      bool
	presence     []protocol.PresenceUser
	recent       []protocol.CollaborationEvent
	lastEdit     map[string]editRecord // userID -> most recent edit
	lastCursorAt time.Time

	unsubEvents   func()
	unsubPresence func()
}

type editRecord struct {
	name string
	at   time.Time
}

func NewSession(mgr *Manager, entityType protocol.EntityType, entityID string, opts SessionOptions) *Session {
	if opts.EditorWindow <= 0 {
		opts.EditorWindow = DefaultEditorWindow
	}
	if opts.CursorMinInterval <= 0 {
		opts.CursorMinInterval = DefaultCursorMinInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Session{
		mgr:        mgr,
		entityType: entityType,
		entityID:   entityID,
		opts:       opts,
		now:        time.Now,
		lastEdit:   make(map[string]editRecord),
	}
}

// Start connects the underlying manager (reference counted, so other
// sessions sharing it are unaffected), subscribes to presence and to this
// entity's events, and announces the join. Idempotent.
func (s *Session) Start(ctx context.Context) error {
	// The lock is held across the manager calls so started, the connection
	// reference, and the subscription handles change together; a concurrent
	// Stop waits rather than observing a half-started session.
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}

	if err := s.mgr.Connect(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			s.mu.Unlock()
			return err
		}
		// Dial failures are not terminal: the manager keeps reconnecting in
		// the background and the session picks up traffic when it succeeds.
		slog.Debug("initial connect failed", "entity", s.entityID, "error", err)
	}

	s.started = true
	s.unsubEvents = s.mgr.OnEvent(s.entityID, s.handleEvent)
	s.unsubPresence = s.mgr.OnPresence(s.handlePresence)
	s.mu.Unlock()

	s.AnnouncePresence()
	return nil
}

// Stop announces the leave, removes the subscriptions, and releases this
// session's hold on the shared connection.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unsubEvents, unsubPresence := s.unsubEvents, s.unsubPresence
	s.unsubEvents, s.unsubPresence = nil, nil
	s.mu.Unlock()

	s.AnnounceLeave()

	if unsubEvents != nil {
		unsubEvents()
	}
	if unsubPresence != nil {
		unsubPresence()
	}

	s.mgr.Disconnect()
}

func (s *Session) handleEvent(ev protocol.CollaborationEvent) {
	s.mu.Lock()
	s.recent = append(s.recent, ev)
	if len(s.recent) > s.opts.HistoryLimit {
		s.recent = s.recent[len(s.recent)-s.opts.HistoryLimit:]
	}
	if ev.Type == protocol.EventEdit {
		s.lastEdit[ev.UserID] = editRecord{name: ev.UserName, at: s.now()}
	}
	s.mu.Unlock()

	s.notify()
}

func (s *Session) handlePresence(users []protocol.PresenceUser) {
	s.mu.Lock()
	s.presence = users
	s.mu.Unlock()

	s.notify()
}

func (s *Session) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// Viewers returns the presence users currently looking at this entity: their
// reported view contains the entity id and their status is active.
func (s *Session) Viewers() []protocol.PresenceUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []protocol.PresenceUser
	for _, u := range s.presence {
		if u.Status == protocol.StatusActive && strings.Contains(u.CurrentView, s.entityID) {
			out = append(out, u)
		}
	}
	return out
}

// Editor identifies a user counted as currently editing.
type Editor struct {
	UserID string
	Name   string
}

// Editors returns the users who sent an edit event within the editor window,
// evaluated against the clock at call time.
func (s *Session) Editors() []Editor {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An edit exactly one window old still counts.
	cutoff := s.now().Add(-s.opts.EditorWindow)
	var out []Editor
	for userID, rec := range s.lastEdit {
		if !rec.at.Before(cutoff) {
			out = append(out, Editor{UserID: userID, Name: rec.name})
		}
	}
	return out
}

// Events returns a copy of the retained event history, oldest first.
func (s *Session) Events() []protocol.CollaborationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.CollaborationEvent, len(s.recent))
	copy(out, s.recent)
	return out
}

func (s *Session) send(eventType string, data any) {
	ev := protocol.CollaborationEvent{
		Type:       eventType,
		EntityType: s.entityType,
		EntityID:   s.entityID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		ev.Data = raw
	}
	s.mgr.SendEvent(ev)
}

// SendEdit announces a field edit on this entity.
func (s *Session) SendEdit(field, oldValue, newValue string, details map[string]any) {
	s.send(protocol.EventEdit, protocol.EditData{
		Field:    field,
		OldValue: oldValue,
		NewValue: newValue,
		Details:  details,
	})
}

// SendComment announces a comment. Content longer than 100 characters is
// truncated before transmission.
func (s *Session) SendComment(content, targetID string) {
	s.send(protocol.EventComment, protocol.CommentData{
		Content:  truncate(content, maxCommentLen),
		TargetID: targetID,
	})
}

// SendStatusChange announces an entity status transition.
func (s *Session) SendStatusChange(oldStatus, newStatus string) {
	s.send(protocol.EventStatusChange, protocol.StatusChangeData{
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}

// AnnouncePresence emits a user_join event for this entity. This is separate
// from the presence-document mechanism: only presence_update messages create
// registry entries on the server.
func (s *Session) AnnouncePresence() {
	s.send(protocol.EventUserJoin, nil)
}

// AnnounceLeave emits a user_leave event for this entity.
func (s *Session) AnnounceLeave() {
	s.send(protocol.EventUserLeave, nil)
}

// TrackCursor forwards a pointer position through the presence document,
// sampled to at most one update per CursorMinInterval so raw mouse movement
// cannot flood the broadcast loop.
func (s *Session) TrackCursor(x, y float64) {
	s.mu.Lock()
	now := s.now()
	if now.Sub(s.lastCursorAt) < s.opts.CursorMinInterval {
		s.mu.Unlock()
		return
	}
	s.lastCursorAt = now
	s.mu.Unlock()

	s.mgr.UpdateCursor(x, y)
}

// TrackSelection forwards the current text selection, truncated to its first
// 50 characters.
func (s *Session) TrackSelection(text string) {
	s.mgr.UpdateSelection(truncate(text, maxSelectionLen))
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
