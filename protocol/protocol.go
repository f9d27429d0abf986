// Package protocol defines the JSON wire types shared by the broadcast
// server and the client SDK. All traffic is JSON text frames over a single
// WebSocket; every frame carries a top-level "type" field that selects the
// rest of the envelope.
package protocol

import "encoding/json"

// Message types.
const (
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypePresenceUpdate        = "presence_update"
	TypeCollaborationEvent    = "collaboration_event"
	TypeConnectionEstablished = "connection_established"
)

// Message is the shared envelope. Which fields are populated depends on Type:
//
//	ping / pong                        — no body
//	presence_update (client→server)    — User
//	presence_update (server→client)    — Users (full registry snapshot)
//	collaboration_event (both ways)    — Event
//	connection_established             — ClientID
type Message struct {
	Type     string              `json:"type"`
	ClientID string              `json:"clientId,omitempty"`
	User     *PresenceUser       `json:"user,omitempty"`
	Users    []PresenceUser      `json:"users,omitempty"`
	Event    *CollaborationEvent `json:"event,omitempty"`
}

// Presence status values.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
)

// Cursor is a viewport-relative pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceUser is one client's self-reported presence document. The server
// stores whatever document arrives, wholesale; it only injects ID and
// LastSeen. Clients are responsible for sending complete documents.
type PresenceUser struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Avatar      string  `json:"avatar,omitempty"`
	Cursor      *Cursor `json:"cursor,omitempty"`
	Selection   string  `json:"selection,omitempty"`
	Status      Status  `json:"status,omitempty"`
	CurrentView string  `json:"currentView,omitempty"`
	LastSeen    int64   `json:"lastSeen,omitempty"` // ms since epoch, server-stamped
}

// Collaboration event types.
const (
	EventUserJoin        = "user_join"
	EventUserLeave       = "user_leave"
	EventCursorMove      = "cursor_move"
	EventSelectionChange = "selection_change"
	EventEdit            = "edit"
	EventComment         = "comment"
	EventStatusChange    = "status_change"
)

// Entity types collaboration events are scoped to.
type EntityType string

const (
	EntityProject   EntityType = "project"
	EntityTask      EntityType = "task"
	EntityPortfolio EntityType = "portfolio"
	EntityDocument  EntityType = "document"
)

// EntityWildcard matches every entity; subscribers registered under it
// receive all events.
const EntityWildcard = "*"

// CollaborationEvent is an ephemeral fire-and-forget broadcast. The server
// never inspects Data; its shape is a contract between senders and the typed
// payloads below.
type CollaborationEvent struct {
	Type       string          `json:"type"`
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName,omitempty"`
	UserAvatar string          `json:"userAvatar,omitempty"`
	Timestamp  int64           `json:"timestamp"` // ms since epoch, sender-stamped
	Data       json.RawMessage `json:"data,omitempty"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
}

// EditData is the payload for edit events.
type EditData struct {
	Field    string         `json:"field"`
	OldValue string         `json:"oldValue,omitempty"`
	NewValue string         `json:"newValue,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// CommentData is the payload for comment events.
type CommentData struct {
	Content  string `json:"content"`
	TargetID string `json:"targetId,omitempty"`
}

// StatusChangeData is the payload for status_change events.
type StatusChangeData struct {
	OldStatus string `json:"oldStatus,omitempty"`
	NewStatus string `json:"newStatus"`
}
