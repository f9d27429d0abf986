package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/taskfolio/taskfolio/realtime-go/protocol"
)

// PresenceRegistry tracks self-reported presence documents. Entries are keyed
// by stable user id, with one document per live connection underneath, so a
// user with two tabs open is one presence to everyone else. Each document is
// replaced wholesale on every update; the registry never merges fields.
type PresenceRegistry struct {
	mu    sync.RWMutex
	users map[string]map[string]connPresence // userID -> clientID -> doc
}

type connPresence struct {
	doc      protocol.PresenceUser
	lastSeen time.Time
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		users: make(map[string]map[string]connPresence),
	}
}

// Update stores doc as the presence for one connection of userID. The stored
// document's ID and LastSeen are server-controlled; everything else is taken
// from doc as-is.
func (pr *PresenceRegistry) Update(userID, clientID string, doc protocol.PresenceUser, now time.Time) {
	doc.ID = userID
	doc.LastSeen = now.UnixMilli()

	pr.mu.Lock()
	defer pr.mu.Unlock()

	conns, ok := pr.users[userID]
	if !ok {
		conns = make(map[string]connPresence)
		pr.users[userID] = conns
	}
	conns[clientID] = connPresence{doc: doc, lastSeen: now}
}

// Drop removes the presence document for one connection. The user disappears
// from snapshots once their last connection's document is gone.
func (pr *PresenceRegistry) Drop(userID, clientID string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	conns, ok := pr.users[userID]
	if !ok {
		return
	}
	delete(conns, clientID)
	if len(conns) == 0 {
		delete(pr.users, userID)
	}
}

// Get returns the per-connection document, if present.
func (pr *PresenceRegistry) Get(userID, clientID string) (protocol.PresenceUser, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	cp, ok := pr.users[userID][clientID]
	return cp.doc, ok
}

// EvictStale removes every per-connection document last seen before cutoff
// and returns how many were dropped.
func (pr *PresenceRegistry) EvictStale(cutoff time.Time) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	evicted := 0
	for userID, conns := range pr.users {
		for clientID, cp := range conns {
			if cp.lastSeen.Before(cutoff) {
				delete(conns, clientID)
				evicted++
			}
		}
		if len(conns) == 0 {
			delete(pr.users, userID)
		}
	}
	return evicted
}

// Snapshot returns one PresenceUser per user, merged across that user's live
// connections: the most recently seen document is the representative, and the
// status is upgraded to the most-engaged status any connection reported
// (active beats idle beats away). Results are ordered by user id so repeated
// snapshots of the same state are identical.
func (pr *PresenceRegistry) Snapshot() []protocol.PresenceUser {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	out := make([]protocol.PresenceUser, 0, len(pr.users))
	for _, conns := range pr.users {
		var rep connPresence
		status := protocol.StatusAway
		first := true
		for _, cp := range conns {
			if first || cp.lastSeen.After(rep.lastSeen) {
				rep = cp
				first = false
			}
			if statusRank(cp.doc.Status) > statusRank(status) {
				status = cp.doc.Status
			}
		}
		doc := rep.doc
		doc.Status = status
		out = append(out, doc)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func statusRank(s protocol.Status) int {
	switch s {
	case protocol.StatusActive:
		return 2
	case protocol.StatusIdle:
		return 1
	default:
		return 0
	}
}
