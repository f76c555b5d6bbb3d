// Package presence tracks room membership and online status. Every
// mutation recomputes and broadcasts the affected room's full snapshot
// rather than a diff; rooms are expected to hold tens to low hundreds
// of members, so recomputation is cheap and reasoning stays simple.
package presence

import (
	"sort"
	"sync"
	"time"

	"idrelay/internal/platform/metrics"
)

// RoomSnapshot is the full state of one room at a point in time.
// LastSeen retains history for departed members, so Members is always
// a subset of its keys.
type RoomSnapshot struct {
	RoomID      string               `json:"room_id"`
	RoomType    string               `json:"room_type"`
	Members     []string             `json:"members"`
	LastSeen    map[string]time.Time `json:"last_seen"`
	OnlineCount int                  `json:"online_count"`
}

type room struct {
	roomType string
	members  map[string]struct{}
	online   map[string]bool
	lastSeen map[string]time.Time
}

func newRoom(roomType string) *room {
	return &room{
		roomType: roomType,
		members:  make(map[string]struct{}),
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

type connection struct {
	subjectKey string
	rooms      map[string]struct{}
}

// Tracker owns all presence state. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	rooms    map[string]*room
	conns    map[string]*connection
	online   map[string]int // subject -> live connection count
	watchers map[string]map[chan RoomSnapshot]struct{}
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewTracker creates an empty presence tracker.
func NewTracker(m *metrics.Metrics) *Tracker {
	return &Tracker{
		rooms:    make(map[string]*room),
		conns:    make(map[string]*connection),
		online:   make(map[string]int),
		watchers: make(map[string]map[chan RoomSnapshot]struct{}),
		metrics:  m,
		now:      time.Now,
	}
}

// Join adds the subject to the room on the given connection, marks it
// online, and broadcasts the updated room snapshot.
func (t *Tracker) Join(roomID, roomType, subjectKey, connID string) RoomSnapshot {
	t.mu.Lock()
	r, ok := t.rooms[roomID]
	if !ok {
		r = newRoom(roomType)
		t.rooms[roomID] = r
	}
	if _, member := r.members[subjectKey]; !member {
		r.members[subjectKey] = struct{}{}
	}
	r.online[subjectKey] = true
	r.lastSeen[subjectKey] = t.now()

	if connID != "" {
		c, ok := t.conns[connID]
		if !ok {
			c = &connection{subjectKey: subjectKey, rooms: make(map[string]struct{})}
			t.conns[connID] = c
			t.online[subjectKey]++
		}
		c.rooms[roomID] = struct{}{}
	}
	snap := t.snapshotLocked(roomID, r)
	t.mu.Unlock()

	t.broadcast(roomID, snap)
	return snap
}

// Leave removes the subject from the room's member set. Its last-seen
// entry is retained as history.
func (t *Tracker) Leave(roomID, subjectKey string) RoomSnapshot {
	t.mu.Lock()
	r, ok := t.rooms[roomID]
	if !ok {
		t.mu.Unlock()
		return RoomSnapshot{RoomID: roomID, Members: []string{}, LastSeen: map[string]time.Time{}}
	}
	delete(r.members, subjectKey)
	delete(r.online, subjectKey)
	r.lastSeen[subjectKey] = t.now()
	snap := t.snapshotLocked(roomID, r)
	t.mu.Unlock()

	t.broadcast(roomID, snap)
	return snap
}

// SetStatus flips the subject's online flag within the room and stamps
// last-seen activity.
func (t *Tracker) SetStatus(roomID, subjectKey string, online bool) RoomSnapshot {
	t.mu.Lock()
	r, ok := t.rooms[roomID]
	if !ok {
		t.mu.Unlock()
		return RoomSnapshot{RoomID: roomID, Members: []string{}, LastSeen: map[string]time.Time{}}
	}
	if _, member := r.members[subjectKey]; member {
		r.online[subjectKey] = online
		r.lastSeen[subjectKey] = t.now()
	}
	snap := t.snapshotLocked(roomID, r)
	t.mu.Unlock()

	t.broadcast(roomID, snap)
	return snap
}

// OnDisconnect removes the disconnected subject from every room it
// joined on that connection and marks it offline globally when its
// last connection is gone.
func (t *Tracker) OnDisconnect(connID string) {
	t.mu.Lock()
	c, ok := t.conns[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.conns, connID)
	if n := t.online[c.subjectKey] - 1; n > 0 {
		t.online[c.subjectKey] = n
	} else {
		delete(t.online, c.subjectKey)
	}

	type update struct {
		roomID string
		snap   RoomSnapshot
	}
	updates := make([]update, 0, len(c.rooms))
	for roomID := range c.rooms {
		r, ok := t.rooms[roomID]
		if !ok {
			continue
		}
		delete(r.members, c.subjectKey)
		delete(r.online, c.subjectKey)
		r.lastSeen[c.subjectKey] = t.now()
		updates = append(updates, update{roomID, t.snapshotLocked(roomID, r)})
	}
	t.mu.Unlock()

	for _, u := range updates {
		t.broadcast(u.roomID, u.snap)
	}
}

// IsOnline reports whether the subject has any live connection.
func (t *Tracker) IsOnline(subjectKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[subjectKey] > 0
}

// Snapshot returns the current state of a room.
func (t *Tracker) Snapshot(roomID string) RoomSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rooms[roomID]
	if !ok {
		return RoomSnapshot{RoomID: roomID, Members: []string{}, LastSeen: map[string]time.Time{}}
	}
	return t.snapshotLocked(roomID, r)
}

// Watch subscribes to snapshot broadcasts for a room. The cancel
// function must be called when the watcher goes away. Watchers with a
// full buffer miss frames; they never block the tracker.
func (t *Tracker) Watch(roomID string) (<-chan RoomSnapshot, func()) {
	ch := make(chan RoomSnapshot, 8)
	t.mu.Lock()
	set, ok := t.watchers[roomID]
	if !ok {
		set = make(map[chan RoomSnapshot]struct{})
		t.watchers[roomID] = set
	}
	set[ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if set, ok := t.watchers[roomID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(t.watchers, roomID)
			}
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

func (t *Tracker) snapshotLocked(roomID string, r *room) RoomSnapshot {
	members := make([]string, 0, len(r.members))
	onlineCount := 0
	for m := range r.members {
		members = append(members, m)
		if r.online[m] {
			onlineCount++
		}
	}
	sort.Strings(members)

	lastSeen := make(map[string]time.Time, len(r.lastSeen))
	for k, v := range r.lastSeen {
		lastSeen[k] = v
	}
	return RoomSnapshot{
		RoomID:      roomID,
		RoomType:    r.roomType,
		Members:     members,
		LastSeen:    lastSeen,
		OnlineCount: onlineCount,
	}
}

func (t *Tracker) broadcast(roomID string, snap RoomSnapshot) {
	t.mu.Lock()
	set := t.watchers[roomID]
	targets := make([]chan RoomSnapshot, 0, len(set))
	for ch := range set {
		targets = append(targets, ch)
	}
	t.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- snap:
		default:
		}
	}
	if len(targets) > 0 {
		t.metrics.PresenceBroadcasts.Inc()
	}
}
