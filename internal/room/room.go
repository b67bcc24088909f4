// Package room owns the set of active rooms and their members, routes
// broadcasts between peers, and exposes the aggregate status the
// Lifecycle Controller and admin surfaces read. Generalized from the
// teacher's single-host-one-room model into a symmetric room with an
// arbitrary member set, since this relay has no host/client asymmetry.
package room

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codecollab/relay/internal/classify"
	"github.com/codecollab/relay/internal/docstate"
)

var errClosed = errors.New("room: connection is closed")

// binaryMessageType mirrors gorilla/websocket.BinaryMessage's opcode.
const binaryMessageType = 2

// Room is a broadcast group identified by a URL path component. Kind is
// a pure function of ID, fixed at creation and immutable for the room's
// lifetime.
type Room struct {
	ID     string
	Kind   classify.Kind
	Fields classify.Fields

	mu           sync.RWMutex
	clients      map[string]*Connection
	createdAt    time.Time
	lastActivity time.Time
}

// Hooks lets the Lifecycle Controller observe Room Registry events
// without the Room Registry importing the lifecycle package (which
// itself depends on the Room Registry), avoiding an import cycle.
type Hooks struct {
	// OnEmpty is invoked when a room's active client count transitions
	// to zero. kind is passed so the hook can apply per-kind policy
	// without re-classifying the id.
	OnEmpty func(roomID string, kind classify.Kind)
	// CancelGrace is invoked when a client joins a room that might have
	// a pending grace-period timer armed.
	CancelGrace func(roomID string)
}

// Registry owns every active Room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	docs  *docstate.Registry
	hooks Hooks
	log   *zap.Logger

	startedAt time.Time
}

// NewRegistry creates an empty Room Registry. docs is the Document
// Registry that CodeEditor broadcasts mirror updates into.
func NewRegistry(docs *docstate.Registry, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		rooms:     make(map[string]*Room),
		docs:      docs,
		log:       log,
		startedAt: time.Now(),
	}
}

// SetHooks wires the Lifecycle Controller's callbacks in after both are
// constructed.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

func (r *Registry) getOrCreate(roomID string) *Room {
	if rm, ok := r.rooms[roomID]; ok {
		return rm
	}
	kind, fields := classify.Classify(roomID)
	now := time.Now()
	rm := &Room{
		ID:           roomID,
		Kind:         kind,
		Fields:       fields,
		clients:      make(map[string]*Connection),
		createdAt:    now,
		lastActivity: now,
	}
	r.rooms[roomID] = rm
	return rm
}

// Kind returns the Kind of an existing room, or Unsupported and false
// if roomID has no room yet.
func (r *Registry) Kind(roomID string) (classify.Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return classify.Unsupported, false
	}
	return rm.Kind, true
}

// AddClient admits conn into roomID, creating the room on first
// insertion and cancelling any pending grace timer. Inserting the same
// connection twice is a no-op. Returns the room's active client count
// after the insertion.
func (r *Registry) AddClient(roomID string, conn *Connection) int {
	r.mu.Lock()
	rm := r.getOrCreate(roomID)
	r.mu.Unlock()

	rm.mu.Lock()
	if _, exists := rm.clients[conn.ClientID]; !exists {
		rm.clients[conn.ClientID] = conn
	}
	rm.lastActivity = time.Now()
	active := countActive(rm.clients)
	rm.mu.Unlock()

	if cancel := r.hooks.CancelGrace; cancel != nil {
		cancel(roomID)
	}
	return active
}

// RemoveClient removes conn from roomID. If the connection is not
// present, the call is a no-op beyond returning the current count. When
// the active count drops to zero, the registered OnEmpty hook fires.
func (r *Registry) RemoveClient(roomID string, conn *Connection) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	if _, exists := rm.clients[conn.ClientID]; !exists {
		active := countActive(rm.clients)
		rm.mu.Unlock()
		return active
	}
	delete(rm.clients, conn.ClientID)
	rm.lastActivity = time.Now()
	active := countActive(rm.clients)
	kind := rm.Kind
	rm.mu.Unlock()

	if active == 0 {
		if onEmpty := r.hooks.OnEmpty; onEmpty != nil {
			onEmpty(roomID, kind)
		}
	}
	return active
}

// Broadcast fans payload out to every member of roomID except sender.
// If roomID is a CodeEditor room, the Document Registry mirrors the
// update *before* fan-out begins, so the server's replica reflects any
// message it has started relaying even if a later send in the same
// pass fails. Dead peers (closed transport or failed send) are
// collected during iteration and purged only after iteration completes,
// so the member map is never mutated mid-range. Returns the number of
// peers that received the payload.
func (r *Registry) Broadcast(roomID string, payload []byte, sender *Connection) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	if rm.Kind == classify.CodeEditor && r.docs != nil {
		r.docs.ApplyUpdate(roomID, payload)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delivered := 0
	var dead []string
	for id, c := range rm.clients {
		if sender != nil && id == sender.ClientID {
			continue
		}
		if !c.isOpen() {
			dead = append(dead, id)
			continue
		}
		if err := c.send(binaryMessageType, payload); err != nil {
			r.log.Error("broadcast send failed", zap.String("room_id", roomID), zap.String("client_id", id), zap.Error(err))
			dead = append(dead, id)
			continue
		}
		delivered++
	}
	for _, id := range dead {
		delete(rm.clients, id)
	}
	rm.lastActivity = time.Now()
	return delivered
}

// ActiveClientCount counts members satisfying the active predicate —
// open transport, alive, both ids set. It differs from the raw member
// count: dormant peers do not count.
func (r *Registry) ActiveClientCount(roomID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return countActive(rm.clients)
}

func countActive(clients map[string]*Connection) int {
	n := 0
	for _, c := range clients {
		if c.IsActive() {
			n++
		}
	}
	return n
}

// pingMessageType mirrors gorilla/websocket.PingMessage's opcode.
const pingMessageType = 9

// Heartbeat implements the per-tick half of spec.md §4.5's heartbeat:
// members failing the active predicate are evicted immediately and their
// transport is closed (their room's OnEmpty hook fires if that empties
// it); the rest have their
// alive flag reset to false and receive a ping frame, to be flipped
// back by an inbound pong or message before the next tick. Returns the
// number of members evicted.
func (r *Registry) Heartbeat() int {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		var dead []string
		var terminated []*Connection
		var pingable []*Connection
		for id, c := range rm.clients {
			if !c.IsActive() {
				dead = append(dead, id)
				terminated = append(terminated, c)
				continue
			}
			pingable = append(pingable, c)
		}
		for _, id := range dead {
			delete(rm.clients, id)
		}
		active := countActive(rm.clients)
		kind := rm.Kind
		roomID := rm.ID
		rm.mu.Unlock()

		for _, c := range terminated {
			c.MarkClosed()
			if c.Transport != nil {
				c.Transport.Close()
			}
		}
		evicted += len(dead)
		if len(dead) > 0 && active == 0 {
			if onEmpty := r.hooks.OnEmpty; onEmpty != nil {
				onEmpty(roomID, kind)
			}
		}
		for _, c := range pingable {
			c.SetAlive(false)
			if err := c.send(pingMessageType, nil); err != nil {
				r.log.Debug("ping send failed", zap.String("room_id", roomID), zap.String("client_id", c.ClientID), zap.Error(err))
			}
		}
	}
	return evicted
}

// ReapDeadClients scans every room and evicts members failing the
// active predicate. Rooms whose active count transitions to zero
// trigger the OnEmpty hook. Returns the number of clients evicted.
func (r *Registry) ReapDeadClients() int {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		var dead []string
		for id, c := range rm.clients {
			if !c.IsActive() {
				dead = append(dead, id)
			}
		}
		for _, id := range dead {
			delete(rm.clients, id)
		}
		active := countActive(rm.clients)
		kind := rm.Kind
		roomID := rm.ID
		rm.mu.Unlock()

		evicted += len(dead)
		if len(dead) > 0 && active == 0 {
			if onEmpty := r.hooks.OnEmpty; onEmpty != nil {
				onEmpty(roomID, kind)
			}
		}
	}
	return evicted
}

// ReapEmptyRooms destroys rooms with zero active clients and no pending
// grace timer. hasGraceTimer reports whether lifecycle has a grace
// timer armed for a room id; rooms it returns true for are skipped so a
// CodeEditor room mid-grace is not destroyed out from under its timer.
func (r *Registry) ReapEmptyRooms(hasGraceTimer func(roomID string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	destroyed := 0
	for id, rm := range r.rooms {
		rm.mu.RLock()
		active := countActive(rm.clients)
		rm.mu.RUnlock()

		if active != 0 {
			continue
		}
		if hasGraceTimer != nil && hasGraceTimer(id) {
			continue
		}
		delete(r.rooms, id)
		if r.docs != nil {
			r.docs.Destroy(id)
		}
		destroyed++
	}
	return destroyed
}

// ForceCleanupAll closes every connection with code 1008, destroys
// every room and document. Used when the anomaly threshold in the
// Lifecycle Controller's reap pass is exceeded.
func (r *Registry) ForceCleanupAll() int {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	closed := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		for _, c := range rm.clients {
			c.Close(1008, "server capacity exceeded")
			closed++
		}
		rm.mu.Unlock()
	}
	if r.docs != nil {
		r.docs.DestroyAll()
	}
	return closed
}

// Shutdown closes every connection with code 1001 ("going away") and
// destroys every room and document.
func (r *Registry) Shutdown() int {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	closed := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		for _, c := range rm.clients {
			c.Close(1001, "server shutting down")
			closed++
		}
		rm.mu.Unlock()
	}
	if r.docs != nil {
		r.docs.DestroyAll()
	}
	return closed
}

// DestroyRoom removes a single room, used by lifecycle after a grace
// timer fires with the room still empty.
func (r *Registry) DestroyRoom(roomID string) {
	r.mu.Lock()
	delete(r.rooms, roomID)
	r.mu.Unlock()
	if r.docs != nil {
		r.docs.Destroy(roomID)
	}
}

// Exists reports whether roomID currently has a room.
func (r *Registry) Exists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Status is the aggregate snapshot exposed to admin/metrics callers.
type Status struct {
	TotalRooms        int
	TotalClients      int
	CodeEditorRooms   int
	FileTreeRooms     int
	GracePeriodRooms  int
	DocumentsInMemory int
	Uptime            time.Duration
}

// Status reports aggregate counts across every room. gracePeriodRooms
// is supplied by the caller (the Lifecycle Controller owns the grace
// timer set) since the Room Registry does not track timers itself.
func (r *Registry) Status(gracePeriodRooms int) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		TotalRooms:       len(r.rooms),
		GracePeriodRooms: gracePeriodRooms,
		Uptime:           time.Since(r.startedAt),
	}
	for _, rm := range r.rooms {
		rm.mu.RLock()
		st.TotalClients += countActive(rm.clients)
		switch rm.Kind {
		case classify.CodeEditor:
			st.CodeEditorRooms++
		case classify.FileTree:
			st.FileTreeRooms++
		}
		rm.mu.RUnlock()
	}
	if r.docs != nil {
		st.DocumentsInMemory = r.docs.Count()
	}
	return st
}
