// Package lifecycle drives grace-period timers, heartbeat, and the
// periodic reap pass that disposes of dead connections and empty rooms.
// It sits above the Room Registry, Quota Table, and Document Registry,
// wiring their public operations together on a schedule, per spec.md
// §4.5.
package lifecycle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codecollab/relay/internal/classify"
	"github.com/codecollab/relay/internal/metrics"
	"github.com/codecollab/relay/internal/quota"
	"github.com/codecollab/relay/internal/room"
)

const (
	// DefaultGracePeriod is how long a CodeEditor room survives after
	// its last client departs before its timer fires and re-checks.
	DefaultGracePeriod = 120 * time.Second
	// DefaultPingInterval is the heartbeat tick period.
	DefaultPingInterval = 30 * time.Second
	// DefaultReapInterval is the reap-pass tick period.
	DefaultReapInterval = 20 * time.Second
	// DefaultAnomalyThreshold is the aggregate active-client count above
	// which the Lifecycle Controller treats the server as compromised
	// and force-drains everything.
	DefaultAnomalyThreshold = 100
)

// Transport is an alias for room.Transport. The heartbeat does not ping
// through it directly; it delegates the ping sweep to
// room.Registry.Heartbeat.
type Transport = room.Transport

// Controller owns the Grace Timer Set and drives the heartbeat and
// reap tickers. It is wired to a room.Registry via room.Hooks so the
// two packages do not import each other.
type Controller struct {
	rooms *room.Registry
	quota *quota.Table
	log   *zap.Logger

	gracePeriod      time.Duration
	pingInterval     time.Duration
	reapInterval     time.Duration
	anomalyThreshold int

	mu     sync.Mutex
	timers map[string]*time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config holds the tunables the Connection Handler's owning process
// reads from configuration and passes in at construction.
type Config struct {
	GracePeriod      time.Duration
	PingInterval     time.Duration
	ReapInterval     time.Duration
	AnomalyThreshold int
}

// NewController builds a Controller and wires its hooks into rooms.
// Callers must not call rooms.SetHooks themselves afterward.
func NewController(rooms *room.Registry, quotaTable *quota.Table, cfg Config, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		rooms:            rooms,
		quota:            quotaTable,
		log:              log,
		gracePeriod:      orDefault(cfg.GracePeriod, DefaultGracePeriod),
		pingInterval:     orDefault(cfg.PingInterval, DefaultPingInterval),
		reapInterval:     orDefault(cfg.ReapInterval, DefaultReapInterval),
		anomalyThreshold: cfg.AnomalyThreshold,
		timers:           make(map[string]*time.Timer),
		stop:             make(chan struct{}),
	}
	if c.anomalyThreshold <= 0 {
		c.anomalyThreshold = DefaultAnomalyThreshold
	}
	rooms.SetHooks(room.Hooks{
		OnEmpty:     c.onRoomEmpty,
		CancelGrace: c.cancelGrace,
	})
	return c
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// onRoomEmpty implements spec.md §4.5's dispatch table: immediate
// destruction for every kind except CodeEditor, which gets a grace
// timer.
func (c *Controller) onRoomEmpty(roomID string, kind classify.Kind) {
	if kind != classify.CodeEditor {
		c.rooms.DestroyRoom(roomID)
		c.log.Debug("room destroyed immediately on emptying", zap.String("room_id", roomID), zap.String("kind", kind.String()))
		return
	}
	c.armGrace(roomID)
}

func (c *Controller) armGrace(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.timers[roomID]; exists {
		return
	}
	c.timers[roomID] = time.AfterFunc(c.gracePeriod, func() { c.fireGrace(roomID) })
}

func (c *Controller) fireGrace(roomID string) {
	c.mu.Lock()
	delete(c.timers, roomID)
	c.mu.Unlock()

	if c.rooms.ActiveClientCount(roomID) != 0 {
		c.log.Debug("grace timer fired but room repopulated, dropping", zap.String("room_id", roomID))
		return
	}
	c.rooms.DestroyRoom(roomID)
	c.log.Debug("grace timer fired, room destroyed", zap.String("room_id", roomID))
}

// cancelGrace is invoked by the Room Registry whenever a client joins
// a room, in case that room had a pending grace timer.
func (c *Controller) cancelGrace(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, exists := c.timers[roomID]; exists {
		t.Stop()
		delete(c.timers, roomID)
	}
}

// HasGraceTimer reports whether roomID currently has a pending grace
// timer. Passed to room.Registry.ReapEmptyRooms so a room mid-grace is
// never destroyed out from under its own timer.
func (c *Controller) HasGraceTimer(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.timers[roomID]
	return exists
}

// GracePeriodRoomCount reports how many rooms currently have a pending
// grace timer, for status reporting.
func (c *Controller) GracePeriodRoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Heartbeat implements spec.md §4.5's heartbeat semantics: connections
// failing the active predicate are terminated; the rest are marked
// not-yet-acknowledged and sent a ping, to be flipped back to alive by
// an inbound pong or message before the next tick.
func (c *Controller) Heartbeat() {
	evicted := c.rooms.Heartbeat()
	if evicted > 0 {
		c.log.Debug("heartbeat evicted unresponsive peers", zap.Int("count", evicted))
	}
}

// Reap runs the periodic cleanup pass: dead-client eviction, then
// empty-room destruction, then the emergency anomaly check.
func (c *Controller) Reap() {
	evictedClients := c.rooms.ReapDeadClients()
	destroyedRooms := c.rooms.ReapEmptyRooms(c.HasGraceTimer)
	if evictedClients > 0 || destroyedRooms > 0 {
		c.log.Debug("reap pass completed", zap.Int("clients_evicted", evictedClients), zap.Int("rooms_destroyed", destroyedRooms))
	}

	status := c.rooms.Status(c.GracePeriodRoomCount())
	if status.TotalClients > c.anomalyThreshold {
		c.log.Warn("active client count exceeded anomaly threshold, force draining",
			zap.Int("active_clients", status.TotalClients), zap.Int("threshold", c.anomalyThreshold))
		c.rooms.ForceCleanupAll()
		if c.quota != nil {
			c.quota.Reset()
		}
		c.clearAllTimers()
		metrics.Global.IncAnomalyDrain()
	}
}

func (c *Controller) clearAllTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// Start launches the heartbeat and reap tickers as background
// goroutines. Call Shutdown to stop them.
func (c *Controller) Start() {
	c.wg.Add(2)
	go c.runTicker(c.pingInterval, c.Heartbeat)
	go c.runTicker(c.reapInterval, c.Reap)
}

func (c *Controller) runTicker(interval time.Duration, fn func()) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-c.stop:
			return
		}
	}
}

// Shutdown stops the tickers, clears the Grace Timer Set, and closes
// every connection with code 1001 via the Room Registry.
func (c *Controller) Shutdown() int {
	close(c.stop)
	c.wg.Wait()
	c.clearAllTimers()
	return c.rooms.Shutdown()
}
