package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectThrottle rate-limits new-connection *attempts* per client IP,
// ahead of the exact per-(ip,room) Table above. It exists because a
// hard counter alone does not protect against a single IP hammering the
// accept path with connect/disconnect churn; the token-bucket limiter
// smooths that out the way the teacher's connection limiter does for
// its HTTP upgrade path.
type ConnectThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	r        rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectThrottle creates a throttle allowing r connection attempts
// per second per IP, with the given burst.
func NewConnectThrottle(r rate.Limit, burst int) *ConnectThrottle {
	t := &ConnectThrottle{
		visitors: make(map[string]*visitor),
		r:        r,
		burst:    burst,
	}
	go t.cleanupLoop()
	return t
}

// Allow reports whether a new connection attempt from ip should proceed.
func (t *ConnectThrottle) Allow(ip string) bool {
	t.mu.Lock()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.r, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	t.mu.Unlock()

	return v.limiter.Allow()
}

// cleanupLoop evicts visitors that haven't been seen in a while so the
// map doesn't grow without bound across the server's lifetime.
func (t *ConnectThrottle) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		for ip, v := range t.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(t.visitors, ip)
			}
		}
		t.mu.Unlock()
	}
}
