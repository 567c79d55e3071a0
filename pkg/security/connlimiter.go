package security

import (
	"sync"
	"time"

	"github.com/chadreview/relay/pkg/logger"
)

const (
	staleAfter   = 10 * time.Minute
	maxIPEntries = 10000
)

type connInfo struct {
	lastActive time.Time
	count      int
}

// ConnectionLimiter caps concurrent WebSocket connections per IP and overall.
type ConnectionLimiter struct {
	perIP    map[string]*connInfo
	stopCh   chan struct{}
	total    int
	maxPerIP int
	maxTotal int
	mu       sync.Mutex
}

// NewConnectionLimiter creates a limiter with periodic stale-entry cleanup.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:    make(map[string]*connInfo),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
		stopCh:   make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Add attempts to account a new connection for ip.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.perIP[ip]
	if info == nil {
		if len(cl.perIP) >= maxIPEntries {
			cl.evictOldestInactive()
			if len(cl.perIP) >= maxIPEntries {
				return false
			}
		}
		info = &connInfo{}
		cl.perIP[ip] = info
	}

	if cl.total >= cl.maxTotal || info.count >= cl.maxPerIP {
		return false
	}

	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// Remove releases a connection previously accounted with Add.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if info := cl.perIP[ip]; info != nil && info.count > 0 {
		info.count--
		info.lastActive = time.Now()
		cl.total--
		if info.count == 0 {
			delete(cl.perIP, ip)
		}
	}
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for ip, info := range cl.perIP {
		if info.count == 0 && now.Sub(info.lastActive) > staleAfter {
			delete(cl.perIP, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug("connection limiter cleaned stale entries", logger.Fields{"count": cleaned})
	}
}

// evictOldestInactive removes the longest-idle zero-count entry. Caller holds
// the lock.
func (cl *ConnectionLimiter) evictOldestInactive() {
	var oldestIP string
	var oldestAt time.Time
	for ip, info := range cl.perIP {
		if info.count == 0 && (oldestIP == "" || info.lastActive.Before(oldestAt)) {
			oldestIP = ip
			oldestAt = info.lastActive
		}
	}
	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}

// Stop terminates the cleanup goroutine.
func (cl *ConnectionLimiter) Stop() {
	close(cl.stopCh)
}
