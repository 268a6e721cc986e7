package server

import (
	"container/list"
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultMaxClients = 10000
	// Idle clients are dropped after clientIdleTimeout, checked every sweepInterval.
	clientIdleTimeout = 10 * time.Minute
	sweepInterval     = 5 * time.Minute
	// evictionLogInterval is the minimum time between eviction log messages.
	evictionLogInterval = 30 * time.Second
)

// clientBucket is one client's token bucket.
type clientBucket struct {
	ip       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps a token bucket per client IP. At most max clients are
// tracked; the least recently seen one is evicted to make room.
type clientLimiter struct {
	rps   rate.Limit
	burst int
	max   int
	log   zerolog.Logger
	now   func() time.Time

	mu       sync.Mutex
	byIP     map[string]*list.Element
	lru      *list.List // front = most recently seen
	evicted  int
	lastNote time.Time
}

func newClientLimiter(rps float64, burst, max int, log zerolog.Logger) *clientLimiter {
	if max <= 0 {
		max = defaultMaxClients
	}
	return &clientLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		max:   max,
		log:   log,
		now:   time.Now,
		byIP:  make(map[string]*list.Element),
		lru:   list.New(),
	}
}

// allow takes a token from ip's bucket.
func (l *clientLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if elem, ok := l.byIP[ip]; ok {
		l.lru.MoveToFront(elem)
		b := elem.Value.(*clientBucket)
		b.lastSeen = now
		return b.limiter.Allow()
	}

	if l.lru.Len() >= l.max {
		l.evictOldest(now)
	}
	b := &clientBucket{ip: ip, limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: now}
	l.byIP[ip] = l.lru.PushFront(b)
	return b.limiter.Allow()
}

func (l *clientLimiter) evictOldest(now time.Time) {
	back := l.lru.Back()
	if back == nil {
		return
	}
	l.lru.Remove(back)
	delete(l.byIP, back.Value.(*clientBucket).ip)

	l.evicted++
	if now.Sub(l.lastNote) >= evictionLogInterval {
		l.log.Info().Int("evicted", l.evicted).Int("capacity", l.max).Msg("Rate limiter evicted least-recent clients")
		l.lastNote = now
		l.evicted = 0
	}
}

// sweep drops clients idle for longer than clientIdleTimeout. Recency order
// is by request, not by lastSeen, so the whole list is walked.
func (l *clientLimiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for e := l.lru.Back(); e != nil; {
		prev := e.Prev()
		if b := e.Value.(*clientBucket); now.Sub(b.lastSeen) > clientIdleTimeout {
			l.lru.Remove(e)
			delete(l.byIP, b.ip)
			dropped++
		}
		e = prev
	}
	return dropped
}

func (l *clientLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

// RateLimitMiddleware limits API requests per client IP with a token bucket
// of rps and burst, tracking at most maxIPs clients.
//
// Idle clients are swept by a goroutine that runs until ctx is cancelled;
// the returned channel is closed once it has exited.
func RateLimitMiddleware(ctx context.Context, rps float64, burst int, maxIPs int, log zerolog.Logger) (func(http.Handler) http.Handler, <-chan struct{}) {
	limiter := newClientLimiter(rps, burst, maxIPs, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()

	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(getClientIP(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return middleware, done
}

// getClientIP returns the requesting client's IP. Forwarding headers are
// only honoured when the peer is a loopback or private address, i.e. a
// reverse proxy in front of the server.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return host
	}
	if !peer.IsLoopback() && !peer.IsPrivate() {
		return peer.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer.String()
}
