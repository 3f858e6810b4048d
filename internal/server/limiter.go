package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"biblio.org/internal/inventory"
	"biblio.org/internal/obs"
)

// loginLimiter applies a token bucket per client IP to login attempts. Idle
// buckets are evicted so the map does not track every address ever seen.
type loginLimiter struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	buckets map[string]*loginBucket
	done    chan struct{}
	once    sync.Once
}

type loginBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLoginLimiter(perMinute, burst int) *loginLimiter {
	l := &loginLimiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   make(map[string]*loginBucket),
		done:      make(chan struct{}),
	}
	go l.evict()
	return l
}

func (l *loginLimiter) allow(ip string) bool {
	if ip == "" {
		ip = "unknown"
	}
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &loginBucket{lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)}
		l.buckets[ip] = b
	}
	b.seen = time.Now()
	l.mu.Unlock()
	return b.lim.Allow()
}

func (l *loginLimiter) evict() {
	const ttl = 5 * time.Minute
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ttl)
			l.mu.Lock()
			for ip, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *loginLimiter) stop() {
	l.once.Do(func() { close(l.done) })
}

// healthGate refuses mutating work after the store reported unreachable,
// until a background probe confirms it is back. Reads still go through: they
// fail fast on their own if the store is really down.
type healthGate struct {
	store inventory.Store

	mu      sync.Mutex
	down    bool
	probing bool
}

func newHealthGate(store inventory.Store) *healthGate {
	return &healthGate{store: store}
}

func (g *healthGate) ok() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.down
}

func (g *healthGate) markDown() {
	g.mu.Lock()
	if g.down {
		g.mu.Unlock()
		return
	}
	g.down = true
	startProbe := !g.probing
	if startProbe {
		g.probing = true
	}
	g.mu.Unlock()

	obs.SetStoreUp(false)
	obs.Error("store marked unavailable, refusing mutations", nil)
	if startProbe {
		go g.probe()
	}
}

func (g *healthGate) probe() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := g.store.Ping(ctx)
		cancel()
		if err != nil {
			continue
		}
		g.mu.Lock()
		g.down = false
		g.probing = false
		g.mu.Unlock()
		obs.SetStoreUp(true)
		obs.Info("store reachable again", nil)
		return
	}
}
