// Package pool is a table of reusable idle backend connections. A Pool is
// guarded by a mutex and is not tied to any one goroutine: cmd/sqlrelayd
// shares one Pool per configured backend across all client connections.
// It only tracks what's idle and hands it back to whoever asks.
package pool

import (
	"log"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/sqlrelay/sqlrelay/internal/backend"
)

// entry is one idle, reusable backend connection sitting in the pool.
type entry struct {
	server backend.ServerID
	engine *backend.Engine
}

// Pool holds idle backend.Engine connections, evicting (closing) any that
// sit unused past idleTTL. Eviction is driven by an otter TTL cache,
// repurposed here from its usual query-result-caching role to connection-
// pool eviction.
type Pool struct {
	mu       sync.Mutex
	idle     otter.CacheWithVariableTTL[uint64, *entry]
	byServer map[backend.ServerID]map[uint64]struct{}
	removing map[uint64]bool // keys being deleted deliberately (Take/Close), not by TTL
	nextKey  uint64

	idleTTL      time.Duration
	pingInterval time.Duration
	stopPing     chan struct{}
	pingOnce     sync.Once
}

// New builds a Pool. idleTTL is how long a backend may sit unused before
// it's closed and dropped; pingInterval is how often an idle backend is
// sent a keepalive COM_PING (0 disables keepalive pinging).
func New(idleTTL, pingInterval time.Duration) (*Pool, error) {
	p := &Pool{
		byServer:     make(map[backend.ServerID]map[uint64]struct{}),
		removing:     make(map[uint64]bool),
		idleTTL:      idleTTL,
		pingInterval: pingInterval,
		stopPing:     make(chan struct{}),
	}

	// The listener fires both for our own explicit Delete calls (Take,
	// Close) and for otter's own TTL expiry. Only the latter should close
	// the connection, so a deliberate removal marks itself in p.removing
	// first and the listener checks that instead of trusting cause — we
	// don't want a Finish() on an engine that's just been handed to a
	// caller for reuse.
	store, err := otter.MustBuilder[uint64, *entry](4096).
		WithVariableTTL().
		DeletionListener(func(key uint64, val *entry, cause otter.DeletionCause) {
			p.forget(key, val.server)
			if p.claimRemoval(key) {
				return
			}
			log.Printf("[Pool] closing %s after %s idle", val.server, p.idleTTL)
			val.engine.Finish()
		}).
		Build()
	if err != nil {
		return nil, err
	}
	p.idle = store

	if pingInterval > 0 {
		go p.pingLoop()
	}
	return p, nil
}

// Put returns an idle, reusable backend engine to the pool. Call this only
// when engine.CanReuse() holds; Put does not verify it.
func (p *Pool) Put(server backend.ServerID, e *backend.Engine) {
	p.mu.Lock()
	key := p.nextKey
	p.nextKey++
	if p.byServer[server] == nil {
		p.byServer[server] = make(map[uint64]struct{})
	}
	p.byServer[server][key] = struct{}{}
	p.mu.Unlock()

	p.idle.Set(key, &entry{server: server, engine: e}, p.idleTTL)
}

// Take removes one idle engine for server, if any, and rebinds it to creds
// via Engine.Reuse. Returns ok=false if nothing is idle for that server or
// the rebind failed (in which case the engine has already been closed).
func (p *Pool) Take(server backend.ServerID, creds backend.Credentials) (*backend.Engine, bool) {
	p.mu.Lock()
	var key uint64
	var found bool
	for k := range p.byServer[server] {
		key = k
		found = true
		break
	}
	if found {
		delete(p.byServer[server], key)
	}
	p.mu.Unlock()

	if !found {
		return nil, false
	}

	p.markRemoving(key)
	val, ok := p.idle.Get(key)
	p.idle.Delete(key)
	if !ok {
		return nil, false
	}
	if err := val.engine.Reuse(creds); err != nil {
		val.engine.Finish()
		return nil, false
	}
	return val.engine, true
}

// Len reports how many idle connections are currently pooled for server.
func (p *Pool) Len(server backend.ServerID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byServer[server])
}

// Close evicts and closes every idle connection in the pool.
func (p *Pool) Close() {
	p.pingOnce.Do(func() { close(p.stopPing) })

	p.mu.Lock()
	keys := make([]uint64, 0, len(p.byServer))
	for _, set := range p.byServer {
		for k := range set {
			keys = append(keys, k)
		}
	}
	p.byServer = make(map[backend.ServerID]map[uint64]struct{})
	p.mu.Unlock()

	for _, k := range keys {
		p.markRemoving(k)
		if val, ok := p.idle.Get(k); ok {
			p.idle.Delete(k)
			val.engine.Finish()
		}
	}
}

func (p *Pool) forget(key uint64, server backend.ServerID) {
	p.mu.Lock()
	delete(p.byServer[server], key)
	p.mu.Unlock()
}

// markRemoving records that key is being deleted deliberately, so the
// otter deletion listener knows not to close its engine.
func (p *Pool) markRemoving(key uint64) {
	p.mu.Lock()
	p.removing[key] = true
	p.mu.Unlock()
}

// claimRemoval reports whether key was marked by markRemoving, consuming
// the mark. Used by the deletion listener to distinguish a deliberate
// removal from a TTL expiry.
func (p *Pool) claimRemoval(key uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removing[key] {
		delete(p.removing, key)
		return true
	}
	return false
}

// pingLoop sends a keepalive COM_PING to every currently idle connection on
// a fixed interval, driven by the pool rather than the engine itself so an
// engine that's merely sitting idle in someone's hand (not pooled) is never
// pinged against its will.
func (p *Pool) pingLoop() {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopPing:
			return
		case <-ticker.C:
			p.pingAllIdle()
		}
	}
}

func (p *Pool) pingAllIdle() {
	p.mu.Lock()
	keys := make([]uint64, 0)
	for _, set := range p.byServer {
		for k := range set {
			keys = append(keys, k)
		}
	}
	p.mu.Unlock()

	for _, k := range keys {
		val, ok := p.idle.Get(k)
		if !ok {
			continue
		}
		go func(e *backend.Engine, server backend.ServerID) {
			if err := e.Ping(); err != nil {
				log.Printf("[Pool] keepalive ping to %s failed: %v", server, err)
			}
		}(val.engine, val.server)
	}
}
