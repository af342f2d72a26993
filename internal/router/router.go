// Package router is a minimal reference implementation of route.Router:
// one primary, N round-robin replicas, and a TCP-dial health check on a
// ticker. It is not part of the core proxy logic — a production deployment
// plugs in a topology-aware router of its own — but cmd/sqlrelayd needs one
// to be a runnable program.
package router

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/sqlrelay/sqlrelay/internal/route"
)

// Backend is one primary plus its replica set, addressed by name (e.g. the
// config section name that produced it).
type Backend struct {
	Primary  route.ServerID
	Replicas []route.ServerID
}

// Router implements route.Router over a single Backend.
type Router struct {
	mu      sync.RWMutex
	primary route.ServerID
	addrs   map[route.ServerID]string
	order   []route.ServerID // replica round-robin order
	healthy map[route.ServerID]bool
	next    int
}

// New builds a Router for one backend. addrs maps every ServerID named by
// backend (primary and replicas) to its dial address.
func New(backend Backend, addrs map[route.ServerID]string) *Router {
	r := &Router{
		primary: backend.Primary,
		addrs:   addrs,
		order:   append([]route.ServerID{}, backend.Replicas...),
		healthy: make(map[route.ServerID]bool),
	}
	r.healthy[backend.Primary] = true
	for _, id := range backend.Replicas {
		r.healthy[id] = true
	}
	return r
}

// UpdateReplicas swaps in a new replica set for hot config reload,
// preserving the health status of replicas that survive.
func (r *Router) UpdateReplicas(primary route.ServerID, replicas []route.ServerID, addrs map[route.ServerID]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.primary = primary
	r.addrs = addrs

	newHealthy := make(map[route.ServerID]bool, len(replicas)+1)
	newHealthy[primary] = true
	for _, id := range replicas {
		if status, ok := r.healthy[id]; ok {
			newHealthy[id] = status
		} else {
			newHealthy[id] = true
		}
	}
	r.healthy = newHealthy
	r.order = append([]route.ServerID{}, replicas...)
	if len(r.order) > 0 {
		r.next = r.next % len(r.order)
	} else {
		r.next = 0
	}
}

// Resolve implements route.Router.
func (r *Router) Resolve(t route.Target, hints route.Hints) ([]route.ServerTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch t.Role() {
	case route.All:
		out := make([]route.ServerTarget, 0, len(r.order)+1)
		out = append(out, r.target(r.primary, route.RolePrimary))
		for _, id := range r.order {
			out = append(out, r.target(id, route.RoleReplica))
		}
		return out, nil
	case route.NamedServer:
		id := route.ServerID(hints.NamedServer)
		if _, ok := r.addrs[id]; !ok {
			return nil, &route.NamedServerError{Name: id}
		}
		role := route.RoleReplica
		if id == r.primary {
			role = route.RolePrimary
		}
		return []route.ServerTarget{r.target(id, role)}, nil
	case route.Replica:
		return []route.ServerTarget{r.pickReplicaLocked()}, nil
	default: // Primary, LastUsed (caller substitutes the actual last-used id)
		return []route.ServerTarget{r.target(r.primary, route.RolePrimary)}, nil
	}
}

func (r *Router) target(id route.ServerID, role route.ServerRole) route.ServerTarget {
	return route.ServerTarget{ID: id, Addr: r.addrs[id], Role: role}
}

// pickReplicaLocked returns the next healthy replica by round-robin,
// falling back to the primary if none are healthy.
func (r *Router) pickReplicaLocked() route.ServerTarget {
	if len(r.order) == 0 {
		return r.target(r.primary, route.RolePrimary)
	}
	for attempts := 0; attempts < len(r.order); attempts++ {
		id := r.order[r.next]
		r.next = (r.next + 1) % len(r.order)
		if r.healthy[id] {
			return r.target(id, route.RoleReplica)
		}
	}
	log.Printf("[Router] no healthy replicas, falling back to primary")
	return r.target(r.primary, route.RolePrimary)
}

// MarkUnhealthy implements route.Router.
func (r *Router) MarkUnhealthy(id route.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.healthy[id]; ok {
		r.healthy[id] = false
	}
}

// MarkHealthy implements route.Router.
func (r *Router) MarkHealthy(id route.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.healthy[id]; ok {
		r.healthy[id] = true
	}
}

// IsHealthy reports a server's last-known health.
func (r *Router) IsHealthy(id route.ServerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[id]
}

// StartHealthChecks runs periodic TCP-dial health checks for every known
// server until ctx is done.
func (r *Router) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.checkAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAll()
		}
	}
}

func (r *Router) checkAll() {
	r.mu.RLock()
	ids := make([]route.ServerID, 0, len(r.addrs))
	for id := range r.addrs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		go r.checkOne(id)
	}
}

func (r *Router) checkOne(id route.ServerID) {
	r.mu.RLock()
	addr := r.addrs[id]
	r.mu.RUnlock()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		r.MarkUnhealthy(id)
		return
	}
	conn.Close()
	r.MarkHealthy(id)
}
