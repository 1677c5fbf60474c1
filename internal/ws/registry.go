package ws

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTooManyClients is returned by Add when the registry is at capacity.
var ErrTooManyClients = errors.New("too many clients")

// Registry is the set of live subscribers. It is owned by one Broadcaster.
type Registry struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	max     int // 0 = unlimited
}

func NewRegistry(maxClients int) *Registry {
	return &Registry{
		clients: make(map[*client]struct{}),
		max:     maxClients,
	}
}

func (r *Registry) Add(c *client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.clients) >= r.max {
		return ErrTooManyClients
	}
	r.clients[c] = struct{}{}
	return nil
}

// Remove deletes c and closes its queue. Only the first call for a given
// client has any effect and returns true.
func (r *Registry) Remove(c *client) bool {
	r.mu.Lock()
	_, ok := r.clients[c]
	if ok {
		delete(r.clients, c)
	}
	r.mu.Unlock()

	if ok {
		c.close()
	}
	return ok
}

// ForEach calls fn for every member of a snapshot taken under the read
// lock. fn runs without the lock held and may call Remove.
func (r *Registry) ForEach(fn func(*client)) {
	r.mu.RLock()
	members := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		members = append(members, c)
	}
	r.mu.RUnlock()

	for _, c := range members {
		fn(c)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Full reports whether Add would currently fail.
func (r *Registry) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max > 0 && len(r.clients) >= r.max
}

func (r *Registry) contains(c *client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[c]
	return ok
}

// ClientInfo is the externally visible view of a subscriber.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	Queued      int       `json:"queued"`
}

// Snapshot lists current members, oldest first.
func (r *Registry) Snapshot() []ClientInfo {
	out := make([]ClientInfo, 0, r.Len())
	r.ForEach(func(c *client) {
		out = append(out, ClientInfo{
			ID:          c.id,
			RemoteAddr:  c.remote,
			ConnectedAt: c.connectedAt,
			Queued:      c.queued(),
		})
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
