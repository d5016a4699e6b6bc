package eventfeed

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Subscriber is a live connection as seen by fan-out. Offer must not block.
type Subscriber interface {
	Offer(event Event)
}

// Handle identifies one registration.
type Handle struct {
	recipientID string
	id          uuid.UUID
}

// RecipientID returns the recipient the registration is bound to.
func (h Handle) RecipientID() string {
	return h.recipientID
}

// ID returns the connection ID assigned at registration.
func (h Handle) ID() string {
	return h.id.String()
}

// Registry maps recipients to their live subscribers. Recipients are spread over shards,
// each with its own lock, so a busy recipient never blocks lookups for unrelated ones.
type Registry struct {
	shards []registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]map[uuid.UUID]Subscriber
}

// NewRegistry creates a registry with the given number of shards (64 when non-positive).
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = defaultRegistryShards
	}
	r := &Registry{shards: make([]registryShard, shards)}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]map[uuid.UUID]Subscriber)
	}

	return r
}

// Register binds sub to recipientID. Several subscribers per recipient are expected.
func (r *Registry) Register(recipientID string, sub Subscriber) Handle {
	if sub == nil {
		panic("eventfeed: nil Subscriber")
	}

	h := Handle{recipientID: recipientID, id: uuid.New()}
	shard := r.shard(recipientID)
	shard.mu.Lock()
	set, ok := shard.conns[recipientID]
	if !ok {
		set = make(map[uuid.UUID]Subscriber)
		shard.conns[recipientID] = set
	}
	set[h.id] = sub
	shard.mu.Unlock()

	return h
}

// Unregister removes the registration. It reports false when the handle was already removed.
func (r *Registry) Unregister(h Handle) bool {
	shard := r.shard(h.recipientID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	set, ok := shard.conns[h.recipientID]
	if !ok {
		return false
	}
	if _, ok := set[h.id]; !ok {
		return false
	}
	delete(set, h.id)
	if len(set) == 0 {
		delete(shard.conns, h.recipientID)
	}

	return true
}

// ConnectionsFor returns a snapshot of the recipient's subscribers.
func (r *Registry) ConnectionsFor(recipientID string) []Subscriber {
	shard := r.shard(recipientID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	set := shard.conns[recipientID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}

	return out
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		for _, set := range shard.conns {
			total += len(set)
		}
		shard.mu.RUnlock()
	}

	return total
}

func (r *Registry) shard(recipientID string) *registryShard {
	return &r.shards[xxhash.Sum64String(recipientID)%uint64(len(r.shards))]
}
