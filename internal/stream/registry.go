package stream

import (
	"sync"

	"github.com/google/uuid"
)

// MaxStreamsPerTenant caps concurrent SSE connections per tenant.
const MaxStreamsPerTenant = 3

// Descriptor identifies one live stream for the admin snapshot.
type Descriptor struct {
	ConnectionID uuid.UUID
	TopicName    string
}

// Registry tracks live streams per tenant under a single mutex. Admission
// and the capacity check are one atomic step, so two racing connections can
// never both claim the last slot.
type Registry struct {
	mu    sync.Mutex
	conns map[uuid.UUID][]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID][]Descriptor)}
}

// Admit reserves a slot for one stream and returns its connection ID. The
// second return is false when the tenant is already at capacity.
func (r *Registry) Admit(userID uuid.UUID, topicName string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns[userID]) >= MaxStreamsPerTenant {
		return uuid.Nil, false
	}
	connID := uuid.New()
	r.conns[userID] = append(r.conns[userID], Descriptor{ConnectionID: connID, TopicName: topicName})
	return connID, true
}

// Remove releases a stream's slot. Removing an unknown connection is a
// no-op, so teardown paths can call it unconditionally. A tenant's entry is
// pruned when its last stream goes away.
func (r *Registry) Remove(userID, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	descriptors := r.conns[userID]
	for i, d := range descriptors {
		if d.ConnectionID == connID {
			descriptors = append(descriptors[:i], descriptors[i+1:]...)
			break
		}
	}
	if len(descriptors) == 0 {
		delete(r.conns, userID)
		return
	}
	r.conns[userID] = descriptors
}

// Count reports a tenant's live stream count.
func (r *Registry) Count(userID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID])
}

// Total reports live streams across all tenants.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, descriptors := range r.conns {
		total += len(descriptors)
	}
	return total
}

// Snapshot deep-copies the registry state so callers can render it without
// holding the lock.
func (r *Registry) Snapshot() map[uuid.UUID][]Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[uuid.UUID][]Descriptor, len(r.conns))
	for userID, descriptors := range r.conns {
		copied := make([]Descriptor, len(descriptors))
		copy(copied, descriptors)
		snapshot[userID] = copied
	}
	return snapshot
}
