package notify

import (
	"sync"

	"job-engine/internal/models"
)

// subscriberBuffer bounds the per-observer event backlog. A subscriber that
// stops draining drops events rather than blocking the broadcast.
const subscriberBuffer = 16

// Registry fans status events out to the observers of each job. It is safe
// for concurrent subscribe, unsubscribe, and broadcast; observer lifetimes
// are owned by the transport layer via the returned cancel func.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[chan models.StatusEvent]struct{}
}

// NewRegistry builds an empty fan-out registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[chan models.StatusEvent]struct{})}
}

// Subscribe registers an observer for one job id. The returned channel
// receives every broadcast for that job until cancel is called.
func (r *Registry) Subscribe(jobID string) (<-chan models.StatusEvent, func()) {
	ch := make(chan models.StatusEvent, subscriberBuffer)

	r.mu.Lock()
	set, ok := r.subs[jobID]
	if !ok {
		set = make(map[chan models.StatusEvent]struct{})
		r.subs[jobID] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			if set, ok := r.subs[jobID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(r.subs, jobID)
				}
			}
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast delivers an event to every observer of its job. Sends are
// non-blocking so one stalled observer cannot hold up the rest.
func (r *Registry) Broadcast(evt models.StatusEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs[evt.JobID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Observers reports how many observers are registered for a job.
func (r *Registry) Observers(jobID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[jobID])
}
