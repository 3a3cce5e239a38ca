package stream

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kisdeck/kis-ticker/kis/quote"
)

// Identity is a (channel, key) subscription.
type Identity struct {
	Channel string `json:"channel"`
	Key     string `json:"key"`
}

// Consumer receives events for one subscription. Every callback is optional
// and runs on the connection's read goroutine, so it must not block.
type Consumer struct {
	OnData    func(id Identity, f Frame)
	OnSuccess func(id Identity)
	OnState   func(id Identity, state quote.StreamState)
}

// Handle is the unsubscribe token returned by Subscribe.
type Handle struct {
	ID       string
	Identity Identity
}

// Valid reports whether h was issued by a registry.
func (h Handle) Valid() bool { return h.ID != "" }

type subscription struct {
	consumers map[string]Consumer
	// order keeps delivery stable across frames.
	order []string
}

// Registry maps subscription identities to their consumers with reference
// counting: an identity exists while at least one consumer holds it.
type Registry struct {
	mu   sync.RWMutex
	subs map[Identity]*subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[Identity]*subscription)}
}

// Add registers c for id. first reports whether id was newly created.
func (r *Registry) Add(id Identity, c Consumer) (h Handle, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		sub = &subscription{consumers: make(map[string]Consumer)}
		r.subs[id] = sub
	}
	h = Handle{ID: uuid.NewString(), Identity: id}
	sub.consumers[h.ID] = c
	sub.order = append(sub.order, h.ID)
	return h, !ok
}

// Remove drops the consumer behind h. last reports whether it was the final
// consumer of its identity; ok is false for unknown or repeated handles.
func (r *Registry) Remove(h Handle) (last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subs[h.Identity]
	if !exists {
		return false, false
	}
	if _, held := sub.consumers[h.ID]; !held {
		return false, false
	}
	delete(sub.consumers, h.ID)
	for i, id := range sub.order {
		if id == h.ID {
			sub.order = append(sub.order[:i], sub.order[i+1:]...)
			break
		}
	}
	if len(sub.consumers) == 0 {
		delete(r.subs, h.Identity)
		return true, true
	}
	return false, true
}

// Consumers returns the consumers of id in subscription order.
func (r *Registry) Consumers(id Identity) []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil
	}
	out := make([]Consumer, 0, len(sub.order))
	for _, hid := range sub.order {
		out = append(out, sub.consumers[hid])
	}
	return out
}

// Identities returns every registered identity, sorted for stable replay.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Keys returns the registered keys of one channel.
func (r *Registry) Keys(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id := range r.subs {
		if id.Channel == channel {
			out = append(out, id.Key)
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether id is registered.
func (r *Registry) Has(id Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[id]
	return ok
}

// RefCount returns the number of consumers of id.
func (r *Registry) RefCount(id Identity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sub, ok := r.subs[id]; ok {
		return len(sub.consumers)
	}
	return 0
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
