package hub

import (
	"slices"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
)

type registration struct {
	id       uint64
	listener Listener
}

// registry maps topics to their listeners in registration order. It is not
// safe for concurrent use; the hub guards it.
type registry struct {
	topics   map[string][]registration
	patterns []string // pattern topics in creation order
	nextID   uint64
}

func newRegistry() *registry {
	return &registry{
		topics: make(map[string][]registration),
	}
}

func isPattern(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

// add registers a listener and reports whether it created the topic entry.
func (r *registry) add(topic string, listener Listener) (uint64, bool) {
	r.nextID++
	id := r.nextID

	_, exists := r.topics[topic]
	r.topics[topic] = append(r.topics[topic], registration{id: id, listener: listener})
	if !exists && isPattern(topic) {
		r.patterns = append(r.patterns, topic)
	}

	return id, !exists
}

// remove drops one registration and reports whether it was found and whether
// the topic entry was removed with it.
func (r *registry) remove(topic string, id uint64) (bool, bool) {
	regs, ok := r.topics[topic]
	if !ok {
		return false, false
	}

	idx := slices.IndexFunc(regs, func(reg registration) bool { return reg.id == id })
	if idx < 0 {
		return false, false
	}

	// copy so that snapshots handed out earlier are never modified
	regs = slices.Delete(slices.Clone(regs), idx, idx+1)
	if len(regs) == 0 {
		delete(r.topics, topic)
		r.patterns = slices.DeleteFunc(r.patterns, func(p string) bool { return p == topic })
		return true, true
	}

	r.topics[topic] = regs
	return true, false
}

// snapshot returns the listeners for an inbound topic: the exact entry first,
// then every pattern entry matching it, oldest pattern first.
func (r *registry) snapshot(topic string) []Listener {
	var listeners []Listener

	for _, reg := range r.topics[topic] {
		listeners = append(listeners, reg.listener)
	}

	for _, pattern := range r.patterns {
		if pattern == topic || !mqttpattern.Matches(pattern, topic) {
			continue
		}
		for _, reg := range r.topics[pattern] {
			listeners = append(listeners, reg.listener)
		}
	}

	return listeners
}

// listeners returns the listeners of the topic entry itself, without
// pattern expansion.
func (r *registry) listeners(topic string) []Listener {
	regs := r.topics[topic]
	if len(regs) == 0 {
		return nil
	}
	listeners := make([]Listener, len(regs))
	for i, reg := range regs {
		listeners[i] = reg.listener
	}
	return listeners
}

func (r *registry) topicList() []string {
	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

func (r *registry) has(topic string) bool {
	_, ok := r.topics[topic]
	return ok
}

func (r *registry) count(topic string) int {
	return len(r.topics[topic])
}
