// Package headrouter implements the head's node registry, signed-envelope
// outbound client, and per-task fan-out/routing logic (spec §4.5).
package headrouter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/webai/controlplane/internal/model"
)

// Registry holds the head's configured node list, loaded once from
// HEAD_NODES ("url|id[,url|id...]") and updated with liveness info as
// probes/fan-out calls complete. No task state is mirrored here — only
// descriptors (spec §3 Node descriptor).
type Registry struct {
	mu    sync.RWMutex
	nodes []*model.NodeDescriptor
	byID  map[string]*model.NodeDescriptor
}

// ParseNodes parses HEAD_NODES into an ordered node list.
func ParseNodes(spec string) ([]*model.NodeDescriptor, error) {
	var out []*model.NodeDescriptor
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 2)
		url := strings.TrimSpace(parts[0])
		if url == "" {
			return nil, fmt.Errorf("headrouter: empty node url in %q", entry)
		}
		id := url
		if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
			id = strings.TrimSpace(parts[1])
		}
		out = append(out, &model.NodeDescriptor{
			ID:      id,
			Name:    id,
			BaseURL: strings.TrimRight(url, "/"),
			Enabled: true,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("headrouter: HEAD_NODES has no entries")
	}
	return out, nil
}

// NewRegistry builds a Registry from HEAD_NODES.
func NewRegistry(headNodesSpec string) (*Registry, error) {
	nodes, err := ParseNodes(headNodesSpec)
	if err != nil {
		return nil, err
	}
	r := &Registry{byID: map[string]*model.NodeDescriptor{}}
	r.nodes = nodes
	for _, n := range nodes {
		r.byID[n.ID] = n
	}
	return r, nil
}

// All returns a snapshot of every configured node descriptor.
func (r *Registry) All() []model.NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.NodeDescriptor, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// Get resolves a node by id.
func (r *Registry) Get(id string) (model.NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byID[id]
	if !ok {
		return model.NodeDescriptor{}, false
	}
	return *n, true
}

// Single returns the sole node when exactly one is configured.
func (r *Registry) Single() (model.NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.nodes) != 1 {
		return model.NodeDescriptor{}, false
	}
	return *r.nodes[0], true
}

// MarkSeen records a successful round-trip with node id.
func (r *Registry) MarkSeen(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.byID[id]; ok {
		now := time.Now().UTC()
		n.LastSeen = &now
		n.LastErr = ""
	}
}

// MarkError records the most recent error observed when calling node id.
func (r *Registry) MarkError(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.byID[id]; ok && err != nil {
		n.LastErr = err.Error()
	}
}
