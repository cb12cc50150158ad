package hashroute

import (
	"sort"
	"sync"

	"conduit/internal/protocol"
)

// PartitionRoute is the last known leadership of a partition.
type PartitionRoute struct {
	Partition protocol.PartitionID
	Leader    uint64
	Term      uint64
}

type Router struct {
	partitions int

	mu     sync.RWMutex
	routes map[protocol.PartitionID]PartitionRoute
}

func NewRouter(partitions int) *Router {
	r := &Router{partitions: partitions, routes: make(map[protocol.PartitionID]PartitionRoute, partitions)}
	for _, p := range Partitions(partitions) {
		r.routes[p] = PartitionRoute{Partition: p}
	}
	return r
}

func (r *Router) PartitionCount() int { return r.partitions }

func (r *Router) PartitionFor(key string) protocol.PartitionID {
	return PartitionForKey(key, r.partitions)
}

// Observe records a leadership change. Updates from older terms are
// ignored.
func (r *Router) Observe(route PartitionRoute) bool {
	r.mu.RLock()
	cur, ok := r.routes[route.Partition]
	r.mu.RUnlock()
	if !ok || route.Term < cur.Term {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.routes[route.Partition]; route.Term < cur.Term {
		return false
	}
	r.routes[route.Partition] = route
	return true
}

func (r *Router) Route(partition protocol.PartitionID) (PartitionRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[partition]
	return route, ok
}

// Topology returns every partition's route ordered by partition id.
func (r *Router) Topology() []PartitionRoute {
	r.mu.RLock()
	out := make([]PartitionRoute, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}
