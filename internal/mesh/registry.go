package mesh

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Registry owns every node and the single mutex that protects both the
// node set and the scheduler's outstanding-command slot (spec.md §5:
// "a single mutex protecting the Node Registry and the scheduler's
// outstanding-command slot" is the sanctioned threaded-language shape,
// and a mutex is the direct Go rendering of it).
type Registry struct {
	mu sync.Mutex

	logger log.Logger

	byID   map[NodeID]*Node
	byName map[string]*Node
	order  []NodeID // topology order, root-to-leaves, fixed at load time

	// parked holds status events received while a network sweep has
	// status delivery paused (spec.md §4.6), replayed once the sweep
	// completes.
	parked  []Event
	parking bool
}

// NewRegistry builds an empty registry. Nodes are added with AddNode
// before the registry is handed to the scheduler and network manager.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		logger: logger,
		byID:   make(map[NodeID]*Node),
		byName: make(map[string]*Node),
	}
}

// AddNode registers a node. Nodes and Snapshot list nodes in the order
// they were added, which is topology order when the caller adds each
// gateway before its dependents (as buildRegistry does). A node's
// Gateway pointer is fixed when it is built, so RouteLength and
// NodesBySweepOrder do not depend on the order of AddNode calls.
func (r *Registry) AddNode(n *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[n.ID]; exists {
		return fmt.Errorf("%w: duplicate id %d", ErrConfig, n.ID)
	}
	if _, exists := r.byName[n.Name]; exists {
		return fmt.Errorf("%w: duplicate name %q", ErrConfig, n.Name)
	}
	r.byID[n.ID] = n
	r.byName[n.Name] = n
	r.order = append(r.order, n.ID)
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (r *Registry) NodeByID(id NodeID) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// NodeByName returns the node with the given name, or nil.
func (r *Registry) NodeByName(name string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// Lock/Unlock expose the registry's mutex to the scheduler and network
// manager, which need to hold it across several Node method calls at
// once (e.g. pick-next-message-then-send). Nothing outside this package
// should call them.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// Nodes returns every node in topology order. The caller must not
// mutate the returned slice's backing array concurrently with AddNode,
// which in practice means calling it only after load time.
func (r *Registry) Nodes() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Node, len(r.order))
	for i, id := range r.order {
		out[i] = r.byID[id]
	}
	return out
}

// NodesBySweepOrder returns every node sorted by ascending route length,
// the order the periodic sanity sweep walks them in (spec.md §4.6).
func (r *Registry) NodesBySweepOrder() []*Node {
	nodes := r.Nodes()
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].RouteLength() < nodes[j].RouteLength()
	})
	return nodes
}

// BeginSweep marks the registry as sweeping: status events arriving
// while a sweep is in progress are parked rather than fanned out
// immediately, since a status change observed mid-sweep may reference a
// node whose availability is about to be recomputed from scratch
// (spec.md §4.6).
func (r *Registry) BeginSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parking = true
}

// EndSweep stops parking and replays whatever accumulated.
func (r *Registry) EndSweep() {
	r.mu.Lock()
	r.parking = false
	pending := r.parked
	r.parked = nil
	r.mu.Unlock()

	for _, ev := range pending {
		r.DispatchStatus(ev.Node, ev.Result)
	}
}

// DispatchStatus applies a STATUS event to its source node and fans the
// change out to every node's kind extension, including the source node
// itself (source == n signals "this is my own status" to the
// extension). If a sweep is in progress the event is parked instead.
func (r *Registry) DispatchStatus(source NodeID, value int) {
	r.mu.Lock()
	if r.parking {
		r.parked = append(r.parked, Event{Type: EventStatus, Node: source, Result: value})
		r.mu.Unlock()
		return
	}

	srcNode, ok := r.byID[source]
	if !ok {
		r.mu.Unlock()
		level.Warn(r.logger).Log("msg", "status from unknown node", "node", source)
		return
	}
	srcNode.onStatusLocked(value)

	targets := make([]*Node, 0, len(r.byID))
	for _, n := range r.byID {
		targets = append(targets, n)
	}
	r.mu.Unlock()

	for _, n := range targets {
		if n.ext == nil {
			continue
		}
		r.mu.Lock()
		n.ext.onPeerStatusChanged(n, srcNode, value)
		r.mu.Unlock()
	}
}

// Snapshot is one node's state as rendered for the status writer and the
// debug interface's dumpstate command (spec.md §6, mirroring
// debug_state() in the source this was distilled from).
type Snapshot struct {
	ID        NodeID
	Name      string
	Available bool
	Con       bool
	Routes    bool
	Check     bool
	InitDone  bool
	Failed    bool
	Status    *int
	Retransmits int
}

// Snapshot renders every node's state, in topology order, without
// mutating anything.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		n := r.byID[id]
		out = append(out, Snapshot{
			ID:          n.ID,
			Name:        n.Name,
			Available:   n.isAvailableLocked(),
			Con:         n.flags.CON,
			Routes:      n.flags.ROUTES,
			Check:       n.flags.CHECK,
			InitDone:    n.flags.INITDONE,
			Failed:      n.Failed,
			Status:      n.LastStatus,
			Retransmits: n.retransmitCount,
		})
	}
	return out
}

// SnapshotOne renders a single node's state by id, for the debug
// interface's "status <node>" command.
func (r *Registry) SnapshotOne(id NodeID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:          n.ID,
		Name:        n.Name,
		Available:   n.isAvailableLocked(),
		Con:         n.flags.CON,
		Routes:      n.flags.ROUTES,
		Check:       n.flags.CHECK,
		InitDone:    n.flags.INITDONE,
		Failed:      n.Failed,
		Status:      n.LastStatus,
		Retransmits: n.retransmitCount,
	}, true
}

// MarkFailedLocked flags a node as failed and resets its connection
// state, ready for the network manager to re-run bring-up on the next
// sweep pass. Caller holds the lock.
func (r *Registry) MarkFailedLocked(n *Node, now time.Time) {
	n.Failed = true
	n.flags.CON = false
	n.pending = nil
	n.pendingSince = time.Time{}
	n.waitUntil = now.Add(n.ReconnectDelay)
	level.Warn(r.logger).Log("msg", "node marked failed", "node", n.Name, "id", n.ID)
}
