package mesh

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// NetworkManagerConfig carries the periodic sanity sweep's tunables
// (spec.md §4.6).
type NetworkManagerConfig struct {
	// SweepInterval is how often the full topology is walked looking
	// for nodes that should be available but aren't.
	SweepInterval time.Duration
	// BringUpPoll is how often bring-up progress is checked while
	// waiting for a node to become available before moving on to its
	// dependents.
	BringUpPoll time.Duration
}

// DefaultNetworkManagerConfig mirrors the reference deployment's sweep
// cadence.
func DefaultNetworkManagerConfig() NetworkManagerConfig {
	return NetworkManagerConfig{
		SweepInterval: 30 * time.Second,
		BringUpPoll:   200 * time.Millisecond,
	}
}

// NetworkManager owns bring-up ordering and the periodic sanity sweep
// described in spec.md §4.6. It never sends commands itself: it only
// observes registry state (populated by the Scheduler) and decides when
// a node needs to be marked failed and re-initialised.
type NetworkManager struct {
	registry *Registry
	cfg      NetworkManagerConfig
	logger   log.Logger
}

// NewNetworkManager builds a network manager bound to registry.
func NewNetworkManager(registry *Registry, cfg NetworkManagerConfig, logger log.Logger) *NetworkManager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &NetworkManager{registry: registry, cfg: cfg, logger: logger}
}

// Run performs the initial topology-ordered bring-up wait and then
// loops the periodic sanity sweep until ctx is cancelled.
func (m *NetworkManager) Run(ctx context.Context) error {
	level.Info(m.logger).Log("msg", "network manager starting bring-up")
	if err := m.bringUp(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

// bringUp waits for each node to become available before considering
// its dependents, root to leaves (spec.md §4.6: "topology-ordered
// bring-up"). It does not force anything — the scheduler is already
// driving the connect sequence for every node concurrently via its
// round-robin; this loop exists purely to log bring-up progress and to
// give the operator a point where "the mesh is up" is well defined. A
// node that never becomes available within its own hop-scaled timeout
// budget is logged and bring-up proceeds regardless, since later sweeps
// will retry it.
func (m *NetworkManager) bringUp(ctx context.Context) error {
	nodes := m.registry.Nodes()
	ticker := time.NewTicker(m.cfg.BringUpPoll)
	defer ticker.Stop()

	for _, n := range nodes {
		deadline := time.Now().Add(n.HopTimeout * time.Duration(n.RouteLength()+1))
		for {
			m.registry.Lock()
			available := n.isAvailableLocked()
			m.registry.Unlock()
			if available {
				break
			}
			if time.Now().After(deadline) {
				level.Warn(m.logger).Log("msg", "node did not come up within bring-up budget", "node", n.Name)
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	level.Info(m.logger).Log("msg", "bring-up pass complete")
	return nil
}

// sweep is the periodic sanity check (spec.md §4.6), grounded on
// interface/wasch.py's NetworkManager.recover_network(): every node is
// visited in ascending route length and handled according to what it's
// currently doing —
//
//   - transmitting (a command is outstanding): wait up to
//     route_length*per_hop_timeout+2s for it to finish, else mark failed.
//   - connected and idle: issue an authping and mark failed if it
//     doesn't complete within the same budget.
//   - already failed: attempt a single re-initialisation (full bring-up)
//     so it isn't stuck in failed forever without anyone ever retrying
//     it — only this sweep, never the scheduler, does that.
//
// Status delivery is paused for the duration of the sweep so a status
// event referencing a node whose availability is about to be recomputed
// can't race the recomputation.
func (m *NetworkManager) sweep() {
	m.registry.BeginSweep()
	defer m.registry.EndSweep()

	level.Debug(m.logger).Log("msg", "sanity sweep starting")
	for _, n := range m.registry.NodesBySweepOrder() {
		m.registry.Lock()
		transmitting := n.pending != nil
		connected := !transmitting && n.flags.CON && !n.Failed
		failed := !transmitting && !connected && n.Failed
		pendingSince := n.pendingSince
		m.registry.Unlock()

		budget := n.HopTimeout*time.Duration(n.RouteLength()) + 2*time.Second

		switch {
		case transmitting:
			if time.Since(pendingSince) < budget {
				continue
			}
			level.Warn(m.logger).Log("msg", "node did not finish its outstanding command in time", "node", n.Name)
			m.registry.Lock()
			m.registry.MarkFailedLocked(n, time.Now())
			m.registry.Unlock()

		case connected:
			level.Debug(m.logger).Log("msg", "pinging node", "node", n.Name)
			m.registry.Lock()
			n.checkConLocked(false)
			m.registry.Unlock()
			m.waitForCheck(n, budget)

		case failed:
			level.Info(m.logger).Log("msg", "attempting to re-initialise failed node", "node", n.Name)
			m.registry.Lock()
			n.resetRuntime()
			m.registry.Unlock()
		}
	}
	level.Debug(m.logger).Log("msg", "sanity sweep complete")
}

// waitForCheck blocks the sweep, polling at BringUpPoll, until the
// authping issued for n completes (CHECK clears) or budget elapses, in
// which case n is marked failed. This mirrors recover_network()'s
// sequential per-node "await node.authping()" — the sweep is a single
// background goroutine, so blocking it one node at a time is harmless.
func (m *NetworkManager) waitForCheck(n *Node, budget time.Duration) {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(m.cfg.BringUpPoll)
	defer ticker.Stop()
	for {
		m.registry.Lock()
		stillChecking := n.flags.CHECK
		alreadyFailed := n.Failed
		m.registry.Unlock()
		if !stillChecking || alreadyFailed {
			return
		}
		if time.Now().After(deadline) {
			level.Warn(m.logger).Log("msg", "authping timed out", "node", n.Name)
			m.registry.Lock()
			m.registry.MarkFailedLocked(n, time.Now())
			m.registry.Unlock()
			return
		}
		<-ticker.C
	}
}
