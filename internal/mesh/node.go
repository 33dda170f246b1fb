package mesh

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeID is the immutable numeric identifier of a node. The root/gateway
// is addressed as RootID.
type NodeID uint16

// Kind distinguishes the leaf variants described in spec.md §3/§4.4.
type Kind int

const (
	// KindBase is a plain leaf: it only runs the base bring-up/keepalive
	// policy, with no channels, LEDs or uplink notifications.
	KindBase Kind = iota
	// KindSensor is a sensor-node-with-channels leaf.
	KindSensor
	// KindSwitch is a two-channel switch-node leaf.
	KindSwitch
)

// RouteEntry is one (destination, next-hop) pair in a node's routes
// table, as configured and resolved to ids at load time.
type RouteEntry struct {
	Dest    NodeID
	NextHop NodeID
}

// ConditionFlags are the orthogonal boolean conditions that drive the
// next-message policy (spec.md §4.3). They compose independently, which
// is why they are kept as a flat record rather than a whole-node enum.
type ConditionFlags struct {
	CON         bool // link-layer session open
	ROUTES      bool // routing table installed
	CHECK       bool // a keepalive ping is outstanding
	RT          bool // a retransmit is owed
	INITDONE    bool // kind-specific configuration complete
	REBUILDSCH  bool // status channel must be rebuilt after reconnect
}

// mutation is the deferred effect the scheduler applies to a node once
// the command it emitted is acknowledged. It is the tiny descriptor
// referred to in spec.md §9 ("pending mutation"): a single closure
// rather than a tagged enum, since the set of distinct mutations a node
// type needs is open-ended across the base machine and its extensions.
type mutation struct {
	apply func(n *Node, code int)
}

// kindExtension is the single hook-point boundary between the base node
// state machine and the sensor/switch specialisations (spec.md §4.4).
// The base machine never inspects or depends on which concrete kind is
// in play beyond calling these four methods.
type kindExtension interface {
	// nextMessage is consulted only once the base policy (spec.md §4.3
	// steps 1-9) has nothing of its own to emit. The caller holds the
	// registry lock.
	nextMessage(n *Node) *Message
	// onConnected runs after the base CON mutation has already updated
	// ROUTES/INITDONE/REBUILDSCH per the still-configured/fresh-boot
	// rule; it lets the kind reset its own channel/LED bookkeeping.
	onConnected(n *Node, code int)
	onConnectionFailed(n *Node)
	// onPeerStatusChanged is invoked on every node whenever any node's
	// status changes (including its own); source==n means "this is my
	// own status".
	onPeerStatusChanged(n, source *Node, status int)
}

// Node is a single mesh leaf (or, via RootID, the gateway sentinel
// referenced by other nodes' Gateway field). All runtime fields are
// mutated only while the owning Registry's mutex is held.
type Node struct {
	ID   NodeID
	Name string
	Kind Kind

	// Gateway is the immediate upstream peer on the tree toward the
	// root. nil means the root itself is the gateway.
	Gateway *Node

	// Routes are the extra (destination, next-hop) pairs configured for
	// this node, beyond the implicit "0:<gateway id>" entry every node
	// carries.
	Routes []RouteEntry

	HopTimeout         time.Duration
	MaxRetransmissions int
	CheckInterval      time.Duration
	ReconnectDelay     time.Duration

	ext kindExtension

	// --- runtime state; guarded by Registry.mu ---

	flags           ConditionFlags
	connectionCode  int
	LastStatus      *int
	ExpectedLED     []int
	AppliedLED      []int
	retransmitCount int
	pending         *mutation
	pendingSince    time.Time // when pending was set; used by the sanity sweep's transmitting-node budget
	waitUntil       time.Time
	lastAck         time.Time
	injected        *Message

	// Failed is set by the network manager's periodic sanity sweep
	// (spec.md §4.6) and by the scheduler when the gateway answers a
	// node's outstanding command with ERR. It is distinct from "not CON"
	// so the sweep can tell "never got around to it yet" from "we tried
	// and it didn't come back". The scheduler never clears it: only the
	// sweep's re-initialisation or an operator "restart <node>" does, so
	// a failed node is never busy-looped by the scheduler.
	Failed bool
}

// newNode builds a node with its runtime state zeroed, as at cold start.
func newNode(id NodeID, name string, kind Kind, ext kindExtension) *Node {
	return &Node{ID: id, Name: name, Kind: kind, ext: ext}
}

// resetRuntime returns the node to its cold-start runtime state. A new
// node already starts in that state; this is called by the sanity sweep
// when it re-initialises a failed node and by the debug interface's
// "restart <node>" command. Nothing calls it when the link drops: the
// scheduler stops with ErrLinkLost instead.
func (n *Node) resetRuntime() {
	n.flags = ConditionFlags{}
	n.connectionCode = 0
	n.retransmitCount = 0
	n.pending = nil
	n.pendingSince = time.Time{}
	n.waitUntil = time.Time{}
	n.lastAck = time.Time{}
	n.injected = nil
	n.Failed = false
	if sx, ok := n.ext.(*sensorExt); ok {
		sx.chInit = 0
	}
	if sw, ok := n.ext.(*switchExt); ok {
		sw.chInit = 0
		sw.cssi = false
	}
}

// RouteLength is the distance from the node to the root, in hops; it
// scales per-hop timeouts (spec.md §3).
func (n *Node) RouteLength() int {
	if n.Gateway == nil {
		return 1
	}
	return n.Gateway.RouteLength() + 1
}

// isAvailableLocked reports whether the node is connected, routed, and
// not waiting on a keepalive reply, with every ancestor on its gateway
// chain available too. Availability is recomputed, never stored.
func (n *Node) isAvailableLocked() bool {
	if n.Gateway != nil && !n.Gateway.isAvailableLocked() {
		return false
	}
	return n.flags.CON && n.flags.ROUTES && !n.flags.CHECK
}

// canInjectLocked reports whether an operator command may be queued for
// this node right now: it must have a link session open and no mutation
// already in flight.
func (n *Node) canInjectLocked() bool {
	return n.flags.CON && n.pending == nil
}

// checkConLocked schedules a keepalive re-validation. When checkPath is
// set the gateway is asked to re-validate too, but only one hop up: the
// upstream call itself passes checkPath=false, so a single check_con
// does not cascade the whole way to the root.
func (n *Node) checkConLocked(checkPath bool) {
	n.flags.CHECK = true
	if checkPath && n.Gateway != nil {
		n.Gateway.checkConLocked(false)
	}
}

// nextMessageLocked implements the priority-ordered next-message policy
// of spec.md §4.3: the first matching clause wins. The caller holds the
// registry lock and now is the caller's notion of the current time.
func (n *Node) nextMessageLocked(now time.Time) *Message {
	if n.Failed {
		// A failed node is not retried by the scheduler at all (spec.md
		// §4.6); only the sanity sweep's re-initialisation step or an
		// operator restart clears Failed and puts the node back in play.
		return nil
	}
	if n.waitUntil.After(now) {
		return nil
	}
	if n.Gateway != nil && !n.Gateway.isAvailableLocked() {
		return nil
	}
	if n.flags.RT {
		n.flags.RT = false
		n.retransmitCount++
		return NewMessage(n.ID, "retransmit")
	}
	if n.pending != nil {
		return nil
	}
	if n.injected != nil {
		msg := n.injected
		n.injected = nil
		n.pending = &mutation{}
		return msg
	}
	if !n.flags.CON {
		gw := RootID
		if n.Gateway != nil {
			gw = n.Gateway.ID
		}
		timeout := int(n.HopTimeout/time.Second) * n.RouteLength()
		n.pending = &mutation{apply: applyConnectAck}
		return NewMessage(n.ID, "connect", strconv.Itoa(int(gw)), strconv.Itoa(timeout))
	}
	if !n.flags.ROUTES {
		n.pending = &mutation{apply: func(n *Node, _ int) { n.flags.ROUTES = true }}
		return n.routeMessageLocked()
	}
	if n.flags.CHECK || now.Sub(n.lastAck) >= n.CheckInterval {
		n.pending = &mutation{apply: func(n *Node, _ int) { n.flags.CHECK = false }}
		return NewMessage(n.ID, "authping")
	}
	if n.flags.REBUILDSCH {
		n.pending = &mutation{apply: func(n *Node, _ int) { n.flags.REBUILDSCH = false }}
		return NewMessage(n.ID, "rebuild_status_channel")
	}
	if n.ext == nil {
		return nil
	}
	return n.ext.nextMessage(n)
}

// routeMessageLocked renders the reset_routes argument: the implicit
// gateway route first, then every configured (dest, next-hop) pair, as
// "0:<gw>,<dst>:<hop>,...".
func (n *Node) routeMessageLocked() *Message {
	gw := 0
	if n.Gateway != nil {
		gw = int(n.Gateway.ID)
	}
	parts := make([]string, 0, 1+len(n.Routes))
	parts = append(parts, fmt.Sprintf("0:%d", gw))
	for _, r := range n.Routes {
		parts = append(parts, fmt.Sprintf("%d:%d", r.Dest, r.NextHop))
	}
	return NewMessage(n.ID, "reset_routes", strings.Join(parts, ","))
}

// applyConnectAck is the mutation for the CON step of the base policy.
// The ack code tells us whether the gateway still has our previous
// session (3, "still-configured") or this is a fresh boot.
func applyConnectAck(n *Node, code int) {
	n.flags.CON = true
	n.connectionCode = code
	if n.flags.INITDONE && code == 3 {
		n.flags.REBUILDSCH = true
	} else {
		n.flags.REBUILDSCH = false
		n.flags.ROUTES = false
		n.flags.INITDONE = false
	}
	if n.ext != nil {
		n.ext.onConnected(n, code)
	}
}

// onAckLocked applies the outcome of an Ack to the node's in-flight
// mutation (spec.md §4.3 Outcomes). It returns ErrProtocolViolation if
// there was no mutation pending, which the caller treats as an
// out-of-order ack per spec.md §7.
func (n *Node) onAckLocked(code int, now time.Time) error {
	if n.pending == nil {
		return ErrProtocolViolation
	}
	mut := n.pending
	n.pending = nil
	n.pendingSince = time.Time{}
	if mut.apply != nil {
		mut.apply(n, code)
	}
	n.flags.RT = false
	n.flags.CHECK = false
	n.retransmitCount = 0
	n.lastAck = now
	n.Failed = false
	return nil
}

// onTimeoutLocked applies a TIMEOUT outcome (spec.md §4.3 Outcomes /
// §7 "per-node timeout"). Exceeding max retransmissions clears CON and
// schedules a check of the node and its gateway (one hop up); if the
// node was not yet connected, it also backs off for ReconnectDelay.
func (n *Node) onTimeoutLocked(now time.Time) {
	if n.retransmitCount > n.MaxRetransmissions {
		wasConnected := n.flags.CON
		n.flags.CON = false
		n.pending = nil
		n.pendingSince = time.Time{}
		n.retransmitCount = 0
		if !wasConnected {
			n.waitUntil = now.Add(n.ReconnectDelay)
			if n.ext != nil {
				n.ext.onConnectionFailed(n)
			}
		}
		n.checkConLocked(true)
		return
	}
	n.flags.RT = true
}

// onStatusLocked records an unsolicited status value for this node. The
// registry is responsible for then fanning the change out to every
// node's kindExtension.onPeerStatusChanged.
func (n *Node) onStatusLocked(value int) {
	n.LastStatus = &value
}

// canAcceptInjectedLocked mirrors canInjectLocked but is named for
// clarity at debug-interface call sites.
func (n *Node) canAcceptInjectedLocked() bool {
	return n.canInjectLocked()
}

func equalIntSlices(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ledMessage renders the "led <node_id> <space separated colours>"
// command (spec.md §6).
func ledMessage(id NodeID, colors []int) *Message {
	args := make([]string, len(colors))
	for i, c := range colors {
		args[i] = strconv.Itoa(c)
	}
	return NewMessage(id, "led", args...)
}
