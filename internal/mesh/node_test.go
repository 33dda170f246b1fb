package mesh

import (
	"testing"
	"time"
)

func newTestNode(id NodeID, gateway *Node) *Node {
	n := NewBaseNode(NodeParams{
		ID:                 id,
		Name:               "n",
		Gateway:            gateway,
		HopTimeout:         time.Second,
		MaxRetransmissions: 3,
		CheckInterval:      10 * time.Second,
		ReconnectDelay:     time.Second,
	})
	return n
}

func TestNextMessageConnectSequence(t *testing.T) {
	n := newTestNode(1, nil)
	now := time.Now()

	msg := n.nextMessageLocked(now)
	if msg == nil || msg.Verb != "connect" {
		t.Fatalf("expected connect, got %+v", msg)
	}
	if n.pending == nil {
		t.Fatalf("expected a pending mutation after emitting connect")
	}

	// No further message is emitted while a mutation is outstanding.
	if got := n.nextMessageLocked(now); got != nil {
		t.Fatalf("expected nil while pending, got %+v", got)
	}

	if err := n.onAckLocked(0, now); err != nil {
		t.Fatalf("onAckLocked: %v", err)
	}
	if !n.flags.CON {
		t.Fatalf("expected CON set after connect ack")
	}

	msg = n.nextMessageLocked(now)
	if msg == nil || msg.Verb != "reset_routes" {
		t.Fatalf("expected reset_routes, got %+v", msg)
	}
}

func TestNextMessageRetransmitHasTopPriority(t *testing.T) {
	n := newTestNode(1, nil)
	n.flags.CON = true
	n.flags.ROUTES = true
	n.flags.RT = true

	msg := n.nextMessageLocked(time.Now())
	if msg == nil || msg.Verb != "retransmit" {
		t.Fatalf("expected retransmit to win over every other clause, got %+v", msg)
	}
	if n.flags.RT {
		t.Fatalf("expected RT to be cleared once the retransmit is issued")
	}
}

func TestOnAckRejectsWithNoPending(t *testing.T) {
	n := newTestNode(1, nil)
	if err := n.onAckLocked(0, time.Now()); err != ErrProtocolViolation {
		t.Fatalf("got %v, want ErrProtocolViolation", err)
	}
}

func TestOnTimeoutMarksDisconnectedAfterMaxRetransmissions(t *testing.T) {
	n := newTestNode(1, nil)
	n.flags.CON = true
	n.retransmitCount = n.MaxRetransmissions + 1

	n.onTimeoutLocked(time.Now())
	if n.flags.CON {
		t.Fatalf("expected CON to be cleared")
	}
	if n.pending != nil {
		t.Fatalf("expected pending mutation to be cleared")
	}
}

func TestOnTimeoutBacksOffWhenNeverConnected(t *testing.T) {
	n := newTestNode(1, nil)
	n.retransmitCount = n.MaxRetransmissions + 1

	before := time.Now()
	n.onTimeoutLocked(before)
	if !n.waitUntil.After(before) {
		t.Fatalf("expected a reconnect backoff window to be set")
	}
}

func TestIsAvailableRequiresWholeGatewayChain(t *testing.T) {
	root := newTestNode(0, nil)
	root.flags.CON = true
	root.flags.ROUTES = true

	leaf := newTestNode(1, root)
	leaf.flags.CON = true
	leaf.flags.ROUTES = true

	if !leaf.isAvailableLocked() {
		t.Fatalf("expected leaf to be available when both it and its gateway are up")
	}

	root.flags.CON = false
	if leaf.isAvailableLocked() {
		t.Fatalf("expected leaf to be unavailable once its gateway drops")
	}
}

func TestIsAvailableExcludesPendingCheck(t *testing.T) {
	n := newTestNode(1, nil)
	n.flags.CON = true
	n.flags.ROUTES = true
	n.flags.CHECK = true

	if n.isAvailableLocked() {
		t.Fatalf("expected a node with a pending check to be unavailable")
	}
}

func TestCheckConOnlyPropagatesOneHop(t *testing.T) {
	root := newTestNode(0, nil)
	mid := newTestNode(1, root)
	leaf := newTestNode(2, mid)

	leaf.checkConLocked(true)

	if !leaf.flags.CHECK {
		t.Fatalf("expected leaf's own CHECK to be set")
	}
	if !mid.flags.CHECK {
		t.Fatalf("expected the immediate gateway's CHECK to be set")
	}
	if root.flags.CHECK {
		t.Fatalf("expected check_con to propagate exactly one hop, not to the root")
	}
}

func TestRouteLengthScalesWithDepth(t *testing.T) {
	root := newTestNode(0, nil)
	mid := newTestNode(1, root)
	leaf := newTestNode(2, mid)

	if got := root.RouteLength(); got != 1 {
		t.Errorf("root RouteLength() = %d, want 1", got)
	}
	if got := mid.RouteLength(); got != 2 {
		t.Errorf("mid RouteLength() = %d, want 2", got)
	}
	if got := leaf.RouteLength(); got != 3 {
		t.Errorf("leaf RouteLength() = %d, want 3", got)
	}
}

func TestStillConfiguredAckSkipsRouteRebuild(t *testing.T) {
	n := newTestNode(1, nil)
	n.flags.INITDONE = true

	applyConnectAck(n, 3)

	if !n.flags.CON {
		t.Fatalf("expected CON to be set")
	}
	if !n.flags.REBUILDSCH {
		t.Fatalf("expected REBUILDSCH to be set on a still-configured reconnect")
	}
	if !n.flags.INITDONE {
		t.Fatalf("expected INITDONE to survive a still-configured reconnect")
	}
}

func TestFreshBootAckClearsConfiguration(t *testing.T) {
	n := newTestNode(1, nil)
	n.flags.INITDONE = true
	n.flags.ROUTES = true

	applyConnectAck(n, 0)

	if n.flags.ROUTES {
		t.Fatalf("expected ROUTES to be cleared on a fresh boot")
	}
	if n.flags.INITDONE {
		t.Fatalf("expected INITDONE to be cleared on a fresh boot")
	}
	if n.flags.REBUILDSCH {
		t.Fatalf("expected REBUILDSCH to stay clear on a fresh boot")
	}
}
