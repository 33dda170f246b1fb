package mesh

import (
	"testing"
	"time"
)

func TestSweepMarksStaleConnectionFailed(t *testing.T) {
	registry := NewRegistry(nil)
	n := NewBaseNode(NodeParams{
		ID: 1, Name: "a",
		CheckInterval:  time.Millisecond,
		ReconnectDelay: time.Second,
	})
	n.flags.CON = true
	n.flags.ROUTES = true
	n.flags.CHECK = true // isAvailableLocked() is false while CHECK is outstanding
	n.lastAck = time.Now().Add(-time.Hour)
	if err := registry.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	mgr := NewNetworkManager(registry, DefaultNetworkManagerConfig(), nil)
	mgr.sweep()

	if !n.Failed {
		t.Fatalf("expected a stale connection to be marked failed by the sweep")
	}
	if n.flags.CON {
		t.Fatalf("expected CON to be cleared so the scheduler re-runs bring-up")
	}
}

func TestSweepLeavesHealthyNodesAlone(t *testing.T) {
	registry := NewRegistry(nil)
	n := NewBaseNode(NodeParams{ID: 1, Name: "a", CheckInterval: time.Hour})
	n.flags.CON = true
	n.flags.ROUTES = true
	n.lastAck = time.Now()
	if err := registry.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	// The sweep pings every connected node; a healthy node answers. Stand
	// in for the scheduler applying that authping's ack by clearing CHECK
	// once the sweep has set it.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			registry.Lock()
			if n.flags.CHECK {
				n.flags.CHECK = false
				n.lastAck = time.Now()
				registry.Unlock()
				return
			}
			registry.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	mgr := NewNetworkManager(registry, DefaultNetworkManagerConfig(), nil)
	mgr.sweep()

	if n.Failed {
		t.Fatalf("expected a healthy node that answers its authping not to be marked failed")
	}
}
