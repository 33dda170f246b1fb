package mesh

import "testing"

func TestAddNodeRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	a := NewBaseNode(NodeParams{ID: 1, Name: "a"})
	if err := r.AddNode(a); err != nil {
		t.Fatalf("AddNode(a): %v", err)
	}

	dupID := NewBaseNode(NodeParams{ID: 1, Name: "b"})
	if err := r.AddNode(dupID); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}

	dupName := NewBaseNode(NodeParams{ID: 2, Name: "a"})
	if err := r.AddNode(dupName); err == nil {
		t.Fatalf("expected duplicate name to be rejected")
	}
}

func TestNodesBySweepOrderIsAscending(t *testing.T) {
	r := NewRegistry(nil)
	root := NewBaseNode(NodeParams{ID: 0, Name: "root"})
	mid := NewBaseNode(NodeParams{ID: 1, Name: "mid", Gateway: root})
	leaf := NewBaseNode(NodeParams{ID: 2, Name: "leaf", Gateway: mid})

	// Deliberately added out of topology order to prove the sweep
	// order is derived from RouteLength, not insertion order.
	for _, n := range []*Node{leaf, root, mid} {
		if err := r.AddNode(n); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}

	ordered := r.NodesBySweepOrder()
	if len(ordered) != 3 {
		t.Fatalf("got %d nodes, want 3", len(ordered))
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].RouteLength() > ordered[i].RouteLength() {
			t.Fatalf("sweep order not ascending by route length: %v", ordered)
		}
	}
}

func TestDispatchStatusFansOutToEveryNode(t *testing.T) {
	r := NewRegistry(nil)

	var notified []string
	ul := recordingUplink{fn: func(name string, status int) { notified = append(notified, name) }}

	a, err := NewSensorNode(NodeParams{ID: 1, Name: "a"}, nil, nil, 100, map[string]LEDMapEntry{
		"b": {Index: 0, Colors: map[int]int{1: 7}},
	}, ul)
	if err != nil {
		t.Fatalf("NewSensorNode(a): %v", err)
	}
	b, err := NewSensorNode(NodeParams{ID: 2, Name: "b"}, nil, nil, 100, nil, ul)
	if err != nil {
		t.Fatalf("NewSensorNode(b): %v", err)
	}
	if err := r.AddNode(a); err != nil {
		t.Fatalf("AddNode(a): %v", err)
	}
	if err := r.AddNode(b); err != nil {
		t.Fatalf("AddNode(b): %v", err)
	}

	r.DispatchStatus(2, 1)

	if len(notified) != 1 || notified[0] != "b" {
		t.Fatalf("expected only b's own status to be reported, got %v", notified)
	}
	if a.ExpectedLED[0] != 7 {
		t.Fatalf("expected a's LED map entry for b's status 1 to apply colour 7, got %d", a.ExpectedLED[0])
	}
}

func TestSweepParksStatusEvents(t *testing.T) {
	r := NewRegistry(nil)
	n := NewBaseNode(NodeParams{ID: 1, Name: "a"})
	if err := r.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	r.BeginSweep()
	r.DispatchStatus(1, 5)

	if n.LastStatus != nil {
		t.Fatalf("expected status to be parked, not applied, during a sweep")
	}

	r.EndSweep()
	if n.LastStatus == nil || *n.LastStatus != 5 {
		t.Fatalf("expected parked status to be replayed once the sweep ends")
	}
}

type recordingUplink struct {
	fn func(name string, status int)
}

func (r recordingUplink) NotifyStatus(name string, status int) { r.fn(name, status) }
func (recordingUplink) NotifyAlive(string, bool)               {}
func (recordingUplink) NotifyRaw(string)                       {}
