package mesh

import (
	"strings"
	"testing"
)

func TestSensorChannelRejectsNonSquareMatrix(t *testing.T) {
	_, _, err := newSensorExt([]SensorChannel{
		{Index: 0, SubKind: SubKindStatistical, TransitionMatrix: []int{1, 2, 3}},
	}, nil, 100, nil, nil)
	if err == nil {
		t.Fatalf("expected an error for a non-square transition matrix")
	}
}

func TestSensorCalibMessageOmitsDiagonal(t *testing.T) {
	ext, _, err := newSensorExt([]SensorChannel{
		{
			Index:            0,
			SubKind:          SubKindStatistical,
			TransitionMatrix: []int{0, 1, 2, 3, 0, 4, 5, 6, 0},
			WindowSizes:      []int{10, 20, 30},
		},
	}, nil, 100, nil, nil)
	if err != nil {
		t.Fatalf("newSensorExt: %v", err)
	}

	msg := ext.calibMessage(1, ext.channels[0])
	if msg.Verb != "cfg_sensor" {
		t.Fatalf("got verb %q, want cfg_sensor", msg.Verb)
	}
	matrixArg := msg.Args[2]
	if strings.Count(matrixArg, ",") != 5 {
		// A 3x3 matrix has 9 cells; omitting the 3 diagonal entries
		// leaves 6 values and 5 separating commas.
		t.Fatalf("transition matrix arg %q does not have the diagonal omitted", matrixArg)
	}
}

func TestSensorNextMessageSequencesChannelsThenEnable(t *testing.T) {
	n, err := NewSensorNode(NodeParams{ID: 1, Name: "s"}, []SensorChannel{
		{Index: 0, SubKind: SubKindFrequency, Threshold: 10, Window: 5, MaxNeg: 2},
	}, nil, 100, nil, nil)
	if err != nil {
		t.Fatalf("NewSensorNode: %v", err)
	}

	msg := n.ext.nextMessage(n)
	if msg == nil || msg.Verb != "cfg_freq_chn" {
		t.Fatalf("expected first call to configure the channel, got %+v", msg)
	}
	if n.pending == nil {
		t.Fatalf("expected a pending mutation to advance past the channel")
	}
	n.pending.apply(n, 0)
	n.pending = nil

	msg = n.ext.nextMessage(n)
	if msg == nil || msg.Verb != "enable_sensor" {
		t.Fatalf("expected enable_sensor once channels are configured, got %+v", msg)
	}
}

func TestSwitchPeerStatusSetsExpectedLED(t *testing.T) {
	cfg := SwitchConfig{ColorOpened: 1, ColorClosed: 2, ColorPending: 3}
	n := NewSwitchNode(NodeParams{ID: 1, Name: "sw"}, cfg, nil)

	n.ext.onPeerStatusChanged(n, n, 1)
	if n.ExpectedLED[0] != 1 || n.ExpectedLED[1] != 2 {
		t.Fatalf("status 1 should map to (opened, closed), got %v", n.ExpectedLED)
	}

	n.ext.onPeerStatusChanged(n, n, 2)
	if n.ExpectedLED[0] != 1 || n.ExpectedLED[1] != 1 {
		t.Fatalf("status 2 should map to (opened, opened), got %v", n.ExpectedLED)
	}

	n.ext.onPeerStatusChanged(n, n, 0)
	if n.ExpectedLED[0] != 2 || n.ExpectedLED[1] != 2 {
		t.Fatalf("any other status should map to (closed, closed), got %v", n.ExpectedLED)
	}
}

func TestSwitchIgnoresOtherNodesStatus(t *testing.T) {
	cfg := SwitchConfig{ColorOpened: 1, ColorClosed: 2}
	n := NewSwitchNode(NodeParams{ID: 1, Name: "sw"}, cfg, nil)
	other := NewBaseNode(NodeParams{ID: 2, Name: "other"})

	n.ext.onPeerStatusChanged(n, other, 1)
	if n.ExpectedLED[0] != 0 || n.ExpectedLED[1] != 0 {
		t.Fatalf("expected no LED change from another node's status, got %v", n.ExpectedLED)
	}
}
