package mesh

import "time"

// NodeParams carries the base, kind-independent attributes used to
// construct any node (spec.md §3 Node data model). Gateway and Routes
// are resolved to live *Node pointers/ids by the caller, which is
// expected to add nodes to the Registry in topology order.
type NodeParams struct {
	ID                 NodeID
	Name               string
	Gateway            *Node
	Routes             []RouteEntry
	HopTimeout         time.Duration
	MaxRetransmissions int
	CheckInterval      time.Duration
	ReconnectDelay     time.Duration
}

func (p NodeParams) apply(n *Node) {
	n.Gateway = p.Gateway
	n.Routes = p.Routes
	n.HopTimeout = p.HopTimeout
	n.MaxRetransmissions = p.MaxRetransmissions
	n.CheckInterval = p.CheckInterval
	n.ReconnectDelay = p.ReconnectDelay
}

// NewBaseNode builds a plain leaf with no channels or LEDs.
func NewBaseNode(p NodeParams) *Node {
	n := newNode(p.ID, p.Name, KindBase, baseExt{})
	p.apply(n)
	return n
}

// NewSensorNode builds a sensor-kind leaf from its configured channels,
// LED map and uplink sink (spec.md §4.4).
func NewSensorNode(p NodeParams, channels []SensorChannel, channelMask *int, sampleRate int, ledMap map[string]LEDMapEntry, uplink Uplink) (*Node, error) {
	ext, ledLen, err := newSensorExt(channels, channelMask, sampleRate, ledMap, uplink)
	if err != nil {
		return nil, err
	}
	n := newNode(p.ID, p.Name, KindSensor, ext)
	p.apply(n)
	n.ExpectedLED = make([]int, ledLen)
	n.AppliedLED = make([]int, ledLen)
	return n, nil
}

// NewSwitchNode builds a switch-kind leaf (spec.md §4.4, "manhattan"
// hardcoded two-channel configuration).
func NewSwitchNode(p NodeParams, cfg SwitchConfig, uplink Uplink) *Node {
	ext := newSwitchExt(cfg, uplink)
	n := newNode(p.ID, p.Name, KindSwitch, ext)
	p.apply(n)
	n.ExpectedLED = make([]int, 2)
	n.AppliedLED = make([]int, 2)
	return n
}
