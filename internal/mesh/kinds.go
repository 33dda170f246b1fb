package mesh

import (
	"fmt"
	"math"
	"strconv"
)

// Uplink is the narrow interface the kind extensions need from the
// Uplink Sink (spec.md §4.7): fire-and-forget notifications. Nodes never
// block on it and never see its errors.
type Uplink interface {
	NotifyStatus(nodeName string, status int)
	NotifyAlive(nodeName string, alive bool)
	NotifyRaw(url string)
}

// noopUplink is used when a node kind is constructed without an uplink
// (e.g. in tests exercising the state machine in isolation).
type noopUplink struct{}

func (noopUplink) NotifyStatus(string, int)  {}
func (noopUplink) NotifyAlive(string, bool)  {}
func (noopUplink) NotifyRaw(string)          {}

// baseExt is the extension for KindBase: plain leaves that only run the
// base bring-up/keepalive policy.
type baseExt struct{}

func (baseExt) nextMessage(*Node) *Message                 { return nil }
func (baseExt) onConnected(*Node, int)                      {}
func (baseExt) onConnectionFailed(*Node)                    {}
func (baseExt) onPeerStatusChanged(*Node, *Node, int)        {}

// SensorSubKind distinguishes the two channel flavours a sensor node can
// carry (spec.md §4.4).
type SensorSubKind int

const (
	// SubKindStatistical is the "wasch" channel: input-filter,
	// transition-matrix, window-sizes and reject-filter parameters.
	SubKindStatistical SensorSubKind = iota
	// SubKindFrequency is the "freq" channel: threshold/window/
	// max-negative parameters.
	SubKindFrequency
)

// InputFilter holds the statistical channel's input-filter parameters.
type InputFilter struct {
	MidAdjustmentSpeed int
	LowpassWeight      int
	FrameSize          int
}

// RejectFilter holds the statistical channel's reject-filter parameters.
type RejectFilter struct {
	Threshold   int
	ConsecCount int
}

// SensorChannel is one configured channel of a sensor-kind node.
type SensorChannel struct {
	Index   int
	SubKind SensorSubKind

	// Statistical ("wasch") fields.
	InputFilter      InputFilter
	TransitionMatrix []int // square, row-major, including the (unused) diagonal
	WindowSizes      []int
	RejectFilter     RejectFilter

	// Frequency-domain ("freq") fields.
	Threshold int
	Window    int
	MaxNeg    int
}

// LEDMapEntry maps one other node of interest to an LED slot and a
// status-code-to-colour table (spec.md §4.4).
type LEDMapEntry struct {
	Index  int
	Colors map[int]int // status code -> colour
}

// sensorExt is the kindExtension for KindSensor.
type sensorExt struct {
	channels    []SensorChannel
	channelMask *int
	sampleRate  int
	ledMap      map[string]LEDMapEntry // keyed by peer node name
	uplink      Uplink

	chInit int
}

// newSensorExt validates the channel configuration eagerly (spec.md
// §4.4 / original_source WaschNode.__init__ "ensure early fail") and
// sizes the node's LED vectors to the highest configured index.
func newSensorExt(channels []SensorChannel, channelMask *int, sampleRate int, ledMap map[string]LEDMapEntry, uplink Uplink) (*sensorExt, int, error) {
	for _, c := range channels {
		switch c.SubKind {
		case SubKindStatistical:
			n := int(math.Sqrt(float64(len(c.TransitionMatrix))))
			if n*n != len(c.TransitionMatrix) {
				return nil, 0, fmt.Errorf("channel %d: transition matrix is not square", c.Index)
			}
		case SubKindFrequency:
		default:
			return nil, 0, fmt.Errorf("channel %d: unknown sensor type", c.Index)
		}
	}
	ledLen := 0
	for _, e := range ledMap {
		if e.Index+1 > ledLen {
			ledLen = e.Index + 1
		}
	}
	if uplink == nil {
		uplink = noopUplink{}
	}
	return &sensorExt{channels: channels, channelMask: channelMask, sampleRate: sampleRate, ledMap: ledMap, uplink: uplink}, ledLen, nil
}

func (s *sensorExt) nextMessage(n *Node) *Message {
	if s.chInit < len(s.channels) {
		ch := s.channels[s.chInit]
		n.pending = &mutation{apply: func(n *Node, _ int) { s.chInit++ }}
		return s.calibMessage(n.ID, ch)
	}
	if !n.flags.INITDONE {
		n.pending = &mutation{apply: func(n *Node, _ int) { n.flags.INITDONE = true }}
		mask := (1 << uint(len(s.channels))) - 1
		if s.channelMask != nil {
			mask = *s.channelMask
		}
		return NewMessage(n.ID, "enable_sensor", strconv.Itoa(mask), strconv.Itoa(s.sampleRate))
	}
	if !equalIntSlices(n.ExpectedLED, n.AppliedLED) {
		vec := append([]int(nil), n.ExpectedLED...)
		n.pending = &mutation{apply: func(n *Node, _ int) { n.AppliedLED = vec }}
		return ledMessage(n.ID, n.ExpectedLED)
	}
	return nil
}

func (s *sensorExt) calibMessage(id NodeID, ch SensorChannel) *Message {
	if ch.SubKind == SubKindFrequency {
		return NewMessage(id, "cfg_freq_chn",
			strconv.Itoa(ch.Index),
			strconv.Itoa(ch.Threshold),
			strconv.Itoa(ch.Window),
			strconv.Itoa(ch.MaxNeg))
	}

	inputFilter := fmt.Sprintf("%d,%d,%d",
		ch.InputFilter.MidAdjustmentSpeed,
		ch.InputFilter.LowpassWeight,
		ch.InputFilter.FrameSize)

	n := int(math.Sqrt(float64(len(ch.TransitionMatrix))))
	tm := make([]string, 0, len(ch.TransitionMatrix)-n)
	for i := 0; i < n; i++ {
		for o := 0; o < n; o++ {
			if i == o {
				continue
			}
			tm = append(tm, strconv.Itoa(ch.TransitionMatrix[i*n+o]))
		}
	}

	ws := make([]string, len(ch.WindowSizes))
	for i, w := range ch.WindowSizes {
		ws[i] = strconv.Itoa(w)
	}

	rejectFilter := fmt.Sprintf("%d,%d", ch.RejectFilter.Threshold, ch.RejectFilter.ConsecCount)

	return NewMessage(id, "cfg_sensor",
		strconv.Itoa(ch.Index),
		inputFilter,
		joinComma(tm),
		joinComma(ws),
		rejectFilter)
}

func (s *sensorExt) onConnected(n *Node, code int) {
	if !n.flags.INITDONE {
		s.chInit = 0
	}
	s.uplink.NotifyAlive(n.Name, true)
}

func (s *sensorExt) onConnectionFailed(n *Node) {
	s.uplink.NotifyAlive(n.Name, false)
}

func (s *sensorExt) onPeerStatusChanged(n, source *Node, status int) {
	if source == n {
		s.uplink.NotifyStatus(n.Name, status)
	}
	if s.ledMap == nil {
		return
	}
	entry, ok := s.ledMap[source.Name]
	if !ok {
		return
	}
	color, ok := entry.Colors[status]
	if !ok || entry.Index >= len(n.ExpectedLED) {
		return
	}
	n.ExpectedLED[entry.Index] = color
}

func joinComma(parts []string) string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += ","
		}
		s += p
	}
	return s
}

// Hard-coded switch-kind calibration, lifted verbatim from the
// original's manhattan_sensor_config: there is no reason to make this
// configurable per node.
const (
	switchChannels   = 2
	switchSampleRate = 500
)

var switchSensorConfig = []string{"0,0,1", "0,16500,0,0,0,0,-16000,0,0,0,0,0", "3,3,3,3", "1,1"}

// SwitchConfig holds the per-node parameters a switch-kind node needs:
// LED colours for the two possible resting states plus the pending
// blink colour, and the uplink target for its own status changes.
type SwitchConfig struct {
	ColorOpened  int
	ColorClosed  int
	ColorPending int
	UplinkURL    string
	UplinkKey    string
}

// switchExt is the kindExtension for KindSwitch.
type switchExt struct {
	cfg    SwitchConfig
	uplink Uplink

	chInit int
	cssi   bool
}

func newSwitchExt(cfg SwitchConfig, uplink Uplink) *switchExt {
	if uplink == nil {
		uplink = noopUplink{}
	}
	return &switchExt{cfg: cfg, uplink: uplink}
}

func (s *switchExt) nextMessage(n *Node) *Message {
	if s.chInit < switchChannels {
		idx := s.chInit
		n.pending = &mutation{apply: func(n *Node, _ int) { s.chInit++ }}
		args := append([]string{strconv.Itoa(idx)}, switchSensorConfig...)
		return NewMessage(n.ID, "cfg_sensor", args...)
	}
	if !s.cssi {
		n.pending = &mutation{apply: func(n *Node, _ int) { s.cssi = true }}
		spec := fmt.Sprintf("0,0,%d 1,1,%d", s.cfg.ColorPending, s.cfg.ColorPending)
		return NewMessage(n.ID, "cfg_status_change_indicator", spec)
	}
	if !n.flags.INITDONE {
		n.pending = &mutation{apply: func(n *Node, _ int) { n.flags.INITDONE = true }}
		return NewMessage(n.ID, "enable_sensor", "3", strconv.Itoa(switchSampleRate))
	}
	if !equalIntSlices(n.ExpectedLED, n.AppliedLED) {
		vec := append([]int(nil), n.ExpectedLED...)
		n.pending = &mutation{apply: func(n *Node, _ int) { n.AppliedLED = vec }}
		return ledMessage(n.ID, n.ExpectedLED)
	}
	return nil
}

func (s *switchExt) onConnected(n *Node, code int) {
	if !n.flags.INITDONE {
		s.chInit = 0
		s.cssi = false
	}
}

func (s *switchExt) onConnectionFailed(n *Node) {
	s.uplink.NotifyAlive(n.Name, false)
}

// onPeerStatusChanged implements the three-way rule from spec.md §4.4:
// status 1 -> (open,closed); status 2 -> (open,open); else (closed,closed).
// A switch node ignores every other node's status.
func (s *switchExt) onPeerStatusChanged(n, source *Node, status int) {
	if source != n {
		return
	}
	open, closed := s.cfg.ColorOpened, s.cfg.ColorClosed
	switch status {
	case 1:
		n.ExpectedLED = []int{open, closed}
	case 2:
		n.ExpectedLED = []int{open, open}
	default:
		n.ExpectedLED = []int{closed, closed}
	}
	if s.cfg.UplinkURL != "" {
		s.uplink.NotifyRaw(fmt.Sprintf("%s?key=%s&status=%d", s.cfg.UplinkURL, s.cfg.UplinkKey, status))
	}
}
