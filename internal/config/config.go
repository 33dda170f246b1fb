/*
Package config implements a parser for supervisor configuration
represented in the TOML format: https://github.com/toml-lang/toml.

The top level of the file carries the link, scheduler and uplink
settings; a [node.<name>] table is declared for every mesh node, with
[node.<name>.sensor] or [node.<name>.switch] sub-tables for kind-specific
calibration.

	[link]
	type = "serial"          # "serial" or "tcp"

	[link.serial]
	device = "/dev/ttyUSB0"
	baudrate = 115200

	[link.tcp]
	port = 1338               # the controller listens for the gateway to dial in

	[scheduler]
	poll_interval_ms = 50
	alive_signal_interval_ms = 5000
	gateway_watchdog_interval_ms = 2000
	startup_grace_ms = 1000

	[network]
	sweep_interval_ms = 30000

	[debug]
	addr = "0.0.0.0:1337"

	[status]
	path = "/tmp/wasch.state"
	interval_ms = 1000

	[uplink]
	base_url = "https://status.example.org/api"
	# key is deliberately not read from here; see Secrets.

	[node.bathroom]
	id = 12
	kind = "sensor"
	gateway = ""              # empty means "the root is this node's gateway"
	hop_timeout_ms = 2000
	max_retransmissions = 5
	check_interval_ms = 10000
	reconnect_delay_ms = 3000
	routes = ["13:12"]        # "dest:next_hop" pairs beyond the implicit gateway route

	[node.bathroom.sensor]
	sample_rate = 100
	led_map."front-door" = { index = 0, colors = { "1" = 2, "2" = 3 } }

	[node.bathroom.sensor.channel.0]
	type = "wasch"
	input_filter = [8, 200, 50]
	transition_matrix = [0, 1, 2, 3, 0, 4, 5, 6, 0]
	window_sizes = [10, 20, 30]
	reject_filter = [100, 3]
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml"

	"github.com/stustanet/waschsupervisor/internal/mesh"
)

// Config is the fully parsed, type-checked supervisor configuration.
type Config struct {
	// Map is the entire tree as parsed from TOML, kept for diagnostics.
	Map map[string]interface{}

	Link      LinkConfig
	Scheduler mesh.SchedulerConfig
	Network   mesh.NetworkManagerConfig
	Debug     DebugConfig
	Status    mesh.StatusWriterConfig
	Uplink    mesh.UplinkConfig

	Nodes []NamedNode
}

// LinkConfig selects and configures the byte transport.
type LinkConfig struct {
	Type string // "serial" or "tcp"

	SerialPath string
	SerialBaud int

	// TCPPort is the port the controller listens on for the gateway's
	// streamer to dial in (spec.md §4.1/§6 "tcp.port"): the controller
	// is the server, not the client.
	TCPPort int
}

// DebugConfig configures the operator TCP console.
type DebugConfig struct {
	Addr string
}

// NamedNode is one [node.<name>] table, with gateway left as a name for
// the caller to resolve once every node has been parsed (a node may be
// declared before or after the node it depends on).
type NamedNode struct {
	Name               string
	ID                 mesh.NodeID
	Kind               mesh.Kind
	GatewayName        string
	HopTimeout         time.Duration
	MaxRetransmissions int
	CheckInterval      time.Duration
	ReconnectDelay     time.Duration
	Routes             []mesh.RouteEntry

	Sensor *SensorConfig
	Switch *mesh.SwitchConfig
}

// SensorConfig is the parsed [node.<name>.sensor] table.
type SensorConfig struct {
	Channels    []mesh.SensorChannel
	ChannelMask *int
	SampleRate  int
	LEDMap      map[string]mesh.LEDMapEntry
}

// Secrets are overlaid from the environment rather than read from the
// TOML file, so the uplink's shared key never needs to be committed
// alongside the rest of the configuration (spec.md §4.7).
type Secrets struct {
	UplinkKey string `env:"WASCH_UPLINK_KEY"`
}

// LoadSecrets reads Secrets from the process environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("%w: %v", mesh.ErrConfig, err)
	}
	return s, nil
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

// go-toml's ToMap represents integers as either int64 or uint64
// depending on sign, so every numeric coercion has to check both.
func toInt(v interface{}) (int, error) {
	if i, ok := v.(int64); ok {
		return int(i), nil
	}
	if u, ok := v.(uint64); ok {
		return int(u), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toUint16(v interface{}) (uint16, error) {
	i, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if i < 0 || i > 0xffff {
		return 0, fmt.Errorf("value %d out of range", i)
	}
	return uint16(i), nil
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toDurationMs(v interface{}) (time.Duration, error) {
	i, err := toInt(v)
	return time.Duration(i) * time.Millisecond, err
}

func toIntSlice(v interface{}) ([]int, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array value")
	}
	out := make([]int, len(arr))
	for i, e := range arr {
		n, err := toInt(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func toRoutes(v interface{}) ([]mesh.RouteEntry, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array of \"dest:hop\" strings")
	}
	out := make([]mesh.RouteEntry, 0, len(arr))
	for _, e := range arr {
		s, err := toString(e)
		if err != nil {
			return nil, err
		}
		var dest, hop int
		if _, err := fmt.Sscanf(s, "%d:%d", &dest, &hop); err != nil {
			return nil, fmt.Errorf("route %q: expected \"dest:hop\"", s)
		}
		out = append(out, mesh.RouteEntry{Dest: mesh.NodeID(dest), NextHop: mesh.NodeID(hop)})
	}
	return out, nil
}

func newLinkConfig(m map[string]interface{}) (LinkConfig, error) {
	lc := LinkConfig{SerialBaud: 115200}
	for k, v := range m {
		var err error
		switch k {
		case "type":
			lc.Type, err = toString(v)
		case "serial":
			sm, ok := v.(map[string]interface{})
			if !ok {
				return lc, fmt.Errorf("[link.serial] must be a table")
			}
			err = newLinkSerialConfig(&lc, sm)
		case "tcp":
			tm, ok := v.(map[string]interface{})
			if !ok {
				return lc, fmt.Errorf("[link.tcp] must be a table")
			}
			err = newLinkTCPConfig(&lc, tm)
		default:
			return lc, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return lc, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return lc, nil
}

func newLinkSerialConfig(lc *LinkConfig, m map[string]interface{}) error {
	for k, v := range m {
		var err error
		switch k {
		case "device":
			lc.SerialPath, err = toString(v)
		case "baudrate":
			lc.SerialBaud, err = toInt(v)
		default:
			return fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func newLinkTCPConfig(lc *LinkConfig, m map[string]interface{}) error {
	for k, v := range m {
		var err error
		switch k {
		case "port":
			lc.TCPPort, err = toInt(v)
		default:
			return fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func newSchedulerConfig(m map[string]interface{}) (mesh.SchedulerConfig, error) {
	sc := mesh.DefaultSchedulerConfig()
	for k, v := range m {
		var err error
		switch k {
		case "poll_interval_ms":
			sc.PollInterval, err = toDurationMs(v)
		case "alive_signal_interval_ms":
			sc.AliveSignalInterval, err = toDurationMs(v)
		case "gateway_watchdog_interval_ms":
			sc.GatewayWatchdogInterval, err = toDurationMs(v)
		case "startup_grace_ms":
			sc.StartupGrace, err = toDurationMs(v)
		default:
			return sc, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return sc, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return sc, nil
}

func newNetworkConfig(m map[string]interface{}) (mesh.NetworkManagerConfig, error) {
	nc := mesh.DefaultNetworkManagerConfig()
	for k, v := range m {
		var err error
		switch k {
		case "sweep_interval_ms":
			nc.SweepInterval, err = toDurationMs(v)
		case "bring_up_poll_ms":
			nc.BringUpPoll, err = toDurationMs(v)
		default:
			return nc, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return nc, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nc, nil
}

func newDebugConfig(m map[string]interface{}) (DebugConfig, error) {
	dc := DebugConfig{Addr: "0.0.0.0:1337"}
	for k, v := range m {
		var err error
		switch k {
		case "addr":
			dc.Addr, err = toString(v)
		default:
			return dc, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return dc, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return dc, nil
}

func newStatusConfig(m map[string]interface{}) (mesh.StatusWriterConfig, error) {
	sc := mesh.DefaultStatusWriterConfig()
	for k, v := range m {
		var err error
		switch k {
		case "path":
			sc.Path, err = toString(v)
		case "interval_ms":
			sc.Interval, err = toDurationMs(v)
		default:
			return sc, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return sc, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return sc, nil
}

func newUplinkConfig(m map[string]interface{}) (mesh.UplinkConfig, error) {
	var uc mesh.UplinkConfig
	for k, v := range m {
		var err error
		switch k {
		case "base_url":
			uc.BaseURL, err = toString(v)
		default:
			return uc, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return uc, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return uc, nil
}

func newSensorChannel(index int, m map[string]interface{}) (mesh.SensorChannel, error) {
	ch := mesh.SensorChannel{Index: index}
	kind := "wasch"
	for k, v := range m {
		var err error
		switch k {
		case "type":
			kind, err = toString(v)
		case "input_filter":
			var nums []int
			if nums, err = toIntSlice(v); err == nil && len(nums) == 3 {
				ch.InputFilter = mesh.InputFilter{MidAdjustmentSpeed: nums[0], LowpassWeight: nums[1], FrameSize: nums[2]}
			} else if err == nil {
				err = fmt.Errorf("input_filter needs exactly 3 values")
			}
		case "transition_matrix":
			ch.TransitionMatrix, err = toIntSlice(v)
		case "window_sizes":
			ch.WindowSizes, err = toIntSlice(v)
		case "reject_filter":
			var nums []int
			if nums, err = toIntSlice(v); err == nil && len(nums) == 2 {
				ch.RejectFilter = mesh.RejectFilter{Threshold: nums[0], ConsecCount: nums[1]}
			} else if err == nil {
				err = fmt.Errorf("reject_filter needs exactly 2 values")
			}
		case "threshold":
			ch.Threshold, err = toInt(v)
		case "window":
			ch.Window, err = toInt(v)
		case "max_negative":
			ch.MaxNeg, err = toInt(v)
		default:
			return ch, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return ch, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	switch kind {
	case "wasch":
		ch.SubKind = mesh.SubKindStatistical
	case "freq":
		ch.SubKind = mesh.SubKindFrequency
	default:
		return ch, fmt.Errorf("channel %d: unrecognised type %q", index, kind)
	}
	return ch, nil
}

func newSensorConfig(m map[string]interface{}) (*SensorConfig, error) {
	sc := &SensorConfig{SampleRate: 100}
	for k, v := range m {
		var err error
		switch k {
		case "sample_rate":
			sc.SampleRate, err = toInt(v)
		case "channel_mask":
			var i int
			if i, err = toInt(v); err == nil {
				sc.ChannelMask = &i
			}
		case "channel":
			chanMap, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("channel table must be named by index, e.g. '[node.x.sensor.channel.0]'")
			}
			for idxStr, got := range chanMap {
				cm, ok := got.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("channel %v must be a table", idxStr)
				}
				var n int
				if _, serr := fmt.Sscanf(idxStr, "%d", &n); serr != nil {
					return nil, fmt.Errorf("channel index %q is not numeric", idxStr)
				}
				ch, cerr := newSensorChannel(n, cm)
				if cerr != nil {
					return nil, cerr
				}
				sc.Channels = append(sc.Channels, ch)
			}
		case "led_map":
			lm, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("led_map must be a table")
			}
			sc.LEDMap = make(map[string]mesh.LEDMapEntry, len(lm))
			for peer, got := range lm {
				entryMap, ok := got.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("led_map entry %q must be a table", peer)
				}
				entry, eerr := newLEDMapEntry(entryMap)
				if eerr != nil {
					return nil, fmt.Errorf("led_map entry %q: %v", peer, eerr)
				}
				sc.LEDMap[peer] = entry
			}
		default:
			return nil, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return sc, nil
}

func newLEDMapEntry(m map[string]interface{}) (mesh.LEDMapEntry, error) {
	entry := mesh.LEDMapEntry{Colors: map[int]int{}}
	for k, v := range m {
		var err error
		switch k {
		case "index":
			entry.Index, err = toInt(v)
		case "colors":
			colors, ok := v.(map[string]interface{})
			if !ok {
				return entry, fmt.Errorf("colors must be a table keyed by status code")
			}
			for code, cv := range colors {
				var status int
				if _, serr := fmt.Sscanf(code, "%d", &status); serr != nil {
					return entry, fmt.Errorf("status code %q is not numeric", code)
				}
				n, cerr := toInt(cv)
				if cerr != nil {
					return entry, cerr
				}
				entry.Colors[status] = n
			}
		default:
			return entry, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return entry, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return entry, nil
}

func newSwitchConfig(m map[string]interface{}) (*mesh.SwitchConfig, error) {
	sc := &mesh.SwitchConfig{}
	for k, v := range m {
		var err error
		switch k {
		case "color_opened":
			sc.ColorOpened, err = toInt(v)
		case "color_closed":
			sc.ColorClosed, err = toInt(v)
		case "color_pending":
			sc.ColorPending, err = toInt(v)
		case "uplink_url":
			sc.UplinkURL, err = toString(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return sc, nil
}

func newNamedNode(name string, m map[string]interface{}) (NamedNode, error) {
	n := NamedNode{
		Name:               name,
		HopTimeout:         2 * time.Second,
		MaxRetransmissions: 5,
		CheckInterval:      10 * time.Second,
		ReconnectDelay:     3 * time.Second,
	}
	kindStr := "base"
	for k, v := range m {
		var err error
		switch k {
		case "id":
			var i uint16
			i, err = toUint16(v)
			n.ID = mesh.NodeID(i)
		case "kind":
			kindStr, err = toString(v)
		case "gateway":
			n.GatewayName, err = toString(v)
		case "hop_timeout_ms":
			n.HopTimeout, err = toDurationMs(v)
		case "max_retransmissions":
			n.MaxRetransmissions, err = toInt(v)
		case "check_interval_ms":
			n.CheckInterval, err = toDurationMs(v)
		case "reconnect_delay_ms":
			n.ReconnectDelay, err = toDurationMs(v)
		case "routes":
			n.Routes, err = toRoutes(v)
		case "sensor":
			sm, ok := v.(map[string]interface{})
			if !ok {
				return n, fmt.Errorf("sensor table expected")
			}
			n.Sensor, err = newSensorConfig(sm)
		case "switch":
			sm, ok := v.(map[string]interface{})
			if !ok {
				return n, fmt.Errorf("switch table expected")
			}
			n.Switch, err = newSwitchConfig(sm)
		default:
			return n, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return n, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	switch kindStr {
	case "base":
		n.Kind = mesh.KindBase
	case "sensor":
		n.Kind = mesh.KindSensor
	case "switch":
		n.Kind = mesh.KindSwitch
	default:
		return n, fmt.Errorf("unrecognised kind %q", kindStr)
	}
	return n, nil
}

func (cfg *Config) loadNodes() error {
	got, ok := cfg.Map["node"]
	if !ok {
		return fmt.Errorf("no node table present")
	}
	nodes, ok := got.(map[string]interface{})
	if !ok {
		return fmt.Errorf("node instances must be named, e.g. '[node.mynode]'")
	}
	for name, v := range nodes {
		nm, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("node instances must be named, e.g. '[node.mynode]'")
		}
		n, err := newNamedNode(name, nm)
		if err != nil {
			return fmt.Errorf("node %v: %v", name, err)
		}
		cfg.Nodes = append(cfg.Nodes, n)
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := &Config{Map: tree.ToMap()}

	if v, ok := cfg.Map["link"]; ok {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("[link] must be a table")
		}
		lc, err := newLinkConfig(m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse [link]: %v", err)
		}
		cfg.Link = lc
	}

	cfg.Scheduler = mesh.DefaultSchedulerConfig()
	if v, ok := cfg.Map["scheduler"]; ok {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("[scheduler] must be a table")
		}
		sc, err := newSchedulerConfig(m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse [scheduler]: %v", err)
		}
		cfg.Scheduler = sc
	}

	cfg.Network = mesh.DefaultNetworkManagerConfig()
	if v, ok := cfg.Map["network"]; ok {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("[network] must be a table")
		}
		nc, err := newNetworkConfig(m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse [network]: %v", err)
		}
		cfg.Network = nc
	}

	cfg.Debug = DebugConfig{Addr: "0.0.0.0:1337"}
	if v, ok := cfg.Map["debug"]; ok {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("[debug] must be a table")
		}
		dc, err := newDebugConfig(m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse [debug]: %v", err)
		}
		cfg.Debug = dc
	}

	cfg.Status = mesh.DefaultStatusWriterConfig()
	if v, ok := cfg.Map["status"]; ok {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("[status] must be a table")
		}
		sc, err := newStatusConfig(m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse [status]: %v", err)
		}
		cfg.Status = sc
	}

	if v, ok := cfg.Map["uplink"]; ok {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("[uplink] must be a table")
		}
		uc, err := newUplinkConfig(m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse [uplink]: %v", err)
		}
		cfg.Uplink = uc
	}

	if err := cfg.loadNodes(); err != nil {
		return nil, fmt.Errorf("failed to parse nodes: %v", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, err
	}
	cfg.Uplink.Key = secrets.UplinkKey

	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string, primarily
// for tests.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}
