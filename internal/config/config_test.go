package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stustanet/waschsupervisor/internal/mesh"
)

func TestLoadStringParsesLinkAndNodes(t *testing.T) {
	in := `
[link]
type = "serial"

[link.serial]
device = "/dev/ttyUSB0"
baudrate = 115200

[node.root]
id = 0

[node.bathroom]
id = 12
kind = "sensor"
gateway = "root"
hop_timeout_ms = 1500
routes = ["13:12"]

[node.bathroom.sensor]
sample_rate = 200

[node.bathroom.sensor.channel.0]
type = "freq"
threshold = 10
window = 5
max_negative = 2
`
	cfg, err := LoadString(in)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}

	if cfg.Link.Type != "serial" || cfg.Link.SerialPath != "/dev/ttyUSB0" || cfg.Link.SerialBaud != 115200 {
		t.Fatalf("unexpected link config: %+v", cfg.Link)
	}

	if len(cfg.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(cfg.Nodes))
	}

	var bathroom *NamedNode
	for i := range cfg.Nodes {
		if cfg.Nodes[i].Name == "bathroom" {
			bathroom = &cfg.Nodes[i]
		}
	}
	if bathroom == nil {
		t.Fatalf("bathroom node not found")
	}
	if bathroom.Kind != mesh.KindSensor {
		t.Fatalf("got kind %v, want KindSensor", bathroom.Kind)
	}
	if bathroom.GatewayName != "root" {
		t.Fatalf("got gateway %q, want root", bathroom.GatewayName)
	}
	if bathroom.HopTimeout != 1500*time.Millisecond {
		t.Fatalf("got hop timeout %v, want 1.5s", bathroom.HopTimeout)
	}
	if len(bathroom.Routes) != 1 || bathroom.Routes[0].Dest != 13 || bathroom.Routes[0].NextHop != 12 {
		t.Fatalf("unexpected routes: %+v", bathroom.Routes)
	}
	if bathroom.Sensor == nil || bathroom.Sensor.SampleRate != 200 {
		t.Fatalf("unexpected sensor config: %+v", bathroom.Sensor)
	}
	assert.Len(t, bathroom.Sensor.Channels, 1)
	assert.Equal(t, mesh.SubKindFrequency, bathroom.Sensor.Channels[0].SubKind)
}

func TestLoadStringRejectsUnknownParameter(t *testing.T) {
	_, err := LoadString(`
[node.a]
id = 1
bogus = true
`)
	if err == nil {
		t.Fatalf("expected an error for an unrecognised node parameter")
	}
}

func TestLoadStringRejectsBadRoute(t *testing.T) {
	_, err := LoadString(`
[node.a]
id = 1
routes = ["not-a-route"]
`)
	if err == nil {
		t.Fatalf("expected an error for a malformed route")
	}
}

func TestLoadStringParsesSwitchTable(t *testing.T) {
	cfg, err := LoadString(`
[node.a]
id = 1
kind = "switch"

[node.a.switch]
color_opened = 1
color_closed = 2
`)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	if cfg.Nodes[0].Switch == nil || cfg.Nodes[0].Switch.ColorOpened != 1 {
		t.Fatalf("unexpected switch config: %+v", cfg.Nodes[0].Switch)
	}
}
