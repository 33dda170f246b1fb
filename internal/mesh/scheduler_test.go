package mesh

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport double: Send appends to a log
// instead of touching a real link, and tests push Events directly.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	events chan Event
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeTransport) Events() <-chan Event    { return f.events }
func (f *fakeTransport) Closed() <-chan struct{} { return f.closed }
func (f *fakeTransport) Close() error            { return nil }

func (f *fakeTransport) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func TestSchedulerSendsConnectThenAppliesAck(t *testing.T) {
	registry := NewRegistry(nil)
	n := NewBaseNode(NodeParams{
		ID: 1, Name: "a",
		HopTimeout: time.Second, MaxRetransmissions: 3,
		CheckInterval: time.Hour, ReconnectDelay: time.Second,
	})
	if err := registry.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	transport := newFakeTransport()
	cfg := DefaultSchedulerConfig()
	cfg.StartupGrace = 0
	cfg.PollInterval = 5 * time.Millisecond
	cfg.AliveSignalInterval = 0
	cfg.GatewayWatchdogInterval = 0
	sched := NewScheduler(registry, transport, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	waitFor(t, func() bool { return transport.lastSent() == "connect 1 0 1" })

	transport.events <- Event{Type: EventAck, Node: 1, Result: 0}

	waitFor(t, func() bool {
		registry.Lock()
		defer registry.Unlock()
		return n.flags.CON
	})
}

func TestSchedulerInjectedCommandIsSentAndCompletes(t *testing.T) {
	registry := NewRegistry(nil)
	n := NewBaseNode(NodeParams{ID: 1, Name: "a", CheckInterval: time.Hour})
	n.flags.CON = true // skip connect/routes so the injected command is next
	n.flags.ROUTES = true
	if err := registry.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	transport := newFakeTransport()
	cfg := DefaultSchedulerConfig()
	cfg.StartupGrace = 0
	cfg.PollInterval = 5 * time.Millisecond
	cfg.AliveSignalInterval = 0
	cfg.GatewayWatchdogInterval = 0
	sched := NewScheduler(registry, transport, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	msg := NewMessage(1, "authping")
	injectCtx, injectCancel := context.WithTimeout(ctx, time.Second)
	defer injectCancel()
	if err := sched.Inject(injectCtx, msg); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	waitFor(t, func() bool { return transport.lastSent() == "authping 1" })
	transport.events <- Event{Type: EventAck, Node: 1, Result: 0}

	select {
	case outcome := <-msg.done:
		if outcome.Err != nil {
			t.Fatalf("unexpected outcome error: %v", outcome.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for injected command to complete")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
