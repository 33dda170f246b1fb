package mesh

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Tracer receives a copy of every line crossing the link, in both
// directions, for the debug interface's raw-output broadcast (spec.md
// §6). It must not block: the scheduler calls it on its own goroutine.
type Tracer interface {
	Trace(line string)
}

// Transport is the byte-link abstraction the scheduler drives: a single
// outstanding line at a time, with inbound lines classified into Events
// by ParseLine before they reach here (spec.md §4.1/§4.2).
type Transport interface {
	Send(line string) error
	Events() <-chan Event
	Closed() <-chan struct{}
	Close() error
}

// injectRequest is an operator command queued from the debug interface
// (spec.md §4.5 "operator command injection").
type injectRequest struct {
	msg  *Message
	errc chan error
}

// SchedulerConfig carries the scheduler's tunables, loaded from the
// root of the TOML config (spec.md §4.5/§4.1).
type SchedulerConfig struct {
	// PollInterval is how often the scheduler re-evaluates whether a
	// new command can be sent. It is a cooperative tick, not a protocol
	// timeout.
	PollInterval time.Duration
	// AliveSignalInterval is the period of the gateway-directed
	// keepalive beacon.
	AliveSignalInterval time.Duration
	// GatewayWatchdogInterval is the period of the wdt_feed command
	// that keeps the gateway's own watchdog timer fed.
	GatewayWatchdogInterval time.Duration
	// StartupGrace is how long the scheduler waits after the link
	// first becomes ready before it sends the first command, giving
	// the gateway's own boot sequence time to settle.
	StartupGrace time.Duration
}

// DefaultSchedulerConfig returns the tunables used by the reference
// deployment (spec.md §4.5, grounded on controller/master.py's
// gateway_watchdog_interval default and one-second startup grace).
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:            50 * time.Millisecond,
		AliveSignalInterval:     5 * time.Second,
		GatewayWatchdogInterval: 2 * time.Second,
		StartupGrace:            1 * time.Second,
	}
}

// Scheduler is the single writer of the shared link: it holds the
// Registry's lock across "pick the next message, then send it" so at
// most one command is ever in flight, exactly as spec.md §4.5 requires.
type Scheduler struct {
	registry  *Registry
	transport Transport
	logger    log.Logger
	cfg       SchedulerConfig

	injectCh chan injectRequest

	tracer  Tracer
	rawMode atomic.Bool // spec.md §6 "raw": suppresses the scheduler's own sends while set

	cursor int // round-robin position into registry.Nodes()

	outstanding     *Message
	outstandingNode *Node
	outstandingBeacon bool
	promptReady     bool

	lastAlive    time.Time
	lastWatchdog time.Time
}

// NewScheduler builds a scheduler. Run must be called to drive it.
func NewScheduler(registry *Registry, transport Transport, cfg SchedulerConfig, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Scheduler{
		registry:  registry,
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		injectCh:  make(chan injectRequest),
	}
}

// SetTracer installs t as the sink for every line crossing the link, in
// both directions (spec.md §6 raw output). Call before Run.
func (s *Scheduler) SetTracer(t Tracer) {
	s.tracer = t
}

func (s *Scheduler) trace(line string) {
	if s.tracer != nil {
		s.tracer.Trace(line)
	}
}

// SetRawMode enables or disables raw mode (spec.md §6 "raw"/"unraw"):
// while enabled, the scheduler no longer emits its own bring-up/keepalive
// commands, only operator-injected ones (including raw passthrough).
func (s *Scheduler) SetRawMode(enabled bool) {
	s.rawMode.Store(enabled)
	level.Info(s.logger).Log("msg", "raw mode changed", "enabled", enabled)
}

// RawMode reports whether raw mode is currently enabled.
func (s *Scheduler) RawMode() bool {
	return s.rawMode.Load()
}

// Inject queues an operator-issued command for the named node (spec.md
// §4.5, §6 "raw"/per-node debug commands). It blocks until the
// scheduler has accepted or refused the command, or ctx ends; once
// accepted, the command's outcome arrives later on msg.done.
func (s *Scheduler) Inject(ctx context.Context, msg *Message) error {
	errc := make(chan error, 1)
	select {
	case s.injectCh <- injectRequest{msg: msg, errc: errc}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the scheduler until ctx is cancelled or the transport
// closes. It is meant to run under an errgroup alongside the network
// manager, uplink worker and status writer.
func (s *Scheduler) Run(ctx context.Context) error {
	level.Info(s.logger).Log("msg", "scheduler starting", "startup_grace", s.cfg.StartupGrace)

	select {
	case <-time.After(s.cfg.StartupGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.promptReady = true
	now := time.Now()
	s.lastAlive = now
	s.lastWatchdog = now

	for {
		select {
		case <-ctx.Done():
			s.failOutstanding(ErrOperationInterrupted)
			return ctx.Err()

		case <-s.transport.Closed():
			s.failOutstanding(ErrOperationInterrupted)
			return ErrLinkLost

		case ev := <-s.transport.Events():
			s.handleEvent(ev)

		case req := <-s.injectCh:
			s.handleInject(req)

		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

func (s *Scheduler) failOutstanding(err error) {
	if s.outstanding == nil {
		return
	}
	if s.outstanding.done != nil {
		s.outstanding.done <- Outcome{Err: err}
		close(s.outstanding.done)
	}
	s.outstanding = nil
	s.outstandingNode = nil
}

func (s *Scheduler) handleInject(req injectRequest) {
	n := s.registry.NodeByID(req.msg.NodeID)
	if n == nil {
		req.errc <- ErrUnknownNode
		return
	}
	s.registry.Lock()
	ok := n.canAcceptInjectedLocked()
	if ok {
		n.injected = req.msg
	}
	s.registry.Unlock()
	if !ok {
		req.errc <- ErrNodeBusy
		return
	}
	req.msg.done = make(chan Outcome, 1)
	req.errc <- nil
}

// handleEvent applies one classified inbound line (spec.md §4.2). Lines
// that don't reconcile with the outstanding command are logged and
// otherwise ignored, per spec.md §7's "never let an out-of-order ack
// corrupt state" rule.
func (s *Scheduler) handleEvent(ev Event) {
	s.trace(ev.Raw)

	switch ev.Type {
	case EventPrompt:
		s.promptReady = true

	case EventAck:
		if s.outstandingBeacon && s.outstanding != nil && s.outstanding.NodeID == ev.Node {
			s.clearBeacon()
			return
		}
		s.completeOutstanding(ev.Node, func(n *Node, now time.Time) error {
			return n.onAckLocked(ev.Result, now)
		}, Outcome{Code: ev.Result})

	case EventTimeout:
		if s.outstandingBeacon && s.outstanding != nil && s.outstanding.NodeID == ev.Node {
			s.clearBeacon()
			return
		}
		s.completeOutstanding(ev.Node, func(n *Node, now time.Time) error {
			n.onTimeoutLocked(now)
			return nil
		}, Outcome{Err: nil})

	case EventPending:
		// The gateway has accepted the command but has not finished
		// executing it; the slot stays occupied until the real ACK or
		// TIMEOUT arrives. Nothing to do but keep waiting.
		level.Debug(s.logger).Log("msg", "command pending", "node", ev.Node)

	case EventStatus:
		s.registry.DispatchStatus(ev.Node, ev.Result)

	case EventError:
		if s.outstandingBeacon && s.outstanding != nil && s.outstanding.NodeID == ev.Node {
			level.Warn(s.logger).Log("msg", "gateway reported error for beacon command", "node", ev.Node, "raw", ev.Raw)
			s.clearBeacon()
			return
		}
		level.Warn(s.logger).Log("msg", "gateway reported error, marking node failed", "node", ev.Node, "raw", ev.Raw)
		s.completeOutstanding(ev.Node, func(n *Node, now time.Time) error {
			s.registry.MarkFailedLocked(n, now)
			return ErrProtocolViolation
		}, Outcome{Err: ErrProtocolViolation})

	case EventOther:
		// Deliberately ignored: spec.md §4.2 requires unrecognised
		// lines to never mutate state.
	}
}

func (s *Scheduler) clearBeacon() {
	if s.outstanding != nil && s.outstanding.done != nil {
		close(s.outstanding.done)
	}
	s.outstanding = nil
	s.outstandingNode = nil
	s.outstandingBeacon = false
}

func (s *Scheduler) completeOutstanding(node NodeID, apply func(n *Node, now time.Time) error, outcome Outcome) {
	if s.outstanding == nil || s.outstandingNode == nil || s.outstandingNode.ID != node {
		level.Warn(s.logger).Log("msg", "event with no matching outstanding command", "node", node)
		return
	}
	n := s.outstandingNode
	now := time.Now()

	s.registry.Lock()
	err := apply(n, now)
	s.registry.Unlock()

	if err != nil {
		outcome.Err = err
	}
	if s.outstanding.done != nil {
		s.outstanding.done <- outcome
		close(s.outstanding.done)
	}
	s.outstanding = nil
	s.outstandingNode = nil
}

// tick is one cooperative scheduling decision: at most one command is
// chosen and sent (spec.md §4.5 single-writer invariant).
func (s *Scheduler) tick(now time.Time) {
	if s.outstanding != nil || !s.promptReady {
		return
	}

	if s.maybeSendBeacon(now, s.cfg.AliveSignalInterval, &s.lastAlive, "alive_signal") {
		return
	}
	if s.maybeSendBeacon(now, s.cfg.GatewayWatchdogInterval, &s.lastWatchdog, "wdt_feed") {
		return
	}

	nodes := s.registry.Nodes()
	if len(nodes) == 0 {
		return
	}

	if s.rawMode.Load() {
		// Raw mode (spec.md §6 "raw"): the scheduler's own bring-up and
		// keepalive policy is suppressed entirely; only an operator's
		// already-injected command (including a raw-prefixed one) is
		// still sent.
		s.registry.Lock()
		for _, n := range nodes {
			if n.injected == nil {
				continue
			}
			if msg := n.nextMessageLocked(now); msg != nil {
				s.send(n, msg)
				s.registry.Unlock()
				return
			}
		}
		s.registry.Unlock()
		return
	}

	// Recovery priority: any node mid-reconnect or owed a retransmit
	// jumps the round-robin queue (spec.md §4.5 "recovery-priority
	// preemption"). Failed nodes are excluded entirely: spec.md §4.6
	// reserves re-initialising them for the sanity sweep, so they must
	// never be considered here no matter how long waitUntil has elapsed.
	s.registry.Lock()
	for _, n := range nodes {
		if !n.Failed && (!n.flags.CON || n.flags.RT) {
			if msg := n.nextMessageLocked(now); msg != nil {
				s.send(n, msg)
				s.registry.Unlock()
				return
			}
		}
	}

	for i := 0; i < len(nodes); i++ {
		idx := (s.cursor + i) % len(nodes)
		n := nodes[idx]
		msg := n.nextMessageLocked(now)
		if msg == nil {
			continue
		}
		s.cursor = (idx + 1) % len(nodes)
		s.send(n, msg)
		s.registry.Unlock()
		return
	}
	s.registry.Unlock()
}

// send transmits msg and records it as the outstanding command. Caller
// holds the registry lock and releases it itself.
func (s *Scheduler) send(n *Node, msg *Message) {
	if msg.done == nil {
		msg.done = make(chan Outcome, 1)
	}
	s.outstanding = msg
	s.outstandingNode = n
	s.outstandingBeacon = false
	s.promptReady = false
	if n.pendingSince.IsZero() {
		// Only stamped on the first attempt: a retransmit of the same
		// logical command must not reset the sweep's transmitting-node
		// budget (spec.md §4.6).
		n.pendingSince = time.Now()
	}

	line := msg.Line()
	if err := s.transport.Send(line); err != nil {
		level.Error(s.logger).Log("msg", "send failed", "node", n.ID, "err", err)
		s.outstanding = nil
		s.outstandingNode = nil
		msg.done <- Outcome{Err: err}
		close(msg.done)
		return
	}
	s.trace("--> " + line)
	level.Debug(s.logger).Log("msg", "sent", "line", line)
}

func (s *Scheduler) maybeSendBeacon(now time.Time, interval time.Duration, last *time.Time, verb string) bool {
	if interval <= 0 || now.Sub(*last) < interval {
		return false
	}
	*last = now
	msg := NewMessage(RootID, verb)
	s.outstanding = msg
	s.outstandingBeacon = true
	s.promptReady = false
	line := msg.Line()
	if err := s.transport.Send(line); err != nil {
		level.Error(s.logger).Log("msg", fmt.Sprintf("%s failed", verb), "err", err)
		s.outstanding = nil
		s.outstandingBeacon = false
		return false
	}
	s.trace("--> " + line)
	return true
}
