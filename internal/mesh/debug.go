package mesh

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
)

// debugSession is one attached operator connection. muted gates whether
// this particular session receives the raw RX/TX trace broadcast
// (spec.md §6 "mute"/"unmute" are per-socket, unlike "raw"/"unraw"
// which is a single link-wide mode on the Scheduler).
type debugSession struct {
	id    uuid.UUID
	conn  net.Conn
	muted bool
}

// DebugInterface is the operator TCP console described in spec.md §6,
// grounded on controller/debuginterface.py's command dispatch. Every
// connection gets its own correlation id so concurrent sessions' log
// lines, and dumpstate output when more than one is attached, can be
// told apart.
type DebugInterface struct {
	registry  *Registry
	scheduler *Scheduler
	logger    log.Logger
	addr      string

	mu       sync.Mutex
	sessions map[uuid.UUID]*debugSession
}

// NewDebugInterface builds a debug console bound to registry/scheduler,
// listening on addr (spec.md §6 default "0.0.0.0:1337"). It also
// installs itself as the scheduler's raw-trace Tracer.
func NewDebugInterface(registry *Registry, scheduler *Scheduler, addr string, logger log.Logger) *DebugInterface {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if addr == "" {
		addr = "0.0.0.0:1337"
	}
	d := &DebugInterface{
		registry:  registry,
		scheduler: scheduler,
		logger:    logger,
		addr:      addr,
		sessions:  make(map[uuid.UUID]*debugSession),
	}
	scheduler.SetTracer(d)
	return d
}

// Trace implements Scheduler.Tracer: it fans a raw RX/TX line out to
// every attached session that hasn't muted raw output.
func (d *DebugInterface) Trace(line string) {
	d.mu.Lock()
	sessions := make([]*debugSession, 0, len(d.sessions))
	for _, sess := range d.sessions {
		if !sess.muted {
			sessions = append(sessions, sess)
		}
	}
	d.mu.Unlock()

	for _, sess := range sessions {
		fmt.Fprintln(sess.conn, line)
	}
}

// Run accepts connections until ctx is cancelled.
func (d *DebugInterface) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", d.addr)
	if err != nil {
		return fmt.Errorf("debug interface listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	level.Info(d.logger).Log("msg", "debug interface listening", "addr", d.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go d.serve(ctx, conn)
	}
}

func (d *DebugInterface) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := &debugSession{id: uuid.New(), conn: conn}
	d.mu.Lock()
	d.sessions[sess.id] = sess
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.sessions, sess.id)
		d.mu.Unlock()
	}()

	logger := log.With(d.logger, "session", sess.id.String())
	level.Info(logger).Log("msg", "debug session opened", "remote", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := d.dispatch(ctx, sess, line)
		if reply != "" {
			fmt.Fprintln(conn, reply)
		}
	}
	level.Info(logger).Log("msg", "debug session closed")
}

// dispatch implements the command table of spec.md §6. A leading
// backslash is raw passthrough: the remainder of the line is sent to
// the gateway verbatim via operator injection, addressed to the root,
// and is only accepted while raw mode is enabled.
func (d *DebugInterface) dispatch(ctx context.Context, sess *debugSession, line string) string {
	if len(line) > 1 && line[0] == '\\' {
		if !d.scheduler.RawMode() {
			return "need to be in raw mode to send raw data"
		}
		return d.injectRaw(ctx, line[1:])
	}

	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		return "commands: help raw unraw mute unmute led <node> <colors...> frames status ping <node> check <node> dumpstate restart <node>"

	case "raw":
		d.scheduler.SetRawMode(true)
		return "raw mode enabled, prefix lines with \\ to send them directly"

	case "unraw":
		d.scheduler.SetRawMode(false)
		return "raw mode disabled"

	case "mute":
		d.mu.Lock()
		sess.muted = true
		d.mu.Unlock()
		return "raw output muted for this session"

	case "unmute":
		d.mu.Lock()
		sess.muted = false
		d.mu.Unlock()
		return "raw output unmuted for this session"

	case "led":
		return d.cmdLED(ctx, args)

	case "frames":
		return "frame tracing is not exposed over this interface"

	case "status":
		return d.cmdStatus(args)

	case "ping":
		return d.injectNamed(ctx, args, "authping")

	case "check":
		return d.cmdCheck(args)

	case "dumpstate":
		return d.cmdDumpstate(sess)

	case "restart":
		return d.cmdRestart(args)

	default:
		return fmt.Sprintf("unknown command %q", cmd)
	}
}

func (d *DebugInterface) resolve(name string) *Node {
	if n := d.registry.NodeByName(name); n != nil {
		return n
	}
	if id, err := strconv.Atoi(name); err == nil {
		return d.registry.NodeByID(NodeID(id))
	}
	return nil
}

func (d *DebugInterface) cmdLED(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "usage: led <node> <color...>"
	}
	n := d.resolve(args[0])
	if n == nil {
		return ErrUnknownNode.Error()
	}
	msg := ledMessage(n.ID, mustAtoiSlice(args[1:]))
	return d.inject(ctx, msg)
}

func (d *DebugInterface) cmdStatus(args []string) string {
	if len(args) == 0 {
		return Render(d.registry.Snapshot())
	}
	n := d.resolve(args[0])
	if n == nil {
		return ErrUnknownNode.Error()
	}
	snap, _ := d.registry.SnapshotOne(n.ID)
	return Render([]Snapshot{snap})
}

// cmdDumpstate renders every node's state. When more than one operator
// is attached, the requesting session's correlation id is prefixed so
// concurrently captured dumps can be told apart (spec.md §6).
func (d *DebugInterface) cmdDumpstate(sess *debugSession) string {
	d.mu.Lock()
	multi := len(d.sessions) > 1
	d.mu.Unlock()

	body := Render(d.registry.Snapshot())
	if !multi {
		return body
	}
	return fmt.Sprintf("[session %s]\n%s", sess.id.String(), body)
}

func (d *DebugInterface) cmdCheck(args []string) string {
	if len(args) == 0 {
		return "usage: check <node>"
	}
	n := d.resolve(args[0])
	if n == nil {
		return ErrUnknownNode.Error()
	}
	d.registry.Lock()
	n.checkConLocked(true)
	d.registry.Unlock()
	return "check scheduled"
}

func (d *DebugInterface) cmdRestart(args []string) string {
	if len(args) == 0 {
		return "usage: restart <node>"
	}
	n := d.resolve(args[0])
	if n == nil {
		return ErrUnknownNode.Error()
	}
	d.registry.Lock()
	n.resetRuntime()
	d.registry.Unlock()
	return "node reset, bring-up will restart on the next tick"
}

func (d *DebugInterface) injectNamed(ctx context.Context, args []string, verb string) string {
	if len(args) == 0 {
		return fmt.Sprintf("usage: %s <node>", verb)
	}
	n := d.resolve(args[0])
	if n == nil {
		return ErrUnknownNode.Error()
	}
	return d.inject(ctx, NewMessage(n.ID, verb))
}

func (d *DebugInterface) inject(ctx context.Context, msg *Message) string {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.scheduler.Inject(cctx, msg); err != nil {
		return err.Error()
	}
	select {
	case outcome := <-msg.done:
		if outcome.Err != nil {
			return outcome.Err.Error()
		}
		return fmt.Sprintf("ack %d", outcome.Code)
	case <-cctx.Done():
		return "timed out waiting for outcome"
	}
}

// injectRaw sends an operator-authored line directly, addressed to the
// root, bypassing the node state machine entirely (spec.md §6 "raw
// passthrough" — operators debugging the gateway itself, not a leaf).
func (d *DebugInterface) injectRaw(ctx context.Context, raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "empty raw command"
	}
	msg := NewMessage(RootID, fields[0], fields[1:]...)
	return d.inject(ctx, msg)
}

func mustAtoiSlice(ss []string) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		v, err := strconv.Atoi(s)
		if err != nil {
			v = 0
		}
		out[i] = v
	}
	return out
}
