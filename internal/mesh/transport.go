package mesh

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// resetSettleDelay is how long the gateway is given to reboot between
// the "reset" and "forward" lines of the board-reset sequence (spec.md
// §4.1).
const resetSettleDelay = 2 * time.Second

// lineTransport is the shared implementation of Transport over any
// io.ReadWriteCloser byte stream: it owns the read loop that splits the
// stream into lines, classifies them with ParseLine, and forwards the
// resulting Events, plus a serialised Send. The serial and TCP backends
// differ only in how the underlying conn is obtained.
type lineTransport struct {
	logger log.Logger

	writeMu sync.Mutex
	conn    io.ReadWriteCloser

	events chan Event
	closed chan struct{}
	once   sync.Once
}

func newLineTransport(conn io.ReadWriteCloser, logger log.Logger) *lineTransport {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	t := &lineTransport{
		logger: logger,
		conn:   conn,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// resetBoard runs the board-reset handshake: send "reset", wait for the
// gateway to reboot, then send "forward" to switch it into line-forward
// mode (spec.md §4.1). Errors are logged, not fatal: a gateway that is
// already in forward mode will simply not respond to "reset", which is
// harmless.
func (t *lineTransport) resetBoard() {
	if err := t.Send("reset"); err != nil {
		level.Warn(t.logger).Log("msg", "reset line failed", "err", err)
		return
	}
	time.Sleep(resetSettleDelay)
	if err := t.Send("forward"); err != nil {
		level.Warn(t.logger).Log("msg", "forward line failed", "err", err)
	}
}

func (t *lineTransport) readLoop() {
	defer t.signalClosed()
	scanner := bufio.NewScanner(t.conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ev := ParseLine(line)
		select {
		case t.events <- ev:
		default:
			level.Warn(t.logger).Log("msg", "event queue full, dropping line", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		level.Error(t.logger).Log("msg", "read loop ended", "err", err)
	}
}

func (t *lineTransport) signalClosed() {
	t.once.Do(func() { close(t.closed) })
}

// Send writes one line, terminated with "\n", to the link. Only one
// writer may use the transport at a time; the scheduler is the only
// caller in normal operation, but resetBoard also writes during setup,
// hence the mutex.
func (t *lineTransport) Send(line string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := io.WriteString(t.conn, line+"\n")
	return err
}

func (t *lineTransport) Events() <-chan Event {
	return t.events
}

func (t *lineTransport) Closed() <-chan struct{} {
	return t.closed
}

// Close releases the underlying connection. After Close, Closed()'s
// channel is guaranteed to be closed once the read loop observes EOF.
func (t *lineTransport) Close() error {
	return t.conn.Close()
}
