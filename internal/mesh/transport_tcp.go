package mesh

import (
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// tcpTransport listens for the gateway's own outbound connection (spec.md
// §4.1: the remote streamer dials in, the controller accepts) and relays
// whichever lineTransport wraps the currently accepted connection. A
// later connection replaces the former, closing it; the scheduler only
// ever sees Closed() fire when the listener itself goes away.
type tcpTransport struct {
	logger log.Logger
	ln     net.Listener

	events chan Event
	closed chan struct{}

	mu      sync.Mutex
	current *lineTransport
}

// NewTCPTransport listens on addr for the gateway's control connection
// (spec.md §6 "tcp.port"). This backend exists for development against a
// simulated gateway; production deployments use NewSerialTransport.
func NewTCPTransport(addr string, logger log.Logger) (*tcpTransport, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	t := &tcpTransport{
		logger: logger,
		ln:     ln,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) acceptLoop() {
	defer close(t.closed)
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			level.Warn(t.logger).Log("msg", "tcp listener closed", "err", err)
			return
		}
		level.Info(t.logger).Log("msg", "gateway connected", "remote", conn.RemoteAddr())
		t.adopt(conn)
	}
}

// adopt makes conn the current connection, closing out whatever was
// previously current. A later connection replaces the former.
func (t *tcpTransport) adopt(conn net.Conn) {
	t.mu.Lock()
	prev := t.current
	lt := newLineTransport(conn, t.logger)
	t.current = lt
	t.mu.Unlock()

	if prev != nil {
		level.Warn(t.logger).Log("msg", "replacing existing gateway connection")
		prev.Close()
	}
	go lt.resetBoard()
	go t.relay(lt)
}

func (t *tcpTransport) relay(lt *lineTransport) {
	for {
		select {
		case ev, ok := <-lt.Events():
			if !ok {
				return
			}
			select {
			case t.events <- ev:
			default:
				level.Warn(t.logger).Log("msg", "event queue full, dropping line")
			}
		case <-lt.Closed():
			return
		}
	}
}

func (t *tcpTransport) Send(line string) error {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur == nil {
		return fmt.Errorf("tcp transport: no gateway connected")
	}
	return cur.Send(line)
}

func (t *tcpTransport) Events() <-chan Event    { return t.events }
func (t *tcpTransport) Closed() <-chan struct{} { return t.closed }

// Close stops accepting new connections and closes out whatever
// connection is currently active.
func (t *tcpTransport) Close() error {
	err := t.ln.Close()
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
	return err
}
