package mesh

import "errors"

// ErrLinkLost is returned by Scheduler.Run when the transport reports
// its link closed. The transports do not retry or re-open a lost link.
var ErrLinkLost = errors.New("mesh: link lost, retry schedule exhausted")

// ErrOperationInterrupted completes the result future of an in-flight
// command when the link drops before an ACK or TIMEOUT was observed.
var ErrOperationInterrupted = errors.New("mesh: operation interrupted by link loss")

// ErrProtocolViolation marks an inbound line that could not be reconciled
// with protocol expectations: an ACK/TIMEOUT with no outstanding command,
// an out-of-order ACK, or an ERR response.
var ErrProtocolViolation = errors.New("mesh: protocol violation")

// ErrNodeBusy is reported back to the debug socket only; it never mutates
// node state. It means an operator-injected command was rejected because
// the target node has no link session open (CON) or currently has a
// mutation in flight.
var ErrNodeBusy = errors.New("mesh: node cannot accept a command right now")

// ErrUnknownNode is returned when a name or id does not resolve to a
// configured node.
var ErrUnknownNode = errors.New("mesh: unknown node")

// ErrConfig wraps a fatal configuration error.
var ErrConfig = errors.New("mesh: configuration error")
