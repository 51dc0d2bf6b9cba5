// Package listener implements the downstream-facing half of the proxy: a
// UDP socket that accepts DNS queries from local clients and transmits the
// replies the upstream connector hands back. A Listener never inspects a
// query beyond the minimum DNS header length; correlating requests with
// replies is the connector's job.
package listener

import (
	"context"
	"errors"
	"net"

	"github.com/randomstuff/dnsfwd/internal/dns/log"
	"github.com/randomstuff/dnsfwd/internal/dns/message"
)

// Receiver is the slice of Service a Listener needs: a place to deliver
// completed requests.
type Receiver interface {
	AddRequest(msg *message.Message)
}

// Listener owns one UDP socket bound to a downstream-facing address.
type Listener struct {
	addr     string
	conn     *net.UDPConn
	receiver Receiver
	logger   log.Logger
	done     chan struct{}
}

// New binds a UDP socket on addr. The socket is bound eagerly so that
// startup failures (bad address, port in use) surface before Start is
// called, matching the "bind failure is fatal at startup" error policy.
func New(addr string, receiver Receiver, logger log.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{addr: addr, conn: conn, receiver: receiver, logger: logger, done: make(chan struct{})}, nil
}

// NewFromConn wraps an already-bound UDP socket, e.g. one adopted from
// an inherited file descriptor by internal/dns/bootstrap. addr is used
// only for logging.
func NewFromConn(addr string, conn *net.UDPConn, receiver Receiver, logger log.Logger) *Listener {
	return &Listener{addr: addr, conn: conn, receiver: receiver, logger: logger, done: make(chan struct{})}
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Start runs the receive loop until ctx is cancelled or the socket errors
// out permanently (closed by Close). It returns immediately; the loop runs
// on its own goroutine.
func (l *Listener) Start(ctx context.Context) {
	go l.receiveLoop(ctx)
}

// Close closes the underlying socket, unblocking any outstanding receive.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Done returns a channel closed once the receive loop has returned, e.g.
// after Close unblocks it. Callers can wait on this to know teardown is
// actually complete rather than merely requested.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) receiveLoop(ctx context.Context) {
	defer close(l.done)
	for {
		msg := message.New()
		n, src, err := l.conn.ReadFromUDP(msg.Buffer)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn(map[string]any{"addr": l.addr, "error": err.Error()}, "UDP receive failed")
			continue
		}
		if n < message.MinSize {
			l.logger.Debug(map[string]any{"addr": l.addr, "size": n}, "short UDP datagram, discarding")
			continue
		}
		msg.Size = n
		msg.SrcAddr = src
		msg.OriginListener = l
		msg.ReadServerID()
		l.receiver.AddRequest(msg)
	}
}

// SendResponse implements message.Responder: it transmits buf to dst and
// logs (without retry) on error or partial send.
func (l *Listener) SendResponse(buf []byte, dst net.Addr) {
	udpDst, ok := dst.(*net.UDPAddr)
	if !ok {
		l.logger.Error(map[string]any{"dst": dst}, "reply destination is not a UDP address")
		return
	}
	n, err := l.conn.WriteToUDP(buf, udpDst)
	if err != nil {
		l.logger.Warn(map[string]any{"dst": dst.String(), "error": err.Error()}, "UDP send failed")
		return
	}
	if n != len(buf) {
		l.logger.Warn(map[string]any{"dst": dst.String(), "sent": n, "want": len(buf)}, "partial UDP send")
	}
}
