// Package connector implements the upstream-facing half of the proxy: a
// single persistent TCP connection to the configured resolver, the
// transaction-id rewriting discipline that lets many UDP queries share it,
// and the pending/expiry bookkeeping that correlates replies with the
// requests that triggered them.
//
// Each Connector owns exactly one loop goroutine. All of its mutable state
// — the pending table, the in-flight "current" message, the write-in-flight
// flag — is touched only from that goroutine, the same serialization the
// teacher's single-threaded-core packages get from a channel-driven actor
// rather than a mutex. Blocking reads and writes run on helper goroutines
// that report back over channels; the dial runs on the owning goroutine
// itself, before its loop starts.
package connector

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/randomstuff/dnsfwd/internal/dns/clock"
	"github.com/randomstuff/dnsfwd/internal/dns/log"
	"github.com/randomstuff/dnsfwd/internal/dns/message"
)

// idSource yields the next candidate transaction id. *idgen.Generator
// satisfies this; tests substitute a rigged sequence to exercise the
// rejection-sampling loop in freshClientID deterministically.
type idSource interface {
	Uint16() uint16
}

// Hooks is the slice of Service that a Connector needs: a source of
// deferred requests to drain once it is free, and a way to tell the
// Service it has torn itself down. Depending on this narrow interface
// rather than a concrete Service keeps the connector independently
// testable, the way the teacher's services package depends on repo
// interfaces rather than concrete stores.
type Hooks interface {
	// Unqueue returns the next deferred request, if any.
	Unqueue() (*message.Message, bool)
	// Unregister reports that c has torn itself down. The Service clears
	// its current-connector slot only if c is still the one it holds,
	// so a stale connector from a prior generation can never clobber a
	// connector that has already replaced it.
	Unregister(c *Connector)
}

// Config bundles the fixed parameters a Connector is built with.
type Config struct {
	Addr         string // first configured connect-tcp endpoint, host:port
	TTL          time.Duration
	PendingLimit int
	DialTimeout  time.Duration
}

// Connector owns the TCP socket to the upstream resolver and the
// request/reply multiplexing over it.
type Connector struct {
	cfg    Config
	hooks  Hooks
	ids    idSource
	clk    clock.Clock
	logger log.Logger

	addReqCh chan addReqRequest
	done     chan struct{}
}

type addReqRequest struct {
	msg   *message.Message
	reply chan bool
}

type frameResult struct {
	buf []byte
	err error
}

type writeResult struct {
	msg *message.Message
	err error
}

// New constructs a Connector. Start must be called to dial and begin
// serving; until then AddRequest blocks.
func New(cfg Config, hooks Hooks, ids idSource, clk clock.Clock, logger log.Logger) *Connector {
	return &Connector{
		cfg:      cfg,
		hooks:    hooks,
		ids:      ids,
		clk:      clk,
		logger:   logger,
		addReqCh: make(chan addReqRequest),
		done:     make(chan struct{}),
	}
}

// Start dials upstream and, on success, runs the connector's loop until the
// connection is torn down or ctx is cancelled. It returns immediately; the
// work happens on a new goroutine.
func (c *Connector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done returns a channel closed once the connector's owning goroutine has
// exited, whether from a dial failure, an I/O error, or ctx cancellation.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

// AddRequest offers msg to the connector. It returns false without
// consuming msg if the connector is already serializing a write (matching
// current != none in the spec's single in-flight slot), or if the
// connector has already torn itself down — in both cases the caller
// (Service) is expected to queue msg for later delivery.
func (c *Connector) AddRequest(msg *message.Message) bool {
	reply := make(chan bool, 1)
	select {
	case c.addReqCh <- addReqRequest{msg: msg, reply: reply}:
		return <-reply
	case <-c.done:
		return false
	}
}

func (c *Connector) run(ctx context.Context) {
	defer close(c.done)

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		c.logger.Warn(map[string]any{"addr": c.cfg.Addr, "error": err.Error()}, "upstream connect failed")
		c.hooks.Unregister(c)
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	c.loop(ctx, conn)
}

// loop is the connector's single owning goroutine: every read of pending,
// current, and the pending table happens here and nowhere else.
func (c *Connector) loop(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	pending := newPendingTable(c.cfg.PendingLimit, c.logger)
	frameCh := make(chan frameResult, 1)
	writeDoneCh := make(chan writeResult, 1)
	go c.readLoop(conn, frameCh)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	var current *message.Message
	writing := false

	send := func() {
		if writing {
			return
		}
		if current == nil {
			m, ok := c.hooks.Unqueue()
			if !ok {
				return
			}
			current = m
		}
		pending.ageOut(c.clk.Now().Add(-c.cfg.TTL))

		msg := current
		msg.ClientID = c.freshClientID(pending)
		msg.StampClientID()
		writing = true
		go func() {
			err := writeFramed(conn, msg.Payload())
			writeDoneCh <- writeResult{msg: msg, err: err}
		}()
	}

	for {
		select {
		case req := <-c.addReqCh:
			if current != nil {
				req.reply <- false
				continue
			}
			current = req.msg
			req.reply <- true
			send()

		case wr := <-writeDoneCh:
			writing = false
			current = nil
			if wr.err != nil {
				c.logger.Warn(map[string]any{"error": wr.err.Error()}, "upstream write failed")
				c.hooks.Unregister(c)
				return
			}
			wr.msg.Timestamp = c.clk.Now()
			pending.insert(wr.msg)
			send()

		case fr := <-frameCh:
			if fr.err != nil {
				c.logger.Warn(map[string]any{"error": fr.err.Error()}, "upstream read failed")
				c.hooks.Unregister(c)
				return
			}
			c.handleFrame(pending, fr.buf)

		case <-ctx.Done():
			c.hooks.Unregister(c)
			return
		}
	}
}

// freshClientID samples ids until one is not already in pending, per the
// spec's rejection-sampling requirement. The pending-limit bound on the
// table (see pendingTable) keeps this loop's expected attempt count low
// even under sustained overload.
func (c *Connector) freshClientID(pending *pendingTable) uint16 {
	for {
		id := c.ids.Uint16()
		if !pending.contains(id) {
			return id
		}
	}
}

func (c *Connector) handleFrame(pending *pendingTable, buf []byte) {
	if len(buf) < message.MinSize {
		c.logger.Warn(map[string]any{"size": len(buf)}, "short upstream frame, discarding")
		return
	}
	clientID := binary.BigEndian.Uint16(buf[0:2])
	msg, ok := pending.lookup(clientID)
	if !ok {
		c.logger.Warn(map[string]any{"client_id": clientID}, "reply for unknown client id")
		return
	}
	binary.BigEndian.PutUint16(buf[0:2], msg.ServerID)
	msg.OriginListener.SendResponse(buf, msg.SrcAddr)
	pending.remove(clientID)
}

// readLoop performs the two-stage length-prefixed read continuously,
// reporting exactly one frameResult per frame (or a terminal error) back
// to the owning loop. It never touches connector state directly.
func (c *Connector) readLoop(conn net.Conn, out chan<- frameResult) {
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			out <- frameResult{err: err}
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(conn, buf); err != nil {
				out <- frameResult{err: err}
				return
			}
		}
		out <- frameResult{buf: buf}
	}
}

// writeFramed writes the 2-byte big-endian length prefix followed by
// payload as a single scatter write, mirroring the original's vc_buffer()
// two-buffer write.
func writeFramed(w io.Writer, payload []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	bufs := net.Buffers{lenBuf[:], payload}
	n, err := bufs.WriteTo(w)
	if err != nil {
		return err
	}
	if n != int64(len(payload)+2) {
		return io.ErrShortWrite
	}
	return nil
}
