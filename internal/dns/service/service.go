// Package service is the proxy's composition root: it owns the
// configuration, the at-most-one upstream connector, the deferred queue
// fed while no connector is ready, and the shared id generator. It is the
// glue the downstream listeners and the upstream connector are built
// around, the way the teacher's services package sits between its
// gateways and its repos.
package service

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/randomstuff/dnsfwd/internal/dns/clock"
	"github.com/randomstuff/dnsfwd/internal/dns/connector"
	"github.com/randomstuff/dnsfwd/internal/dns/idgen"
	"github.com/randomstuff/dnsfwd/internal/dns/log"
	"github.com/randomstuff/dnsfwd/internal/dns/message"
)

// Config bundles the connector-lifecycle policy the Service enforces.
type Config struct {
	ConnectTCP    string // host:port of the single upstream resolver
	TTL           time.Duration
	PendingLimit  int
	DeferredLimit int
	DialTimeout   time.Duration
}

// Service is the process-lifetime composition root.
type Service struct {
	cfg    Config
	ids    *idgen.Generator
	clk    clock.Clock
	logger log.Logger
	ctx    context.Context

	mu       sync.Mutex
	current  *connector.Connector
	deferred *list.List // of *message.Message, front = oldest
}

// New constructs a Service. Start must be called before any request is
// accepted, so that a connector can be dialed against a live context.
func New(cfg Config, seed int64, clk clock.Clock, logger log.Logger) *Service {
	return &Service{
		cfg:      cfg,
		ids:      idgen.New(seed),
		clk:      clk,
		logger:   logger,
		deferred: list.New(),
	}
}

// Start records the context used to start connectors. It must be called
// once, before the first AddRequest.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
}

// AddRequest implements listener.Receiver: it is the single entry point by
// which a completed UDP receive reaches the rest of the proxy. If no
// connector is free to take msg immediately, msg is pushed onto the
// deferred queue for the next connector to drain.
func (s *Service) AddRequest(msg *message.Message) {
	conn := s.ensureConnector()
	if conn.AddRequest(msg) {
		return
	}
	s.pushDeferred(msg)
}

// ensureConnector returns the current connector, lazily dialing one if
// none exists. The mutex is held only long enough to read or install the
// pointer — never across the connector.Start call below nor across any
// call into the connector itself, so a connector calling back into
// Unqueue/Unregister from its own goroutine can never deadlock against an
// AddRequest in flight.
func (s *Service) ensureConnector() *connector.Connector {
	s.mu.Lock()
	if s.current != nil {
		c := s.current
		s.mu.Unlock()
		return c
	}
	c := connector.New(connector.Config{
		Addr:         s.cfg.ConnectTCP,
		TTL:          s.cfg.TTL,
		PendingLimit: s.cfg.PendingLimit,
		DialTimeout:  s.cfg.DialTimeout,
	}, s, s.ids, s.clk, s.logger)
	s.current = c
	s.mu.Unlock()
	c.Start(s.ctx)
	return c
}

// pushDeferred appends msg to the FIFO, dropping the oldest entry first if
// the queue is already at its configured bound (see spec's no-backpressure
// design note: an unbounded deferred queue is itself a live-lock risk).
func (s *Service) pushDeferred(msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deferred.Len() >= s.cfg.DeferredLimit {
		oldest := s.deferred.Front()
		s.deferred.Remove(oldest)
		s.logger.Warn(map[string]any{"limit": s.cfg.DeferredLimit}, "deferred queue full, dropping oldest request")
	}
	s.deferred.PushBack(msg)
}

// Unqueue implements connector.Hooks: it pops the oldest deferred request,
// if any. Called by a connector's own loop goroutine whenever it becomes
// free to send.
func (s *Service) Unqueue() (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.deferred.Front()
	if front == nil {
		return nil, false
	}
	s.deferred.Remove(front)
	return front.Value.(*message.Message), true
}

// Unregister implements connector.Hooks. Per spec, only clears the current
// slot if c is still the one installed — a connector from an earlier
// generation that is still unwinding its own teardown must not clobber
// whatever connector has since replaced it.
func (s *Service) Unregister(c *connector.Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == c {
		s.current = nil
	}
}

// DeferredLen reports the number of requests currently waiting for a
// connector. Exposed for tests and metrics, not part of the core contract.
func (s *Service) DeferredLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deferred.Len()
}

// Shutdown waits for the current connector's goroutine, if any, to finish
// tearing down, or for ctx to expire first. It does not itself cancel
// anything — the caller is expected to have already cancelled the context
// Start was given, which is what causes the connector's loop to return.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Done():
	case <-ctx.Done():
	}
}
