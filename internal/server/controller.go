// Package server runs a TCP server that relays every broadcast payload,
// byte for byte, to all connected clients.
//
// A Controller owns at most one running server at a time. Start launches
// the listener in the background, Broadcast publishes to the clients that
// are connected at that moment and Stop tears everything down without
// waiting for it.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sklyar/fanout/internal/fanout"
)

// ErrAlreadyRunning is returned by Start while a server is running.
var ErrAlreadyRunning = errors.New("server already running")

// Confirmation is returned by a successful Start.
type Confirmation struct {
	Port    uint16
	Message string

	// Bound receives the outcome of binding the port exactly once: nil when
	// the server is listening, the bind error otherwise. It is closed after
	// that. Start succeeds regardless of the bind outcome.
	Bound <-chan error
}

// Status is a snapshot of the controller state.
type Status struct {
	Running  bool   `json:"running"`
	Port     uint16 `json:"port"`
	Addr     string `json:"addr,omitempty"`
	Sessions int64  `json:"sessions"`
}

// Controller starts, stops and publishes to a TCP fan-out server. The zero
// value is not usable, create one with New.
type Controller struct {
	logger  *slog.Logger
	metrics *Metrics
	backlog int
	listen  ListenFunc

	mu      sync.Mutex
	running bool
	port    uint16
	addr    net.Addr
	channel *fanout.Channel
	cancel  context.CancelFunc

	sessions atomic.Int64
	tasks    sync.WaitGroup
}

// New returns a stopped controller.
func New(opts ...Option) *Controller {
	c := defaultController()
	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}

	return c
}

// Start launches a server on port and returns without waiting for the port
// to be bound; see Confirmation.Bound. It fails with ErrAlreadyRunning if a
// server is running.
func (c *Controller) Start(port uint16) (Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return Confirmation{}, ErrAlreadyRunning
	}

	ch := fanout.New(c.backlog)
	ctx, cancel := context.WithCancel(context.Background())

	c.running = true
	c.port = port
	c.addr = nil
	c.channel = ch
	c.cancel = cancel
	c.metrics.running.Set(1)

	bound := make(chan error, 1)

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		c.listenAndServe(ctx, port, ch, bound)
	}()

	return Confirmation{
		Port:    port,
		Message: fmt.Sprintf("Server started on port %d", port),
		Bound:   bound,
	}, nil
}

// Stop closes the fan-out channel and signals the listener to exit. It does
// not wait for clients to be disconnected; use Wait for that. Calling Stop
// on a stopped controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	ch, cancel := c.channel, c.cancel
	c.running = false
	c.port = 0
	c.addr = nil
	c.channel = nil
	c.cancel = nil
	if cancel != nil {
		c.metrics.running.Set(0)
	}
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if cancel != nil {
		cancel()
		c.logger.Info("server stop requested")
	}
}

// Broadcast sends a copy of payload to every connected client. It never
// blocks on clients and silently discards the payload when no server is
// running.
func (c *Controller) Broadcast(payload []byte) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch == nil {
		c.metrics.broadcastDropped.Inc()
		return
	}

	if _, err := ch.Publish(bytes.Clone(payload)); err != nil {
		// stopped between reading the handle and publishing
		c.metrics.broadcastDropped.Inc()
		return
	}

	c.metrics.published(len(payload))
}

// Subscribe attaches an in-process subscriber to the running server's
// channel. It reports false when no server is running.
func (c *Controller) Subscribe() (*fanout.Subscription, bool) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch == nil {
		return nil, false
	}

	return ch.Subscribe(), true
}

// Addr returns the bound listener address, or nil if the server is not
// running or has not bound its port yet.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.addr
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Running:  c.running,
		Port:     c.port,
		Sessions: c.sessions.Load(),
	}
	if c.addr != nil {
		st.Addr = c.addr.String()
	}

	return st
}

// Wait blocks until every listener and client session started by this
// controller has exited, or ctx is done. It must not be called concurrently
// with Start.
//
// When ctx is done first, the goroutine waiting on the tasks stays blocked
// until they exit; a session writing to a peer that never reads keeps it
// around for good.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setAddr records the bound address if ch still belongs to the running
// server.
func (c *Controller) setAddr(ch *fanout.Channel, addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == ch {
		c.addr = addr
	}
}
