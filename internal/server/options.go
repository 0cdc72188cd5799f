package server

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/sklyar/fanout/internal/fanout"
)

// ListenFunc binds the TCP port a server instance accepts clients on.
type ListenFunc func(port uint16) (net.Listener, error)

// ListenTCP binds all interfaces on port.
func ListenTCP(port uint16) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collectors. Default: unregistered collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithBacklog sets how many messages a client may fall behind before it is
// disconnected. Default: fanout.DefaultCapacity.
func WithBacklog(n int) Option {
	return func(c *Controller) {
		c.backlog = n
	}
}

// WithListenFunc replaces the function used to bind the port.
func WithListenFunc(fn ListenFunc) Option {
	return func(c *Controller) {
		c.listen = fn
	}
}

func defaultController() *Controller {
	return &Controller{
		logger:  slog.Default(),
		backlog: fanout.DefaultCapacity,
		listen:  ListenTCP,
	}
}
