package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sklyar/fanout/internal/fanout"
)

type client struct {
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

func newClient(conn net.Conn) *client {
	return &client{conn: conn}
}

// Send writes msg as is. net.Conn writes either the whole slice or fail.
func (c *client) Send(msg []byte) error {
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *client) String() string {
	return c.conn.RemoteAddr().String()
}

// serveSession relays messages from sub to the client until the channel is
// closed, the subscription lags or a write fails.
func (c *Controller) serveSession(cl *client, sub *fanout.Subscription) {
	logger := c.logger.With(slog.String("remote", cl.String()))
	logger.Info("new client connected")

	reason := reasonClosed
	done := make(chan struct{})
	defer func() {
		close(done)
		sub.Close()
		if err := cl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn("failed to close connection", slog.Any("error", err))
		}

		c.sessions.Add(-1)
		c.metrics.sessionEnded(reason)
		logger.Info("client disconnected", slog.String("reason", reason))
	}()

	// A write to a peer that does not read can block forever. Closing the
	// socket on eviction turns that into a write error.
	go func() {
		select {
		case <-sub.Lagged():
			_ = cl.Close()
		case <-done:
		}
	}()

	for {
		msg, err := sub.Recv()
		if err != nil {
			if errors.Is(err, fanout.ErrLagged) {
				reason = reasonLagged
				logger.Warn("client fell behind, disconnecting", slog.Int("backlog", c.backlog))
			}
			return
		}

		if err := cl.Send(msg); err != nil {
			select {
			case <-sub.Lagged():
				reason = reasonLagged
				logger.Warn("client fell behind, disconnecting", slog.Int("backlog", c.backlog))
			default:
				reason = reasonWrite
				logger.Info("client write failed", slog.Any("error", err))
			}
			return
		}
	}
}
