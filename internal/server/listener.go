package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/sklyar/fanout/internal/fanout"
)

// listenAndServe binds port and accepts clients until ctx is cancelled.
// Every accepted client is subscribed to ch. The bind outcome is sent on
// bound before anything else happens.
func (c *Controller) listenAndServe(ctx context.Context, port uint16, ch *fanout.Channel, bound chan<- error) {
	logger := c.logger.With(slog.Int("port", int(port)))

	ln, err := c.listen(port)
	if err != nil {
		c.metrics.bindErrors.Inc()
		logger.Error("failed to bind", slog.Any("error", err))
		bound <- fmt.Errorf("failed to listen on port %d: %w", port, err)
		close(bound)
		return
	}
	c.setAddr(ch, ln.Addr())
	close(bound)

	logger.Info("listening", slog.String("addr", ln.Addr().String()))

	// Accept blocks, so the stop signal is delivered by closing the
	// listener. done releases the watcher when the loop exits on its own.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("failed to close listener", slog.Any("error", err))
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("server stopping")
				return
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Error("listener closed unexpectedly", slog.Any("error", err))
				return
			}

			c.metrics.acceptErrors.Inc()
			logger.Error("failed to accept", slog.Any("error", err))
			continue
		}

		if ctx.Err() != nil {
			_ = conn.Close()
			logger.Info("server stopping")
			return
		}

		sub := ch.Subscribe()
		c.sessions.Add(1)
		c.metrics.sessionStarted()

		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			c.serveSession(newClient(conn), sub)
		}()
	}
}
