package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sklyar/fanout/internal/server"
)

const defaultChunkSize = 4096

func pipeCmd() *cobra.Command {
	var (
		port    uint16
		chunk   int
		backlog int
	)

	cmd := &cobra.Command{
		Use:   "pipe",
		Short: "Broadcast stdin to every client of a TCP server",
		Long: `Start a TCP fan-out server on --port and broadcast everything read from
stdin to the connected clients, chunk by chunk, until stdin is exhausted or
the process is interrupted. Typical use is sharing a serial device:

  fanout pipe --port 8080 < /dev/ttyUSB0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunk < 1 {
				return fmt.Errorf("chunk size must be positive, got %d", chunk)
			}

			logger := slog.Default()
			ctrl := server.New(server.WithLogger(logger), server.WithBacklog(backlog))

			conf, err := ctrl.Start(port)
			if err != nil {
				return err
			}
			if err := <-conf.Bound; err != nil {
				ctrl.Stop()
				return err
			}
			logger.Info(conf.Message)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			pipeErr := pipe(ctx, cmd.InOrStdin(), ctrl, chunk)

			ctrl.Stop()
			waitCtx, cancelWait := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelWait()
			if err := ctrl.Wait(waitCtx); err != nil {
				logger.Warn("clients still connected after shutdown timeout", slog.Any("error", err))
			}

			return pipeErr
		},
	}

	cmd.Flags().Uint16VarP(&port, "port", "p", 8080, "TCP port to serve on")
	cmd.Flags().IntVar(&chunk, "chunk", defaultChunkSize, "maximum bytes per broadcast")
	cmd.Flags().IntVar(&backlog, "backlog", 100, "messages a client may fall behind before it is dropped")

	return cmd
}

// broadcaster is the part of server.Controller pipe needs.
type broadcaster interface {
	Broadcast(payload []byte)
}

// pipe broadcasts whatever r yields, one read per message, until EOF or ctx
// is done. A blocked read is abandoned when ctx is done.
func pipe(ctx context.Context, r io.Reader, b broadcaster, chunk int) error {
	errs := make(chan error, 1)

	go func() {
		buf := make([]byte, chunk)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b.Broadcast(buf[:n])
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				errs <- err
				return
			}
		}
	}()

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}
