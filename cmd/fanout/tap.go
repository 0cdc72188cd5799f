package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func tapCmd() *cobra.Command {
	var (
		addr string
		hex  bool
		raw  bool
	)

	cmd := &cobra.Command{
		Use:   "tap",
		Short: "Connect to a fan-out server and print what it sends",
		Long: `Connect to a fan-out server and copy everything it sends to stdout.
On a terminal the data is shown as a hex dump, otherwise it is copied raw.
--hex and --raw force either mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return errors.New("addr must be set")
			}
			if hex && raw {
				return errors.New("--hex and --raw are mutually exclusive")
			}

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to connect server %s: %w", addr, err)
			}
			defer conn.Close()

			slog.Info("connected", slog.String("addr", conn.RemoteAddr().String()))

			out := cmd.OutOrStdout()
			tty := isTerminal(out)

			if raw || (!hex && !tty) {
				if _, err := io.Copy(out, conn); err != nil {
					return fmt.Errorf("failed to copy: %w", err)
				}
				return nil
			}

			d := newDumper(out, tty && !color.NoColor)
			if _, err := io.Copy(d, conn); err != nil {
				return fmt.Errorf("failed to copy: %w", err)
			}

			slog.Info("server closed the connection", slog.Int64("bytes", d.Offset()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "address of the fan-out server, host:port")
	cmd.Flags().BoolVar(&hex, "hex", false, "always print a hex dump")
	cmd.Flags().BoolVar(&raw, "raw", false, "always copy raw bytes")

	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
