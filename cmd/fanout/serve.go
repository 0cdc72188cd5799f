package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/sklyar/fanout/internal/config"
	"github.com/sklyar/fanout/internal/control"
	"github.com/sklyar/fanout/internal/server"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var (
		configPath  string
		controlAddr string
		port        uint16
		autostart   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Long: `Run the HTTP control API. The TCP fan-out server is started and stopped
through POST /api/server/start and /api/server/stop, payloads are published
with POST /api/server/broadcast. With --autostart the fan-out server is
started on --port right away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("control-addr") {
				cfg.ControlAddr = controlAddr
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("autostart") {
				cfg.Autostart = autostart
			}

			logger := slog.Default()
			if !cmd.Flags().Changed("log-level") {
				level, err := cfg.Level()
				if err != nil {
					return err
				}
				logger = newLogger(level)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&controlAddr, "control-addr", ":7070", "address of the HTTP control API")
	cmd.Flags().Uint16VarP(&port, "port", "p", 8080, "TCP fan-out port used with --autostart")
	cmd.Flags().BoolVar(&autostart, "autostart", false, "start the fan-out server immediately")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl := server.New(
		server.WithLogger(logger),
		server.WithMetrics(server.NewMetrics(reg)),
		server.WithBacklog(cfg.Backlog),
	)

	api := control.NewAPI(ctrl,
		control.WithLogger(logger),
		control.WithGatherer(reg),
	)

	srv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Autostart {
		conf, err := ctrl.Start(cfg.Port)
		if err != nil {
			return fmt.Errorf("failed to start fan-out server: %w", err)
		}
		logger.Info(conf.Message)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("control API listening", slog.String("addr", cfg.ControlAddr))
		errs <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("control API: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down control API", slog.Any("error", err))
	}

	ctrl.Stop()
	if err := ctrl.Wait(shutdownCtx); err != nil {
		logger.Warn("clients still connected after shutdown timeout", slog.Any("error", err))
	}

	return serveErr
}
