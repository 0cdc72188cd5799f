// Package control exposes a server.Controller over HTTP.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sklyar/fanout/internal/fanout"
	"github.com/sklyar/fanout/internal/server"
)

const tracerName = "github.com/sklyar/fanout/internal/control"

// DefaultMaxPayload bounds the body of a broadcast request.
const DefaultMaxPayload = 1 << 20

// Controller is the part of server.Controller the API drives.
type Controller interface {
	Start(port uint16) (server.Confirmation, error)
	Stop()
	Broadcast(payload []byte)
	Status() server.Status
	Subscribe() (*fanout.Subscription, bool)
}

// API serves the control endpoints.
type API struct {
	ctrl       Controller
	logger     *slog.Logger
	tracer     trace.Tracer
	gatherer   prometheus.Gatherer
	maxPayload int64
	upgrader   websocket.Upgrader
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithTracerProvider sets where spans go. Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *API) {
		a.tracer = tp.Tracer(tracerName)
	}
}

// WithGatherer sets the registry served on /metrics. Default:
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) {
		a.gatherer = g
	}
}

// WithMaxPayload bounds the size of a broadcast body.
func WithMaxPayload(n int64) Option {
	return func(a *API) {
		a.maxPayload = n
	}
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(a *API) {
		a.upgrader.CheckOrigin = fn
	}
}

// NewAPI returns an API driving ctrl.
func NewAPI(ctrl Controller, opts ...Option) *API {
	a := &API{
		ctrl:       ctrl,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		gatherer:   prometheus.DefaultGatherer,
		maxPayload: DefaultMaxPayload,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Routes returns the HTTP handler.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/server", func(r chi.Router) {
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
		r.Post("/broadcast", a.handleBroadcast)
		r.Get("/status", a.handleStatus)
		r.Get("/ws", a.handleWebsocket)
	})

	return r
}

type startRequest struct {
	Port *uint16 `json:"port"`
}

func (r startRequest) Validate() error {
	if r.Port == nil {
		return errors.New("port is required")
	}
	return nil
}

type startResponse struct {
	Port    uint16 `json:"port"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "control.start")
	defer span.End()

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, span, http.StatusBadRequest, errors.New("failed to decode request"))
		return
	}
	if err := req.Validate(); err != nil {
		a.fail(w, span, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	port := *req.Port
	span.SetAttributes(attribute.Int("fanout.port", int(port)))

	conf, err := a.ctrl.Start(port)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, server.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		a.fail(w, span, status, err)
		return
	}

	if r.URL.Query().Get("wait") != "" {
		select {
		case err := <-conf.Bound:
			if err != nil {
				// the caller asked for the bind outcome, so a failed bind
				// does not leave the controller marked as running
				a.ctrl.Stop()
				a.fail(w, span, http.StatusBadGateway, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}

	a.logger.Info(conf.Message, slog.Int("port", int(port)))
	writeJSON(w, http.StatusOK, startResponse{Port: conf.Port, Message: conf.Message})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "control.stop")
	defer span.End()

	a.ctrl.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "control.broadcast")
	defer span.End()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.fail(w, span, http.StatusRequestEntityTooLarge, err)
			return
		}
		a.fail(w, span, http.StatusBadRequest, fmt.Errorf("failed to read payload: %w", err))
		return
	}

	span.SetAttributes(attribute.Int("fanout.payload_bytes", len(payload)))

	a.ctrl.Broadcast(payload)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Status())
}

// handleWebsocket streams every broadcast payload as a binary frame until
// the server stops, the peer goes away or it falls behind.
func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ctrl.Subscribe()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "server is not running"})
		return
	}
	defer sub.Close()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("failed to upgrade", slog.Any("error", err))
		return
	}
	defer conn.Close()

	logger := a.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	logger.Info("websocket tap connected")

	// Incoming frames are ignored; a read error means the peer is gone.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for {
		msg, err := sub.Recv()
		if err != nil {
			code, text := websocket.CloseNormalClosure, "server stopped"
			if errors.Is(err, fanout.ErrLagged) {
				code, text = websocket.ClosePolicyViolation, "client fell behind"
			}
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
			logger.Info("websocket tap disconnected", slog.String("reason", text))
			return
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			logger.Info("websocket write failed", slog.Any("error", err))
			return
		}
	}
}

func (a *API) fail(w http.ResponseWriter, span trace.Span, status int, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	}

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		a.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
