// Package coordinator wires transport events into the Connection,
// Registry, and Room Broker, enforces the session-recovery and
// health-check policies, and exposes the outward HTTP surface (the
// WebSocket upgrade endpoint, a small stats endpoint, and a Prometheus
// /metrics endpoint). It is the
// glue layer spec.md §4.7 describes; everything else in the module is a
// collaborator it drives.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aionbuilders/helios/internal/config"
	"github.com/aionbuilders/helios/pkg/bus"
	"github.com/aionbuilders/helios/pkg/clock"
	"github.com/aionbuilders/helios/pkg/dispatch"
	"github.com/aionbuilders/helios/pkg/health"
	heliosmetrics "github.com/aionbuilders/helios/pkg/metrics"
	"github.com/aionbuilders/helios/pkg/registry"
	"github.com/aionbuilders/helios/pkg/room"
	"github.com/aionbuilders/helios/pkg/tokencodec"
	"github.com/aionbuilders/helios/pkg/transport"
	"github.com/aionbuilders/helios/pkg/wire"
)

// defaultTracerName matches the teacher's middleware.defaultTracerName
// convention of naming the tracer after the project, not the package.
const defaultTracerName = "helios"

// Options assembles a Coordinator's collaborators. Any dispatcher,
// codec, or clock left nil is defaulted, matching the teacher's
// New(config) pattern of filling gaps rather than failing.
type Options struct {
	Config           *config.Config
	Codec            wire.Codec
	MethodDispatcher *dispatch.Registry
	TopicDispatcher  dispatch.TopicDispatcher
	Broker           *room.Broker
	Bus              *bus.Bus
	Metrics          *heliosmetrics.Metrics
	// MetricsGatherer is scraped by the /metrics endpoint. It must gather
	// from the same registry Metrics registered against; defaults to
	// prometheus.DefaultGatherer, matching Metrics' own default registerer.
	MetricsGatherer prometheus.Gatherer
	Clock           clock.Clock
	Logger          *slog.Logger
	TracerName      string
	TransportConfig transport.Config
}

// Coordinator is the Server Coordinator of spec.md §4.7.
type Coordinator struct {
	cfg      *config.Config
	codec    wire.Codec
	methods  *dispatch.Registry
	topics   dispatch.TopicDispatcher
	broker   *room.Broker
	bus      *bus.Bus
	metrics  *heliosmetrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	registry *registry.Registry
	tokens   *tokencodec.Codec
	wsConfig transport.Config
	gatherer prometheus.Gatherer

	router     chi.Router
	httpServer *http.Server
}

// New builds a Coordinator and its Registry, wiring every dependency
// spec.md §4.7 names. If session recovery is enabled, cfg.SessionRecovery.Secret
// must already have passed config.Validate.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New()
	}
	codec := opts.Codec
	if codec == nil {
		codec = wire.NewJSONCodec()
	}
	methods := opts.MethodDispatcher
	if methods == nil {
		methods = dispatch.NewRegistry()
	}
	var topics dispatch.TopicDispatcher = opts.TopicDispatcher
	if topics == nil {
		topics = methods
	}
	b := opts.Bus
	if b == nil {
		b = bus.New(opts.Logger)
	}
	m := opts.Metrics
	if m == nil {
		m = heliosmetrics.New(heliosmetrics.DefaultConfig())
	}
	broker := opts.Broker
	if broker == nil {
		broker = room.New(b, m)
	}
	gatherer := opts.MetricsGatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")
	tracerName := opts.TracerName
	if tracerName == "" {
		tracerName = defaultTracerName
	}
	wsConfig := opts.TransportConfig
	if wsConfig == (transport.Config{}) {
		wsConfig = transport.DefaultConfig()
	}

	var tokens *tokencodec.Codec
	if cfg.SessionRecovery.Enabled {
		codecInstance, err := tokencodec.NewWithClock([]byte(cfg.SessionRecovery.Secret), c)
		if err != nil {
			return nil, fmt.Errorf("coordinator: %w", err)
		}
		tokens = codecInstance
	}

	reg := registry.New(registry.Deps{
		Codec:            codec,
		MethodDispatcher: methods,
		TopicDispatcher:  topics,
		HealthConfig: health.Config{
			Enabled:   cfg.HealthCheck.Enabled,
			Interval:  cfg.HealthCheck.Interval,
			Timeout:   cfg.HealthCheck.Timeout,
			MaxMissed: cfg.HealthCheck.MaxMissed,
		},
		Bus:     b,
		Clock:   c,
		Logger:  logger,
		Metrics: m,
	})

	co := &Coordinator{
		cfg:      cfg,
		codec:    codec,
		methods:  methods,
		topics:   topics,
		broker:   broker,
		bus:      b,
		metrics:  m,
		clock:    c,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		registry: reg,
		tokens:   tokens,
		wsConfig: wsConfig,
		gatherer: gatherer,
	}
	co.subscribeMetricsSignals()
	co.registerBuiltinMethods()
	co.buildRouter()
	return co, nil
}

// subscribeMetricsSignals feeds the ping-latency histogram and
// missed-pong counter off the Bus signals that pkg/conn's healthListener
// publishes for every Connection.
func (co *Coordinator) subscribeMetricsSignals() {
	if co.bus == nil {
		return
	}
	co.bus.Subscribe(bus.SignalPongReceived, func(payload any) {
		data, ok := payload.(map[string]any)
		if !ok {
			return
		}
		latency, ok := data["latency"].(time.Duration)
		if !ok {
			return
		}
		co.metrics.PingLatency.Observe(latency.Seconds())
	})
	co.bus.Subscribe(bus.SignalPingMissed, func(payload any) {
		co.metrics.PingsMissed.Inc()
	})
}

// Router returns the http.Handler mounting /ws, /debug/stats, and /metrics.
func (co *Coordinator) Router() http.Handler { return co.router }

// Methods returns the method dispatcher an embedding application
// registers its own RPC handlers on, alongside the built-in ones.
func (co *Coordinator) Methods() *dispatch.Registry { return co.methods }

// Broker returns the Room Broker an embedding application declares its
// rooms on.
func (co *Coordinator) Broker() *room.Broker { return co.broker }

// Bus returns the internal signal bus an embedding application
// subscribes to for connection lifecycle events.
func (co *Coordinator) Bus() *bus.Bus { return co.bus }

func (co *Coordinator) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/ws", co.handleUpgrade)
	r.Get("/debug/stats", co.handleStats)
	r.Handle("/metrics", promhttp.HandlerFor(co.gatherer, promhttp.HandlerOpts{}))
	co.router = r
}

// Run starts the sweep loop and an HTTP server on cfg.ListenAddr,
// blocking until an interrupt/SIGTERM signal arrives or the server
// fails, mirroring the teacher's Server.Run.
func (co *Coordinator) Run() error {
	co.registry.StartSweep(co.cfg.SweepInterval, co.cleanupExpired)
	defer co.registry.StopSweep()

	co.httpServer = &http.Server{
		Addr:    co.cfg.ListenAddr,
		Handler: co.router,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		co.logger.Info("coordinator starting", "address", co.cfg.ListenAddr)
		errCh <- co.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-shutdown:
		co.logger.Info("coordinator shutting down")
		return co.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the HTTP server.
func (co *Coordinator) Shutdown(ctx context.Context) error {
	if co.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return co.httpServer.Shutdown(ctx)
}

type statsResponse struct {
	ActiveConnections   int `json:"activeConnections"`
	DisconnectedEntries int `json:"disconnectedEntries"`
}

func (co *Coordinator) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{
		ActiveConnections:   co.registry.Count(),
		DisconnectedEntries: co.registry.DisconnectedCount(),
	}
	co.metrics.ActiveConnections.Set(float64(stats.ActiveConnections))
	co.metrics.DisconnectedEntries.Set(float64(stats.DisconnectedEntries))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (co *Coordinator) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Upgrade(w, r, co.wsConfig, co, co.logger)
	if err != nil {
		co.logger.Warn("upgrade failed", "error", err)
		return
	}
	co.onOpen(ws, r)
	go ws.Serve()
}
