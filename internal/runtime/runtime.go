// Package runtime wires the listening session to its collaborators and
// serves the operational HTTP endpoints.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/control"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/mqtt"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/presence"
	"github.com/loqalabs/loqa-listen/internal/session"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	recorder *eventstore.Recorder
	mqtt     *mqtt.Publisher
	session  *session.Controller
	control  *control.Service
	presence *presence.Presence
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs until ctx is cancelled and then tears everything down in
// reverse order of construction.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler
	defer r.shutdown()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	if r.cfg.MQTT.Enabled {
		pub, err := mqtt.Connect(ctx, r.cfg.MQTT, r.cfg.Node.ID, r.logger)
		if err != nil {
			// MQTT mirrors events for local consumers; the session runs without it
			r.logger.Warn("mqtt publisher unavailable", slogError(err))
		} else {
			r.mqtt = pub
		}
	}

	source, err := newSource(r.cfg.Capture, r.logger)
	if err != nil {
		return err
	}
	backend, err := newBackend(r.cfg, r.bus, r.logger)
	if err != nil {
		return err
	}
	provisioner, required, err := newProvisioner(r.cfg, r.logger)
	if err != nil {
		return err
	}
	r.recorder = eventstore.NewRecorder(store, r.cfg.Node.ID, backend.Name(), r.logger)

	listeners := events.Multi{
		events.NewLogListener(r.logger),
		r.recorder,
		control.NewEventPublisher(r.bus, r.cfg.Node.ID, r.logger),
	}
	if r.mqtt != nil {
		listeners = append(listeners, r.mqtt)
	}

	r.session = session.New(ctx, session.Options{
		Provisioner:        provisioner,
		RequiredFiles:      required,
		Backend:            backend,
		Source:             source,
		Listener:           listeners,
		InitTimeout:        time.Duration(r.cfg.Session.InitTimeoutMS) * time.Millisecond,
		FinalizeTimeout:    time.Duration(r.cfg.Session.FinalizeTimeoutMS) * time.Millisecond,
		ReportDecodeErrors: r.cfg.Session.ReportDecodeErrors,
		Log:                r.logger,
	})

	r.control = control.NewService(ctx, r.bus, r.session, controlTimeout(r.cfg.Session), r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("failed to start control service: %w", err)
	}

	p, err := presence.Start(ctx, r.cfg.Node, r.bus, presence.Options{
		Capabilities:  capabilities(r.cfg, backend.Name()),
		State:         func() string { return r.session.State().String() },
		OnStateChange: r.publishState,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence: %w", err)
	}
	r.presence = p

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	if r.cfg.Session.AutoInitialize {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.autoStart(ctx)
		}()
	}

	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("backend", backend.Name()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if embedded != nil {
		r.embedded = embedded
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) autoStart(ctx context.Context) {
	if !r.session.Initialize(ctx) {
		r.logger.Error("automatic initialization failed")
		return
	}
	if r.cfg.Session.AutoStart && !r.session.StartListening(ctx) {
		r.logger.Error("automatic start failed")
	}
}

func (r *Runtime) publishState(state string) {
	if r.mqtt != nil {
		r.mqtt.PublishState(state)
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.session != nil {
		r.session.Dispose()
	}
	r.wg.Wait()
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/sessions", r.handleSessions)
	mux.HandleFunc("/v1/transcripts", r.handleTranscripts)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.session != nil {
		switch r.session.State() {
		case session.Ready, session.Listening:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListSessions(req.Context(), queryLimit(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (r *Runtime) handleTranscripts(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.session.SessionID()
	}
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	transcripts, err := r.store.ListTranscripts(req.Context(), sessionID, queryLimit(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, transcripts)
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func controlTimeout(cfg config.SessionConfig) time.Duration {
	timeout := time.Duration(cfg.InitTimeoutMS) * time.Millisecond
	if finalize := 2 * time.Duration(cfg.FinalizeTimeoutMS) * time.Millisecond; finalize > timeout {
		timeout = finalize
	}
	return timeout
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
