package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/mindstore/internal/bus"
	"github.com/loqalabs/mindstore/internal/config"
	"github.com/loqalabs/mindstore/internal/entrystore"
	"github.com/loqalabs/mindstore/internal/journal"
	"github.com/loqalabs/mindstore/internal/natsserver"
	"github.com/loqalabs/mindstore/internal/recognition"
	"github.com/loqalabs/mindstore/internal/stt"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup

	addr     chan string
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *entrystore.Store
	stt      *stt.Service
	journal  *journal.Journal
	recorder *recognition.Manager
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		addr:   make(chan string, 1),
	}
}

// Addr blocks until the HTTP listener is bound and returns its address.
func (r *Runtime) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-r.addr:
		r.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start brings up every component, serves HTTP until ctx is canceled, then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer r.closeTelemetry(tel)

	if err := r.startBus(ctx); err != nil {
		return err
	}
	defer r.stopBus()

	r.store = entrystore.New(r.cfg.Store, r.logger)
	if err := r.store.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}()

	inst, err := newInstruments(tel.meter, r.store.Count)
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}
	opts := []journal.Option{journal.WithObserver(inst)}
	if r.bus != nil {
		opts = append(opts, journal.WithPublisher(r.bus))
	}
	r.journal = journal.New(r.store, r.logger, opts...)
	if _, err := r.journal.Hydrate(ctx); err != nil {
		return err
	}

	if err := r.startSTT(ctx); err != nil {
		return err
	}
	defer r.stt.Close()

	r.recorder = recognition.New(r.engine(), r.journal.Callbacks(),
		recognition.WithLanguage(r.cfg.Recognition.Language),
		recognition.WithLogger(r.logger))
	defer r.recorder.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}
	newAPI(r.store, r.journal, r.recorder, r.logger).register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.addr <- ln.Addr().String()
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("recognition_supported", r.recorder.Supported()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		if (r.cfg.Recognition.Enabled && r.cfg.Recognition.Mode == "bus") || r.cfg.STT.Enabled {
			r.nats.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.logger.Warn("bus unavailable, continuing without it", slog.String("error", err.Error()))
		return nil
	}
	r.bus = client
	return nil
}

func (r *Runtime) stopBus() {
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) startSTT(ctx context.Context) error {
	var (
		recognizer stt.Recognizer
		err        error
	)
	switch r.cfg.STT.Mode {
	case "exec":
		recognizer, err = stt.NewExecRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("failed to create stt recognizer: %w", err)
		}
	default:
		recognizer = stt.NewMockRecognizer()
	}
	r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.logger)
	if err := r.stt.Start(); err != nil {
		return fmt.Errorf("failed to start stt service: %w", err)
	}
	return nil
}

func (r *Runtime) engine() recognition.Engine {
	if !r.cfg.Recognition.Enabled {
		return recognition.Unsupported
	}
	switch r.cfg.Recognition.Mode {
	case "mock":
		return recognition.NewMockEngine()
	default:
		if r.bus == nil {
			return recognition.Unsupported
		}
		return recognition.NewBusEngine(r.bus, r.logger)
	}
}

func (r *Runtime) closeTelemetry(tel *telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) && r.stt.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
