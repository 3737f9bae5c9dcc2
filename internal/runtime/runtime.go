// Package runtime assembles the stockcount daemon: broker, bus, journal, extraction,
// speech engine, readback, node presence, capture controller and the HTTP host API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/capability"
	"github.com/loqalabs/loqa-stockcount/internal/capture"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/eventstore"
	"github.com/loqalabs/loqa-stockcount/internal/extract"
	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"github.com/loqalabs/loqa-stockcount/internal/natsserver"
	"github.com/loqalabs/loqa-stockcount/internal/protocol"
	"github.com/loqalabs/loqa-stockcount/internal/router"
	"github.com/loqalabs/loqa-stockcount/internal/stt"
	"github.com/loqalabs/loqa-stockcount/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger
	ready   atomic.Bool
	wg      sync.WaitGroup

	// closers run in reverse order on shutdown.
	closers []func()
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	})

	var checks []healthCheck

	client, err := r.connectBus(ctx)
	if err != nil {
		return err
	}
	if client != nil {
		checks = append(checks, healthCheck{name: "bus", ok: func(context.Context) bool { return client.Healthy() }})
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose(func() { _ = store.Close() })
	checks = append(checks, healthCheck{name: "event store", ok: store.Healthy})
	r.startPruning(ctx, store)

	extractor, err := extract.New(r.cfg.Extraction, client)
	if err != nil {
		return fmt.Errorf("build extractor: %w", err)
	}
	if r.cfg.Extraction.Serve {
		local, err := extract.Local(r.cfg.Extraction)
		if err != nil {
			return fmt.Errorf("build served extractor: %w", err)
		}
		server := extract.NewServer(ctx, client, local, r.cfg.Extraction.Timeout(), r.logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start extraction server: %w", err)
		}
		r.onClose(server.Close)
		checks = append(checks, healthCheck{name: "extraction server", ok: func(context.Context) bool { return server.Healthy() }})
	}

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("build recognizer: %w", err)
		}
		speech := stt.NewService(ctx, r.cfg.STT, client, recognizer)
		if err := speech.Start(); err != nil {
			return fmt.Errorf("start stt service: %w", err)
		}
		r.onClose(speech.Close)
		checks = append(checks, healthCheck{name: "stt", ok: func(context.Context) bool { return speech.Healthy() }})
	}

	var nodes func() []capability.Node
	if client != nil {
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.version, r.capabilities(), client, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
		r.onClose(registry.Close)
		nodes = registry.Nodes
		if r.cfg.Extraction.Transport == "bus" && !r.cfg.Extraction.Serve {
			checks = append(checks, healthCheck{name: "remote extraction", ok: func(context.Context) bool {
				return len(registry.Providers("extract")) > 0
			}})
		}
	}

	var engine capture.Engine = capture.NopEngine{}
	if r.cfg.Router.Enabled {
		engine = router.NewEngine(client, r.cfg.Capture.Language)
	}
	controller, err := capture.NewController(engine, extractor, inventory.NewLog(), capture.Options{
		TriggerPhrase:  r.cfg.Capture.TriggerPhrase,
		SilenceTimeout: r.cfg.Capture.SilenceTimeout(),
		Location:       r.cfg.Capture.Location(),
		Logger:         r.logger,
	})
	if err != nil {
		return fmt.Errorf("build capture controller: %w", err)
	}

	if r.cfg.Router.Enabled {
		rt := router.NewService(ctx, r.cfg.Router, client, controller, store, r.logger)
		if err := rt.Start(); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
		r.onClose(rt.Close)
		checks = append(checks, healthCheck{name: "router", ok: func(context.Context) bool { return rt.Healthy() }})
	}

	if r.cfg.Readback.Enabled {
		synth, err := tts.NewSynthesizer(r.cfg.Readback)
		if err != nil {
			return fmt.Errorf("build synthesizer: %w", err)
		}
		readback := tts.NewService(ctx, r.cfg.Readback, client, synth, r.logger)
		if err := readback.Start(); err != nil {
			return fmt.Errorf("start readback: %w", err)
		}
		r.onClose(readback.Close)
		checks = append(checks, healthCheck{name: "readback", ok: func(context.Context) bool { return readback.Healthy() }})
	}

	controllerCtx, stopController := context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = controller.Run(controllerCtx)
	}()
	r.onClose(func() {
		stopController()
		<-controller.Done()
	})

	handler := (&api{
		controller: controller,
		checks:     checks,
		ready:      r.ready.Load,
		nodes:      nodes,
		journal:    store,
		logger:     r.logger.With(slog.String("component", "http")),
	}).routes(tel.metrics)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.serve("http", addr, handler)
	if r.cfg.Telemetry.PrometheusBind != "" && r.cfg.Telemetry.PrometheusBind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.metrics)
		r.serve("metrics", r.cfg.Telemetry.PrometheusBind, mux)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("extraction_mode", r.cfg.Extraction.Mode),
		slog.String("extraction_transport", r.cfg.Extraction.Transport))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

// connectBus starts the embedded broker when configured and connects to the bus when
// any component needs it. It returns a nil client when nothing does.
func (r *Runtime) connectBus(ctx context.Context) (*bus.Client, error) {
	cfg := r.cfg
	needed := cfg.Router.Enabled || cfg.STT.Enabled || cfg.Readback.Enabled ||
		cfg.Extraction.Serve || cfg.Extraction.Transport == "bus"
	if !needed {
		return nil, nil
	}

	busCfg := cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats: %w", err)
	}
	if embedded != nil {
		r.onClose(embedded.Shutdown)
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	r.onClose(client.Close)
	return client, nil
}

// capabilities lists the engines this daemon serves to other nodes.
func (r *Runtime) capabilities() []protocol.NodeCapability {
	caps := []protocol.NodeCapability{{Name: "capture", Mode: r.cfg.Capture.Language}}
	if r.cfg.STT.Enabled {
		caps = append(caps, protocol.NodeCapability{Name: "stt", Mode: r.cfg.STT.Mode})
	}
	if r.cfg.Readback.Enabled {
		caps = append(caps, protocol.NodeCapability{Name: "readback", Mode: r.cfg.Readback.Mode})
	}
	if r.cfg.Extraction.Serve {
		caps = append(caps, protocol.NodeCapability{Name: "extract", Mode: r.cfg.Extraction.Mode})
	}
	return caps
}

func (r *Runtime) serve(name, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
	r.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			r.logger.Error(name+" shutdown error", slogError(err))
		}
	})
}

func (r *Runtime) startPruning(ctx context.Context, store *eventstore.Store) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("event store prune failed", slogError(err))
				}
			}
		}
	}()
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// close tears components down in reverse start order, then waits for goroutines.
func (r *Runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
	r.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
