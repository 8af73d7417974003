package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/config"
	"github.com/fxnlabs/zesval/internal/driver"
	"github.com/fxnlabs/zesval/internal/layer"
	"github.com/fxnlabs/zesval/internal/metrics"
	"github.com/fxnlabs/zesval/internal/workload"
)

// appOptions wires the driver, the validation layer and their metrics.
// The layer is initialized on start and torn down on stop, before the
// driver is cleaned up.
func appOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Provide(
			newRegistry,
			metrics.NewMetrics,
			newManager,
			newLayer,
			workload.New,
			func(l *layer.Layer) workload.Caller { return l },
		),
	)
}

func newRegistry() (*prometheus.Registry, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	return reg, reg
}

func newManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*driver.Manager, error) {
	m, err := driver.NewManager(cfg.Driver, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return m.Cleanup()
		},
	})
	return m, nil
}

func newLayer(lc fx.Lifecycle, cfg *config.Config, mgr *driver.Manager, log *zap.Logger, m *metrics.Metrics) *layer.Layer {
	l := layer.New(cfg.Validation, mgr.Table(), log, m)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return l.Init()
		},
		OnStop: func(context.Context) error {
			// A command that already tore the layer down gets an empty report.
			if rep := l.Teardown(); !rep.Clean() {
				log.Warn("Validation layer stopped with leak suspects", zap.Int("suspects", len(rep.Suspects)))
			}
			return nil
		},
	})
	return l
}

// server exposes metrics and the layer status over HTTP and walks the
// layer periodically so the metrics move.
type server struct {
	srv      *http.Server
	log      *zap.Logger
	runner   *workload.Runner
	interval time.Duration

	addr   net.Addr
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newServer(cfg *config.Config, reg *prometheus.Registry, m *metrics.Metrics, l *layer.Layer, runner *workload.Runner, log *zap.Logger, interval time.Duration) *server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Middleware(m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), "/metrics"))
	mux.Handle("/status", metrics.Middleware(m, statusHandler(l, log), "/status"))
	return &server{
		srv:      &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:      log.Named("server"),
		runner:   runner,
		interval: interval,
	}
}

func statusHandler(l *layer.Layer, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(l.Status()); err != nil {
			log.Error("failed to encode status", zap.Error(err))
		}
	})
}

func (s *server) start(context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.log.Info("Serving metrics", zap.Stringer("address", s.addr))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server failed", zap.Error(err))
		}
	}()

	if s.interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.walkEvery(ctx)
		}()
	}
	return nil
}

func (s *server) walkEvery(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		sum, err := s.runner.Walk(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("Walk failed", zap.Error(err))
		} else if err == nil {
			s.log.Debug("Walk finished", zap.Int("calls", sum.Calls))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *server) stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func registerServer(lc fx.Lifecycle, s *server) {
	lc.Append(fx.Hook{OnStart: s.start, OnStop: s.stop})
}
