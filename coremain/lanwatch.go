package coremain

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/pmkol/lanwatch/mlog"
	"github.com/pmkol/lanwatch/pkg/event"
	"github.com/pmkol/lanwatch/pkg/export"
	"github.com/pmkol/lanwatch/pkg/filter"
	"github.com/pmkol/lanwatch/pkg/processor"
	"github.com/pmkol/lanwatch/pkg/provider"
	"github.com/pmkol/lanwatch/pkg/registry"
	"github.com/pmkol/lanwatch/pkg/safe_close"
	"github.com/pmkol/lanwatch/pkg/transport"
)

// Lanwatch holds the assembled observation pipeline.
type Lanwatch struct {
	logger *zap.Logger

	hub       *event.Hub
	registry  *registry.Registry
	processor *processor.Processor
	transport *transport.Transport

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

func RunLanwatch(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m := &Lanwatch{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	metricsReg := prometheus.WrapRegistererWithPrefix("lanwatch_", m.metricsReg)

	m.hub = event.NewHub(lg.Named("hub"))
	m.hub.Subscribe(newEventLogObserver(lg.Named("observer")))
	m.hub.Subscribe(newEventCounter(metricsReg))

	m.registry = registry.New(registry.Opts{
		Logger:        lg.Named("registry"),
		Hub:           m.hub,
		SweepInterval: time.Duration(cfg.Registry.SweepInterval) * time.Second,
	})
	metricsReg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "registry_entries",
		Help: "Raw number of stored registry entries, including unswept stale ones.",
	}, func() float64 { return float64(m.registry.Len()) }))

	// An invalid filter pattern at startup is fatal: nothing may run with
	// a partial policy.
	f, err := buildFilter(&cfg.Filter, lg)
	if err != nil {
		return fmt.Errorf("failed to build filter: %w", err)
	}

	m.processor, err = processor.New(processor.Opts{
		Logger:     lg.Named("processor"),
		Registry:   m.registry,
		Hub:        m.hub,
		Filter:     f,
		Timeout:    time.Duration(cfg.Process.Timeout) * time.Second,
		MetricsReg: metricsReg,
	})
	if err != nil {
		return fmt.Errorf("failed to init processor: %w", err)
	}

	if cfg.Filter.AutoReload && len(cfg.Filter.listFiles()) > 0 {
		w, err := provider.NewWatcher(lg.Named("provider"), cfg.Filter.listFiles(), func() {
			nf, err := buildFilter(&cfg.Filter, lg)
			if err != nil {
				lg.Error("filter reload failed, keeping previous filter", zap.Error(err))
				return
			}
			m.processor.SwapFilter(nf)
			lg.Info("filter reloaded")
		})
		if err != nil {
			return fmt.Errorf("failed to watch filter files: %w", err)
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			<-closeSignal
			w.Close()
		})
	}

	if len(cfg.Redis.Addr) > 0 {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		exp, err := export.NewRedisExporter(export.RedisOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: time.Duration(cfg.Redis.Timeout) * time.Second,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			Logger:        lg.Named("export"),
		})
		if err != nil {
			return fmt.Errorf("failed to init redis export: %w", err)
		}
		exp.Subscribe(m.hub)
		lg.Info("redis export enabled", zap.String("addr", cfg.Redis.Addr))
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			<-closeSignal
			exp.Close()
		})
	}

	m.transport, err = transport.New(transport.Opts{
		Logger:        lg.Named("transport"),
		Handler:       m.processor,
		DisableIPv4:   cfg.Listen.DisableIPv4,
		DisableIPv6:   cfg.Listen.DisableIPv6,
		Interfaces:    cfg.Listen.Interfaces,
		IgnoreSources: cfg.Listen.IgnoreSources,
		StopGrace:     time.Duration(cfg.Listen.StopGrace) * time.Second,
		MetricsReg:    metricsReg,
	})
	if err != nil {
		return fmt.Errorf("failed to init transport: %w", err)
	}

	m.registry.StartSweeper()
	if err := m.transport.Start(); err != nil {
		m.registry.StopSweeper()
		return fmt.Errorf("failed to start transport: %w", err)
	}
	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		<-closeSignal
		m.transport.Stop()
		m.registry.StopSweeper()
	})

	m.registerAPI()
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		s := <-sig
		lg.Info("signal received, exiting", zap.Stringer("signal", s))
		m.sc.SendCloseSignal(nil)
	}()

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

func (m *Lanwatch) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func buildFilter(cfg *FilterConfig, lg *zap.Logger) (*filter.Filter, error) {
	fc, err := cfg.filterConfig(provider.LoadList)
	if err != nil {
		return nil, err
	}
	return filter.New(fc, lg.Named("filter"))
}

// newEventLogObserver logs every lifecycle event, the outward-facing record
// of what the network advertised.
func newEventLogObserver(lg *zap.Logger) event.Handler {
	return func(e event.Event) {
		lg.Info("service event",
			zap.Stringer("kind", e.Kind),
			zap.String("name", e.Record.Name),
			zap.String("type", e.Record.Type),
			zap.Uint32("ttl", e.Record.TTL),
			zap.Bool("new", e.IsNew))
	}
}

func newEventCounter(reg prometheus.Registerer) event.Handler {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_total",
		Help: "Service lifecycle events by kind.",
	}, []string{"kind"})
	reg.MustRegister(vec)
	return func(e event.Event) {
		vec.WithLabelValues(e.Kind.String()).Inc()
	}
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
