// Package app assembles the histfill server from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"histfill/internal/api"
	"histfill/internal/config"
	"histfill/internal/events"
	"histfill/internal/gather"
	"histfill/internal/gateway"
	"histfill/internal/httpapi"
	"histfill/internal/metrics"
	"histfill/internal/provider"
	"histfill/internal/segment"
	"histfill/internal/store"
	"histfill/internal/symbolcache"
	"histfill/internal/util"
)

// shutdownTimeout bounds each component's graceful stop.
const shutdownTimeout = 15 * time.Second

// App is a fully wired server.
type App struct {
	cfg *config.Config
	log *slog.Logger

	Registry *prometheus.Registry
	Metrics  *metrics.Collector
	Bars     *store.ParquetStore
	Journal  *store.SQLiteStore
	Cache    *symbolcache.Cache
	Gateway  *gateway.Manager // nil unless the gateway provider is selected
	Provider provider.Provider
	Events   events.Publisher
	Service  *gather.Service
}

// New builds every component without starting any background work.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	log = util.OrDefault(log)
	a := &App{cfg: cfg, log: log}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Bars = store.NewParquetStore(cfg.Storage.DataDir)
	journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening operation journal: %w", err)
	}
	a.Journal = journal
	a.Cache = symbolcache.New(cfg.Storage.SymbolCachePath, log, symbolcache.WithTTL(cfg.SymbolCache.TTL.D()))

	var sessions provider.SessionSource
	if cfg.Provider.Name == "gateway" {
		a.Gateway = gateway.NewManager(gatewayConfig(cfg.Gateway), &gateway.WebsocketDialer{Log: log}, a.Metrics, log)
		sessions = a.Gateway
	}
	a.Provider, err = provider.New(cfg.Provider, sessions, log)
	if err != nil {
		a.Journal.Close()
		return nil, err
	}

	spans, err := cfg.Fetch.MaxSegmentSpans()
	if err != nil {
		a.Journal.Close()
		return nil, err
	}
	retry := util.RetryPolicy{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.BackoffBase.D(),
		MaxDelay:    cfg.Fetch.BackoffMax.D(),
	}
	segments := segment.NewManager(segment.Config{
		MaxSegment:  spans,
		PacingDelay: cfg.Fetch.PacingDelay.D(),
		CallTimeout: cfg.Fetch.CallTimeout.D(),
		Retry:       retry,
	}, util.NewTokenBucket(cfg.RateLimit.Requests, cfg.RateLimit.Period.D()), a.Metrics, log)

	a.Events, err = newPublisher(cfg.NATS, log)
	if err != nil {
		a.Journal.Close()
		return nil, err
	}

	a.Service, err = gather.NewService(gather.Dependencies{
		Provider: a.Provider,
		Bars:     a.Bars,
		Cache:    a.Cache,
		Segments: segments,
		Journal:  a.Journal,
		Events:   a.Events,
		Metrics:  a.Metrics,
		Log:      log,
	}, gather.Options{
		ValidationRetry: retry,
		SaveInterval:    cfg.Fetch.PeriodicSaveInterval.D(),
	})
	if err != nil {
		a.Events.Close()
		a.Journal.Close()
		return nil, err
	}
	return a, nil
}

func gatewayConfig(g config.Gateway) gateway.Config {
	return gateway.Config{
		Host:             g.Host,
		Port:             g.Port,
		Timeout:          g.Timeout.D(),
		ReadOnly:         g.ReadOnly,
		ClientIDMin:      g.ClientIDMin,
		ClientIDMax:      g.ClientIDMax,
		RetryDelays:      g.RetryDelayTable(),
		HealthInterval:   g.HealthInterval.D(),
		HealthTimeout:    g.HealthTimeout.D(),
		HealthMinSpacing: g.HealthMinSpacing.D(),
		ExhaustionWait:   g.ExhaustionWait.D(),
		StopTimeout:      g.StopTimeout.D(),
	}
}

func newPublisher(cfg config.NATS, log *slog.Logger) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.Nop{}, nil
	}
	ser, err := events.NewSerializer(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	return events.NewNATSPublisher(events.NATSConfig{
		URL:           cfg.URL,
		SubjectPrefix: cfg.SubjectPrefix,
		Serializer:    ser,
	}, log)
}

// HTTPHandler returns the REST API handler.
func (a *App) HTTPHandler() http.Handler {
	srv := &httpapi.Server{
		Operations: a.Service,
		Symbols:    a.Cache,
		Bars:       a.Bars,
		Catalog:    a.Bars,
		Metrics:    a.Registry,
		Ping:       a.Journal.Ping,
		Log:        a.log,
	}
	if a.Gateway != nil {
		srv.Gateway = a.Gateway
	}
	return srv.Handler()
}

// Run starts the gateway manager and both listeners, and blocks until ctx is
// cancelled or a listener fails. Running operations are cancelled and their
// fetched data saved before Run returns.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.Service.RecoverInterrupted(ctx); err != nil {
		a.log.Warn("recovering interrupted operations", "error", err)
	} else if n > 0 {
		a.log.Info("recovered interrupted operations", "count", n)
	}

	if a.Gateway != nil {
		a.Gateway.Start()
	}

	httpAddr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           a.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var gw api.GatewayState
	if a.Gateway != nil {
		gw = a.Gateway
	}
	grpcSrv := api.NewServer(gw, 0, a.log)
	grpcAddr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.GRPCPort))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return grpcSrv.ListenAndServe(gctx, grpcAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close stops the acquisition service, the gateway connection and the
// stores, in that order.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Service.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing acquisition service: %w", err))
	}
	if a.Gateway != nil {
		if err := a.Gateway.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping gateway: %w", err))
		}
	}
	if err := a.Events.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Journal.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
