// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/eventstream/internal/echotest"
	"github.com/juju/eventstream/internal/ipcconfig"
	"github.com/juju/eventstream/internal/worker/rpclistener"
	"github.com/juju/eventstream/rpc/ipcauth"
	"github.com/juju/eventstream/rpc/wsstream"
)

// catalog is served by GetAllProducts and GetAllCustomers.
var catalog = echotest.Catalog{
	Products: map[string]echotest.Product{
		"apple":  {Name: "Apple", Price: 0.5},
		"banana": {Name: "Banana", Price: 0.25},
	},
	Customers: []echotest.Customer{
		{ID: 1, FirstName: "Ada", LastName: "Lovelace"},
		{ID: 2, FirstName: "Alan", LastName: "Turing"},
	},
}

type daemon struct {
	configPath    string
	loggingConfig string

	config *ipcconfig.Config
}

// SetFlags registers the daemon's flags.
func (d *daemon) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&d.configPath, "config", "", "path to the YAML configuration")
	f.StringVar(&d.loggingConfig, "logging-config", "<root>=INFO", "loggo configuration")
}

// Init checks the arguments and reads the configuration.
func (d *daemon) Init(args []string) error {
	if len(args) != 0 {
		return errors.Errorf("unrecognized args: %q", args)
	}
	if d.configPath == "" {
		return errors.New("--config is required")
	}
	if err := loggo.ConfigureLoggers(d.loggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}
	cfg, err := ipcconfig.ReadFile(d.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	d.config = cfg
	return nil
}

// Run serves until ctx is done or the listener fails.
func (d *daemon) Run(ctx context.Context) error {
	authn, err := ipcauth.NewTokenAuthenticator(d.config.Tokens())
	if err != nil {
		return errors.Trace(err)
	}
	service, err := echotest.NewService(catalog, authn, ipcauth.NewAllowList(d.config.Operations()))
	if err != nil {
		return errors.Trace(err)
	}

	listener, err := listen(d.config.Listen)
	if err != nil {
		return errors.Trace(err)
	}
	metrics := rpclistener.NewMetricsCollector()
	w, err := rpclistener.NewWorker(rpclistener.Config{
		Listener:     listener,
		Service:      service,
		Metrics:      metrics,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("eventstreamd.listener"),
		PingInterval: d.config.PingInterval,
		PingTimeout:  d.config.PingTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("serving %s on %s %s", echotest.ServiceName, d.config.Listen.Network, listener.Addr())

	if d.config.MetricsAddress != "" {
		stop, err := listenMetrics(d.config.MetricsAddress, metrics)
		if err != nil {
			w.Kill()
			_ = w.Wait()
			return errors.Trace(err)
		}
		defer stop()
	}

	done := make(chan error, 1)
	go func() { done <- w.Wait() }()
	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
		w.Kill()
		return errors.Trace(<-done)
	case err := <-done:
		return errors.Trace(err)
	}
}

// listen opens the configured listener.
func listen(cfg ipcconfig.ListenConfig) (rpclistener.TransportListener, error) {
	switch cfg.Network {
	case ipcconfig.NetworkUnix:
		// A socket left by a previous run would fail the bind.
		if err := os.Remove(cfg.Address); err != nil && !os.IsNotExist(err) {
			return nil, errors.Annotatef(err, "removing stale socket %s", cfg.Address)
		}
		l, err := net.Listen("unix", cfg.Address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return rpclistener.NetListener(l), nil
	case ipcconfig.NetworkTCP:
		l, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return rpclistener.NetListener(l), nil
	case ipcconfig.NetworkWebsocket:
		l, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return wsstream.Listen(l, cfg.Path), nil
	}
	return nil, errors.NotSupportedf("network %q", cfg.Network)
}

func listenMetrics(addr string, collector prometheus.Collector) (func(), error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotate(err, "listening for metrics")
	}
	return serveMetrics(l, collector)
}

// serveMetrics exposes the collector at /metrics on l.
func serveMetrics(l net.Listener, collector prometheus.Collector) (func(), error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		_ = l.Close()
		return nil, errors.Trace(err)
	}
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("metrics on http://%s/metrics", l.Addr())
	return func() { _ = server.Close() }, nil
}
