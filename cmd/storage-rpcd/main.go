// storage-rpcd serves the storage-rpc protocol with the built-in publish/subscribe
// broker. Storage engines attach their method tables to the same server.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"storage-rpc/broker"
	"storage-rpc/config"
	"storage-rpc/logging"
	"storage-rpc/middleware"
	"storage-rpc/registry"
	"storage-rpc/server"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if _, err := logging.Configure(cfg.Log, "storage-rpcd"); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}
	if err := cfg.Server.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid server config")
	}

	svr := server.NewServer(
		server.WithLogger(log.Logger.With().Str("component", "server").Logger()),
		server.WithMaxFrameSize(cfg.Server.MaxFrameSize),
		server.WithServiceName(cfg.Server.Service),
		server.WithRegistrationTTL(cfg.Etcd.TTL),
	)

	// Order matters: metrics see every request, including rate limited ones.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svr.Use(middleware.MetricsMiddleware(middleware.NewMetrics(reg)))
	svr.Use(middleware.LoggingMiddleware(log.Logger.With().Str("component", "rpc").Logger()))
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.RequestTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.RequestTimeout))
	}

	broker.Default().Register(svr)

	if cfg.Server.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			log.Info().Str("addr", cfg.Server.MetricsListen).Msg("metrics listening")
			if err := http.ListenAndServe(cfg.Server.MetricsListen, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	var discovery registry.Registry
	if cfg.Server.Advertise != "" && len(cfg.Etcd.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect etcd")
		}
		defer etcd.Close()
		discovery = etcd
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sig := <-stop
		log.Info().Stringer("signal", sig).Msg("shutting down")
		if err := svr.Shutdown(10 * time.Second); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	if err := svr.Serve("tcp", cfg.Server.Listen, cfg.Server.Advertise, discovery); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	<-drained
	log.Info().Msg("server stopped")
}
