package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sohttp/taskrun/internal/admin"
	"github.com/sohttp/taskrun/internal/config"
	"github.com/sohttp/taskrun/internal/connpool"
	"github.com/sohttp/taskrun/internal/events"
	"github.com/sohttp/taskrun/internal/forwarder"
	"github.com/sohttp/taskrun/internal/obslog"
	"github.com/sohttp/taskrun/internal/router"
	"github.com/sohttp/taskrun/internal/server"
	"github.com/sohttp/taskrun/internal/session"
	"github.com/sohttp/taskrun/internal/telemetry"
)

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func sessionConfigFrom(d config.SessionDefaults) session.Config {
	return session.Config{
		ReadTimeout:           d.ReadTimeout,
		WriteTimeout:          d.WriteTimeout,
		ConnectTimeout:        d.ConnectTimeout,
		HeartbeatInterval:     d.HeartbeatInterval,
		EnableHeartbeat:       d.EnableHeartbeat,
		EnableSSL:             d.EnableSSL,
		SSLCertFile:           d.SSLCertFile,
		SSLKeyFile:            d.SSLKeyFile,
		SSLCAFile:             d.SSLCAFile,
		TLSServerName:         d.TLSServerName,
		SSLInsecureSkipVerify: d.SSLInsecureSkipVerify,
		MaxBufferSize:         d.MaxBufferSize,
		MaxMessageSize:        d.MaxMessageSize,
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := obslog.New(obslog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer log.Sync()

	tp := telemetry.Init("taskrun")
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	// Legacy task-pool catalog (basic/CPU/IO demo routes). Out of
	// scope for the runtime core itself, kept as the HTTP/1.0 front
	// door exercising the pool facade (C5).
	router.InitPools(map[string]int{
		"workers.sleep": getenvInt("WORKERS_SLEEP", 2),
		"queue.sleep":   getenvInt("QUEUE_SLEEP", 8),
		"workers.spin":  getenvInt("WORKERS_SPIN", 2),
		"queue.spin":    getenvInt("QUEUE_SPIN", 8),

		"workers.isprime":    getenvInt("WORKERS_ISPRIME", 2),
		"queue.isprime":      getenvInt("QUEUE_ISPRIME", 64),
		"workers.factor":     getenvInt("WORKERS_FACTOR", 2),
		"queue.factor":       getenvInt("QUEUE_FACTOR", 64),
		"workers.pi":         getenvInt("WORKERS_PI", 1),
		"queue.pi":           getenvInt("QUEUE_PI", 8),
		"workers.mandelbrot": getenvInt("WORKERS_MANDELBROT", 1),
		"queue.mandelbrot":   getenvInt("QUEUE_MANDELBROT", 4),
		"workers.matrixmul":  getenvInt("WORKERS_MATRIXMUL", 1),
		"queue.matrixmul":    getenvInt("QUEUE_MATRIXMUL", 8),

		"workers.wordcount": getenvInt("WORKERS_WORDCOUNT", 2),
		"queue.wordcount":   getenvInt("QUEUE_WORDCOUNT", 64),
		"workers.grep":      getenvInt("WORKERS_GREP", 2),
		"queue.grep":        getenvInt("QUEUE_GREP", 64),
		"workers.hashfile":  getenvInt("WORKERS_HASHFILE", 2),
		"queue.hashfile":    getenvInt("QUEUE_HASHFILE", 64),
		"workers.sortfile":  getenvInt("WORKERS_SORTFILE", 1),
		"queue.sortfile":    getenvInt("QUEUE_SORTFILE", 4),
		"workers.compress":  getenvInt("WORKERS_COMPRESS", 1),
		"queue.compress":    getenvInt("QUEUE_COMPRESS", 4),
	})

	bus := events.NewBus()
	hub := events.NewHub()
	bus.AttachHub(hub)

	cp := connpool.New(log)
	ctx, cancel := context.WithCancel(context.Background())
	if err := cp.Start(ctx); err != nil {
		log.Error("connection pool failed to start", zap.Error(err))
	}

	fwd := forwarder.New(forwarder.Config{
		CleanupInterval: cfg.Forwarder.CleanupInterval,
		IdleThreshold:   cfg.Forwarder.IdleThreshold,
		WaitCeiling:     cfg.Forwarder.WaitCeiling,
		MaxInFlight:     cfg.Forwarder.MaxInFlight,
	}, cp, log, bus)
	fwd.Start()

	var connpoolEndpoints []struct {
		Host string
		Port uint16
	}
	if cfg.Forwarder.UpstreamsFile != "" {
		upstreams, err := forwarder.LoadUpstreamsJSON(cfg.Forwarder.UpstreamsFile)
		if err != nil {
			log.Error("failed to load upstream list", zap.Error(err))
		} else {
			epCfg := connpool.EndpointConfig{
				MinConnections:      cfg.ConnPool.MinConnections,
				MaxConnections:      cfg.ConnPool.MaxConnections,
				BorrowTimeout:       cfg.ConnPool.BorrowTimeout,
				ConnectTimeout:      cfg.ConnPool.ConnectTimeout,
				HealthCheckInterval: cfg.ConnPool.HealthCheckInterval,
				SessionConfig:       sessionConfigFrom(cfg.Session),
			}
			for _, u := range upstreams {
				epCfg.Host, epCfg.Port = u.Host, u.Port
				if err := fwd.AddUpstream(ctx, u, epCfg); err != nil {
					log.Error("failed to register upstream", zap.String("domain", u.Domain), zap.Error(err))
					continue
				}
				connpoolEndpoints = append(connpoolEndpoints, struct {
					Host string
					Port uint16
				}{Host: u.Host, Port: u.Port})
			}
		}
	}

	adm := admin.New(cfg.Admin.ListenAddr, log)
	for _, name := range router.Registry().Names() {
		if np, ok := router.Registry().Pool(name); ok {
			adm.RegisterPool(name, np.Facade())
		}
	}
	adm.RegisterConnPool(cp, connpoolEndpoints)
	adm.RegisterForwarder(fwd)
	if cfg.Admin.EnableEventsWS {
		adm.RegisterEventsHub(hub)
	}
	go func() {
		if err := adm.Start(); err != nil {
			log.Error("admin server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = adm.Stop(shutdownCtx)
		_ = fwd.Stop()
		cp.Stop()
		cancel()
		router.Close()
		os.Exit(0)
	}()

	log.Info("HTTP/1.0 server starting", zap.String("addr", ":8080"))
	if err := server.ListenAndServe(":8080"); err != nil {
		log.Error("listen failed", zap.Error(err))
		os.Exit(1)
	}
}
