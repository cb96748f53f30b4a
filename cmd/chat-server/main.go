package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/admin"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/database"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/handlers"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/listener"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/pipeline"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/recovery"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/session"
	"github.com/secure-chat-hub/secure-chat-hub/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
)

func main() {
	// Initialize zap logging
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION")
	log := logger.New(logLevel)
	defer func(logger *zap.SugaredLogger) {
		err := logger.Sync()
		if err != nil {
			panic(err)
		}
	}(log)

	internal.Initfgtrace()

	dryRun, _ := env.GetAsBool("DRY_RUN", false, false)

	// Prometheus
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)

	http.Handle(metricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()

	// Fault supervisor. GiveUp fires when every registered action is
	// exhausted, at which point running on is worse than restarting.
	var sh internal.ShutdownHandler
	sup := recovery.NewSupervisor(recovery.Config{
		GiveUp: func(f recovery.Failure) {
			zap.S().Errorf("Recovery exhausted for %s/%s: %s", f.Key.Component, f.Key.Kind, f.Detail)
			if sh != nil {
				sh.Abort(internal.ExitUnrecoverable)
			}
		},
	}, reg)

	// Healthcheck
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("fault-supervisor", func() error {
		if !sup.Healthy() {
			return fmt.Errorf("too many active failures")
		}
		return nil
	})
	health.AddReadinessCheck("shutting-down", func() error {
		if sh != nil && sh.ShuttingDown() {
			return fmt.Errorf("shutdown in progress")
		}
		return nil
	})
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()

	// Postgres
	PQHost, _ := env.GetAsString("POSTGRES_HOST", false, "db")
	PQPort, _ := env.GetAsInt("POSTGRES_PORT", false, 5432)
	PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	PQSSLMode, _ := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	readPoolSize, _ := env.GetAsInt("DB_READ_POOL_SIZE", false, 8)
	writePoolSize, _ := env.GetAsInt("DB_WRITE_POOL_SIZE", false, 4)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		PQUser, PQPassword, PQHost, PQPort, PQDBName, PQSSLMode)
	pool := database.NewPool(database.Config{
		DSN:           dsn,
		ReadPoolSize:  readPoolSize,
		WritePoolSize: writePoolSize,
	}, reg)
	pool.OnFailure(func(role database.Role, err error) {
		sup.Report("database", "reconnect_failed_"+string(role), err.Error())
	})
	pool.Start()
	if !dryRun {
		health.AddReadinessCheck("database", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(ctx)
		})
	}

	cacheSizeMiB, _ := env.GetAsInt("QUERY_CACHE_MIB", false, 32)
	store := database.NewStore(pool, cacheSizeMiB, 5*time.Minute)
	if !dryRun {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.EnsureSchema(ctx); err != nil {
			zap.S().Fatalf("Failed to ensure schema: %s", err)
		}
		cancel()
	}

	// Sessions
	sessionTTLHours, _ := env.GetAsInt("SESSION_TTL_HOURS", false, 24)
	redisMaster, _ := env.GetAsString("REDIS_MASTER_NAME", false, "")
	redisSentinels, _ := env.GetAsString("REDIS_SENTINELS", false, "")
	redisPassword, _ := env.GetAsString("REDIS_PASSWORD", false, "")
	sessionCfg := session.Config{
		TTL:           time.Duration(sessionTTLHours) * time.Hour,
		RedisMaster:   redisMaster,
		RedisPassword: redisPassword,
		DryRun:        dryRun,
	}
	if redisSentinels != "" {
		sessionCfg.RedisSentinels = strings.Split(redisSentinels, ",")
	}
	sessions := session.NewManager(sessionCfg)

	// Connections
	maxConnections, _ := env.GetAsInt("MAX_CONNECTIONS", false, 10000)
	idleTimeoutMin, _ := env.GetAsInt("IDLE_TIMEOUT_MINUTES", false, 5)
	mgr := connection.NewManager(connection.Config{
		MaxConnections: maxConnections,
		IdleTimeout:    time.Duration(idleTimeoutMin) * time.Minute,
	}, sessions, reg)
	mgr.StartIdleSweeper()

	// Message engine
	retryDir, _ := env.GetAsString("RETRY_QUEUE_DIR", false, "/data/retry-queue")
	retryEnabled, _ := env.GetAsBool("RETRY_QUEUE_ENABLED", false, true)
	registry := engine.NewRegistry()
	eng, err := engine.New(engine.Config{
		RetryEnabled: retryEnabled,
		RetryDir:     retryDir,
	}, registry, mgr, reg)
	if err != nil {
		zap.S().Fatalf("Failed to open message engine: %s", err)
	}

	if err := handlers.RegisterAll(registry, handlers.Deps{
		Manager:  mgr,
		Store:    store,
		Sessions: sessions,
	}); err != nil {
		zap.S().Fatalf("Failed to register handlers: %s", err)
	}

	// Event pipeline
	pipe := pipeline.New(pipeline.Config{}, mgr, eng, reg)
	pipe.OnOverflow(func() {
		sup.Report("pipeline", "event_queue_overflow", "event queue full, events dropped")
	})

	// Recovery actions. Ordered cheap to drastic.
	sup.RegisterAction("database", recovery.Action{
		Name:     "ping-pool",
		Priority: 1,
		Cooldown: 10 * time.Second,
		Run: func(ctx context.Context, f recovery.Failure) error {
			return pool.Ping(ctx)
		},
	})
	sup.RegisterAction("pipeline", recovery.Action{
		Name:     "await-drain",
		Priority: 1,
		Cooldown: 5 * time.Second,
		Run: func(ctx context.Context, f recovery.Failure) error {
			if pipe.QueueLength() > 0 {
				return fmt.Errorf("event queue still backed up: %d", pipe.QueueLength())
			}
			return nil
		},
	})
	sup.Start()
	eng.Start()
	pipe.Start()

	// TLS listener
	listenAddr, _ := env.GetAsString("CHAT_LISTEN_ADDR", false, ":8443")
	certFile, _ := env.GetAsString("TLS_CERT_FILE", false, "")
	keyFile, _ := env.GetAsString("TLS_KEY_FILE", false, "")
	ln := listener.New(listener.Config{
		Addr:     listenAddr,
		CertFile: certFile,
		KeyFile:  keyFile,
	}, mgr, pipe)
	ln.OnAcceptError = func(err error) {
		sup.Report("listener", "accept_failed", err.Error())
	}
	if err := ln.Start(); err != nil {
		zap.S().Fatalf("Failed to start listener: %s", err)
	}

	// Admin API
	adminAddr, _ := env.GetAsString("ADMIN_LISTEN_ADDR", false, ":8087")
	adminUser, _ := env.GetAsString("ADMIN_USER", false, "admin")
	adminPassword, err := env.GetAsString("ADMIN_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	adm := admin.New(admin.Config{
		Addr:     adminAddr,
		Accounts: gin.Accounts{adminUser: adminPassword},
	}, mgr, eng, sup, reg, promReg)
	if err := adm.Start(); err != nil {
		zap.S().Fatalf("Failed to start admin API: %s", err)
	}

	drainSeconds, _ := env.GetAsInt("SHUTDOWN_DRAIN_SECONDS", false, 30)
	sh = internal.NewShutdownHandler(time.Duration(drainSeconds)*time.Second, func() error {
		ln.Stop()
		pipe.Stop()
		// Half the budget goes to draining queued messages, the rest to
		// closing everything down.
		eng.Drain(time.Duration(drainSeconds) * time.Second / 2)
		eng.Stop()
		sup.Stop()
		pool.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adm.Stop(ctx)
	})
	adm.OnShutdown = sh.Shutdown

	zap.S().Infof("Chat server ready on %s", listenAddr)
	sh.Wait()
}
