package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flitsinc/go-relay/internal/api"
	"github.com/flitsinc/go-relay/internal/config"
	"github.com/flitsinc/go-relay/internal/coord"
	"github.com/flitsinc/go-relay/internal/journal"
	"github.com/flitsinc/go-relay/internal/notify"
	"github.com/flitsinc/go-relay/internal/progress"
	"github.com/flitsinc/go-relay/internal/transport"
	"github.com/flitsinc/go-relay/internal/web"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := journal.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	jrnl := journal.New(db)
	hub := transport.NewHub()

	serverCtx, serverCancel := context.WithCancel(context.Background())

	// With Redis configured, events publish through Redis and come back
	// into the local hub via the bridge, so other relay processes see
	// them too. With the bridge disabled, sessions are assumed pinned
	// to this process and events fan out to the hub and Redis directly.
	var tr transport.Transport = hub
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		redisTransport := transport.NewRedis(redisClient, cfg.RedisPrefix)
		if cfg.RedisBridge {
			tr = redisTransport
			go func() {
				if err := transport.RunBridge(serverCtx, redisClient, cfg.RedisPrefix, hub); err != nil && serverCtx.Err() == nil {
					log.Printf("redis bridge stopped: %v", err)
				}
			}()
		} else {
			tr = transport.NewFanout(hub, redisTransport)
		}
	}

	notifier := notify.New(tr,
		notify.WithJournal(jrnl),
		notify.WithConfig(notify.Config{
			QueueCapacity:      cfg.QueueCapacity,
			RetryBaseDelay:     cfg.RetryBaseDelay,
			RetryMaxAttempts:   cfg.RetryMaxAttempts,
			BacklogThreshold:   cfg.BacklogThreshold,
			BacklogNoticeEvery: cfg.BacklogNoticeEvery,
			OperationGrace:     cfg.OperationGrace,
		}),
	)

	coordinator := coord.New(tr, coord.WithConfig(coord.Config{
		HealthCheckInterval: cfg.HealthCheckInterval,
		ContextIdleTimeout:  cfg.ContextIdleTimeout,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		EnsureMaxAttempts:   cfg.EnsureMaxAttempts,
		EnsureBaseDelay:     cfg.RetryBaseDelay,
	}))
	coordinator.Start()
	hub.OnHeartbeat = coordinator.Heartbeat

	tracker := progress.New(notifier, progress.WithConfig(progress.Config{
		UpdateInterval:  cfg.UpdateInterval,
		LongOpThreshold: cfg.LongOpThreshold,
	}))

	apiServer := &api.Server{
		Notifier:    notifier,
		Coordinator: coordinator,
		Tracker:     tracker,
		Hub:         hub,
		Journal:     jrnl,
		StartedAt:   time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:  cfg.HTTPAddr,
			DataDir:   cfg.DataDir,
			DBPath:    cfg.DBPath,
			RedisAddr: cfg.RedisAddr,
		},
	}

	webServer := &web.Server{Dir: cfg.WebDir}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/", webServer.Handler())

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("relayd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()

	if err := tracker.Shutdown(ctx); err != nil {
		log.Printf("tracker shutdown error: %v", err)
	}
	if err := notifier.Shutdown(ctx); err != nil {
		log.Printf("notifier shutdown error: %v", err)
	}
	if err := coordinator.Shutdown(ctx); err != nil {
		log.Printf("coordinator shutdown error: %v", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
