package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-parkwatch/internal/config"
	"github.com/technosupport/ts-parkwatch/internal/hls"
	"github.com/technosupport/ts-parkwatch/internal/metrics"
	"github.com/technosupport/ts-parkwatch/internal/middleware"
	"github.com/technosupport/ts-parkwatch/internal/ratelimit"
)

const serviceName = "parkwatch-hlsgw"

// reapInterval is how often idle transcoders are swept.
const reapInterval = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("PARKWATCH_CONFIG"))
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	if err := os.MkdirAll(cfg.HLSRoot, 0750); err != nil {
		log.Fatalf("HLS root init error: %v", err)
	}

	m := metrics.New()

	manager := hls.NewManager(cfg.HLSRoot, hls.NewFFmpegSpawner(cfg.FFmpegBin), cfg.HLSIdleTimeout(), nil, m)
	manager.StartReaper(reapInterval)

	handler := hls.NewHandler(manager)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter := ratelimit.NewLimiter(rdb, cfg.RateSalt)
		rl := middleware.NewRateLimitMiddleware(limiter, middleware.Config{
			GlobalIP: ratelimit.LimitConfig{Rate: 100, Window: time.Second},
		})
		r.Use(rl.GlobalLimiter)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", m.Handler())

	handler.Register(r)

	srv := &http.Server{
		Addr:    ":" + cfg.HLSPort,
		Handler: r,
	}

	go func() {
		log.Printf("%s listening on :%s", serviceName, cfg.HLSPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	manager.Stop()
}
