package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-parkwatch/internal/api"
	"github.com/technosupport/ts-parkwatch/internal/blob"
	"github.com/technosupport/ts-parkwatch/internal/changes"
	"github.com/technosupport/ts-parkwatch/internal/clock"
	"github.com/technosupport/ts-parkwatch/internal/config"
	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/detect"
	"github.com/technosupport/ts-parkwatch/internal/engine"
	"github.com/technosupport/ts-parkwatch/internal/images"
	"github.com/technosupport/ts-parkwatch/internal/metrics"
	"github.com/technosupport/ts-parkwatch/internal/middleware"
	"github.com/technosupport/ts-parkwatch/internal/planner"
	"github.com/technosupport/ts-parkwatch/internal/ratelimit"
	"github.com/technosupport/ts-parkwatch/internal/rtsp"
	"github.com/technosupport/ts-parkwatch/internal/scheduler"
)

const serviceName = "parkwatch-server"

func main() {
	// 1. Config
	cfg, err := config.Load(os.Getenv("PARKWATCH_CONFIG"))
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	cal, err := clock.NewCalendar(cfg.WallTimezone)
	if err != nil {
		log.Fatalf("Calendar init error: %v", err)
	}
	clk := clock.SystemClock{}

	// 2. DB
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	// 3. Blob store
	store, err := blob.NewFSStore(cfg.ScreenshotRoot)
	if err != nil {
		log.Fatalf("Blob store init error: %v", err)
	}

	// 4. Repositories
	taskRepo := data.TaskModel{DB: db}
	taskCfgRepo := data.TaskConfigModel{DB: db}
	snapRepo := data.SnapshotModel{DB: db}
	changeRepo := data.ChangeModel{DB: db}
	ruleRepo := data.RuleModel{DB: db}
	nvrRepo := data.NvrConfigModel{DB: db}

	// 5. Metrics
	m := metrics.New()

	// 6. NATS (optional: absent broker disables live change events)
	var pub changes.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			log.Printf("Warning: NATS connect failed: %v. Change events disabled.", err)
		} else {
			defer nc.Close()
			pub = changes.NewNATSPublisher(nc, 3)
			log.Printf("Connected to NATS at %s", cfg.NATSURL)
		}
	}

	// 7. Change engine
	changeEngine := changes.NewEngine(snapRepo, changeRepo, pub, m)
	changeEngine.Start(context.Background())

	// 8. Detector sidecar client
	if cfg.DetectorURL == "" {
		log.Fatalf("DETECTOR_URL is required")
	}
	detector := detect.NewHTTPDetector(cfg.DetectorURL, cfg.ReferenceWidth, cfg.ReferenceHeight)

	// 9. Execution engine + reaper
	grabber := rtsp.NewFFmpegGrabber(cfg.FFmpegBin)
	eng := engine.New(taskRepo, snapRepo, nvrRepo, store, grabber, detector, changeEngine, m, clk, engine.Options{
		MaxComboConcurrency: cfg.MaxComboConcurrency,
		MaxWorkersPerCombo:  cfg.MaxWorkersPerCombo,
		ConnectTimeout:      cfg.ConnectTimeout(),
		RetryCount:          cfg.TaskRetryCount,
		DeadlineFactor:      cfg.TaskDeadlineFactor,
		ReferenceWidth:      cfg.ReferenceWidth,
		ReferenceHeight:     cfg.ReferenceHeight,
	})
	reaper := engine.NewReaper(eng)
	reaper.Start()

	// 10. Planner + scheduler
	pl := planner.New(taskRepo, taskCfgRepo, cal)
	sched := scheduler.New(ruleRepo, taskRepo, pl, eng, cal, clk, m)
	sched.Start()

	// 11. Rate limiting (redis-backed, fail-open)
	var rl *middleware.RateLimitMiddleware
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter := ratelimit.NewLimiter(rdb, cfg.RateSalt)
		rl = middleware.NewRateLimitMiddleware(limiter, middleware.Config{
			GlobalIP: ratelimit.LimitConfig{Rate: 200, Window: time.Second},
		})
	}

	// 12. HTTP surface
	imageSvc := images.NewService(snapRepo, store)
	router := api.NewRouter(api.Deps{
		Tasks:          api.NewTaskHandler(taskRepo, taskCfgRepo, pl, sched),
		Images:         api.NewImageHandler(imageSvc),
		Changes:        api.NewChangeHandler(changeRepo, snapRepo),
		Configs:        api.NewConfigHandler(nvrRepo, cfg.ReferenceWidth, cfg.ReferenceHeight),
		Rules:          api.NewRuleHandler(ruleRepo),
		StatusWS:       api.NewStatusWsHandler(taskRepo),
		RateLimit:      rl,
		ShotsDir:       cfg.ScreenshotRoot,
		MetricsHandler: m.Handler(),
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("%s listening on :%s", serviceName, cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 13. Wait for termination, then drain: scheduler first so nothing new
	// is submitted, engine next, change queue last.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("Shutdown requested")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sched.Stop()
	reaper.Stop()
	eng.Shutdown()
	changeEngine.Stop()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	}
	log.Printf("Server stopped gracefully")
}
