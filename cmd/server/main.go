package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/config"
	"github.com/atmx/contest-engine/internal/events"
	"github.com/atmx/contest-engine/internal/exposure"
	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/logger"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/pnl"
	"github.com/atmx/contest-engine/internal/position"
	"github.com/atmx/contest-engine/internal/price"
	"github.com/atmx/contest-engine/internal/settings"
	"github.com/atmx/contest-engine/internal/store"
	"github.com/atmx/contest-engine/internal/sweep"
	"github.com/atmx/contest-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// --- Instruments ---
	catalog := instrument.DefaultCatalog()
	if path := cfg.Instruments.CatalogFile; path != "" {
		catalog, err = instrument.LoadCatalog(path)
		if err != nil {
			log.Fatal("instrument catalog load failed", zap.String("path", path), zap.Error(err))
		}
	}
	log.Info("instrument catalog loaded", zap.Int("symbols", len(catalog.Symbols())))

	// --- Initialize store, prices and lease ---
	var (
		st      store.Store
		prices  price.Source
		lease   sweep.Lease
		cleanup []func()
	)
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		log.Info("connected to PostgreSQL")
	} else {
		log.Warn("database URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal("invalid redis URL", zap.Error(err))
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		// Read-through cache for contests, risk settings and restrictions.
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		prices = price.NewRedisSource(rdb, cfg.Price.StaleAfter)
		lease = sweep.NewRedisLease(rdb, log)
		log.Info("Redis enabled for prices, cache and sweep leases")
	} else {
		log.Warn("redis URL not set, prices must be pushed into the in-memory source")
		prices = price.NewMemorySource(cfg.Price.StaleAfter)
		lease = sweep.NewLocalLease()
	}

	// --- Events ---
	bus := events.NewBus(log, 10*time.Second)
	events.SubscribeNotifier(bus, events.NewLogNotifier(log))
	if len(cfg.Kafka.Brokers) > 0 {
		fwd := events.NewKafkaForwarder(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		fwd.Subscribe(bus)
		cleanup = append(cleanup, func() {
			if err := fwd.Close(); err != nil {
				log.Warn("kafka writer close failed", zap.Error(err))
			}
		})
		log.Info("forwarding events to Kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// --- WebSocket hub ---
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	wsHub := trade.NewWSHub(log)
	wsHub.Subscribe(bus)
	go wsHub.Run(ctx)

	// --- Position lifecycle ---
	thresholds := settings.New(st, cfg.Risk.SettingsTTL, log)
	limiter := exposure.NewLimiter(
		decimal.NewFromFloat(cfg.Exposure.MaxLotsPerSymbol),
		decimal.NewFromFloat(cfg.Exposure.MaxLotsPerCurrency),
		catalog,
	)
	positions := position.NewManager(st, prices, catalog, limiter, thresholds, bus,
		position.Config{
			LockedMaxAge:             cfg.Price.LockedMaxAge,
			LockedMaxSlippage:        decimal.NewFromFloat(cfg.Price.LockedMaxSlippage),
			CountLiquidationsInStats: cfg.Risk.CountLiquidationsInStats,
		},
		log,
	)

	// --- Sweeps ---
	risk := sweep.NewRiskSweeper(st, prices, pnl.New(catalog), positions, thresholds, bus, cfg.Sweep.Concurrency, log)
	trigger := sweep.NewTriggerSweeper(st, prices, positions, cfg.Sweep.Concurrency, log)
	contestEnd := sweep.NewContestEndSweeper(st, prices, positions, sweep.NewPublishingFinalizer(st, bus), log)

	scheduler := sweep.NewScheduler(lease, cfg.Sweep.LeaseTTL, log,
		sweep.Job{Name: "risk", Interval: cfg.Sweep.RiskInterval, Run: risk.Run},
		sweep.Job{Name: "trigger", Interval: cfg.Sweep.TriggerInterval, Run: trigger.RunAll},
		sweep.Job{Name: "contest_end", Interval: cfg.Sweep.ContestEndInterval, Run: contestEnd.Run},
	)
	if cfg.Sweep.Enabled {
		scheduler.Start(ctx)
	} else {
		log.Warn("in-process sweeps disabled, expecting an external scheduler on /internal/sweeps")
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(positions, &trade.Sweeps{
		Risk:       risk.Run,
		Trigger:    trigger.Run,
		ContestEnd: contestEnd.Run,
		Lease:      lease,
		LeaseTTL:   cfg.Sweep.LeaseTTL,
	}, log)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"contest-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for close and liquidation pushes.
	r.Get("/api/v1/ws", wsHub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		tradeSvc.Register(r)
	})
	// Manual sweep triggers are bounded by their lease TTL instead.
	tradeSvc.RegisterSweeps(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("contest-engine listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down contest-engine...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	stop()
	scheduler.Wait()
	bus.Wait()
	log.Info("contest-engine stopped")
}
