package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/placecardhq/placecard/pkg/audit"
	"github.com/placecardhq/placecard/pkg/billing"
	"github.com/placecardhq/placecard/pkg/config"
	"github.com/placecardhq/placecard/pkg/httpserver"
	"github.com/placecardhq/placecard/pkg/logger"
	"github.com/placecardhq/placecard/pkg/pg"
	"github.com/placecardhq/placecard/pkg/redis"
	billingsvc "github.com/placecardhq/placecard/svc/billing"
	"github.com/placecardhq/placecard/svc/tenant"
)

type appConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`

	PlansPath string `env:"BILLING_PLANS_PATH" envDefault:"plans.yaml"`

	// EventRetention must stay longer than the processor's redelivery window.
	EventRetention time.Duration `env:"BILLING_EVENT_RETENTION" envDefault:"720h"`
	RepairSchedule string        `env:"BILLING_REPAIR_SCHEDULE" envDefault:"*/10 * * * *"`
	PruneSchedule  string        `env:"BILLING_PRUNE_SCHEDULE" envDefault:"30 4 * * *"`

	RedisEnabled bool `env:"REDIS_ENABLED" envDefault:"false"`
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithEnvironment(cfg.Environment, "placecard-billing"),
		logger.WithContextExtractors(tenant.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	var pgCfg pg.Config
	config.MustLoad(&pgCfg)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	var stripeCfg billing.StripeConfig
	config.MustLoad(&stripeCfg)
	gateway, err := billing.NewStripeGateway(stripeCfg)
	if err != nil {
		return err
	}

	catalog, err := billing.NewCatalog(ctx, billing.NewFileSource(cfg.PlansPath))
	if err != nil {
		return err
	}

	store := billing.NewPostgresStore(pool)
	auditStorage := audit.NewPostgresStorage(pool)
	activity := audit.NewLogger(auditStorage)

	controller := billing.NewController(store, gateway, catalog, activity,
		billing.WithControllerLogger(log.With("component", "controller")),
		billing.WithGatewayTimeout(stripeCfg.CallTimeout),
	)

	reconcilerOpts := []billing.ReconcilerOption{
		billing.WithReconcilerLogger(log.With("component", "reconciler")),
	}
	if cfg.RedisEnabled {
		var redisCfg redis.Config
		config.MustLoad(&redisCfg)
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		reconcilerOpts = append(reconcilerOpts,
			billing.WithDuplicateCache(billing.NewRedisDuplicateCache(client, cfg.EventRetention)))
	}
	reconciler := billing.NewReconciler(store, gateway, activity, reconcilerOpts...)

	repairer := billing.NewRepairer(store, gateway, catalog, activity,
		billing.WithRepairerLogger(log.With("component", "repairer")),
	)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.RepairSchedule, func() {
		if _, err := repairer.Run(context.Background()); err != nil {
			log.Error("scheduled repair pass failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc(cfg.PruneSchedule, func() {
		if _, err := repairer.PruneEvents(context.Background(), cfg.EventRetention); err != nil {
			log.Error("scheduled event prune failed", "error", err)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	svc := billingsvc.New(controller, reconciler, repairer, catalog, audit.NewReader(auditStorage),
		billingsvc.WithLogger(log.With("component", "http")),
	)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	dbCheck := pg.Healthcheck(pool)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbCheck(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	router.Mount("/api/v1", svc.Router())

	server := httpserver.New(
		httpserver.WithAddr(cfg.HTTPAddr),
		httpserver.WithReadTimeout(15*time.Second),
		httpserver.WithWriteTimeout(30*time.Second),
		httpserver.WithIdleTimeout(time.Minute),
		httpserver.WithLogger(log),
	)
	return server.Run(ctx, router)
}
