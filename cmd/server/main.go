// The billing server turns payment provider webhooks into canonical
// subscription state and gates paid functionality on that state.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mapperly/billing/internal/billing"
	"github.com/mapperly/billing/internal/handler"
	"github.com/mapperly/billing/internal/plans"
	"github.com/mapperly/billing/internal/storage"
	"github.com/mapperly/billing/pkg/config"
	"github.com/mapperly/billing/pkg/httpserver"
	"github.com/mapperly/billing/pkg/logger"
	"github.com/mapperly/billing/pkg/pg"
	redisconn "github.com/mapperly/billing/pkg/redis"
)

type appConfig struct {
	Logger  logger.Config
	PG      pg.Config
	Redis   redisconn.Config
	Server  httpserver.Config
	Stripe  billing.StripeConfig
	Paddle  billing.PaddleConfig
	Service billing.ServiceConfig
	Plans   plans.Config

	StatusCacheTTL time.Duration `env:"STATUS_CACHE_TTL" envDefault:"1m"`
	SweepLimit     int           `env:"SWEEP_BATCH_LIMIT" envDefault:"100"`
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.NewFromConfig(cfg.Logger)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return err
	}

	redisClient, err := redisconn.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	stripeProvider, err := billing.NewStripeProvider(cfg.Stripe)
	if err != nil {
		return err
	}
	paddleProvider, err := billing.NewPaddleProvider(cfg.Paddle)
	if err != nil {
		return err
	}

	catalog, err := billing.NewPlanCatalog(ctx, plans.NewYAMLSource(cfg.Plans))
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "plan catalog loaded", slog.Int("plans", catalog.Len()))

	store := storage.NewStore(pool)
	statusCache := billing.NewRedisStatusCache(redisClient, cfg.StatusCacheTTL)
	ledger := billing.NewLedger(store)

	reconciler := billing.NewReconciler(store, ledger, log,
		billing.WithStatusCache(statusCache),
		billing.WithProviders(stripeProvider, paddleProvider))

	// Pick up events admitted before a crash whose reconciliation never
	// committed.
	if n, err := reconciler.ReprocessPending(ctx, cfg.SweepLimit); err != nil {
		log.WarnContext(ctx, "reprocessing sweep finished with errors",
			slog.Int("processed", n), logger.Error(err))
	} else if n > 0 {
		log.InfoContext(ctx, "reprocessed pending events", slog.Int("processed", n))
	}

	service, err := billing.NewService(catalog, store, log, cfg.Service, stripeProvider, paddleProvider)
	if err != nil {
		return err
	}
	gate := billing.NewGate(store, log, billing.WithGateCache(statusCache))

	router := handler.NewRouter(handler.Deps{
		Webhooks:     handler.NewWebhookHandler(reconciler, log),
		Providers:    []handler.WebhookVerifier{stripeProvider, paddleProvider},
		Billing:      handler.NewBillingHandler(service),
		Gate:         gate,
		Log:          log,
		HealthProbes: []func(context.Context) error{pg.Healthcheck(pool), redisconn.Healthcheck(redisClient)},
	})

	return httpserver.New(cfg.Server, log).Run(ctx, router)
}
