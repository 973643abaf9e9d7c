package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/finvest/sagaflow/config"
	"github.com/finvest/sagaflow/finance"
	"github.com/finvest/sagaflow/idempotency"
	"github.com/finvest/sagaflow/management"
	"github.com/finvest/sagaflow/operations"
	"github.com/finvest/sagaflow/saga"
	"github.com/finvest/sagaflow/transaction"
)

const (
	connectTimeout = 10 * time.Second
	persistDelay   = 100 * time.Millisecond
)

// app holds the components shared by serve and recover.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   saga.Store
	keys    idempotency.Store
	deps    operations.Dependencies
	coord   *saga.Coordinator
	manager *management.Manager
	sweeper *management.Sweeper
	closers []func() error
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// newApp connects the configured store and builds the coordinator, the
// management surface and the reference collaborators. Callers must Close
// the app.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("sagaflow initialised", "store", cfg.Store.Driver)
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.deps = operations.Dependencies{
		Compliance: finance.NewMemoryComplianceGate(),
		Benefits:   finance.NewCatalogBenefitEngine(),
		Ledger:     finance.NewMemoryLedger(),
		Logger:     logger.With("component", "saga.operations"),
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var err error
	switch cfg.Store.Driver {
	case config.DriverMemory:
		err = a.openMemory()
	case config.DriverPostgres:
		err = a.openPostgres(ctx)
	case config.DriverRedis:
		err = a.openRedis(ctx)
	case config.DriverMongo:
		err = a.openMongo(ctx)
	default:
		err = fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return err
	}

	metrics, err := saga.NewMetricsRecorder("sagaflow")
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	a.coord = saga.NewCoordinator(
		saga.WithStore(a.store),
		saga.WithLogger(logger.With("component", "saga.coordinator")),
		saga.WithMetrics(metrics),
		saga.WithStepTimeout(cfg.Coordinator.StepTimeout),
		saga.WithPersistAttempts(cfg.Coordinator.PersistAttempts, persistDelay),
		saga.WithPlanValidator(operations.ValidatePlan),
	)

	a.manager = management.NewManager(a.coord).
		WithBuilder(operations.PlanName, operations.InvestmentBuilder{Deps: a.deps}).
		WithLogger(logger.With("component", "saga.management"))

	a.sweeper = management.NewSweeper(a.manager,
		management.WithStaleAfter(cfg.Recovery.StaleAfter),
		management.WithMaxCompensationAttempts(cfg.Recovery.MaxCompensationAttempts),
		management.WithBatchSize(cfg.Recovery.BatchSize),
		management.WithRate(cfg.Recovery.Rate, max(1, int(cfg.Recovery.Rate))),
		management.WithRetryTransient(cfg.Recovery.RetryTransient),
		management.WithSweepLogger(logger.With("component", "saga.sweeper")),
	)
	return nil
}

func (a *app) openMemory() error {
	a.store = saga.NewMemoryStore()
	a.useMemoryResources()
	return nil
}

// useMemoryResources wires in-process keys, inventory and wallet for stores
// without a SQL database behind them. The ledger stays the in-memory default.
func (a *app) useMemoryResources() {
	a.deps.Inventory = finance.NewMemoryInventory()
	a.deps.Wallet = finance.NewMemoryWallet()
	if a.keys != nil {
		return
	}
	keys := idempotency.NewMemoryStore()
	a.closers = append(a.closers, func() error {
		keys.Close()
		return nil
	})
	a.keys = keys
}

func (a *app) openPostgres(ctx context.Context) error {
	db, err := sql.Open("postgres", a.cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	store := saga.NewPostgresStore(db).WithTable(a.cfg.Store.Table)
	if err := store.CreateTable(ctx); err != nil {
		return err
	}

	keys := idempotency.NewPostgresStore(db)
	txm := transaction.NewSQLManager(db)
	inventory := finance.NewPostgresInventory(txm)
	if err := inventory.CreateTables(ctx); err != nil {
		return err
	}
	wallet := finance.NewPostgresWallet(txm, keys)
	if err := wallet.CreateTables(ctx); err != nil {
		return err
	}
	ledger := finance.NewPostgresLedger(txm, keys)
	if err := ledger.CreateTables(ctx); err != nil {
		return err
	}

	a.store = store
	a.keys = keys
	a.deps.Inventory = inventory
	a.deps.Wallet = wallet
	a.deps.Ledger = ledger
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{Addr: a.cfg.Store.RedisAddr})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	a.store = saga.NewRedisStore(client).WithKeyPrefix(a.cfg.Store.Prefix)
	a.keys = idempotency.NewRedisStore(client).WithPrefix(a.cfg.Store.Prefix + "idemp:")
	a.useMemoryResources()
	return nil
}

func (a *app) openMongo(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.Store.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	a.closers = append(a.closers, func() error {
		return client.Disconnect(context.Background())
	})
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	store := saga.NewMongoStore(client.Database(a.cfg.Store.MongoDatabase))
	if a.cfg.Store.Table != "" {
		store = store.WithCollection(a.cfg.Store.Table)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}

	a.store = store
	a.useMemoryResources()
	return nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
