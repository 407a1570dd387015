// cmd/deal-worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deal-pipeline/internal/common/config"
	"deal-pipeline/internal/common/database"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/common/marketplace"
	"deal-pipeline/internal/common/observability"
	"deal-pipeline/internal/deals/acceptance"
	"deal-pipeline/internal/deals/dashboard"
	"deal-pipeline/internal/deals/guard"
	"deal-pipeline/internal/deals/journal"
)

var Cmd = &cobra.Command{
	Use:          "deal-worker",
	Short:        "Run the deal pipeline job workers",
	SilenceUsage: true,
	RunE:         runWorker,
}

var args struct {
	configPath string
}

func init() {
	Cmd.PersistentFlags().StringVar(&args.configPath, "config", "",
		"path to a config file (default: configs/config.yaml merged with config.<APP_ENVIRONMENT>.yaml)")
	Cmd.AddCommand(reconcileCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if args.configPath != "" {
		return config.LoadFromFile(args.configPath)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) (*zap.Logger, logger.Logger) {
	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	return zapLog, logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	})
}

// pipeline is the dashboard service with the connections it owns.
type pipeline struct {
	svc *dashboard.Service
	db  *database.PostgresClient
	rdb *database.RedisClient
}

func (p *pipeline) Close() {
	p.svc.Close()
	if p.rdb != nil {
		_ = p.rdb.Close()
	}
	if p.db != nil {
		_ = p.db.Close()
	}
}

// buildPipeline connects the optional journal database and submission guard, then
// builds the dashboard service over the marketplace client. The service is not opened.
func buildPipeline(ctx context.Context, cfg *config.Config, log logger.Logger, obs *observability.Observability) (*pipeline, error) {
	p := &pipeline{}

	// --- Optional journal (PostgreSQL) ---
	dealJournal := journal.New(nil, log)
	if cfg.Database.Postgres.Enabled() {
		db, err := database.Connect(ctx, func() (*database.PostgresClient, error) {
			return database.NewPostgres(cfg.Database.Postgres)
		}, 15, 2*time.Second, log, "PostgreSQL connection")
		if err != nil {
			return nil, err
		}

		p.db = db
		dealJournal = journal.New(p.db.GetDB(), log)
		if err := dealJournal.Migrate(ctx); err != nil {
			_ = p.db.Close()
			return nil, fmt.Errorf("journal migration failed: %w", err)
		}
		log.Info("PostgreSQL connected, journal enabled", nil)
	} else {
		log.Info("journal disabled, no database configured", nil)
	}

	// --- Optional submission guard (Redis) ---
	var submissionGuard acceptance.Guard = guard.Noop{}
	if cfg.Database.Redis.Enabled() {
		rdb, err := database.Connect(ctx, func() (*database.RedisClient, error) {
			return database.NewRedis(cfg.Database.Redis)
		}, 10, 2*time.Second, log, "Redis connection")
		if err != nil {
			if p.db != nil {
				_ = p.db.Close()
			}
			return nil, err
		}
		p.rdb = rdb
		submissionGuard = guard.NewRedisGuard(p.rdb.GetClient(), config.GetDuration(cfg.Acceptance.LockTTL), log)
		log.Info("Redis connected, submission guard enabled", nil)
	}

	market := marketplace.NewClient(marketplace.Config{
		BaseURL:  cfg.Marketplace.BaseURL,
		APIToken: cfg.Marketplace.APIToken,
		Timeout:  config.GetDuration(cfg.Marketplace.Timeout),
	}, log)

	p.svc = dashboard.NewService(dashboard.ServiceDependencies{
		Gateway:       market,
		Journal:       dealJournal,
		Guard:         submissionGuard,
		Logger:        log,
		Observability: obs,
	}, &dashboard.Config{
		PendingLimit:   cfg.Pipeline.PendingLimit,
		RefreshTimeout: config.GetDuration(cfg.Pipeline.RefreshTimeout),
	})
	return p, nil
}
