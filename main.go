package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/DuvanRCuero/SmartFlow-Ai/config"
	"github.com/DuvanRCuero/SmartFlow-Ai/features"
	"github.com/DuvanRCuero/SmartFlow-Ai/planstore"
	"github.com/DuvanRCuero/SmartFlow-Ai/scheduler"
	"github.com/DuvanRCuero/SmartFlow-Ai/suggest"
	"github.com/DuvanRCuero/SmartFlow-Ai/telemetry"
	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

func main() {
	if err := config.InitLogger(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := config.Logger
	defer logger.Sync()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	if err := config.InitDB(cfg); err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	db := config.DB
	clock := utils.NewClock()

	// Claims back the per-task single-flight guarantee. Redis makes it hold
	// across instances; without Redis a single instance still gets it locally.
	var claims suggest.Claims
	if cfg.RedisHost != "" {
		if err := config.InitRedis(cfg); err != nil {
			logger.Fatalf("Failed to initialize redis: %v", err)
		}
		claims = suggest.NewRedisClaims(config.RedisClient)
	} else {
		logger.Warn("REDIS_HOST not set, using in-process claims")
		claims = suggest.NewLocalClaims(clock)
	}

	model, err := suggest.NewLLMClient(cfg.OpenAIAPIKey, cfg.OpenAIEndpoint, cfg.OpenAIModel)
	if err != nil {
		logger.Fatalf("Failed to initialize LLM client: %v", err)
	}
	recommender := suggest.NewLLMRecommender(model, logger)

	plans := planstore.New(db, clock, logger)
	ingest := telemetry.New(db, clock, logger, cfg.TelemetryBucket(), cfg.RollupWindow())
	aggregator := features.New(ingest, plans)
	engine := suggest.NewEngine(db, plans, aggregator, recommender, claims, clock, logger, suggest.Config{
		ConfidenceFloor: cfg.ConfidenceFloor,
		ClaimTTL:        cfg.ClaimTTL(),
		Timeout:         cfg.GenerationTimeout(),
	})

	windows := features.Windows{Lookback: cfg.Lookback(), HalfLife: cfg.HalfLife()}
	runner := scheduler.New(db, engine, ingest, clock, logger,
		cfg.SchedulerInterval(), cfg.RetentionHorizon(), windows)
	runner.Start()

	logger.Infow("engine running",
		"environment", cfg.Environment,
		"db_driver", cfg.DBDriver,
		"model", cfg.OpenAIModel,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	runner.Stop()
}
