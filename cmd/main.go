package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/notesmith/engine/internal/db"
	"github.com/notesmith/engine/internal/handlers"
	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/middleware"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/pipeline/steps"
	"github.com/notesmith/engine/internal/prompts"
	"github.com/notesmith/engine/internal/repos"
	"github.com/notesmith/engine/internal/server"
	"github.com/notesmith/engine/internal/services"
	"github.com/notesmith/engine/internal/utils"
)

func main() {
	_ = godotenv.Load()

	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	maxAttempts := utils.GetEnvAsInt("STAGE_MAX_ATTEMPTS", 3, log)
	staleAfter := utils.GetEnvAsDuration("STAGE_STALE_AFTER", 2*time.Minute, log)
	heartbeatInterval := utils.GetEnvAsDuration("STAGE_HEARTBEAT_INTERVAL", 30*time.Second, log)
	maxInflight := utils.GetEnvAsInt("MAX_INFLIGHT_MESSAGES", 10, log)
	promptDir := utils.GetEnv("PROMPT_DIR", "prompts", log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	defer postgresService.Close()
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	outputRepo := repos.NewPipelineOutputRepo(thePG, log)
	stageRepo := repos.NewPipelineStageRepo(thePG, log, outputRepo)
	metricRepo := repos.NewLLMMetricRepo(thePG, log)
	sentenceRepo := repos.NewSentenceEmbeddingRepo(thePG, log)

	// Prompts
	promptLibrary, err := prompts.Load(promptDir, log)
	if err != nil {
		log.Error("Could not load prompt library", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	genaiClient, err := services.NewGenAIClient(log)
	if err != nil {
		log.Error("Could not init GenAIClient", "error", err)
		os.Exit(1)
	}
	embeddingClient, err := services.NewEmbeddingClient(log)
	if err != nil {
		log.Error("Could not init EmbeddingClient", "error", err)
		os.Exit(1)
	}
	audioFetcher, err := services.NewAudioFetcher(log)
	if err != nil {
		log.Error("Could not init AudioFetcher", "error", err)
		os.Exit(1)
	}
	defer audioFetcher.Close()
	notifier, err := services.NewUpstreamNotifier(log)
	if err != nil {
		log.Error("Could not init UpstreamNotifier", "error", err)
		os.Exit(1)
	}
	similarityService := services.NewSimilarityService(log, embeddingClient, sentenceRepo)

	// Pipeline
	log.Info("Setting up pipeline from main...")
	registry := pipeline.NewRegistry()
	for _, step := range []pipeline.Step{
		steps.NewSTTStep(log, genaiClient, audioFetcher, promptLibrary),
		steps.NewContextStep(log, genaiClient, audioFetcher, promptLibrary, similarityService),
		steps.NewNotebackStep(log, genaiClient, audioFetcher, promptLibrary, similarityService, stageRepo, outputRepo),
	} {
		if err := registry.Register(step); err != nil {
			log.Error("Could not register pipeline step", "error", err)
			os.Exit(1)
		}
	}
	runner := pipeline.NewRunner(
		log,
		pipeline.RunnerConfig{
			Policy: repos.CheckoutPolicy{
				MaxAttempts: maxAttempts,
				StaleAfter:  staleAfter,
			},
			HeartbeatInterval: heartbeatInterval,
		},
		registry,
		stageRepo,
		outputRepo,
		metricRepo,
		notifier,
	)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		TriggerHandler:  handlers.NewTriggerHandler(log, runner),
		InflightLimiter: middleware.NewInflightLimiter(log, int64(maxInflight)),
		Mode:            logMode,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
