// The worker command consumes indexing jobs from the Redis stream and runs
// the daily retention sweeps.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ragmesh/ragmesh/internal/config"
	"github.com/ragmesh/ragmesh/internal/embedding"
	"github.com/ragmesh/ragmesh/internal/indexing"
	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/queue"
	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/internal/worker"
	"github.com/ragmesh/ragmesh/pkg/cache"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	_ = godotenv.Load()
	logger := observability.NewLogger("worker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker exited", map[string]interface{}{"error": err.Error()})
	}
}

func run(cfg *config.Config, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()

	store := repository.NewStore(db)

	embedder, err := embedding.NewService(embedding.ServiceConfig{
		Provider: embedding.NewHTTPProvider(embedding.HTTPProviderConfig{
			Endpoint:   cfg.Embeddings.Endpoint,
			APIKey:     cfg.Embeddings.APIKey,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
		}),
		Store:       store.EmbeddingCache,
		Registry:    cache.NewRedisCache(redisClient),
		BatchSize:   cfg.Embeddings.BatchSize,
		MaxAttempts: cfg.Embeddings.MaxAttempts,
		RegistryTTL: cfg.Embeddings.CacheTTL,
	})
	if err != nil {
		return err
	}

	client, pricing := buildLLM(cfg, logger)
	tasks := llm.NewTasks(client, cfg.LLM.Model, pricing, logger)

	pipeline, err := indexing.NewPipeline(indexing.PipelineConfig{
		Documents:  store.Documents,
		Chunks:     store.Chunks,
		Relations:  store.Relations,
		Embedder:   embedder,
		Summarizer: tasks,
		Questions:  tasks,
		Converter:  indexing.NewConverter(indexing.NewURLGuard(nil)),
		Chunker: indexing.NewChunker(indexing.ChunkerConfig{
			ChunkSize: cfg.Indexing.ChunkSize,
			Overlap:   cfg.Indexing.ChunkWindow,
		}),
		Costs:             store.Logs,
		KnowledgeDepth:    cfg.Indexing.KnowledgeDepth,
		SummaryMinWords:   cfg.Indexing.SummaryMinWord,
		QuestionsPerChunk: cfg.LLM.QuestionsPerChunk,
	})
	if err != nil {
		return err
	}

	jobs, err := queue.New(ctx, queue.Config{
		Client:    redisClient,
		Stream:    cfg.Queue.StreamName,
		Group:     cfg.Queue.Group,
		DedupeTTL: time.Duration(cfg.Queue.DedupeHours) * time.Hour,
	})
	if err != nil {
		return err
	}

	pool, err := worker.New(worker.Config{
		Queue:   jobs,
		Indexer: pipeline,
		Retention: &worker.StoreRetention{
			Logs:       store.Logs,
			Embeddings: store.EmbeddingCache,
		},
		Workers:       cfg.Queue.Workers,
		RagLogDays:    cfg.Retention.RagLogDays,
		EmbeddingDays: cfg.Embeddings.RetentionDays,
	})
	if err != nil {
		return err
	}

	logger.Info("consuming jobs", map[string]interface{}{
		"stream":  cfg.Queue.StreamName,
		"workers": cfg.Queue.Workers,
	})
	return pool.Run(ctx)
}

// buildLLM wires the completion client with the same fallback the server uses,
// so summarization and question generation survive a primary provider outage.
func buildLLM(cfg *config.Config, logger observability.Logger) (llm.Client, llm.PriceTable) {
	primary := llm.NewOpenAIClient(llm.OpenAIConfig{
		Endpoint:       cfg.LLM.Endpoint,
		APIKey:         cfg.LLM.APIKey,
		RequestTimeout: cfg.LLM.RequestTimeout,
		Logger:         logger,
	})

	pricing := llm.PriceTable{}
	for model, p := range cfg.LLM.Pricing {
		pricing[model] = llm.Pricing{
			InputUSDPerToken:  p.InputUSDPerToken,
			OutputUSDPerToken: p.OutputUSDPerToken,
		}
	}

	if cfg.LLM.FallbackEndpoint == "" {
		return primary, pricing
	}
	secondary := llm.NewOpenAIClient(llm.OpenAIConfig{
		Endpoint:       cfg.LLM.FallbackEndpoint,
		APIKey:         cfg.LLM.FallbackAPIKey,
		RequestTimeout: cfg.LLM.RequestTimeout,
		Logger:         logger,
	})
	return llm.NewFallbackClient(primary, secondary, cfg.LLM.FallbackModel, logger), pricing
}
