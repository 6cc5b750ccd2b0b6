// The server command runs the HTTP API: retrieval, chat, data management,
// and transaction inspection. Indexing jobs are enqueued here and consumed by
// the worker command.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ragmesh/ragmesh/internal/api"
	"github.com/ragmesh/ragmesh/internal/chat"
	"github.com/ragmesh/ragmesh/internal/config"
	"github.com/ragmesh/ragmesh/internal/embedding"
	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/queue"
	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/internal/retrieval"
	"github.com/ragmesh/ragmesh/internal/search"
	"github.com/ragmesh/ragmesh/pkg/cache"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	_ = godotenv.Load()
	logger := observability.NewLogger("server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", map[string]interface{}{"error": err.Error()})
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

	engine, err := search.NewEngine(search.Config{
		Chunks: store.Chunks,
		Cutoff: cfg.Embeddings.Cutoff,
	})
	if err != nil {
		return err
	}

	reranker, err := retrieval.NewReranker(retrieval.RerankerConfig{
		Provider: retrieval.NewHTTPRerankProvider(retrieval.HTTPRerankProviderConfig{
			Endpoint: cfg.Rerank.Endpoint,
			APIKey:   cfg.Rerank.APIKey,
			Model:    cfg.Rerank.Model,
		}),
		Policy:      retrieval.RerankPolicy(cfg.Rerank.Policy),
		Cutoff:      cfg.Rerank.Cutoff,
		Threshold:   cfg.Rerank.Threshold,
		MaxAttempts: cfg.Rerank.MaxAttempts,
	})
	if err != nil {
		return err
	}

	client, pricing := buildLLM(cfg, logger)
	tasks := llm.NewTasks(client, cfg.LLM.Model, pricing, logger)

	var hyde retrieval.HyDEGenerator
	if cfg.LLM.HyDE {
		hyde = tasks
	}
	retriever, err := retrieval.NewOrchestrator(retrieval.OrchestratorConfig{
		Embeddings:              embedder,
		Engine:                  engine,
		Expander:                retrieval.NewExpander(store.Chunks, store.Relations),
		Reranker:                reranker,
		Documents:               store.Documents,
		Logs:                    store.Logs,
		HyDE:                    hyde,
		DefaultMaxTokens:        cfg.Retrieval.DefaultMaxTokens,
		CandidateCap:            cfg.Retrieval.CandidateCap,
		DocumentsSemanticAlways: cfg.Retrieval.DocumentSemanticAlways,
	})
	if err != nil {
		return err
	}

	chatter, err := chat.New(chat.Config{
		Retriever:             retriever,
		Client:                client,
		Tasks:                 tasks,
		Agents:                store.Agents,
		Datasources:           store.Datasources,
		Connectors:            store.Connectors,
		Conversations:         store.Conversations,
		Pricing:               pricing,
		Models:                chat.Models{Default: cfg.LLM.Model, Task: cfg.LLM.Model, Light: cfg.LLM.FallbackModel},
		InstructionsMaxTokens: cfg.Chat.InstructionsMaxTokens,
		HistoryMaxTokens:      cfg.Chat.HistoryMaxTokens,
		TurnContextMaxTokens:  cfg.Chat.TurnContextMaxTokens,
		MaxTurns:              cfg.Chat.MaxTurns,
		MaxConversations:      cfg.Chat.MaxConversations,
		ConfidenceMinSeen:     cfg.Chat.ConfidenceMinSeen,
		GroundedDefault:       cfg.Chat.Grounded,
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

	server, err := api.NewServer(api.Config{
		Retrieval:    retriever,
		Chat:         chatter,
		Datasources:  store.Datasources,
		Documents:    store.Documents,
		Connectors:   store.Connectors,
		Agents:       store.Agents,
		RagLogs:      store.Logs,
		Jobs:         jobs,
		LLM:          client,
		DefaultModel: cfg.LLM.Model,
		Keys:         store.APIKeys,
		AuthSalt:     cfg.Server.AuthSalt,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"address": cfg.Server.ListenAddress})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

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
