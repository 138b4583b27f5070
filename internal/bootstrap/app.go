package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"rawrag/internal/ai"
	"rawrag/internal/app"
	"rawrag/internal/cache"
	"rawrag/internal/config"
	"rawrag/internal/embedding"
	mysqlClient "rawrag/internal/platform/mysql"
	natsClient "rawrag/internal/platform/nats"
	rabbitmqClient "rawrag/internal/platform/rabbitmq"
	redisClient "rawrag/internal/platform/redis"
	"rawrag/internal/repository"
	"rawrag/internal/retrieval"
	"rawrag/internal/vectorstore"
	"rawrag/internal/vectorstore/memory"
	"rawrag/internal/vectorstore/postgres"
	"rawrag/internal/vectorstore/sqlite"
	"rawrag/internal/worker"
)

// Core is the retrieval and generation stack. It needs only the vector
// store and the model endpoints, so the MCP server runs on it alone.
type Core struct {
	Config       *config.Config
	Logger       *slog.Logger
	Vectors      vectorstore.Store
	Embeddings   *embedding.Provider
	Retriever    *retrieval.Retriever
	Orchestrator *app.Orchestrator
	Ingest       *app.IngestService
	Pool         *worker.Pool
	Events       *natsClient.Client
}

// App adds the conversation history stack used by the HTTP server.
type App struct {
	*Core

	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Publisher     *rabbitmqClient.MessagePublisher
	MessageWorker *worker.MessagePersistWorker
	Chat          *app.ChatService

	StartedAt time.Time
}

func NewCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	core := &Core{Config: cfg, Logger: logger}

	vectors, err := OpenVectorStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	core.Vectors = vectors

	var events app.EventPublisher
	if cfg.NATS.URL != "" {
		client, err := natsClient.NewClient(ctx, cfg.NATS.URL, cfg.NATS.Token, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			_ = core.Close()
			return nil, err
		}
		core.Events = client
		events = client
	}

	core.Embeddings = embedding.NewProvider(EmbeddingLoader(cfg, logger), cfg.Embedding.BatchSize)
	core.Pool = worker.NewPool(cfg.RAG.WorkerPoolSize)
	core.Retriever = retrieval.New(core.Embeddings, vectors, retrieval.Config{
		BatchSize:     cfg.RAG.QueryBatchSize,
		TopK:          cfg.RAG.TopK,
		FinalCap:      cfg.RAG.FinalCap,
		MinSimilarity: cfg.RAG.MinSimilarity,
	}, logger.With("component", "retriever"))

	model := ai.NewOpenAICompatibleClient(ai.ChatConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	})
	core.Orchestrator = app.NewOrchestrator(model, core.Retriever, core.Pool, events, app.OrchestratorConfig{
		MaxToolRounds: cfg.LLM.MaxToolRounds,
		TurnTimeout:   cfg.TurnTimeout(),
	}, logger.With("component", "orchestrator"))

	core.Ingest = app.NewIngestService(core.Embeddings, vectors, events, app.IngestConfig{
		UploadDir:      cfg.Storage.UploadDir,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		ChunkSize:      cfg.RAG.ChunkSize,
		ChunkOverlap:   cfg.RAG.ChunkOverlap,
		EmbedBatchSize: cfg.Embedding.BatchSize,
	}, logger.With("component", "ingest"))

	return core, nil
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	core, err := NewCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Core: core, StartedAt: time.Now()}

	if a.MySQL, err = mysqlClient.New(ctx, cfg.MySQLDSN()); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.Redis, err = redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.App.Name); err != nil {
		_ = a.Close()
		return nil, err
	}

	conversationRepo := repository.NewConversationRepository(a.MySQL)
	messageRepo := repository.NewMessageRepository(a.MySQL)

	a.MessageWorker = worker.NewMessagePersistWorker(a.MQConn, messageRepo, cfg.RabbitMQ.MessagePersistQueue, logger.With("component", "message_worker"))
	if err := a.MessageWorker.Start(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("start message worker failed: %w", err)
	}
	a.Publisher = rabbitmqClient.NewMessagePublisher(a.MQConn, cfg.RabbitMQ.MessagePersistQueue)

	historyCache := cache.NewHistoryCache(
		a.Redis,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	a.Chat = app.NewChatService(
		conversationRepo,
		messageRepo,
		a.Publisher,
		historyCache,
		a.Orchestrator,
		a.Ingest,
		a.Vectors,
		app.ChatServiceConfig{
			JWTSecret: cfg.Auth.JWTSecret,
			TokenTTL:  time.Duration(cfg.Auth.JWTExpireMinute) * time.Minute,
		},
		logger.With("component", "chat"),
	)
	return a, nil
}

// OpenVectorStore connects the configured vector backend.
func OpenVectorStore(ctx context.Context, cfg *config.Config) (vectorstore.Store, error) {
	dim := cfg.Embedding.Dimension
	switch cfg.VectorStore.Backend {
	case "pgvector":
		return postgres.New(ctx, cfg.Postgres.URL, int32(cfg.Postgres.MaxConns), dim)
	case "sqlite":
		return sqlite.New(cfg.VectorStore.SQLitePath, dim)
	case "memory":
		return memory.New(dim), nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.VectorStore.Backend)
	}
}

// EmbeddingLoader returns the loader for the configured embedding backend.
// Nothing is loaded until the provider is first used.
func EmbeddingLoader(cfg *config.Config, logger *slog.Logger) embedding.Loader {
	switch cfg.Embedding.Backend {
	case "openai":
		return func() (embedding.Encoder, error) {
			enc, err := ai.NewRemoteEncoder(ai.EmbeddingConfig{
				BaseURL:   cfg.LLM.BaseURL,
				APIKey:    cfg.LLM.APIKey,
				Model:     cfg.Embedding.OpenAIModel,
				Dimension: cfg.Embedding.Dimension,
			})
			if err != nil {
				return nil, err
			}
			return enc, nil
		}
	default:
		return func() (embedding.Encoder, error) {
			started := time.Now()
			enc, err := embedding.LoadONNX(embedding.ONNXConfig{
				ModelPath: cfg.Embedding.ModelPath,
				VocabPath: cfg.Embedding.VocabPath,
				LibPath:   cfg.Embedding.ONNXLibPath,
				MaxSeqLen: cfg.Embedding.MaxSeqLen,
				Dimension: cfg.Embedding.Dimension,
			})
			if err != nil {
				return nil, err
			}
			logger.Info("embedding model loaded", "model", cfg.Embedding.ModelPath, "took", time.Since(started))
			return enc, nil
		}
	}
}

func (c *Core) Close() error {
	var errs []error
	if c.Events != nil {
		c.Events.Close()
	}
	if c.Vectors != nil {
		if err := c.Vectors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) Close() error {
	var errs []error
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.MySQL != nil {
		if err := mysqlClient.Close(a.MySQL); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.Core.Close())
	return errors.Join(errs...)
}
