// Package config loads service configuration from file and environment using
// viper. Environment variables override file values (RAGMESH_ prefix, dots
// replaced by underscores).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Rerank     RerankConfig     `mapstructure:"rerank"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Indexing   IndexingConfig   `mapstructure:"indexing"`
}

type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	AuthSalt      string        `mapstructure:"auth_salt"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EmbeddingsConfig struct {
	Provider      string        `mapstructure:"provider"`
	Model         string        `mapstructure:"model"`
	Dimensions    int           `mapstructure:"dimensions"`
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Cutoff        float64       `mapstructure:"cutoff"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type RerankConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Policy      string  `mapstructure:"policy"` // "fixed" or "median"
	Cutoff      float64 `mapstructure:"cutoff"`
	Threshold   float64 `mapstructure:"threshold"`
	MaxAttempts int     `mapstructure:"max_attempts"`
}

type LLMConfig struct {
	Endpoint          string             `mapstructure:"endpoint"`
	APIKey            string             `mapstructure:"api_key"`
	Model             string             `mapstructure:"model"`
	FallbackEndpoint  string             `mapstructure:"fallback_endpoint"`
	FallbackAPIKey    string             `mapstructure:"fallback_api_key"`
	FallbackModel     string             `mapstructure:"fallback_model"`
	RequestTimeout    time.Duration      `mapstructure:"request_timeout"`
	Pricing           map[string]Pricing `mapstructure:"pricing"`
	HyDE              bool               `mapstructure:"hyde"`
	QuestionsPerChunk int                `mapstructure:"questions_per_chunk"`
}

// Pricing is the per-token USD cost for a model.
type Pricing struct {
	InputUSDPerToken  float64 `mapstructure:"input_usd_per_token"`
	OutputUSDPerToken float64 `mapstructure:"output_usd_per_token"`
}

type ChatConfig struct {
	InstructionsMaxTokens int  `mapstructure:"instructions_max_tokens"`
	HistoryMaxTokens      int  `mapstructure:"history_max_tokens"`
	TurnContextMaxTokens  int  `mapstructure:"turn_context_max_tokens"`
	MaxConversations      int  `mapstructure:"max_conversations"`
	MaxTurns              int  `mapstructure:"max_turns"`
	ConfidenceMinSeen     int  `mapstructure:"confidence_min_seen"`
	Grounded              bool `mapstructure:"grounded"`
}

type RetrievalConfig struct {
	DefaultMaxTokens       int  `mapstructure:"default_max_tokens"`
	CandidateCap           int  `mapstructure:"candidate_cap"`
	DocumentSemanticAlways bool `mapstructure:"documents_semantic_always"`
}

type QueueConfig struct {
	Workers     int    `mapstructure:"workers"`
	StreamName  string `mapstructure:"stream_name"`
	Group       string `mapstructure:"group"`
	DedupeHours int    `mapstructure:"dedupe_hours"`
}

type RetentionConfig struct {
	RagLogDays int `mapstructure:"raglog_days"`
}

type IndexingConfig struct {
	ChunkSize      int    `mapstructure:"chunk_size"`   // words per chunk
	ChunkWindow    int    `mapstructure:"chunk_window"` // trailing overlap, words
	KnowledgeDepth string `mapstructure:"knowledge_depth"`
	SummaryMinWord int    `mapstructure:"summary_min_words"`
}

// Load reads configuration from the given file (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAGMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("embeddings.provider", "openai")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 1536)
	v.SetDefault("embeddings.cutoff", 0.4)
	v.SetDefault("embeddings.batch_size", 96)
	v.SetDefault("embeddings.max_attempts", 10)
	v.SetDefault("embeddings.cache_ttl", 10*time.Minute)
	v.SetDefault("embeddings.retention_days", 90)

	v.SetDefault("rerank.policy", "fixed")
	v.SetDefault("rerank.cutoff", 0.1)
	v.SetDefault("rerank.threshold", 0.8)
	v.SetDefault("rerank.max_attempts", 5)

	v.SetDefault("llm.request_timeout", 60*time.Second)
	v.SetDefault("llm.hyde", true)
	v.SetDefault("llm.questions_per_chunk", 3)

	v.SetDefault("chat.instructions_max_tokens", 2048)
	v.SetDefault("chat.history_max_tokens", 4096)
	v.SetDefault("chat.turn_context_max_tokens", 2048)
	v.SetDefault("chat.max_conversations", 100)
	v.SetDefault("chat.max_turns", 50)
	v.SetDefault("chat.confidence_min_seen", 1)

	v.SetDefault("retrieval.default_max_tokens", 8192)
	v.SetDefault("retrieval.candidate_cap", 1000)

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.stream_name", "ragmesh-jobs")
	v.SetDefault("queue.group", "ragmesh-workers")
	v.SetDefault("queue.dedupe_hours", 24)

	v.SetDefault("retention.raglog_days", 30)

	v.SetDefault("indexing.chunk_size", 200)
	v.SetDefault("indexing.chunk_window", 50)
	v.SetDefault("indexing.knowledge_depth", "deep")
	v.SetDefault("indexing.summary_min_words", 200)
}
