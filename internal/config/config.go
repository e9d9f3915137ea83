package config

import (
	"time"

	"github.com/inflo-ai/relay/internal/observability"
)

// Config is the root configuration for the Relay coordination service.
type Config struct {
	Server        ServerConfig                  `mapstructure:"server" yaml:"server" validate:"required"`
	Auth          AuthConfig                    `mapstructure:"auth" yaml:"auth"`
	Database      DBConfig                      `mapstructure:"database" yaml:"database" validate:"required"`
	Memory        MemoryConfig                  `mapstructure:"memory" yaml:"memory"`
	Consolidation ConsolidationConfig           `mapstructure:"consolidation" yaml:"consolidation"`
	Handoff       HandoffConfig                 `mapstructure:"handoff" yaml:"handoff"`
	Escalation    EscalationConfig              `mapstructure:"escalation" yaml:"escalation"`
	Events        EventsConfig                  `mapstructure:"events" yaml:"events"`
	Redis         RedisConfig                   `mapstructure:"redis" yaml:"redis"`
	Neo4j         Neo4jConfig                   `mapstructure:"neo4j" yaml:"neo4j"`
	Milvus        MilvusConfig                  `mapstructure:"milvus" yaml:"milvus"`
	Logging       LoggingConfig                 `mapstructure:"logging" yaml:"logging"`
	Tracing       observability.TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig contains JWT authentication settings. When disabled, every
// request is treated as an unrestricted internal caller; intended for local
// development only.
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// DBConfig contains SQLite database configuration.
type DBConfig struct {
	Path           string        `mapstructure:"path" yaml:"path"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections" validate:"min=1,max=100"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// MemoryConfig groups per-tier memory settings.
type MemoryConfig struct {
	ShortTerm ShortTermConfig `mapstructure:"short_term" yaml:"short_term"`
	Episodic  EpisodicConfig  `mapstructure:"episodic" yaml:"episodic"`
	Semantic  SemanticConfig  `mapstructure:"semantic" yaml:"semantic"`
}

// ShortTermConfig configures the TTL-bounded conversation context store.
type ShortTermConfig struct {
	// Backend selects the store implementation: "memory" or "redis".
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// EpisodicConfig configures the fingerprint similarity store.
type EpisodicConfig struct {
	// Backend selects the store implementation: "embedded" or "milvus".
	Backend             string  `mapstructure:"backend" yaml:"backend"`
	Dimension           int     `mapstructure:"dimension" yaml:"dimension" validate:"min=1"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold" validate:"min=0,max=1"`
}

// SemanticConfig configures the concept graph store.
type SemanticConfig struct {
	// Backend selects the store implementation: "memory" or "neo4j".
	Backend  string `mapstructure:"backend" yaml:"backend"`
	MaxDepth int    `mapstructure:"max_depth" yaml:"max_depth" validate:"min=1,max=10"`
	SeedPath string `mapstructure:"seed_path" yaml:"seed_path,omitempty"`
}

// ConsolidationConfig tunes the background migration cycle.
type ConsolidationConfig struct {
	// Schedule is a cron expression; "@every 5m" runs a fixed-interval cycle.
	Schedule                 string  `mapstructure:"schedule" yaml:"schedule"`
	InteractionThreshold     int     `mapstructure:"interaction_threshold" yaml:"interaction_threshold" validate:"min=1"`
	OutcomeThreshold         float64 `mapstructure:"outcome_threshold" yaml:"outcome_threshold" validate:"min=0,max=1"`
	ConceptStrengthThreshold float64 `mapstructure:"concept_strength_threshold" yaml:"concept_strength_threshold" validate:"min=0,max=1"`
	DuplicateSimilarity      float64 `mapstructure:"duplicate_similarity" yaml:"duplicate_similarity" validate:"min=0,max=1"`
	EdgeSmoothing            float64 `mapstructure:"edge_smoothing" yaml:"edge_smoothing" validate:"min=0,max=1"`
}

// HandoffConfig tunes context delivery to target agents.
type HandoffConfig struct {
	DeliveryAttempts  int           `mapstructure:"delivery_attempts" yaml:"delivery_attempts" validate:"min=1,max=10"`
	DeliveryBaseDelay time.Duration `mapstructure:"delivery_base_delay" yaml:"delivery_base_delay"`
	// InboxSize bounds each agent's pending-delivery queue.
	InboxSize int `mapstructure:"inbox_size" yaml:"inbox_size" validate:"min=1"`
}

// EscalationConfig holds the human-escalation decision thresholds.
type EscalationConfig struct {
	// ValueThreshold is the predicted deal value above which low-confidence
	// conversations go to a human instead of another agent.
	ValueThreshold  float64 `mapstructure:"value_threshold" yaml:"value_threshold" validate:"min=0"`
	ConfidenceFloor float64 `mapstructure:"confidence_floor" yaml:"confidence_floor" validate:"min=0,max=1"`
}

// EventsConfig tunes the notification fan-out pool.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size" validate:"min=1"`
	Workers    int `mapstructure:"workers" yaml:"workers" validate:"min=1"`
}

// RedisConfig contains connection settings for the Redis short-term backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Neo4jConfig contains connection settings for the Neo4j semantic backend.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri" yaml:"uri"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Database string `mapstructure:"database" yaml:"database"`
}

// MilvusConfig contains connection settings for the Milvus episodic backend.
type MilvusConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=json text"`
}
