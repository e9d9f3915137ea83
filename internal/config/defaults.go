package config

import (
	"path/filepath"
	"time"

	"github.com/inflo-ai/relay/internal/observability"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	homeDir := DefaultHomeDir()

	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8700,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:  false,
			TokenTTL: 24 * time.Hour,
		},
		Database: DBConfig{
			Path:           filepath.Join(homeDir, "relay.db"),
			MaxConnections: 10,
			BusyTimeout:    5 * time.Second,
		},
		Memory: MemoryConfig{
			ShortTerm: ShortTermConfig{
				Backend:         "memory",
				DefaultTTL:      time.Hour,
				CleanupInterval: time.Minute,
			},
			Episodic: EpisodicConfig{
				Backend:             "embedded",
				Dimension:           384,
				SimilarityThreshold: 0.7,
			},
			Semantic: SemanticConfig{
				Backend:  "memory",
				MaxDepth: 3,
			},
		},
		Consolidation: ConsolidationConfig{
			Schedule:                 "@every 5m",
			InteractionThreshold:     5,
			OutcomeThreshold:         0.8,
			ConceptStrengthThreshold: 0.7,
			DuplicateSimilarity:      0.95,
			EdgeSmoothing:            0.3,
		},
		Handoff: HandoffConfig{
			DeliveryAttempts:  3,
			DeliveryBaseDelay: time.Second,
			InboxSize:         32,
		},
		Escalation: EscalationConfig{
			ValueThreshold:  10000,
			ConfidenceFloor: 0.4,
		},
		Events: EventsConfig{
			BufferSize: 256,
			Workers:    8,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Neo4j: Neo4jConfig{
			URI:      "neo4j://localhost:7687",
			Username: "neo4j",
			Database: "neo4j",
		},
		Milvus: MilvusConfig{
			Address:    "localhost:19530",
			Collection: "relay_episodes",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: observability.TracingConfig{
			Enabled:    false,
			Provider:   "noop",
			SampleRate: 1.0,
		},
	}
}
