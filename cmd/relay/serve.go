package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"github.com/neo4j/neo4j-go-driver/v6/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/dig"

	"github.com/inflo-ai/relay/internal/config"
	"github.com/inflo-ai/relay/internal/consolidate"
	"github.com/inflo-ai/relay/internal/database"
	"github.com/inflo-ai/relay/internal/directory"
	"github.com/inflo-ai/relay/internal/escalate"
	"github.com/inflo-ai/relay/internal/events"
	"github.com/inflo-ai/relay/internal/handoff"
	"github.com/inflo-ai/relay/internal/locking"
	"github.com/inflo-ai/relay/internal/memory"
	"github.com/inflo-ai/relay/internal/memory/episodic"
	"github.com/inflo-ai/relay/internal/memory/longterm"
	"github.com/inflo-ai/relay/internal/memory/semantic"
	"github.com/inflo-ai/relay/internal/memory/shortterm"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/resilience"
	"github.com/inflo-ai/relay/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay coordination service",
	Long: `Run the relay coordination service (blocks until stopped).

The service hosts:
  - The four-tier memory system (short-term, long-term, episodic, semantic)
  - The background consolidation scheduler
  - The handoff coordinator and human escalation queue
  - The JSON-RPC API and the websocket event stream

Tier backends are selected in the config file: short-term memory runs
in-process or on Redis, episodic memory embedded or on Milvus, and the
concept graph in-process or on Neo4j. The long-term tier always uses the
local SQLite database, which also holds conversations and handoff state.

The process runs in the foreground and shuts down cleanly on SIGINT or
SIGTERM: the scheduler stops, the event hub drains, in-flight RPCs get the
configured shutdown window, and every store is closed.

EXAMPLES:

  # Run with the default config ($RELAY_HOME/config.yaml)
  $ relay serve

  # Run with an explicit config file
  $ relay serve --config /etc/relay/config.yaml

  # Docker container
  CMD ["relay", "serve"]`,
	RunE: runServe,
}

// serveDeps collects everything the run loop needs out of the container.
type serveDeps struct {
	dig.In

	Config      *config.Config
	Logger      *observability.TracedLogger
	DB          *database.DB
	Bus         events.Bus
	Memory      memory.Manager
	Scheduler   *consolidate.Scheduler
	Coordinator *handoff.Coordinator
	Hub         *transport.Hub
	Server      *transport.Server
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newServiceLogger(cfg)

	provider, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := observability.ShutdownTracing(context.Background(), provider); err != nil {
			logger.Warn(context.Background(), "tracing shutdown failed", "error", err)
		}
	}()

	container := dig.New()
	providers := []any{
		func() *config.Config { return cfg },
		func() *observability.TracedLogger { return logger },
		newDatabase,
		func(c *config.Config) (shortterm.Store, error) { return newShortTermStore(c) },
		func(db *database.DB) longterm.Store { return longterm.NewSQLiteStore(db) },
		func(c *config.Config) (episodic.Store, error) { return newEpisodicStore(ctx, c) },
		func(c *config.Config) (semantic.Store, error) { return newSemanticStore(ctx, c) },
		newTierStores,
		func() *locking.KeyedMutex { return locking.NewKeyedMutex() },
		newEngine,
		newMemoryManager,
		newBus,
		newRegistry,
		newCoordinator,
		newScheduler,
		func(c *config.Config) *transport.Authenticator { return transport.NewAuthenticator(c.Auth) },
		newHub,
		newRPCServer,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return fmt.Errorf("failed to build service container: %w", err)
		}
	}

	return container.Invoke(func(deps serveDeps) error {
		return runService(ctx, deps)
	})
}

// runService starts the background components, serves until ctx is
// cancelled, and tears everything down in reverse order.
func runService(ctx context.Context, deps serveDeps) error {
	logger := deps.Logger

	defer func() {
		if err := deps.Memory.Close(); err != nil {
			logger.Warn(context.Background(), "memory close failed", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			logger.Warn(context.Background(), "database close failed", "error", err)
		}
		if err := deps.Bus.Close(); err != nil {
			logger.Warn(context.Background(), "event bus close failed", "error", err)
		}
	}()

	if err := deps.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start consolidation scheduler: %w", err)
	}
	defer deps.Scheduler.Stop()

	deps.Hub.Start(ctx)
	defer deps.Hub.Close()

	logger.Info(ctx, "relay service starting",
		"short_term_backend", deps.Config.Memory.ShortTerm.Backend,
		"episodic_backend", deps.Config.Memory.Episodic.Backend,
		"semantic_backend", deps.Config.Memory.Semantic.Backend,
		"auth_enabled", deps.Config.Auth.Enabled,
	)

	return deps.Server.Start(ctx)
}

// newServiceLogger builds the root logger from the logging config.
func newServiceLogger(cfg *config.Config) *observability.TracedLogger {
	level := observability.ParseLevel(cfg.Logging.Level)

	var handler = observability.NewJSONHandler(os.Stdout, level)
	if cfg.Logging.Format == "text" {
		handler = observability.NewTextHandler(os.Stdout, level)
	}

	return observability.NewTracedLogger(handler, "relay", "serve")
}

func newDatabase(cfg *config.Config) (*database.DB, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := database.OpenWithConfig(database.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxConnections,
		MaxIdleConns: cfg.Database.MaxConnections / 2,
		BusyTimeout:  cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}

	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newShortTermStore(cfg *config.Config) (shortterm.Store, error) {
	switch cfg.Memory.ShortTerm.Backend {
	case "", "memory":
		return shortterm.NewMemoryStore(cfg.Memory.ShortTerm.CleanupInterval), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return shortterm.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown short-term backend %q", cfg.Memory.ShortTerm.Backend)
	}
}

func newEpisodicStore(ctx context.Context, cfg *config.Config) (episodic.Store, error) {
	switch cfg.Memory.Episodic.Backend {
	case "", "embedded":
		return episodic.NewEmbeddedStore(cfg.Memory.Episodic.Dimension), nil
	case "milvus":
		client, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
			Address: cfg.Milvus.Address,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to milvus: %w", err)
		}
		return episodic.NewMilvusStore(client, cfg.Milvus.Collection, cfg.Memory.Episodic.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown episodic backend %q", cfg.Memory.Episodic.Backend)
	}
}

func newSemanticStore(ctx context.Context, cfg *config.Config) (semantic.Store, error) {
	var store semantic.Store

	switch cfg.Memory.Semantic.Backend {
	case "", "memory":
		store = semantic.NewMemoryGraph()
	case "neo4j":
		driver, err := neo4j.NewDriver(cfg.Neo4j.URI,
			neo4j.BasicAuth(cfg.Neo4j.Username, cfg.Neo4j.Password, ""))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
		}
		store = semantic.NewNeo4jGraph(driver, cfg.Neo4j.Database)
	default:
		return nil, fmt.Errorf("unknown semantic backend %q", cfg.Memory.Semantic.Backend)
	}

	if path := cfg.Memory.Semantic.SeedPath; path != "" {
		seed, err := semantic.LoadSeedFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load concept seed: %w", err)
		}
		if err := seed.Apply(ctx, store); err != nil {
			return nil, fmt.Errorf("failed to apply concept seed: %w", err)
		}
	}

	return store, nil
}

func newTierStores(st shortterm.Store, lt longterm.Store, ep episodic.Store, sem semantic.Store) consolidate.Stores {
	return consolidate.Stores{
		ShortTerm: st,
		LongTerm:  lt,
		Episodic:  ep,
		Semantic:  sem,
	}
}

func newEngine(cfg *config.Config, stores consolidate.Stores, locks *locking.KeyedMutex,
	logger *observability.TracedLogger) *consolidate.Engine {

	return consolidate.NewEngine(stores, locks, logger, consolidate.Config{
		InteractionThreshold:     cfg.Consolidation.InteractionThreshold,
		OutcomeThreshold:         cfg.Consolidation.OutcomeThreshold,
		ConceptStrengthThreshold: cfg.Consolidation.ConceptStrengthThreshold,
		DuplicateSimilarity:      cfg.Consolidation.DuplicateSimilarity,
		EdgeSmoothing:            cfg.Consolidation.EdgeSmoothing,
		FingerprintDimension:     cfg.Memory.Episodic.Dimension,
	})
}

// newMemoryManager builds the tier facade. When tracing is enabled the
// manager is wrapped so every tier operation emits a span.
func newMemoryManager(cfg *config.Config, stores consolidate.Stores, engine *consolidate.Engine,
	locks *locking.KeyedMutex, logger *observability.TracedLogger) memory.Manager {

	mgr := memory.NewManager(stores, engine, locks, logger, memory.Options{
		SimilarityFloor: cfg.Memory.Episodic.SimilarityThreshold,
		TraversalDepth:  cfg.Memory.Semantic.MaxDepth,
	})
	if !cfg.Tracing.Enabled {
		return mgr
	}
	return memory.NewTracedManager(mgr, otel.Tracer("relay.memory"))
}

func newBus(cfg *config.Config) events.Bus {
	return events.NewBus(events.WithDefaultBufferSize(cfg.Events.BufferSize))
}

func newRegistry(cfg *config.Config, bus events.Bus, logger *observability.TracedLogger) *directory.Registry {
	return directory.NewRegistry(bus, logger, cfg.Handoff.InboxSize)
}

func newCoordinator(cfg *config.Config, db *database.DB, registry *directory.Registry,
	locks *locking.KeyedMutex, bus events.Bus, mgr memory.Manager,
	logger *observability.TracedLogger) *handoff.Coordinator {

	policy := escalate.NewPolicy(cfg.Escalation.ValueThreshold, cfg.Escalation.ConfidenceFloor)
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Handoff.DeliveryAttempts
	retry.InitialDelay = cfg.Handoff.DeliveryBaseDelay

	return handoff.NewCoordinator(handoff.NewStore(db), registry, policy, locks, logger, handoff.Options{
		Queue:                handoff.NewHumanQueue(0),
		Bus:                  bus,
		Memory:               mgr,
		Retry:                retry,
		FingerprintDimension: cfg.Memory.Episodic.Dimension,
	})
}

func newScheduler(cfg *config.Config, mgr memory.Manager, logger *observability.TracedLogger) *consolidate.Scheduler {
	return consolidate.NewScheduler(mgr, cfg.Consolidation.Schedule, logger)
}

func newHub(cfg *config.Config, bus events.Bus, logger *observability.TracedLogger) (*transport.Hub, error) {
	return transport.NewHub(bus, cfg.Events.Workers, logger)
}

func newRPCServer(cfg *config.Config, auth *transport.Authenticator, mgr memory.Manager,
	coordinator *handoff.Coordinator, registry *directory.Registry,
	scheduler *consolidate.Scheduler, bus events.Bus, hub *transport.Hub,
	logger *observability.TracedLogger) *transport.Server {

	return transport.NewServer(cfg.Server, auth, mgr, coordinator, registry, scheduler, bus, hub, logger)
}
