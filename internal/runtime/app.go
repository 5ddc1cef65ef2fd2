package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/executor"
	"github.com/mohammad-safakhou/linsight/internal/invite"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/internal/planner"
	"github.com/mohammad-safakhou/linsight/internal/queue"
	"github.com/mohammad-safakhou/linsight/internal/retriever"
	"github.com/mohammad-safakhou/linsight/internal/scheduler"
	"github.com/mohammad-safakhou/linsight/internal/store"
	"github.com/mohammad-safakhou/linsight/internal/tools"
	"github.com/mohammad-safakhou/linsight/internal/tools/builtin"
	"github.com/mohammad-safakhou/linsight/internal/worker"
)

// AppContext holds the process-wide engine components of one worker node.
type AppContext struct {
	Config    *config.Config
	Store     *store.Store
	Redis     *redis.Client
	Bus       eventbus.Bus
	Control   eventbus.ControlChannel
	Retriever *retriever.Retriever
	LLM       *llm.OpenAIClient
	Tools     *tools.Registry
	Catalog   *tools.Catalog
	Planner   *planner.Planner
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Queue     *queue.Manager
	Slots     *queue.RedisSlots // nil with the memory bus
	Gate      *invite.Gate
	Runner    *worker.Runner

	keyword *retriever.KeywordIndex
	logger  *log.Logger
}

// OpenStore connects to Postgres using the storage config.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	return store.NewWithDSN(ctx, dsn)
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

// NewRetriever builds the fused retriever from the enabled backends.
func NewRetriever(cfg config.RetrieverConfig, embedder retriever.Embedder) (*retriever.Retriever, *retriever.KeywordIndex, error) {
	var (
		kw      *retriever.KeywordIndex
		keyword retriever.Backend
		vector  retriever.Backend
	)
	if cfg.KeywordEnabled == nil || *cfg.KeywordEnabled {
		idx, err := retriever.NewKeywordIndex(cfg.IndexDir)
		if err != nil {
			return nil, nil, err
		}
		kw, keyword = idx, idx
	}
	if embedder != nil && (cfg.VectorEnabled == nil || *cfg.VectorEnabled) {
		vector = retriever.NewVectorIndex(embedder)
	}
	return retriever.New(keyword, vector, cfg, nil), kw, nil
}

// NewAppContext connects storage and wires every engine component.
func NewAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	app := &AppContext{Config: cfg, logger: log.New(os.Stdout, "[APP] ", log.LstdFlags)}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	app.Store = st

	lc := cfg.Linsight
	reg, err := eventbus.NewEventRegistry()
	if err != nil {
		return nil, err
	}
	switch lc.EventBus.Driver {
	case "memory":
		app.Bus = eventbus.NewMemoryBus(reg, lc.EventBus.Retention)
		app.Control = eventbus.NewMemoryControl(lc.Scheduler.InputBacklog)
	default:
		client, err := NewRedisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		app.Redis = client
		app.Bus = eventbus.NewRedisBus(client,
			eventbus.WithKeyPrefix(lc.EventBus.KeyPrefix),
			eventbus.WithRetention(lc.EventBus.Retention),
			eventbus.WithSubscribeBlock(lc.EventBus.SubscribeBlock),
			eventbus.WithSchemaRegistry(reg),
		)
		control, err := eventbus.NewRedisControl(client, lc.EventBus.KeyPrefix, cfg.General.WorkerID,
			lc.EventBus.Retention, lc.EventBus.SubscribeBlock, nil)
		if err != nil {
			return nil, err
		}
		app.Control = control
	}

	app.LLM = llm.NewOpenAIClient(cfg.LLM)
	app.Retriever, app.keyword, err = NewRetriever(lc.Retriever, app.LLM)
	if err != nil {
		return nil, err
	}

	app.Tools = tools.NewRegistry(tools.Options{Config: lc.Tools})
	if err := builtin.Register(app.Tools, builtin.Deps{Searcher: app.Retriever, Config: lc.Tools, TopK: lc.Retriever.TopK}); err != nil {
		return nil, err
	}
	app.Catalog = tools.NewCatalog(app.Tools, st)

	app.Gate = invite.NewGate(st, nil)
	app.Planner = planner.New(app.LLM, app.Retriever, lc.Planner, nil, planner.WithTemperature(cfg.LLM.Temperature))
	app.Executor = executor.New(app.LLM, app.Tools, app.Bus, lc.Executor,
		executor.WithCheckpointer(executor.CheckpointFunc(st.SaveTask)),
		executor.WithTemperature(cfg.LLM.Temperature))
	app.Scheduler = scheduler.New(scheduler.Deps{
		Planner:  app.Planner,
		Executor: app.Executor,
		Bus:      app.Bus,
		Control:  app.Control,
		Tools:    app.Tools,
		Catalog:  app.Catalog,
		Store:    st,
		Refunder: app.Gate,
	}, lc.Scheduler)

	var registry queue.SlotRegistry
	if app.Redis != nil {
		app.Slots = queue.NewRedisSlots(app.Redis, cfg.General.WorkerID, lc.EventBus.KeyPrefix+":queue", lc.Queue,
			queue.WithReapHandler(func(ctx context.Context, versionID, workerID string) {
				app.Runner.ReapOrphan(ctx, versionID, workerID)
			}))
		registry = app.Slots
	}
	app.Queue = queue.NewManager(lc.Queue, registry, nil)
	app.Runner = worker.NewRunner(ctx, worker.Deps{
		Scheduler: app.Scheduler,
		Queue:     app.Queue,
		Bus:       app.Bus,
		Store:     st,
		Refunder:  app.Gate,
	})
	ok = true
	return app, nil
}

// Start launches background loops: slot heartbeats and the initial SOP index load.
func (a *AppContext) Start(ctx context.Context) {
	if a.Slots != nil {
		go a.Slots.Run(ctx)
	}
	go func() {
		n, err := a.Retriever.ReindexSOPs(ctx, a.Store, 0)
		if err != nil {
			a.logger.Printf("sop index load failed after %d entries: %v", n, err)
		}
	}()
}

// Close stops running versions and releases connections.
func (a *AppContext) Close(ctx context.Context) error {
	if a.Runner != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.Runner.Shutdown(shutdownCtx); err != nil {
			a.logger.Printf("runner shutdown: %v", err)
		}
		cancel()
	}
	if a.Tools != nil {
		if err := a.Tools.Close(); err != nil {
			a.logger.Printf("tool pool close: %v", err)
		}
	}
	if a.keyword != nil {
		_ = a.keyword.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
