package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/agent"
	"github.com/forager-labs/forager/internal/dispatch"
	"github.com/forager-labs/forager/internal/gap"
	"github.com/forager-labs/forager/internal/hitl"
	"github.com/forager-labs/forager/internal/memory"
	"github.com/forager-labs/forager/internal/prioritize"
	"github.com/forager-labs/forager/internal/refresh"
	"github.com/forager-labs/forager/internal/store"
	"github.com/forager-labs/forager/internal/telemetry"
	"github.com/forager-labs/forager/provider"
	"github.com/forager-labs/forager/tools/embedding"
)

// app wires the full stack. Ephemeral mode swaps postgres and redis for the
// in-process equivalents so `forager run --ephemeral` works with no infra.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	pg         *store.Postgres
	redis      *redis.Client
	stopTraces func(context.Context) error
	memStore   *memory.Store
	states     agent.StateStore
	users      *store.UserStore
	approver   *hitl.PendingApprover
	orch       *agent.Orchestrator
	scheduler  *refresh.Scheduler
}

func buildApp(ctx context.Context, cfgPath string, ephemeral bool) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := log.New(os.Stdout, "[FORAGER] ", log.LstdFlags)
	tel := telemetry.NewTelemetry(cfg.Telemetry, log.New(os.Stdout, "[TELEMETRY] ", log.LstdFlags))

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("building llm provider: %w", err)
	}
	embedder := embedding.NewEmbedding(llm)

	a := &app{cfg: cfg, logger: logger, telemetry: tel}

	a.stopTraces, err = telemetry.SetupTracing(ctx, cfg.Telemetry, "forager")
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	benefit := func(deficit, relevance, recurrence float64) float64 {
		w := cfg.Prioritizer
		return w.DeficitWeight*deficit + w.RelevanceWeight*relevance + w.RecurrenceWeight*recurrence
	}

	var repo memory.Repository
	var recurrence prioritize.RecurrenceCounter
	var locker refresh.Locker

	if ephemeral {
		inMem, err := memory.NewInMemoryRepository()
		if err != nil {
			return nil, fmt.Errorf("building in-memory repository: %w", err)
		}
		repo = inMem
		a.states = agent.NewInMemoryStateStore()
		recurrence = prioritize.NewMemoryRecurrence(cfg.Prioritizer.RecurrenceTTL)
		locker = refresh.NewLocalLocker()
	} else {
		pg, err := store.New(ctx, cfg.Storage.Postgres.DSN(), log.New(os.Stdout, "[STORE] ", log.LstdFlags))
		if err != nil {
			return nil, err
		}
		a.pg = pg
		repo = store.NewChunkRepository(pg)
		a.states = store.NewRunStore(pg)
		a.users = store.NewUserStore(pg)

		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("pinging redis: %w", err)
		}
		recurrence = prioritize.NewRedisRecurrence(a.redis, cfg.Prioritizer.RecurrenceTTL)
		locker = refresh.NewRedisLocker(a.redis)
	}

	a.memStore = memory.NewStore(repo, embedder, cfg.Memory, benefit, log.New(os.Stdout, "[MEMORY] ", log.LstdFlags))

	detector := gap.NewDetector(llm, a.memStore, cfg.Detector, cfg.LLM, tel, log.New(os.Stdout, "[DETECTOR] ", log.LstdFlags))
	planner := prioritize.NewPrioritizer(cfg.Prioritizer, cfg.Dispatch, embedder, recurrence, log.New(os.Stdout, "[PRIORITIZE] ", log.LstdFlags))

	var approver hitl.Approver
	if ephemeral {
		approver = hitl.AutoApprover{}
	} else {
		a.approver = hitl.NewPendingApprover(cfg.Orchestrate.ApprovalTimeout, log.New(os.Stdout, "[HITL] ", log.LstdFlags))
		approver = a.approver
	}

	a.orch = agent.NewOrchestrator(detector, planner, nil, a.memStore, approver, a.states,
		cfg.Orchestrate, tel, log.New(os.Stdout, "[AGENT] ", log.LstdFlags))
	a.orch.SetExecutorFactory(func() (agent.Executor, error) {
		d, err := dispatch.NewDispatcher(cfg.Dispatch, tel, log.New(os.Stdout, "[DISPATCH] ", log.LstdFlags))
		if err != nil {
			return nil, err
		}
		return d, nil
	})

	if cfg.Refresh.Enabled {
		refreshExec, err := dispatch.NewDispatcher(cfg.Dispatch, tel, log.New(os.Stdout, "[REFRESH] ", log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("building refresh dispatcher: %w", err)
		}
		a.scheduler, err = refresh.NewScheduler(a.memStore, planner, refreshExec, locker, cfg.Refresh, tel,
			log.New(os.Stdout, "[REFRESH] ", log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("building refresh scheduler: %w", err)
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.stopTraces != nil {
		_ = a.stopTraces(context.Background())
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
	a.telemetry.Shutdown()
}
