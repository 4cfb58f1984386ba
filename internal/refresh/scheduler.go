package refresh

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/gap"
	"github.com/forager-labs/forager/internal/memory"
	"github.com/forager-labs/forager/internal/task"
	"github.com/forager-labs/forager/internal/telemetry"
)

const (
	lockKey     = "forager:refresh:lock"
	refreshGoal = "keep tracked subjects fresh"
)

// Store is the slice of the memory layer the scheduler touches.
type Store interface {
	StaleSubjects(ctx context.Context, cutoffs map[string]time.Time, defaultCutoff time.Time, limit int) ([]memory.SubjectInfo, error)
	Upsert(ctx context.Context, cand memory.Candidate) (memory.UpsertResult, error)
}

// Planner orders refresh gaps by cost and benefit, normally the shared
// prioritizer.
type Planner interface {
	Prioritize(ctx context.Context, goal string, gaps []gap.Gap, budgetRemaining float64) ([]task.ResearchTask, error)
}

// Executor runs the refresh task, normally the tiered dispatcher.
type Executor interface {
	Execute(ctx context.Context, t task.ResearchTask) (task.Observation, error)
}

// Scheduler re-captures stale memory on a per-volatility-class cadence. Each
// class pairs a staleness TTL with a cron cadence; a subject whose freshest
// chunk predates the TTL cutoff is refreshed next time its class fires.
type Scheduler struct {
	store     Store
	planner   Planner
	executor  Executor
	locker    Locker
	cfg       config.RefreshConfig
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	schedules map[string]*cronexpr.Expression
	lastFired map[string]time.Time
}

func NewScheduler(store Store, planner Planner, executor Executor, locker Locker, cfg config.RefreshConfig, tel *telemetry.Telemetry, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[REFRESH] ", log.LstdFlags)
	}
	schedules := make(map[string]*cronexpr.Expression, len(cfg.Classes))
	for name, class := range cfg.Classes {
		expr, err := cronexpr.Parse(class.Cron)
		if err != nil {
			return nil, fmt.Errorf("class %s: parsing cron %q: %w", name, class.Cron, err)
		}
		schedules[name] = expr
	}
	if _, ok := cfg.Classes[cfg.DefaultClass]; !ok && cfg.DefaultClass != "" {
		return nil, fmt.Errorf("default class %q not defined", cfg.DefaultClass)
	}
	now := time.Now()
	lastFired := make(map[string]time.Time, len(schedules))
	for name := range schedules {
		lastFired[name] = now
	}
	return &Scheduler{
		store:     store,
		planner:   planner,
		executor:  executor,
		locker:    locker,
		cfg:       cfg,
		telemetry: tel,
		logger:    logger,
		schedules: schedules,
		lastFired: lastFired,
	}, nil
}

// Start ticks until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.logger.Printf("scheduler started, tick every %s, %d classes", s.cfg.TickInterval, len(s.schedules))
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("scheduler stopped: %v", ctx.Err())
			return
		case now := <-ticker.C:
			if err := s.Tick(ctx, now); err != nil {
				s.logger.Printf("tick: %v", err)
			}
		}
	}
}

// Tick refreshes every subject in a class that is both due by cron and stale
// by TTL. The tick is skipped entirely when another replica holds the lock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquiring refresh lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := s.locker.Unlock(ctx, lockKey); err != nil {
			s.logger.Printf("releasing refresh lock: %v", err)
		}
	}()

	cutoffs := make(map[string]time.Time)
	for name, expr := range s.schedules {
		if expr.Next(s.lastFired[name]).After(now) {
			continue
		}
		s.lastFired[name] = now
		cutoffs[name] = now.Add(-s.cfg.Classes[name].TTL)
	}
	if len(cutoffs) == 0 {
		return nil
	}

	defaultCutoff := time.Time{}
	if class, ok := s.cfg.Classes[s.cfg.DefaultClass]; ok {
		if _, due := cutoffs[s.cfg.DefaultClass]; due {
			defaultCutoff = now.Add(-class.TTL)
		}
	}

	subjects, err := s.store.StaleSubjects(ctx, cutoffs, defaultCutoff, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("listing stale subjects: %w", err)
	}
	if len(subjects) == 0 {
		return nil
	}
	s.logger.Printf("refreshing %d stale subjects (classes due: %d)", len(subjects), len(cutoffs))

	// Stale subjects go through the same cost/benefit ordering as any other
	// research; refresh runs are unbudgeted so nothing gets deferred.
	gaps := make([]gap.Gap, 0, len(subjects))
	bySubject := make(map[string]memory.SubjectInfo, len(subjects))
	for _, sub := range subjects {
		g := s.refreshGap(sub, now)
		bySubject[g.ID] = sub
		gaps = append(gaps, g)
	}
	tasks, err := s.planner.Prioritize(ctx, refreshGoal, gaps, math.Inf(1))
	if err != nil {
		return fmt.Errorf("prioritizing refresh gaps: %w", err)
	}
	for _, t := range tasks {
		sub, ok := bySubject[t.GapID]
		if !ok {
			continue
		}
		if err := s.refreshSubject(ctx, sub, t); err != nil {
			s.logger.Printf("refresh %s: %v", sub.SubjectKey, err)
		}
	}
	return nil
}

func (s *Scheduler) refreshSubject(ctx context.Context, sub memory.SubjectInfo, t task.ResearchTask) error {
	obs, err := s.executor.Execute(ctx, t)
	if err != nil {
		return fmt.Errorf("executing refresh task: %w", err)
	}
	s.telemetry.RecordRefreshTask()
	_, err = s.store.Upsert(ctx, memory.Candidate{
		Content:     obs.Content,
		SourceURI:   sub.SourceURI,
		Topic:       sub.Topic,
		ContentHash: obs.ContentHash,
		CapturedAt:  obs.CapturedAt,
		Volatility:  sub.Volatility,
	})
	if err != nil {
		return fmt.Errorf("upserting refresh capture: %w", err)
	}
	return nil
}

// refreshGap frames a stale subject as a knowledge gap. A subject with a
// known source carries it as a context ref, which routes the task to a
// structured fetch; gap age is the last capture time so older subjects win
// FIFO ties.
func (s *Scheduler) refreshGap(sub memory.SubjectInfo, now time.Time) gap.Gap {
	var refs []string
	if sub.SourceURI != "" {
		refs = append(refs, sub.SourceURI)
	}
	g := gap.New(fmt.Sprintf("refresh knowledge about %s", sub.Topic), gap.SourceHeuristic, s.refreshDeficit(sub, now), refs...)
	g.CreatedAt = sub.LastCapturedAt
	return g
}

// refreshDeficit grows with how far past its TTL a subject is, so long-stale
// subjects outrank barely-stale ones.
func (s *Scheduler) refreshDeficit(sub memory.SubjectInfo, now time.Time) float64 {
	class, ok := s.cfg.Classes[sub.Volatility]
	if !ok {
		class, ok = s.cfg.Classes[s.cfg.DefaultClass]
	}
	if !ok || class.TTL <= 0 {
		return 1
	}
	overdue := now.Sub(sub.LastCapturedAt) - class.TTL
	if overdue <= 0 {
		return 0.5
	}
	d := 0.5 + float64(overdue)/float64(2*class.TTL)
	if d > 1 {
		d = 1
	}
	return d
}
