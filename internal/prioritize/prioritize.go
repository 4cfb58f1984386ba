package prioritize

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/gap"
	"github.com/forager-labs/forager/internal/task"
	"github.com/forager-labs/forager/tools/embedding"
)

// Per-tier projections used for cost estimates. Rough by intention: the
// dispatcher reconciles actuals after execution.
var tierProjection = map[task.Tier]struct {
	tokens  float64
	seconds float64
}{
	task.TierLookup:      {tokens: 500, seconds: 2},
	task.TierStructured:  {tokens: 2000, seconds: 8},
	task.TierInteractive: {tokens: 4000, seconds: 25},
}

// Prioritizer converts knowledge gaps into a cost/benefit-ordered research
// queue. Priority is benefit divided by estimated cost with an epsilon floor
// so near-free tasks cannot produce unbounded scores.
type Prioritizer struct {
	cfg        config.PrioritizerConfig
	dispatch   config.DispatchConfig
	embedder   *embedding.Embedding
	recurrence RecurrenceCounter
	logger     *log.Logger
}

func NewPrioritizer(cfg config.PrioritizerConfig, dispatch config.DispatchConfig, embedder *embedding.Embedding, recurrence RecurrenceCounter, logger *log.Logger) *Prioritizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[PRIORITIZE] ", log.LstdFlags)
	}
	return &Prioritizer{cfg: cfg, dispatch: dispatch, embedder: embedder, recurrence: recurrence, logger: logger}
}

// Prioritize scores gaps against the run goal and returns research tasks
// sorted by priority, FIFO on gap age for ties. Tasks whose estimate exceeds
// the remaining budget are marked deferred, never discarded.
func (p *Prioritizer) Prioritize(ctx context.Context, goal string, gaps []gap.Gap, budgetRemaining float64) ([]task.ResearchTask, error) {
	if len(gaps) == 0 {
		return nil, nil
	}

	relevance := p.relevanceScores(ctx, goal, gaps)

	tasks := make([]task.ResearchTask, 0, len(gaps))
	for i, g := range gaps {
		tier, sourceURI := p.planTier(g)
		cost := p.estimateCost(tier)
		benefit := p.cfg.DeficitWeight*g.ConfidenceDeficit +
			p.cfg.RelevanceWeight*relevance[i] +
			p.cfg.RecurrenceWeight*p.recurrenceBonus(ctx, g)

		denom := cost
		if denom < p.cfg.Epsilon {
			denom = p.cfg.Epsilon
		}

		t := task.ResearchTask{
			ID:               uuid.New().String(),
			GapID:            g.ID,
			Question:         g.Description,
			SourceURI:        sourceURI,
			EstimatedCost:    cost,
			EstimatedBenefit: benefit,
			Priority:         benefit / denom,
			Tier:             tier,
			TierCeiling:      task.TierInteractive,
			Status:           task.StatusPending,
			GapCreatedAt:     g.CreatedAt,
			CreatedAt:        time.Now().UTC(),
		}
		if t.EstimatedCost > budgetRemaining {
			t.Status = task.StatusDeferred
		}
		tasks = append(tasks, t)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].GapCreatedAt.Before(tasks[j].GapCreatedAt)
	})
	return tasks, nil
}

// estimateCost composes projected token and wall-clock cost with the tier
// surcharge.
func (p *Prioritizer) estimateCost(tier task.Tier) float64 {
	proj := tierProjection[tier]
	cost := p.cfg.TokenCostWeight*proj.tokens/1000 + p.cfg.TimeCostWeight*proj.seconds
	switch tier {
	case task.TierLookup:
		cost += p.dispatch.Tier0.Surcharge
	case task.TierStructured:
		cost += p.dispatch.Tier1.Surcharge
	case task.TierInteractive:
		cost += p.dispatch.Tier2.Surcharge
	}
	return cost
}

// planTier picks the cheapest tier plausibly able to close the gap. A gap
// that names a concrete resource goes straight to a structured fetch;
// everything else starts at lookup and escalates on failure.
func (p *Prioritizer) planTier(g gap.Gap) (task.Tier, string) {
	for _, ref := range g.ContextRefs {
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			return task.TierStructured, ref
		}
	}
	return task.TierLookup, ""
}

func (p *Prioritizer) recurrenceBonus(ctx context.Context, g gap.Gap) float64 {
	if p.recurrence == nil {
		return 0
	}
	n, err := p.recurrence.Bump(ctx, Signature(g.Description))
	if err != nil {
		p.logger.Printf("recurrence counter unavailable: %v", err)
		return 0
	}
	// first sighting earns nothing; the bonus saturates after a few repeats
	bonus := float64(n-1) / 3
	if bonus > 1 {
		bonus = 1
	}
	if bonus < 0 {
		bonus = 0
	}
	return bonus
}

// relevanceScores embeds the goal and each gap description and returns
// cosine similarity per gap. On embedding failure every gap scores a neutral
// 0.5 rather than sinking the cycle.
func (p *Prioritizer) relevanceScores(ctx context.Context, goal string, gaps []gap.Gap) []float64 {
	scores := make([]float64, len(gaps))
	for i := range scores {
		scores[i] = 0.5
	}
	if p.embedder == nil {
		return scores
	}
	texts := make([]string, 0, len(gaps)+1)
	texts = append(texts, goal)
	for _, g := range gaps {
		texts = append(texts, g.Description)
	}
	vecs, err := p.embedder.EmbedMany(ctx, texts)
	if err != nil {
		p.logger.Printf("relevance embedding failed, using neutral scores: %v", err)
		return scores
	}
	for i := range gaps {
		sim := embedding.Cosine(vecs[0], vecs[i+1])
		if sim < 0 {
			sim = 0
		}
		scores[i] = sim
	}
	return scores
}
