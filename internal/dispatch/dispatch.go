package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/memory"
	"github.com/forager-labs/forager/internal/task"
	"github.com/forager-labs/forager/internal/telemetry"
	"github.com/forager-labs/forager/tools/web_fetch"
	"github.com/forager-labs/forager/tools/web_search"
	fetchmodels "github.com/forager-labs/forager/tools/web_fetch/models"
)

const lookupResults = 5

// Dispatcher executes research tasks through tiered tooling: search API
// lookups, structured HTTP fetches, and headless browsing. A failed attempt
// escalates exactly one tier, never past the task's ceiling, then the task
// fails with a ToolExecutionError. Attempt quotas are per Dispatcher, which
// is per run.
type Dispatcher struct {
	searcher  web_search.WebSearcher
	fetcher   web_fetch.WebFetcher
	browser   web_fetch.WebFetcher
	cfg       config.DispatchConfig
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	mu       sync.Mutex
	attempts map[task.Tier]int
}

func NewDispatcher(cfg config.DispatchConfig, tel *telemetry.Telemetry, logger *log.Logger) (*Dispatcher, error) {
	searcher, err := web_search.NewWebSearcher(web_search.Provider(cfg.SearchProvider), cfg.SearchAPIKey)
	if err != nil {
		return nil, fmt.Errorf("building searcher: %w", err)
	}
	fetcher, err := web_fetch.NewWebFetcher(web_fetch.StructuredFetcherType, cfg.Tier1.Timeout, cfg.FetchMaxChars)
	if err != nil {
		return nil, fmt.Errorf("building fetcher: %w", err)
	}
	browser, err := web_fetch.NewWebFetcher(web_fetch.ChromedpFetcherType, cfg.Tier2.Timeout, cfg.FetchMaxChars)
	if err != nil {
		return nil, fmt.Errorf("building browser: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags)
	}
	return &Dispatcher{
		searcher:  searcher,
		fetcher:   fetcher,
		browser:   browser,
		cfg:       cfg,
		telemetry: tel,
		logger:    logger,
		attempts:  make(map[task.Tier]int),
	}, nil
}

// Execute runs the task at its planned tier with one escalation retry.
func (d *Dispatcher) Execute(ctx context.Context, t task.ResearchTask) (task.Observation, error) {
	tier := t.Tier
	var lastErr error
	var attempts []task.Attempt
	for attempt := 0; attempt < 2 && tier <= t.TierCeiling && tier <= task.TierInteractive; attempt++ {
		if err := d.takeQuota(tier); err != nil {
			lastErr = err
			attempts = append(attempts, task.Attempt{Tier: tier, Error: err.Error()})
		} else {
			obs, err := d.runTier(ctx, tier, t)
			if err == nil {
				d.telemetry.RecordDispatch(tier.String(), true)
				obs.TaskID = t.ID
				obs.Tier = tier
				obs.Cost += d.tierConfig(tier).Surcharge
				obs.Attempts = append(attempts, task.Attempt{Tier: tier, OK: true})
				return obs, nil
			}
			lastErr = err
			attempts = append(attempts, task.Attempt{Tier: tier, Error: err.Error()})
			d.telemetry.RecordDispatch(tier.String(), false)
			d.logger.Printf("task %s tier %s failed: %v", t.ID, tier, err)
		}
		tier++
	}
	d.telemetry.RecordToolError()
	finalTier := tier - 1
	if finalTier < t.Tier {
		finalTier = t.Tier
	}
	return task.Observation{}, &ToolExecutionError{TaskID: t.ID, Tier: t.Tier, FinalTier: finalTier, Attempts: attempts, Err: lastErr}
}

func (d *Dispatcher) tierConfig(tier task.Tier) config.TierConfig {
	switch tier {
	case task.TierLookup:
		return d.cfg.Tier0
	case task.TierStructured:
		return d.cfg.Tier1
	default:
		return d.cfg.Tier2
	}
}

func (d *Dispatcher) takeQuota(tier task.Tier) error {
	tc := d.tierConfig(tier)
	if tc.Quota <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attempts[tier] >= tc.Quota {
		return &QuotaExceededError{Tier: tier, Quota: tc.Quota}
	}
	d.attempts[tier]++
	return nil
}

func (d *Dispatcher) runTier(ctx context.Context, tier task.Tier, t task.ResearchTask) (task.Observation, error) {
	tc := d.tierConfig(tier)
	if tc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tc.Timeout)
		defer cancel()
	}
	switch tier {
	case task.TierLookup:
		return d.lookup(ctx, t)
	case task.TierStructured:
		return d.structured(ctx, t)
	default:
		return d.interactive(ctx, t)
	}
}

// lookup answers from search snippets alone.
func (d *Dispatcher) lookup(ctx context.Context, t task.ResearchTask) (task.Observation, error) {
	results, err := d.searcher.Discover(ctx, t.Question, lookupResults)
	if err != nil {
		return task.Observation{}, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		return task.Observation{}, errors.New("search returned no results")
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%s\n%s\n(%s)\n\n", r.Title, r.Snippet, r.URL)
	}
	content := strings.TrimSpace(b.String())
	return task.Observation{
		Content:     content,
		SourceURI:   results[0].URL,
		ContentHash: memory.HashContent(content),
		CapturedAt:  time.Now().UTC(),
	}, nil
}

// structured fetches the named resource, or discovers candidate pages and
// fetches them through a bounded pool. The sub-fetch group is all-or-nothing:
// one failed page fails the task so a partial capture is never stored as a
// complete answer.
func (d *Dispatcher) structured(ctx context.Context, t task.ResearchTask) (task.Observation, error) {
	urls, err := d.targetURLs(ctx, t)
	if err != nil {
		return task.Observation{}, err
	}

	pages := make([]fetchmodels.Result, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	workers := d.cfg.FetchWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, u := range urls {
		g.Go(func() error {
			r, err := d.fetcher.Exec(gctx, u)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if err := pageError(u, r); err != nil {
				return err
			}
			pages[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return task.Observation{}, err
	}

	var b strings.Builder
	for _, p := range pages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if p.Title != "" {
			b.WriteString(p.Title + "\n")
		}
		b.WriteString(p.Text)
	}
	content := b.String()
	obs := task.Observation{
		Content:     content,
		SourceURI:   urls[0],
		ContentHash: memory.HashContent(content),
		CapturedAt:  time.Now().UTC(),
	}
	if len(pages) == 1 {
		obs.ContentHash = pages[0].ContentHash
	}
	return obs, nil
}

// pageError rejects captures that carried no usable content. Fetchers report
// HTTP failures through the Result status rather than an error, so a 404 would
// otherwise read as a successful observation.
func pageError(u string, r fetchmodels.Result) error {
	if r.Status != 0 && r.Status != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", u, r.Status)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("fetch %s: empty content", u)
	}
	return nil
}

func (d *Dispatcher) targetURLs(ctx context.Context, t task.ResearchTask) ([]string, error) {
	if t.SourceURI != "" {
		return []string{t.SourceURI}, nil
	}
	results, err := d.searcher.Discover(ctx, t.Question, d.cfg.MaxSubFetches)
	if err != nil {
		return nil, fmt.Errorf("discovering fetch targets: %w", err)
	}
	if len(results) == 0 {
		return nil, errors.New("no fetch targets found")
	}
	urls := make([]string, 0, len(results))
	for _, r := range results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
		if len(urls) == d.cfg.MaxSubFetches {
			break
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("no fetch targets found")
	}
	return urls, nil
}

// interactive renders one page in a headless browser.
func (d *Dispatcher) interactive(ctx context.Context, t task.ResearchTask) (task.Observation, error) {
	url := t.SourceURI
	if url == "" {
		results, err := d.searcher.Discover(ctx, t.Question, 1)
		if err != nil {
			return task.Observation{}, fmt.Errorf("discovering browse target: %w", err)
		}
		if len(results) == 0 || results[0].URL == "" {
			return task.Observation{}, errors.New("no browse target found")
		}
		url = results[0].URL
	}
	r, err := d.browser.Exec(ctx, url)
	if err != nil {
		return task.Observation{}, fmt.Errorf("browse %s: %w", url, err)
	}
	if err := pageError(url, r); err != nil {
		return task.Observation{}, err
	}
	content := r.Text
	if r.Title != "" {
		content = r.Title + "\n" + content
	}
	return task.Observation{
		Content:     content,
		SourceURI:   r.URL,
		ContentHash: r.ContentHash,
		CapturedAt:  r.CapturedAt,
	}, nil
}
