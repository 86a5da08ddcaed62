// Package ingest runs candidates through fetch, fingerprint, metadata
// extraction, and the duplicate decision, and persists the survivors. Each
// candidate moves through a strict sequence of states; its failure never
// aborts the run.
package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/ingest-service/internal/dedup"
	"github.com/user/ingest-service/internal/domain"
	"github.com/user/ingest-service/internal/monitoring"
)

// Fetcher retrieves raw image bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (domain.Payload, error)
}

// Fingerprinter derives a content fingerprint from raw bytes.
type Fingerprinter interface {
	Compute(data []byte) (domain.Fingerprint, error)
}

// Extractor derives structured metadata for a fetched candidate.
type Extractor interface {
	Extract(ctx context.Context, cand domain.Candidate, payload domain.Payload) (domain.Metadata, error)
}

// Store persists accepted records and exposes known fingerprints for warming
// the duplicate index.
type Store interface {
	Persist(ctx context.Context, rec *domain.ImageRecord) (int64, error)
	KnownFingerprints(ctx context.Context, fn func(hash string, sig uint64, id int64) error) error
}

// Gate pre-filters candidates before any network work. Optional.
type Gate interface {
	Allow(ctx context.Context, cand domain.Candidate) (bool, error)
	Done(ctx context.Context, cand domain.Candidate) error
}

// Summary counts terminal states for one run. Failed candidates are counted,
// never silently dropped.
type Summary struct {
	Stored  int `json:"stored"`
	Skipped int `json:"skipped_duplicate"`
	Failed  int `json:"failed"`
	Gated   int `json:"gated"`
}

// Pipeline coordinates a fixed-size worker pool over a candidate stream.
// Workers run the network-bound stages (fetch, fingerprint, extract) and hand
// finished work to a single committer goroutine that owns the duplicate
// check, the persist, and the index registration. Serializing those three in
// one goroutine makes check-then-act atomic across workers: two racing
// near-duplicates cannot both pass the check.
type Pipeline struct {
	fetcher       Fetcher
	fingerprinter Fingerprinter
	extractor     Extractor
	store         Store
	index         *dedup.Index
	gate          Gate
	workers       int
	metrics       *monitoring.Metrics
	logger        *zap.Logger

	mu         sync.Mutex
	summary    Summary
	skipStreak int
}

func NewPipeline(
	fetcher Fetcher,
	fingerprinter Fingerprinter,
	extractor Extractor,
	store Store,
	index *dedup.Index,
	gate Gate,
	workers int,
	m *monitoring.Metrics,
	l *zap.Logger,
) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		fetcher:       fetcher,
		fingerprinter: fingerprinter,
		extractor:     extractor,
		store:         store,
		index:         index,
		gate:          gate,
		workers:       workers,
		metrics:       m,
		logger:        l,
	}
}

// Warm loads every persisted fingerprint into the duplicate index.
func (p *Pipeline) Warm(ctx context.Context) error {
	err := p.store.KnownFingerprints(ctx, func(hash string, sig uint64, id int64) error {
		p.index.Load(hash, sig, id)
		return nil
	})
	if err != nil {
		return err
	}
	p.metrics.SetIndexSize(p.index.Len())
	p.logger.Info("duplicate index warmed", zap.Int("entries", p.index.Len()))
	return nil
}

// commit carries one fully prepared candidate from a worker to the committer.
type commit struct {
	cand    domain.Candidate
	fp      domain.Fingerprint
	md      domain.Metadata
	started time.Time
}

// Run consumes candidates until the channel closes or ctx is cancelled, and
// returns the terminal-state counts. In-flight candidates finish or fail
// cleanly on cancellation; a record is either fully persisted with its index
// entry or not persisted at all. The returned error is non-nil only when the
// run was cut short by ctx.
func (p *Pipeline) Run(ctx context.Context, candidates <-chan domain.Candidate) (Summary, error) {
	before := p.Stats()
	commits := make(chan commit)
	committerDone := make(chan struct{})
	go func() {
		defer close(committerDone)
		p.committer(ctx, commits)
	}()

	g := new(errgroup.Group)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case cand, ok := <-candidates:
					if !ok {
						return nil
					}
					p.process(ctx, cand, commits)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}

	runErr := g.Wait()
	close(commits)
	<-committerDone

	after := p.Stats()
	s := Summary{
		Stored:  after.Stored - before.Stored,
		Skipped: after.Skipped - before.Skipped,
		Failed:  after.Failed - before.Failed,
		Gated:   after.Gated - before.Gated,
	}
	p.logger.Info("run complete",
		zap.Int("stored", s.Stored),
		zap.Int("skipped_duplicate", s.Skipped),
		zap.Int("failed", s.Failed),
		zap.Int("gated", s.Gated),
	)
	return s, runErr
}

// process runs the per-worker stages: gate check, fetch, fingerprint,
// extract. Prepared work is handed to the committer; failures resolve the
// candidate right here.
func (p *Pipeline) process(ctx context.Context, cand domain.Candidate, commits chan<- commit) {
	started := time.Now()

	if p.gate != nil {
		allowed, err := p.gate.Allow(ctx, cand)
		if err != nil {
			p.logger.Warn("gate check failed, proceeding", zap.Int64("post_id", cand.PostID), zap.Error(err))
		} else if !allowed {
			p.resolveGated(cand)
			return
		}
	}

	payload, err := p.fetcher.Fetch(ctx, cand.URL)
	if err != nil {
		p.resolveFailed(cand, started, "fetch", err)
		return
	}

	fp, err := p.fingerprinter.Compute(payload.Data)
	if err != nil {
		p.resolveFailed(cand, started, "fingerprint", err)
		return
	}

	md, err := p.extractor.Extract(ctx, cand, payload)
	if err != nil {
		p.resolveFailed(cand, started, "extract", err)
		return
	}

	select {
	case commits <- commit{cand: cand, fp: fp, md: md, started: started}:
	case <-ctx.Done():
		p.resolveFailed(cand, started, "commit", ctx.Err())
	}
}

// committer is the single goroutine that owns the duplicate decision. For
// each prepared candidate: check the index, persist if new, register only
// after the persist succeeds. A failed persist is never registered, so the
// store and the index cannot diverge.
func (p *Pipeline) committer(ctx context.Context, commits <-chan commit) {
	for c := range commits {
		if id, dup := p.index.IsDuplicate(c.fp); dup {
			p.resolveSkipped(c, id)
			continue
		}

		rec := Assemble(c.cand, c.fp, c.md)
		id, err := p.store.Persist(ctx, rec)
		if err != nil {
			p.resolveFailed(c.cand, c.started, "persist", err)
			continue
		}
		rec.ID = id
		p.index.Register(c.fp, id)
		p.resolveStored(c, id)
	}
}

func (p *Pipeline) resolveStored(c commit, id int64) {
	p.mu.Lock()
	p.summary.Stored++
	p.skipStreak = 0
	p.mu.Unlock()
	p.metrics.IncOutcome(domain.OutcomeStored.String())
	p.metrics.SetIndexSize(p.index.Len())
	p.metrics.ObserveIngestDuration(time.Since(c.started).Seconds())
	p.markDone(c.cand)
	p.logger.Info("candidate stored",
		zap.Int64("record_id", id),
		zap.Int64("post_id", c.cand.PostID),
		zap.String("url", c.cand.URL),
	)
}

func (p *Pipeline) resolveSkipped(c commit, matchID int64) {
	p.mu.Lock()
	p.summary.Skipped++
	p.skipStreak++
	p.mu.Unlock()
	p.metrics.IncOutcome(domain.OutcomeSkippedDuplicate.String())
	p.metrics.ObserveIngestDuration(time.Since(c.started).Seconds())
	p.markDone(c.cand)
	p.logger.Info("candidate is a duplicate",
		zap.Int64("matches_record_id", matchID),
		zap.Int64("post_id", c.cand.PostID),
		zap.String("url", c.cand.URL),
	)
}

func (p *Pipeline) resolveFailed(cand domain.Candidate, started time.Time, stage string, err error) {
	p.count(func(s *Summary) { s.Failed++ })
	p.metrics.IncOutcome(domain.OutcomeFailed.String())
	p.metrics.ObserveIngestDuration(time.Since(started).Seconds())
	p.logger.Error("candidate failed",
		zap.String("stage", stage),
		zap.Int64("post_id", cand.PostID),
		zap.String("url", cand.URL),
		zap.Error(err),
	)
}

func (p *Pipeline) resolveGated(cand domain.Candidate) {
	p.count(func(s *Summary) { s.Gated++ })
	p.metrics.IncOutcome("gated")
	p.logger.Info("candidate gated", zap.Int64("post_id", cand.PostID), zap.String("username", cand.Username))
}

func (p *Pipeline) markDone(cand domain.Candidate) {
	if p.gate == nil {
		return
	}
	if err := p.gate.Done(context.Background(), cand); err != nil {
		p.logger.Warn("failed to mark candidate done", zap.Int64("post_id", cand.PostID), zap.Error(err))
	}
}

func (p *Pipeline) count(apply func(*Summary)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	apply(&p.summary)
}

// Stats snapshots the live counts, served by the stats endpoint during a run.
func (p *Pipeline) Stats() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

// SkipStreak reports how many candidates in a row resolved as duplicates.
// Both resolutions that touch it happen on the committer goroutine, so the
// count stays meaningful even though workers finish out of order. A stored
// record resets it; failures and gated candidates leave it alone.
func (p *Pipeline) SkipStreak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipStreak
}
