package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/drugprice/drugprice/internal/domain/drug"
	"github.com/drugprice/drugprice/internal/platform/metrics"
)

// ErrRunInProgress is returned when an import or optimize is requested while
// another one is still running in this process.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// Stores groups the raw store and the three derived stores.
type Stores struct {
	Raw         drug.RawRepository
	Definitions drug.DefinitionRepository
	Prices      drug.PriceRepository
	Summaries   drug.SummaryRepository
}

// CacheInvalidator drops cached views derived from the stores.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

type Config struct {
	SourceFile  string
	BatchSize   int
	Concurrency int
}

type Service struct {
	stores     Stores
	ingestor   *Ingestor
	sourceFile string
	cache      CacheInvalidator
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running bool
	last    *Run
}

func NewService(stores Stores, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		stores:     stores,
		ingestor:   NewIngestor(stores.Raw, cfg.BatchSize, cfg.Concurrency, logger),
		sourceFile: cfg.SourceFile,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetCacheInvalidator attaches the cache that must be dropped whenever the
// derived stores change.
func (s *Service) SetCacheInvalidator(c CacheInvalidator) {
	s.cache = c
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
	s.ingestor.SetMetrics(m)
}

// -- Run bookkeeping --

func (s *Service) begin(op string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrRunInProgress
	}
	s.running = true
	run := newRun(op, s.now())
	s.last = run
	s.logger.Info().Str("run_id", run.ID.String()).Str("operation", op).Msg("pipeline run started")
	return run, nil
}

func (s *Service) advance(run *Run, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := run.State
	if err := run.advance(to, s.now()); err != nil {
		return err
	}
	s.logger.Debug().Str("run_id", run.ID.String()).Str("from", string(from)).Str("to", string(to)).Msg("pipeline state changed")
	return nil
}

func (s *Service) finish(run *Run, err error) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false

	to := StateDone
	if err != nil {
		to = StateFailed
		run.Error = err.Error()
	}
	if terr := run.advance(to, s.now()); terr != nil {
		s.logger.Error().Err(terr).Str("run_id", run.ID.String()).Msg("unexpected run state")
		run.State = to
		now := s.now()
		run.FinishedAt = &now
	}
	s.metrics.IncRun(run.Operation, err)

	evt := s.logger.Info()
	if err != nil {
		evt = s.logger.Error().Err(err)
	}
	evt.Str("run_id", run.ID.String()).
		Str("operation", run.Operation).
		Str("state", string(run.State)).
		Dur("elapsed", run.FinishedAt.Sub(run.StartedAt)).
		Msg("pipeline run finished")
	return run.clone()
}

// Status returns a copy of the most recent run, or nil when none has started.
func (s *Service) Status() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return s.last.clone()
}

// -- Operations --

// Import clears every store, ingests the source file, recomputes the derived
// stores and finally drops the raw store. A missing source file makes the
// whole run a no-op. On failure the raw store is left in place.
func (s *Service) Import(ctx context.Context) (*Run, error) {
	ctx = context.WithoutCancel(ctx)
	run, err := s.begin(OpImport)
	if err != nil {
		return nil, err
	}
	err = s.runImport(ctx, run)
	return s.finish(run, err), err
}

func (s *Service) runImport(ctx context.Context, run *Run) error {
	if _, err := os.Stat(s.sourceFile); errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Str("path", s.sourceFile).Msg("source file not found, import skipped")
		s.setIngest(run, IngestResult{Skipped: true})
		return nil
	}

	if err := s.advance(run, StateClearing); err != nil {
		return err
	}
	defer s.invalidate(ctx)
	if err := s.clearAll(ctx); err != nil {
		return err
	}

	if err := s.advance(run, StateIngesting); err != nil {
		return err
	}
	start := time.Now()
	res, err := s.ingestor.Ingest(ctx, s.sourceFile)
	s.metrics.ObserveStage("ingest", time.Since(start), err)
	s.setIngest(run, res)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if res.Skipped {
		return nil
	}

	if err := s.advance(run, StateAggregating); err != nil {
		return err
	}
	if err := s.optimize(ctx); err != nil {
		return err
	}

	if err := s.advance(run, StateCleanup); err != nil {
		return err
	}
	if err := s.stores.Raw.DeleteAll(ctx); err != nil {
		return fmt.Errorf("cleanup raw store: %w", err)
	}
	return nil
}

func (s *Service) setIngest(run *Run, res IngestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Ingest = &res
}

// Optimize recomputes the three derived stores from the raw store.
func (s *Service) Optimize(ctx context.Context) (*Run, error) {
	ctx = context.WithoutCancel(ctx)
	run, err := s.begin(OpOptimize)
	if err != nil {
		return nil, err
	}
	err = s.advance(run, StateAggregating)
	if err == nil {
		err = s.optimize(ctx)
		s.invalidate(ctx)
	}
	return s.finish(run, err), err
}

// optimize runs the definition branch and the price then summary branch
// concurrently and waits for both. A failed branch does not stop the other.
// Every derived row of one run carries the same last_updated stamp.
func (s *Service) optimize(ctx context.Context) error {
	stamp := s.now()
	var g errgroup.Group
	g.Go(func() error {
		return s.stage(ctx, "definitions", func(ctx context.Context) (int, error) {
			return s.generateDefinitions(ctx, stamp)
		})
	})
	g.Go(func() error {
		err := s.stage(ctx, "prices", func(ctx context.Context) (int, error) {
			return s.generatePrices(ctx, stamp)
		})
		if err != nil {
			return err
		}
		return s.stage(ctx, "summaries", func(ctx context.Context) (int, error) {
			return s.generateSummaries(ctx, stamp)
		})
	})
	return g.Wait()
}

func (s *Service) stage(ctx context.Context, name string, fn func(context.Context) (int, error)) error {
	start := time.Now()
	n, err := fn(ctx)
	elapsed := time.Since(start)
	s.metrics.ObserveStage(name, elapsed, err)
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", name, err)
	}
	s.logger.Info().Str("stage", name).Int("rows", n).Dur("elapsed", elapsed).Msg("aggregation stage completed")
	return nil
}

func (s *Service) generateDefinitions(ctx context.Context, stamp time.Time) (int, error) {
	defs, err := BuildDefinitions(ctx, s.stores.Raw)
	if err != nil {
		return 0, err
	}
	for _, d := range defs {
		d.LastUpdated = stamp
	}
	return len(defs), s.stores.Definitions.ReplaceAll(ctx, defs)
}

func (s *Service) generatePrices(ctx context.Context, stamp time.Time) (int, error) {
	prices, err := BuildPrices(ctx, s.stores.Raw)
	if err != nil {
		return 0, err
	}
	for _, p := range prices {
		p.LastUpdated = stamp
	}
	return len(prices), s.stores.Prices.ReplaceAll(ctx, prices)
}

func (s *Service) generateSummaries(ctx context.Context, stamp time.Time) (int, error) {
	var prices []*drug.DrugPrice
	err := s.stores.Prices.Scan(ctx, func(p *drug.DrugPrice) error {
		prices = append(prices, p)
		return nil
	})
	if err != nil {
		return 0, err
	}
	summaries := BuildSummaries(prices)
	for _, sum := range summaries {
		sum.LastUpdated = &stamp
	}
	return len(summaries), s.stores.Summaries.ReplaceAll(ctx, summaries)
}

// Clear empties the raw store and the derived stores. It does not wait for
// or block a running import.
func (s *Service) Clear(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	err := s.clearAll(ctx)
	s.metrics.IncRun("clear", err)
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	s.logger.Info().Msg("all stores cleared")
	return nil
}

func (s *Service) clearAll(ctx context.Context) error {
	var g errgroup.Group
	truncate := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(ctx); err != nil {
				return fmt.Errorf("clear %s store: %w", name, err)
			}
			return nil
		})
	}
	truncate("raw", s.stores.Raw.DeleteAll)
	truncate("definition", s.stores.Definitions.DeleteAll)
	truncate("price", s.stores.Prices.DeleteAll)
	truncate("summary", s.stores.Summaries.DeleteAll)
	return g.Wait()
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("ranking cache invalidation failed")
	}
}

// Stats counts the rows of all four stores concurrently.
func (s *Service) Stats(ctx context.Context) (drug.Stats, error) {
	var st drug.Stats
	g, gctx := errgroup.WithContext(ctx)
	count := func(dst *int64, fn func(context.Context) (int64, error)) {
		g.Go(func() error {
			n, err := fn(gctx)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		})
	}
	count(&st.Raw, s.stores.Raw.Count)
	count(&st.Definitions, s.stores.Definitions.Count)
	count(&st.Prices, s.stores.Prices.Count)
	count(&st.Summaries, s.stores.Summaries.Count)
	if err := g.Wait(); err != nil {
		return drug.Stats{}, err
	}
	return st, nil
}

// -- Admin listings --

func (s *Service) ListDefinitions(ctx context.Context, limit, offset int) ([]*drug.DrugDefinition, int, error) {
	return s.stores.Definitions.List(ctx, limit, offset)
}

func (s *Service) ListPrices(ctx context.Context, limit, offset int) ([]*drug.DrugPrice, int, error) {
	return s.stores.Prices.List(ctx, limit, offset)
}

func (s *Service) ListSummaries(ctx context.Context, limit, offset int) ([]*drug.DrugSummary, int, error) {
	return s.stores.Summaries.List(ctx, limit, offset)
}

func (s *Service) ListRaw(ctx context.Context, limit, offset int) ([]*drug.RawUtilizationRecord, int, error) {
	return s.stores.Raw.List(ctx, limit, offset)
}

func (s *Service) RawByNDC(ctx context.Context, ndc string, limit int) ([]*drug.RawUtilizationRecord, error) {
	return s.stores.Raw.ListByNDC(ctx, ndc, limit)
}
