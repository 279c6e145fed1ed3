package drug

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/drugprice/drugprice/internal/platform/metrics"
)

// ErrQueryRequired is returned by Search for empty or whitespace-only input.
var ErrQueryRequired = errors.New("search query is required")

const (
	ndcSearchLimit  = 10
	nameSearchLimit = 20
	// Stored product names are truncated upstream, so long queries fall back
	// to their leading runes.
	namePrefixLen = 10
	rankingLimit  = 10
)

const (
	ViewMostExpensive  = "expensive"
	ViewLeastExpensive = "cheap"
)

// RankingCache stores precomputed ranking views keyed by view name.
type RankingCache interface {
	Get(ctx context.Context, view string, dst any) (bool, error)
	Set(ctx context.Context, view string, v any) error
}

type Service struct {
	definitions DefinitionRepository
	prices      PriceRepository
	summaries   SummaryRepository
	cache       RankingCache
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

func NewService(defs DefinitionRepository, prices PriceRepository, sums SummaryRepository) *Service {
	return &Service{
		definitions: defs,
		prices:      prices,
		summaries:   sums,
		logger:      zerolog.Nop(),
	}
}

// SetRankingCache attaches an optional cache for the ranking views.
func (s *Service) SetRankingCache(c RankingCache) {
	s.cache = c
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// Search dispatches on the shape of the query: all digits searches product
// codes, anything else searches names case-insensitively.
func (s *Service) Search(ctx context.Context, query string) ([]*DrugDefinition, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, ErrQueryRequired
	}

	if isDigits(q) {
		s.metrics.IncSearch("ndc")
		return nonNil(s.definitions.SearchByNDC(ctx, q, ndcSearchLimit))
	}

	s.metrics.IncSearch("name")
	results, err := s.definitions.SearchByName(ctx, q, nameSearchLimit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 && utf8.RuneCountInString(q) > namePrefixLen {
		s.metrics.IncSearch("name_prefix")
		prefix := string([]rune(q)[:namePrefixLen])
		return nonNil(s.definitions.SearchByName(ctx, prefix, nameSearchLimit))
	}
	return nonNil(results, nil)
}

func (s *Service) MostExpensive(ctx context.Context) ([]EnrichedSummary, error) {
	return s.ranking(ctx, ViewMostExpensive, true)
}

func (s *Service) LeastExpensive(ctx context.Context) ([]EnrichedSummary, error) {
	return s.ranking(ctx, ViewLeastExpensive, false)
}

func (s *Service) ranking(ctx context.Context, view string, desc bool) ([]EnrichedSummary, error) {
	if s.cache != nil {
		var cached []EnrichedSummary
		hit, err := s.cache.Get(ctx, view, &cached)
		if err != nil {
			s.logger.Warn().Err(err).Str("view", view).Msg("ranking cache read failed")
		} else {
			s.metrics.IncCacheLookup(view, hit)
			if hit {
				return cached, nil
			}
		}
	}

	sums, err := s.summaries.TopByAveragePrice(ctx, rankingLimit, desc)
	if err != nil {
		return nil, err
	}
	out := make([]EnrichedSummary, 0, len(sums))
	for _, sum := range sums {
		def, err := s.definitions.GetByNDC(ctx, sum.NDC)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		out = append(out, Enrich(sum, def))
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, view, out); err != nil {
			s.logger.Warn().Err(err).Str("view", view).Msg("ranking cache write failed")
		}
	}
	return out, nil
}

// Enrich joins a summary with its definition. A nil definition yields the
// synthesized "Medication {ndc}" record.
func Enrich(sum *DrugSummary, def *DrugDefinition) EnrichedSummary {
	e := EnrichedSummary{
		NDC:          sum.NDC,
		Name:         "Medication " + sum.NDC,
		Manufacturer: UnknownManufacturer,
		AveragePrice: floatOrZero(sum.AveragePrice),
		MinPrice:     floatOrZero(sum.MinPrice),
		MaxPrice:     floatOrZero(sum.MaxPrice),
	}
	if sum.TotalStates != nil {
		e.TotalStates = *sum.TotalStates
	}
	if def != nil {
		e.Name = def.Name
		if def.Manufacturer != nil && *def.Manufacturer != "" {
			e.Manufacturer = *def.Manufacturer
		}
	}
	return e
}

// SummaryFor looks up the first definition whose NDC contains ndc and the
// summary with exactly that NDC. Both lookups run concurrently and neither
// absence is an error.
func (s *Service) SummaryFor(ctx context.Context, ndc string) (*ProductSummary, error) {
	ndc = strings.TrimSpace(ndc)
	var (
		def *DrugDefinition
		sum DrugSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defs, err := s.definitions.SearchByNDC(gctx, ndc, 1)
		if err != nil {
			return err
		}
		if len(defs) > 0 {
			def = defs[0]
		}
		return nil
	})
	g.Go(func() error {
		found, err := s.summaries.GetByNDC(gctx, ndc)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sum = *found
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &ProductSummary{Definition: def, Summary: sum}, nil
}

// PricesFor returns the per-state prices of one product, optionally limited
// to the given states. Blank state entries are ignored; a filter made only of
// blanks matches nothing.
func (s *Service) PricesFor(ctx context.Context, ndc string, states []string) ([]*DrugPrice, error) {
	var filter []string
	for _, st := range states {
		if st = strings.TrimSpace(st); st != "" {
			filter = append(filter, st)
		}
	}
	if len(states) > 0 && len(filter) == 0 {
		return []*DrugPrice{}, nil
	}
	return nonNil(s.prices.ListByNDC(ctx, strings.TrimSpace(ndc), filter))
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func floatOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func nonNil[T any](items []*T, err error) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*T{}
	}
	return items, nil
}
