package drug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
)

// -- Mock Repositories --

type mockDefinitionRepo struct {
	defs        []*DrugDefinition
	ndcQueries  []string
	nameQueries []string
}

func (m *mockDefinitionRepo) ReplaceAll(_ context.Context, defs []*DrugDefinition) error {
	m.defs = append([]*DrugDefinition(nil), defs...)
	return nil
}

func (m *mockDefinitionRepo) GetByNDC(_ context.Context, ndc string) (*DrugDefinition, error) {
	for _, d := range m.defs {
		if d.NDC == ndc {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockDefinitionRepo) SearchByNDC(_ context.Context, fragment string, limit int) ([]*DrugDefinition, error) {
	m.ndcQueries = append(m.ndcQueries, fragment)
	return m.filter(limit, func(d *DrugDefinition) bool {
		return strings.Contains(d.NDC, fragment)
	}), nil
}

func (m *mockDefinitionRepo) SearchByName(_ context.Context, fragment string, limit int) ([]*DrugDefinition, error) {
	m.nameQueries = append(m.nameQueries, fragment)
	lower := strings.ToLower(fragment)
	return m.filter(limit, func(d *DrugDefinition) bool {
		return strings.Contains(strings.ToLower(d.Name), lower)
	}), nil
}

func (m *mockDefinitionRepo) filter(limit int, keep func(*DrugDefinition) bool) []*DrugDefinition {
	var result []*DrugDefinition
	for _, d := range m.defs {
		if keep(d) {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NDC < result[j].NDC })
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *mockDefinitionRepo) List(_ context.Context, limit, offset int) ([]*DrugDefinition, int, error) {
	return page(m.defs, limit, offset), len(m.defs), nil
}

func (m *mockDefinitionRepo) Count(_ context.Context) (int64, error) {
	return int64(len(m.defs)), nil
}

func (m *mockDefinitionRepo) DeleteAll(_ context.Context) error {
	m.defs = nil
	return nil
}

type mockPriceRepo struct {
	prices []*DrugPrice
}

func (m *mockPriceRepo) ReplaceAll(_ context.Context, prices []*DrugPrice) error {
	m.prices = append([]*DrugPrice(nil), prices...)
	return nil
}

func (m *mockPriceRepo) Scan(_ context.Context, fn func(*DrugPrice) error) error {
	for _, p := range m.prices {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockPriceRepo) ListByNDC(_ context.Context, ndc string, states []string) ([]*DrugPrice, error) {
	want := map[string]bool{}
	for _, s := range states {
		want[s] = true
	}
	var result []*DrugPrice
	for _, p := range m.prices {
		if p.NDC != ndc {
			continue
		}
		if len(want) > 0 && !want[p.State] {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].State < result[j].State })
	return result, nil
}

func (m *mockPriceRepo) List(_ context.Context, limit, offset int) ([]*DrugPrice, int, error) {
	return page(m.prices, limit, offset), len(m.prices), nil
}

func (m *mockPriceRepo) Count(_ context.Context) (int64, error) {
	return int64(len(m.prices)), nil
}

func (m *mockPriceRepo) DeleteAll(_ context.Context) error {
	m.prices = nil
	return nil
}

type mockSummaryRepo struct {
	sums     []*DrugSummary
	topCalls int
}

func (m *mockSummaryRepo) ReplaceAll(_ context.Context, sums []*DrugSummary) error {
	m.sums = append([]*DrugSummary(nil), sums...)
	return nil
}

func (m *mockSummaryRepo) GetByNDC(_ context.Context, ndc string) (*DrugSummary, error) {
	for _, s := range m.sums {
		if s.NDC == ndc {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockSummaryRepo) TopByAveragePrice(_ context.Context, limit int, desc bool) ([]*DrugSummary, error) {
	m.topCalls++
	result := append([]*DrugSummary(nil), m.sums...)
	sort.SliceStable(result, func(i, j int) bool {
		a, b := floatOrZero(result[i].AveragePrice), floatOrZero(result[j].AveragePrice)
		if desc {
			return a > b
		}
		return a < b
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockSummaryRepo) List(_ context.Context, limit, offset int) ([]*DrugSummary, int, error) {
	return page(m.sums, limit, offset), len(m.sums), nil
}

func (m *mockSummaryRepo) Count(_ context.Context) (int64, error) {
	return int64(len(m.sums)), nil
}

func (m *mockSummaryRepo) DeleteAll(_ context.Context) error {
	m.sums = nil
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

type mockCache struct {
	views  map[string][]byte
	getErr error
}

func newMockCache() *mockCache {
	return &mockCache{views: make(map[string][]byte)}
}

func (m *mockCache) Get(_ context.Context, view string, dst any) (bool, error) {
	if m.getErr != nil {
		return false, m.getErr
	}
	b, ok := m.views[view]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (m *mockCache) Set(_ context.Context, view string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.views[view] = b
	return nil
}

// -- Helpers --

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func intPtr(i int) *int         { return &i }

func summary(ndc string, avg, min, max float64, states int) *DrugSummary {
	return &DrugSummary{NDC: ndc, AveragePrice: f64Ptr(avg), MinPrice: f64Ptr(min), MaxPrice: f64Ptr(max), TotalStates: intPtr(states)}
}

type testRepos struct {
	defs   *mockDefinitionRepo
	prices *mockPriceRepo
	sums   *mockSummaryRepo
}

func newTestService() (*Service, *testRepos) {
	r := &testRepos{
		defs:   &mockDefinitionRepo{},
		prices: &mockPriceRepo{},
		sums:   &mockSummaryRepo{},
	}
	return NewService(r.defs, r.prices, r.sums), r
}

// -- Search --

func TestSearch_EmptyQueryRejected(t *testing.T) {
	svc, repos := newTestService()
	repos.defs.defs = []*DrugDefinition{{NDC: "00002143380", Name: "HUMALOG"}}

	for _, q := range []string{"", "   ", "\t\n"} {
		_, err := svc.Search(context.Background(), q)
		if !errors.Is(err, ErrQueryRequired) {
			t.Errorf("query %q: expected ErrQueryRequired, got %v", q, err)
		}
	}
	if len(repos.defs.ndcQueries)+len(repos.defs.nameQueries) != 0 {
		t.Error("expected no repository lookups for blank input")
	}
}

func TestSearch_TruncationFallback(t *testing.T) {
	svc, repos := newTestService()
	repos.defs.defs = []*DrugDefinition{{NDC: "00045049610", Name: "ACETAMINOP"}}

	got, err := svc.Search(context.Background(), "acetaminophen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Name != "ACETAMINOP" {
		t.Fatalf("expected ACETAMINOP via fallback, got %+v", got)
	}
	want := []string{"acetaminophen", "acetaminop"}
	if fmt.Sprint(repos.defs.nameQueries) != fmt.Sprint(want) {
		t.Errorf("expected name queries %v, got %v", want, repos.defs.nameQueries)
	}
}

func TestSearch_ShortQueryNoFallback(t *testing.T) {
	svc, repos := newTestService()
	repos.defs.defs = []*DrugDefinition{{NDC: "00045049610", Name: "ACETAMINOP"}}

	got, err := svc.Search(context.Background(), "ibuprofen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %v", got)
	}
	if len(repos.defs.nameQueries) != 1 {
		t.Errorf("expected a single name query, got %v", repos.defs.nameQueries)
	}
}

func TestSearch_FallbackCountsRunes(t *testing.T) {
	svc, repos := newTestService()
	repos.defs.defs = []*DrugDefinition{{NDC: "1", Name: "ÄÖÜÄÖÜÄÖÜÄ"}}

	got, err := svc.Search(context.Background(), "äöüäöüäöüäx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repos.defs.nameQueries) != 2 || repos.defs.nameQueries[1] != "äöüäöüäöüä" {
		t.Fatalf("expected rune-based prefix retry, got %v", repos.defs.nameQueries)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 result, got %d", len(got))
	}
}

func TestSearch_NumericQueryDispatchesToNDC(t *testing.T) {
	svc, repos := newTestService()
	repos.defs.defs = []*DrugDefinition{
		{NDC: "00000000001", Name: "VITAMIN 12345"},
		{NDC: "00123450001", Name: "INSULIN"},
	}

	got, err := svc.Search(context.Background(), " 12345 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repos.defs.nameQueries) != 0 {
		t.Errorf("numeric query must not search names, got %v", repos.defs.nameQueries)
	}
	if len(got) != 1 || got[0].NDC != "00123450001" {
		t.Errorf("expected NDC match only, got %+v", got)
	}
}

func TestSearch_Limits(t *testing.T) {
	svc, repos := newTestService()
	for i := 0; i < 30; i++ {
		repos.defs.defs = append(repos.defs.defs, &DrugDefinition{
			NDC:  fmt.Sprintf("555%08d", i),
			Name: fmt.Sprintf("METFORMIN %d", i),
		})
	}

	byNDC, err := svc.Search(context.Background(), "555")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byNDC) != 10 {
		t.Errorf("expected 10 NDC results, got %d", len(byNDC))
	}

	byName, err := svc.Search(context.Background(), "metformin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byName) != 20 {
		t.Errorf("expected 20 name results, got %d", len(byName))
	}
}

// -- Rankings --

func TestMostExpensive_OrphanDefaulting(t *testing.T) {
	svc, repos := newTestService()
	repos.defs.defs = []*DrugDefinition{{NDC: "A", Name: "ALPHA", Manufacturer: strPtr("Pfizer")}}
	repos.sums.sums = []*DrugSummary{
		summary("A", 5, 1, 9, 2),
		summary("ORPHAN", 50, 40, 60, 3),
	}

	got, err := svc.MostExpensive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].NDC != "ORPHAN" || got[0].Name != "Medication ORPHAN" || got[0].Manufacturer != "Unknown" {
		t.Errorf("unexpected orphan row: %+v", got[0])
	}
	if got[0].AveragePrice != 50 || got[0].TotalStates != 3 {
		t.Errorf("expected orphan numerics preserved, got %+v", got[0])
	}
	if got[1].Name != "ALPHA" || got[1].Manufacturer != "Pfizer" {
		t.Errorf("unexpected joined row: %+v", got[1])
	}
}

func TestEnrich_NilNumericsAndUnsetManufacturer(t *testing.T) {
	e := Enrich(&DrugSummary{NDC: "X"}, nil)
	if e.AveragePrice != 0 || e.MinPrice != 0 || e.MaxPrice != 0 || e.TotalStates != 0 {
		t.Errorf("expected zero numerics, got %+v", e)
	}

	e = Enrich(summary("Y", 1, 1, 1, 1), &DrugDefinition{NDC: "Y", Name: "YOKE"})
	if e.Manufacturer != "Unknown" {
		t.Errorf("expected Unknown manufacturer, got %q", e.Manufacturer)
	}
	e = Enrich(summary("Y", 1, 1, 1, 1), &DrugDefinition{NDC: "Y", Name: "YOKE", Manufacturer: strPtr("")})
	if e.Manufacturer != "Unknown" {
		t.Errorf("expected Unknown for empty manufacturer, got %q", e.Manufacturer)
	}
}

func TestRankings_OrderAndLimit(t *testing.T) {
	svc, repos := newTestService()
	for i := 1; i <= 15; i++ {
		repos.sums.sums = append(repos.sums.sums, summary(fmt.Sprintf("N%02d", i), float64(i), 0, 0, 1))
	}

	top, err := svc.MostExpensive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(top) != 10 || top[0].AveragePrice != 15 || top[9].AveragePrice != 6 {
		t.Errorf("unexpected most expensive view: %+v", top)
	}

	bottom, err := svc.LeastExpensive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bottom) != 10 || bottom[0].AveragePrice != 1 || bottom[9].AveragePrice != 10 {
		t.Errorf("unexpected least expensive view: %+v", bottom)
	}
}

func TestRankings_ServedFromCache(t *testing.T) {
	svc, repos := newTestService()
	cache := newMockCache()
	svc.SetRankingCache(cache)
	repos.sums.sums = []*DrugSummary{summary("A", 3, 3, 3, 1)}

	first, err := svc.MostExpensive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.MostExpensive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repos.sums.topCalls != 1 {
		t.Errorf("expected 1 repository call, got %d", repos.sums.topCalls)
	}
	if len(second) != 1 || second[0] != first[0] {
		t.Errorf("expected cached view to match, got %+v", second)
	}
}

func TestRankings_CacheErrorFallsBackToStore(t *testing.T) {
	svc, repos := newTestService()
	cache := newMockCache()
	cache.getErr = errors.New("connection refused")
	svc.SetRankingCache(cache)
	repos.sums.sums = []*DrugSummary{summary("A", 3, 3, 3, 1)}

	got, err := svc.LeastExpensive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 row, got %d", len(got))
	}
}

// -- SummaryFor / PricesFor --

func TestSummaryFor_DefinitionAndSummary(t *testing.T) {
	svc, repos := newTestService()
	repos.defs.defs = []*DrugDefinition{
		{NDC: "00002143381", Name: "HUMALOG B"},
		{NDC: "00002143380", Name: "HUMALOG A"},
	}
	repos.sums.sums = []*DrugSummary{summary("0000214338", 20, 10, 30, 3)}

	ps, err := svc.SummaryFor(context.Background(), "0000214338")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ps.Definition == nil || ps.Definition.NDC != "00002143380" {
		t.Errorf("expected first definition by NDC order, got %+v", ps.Definition)
	}
	if ps.Summary.AveragePrice == nil || *ps.Summary.AveragePrice != 20 {
		t.Errorf("expected summary average 20, got %+v", ps.Summary)
	}
}

func TestSummaryFor_MissingBoth(t *testing.T) {
	svc, _ := newTestService()

	ps, err := svc.SummaryFor(context.Background(), "99999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ps.Definition != nil {
		t.Errorf("expected nil definition, got %+v", ps.Definition)
	}
	if ps.Summary.AveragePrice != nil || ps.Summary.NDC != "" {
		t.Errorf("expected empty summary, got %+v", ps.Summary)
	}
	b, _ := json.Marshal(ps.Summary)
	if string(b) != "{}" {
		t.Errorf("expected empty summary to serialize as {}, got %s", b)
	}
}

func TestPricesFor_StateFilter(t *testing.T) {
	svc, repos := newTestService()
	repos.prices.prices = []*DrugPrice{
		{NDC: "A", State: "TX", Price: 2},
		{NDC: "A", State: "CA", Price: 1},
		{NDC: "A", State: "NY", Price: 3},
		{NDC: "B", State: "CA", Price: 9},
	}

	all, err := svc.PricesFor(context.Background(), "A", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 || all[0].State != "CA" || all[2].State != "TX" {
		t.Errorf("expected 3 prices ordered by state, got %+v", all)
	}

	some, err := svc.PricesFor(context.Background(), "A", []string{" TX", "", "CA "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(some) != 2 || some[0].State != "CA" || some[1].State != "TX" {
		t.Errorf("expected CA and TX, got %+v", some)
	}

	blanks, err := svc.PricesFor(context.Background(), "A", []string{" ", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blanks == nil || len(blanks) != 0 {
		t.Errorf("expected an empty list for a filter of blanks, got %+v", blanks)
	}
}
