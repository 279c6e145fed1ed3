package pipeline

import (
	"context"
	"sort"

	"github.com/drugprice/drugprice/internal/domain/drug"
)

// RawScanner is the read side of the raw store consumed by the aggregators.
type RawScanner interface {
	Scan(ctx context.Context, fn func(*drug.RawUtilizationRecord) error) error
}

// newerPeriod reports whether (y1, q1) is strictly after (y2, q2).
func newerPeriod(y1, q1, y2, q2 int) bool {
	if y1 != y2 {
		return y1 > y2
	}
	return q1 > q2
}

// preferDefinition reports whether candidate should replace current as the
// row describing a product. The order is: most recent period, a non-empty
// product name, the smallest product name, the smallest raw ID.
func preferDefinition(candidate, current *drug.RawUtilizationRecord) bool {
	if candidate.Year != current.Year || candidate.Quarter != current.Quarter {
		return newerPeriod(candidate.Year, candidate.Quarter, current.Year, current.Quarter)
	}
	if (candidate.ProductName == "") != (current.ProductName == "") {
		return candidate.ProductName != ""
	}
	if candidate.ProductName != current.ProductName {
		return candidate.ProductName < current.ProductName
	}
	return candidate.ID < current.ID
}

// BuildDefinitions reduces the raw store to one definition per NDC, sorted
// by NDC. The result does not depend on scan order. Rows with a blank NDC
// are ignored here and by the other builders.
func BuildDefinitions(ctx context.Context, raw RawScanner) ([]*drug.DrugDefinition, error) {
	best := make(map[string]drug.RawUtilizationRecord)
	err := raw.Scan(ctx, func(r *drug.RawUtilizationRecord) error {
		if r.NDC == "" {
			return nil
		}
		if cur, ok := best[r.NDC]; !ok || preferDefinition(r, &cur) {
			best[r.NDC] = *r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	defs := make([]*drug.DrugDefinition, 0, len(best))
	for ndc, r := range best {
		manufacturer := drug.ManufacturerFor(r.LabelerCode)
		defs = append(defs, &drug.DrugDefinition{
			NDC:          ndc,
			Name:         r.ProductName,
			Manufacturer: &manufacturer,
			Labeler:      r.LabelerCode,
			PackageSize:  r.PackageSize,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].NDC < defs[j].NDC })
	return defs, nil
}

type priceKey struct {
	ndc   string
	state string
}

type priceCandidate struct {
	price drug.DrugPrice
	units float64
	id    int64
}

// preferPrice reports whether candidate should replace current for one
// (NDC, state). Within the same period the row with more units wins, then
// the smaller raw ID.
func preferPrice(candidate, current priceCandidate) bool {
	cp, up := candidate.price, current.price
	if cp.Year != up.Year || cp.Quarter != up.Quarter {
		return newerPeriod(cp.Year, cp.Quarter, up.Year, up.Quarter)
	}
	if candidate.units != current.units {
		return candidate.units > current.units
	}
	return candidate.id < current.id
}

// BuildPrices reduces the raw store to the most recent unit price per
// (NDC, state), sorted by NDC then state. Rows without positive units
// reimbursed never produce a price.
func BuildPrices(ctx context.Context, raw RawScanner) ([]*drug.DrugPrice, error) {
	best := make(map[priceKey]priceCandidate)
	err := raw.Scan(ctx, func(r *drug.RawUtilizationRecord) error {
		if r.NDC == "" || r.UnitsReimbursed <= 0 {
			return nil
		}
		c := priceCandidate{
			price: drug.DrugPrice{
				NDC:     r.NDC,
				State:   r.State,
				Price:   r.TotalAmountReimbursed / r.UnitsReimbursed,
				Year:    r.Year,
				Quarter: r.Quarter,
			},
			units: r.UnitsReimbursed,
			id:    r.ID,
		}
		k := priceKey{ndc: r.NDC, state: r.State}
		if cur, ok := best[k]; !ok || preferPrice(c, cur) {
			best[k] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	prices := make([]*drug.DrugPrice, 0, len(best))
	for _, c := range best {
		p := c.price
		prices = append(prices, &p)
	}
	sortPrices(prices)
	return prices, nil
}

func sortPrices(prices []*drug.DrugPrice) {
	sort.Slice(prices, func(i, j int) bool {
		if prices[i].NDC != prices[j].NDC {
			return prices[i].NDC < prices[j].NDC
		}
		return prices[i].State < prices[j].State
	})
}

// BuildSummaries computes average, minimum, maximum and state count per NDC.
// Input order does not affect the result.
func BuildSummaries(prices []*drug.DrugPrice) []*drug.DrugSummary {
	sorted := make([]*drug.DrugPrice, 0, len(prices))
	for _, p := range prices {
		if p.NDC != "" {
			sorted = append(sorted, p)
		}
	}
	sortPrices(sorted)

	var summaries []*drug.DrugSummary
	for i := 0; i < len(sorted); {
		j := i
		sum, lo, hi := 0.0, sorted[i].Price, sorted[i].Price
		for ; j < len(sorted) && sorted[j].NDC == sorted[i].NDC; j++ {
			p := sorted[j].Price
			sum += p
			if p < lo {
				lo = p
			}
			if p > hi {
				hi = p
			}
		}
		count := j - i
		avg := sum / float64(count)
		summaries = append(summaries, &drug.DrugSummary{
			NDC:          sorted[i].NDC,
			AveragePrice: &avg,
			MinPrice:     &lo,
			MaxPrice:     &hi,
			TotalStates:  &count,
		})
		i = j
	}
	return summaries
}
