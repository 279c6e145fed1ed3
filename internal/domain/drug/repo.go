package drug

import (
	"context"
	"errors"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// RawRepository stores parsed utilization rows. Rows are append-only and are
// only ever removed in bulk.
type RawRepository interface {
	InsertBatch(ctx context.Context, recs []*RawUtilizationRecord) (int64, error)
	// Scan streams every row to fn in storage order. A non-nil error from fn
	// stops the scan and is returned.
	Scan(ctx context.Context, fn func(*RawUtilizationRecord) error) error
	ListByNDC(ctx context.Context, ndc string, limit int) ([]*RawUtilizationRecord, error)
	List(ctx context.Context, limit, offset int) ([]*RawUtilizationRecord, int, error)
	Count(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) error
}

type DefinitionRepository interface {
	// ReplaceAll clears the store and writes defs in its place.
	ReplaceAll(ctx context.Context, defs []*DrugDefinition) error
	GetByNDC(ctx context.Context, ndc string) (*DrugDefinition, error)
	SearchByNDC(ctx context.Context, fragment string, limit int) ([]*DrugDefinition, error)
	SearchByName(ctx context.Context, fragment string, limit int) ([]*DrugDefinition, error)
	List(ctx context.Context, limit, offset int) ([]*DrugDefinition, int, error)
	Count(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) error
}

type PriceRepository interface {
	ReplaceAll(ctx context.Context, prices []*DrugPrice) error
	Scan(ctx context.Context, fn func(*DrugPrice) error) error
	// ListByNDC returns the prices of one product ordered by state. An empty
	// states slice means every state.
	ListByNDC(ctx context.Context, ndc string, states []string) ([]*DrugPrice, error)
	List(ctx context.Context, limit, offset int) ([]*DrugPrice, int, error)
	Count(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) error
}

type SummaryRepository interface {
	ReplaceAll(ctx context.Context, summaries []*DrugSummary) error
	GetByNDC(ctx context.Context, ndc string) (*DrugSummary, error)
	// TopByAveragePrice returns up to limit summaries ordered by average price,
	// highest first when desc is set.
	TopByAveragePrice(ctx context.Context, limit int, desc bool) ([]*DrugSummary, error)
	List(ctx context.Context, limit, offset int) ([]*DrugSummary, int, error)
	Count(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) error
}
