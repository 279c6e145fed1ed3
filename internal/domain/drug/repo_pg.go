package drug

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drugprice/drugprice/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// likeEscaper makes user input match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func countRows(ctx context.Context, q queryable, table string) (int64, error) {
	var n int64
	err := q.QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&n)
	return n, err
}

func truncate(ctx context.Context, q queryable, table string) error {
	_, err := q.Exec(ctx, `TRUNCATE TABLE `+table)
	return err
}

// =========== Raw Utilization Repository ===========

type rawRepoPG struct{ pool *pgxpool.Pool }

func NewRawRepoPG(pool *pgxpool.Pool) RawRepository {
	return &rawRepoPG{pool: pool}
}

const rawTable = "medicaid_drug_utilization"

var rawCopyCols = []string{
	"utilization_type", "state", "ndc", "labeler_code", "product_code", "package_size",
	"year", "quarter", "suppression_used", "product_name",
	"units_reimbursed", "number_of_prescriptions", "total_amount_reimbursed",
	"medicaid_amount_reimbursed", "non_medicaid_amount_reimbursed", "price_per_unit",
}

const rawCols = `id, utilization_type, state, ndc, labeler_code, product_code, package_size,
	year, quarter, suppression_used, product_name,
	units_reimbursed, number_of_prescriptions, total_amount_reimbursed,
	medicaid_amount_reimbursed, non_medicaid_amount_reimbursed, price_per_unit`

func (r *rawRepoPG) scanRaw(row pgx.Row) (*RawUtilizationRecord, error) {
	var u RawUtilizationRecord
	err := row.Scan(&u.ID, &u.UtilizationType, &u.State, &u.NDC, &u.LabelerCode, &u.ProductCode, &u.PackageSize,
		&u.Year, &u.Quarter, &u.SuppressionUsed, &u.ProductName,
		&u.UnitsReimbursed, &u.NumberOfPrescriptions, &u.TotalAmountReimbursed,
		&u.MedicaidAmountReimbursed, &u.NonMedicaidAmountReimbursed, &u.PricePerUnit)
	return &u, err
}

func (r *rawRepoPG) InsertBatch(ctx context.Context, recs []*RawUtilizationRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	return connFor(ctx, r.pool).CopyFrom(ctx, pgx.Identifier{rawTable}, rawCopyCols,
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			u := recs[i]
			return []any{
				u.UtilizationType, u.State, u.NDC, u.LabelerCode, u.ProductCode, u.PackageSize,
				u.Year, u.Quarter, u.SuppressionUsed, u.ProductName,
				u.UnitsReimbursed, u.NumberOfPrescriptions, u.TotalAmountReimbursed,
				u.MedicaidAmountReimbursed, u.NonMedicaidAmountReimbursed, u.PricePerUnit,
			}, nil
		}))
}

func (r *rawRepoPG) Scan(ctx context.Context, fn func(*RawUtilizationRecord) error) error {
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT `+rawCols+` FROM `+rawTable)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := r.scanRaw(rows)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *rawRepoPG) ListByNDC(ctx context.Context, ndc string, limit int) ([]*RawUtilizationRecord, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+rawCols+` FROM `+rawTable+` WHERE ndc = $1 ORDER BY year DESC, quarter DESC, state, id LIMIT $2`,
		ndc, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RawUtilizationRecord
	for rows.Next() {
		u, err := r.scanRaw(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

func (r *rawRepoPG) List(ctx context.Context, limit, offset int) ([]*RawUtilizationRecord, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+rawCols+` FROM `+rawTable+` ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*RawUtilizationRecord
	for rows.Next() {
		u, err := r.scanRaw(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, int(total), rows.Err()
}

func (r *rawRepoPG) Count(ctx context.Context) (int64, error) {
	return countRows(ctx, connFor(ctx, r.pool), rawTable)
}

func (r *rawRepoPG) DeleteAll(ctx context.Context) error {
	return truncate(ctx, connFor(ctx, r.pool), rawTable)
}

// =========== Drug Definition Repository ===========

type definitionRepoPG struct{ pool *pgxpool.Pool }

func NewDefinitionRepoPG(pool *pgxpool.Pool) DefinitionRepository {
	return &definitionRepoPG{pool: pool}
}

const defTable = "drug_definitions"

var defCopyCols = []string{"ndc", "name", "manufacturer", "labeler", "package_size", "last_updated"}

const defCols = `ndc, name, manufacturer, labeler, package_size, last_updated`

func (r *definitionRepoPG) scanDef(row pgx.Row) (*DrugDefinition, error) {
	var d DrugDefinition
	err := row.Scan(&d.NDC, &d.Name, &d.Manufacturer, &d.Labeler, &d.PackageSize, &d.LastUpdated)
	return &d, err
}

func (r *definitionRepoPG) ReplaceAll(ctx context.Context, defs []*DrugDefinition) error {
	now := time.Now().UTC()
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := connFor(ctx, r.pool)
		if err := truncate(ctx, q, defTable); err != nil {
			return fmt.Errorf("truncate %s: %w", defTable, err)
		}
		_, err := q.CopyFrom(ctx, pgx.Identifier{defTable}, defCopyCols,
			pgx.CopyFromSlice(len(defs), func(i int) ([]any, error) {
				d := defs[i]
				if d.LastUpdated.IsZero() {
					d.LastUpdated = now
				}
				return []any{d.NDC, d.Name, d.Manufacturer, d.Labeler, d.PackageSize, d.LastUpdated}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy %s: %w", defTable, err)
		}
		return nil
	})
}

func (r *definitionRepoPG) GetByNDC(ctx context.Context, ndc string) (*DrugDefinition, error) {
	d, err := r.scanDef(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+defCols+` FROM `+defTable+` WHERE ndc = $1`, ndc))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *definitionRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*DrugDefinition, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DrugDefinition
	for rows.Next() {
		d, err := r.scanDef(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *definitionRepoPG) SearchByNDC(ctx context.Context, fragment string, limit int) ([]*DrugDefinition, error) {
	return r.query(ctx,
		`SELECT `+defCols+` FROM `+defTable+` WHERE strpos(ndc, $1) > 0 ORDER BY ndc LIMIT $2`,
		fragment, limit)
}

func (r *definitionRepoPG) SearchByName(ctx context.Context, fragment string, limit int) ([]*DrugDefinition, error) {
	return r.query(ctx,
		`SELECT `+defCols+` FROM `+defTable+` WHERE name ILIKE '%' || $1 || '%' ORDER BY name, ndc LIMIT $2`,
		likeEscaper.Replace(fragment), limit)
}

func (r *definitionRepoPG) List(ctx context.Context, limit, offset int) ([]*DrugDefinition, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+defCols+` FROM `+defTable+` ORDER BY ndc LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (r *definitionRepoPG) Count(ctx context.Context) (int64, error) {
	return countRows(ctx, connFor(ctx, r.pool), defTable)
}

func (r *definitionRepoPG) DeleteAll(ctx context.Context) error {
	return truncate(ctx, connFor(ctx, r.pool), defTable)
}

// =========== Drug Price Repository ===========

type priceRepoPG struct{ pool *pgxpool.Pool }

func NewPriceRepoPG(pool *pgxpool.Pool) PriceRepository {
	return &priceRepoPG{pool: pool}
}

const priceTable = "drug_prices"

var priceCopyCols = []string{"ndc", "state", "price", "year", "quarter", "last_updated"}

const priceCols = `ndc, state, price, year, quarter, last_updated`

func (r *priceRepoPG) scanPrice(row pgx.Row) (*DrugPrice, error) {
	var p DrugPrice
	err := row.Scan(&p.NDC, &p.State, &p.Price, &p.Year, &p.Quarter, &p.LastUpdated)
	return &p, err
}

func (r *priceRepoPG) ReplaceAll(ctx context.Context, prices []*DrugPrice) error {
	now := time.Now().UTC()
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := connFor(ctx, r.pool)
		if err := truncate(ctx, q, priceTable); err != nil {
			return fmt.Errorf("truncate %s: %w", priceTable, err)
		}
		_, err := q.CopyFrom(ctx, pgx.Identifier{priceTable}, priceCopyCols,
			pgx.CopyFromSlice(len(prices), func(i int) ([]any, error) {
				p := prices[i]
				if p.LastUpdated.IsZero() {
					p.LastUpdated = now
				}
				return []any{p.NDC, p.State, p.Price, p.Year, p.Quarter, p.LastUpdated}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy %s: %w", priceTable, err)
		}
		return nil
	})
}

func (r *priceRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*DrugPrice, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DrugPrice
	for rows.Next() {
		p, err := r.scanPrice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *priceRepoPG) Scan(ctx context.Context, fn func(*DrugPrice) error) error {
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT `+priceCols+` FROM `+priceTable+` ORDER BY ndc, state`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := r.scanPrice(rows)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *priceRepoPG) ListByNDC(ctx context.Context, ndc string, states []string) ([]*DrugPrice, error) {
	if len(states) == 0 {
		return r.query(ctx, `SELECT `+priceCols+` FROM `+priceTable+` WHERE ndc = $1 ORDER BY state`, ndc)
	}
	return r.query(ctx,
		`SELECT `+priceCols+` FROM `+priceTable+` WHERE ndc = $1 AND state = ANY($2) ORDER BY state`,
		ndc, states)
}

func (r *priceRepoPG) List(ctx context.Context, limit, offset int) ([]*DrugPrice, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+priceCols+` FROM `+priceTable+` ORDER BY ndc, state LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (r *priceRepoPG) Count(ctx context.Context) (int64, error) {
	return countRows(ctx, connFor(ctx, r.pool), priceTable)
}

func (r *priceRepoPG) DeleteAll(ctx context.Context) error {
	return truncate(ctx, connFor(ctx, r.pool), priceTable)
}

// =========== Drug Summary Repository ===========

type summaryRepoPG struct{ pool *pgxpool.Pool }

func NewSummaryRepoPG(pool *pgxpool.Pool) SummaryRepository {
	return &summaryRepoPG{pool: pool}
}

const summaryTable = "drug_summaries"

var summaryCopyCols = []string{"ndc", "average_price", "min_price", "max_price", "total_states", "last_updated"}

const summaryCols = `ndc, average_price, min_price, max_price, total_states, last_updated`

func (r *summaryRepoPG) scanSummary(row pgx.Row) (*DrugSummary, error) {
	var s DrugSummary
	err := row.Scan(&s.NDC, &s.AveragePrice, &s.MinPrice, &s.MaxPrice, &s.TotalStates, &s.LastUpdated)
	return &s, err
}

func (r *summaryRepoPG) ReplaceAll(ctx context.Context, summaries []*DrugSummary) error {
	now := time.Now().UTC()
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := connFor(ctx, r.pool)
		if err := truncate(ctx, q, summaryTable); err != nil {
			return fmt.Errorf("truncate %s: %w", summaryTable, err)
		}
		_, err := q.CopyFrom(ctx, pgx.Identifier{summaryTable}, summaryCopyCols,
			pgx.CopyFromSlice(len(summaries), func(i int) ([]any, error) {
				s := summaries[i]
				if s.LastUpdated == nil {
					s.LastUpdated = &now
				}
				return []any{s.NDC, s.AveragePrice, s.MinPrice, s.MaxPrice, s.TotalStates, s.LastUpdated}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy %s: %w", summaryTable, err)
		}
		return nil
	})
}

func (r *summaryRepoPG) GetByNDC(ctx context.Context, ndc string) (*DrugSummary, error) {
	s, err := r.scanSummary(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+summaryCols+` FROM `+summaryTable+` WHERE ndc = $1`, ndc))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *summaryRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*DrugSummary, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DrugSummary
	for rows.Next() {
		s, err := r.scanSummary(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *summaryRepoPG) TopByAveragePrice(ctx context.Context, limit int, desc bool) ([]*DrugSummary, error) {
	order := "average_price ASC NULLS LAST"
	if desc {
		order = "average_price DESC NULLS LAST"
	}
	return r.query(ctx, `SELECT `+summaryCols+` FROM `+summaryTable+` ORDER BY `+order+`, ndc LIMIT $1`, limit)
}

func (r *summaryRepoPG) List(ctx context.Context, limit, offset int) ([]*DrugSummary, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+summaryCols+` FROM `+summaryTable+` ORDER BY ndc LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (r *summaryRepoPG) Count(ctx context.Context) (int64, error) {
	return countRows(ctx, connFor(ctx, r.pool), summaryTable)
}

func (r *summaryRepoPG) DeleteAll(ctx context.Context) error {
	return truncate(ctx, connFor(ctx, r.pool), summaryTable)
}
