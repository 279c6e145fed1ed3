package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/drugprice/drugprice/internal/domain/drug"
	"github.com/drugprice/drugprice/internal/platform/metrics"
)

// ErrMissingColumn is returned when the source header lacks a column every
// row needs.
var ErrMissingColumn = errors.New("missing required column")

const (
	DefaultBatchSize   = 500
	DefaultConcurrency = 2
	progressEvery      = 20
)

// Source file column names.
const (
	colUtilizationType   = "Utilization Type"
	colState             = "State"
	colNDC               = "NDC"
	colLabelerCode       = "Labeler Code"
	colProductCode       = "Product Code"
	colPackageSize       = "Package Size"
	colYear              = "Year"
	colQuarter           = "Quarter"
	colSuppressionUsed   = "Suppression Used"
	colProductName       = "Product Name"
	colUnitsReimbursed   = "Units Reimbursed"
	colPrescriptions     = "Number of Prescriptions"
	colTotalAmount       = "Total Amount Reimbursed"
	colMedicaidAmount    = "Medicaid Amount Reimbursed"
	colNonMedicaidAmount = "Non Medicaid Amount Reimbursed"
)

var requiredColumns = []string{colNDC, colYear, colQuarter, colUnitsReimbursed, colTotalAmount}

// IngestResult describes one pass over the source file. Dropped rows are
// reported for logging only.
type IngestResult struct {
	Skipped  bool          `json:"skipped"`
	Read     int           `json:"read"`
	Inserted int64         `json:"inserted"`
	Dropped  int           `json:"dropped"`
	Duration time.Duration `json:"duration_ns"`
}

// Header maps source column names to their position in a record.
type Header struct {
	idx map[string]int
}

// NewHeader indexes a header row by trimmed column name. The first
// occurrence of a duplicated name wins.
func NewHeader(fields []string) (*Header, error) {
	h := &Header{idx: make(map[string]int, len(fields))}
	for i, f := range fields {
		name := strings.TrimSpace(f)
		if _, dup := h.idx[name]; !dup {
			h.idx[name] = i
		}
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := h.idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return h, nil
}

func (h *Header) get(rec []string, col string) string {
	i, ok := h.idx[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// ParseRow converts one record. It reports false when year, quarter, units
// or total amount is missing or malformed; the row is then dropped.
func (h *Header) ParseRow(rec []string) (*drug.RawUtilizationRecord, bool) {
	year, ok := parseInt(h.get(rec, colYear))
	if !ok {
		return nil, false
	}
	quarter, ok := parseInt(h.get(rec, colQuarter))
	if !ok || quarter < 1 || quarter > 4 {
		return nil, false
	}
	units, ok := parseFloat(h.get(rec, colUnitsReimbursed))
	if !ok {
		return nil, false
	}
	total, ok := parseFloat(h.get(rec, colTotalAmount))
	if !ok {
		return nil, false
	}

	return &drug.RawUtilizationRecord{
		UtilizationType:             h.get(rec, colUtilizationType),
		State:                       h.get(rec, colState),
		NDC:                         h.get(rec, colNDC),
		LabelerCode:                 h.get(rec, colLabelerCode),
		ProductCode:                 h.get(rec, colProductCode),
		PackageSize:                 h.get(rec, colPackageSize),
		Year:                        year,
		Quarter:                     quarter,
		SuppressionUsed:             strings.EqualFold(h.get(rec, colSuppressionUsed), "true"),
		ProductName:                 h.get(rec, colProductName),
		UnitsReimbursed:             units,
		NumberOfPrescriptions:       optionalFloat(h.get(rec, colPrescriptions)),
		TotalAmountReimbursed:       total,
		MedicaidAmountReimbursed:    optionalFloat(h.get(rec, colMedicaidAmount)),
		NonMedicaidAmountReimbursed: optionalFloat(h.get(rec, colNonMedicaidAmount)),
		PricePerUnit:                drug.UnitPrice(total, units),
	}, true
}

func parseInt(s string) (int, bool) {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func parseFloat(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func optionalFloat(s string) float64 {
	f, _ := parseFloat(s)
	return f
}

// Ingestor streams the source file into the raw store in fixed-size batches.
type Ingestor struct {
	raw         drug.RawRepository
	batchSize   int
	concurrency int
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

func NewIngestor(raw drug.RawRepository, batchSize, concurrency int, logger zerolog.Logger) *Ingestor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Ingestor{
		raw:         raw,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (in *Ingestor) SetMetrics(m *metrics.Metrics) {
	in.metrics = m
}

// Ingest reads path into the raw store. A missing file is not an error: the
// result is marked Skipped and nothing is written.
func (in *Ingestor) Ingest(ctx context.Context, path string) (IngestResult, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		in.logger.Warn().Str("path", path).Msg("source file not found, skipping ingest")
		return IngestResult{Skipped: true}, nil
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	in.logger.Info().Str("path", path).Msg("ingest started")
	return in.IngestReader(ctx, f)
}

// IngestReader is Ingest over an already open source. At most concurrency
// batches are in flight; reading blocks until one completes.
func (in *Ingestor) IngestReader(ctx context.Context, r io.Reader) (IngestResult, error) {
	start := time.Now()
	var res IngestResult

	br := bufio.NewReaderSize(r, 256*1024)
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	fields, err := cr.Read()
	if err != nil {
		return res, fmt.Errorf("read header: %w", err)
	}
	header, err := NewHeader(fields)
	if err != nil {
		return res, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)

	var (
		inserted atomic.Int64
		batches  int
		batch    = make([]*drug.RawUtilizationRecord, 0, in.batchSize)
	)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		recs := batch
		batch = make([]*drug.RawUtilizationRecord, 0, in.batchSize)
		batches++
		n := batches
		g.Go(func() error {
			t := time.Now()
			count, err := in.raw.InsertBatch(gctx, recs)
			in.metrics.ObserveBatch(time.Since(t))
			if err != nil {
				return fmt.Errorf("insert batch %d: %w", n, err)
			}
			total := inserted.Add(count)
			in.metrics.AddRowsInserted(count)
			if n%progressEvery == 0 {
				in.logger.Info().
					Int("batch", n).
					Int64("total_inserted", total).
					Dur("elapsed", time.Since(start)).
					Msg("ingest progress")
			}
			return nil
		})
	}

	var readErr error
	for gctx.Err() == nil {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				readErr = fmt.Errorf("read source: %w", err)
				break
			}
			res.Read++
			res.Dropped++
			continue
		}
		res.Read++
		row, ok := header.ParseRow(rec)
		if !ok {
			res.Dropped++
			continue
		}
		batch = append(batch, row)
		if len(batch) >= in.batchSize {
			flush()
		}
	}
	if readErr == nil && gctx.Err() == nil {
		flush()
	}

	err = g.Wait()
	res.Inserted = inserted.Load()
	res.Duration = time.Since(start)
	in.metrics.AddRowsRead(res.Read)
	in.metrics.AddRowsDropped(res.Dropped)
	if err != nil {
		return res, err
	}
	if readErr != nil {
		return res, readErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	in.logger.Info().
		Int("read", res.Read).
		Int64("inserted", res.Inserted).
		Int("dropped", res.Dropped).
		Dur("elapsed", res.Duration).
		Msg("ingest completed")
	return res, nil
}
