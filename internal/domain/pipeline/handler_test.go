package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/drugprice/drugprice/internal/domain/drug"
)

func newTestHandler(t *testing.T, source string) (*Handler, *testStores, *echo.Echo) {
	ts := newTestStores()
	svc, _ := newTestService(t, ts, source)
	return NewHandler(svc), ts, echo.New()
}

func TestHandler_StatusBeforeAnyRun(t *testing.T) {
	h, _, e := newTestHandler(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v2/admin/status", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"state":"idle"`) {
		t.Errorf("expected idle state, got %s", rec.Body.String())
	}
}

func TestHandler_Import(t *testing.T) {
	h, ts, e := newTestHandler(t, sampleSource(t))

	req := httptest.NewRequest(http.MethodPost, "/api/v2/admin/import", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Import(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var run Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.State != StateDone || run.Operation != OpImport {
		t.Errorf("unexpected run: %+v", run)
	}
	if len(ts.sums.sums) == 0 {
		t.Error("expected summaries written")
	}
}

func TestHandler_OptimizeConflict(t *testing.T) {
	h, ts, e := newTestHandler(t, "")
	ts.raw.scanGate = make(chan struct{})
	seedRaw(ts, rawRow("A", "CA", "ALPHA", 2024, 1, 10, 100))

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Optimize(httptest.NewRequest(http.MethodPost, "/", nil).Context())
		done <- err
	}()
	waitForState(t, h.svc, StateAggregating)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/admin/optimize", nil)
	rec := httptest.NewRecorder()
	err := h.Optimize(e.NewContext(req, rec))

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Errorf("expected 409 HTTPError, got %v", err)
	}

	close(ts.raw.scanGate)
	if err := <-done; err != nil {
		t.Fatalf("background run failed: %v", err)
	}
}

func TestHandler_ImportFailureIs500(t *testing.T) {
	h, ts, e := newTestHandler(t, sampleSource(t))
	ts.raw.insertErr = errors.New("insert failed")

	req := httptest.NewRequest(http.MethodPost, "/api/v2/admin/import", nil)
	rec := httptest.NewRecorder()
	err := h.Import(e.NewContext(req, rec))

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 HTTPError, got %v", err)
	}
}

func TestHandler_ClearAndStats(t *testing.T) {
	h, ts, e := newTestHandler(t, "")
	ts.defs.defs = []*drug.DrugDefinition{{NDC: "A"}}

	req := httptest.NewRequest(http.MethodPost, "/api/v2/admin/clear", nil)
	rec := httptest.NewRecorder()
	if err := h.Clear(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v2/admin/stats", nil)
	rec = httptest.NewRecorder()
	if err := h.Stats(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st drug.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st != (drug.Stats{}) {
		t.Errorf("expected empty stats, got %+v", st)
	}
}

func TestHandler_ListDefinitionsPaginated(t *testing.T) {
	h, ts, e := newTestHandler(t, "")
	ts.defs.defs = []*drug.DrugDefinition{{NDC: "A"}, {NDC: "B"}, {NDC: "C"}}

	req := httptest.NewRequest(http.MethodGet, "/api/v2/admin/definitions?limit=2", nil)
	rec := httptest.NewRecorder()
	if err := h.ListDefinitions(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Data       []drug.DrugDefinition `json:"data"`
		Total      int                   `json:"total"`
		HasMore    bool                  `json:"has_more"`
		NextOffset *int                  `json:"next_offset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 2 || body.Total != 3 || !body.HasMore {
		t.Errorf("unexpected page: %+v", body)
	}
	if body.NextOffset == nil || *body.NextOffset != 2 {
		t.Errorf("expected next offset 2, got %v", body.NextOffset)
	}
}

func TestHandler_ListSummariesEmpty(t *testing.T) {
	h, _, e := newTestHandler(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v2/admin/summaries", nil)
	rec := httptest.NewRecorder()
	if err := h.ListSummaries(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}

func TestHandler_RawByNDC(t *testing.T) {
	h, ts, e := newTestHandler(t, "")
	seedRaw(ts,
		rawRow("A", "CA", "ALPHA", 2024, 1, 10, 100),
		rawRow("A", "TX", "ALPHA", 2024, 1, 10, 100),
		rawRow("B", "CA", "BETA", 2024, 1, 10, 100),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v2/admin/raw/A?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("ndc")
	c.SetParamValues("A")

	if err := h.RawByNDC(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rows []drug.RawUtilizationRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].NDC != "A" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestHandler_RawByNDC_InvalidLimit(t *testing.T) {
	h, _, e := newTestHandler(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v2/admin/raw/A?limit=abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("ndc")
	c.SetParamValues("A")

	err := h.RawByNDC(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 HTTPError, got %v", err)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler(t, "")
	h.RegisterRoutes(e.Group("/api/v2/admin"))

	registered := map[string]bool{}
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, route := range []string{
		"POST /api/v2/admin/import",
		"POST /api/v2/admin/optimize",
		"POST /api/v2/admin/clear",
		"GET /api/v2/admin/stats",
		"GET /api/v2/admin/status",
		"GET /api/v2/admin/summaries",
		"GET /api/v2/admin/raw/:ndc",
	} {
		if !registered[route] {
			t.Errorf("route %s not registered", route)
		}
	}
}
