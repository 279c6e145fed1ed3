package pipeline

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/drugprice/drugprice/internal/domain/drug"
	"github.com/drugprice/drugprice/pkg/pagination"
)

const defaultRawByNDCLimit = 100

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the admin endpoints. Authentication is applied by the
// caller on the group.
func (h *Handler) RegisterRoutes(admin *echo.Group) {
	admin.POST("/import", h.Import)
	admin.POST("/optimize", h.Optimize)
	admin.POST("/clear", h.Clear)
	admin.GET("/stats", h.Stats)
	admin.GET("/status", h.Status)
	admin.GET("/definitions", h.ListDefinitions)
	admin.GET("/prices", h.ListPrices)
	admin.GET("/summaries", h.ListSummaries)
	admin.GET("/raw", h.ListRaw)
	admin.GET("/raw/:ndc", h.RawByNDC)
}

func runError(err error) error {
	if errors.Is(err, ErrRunInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) Import(c echo.Context) error {
	run, err := h.svc.Import(c.Request().Context())
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) Optimize(c echo.Context) error {
	run, err := h.svc.Optimize(c.Request().Context())
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) Clear(c echo.Context) error {
	if err := h.svc.Clear(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Status(c echo.Context) error {
	run := h.svc.Status()
	if run == nil {
		return c.JSON(http.StatusOK, map[string]State{"state": StateIdle})
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListDefinitions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDefinitions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListPrices(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPrices(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListSummaries(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSummaries(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListRaw(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRaw(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) RawByNDC(c echo.Context) error {
	ndc := strings.TrimSpace(c.Param("ndc"))
	if ndc == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ndc is required")
	}
	limit := defaultRawByNDCLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		if n < limit {
			limit = n
		}
	}
	items, err := h.svc.RawByNDC(c.Request().Context(), ndc, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*drug.RawUtilizationRecord{}
	}
	return c.JSON(http.StatusOK, items)
}
