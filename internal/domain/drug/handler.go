package drug

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/drugs")
	g.GET("/search", h.Search)
	g.GET("/expensive", h.MostExpensive)
	g.GET("/cheap", h.LeastExpensive)
	g.GET("/:ndc/summary", h.Summary)
	g.GET("/:ndc/prices", h.Prices)
}

func (h *Handler) Search(c echo.Context) error {
	items, err := h.svc.Search(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		if errors.Is(err, ErrQueryRequired) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) MostExpensive(c echo.Context) error {
	items, err := h.svc.MostExpensive(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) LeastExpensive(c echo.Context) error {
	items, err := h.svc.LeastExpensive(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Summary(c echo.Context) error {
	ndc := strings.TrimSpace(c.Param("ndc"))
	if ndc == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ndc is required")
	}
	ps, err := h.svc.SummaryFor(c.Request().Context(), ndc)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ps)
}

// Prices accepts states either comma separated or as repeated parameters.
func (h *Handler) Prices(c echo.Context) error {
	ndc := strings.TrimSpace(c.Param("ndc"))
	if ndc == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ndc is required")
	}
	var states []string
	for _, v := range c.QueryParams()["states"] {
		states = append(states, strings.Split(v, ",")...)
	}
	items, err := h.svc.PricesFor(c.Request().Context(), ndc, states)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}
