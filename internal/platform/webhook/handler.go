package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medstock/medstock/pkg/pagination"
)

// Handler exposes endpoint management over HTTP.
type Handler struct {
	m *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{m: m}
}

// RegisterRoutes mounts the routes under /webhooks.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	wh := g.Group("/webhooks")
	wh.GET("", h.List)
	wh.POST("", h.Register)
	wh.GET("/deliveries", h.ListDeliveries)
	wh.GET("/:id", h.Get)
	wh.DELETE("/:id", h.Delete)
	wh.POST("/:id/pause", h.Pause)
	wh.POST("/:id/resume", h.Resume)
	wh.POST("/:id/test", h.Test)
	wh.GET("/:id/deliveries", h.ListDeliveries)
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// registerResponse reveals the secret once, at registration.
type registerResponse struct {
	Endpoint
	Secret string `json:"secret"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.m.Register(req.URL, req.Secret, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, registerResponse{Endpoint: *ep, Secret: ep.Secret})
}

func (h *Handler) List(c echo.Context) error {
	all := h.m.Endpoints()
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(all, pg), len(all), pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.m.Endpoint(c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.m.Remove(c.Param("id")); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Pause(c echo.Context) error {
	return h.status(c, h.m.Pause)
}

func (h *Handler) Resume(c echo.Context) error {
	return h.status(c, h.m.Resume)
}

func (h *Handler) status(c echo.Context, set func(string) error) error {
	id := c.Param("id")
	if err := set(id); err != nil {
		return toHTTP(err)
	}
	ep, err := h.m.Endpoint(id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Test(c echo.Context) error {
	d, err := h.m.Test(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	id := c.Param("id")
	if id != "" {
		if _, err := h.m.Endpoint(id); err != nil {
			return toHTTP(err)
		}
	}
	all := h.m.Deliveries(id)
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(all, pg), len(all), pg.Limit, pg.Offset))
}

func toHTTP(err error) error {
	if errors.Is(err, ErrEndpointNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
