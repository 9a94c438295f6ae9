package settings

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mediqueue/mediqueue/internal/platform/auth"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the public read route on public and the write routes
// on staff.
func (h *Handler) RegisterRoutes(public *echo.Group, staff *echo.Group) {
	public.GET("/settings", h.GetSettings)

	doctor := staff.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.PUT("/settings", h.UpdateSettings)
	doctor.POST("/settings/delay", h.AdjustDelay)
}

func (h *Handler) GetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Get())
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var u Update
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cur, err := h.store.Apply(c.Request().Context(), u)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cur)
}

// AdjustDelay applies {delta} minutes to the delay offset. A missing delta
// means one step forward.
func (h *Handler) AdjustDelay(c echo.Context) error {
	var body struct {
		Delta *int `json:"delta"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	delta := DelayStep
	if body.Delta != nil {
		delta = *body.Delta
	}
	return c.JSON(http.StatusOK, h.store.AdjustDelay(c.Request().Context(), delta))
}
