package annotation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/shia/shia/internal/domain/prediction"
	"github.com/shia/shia/internal/domain/review"
	"github.com/shia/shia/internal/platform/auth"
)

const maxThumbnailWidth = 2048

type Handler struct {
	svc      *Service
	sessions *review.Sessions
}

func NewHandler(svc *Service, sessions *review.Sessions) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients/:id", auth.RequireRole(auth.RoleReviewer))
	g.GET("/annotations", h.ListAnnotations)
	g.GET("/slices/:index/annotation", h.GetAnnotation)
	g.PUT("/slices/:index/annotation", h.SaveAnnotation)
	g.DELETE("/slices/:index/annotation", h.ClearAnnotation)
	g.GET("/slices/:index/annotation/raster", h.GetRaster)
}

// SaveRequest is the body of a save. Paths is the drawing surface's
// serialized stroke list; ImageData is an optional PNG data URL.
type SaveRequest struct {
	Paths     json.RawMessage `json:"paths"`
	ImageData string          `json:"image_data"`
}

func (h *Handler) ListAnnotations(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := h.sessions.FromContext(ctx)
	if err != nil {
		return review.SessionError(err)
	}
	list, err := h.svc.List(ctx, sess, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":  c.Param("id"),
		"annotations": list,
		"total":       len(list),
	})
}

func (h *Handler) GetAnnotation(c echo.Context) error {
	ctx := c.Request().Context()
	index, err := sliceIndex(c)
	if err != nil {
		return err
	}
	sess, err := h.sessions.FromContext(ctx)
	if err != nil {
		return review.SessionError(err)
	}
	a, err := h.svc.Get(ctx, sess, c.Param("id"), index)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) SaveAnnotation(c echo.Context) error {
	ctx := c.Request().Context()
	index, err := sliceIndex(c)
	if err != nil {
		return err
	}
	var req SaveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.sessions.FromContext(ctx)
	if err != nil {
		return review.SessionError(err)
	}

	a, saved, err := h.svc.Save(ctx, sess, c.Param("id"), index, req.Paths, req.ImageData)
	if err != nil {
		return httpError(err)
	}
	if !saved {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ClearAnnotation(c echo.Context) error {
	ctx := c.Request().Context()
	index, err := sliceIndex(c)
	if err != nil {
		return err
	}
	sess, err := h.sessions.FromContext(ctx)
	if err != nil {
		return review.SessionError(err)
	}
	if err := h.svc.Clear(ctx, sess, c.Param("id"), index); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetRaster(c echo.Context) error {
	ctx := c.Request().Context()
	index, err := sliceIndex(c)
	if err != nil {
		return err
	}
	width := 0
	if w := c.QueryParam("width"); w != "" {
		width, err = strconv.Atoi(w)
		if err != nil || width <= 0 || width > maxThumbnailWidth {
			return echo.NewHTTPError(http.StatusBadRequest, "width must be between 1 and 2048")
		}
	}
	sess, err := h.sessions.FromContext(ctx)
	if err != nil {
		return review.SessionError(err)
	}
	data, err := h.svc.Raster(ctx, sess, c.Param("id"), index, width)
	if err != nil {
		return httpError(err)
	}
	return c.Blob(http.StatusOK, "image/png", data)
}

func sliceIndex(c echo.Context) (int, error) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid slice index")
	}
	return index, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSliceOutOfRange):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidPaths), errors.Is(err, ErrInvalidImage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoAnnotation):
		return echo.NewHTTPError(http.StatusNotFound, "no annotation for slice")
	default:
		return prediction.HTTPError(err)
	}
}
