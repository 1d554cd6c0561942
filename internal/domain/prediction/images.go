package prediction

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shia/shia/internal/platform/auth"
)

// ImageHandler serves the slice images of a DirSource. Nothing else under
// the prediction directory is reachable, so the prediction documents and
// their ground truth stay behind the API.
type ImageHandler struct {
	dir *DirSource
}

func NewImageHandler(dir *DirSource) *ImageHandler {
	return &ImageHandler{dir: dir}
}

// RegisterRoutes mounts the image route on g, which is expected to carry
// the authentication middleware.
func (h *ImageHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/patients/:id/slices/:file", h.GetSliceImage, auth.RequireRole(auth.RoleReviewer))
}

func (h *ImageHandler) GetSliceImage(c echo.Context) error {
	name, err := h.dir.SliceImagePath(c.Param("id"), c.Param("file"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "image not found")
	}
	return c.File(name)
}
