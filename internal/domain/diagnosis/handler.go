package diagnosis

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shia/shia/internal/domain/prediction"
	"github.com/shia/shia/internal/domain/review"
	"github.com/shia/shia/internal/platform/auth"
)

type Handler struct {
	svc      *Service
	sessions *review.Sessions
}

func NewHandler(svc *Service, sessions *review.Sessions) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients/:id", auth.RequireRole(auth.RoleReviewer))
	g.GET("/diagnosis", h.GetDiagnosis)
	g.POST("/diagnosis", h.SubmitDiagnosis)
	g.PUT("/diagnosis", h.ReviseDiagnosis)
	g.GET("/diagnosis/revision", h.GetRevisionForm)
	g.GET("/results", h.GetResults)
}

type diagnosisResponse struct {
	review.Diagnosis
	State State `json:"state"`
}

type revisionResponse struct {
	PatientID string `json:"patient_id"`
	State     State  `json:"state"`
	Form      Form   `json:"form"`
}

func (h *Handler) session(c echo.Context) (*review.Session, error) {
	sess, err := h.sessions.FromContext(c.Request().Context())
	if err != nil {
		return nil, review.SessionError(err)
	}
	return sess, nil
}

func (h *Handler) GetDiagnosis(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, diagnosisResponse{Diagnosis: d, State: Submitted})
}

func (h *Handler) SubmitDiagnosis(c echo.Context) error {
	var form Form
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Submit(c.Request().Context(), sess, c.Param("id"), form)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, diagnosisResponse{Diagnosis: d, State: Submitted})
}

func (h *Handler) ReviseDiagnosis(c echo.Context) error {
	var form Form
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Revise(c.Request().Context(), sess, c.Param("id"), form)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, diagnosisResponse{Diagnosis: d, State: Submitted})
}

func (h *Handler) GetRevisionForm(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	form, err := h.svc.RevisionForm(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, revisionResponse{PatientID: c.Param("id"), State: Revising, Form: form})
}

func (h *Handler) GetResults(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Results(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrIncomplete):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ErrIncomplete.Error())
	case errors.Is(err, ErrNoDiagnosis):
		return echo.NewHTTPError(http.StatusNotFound, ErrNoDiagnosis.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotesTooLong):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return prediction.HTTPError(err)
	}
}
