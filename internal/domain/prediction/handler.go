package prediction

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/shia/shia/internal/domain/review"
	"github.com/shia/shia/internal/platform/auth"
	"github.com/shia/shia/pkg/pagination"
)

type Handler struct {
	svc      *Service
	sessions *review.Sessions
}

func NewHandler(svc *Service, sessions *review.Sessions) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleReviewer))
	read.GET("/patients", h.ListPatients)
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/patients/:id/slices/:index", h.GetSlice)
}

// ReviewStatus is the session's progress on one patient.
type ReviewStatus struct {
	DiagnosisComplete bool              `json:"diagnosis_complete"`
	Diagnosis         review.Label      `json:"diagnosis,omitempty"`
	Confidence        review.Confidence `json:"confidence,omitempty"`
	AnnotatedSlices   []int             `json:"annotated_slices"`
	AnnotationSummary string            `json:"annotation_summary,omitempty"`
}

func statusOf(sess *review.Session, patientID string) ReviewStatus {
	st := ReviewStatus{AnnotatedSlices: sess.AnnotatedSlices(patientID)}
	if d, ok := sess.Diagnosis(patientID); ok {
		st.DiagnosisComplete = d.Complete()
		st.Diagnosis = d.Diagnosis
		st.Confidence = d.Confidence
	}
	if n := len(st.AnnotatedSlices); n > 0 {
		st.AnnotationSummary = fmt.Sprintf("%d slice(s) with drawings", n)
	}
	return st
}

// PatientRow is one entry of the patient list.
type PatientRow struct {
	PatientSummary
	Review ReviewStatus `json:"review"`
}

func (h *Handler) ListPatients(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := h.sessions.FromContext(ctx)
	if err != nil {
		return review.SessionError(err)
	}
	global, err := h.svc.ListPatients(ctx)
	if err != nil {
		return HTTPError(err)
	}

	p := pagination.FromContext(c)
	start, end := p.Window(len(global.Patients))
	rows := make([]PatientRow, 0, end-start)
	for _, summary := range global.Patients[start:end] {
		rows = append(rows, PatientRow{PatientSummary: summary, Review: statusOf(sess, summary.PatientID)})
	}

	resp := pagination.NewResponse(rows, len(global.Patients), p.Limit, p.Offset)
	if len(global.Patients) == 0 {
		resp.Message = EmptyHint
	}
	return c.JSON(http.StatusOK, resp)
}

type patientResponse struct {
	*PatientData
	Review ReviewStatus `json:"review"`
}

func (h *Handler) GetPatient(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := h.sessions.FromContext(ctx)
	if err != nil {
		return review.SessionError(err)
	}
	patient, err := h.svc.GetPatient(ctx, c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, patientResponse{PatientData: patient, Review: statusOf(sess, patient.PatientID)})
}

type sliceResponse struct {
	*SliceView
	Annotation      *review.Annotation `json:"annotation,omitempty"`
	AnnotatedSlices []int              `json:"annotated_slices"`
}

// GetSlice returns the slice at the requested index, clamped into range.
func (h *Handler) GetSlice(c echo.Context) error {
	ctx := c.Request().Context()
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid slice index")
	}
	sess, err := h.sessions.FromContext(ctx)
	if err != nil {
		return review.SessionError(err)
	}
	_, view, err := h.svc.Slice(ctx, c.Param("id"), index)
	if err != nil {
		return HTTPError(err)
	}

	resp := sliceResponse{SliceView: view, AnnotatedSlices: sess.AnnotatedSlices(view.PatientID)}
	if a, ok := sess.Annotation(view.PatientID, view.Index); ok {
		resp.Annotation = &a
	}
	return c.JSON(http.StatusOK, resp)
}

// HTTPError maps a prediction error to an HTTP response.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrMalformed):
		return echo.NewHTTPError(http.StatusBadGateway, "prediction data is malformed")
	default:
		return echo.NewHTTPError(http.StatusBadGateway, "failed to load prediction data")
	}
}
