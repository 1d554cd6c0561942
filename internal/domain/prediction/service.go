package prediction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// EmptyHint is shown when the global document lists no patients.
const EmptyHint = "no patient data found"

// Service exposes the prediction documents to the review API. It never
// caches: every call reads the source so a re-run of the pipeline is
// visible immediately.
type Service struct {
	source Source
	logger zerolog.Logger
}

func NewService(source Source, logger zerolog.Logger) *Service {
	return &Service{source: source, logger: logger}
}

// ListPatients returns the global document. A missing document is treated
// as an empty one.
func (s *Service) ListPatients(ctx context.Context) (*GlobalPredictions, error) {
	doc, err := s.source.Global(ctx)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn().Err(err).Msg("global predictions document missing")
		return &GlobalPredictions{Patients: []PatientSummary{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Patients == nil {
		doc.Patients = []PatientSummary{}
	}
	return doc, nil
}

func (s *Service) GetPatient(ctx context.Context, patientID string) (*PatientData, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: empty patient id", ErrNotFound)
	}
	return s.source.Patient(ctx, patientID)
}

// SliceImages are the resolved URLs of one slice's images.
type SliceImages struct {
	Original  string `json:"original"`
	Overlay   string `json:"overlay,omitempty"`
	CNOverlay string `json:"cn_overlay,omitempty"`
	ADOverlay string `json:"ad_overlay,omitempty"`
	GradCAM   string `json:"gradcam"`
}

// Images resolves every image reference of a slice.
func (s *Service) Images(patientID string, sp SlicePrediction) SliceImages {
	return SliceImages{
		Original:  s.source.SliceImageURL(patientID, sp.Original),
		Overlay:   s.source.SliceImageURL(patientID, sp.Overlay),
		CNOverlay: s.source.SliceImageURL(patientID, sp.CNOverlay),
		ADOverlay: s.source.SliceImageURL(patientID, sp.ADOverlay),
		GradCAM:   s.source.SliceImageURL(patientID, sp.GradCAMOverlay()),
	}
}

// SliceView is what the viewer shows for one slice.
type SliceView struct {
	PatientID  string          `json:"patient_id"`
	Index      int             `json:"index"`
	Requested  int             `json:"requested_index"`
	NumSlices  int             `json:"num_slices"`
	Prediction SlicePrediction `json:"prediction"`
	Images     SliceImages     `json:"images"`
}

// Slice loads the patient and returns the slice at the clamped index.
func (s *Service) Slice(ctx context.Context, patientID string, index int) (*PatientData, *SliceView, error) {
	patient, err := s.GetPatient(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}
	clamped := patient.ClampSlice(index)
	sp := patient.SlicePredictions[clamped]
	return patient, &SliceView{
		PatientID:  patient.PatientID,
		Index:      clamped,
		Requested:  index,
		NumSlices:  patient.NumSlices,
		Prediction: sp,
		Images:     s.Images(patient.PatientID, sp),
	}, nil
}

// CheckIssue is a per-patient document that failed to load.
type CheckIssue struct {
	PatientID string `json:"patient_id"`
	Error     string `json:"error"`
}

// CheckReport summarizes a full validation pass over the source.
type CheckReport struct {
	Patients  int          `json:"patients"`
	Valid     int          `json:"valid"`
	Slices    int          `json:"slices"`
	Malformed []CheckIssue `json:"malformed"`
	Missing   []CheckIssue `json:"missing"`
	Failed    []CheckIssue `json:"failed"`
}

// OK reports whether every listed patient loaded and validated.
func (r *CheckReport) OK() bool {
	return len(r.Malformed) == 0 && len(r.Missing) == 0 && len(r.Failed) == 0
}

// Check loads every patient listed in the global document and validates
// it. Only a failure to read the global document itself is an error.
func (s *Service) Check(ctx context.Context) (*CheckReport, error) {
	global, err := s.source.Global(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global predictions: %w", err)
	}

	report := &CheckReport{Patients: len(global.Patients)}
	for _, row := range global.Patients {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		patient, err := s.source.Patient(ctx, row.PatientID)
		issue := CheckIssue{PatientID: row.PatientID}
		switch {
		case errors.Is(err, ErrMalformed):
			issue.Error = err.Error()
			report.Malformed = append(report.Malformed, issue)
		case errors.Is(err, ErrNotFound):
			issue.Error = err.Error()
			report.Missing = append(report.Missing, issue)
		case err != nil:
			issue.Error = err.Error()
			report.Failed = append(report.Failed, issue)
		default:
			if row.NumSlices != 0 && row.NumSlices != patient.NumSlices {
				issue.Error = fmt.Sprintf("global document lists %d slices, patient document has %d", row.NumSlices, patient.NumSlices)
				report.Malformed = append(report.Malformed, issue)
				continue
			}
			report.Valid++
			report.Slices += patient.NumSlices
		}
	}
	return report, nil
}
