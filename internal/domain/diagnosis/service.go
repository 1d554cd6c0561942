package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/shia/shia/internal/domain/prediction"
	"github.com/shia/shia/internal/domain/review"
	"github.com/shia/shia/internal/platform/middleware"
)

const maxNotesLength = 10000

var ErrNotesTooLong = errors.New("notes exceed 10000 characters")

type Service struct {
	predictions *prediction.Service
	logger      zerolog.Logger
}

func NewService(predictions *prediction.Service, logger zerolog.Logger) *Service {
	return &Service{predictions: predictions, logger: logger}
}

func cleanForm(f Form) (Form, error) {
	f.Notes = middleware.StripControl(f.Notes)
	if utf8.RuneCountInString(f.Notes) > maxNotesLength {
		return Form{}, ErrNotesTooLong
	}
	return f, nil
}

// Get returns the stored diagnosis of a patient.
func (s *Service) Get(ctx context.Context, store review.Store, patientID string) (review.Diagnosis, error) {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return review.Diagnosis{}, err
	}
	d, ok := store.Diagnosis(patient.PatientID)
	if !ok {
		return review.Diagnosis{}, ErrNoDiagnosis
	}
	return d, nil
}

// Submit commits a first diagnosis. A patient that already has one must
// go through Revise.
func (s *Service) Submit(ctx context.Context, store review.Store, patientID string, form Form) (review.Diagnosis, error) {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return review.Diagnosis{}, err
	}
	form, err = cleanForm(form)
	if err != nil {
		return review.Diagnosis{}, err
	}

	wf := NewWorkflow(store, patient.PatientID)
	if wf.State() == Submitted {
		return review.Diagnosis{}, fmt.Errorf("%w: diagnosis already submitted, revise it instead", ErrInvalidTransition)
	}
	if err := wf.Edit(form); err != nil {
		return review.Diagnosis{}, err
	}
	d, err := wf.Submit()
	if err != nil {
		return review.Diagnosis{}, err
	}
	s.logger.Info().Str("patient_id", d.PatientID).Str("diagnosis", string(d.Diagnosis)).
		Str("confidence", string(d.Confidence)).Msg("diagnosis submitted")
	return d, nil
}

// RevisionForm returns the revision form pre-populated from the stored
// diagnosis. Nothing is written.
func (s *Service) RevisionForm(ctx context.Context, store review.Store, patientID string) (Form, error) {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return Form{}, err
	}
	return NewWorkflow(store, patient.PatientID).BeginRevision()
}

// Revise replaces the stored diagnosis with form. The previous record is
// not kept.
func (s *Service) Revise(ctx context.Context, store review.Store, patientID string, form Form) (review.Diagnosis, error) {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return review.Diagnosis{}, err
	}
	form, err = cleanForm(form)
	if err != nil {
		return review.Diagnosis{}, err
	}

	wf := NewWorkflow(store, patient.PatientID)
	previous, err := wf.BeginRevision()
	if err != nil {
		return review.Diagnosis{}, err
	}
	if err := wf.Edit(form); err != nil {
		return review.Diagnosis{}, err
	}
	d, err := wf.Submit()
	if err != nil {
		return review.Diagnosis{}, err
	}
	s.logger.Info().Str("patient_id", d.PatientID).
		Str("previous_diagnosis", string(previous.Diagnosis)).Str("previous_confidence", string(previous.Confidence)).
		Str("diagnosis", string(d.Diagnosis)).Str("confidence", string(d.Confidence)).
		Msg("diagnosis revised")
	return d, nil
}

// SliceResult is one row of the slice-by-slice review.
type SliceResult struct {
	Index          int                    `json:"index"`
	SliceNumber    int                    `json:"slice_number"`
	PredictedLabel string                 `json:"predicted_label"`
	Confidence     float64                `json:"confidence"`
	CNProb         float64                `json:"cn_prob"`
	ADProb         float64                `json:"ad_prob"`
	Images         prediction.SliceImages `json:"images"`
	Annotation     *review.Annotation     `json:"annotation,omitempty"`
}

// Results is the full results view of a patient.
type Results struct {
	Comparison
	AnnotatedSlices int           `json:"annotated_slices"`
	Slices          []SliceResult `json:"slices"`
}

// Results compares the stored diagnosis with the model and the truth and
// lists every slice with its GradCAM overlay and saved drawing.
func (s *Service) Results(ctx context.Context, store review.Store, patientID string) (*Results, error) {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	d, ok := store.Diagnosis(patient.PatientID)
	if !ok {
		return nil, ErrNoDiagnosis
	}
	cmp, err := Compare(d, patient)
	if err != nil {
		return nil, err
	}

	annotations := store.Annotations(patient.PatientID)
	bySlice := make(map[int]review.Annotation, len(annotations))
	for _, a := range annotations {
		bySlice[a.SliceIndex] = a
	}

	res := &Results{Comparison: cmp, AnnotatedSlices: len(annotations), Slices: make([]SliceResult, 0, len(patient.SlicePredictions))}
	for _, sp := range patient.SlicePredictions {
		row := SliceResult{
			Index:          sp.SliceIndex,
			SliceNumber:    sp.SliceNumber,
			PredictedLabel: sp.PredictedLabel,
			Confidence:     sp.Confidence,
			CNProb:         sp.CNProb,
			ADProb:         sp.ADProb,
			Images:         s.predictions.Images(patient.PatientID, sp),
		}
		if a, ok := bySlice[sp.SliceIndex]; ok {
			row.Annotation = &a
		}
		res.Slices = append(res.Slices, row)
	}
	return res, nil
}
