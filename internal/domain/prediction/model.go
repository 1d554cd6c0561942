package prediction

import (
	"fmt"
	"sort"
)

// Diagnosis labels used by the prediction pipeline and by reviewers.
const (
	LabelCN = "CN"
	LabelAD = "AD"
)

// GlobalPredictions is the top-level predictions.json document.
type GlobalPredictions struct {
	TotalPatients int              `json:"total_patients"`
	Threshold     float64          `json:"threshold"`
	Patients      []PatientSummary `json:"patients"`
}

// PatientSummary is one row of the global document.
type PatientSummary struct {
	PatientID     string  `json:"patient_id"`
	TrueDiagnosis string  `json:"true_diagnosis"`
	TrueLabel     string  `json:"true_label"`
	NumSlices     int     `json:"num_slices"`
	Prediction    string  `json:"prediction"`
	Confidence    float64 `json:"confidence"`
	ADVotes       int     `json:"ad_votes"`
	CNVotes       int     `json:"cn_votes"`
	IsCorrect     bool    `json:"is_correct"`
	AvgADProb     float64 `json:"avg_ad_prob"`
}

// PatientPrediction is the aggregate model output for a patient.
type PatientPrediction struct {
	Prediction     int     `json:"prediction"`
	PredictedLabel string  `json:"predicted_label"`
	ADVotes        int     `json:"ad_votes"`
	CNVotes        int     `json:"cn_votes"`
	TotalSlices    int     `json:"total_slices"`
	Confidence     float64 `json:"confidence"`
	AvgADProb      float64 `json:"avg_ad_prob"`
	MaxADProb      float64 `json:"max_ad_prob"`
	MinADProb      float64 `json:"min_ad_prob"`
	StdADProb      float64 `json:"std_ad_prob"`
}

// SlicePrediction is the model output for one MRI slice. Image fields are
// file names relative to the patient's slice directory.
type SlicePrediction struct {
	SliceIndex     int     `json:"slice_index"`
	SliceNumber    int     `json:"slice_number"`
	PredictedClass int     `json:"predicted_class"`
	PredictedLabel string  `json:"predicted_label"`
	Confidence     float64 `json:"confidence"`
	CNProb         float64 `json:"cn_prob"`
	ADProb         float64 `json:"ad_prob"`
	Original       string  `json:"original"`
	Overlay        string  `json:"overlay"`
	CNOverlay      string  `json:"cn_overlay"`
	ADOverlay      string  `json:"ad_overlay"`
}

// GradCAMOverlay picks the class overlay matching the slice's own predicted
// label, not the patient-level prediction.
func (s SlicePrediction) GradCAMOverlay() string {
	if s.PredictedLabel == LabelAD {
		return s.ADOverlay
	}
	return s.CNOverlay
}

// PatientData is the per-patient predictions.json document.
type PatientData struct {
	PatientID         string            `json:"patient_id"`
	TrueDiagnosis     string            `json:"true_diagnosis"`
	TrueLabel         string            `json:"true_label"`
	NumSlices         int               `json:"num_slices"`
	PatientPrediction PatientPrediction `json:"patient_prediction"`
	IsCorrect         bool              `json:"is_correct"`
	SlicePredictions  []SlicePrediction `json:"slice_predictions"`
}

// Validate checks the document invariants: a positive slice count,
// probabilities within [0,1], and slice indexes forming exactly
// [0, num_slices). On success the slices are ordered by index.
func (p *PatientData) Validate() error {
	if p.PatientID == "" {
		return fmt.Errorf("%w: missing patient_id", ErrMalformed)
	}
	if p.NumSlices <= 0 {
		return fmt.Errorf("%w: patient %s: num_slices must be positive, got %d", ErrMalformed, p.PatientID, p.NumSlices)
	}
	if len(p.SlicePredictions) != p.NumSlices {
		return fmt.Errorf("%w: patient %s: %d slice predictions for %d slices",
			ErrMalformed, p.PatientID, len(p.SlicePredictions), p.NumSlices)
	}
	if !unitInterval(p.PatientPrediction.Confidence) {
		return fmt.Errorf("%w: patient %s: confidence %v outside [0,1]", ErrMalformed, p.PatientID, p.PatientPrediction.Confidence)
	}

	seen := make([]bool, p.NumSlices)
	for _, s := range p.SlicePredictions {
		if s.SliceIndex < 0 || s.SliceIndex >= p.NumSlices {
			return fmt.Errorf("%w: patient %s: slice_index %d outside [0,%d)", ErrMalformed, p.PatientID, s.SliceIndex, p.NumSlices)
		}
		if seen[s.SliceIndex] {
			return fmt.Errorf("%w: patient %s: duplicate slice_index %d", ErrMalformed, p.PatientID, s.SliceIndex)
		}
		seen[s.SliceIndex] = true
		if !unitInterval(s.Confidence) || !unitInterval(s.CNProb) || !unitInterval(s.ADProb) {
			return fmt.Errorf("%w: patient %s: slice %d probability outside [0,1]", ErrMalformed, p.PatientID, s.SliceIndex)
		}
	}

	sort.Slice(p.SlicePredictions, func(i, j int) bool {
		return p.SlicePredictions[i].SliceIndex < p.SlicePredictions[j].SliceIndex
	})
	return nil
}

// ClampSlice maps any requested index into [0, num_slices-1]. Stale or
// out-of-range indexes are clamped rather than rejected.
func (p *PatientData) ClampSlice(index int) int {
	return ClampIndex(index, p.NumSlices)
}

// Slice returns the prediction for a clamped index.
func (p *PatientData) Slice(index int) SlicePrediction {
	return p.SlicePredictions[p.ClampSlice(index)]
}

// InRange reports whether index addresses an existing slice.
func (p *PatientData) InRange(index int) bool {
	return index >= 0 && index < p.NumSlices
}

// ClampIndex clamps index into [0, n-1]; n <= 0 yields 0.
func ClampIndex(index, n int) int {
	if n <= 0 || index < 0 {
		return 0
	}
	if index >= n {
		return n - 1
	}
	return index
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
