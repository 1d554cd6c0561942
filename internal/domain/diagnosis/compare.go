package diagnosis

import (
	"fmt"

	"github.com/shia/shia/internal/domain/prediction"
	"github.com/shia/shia/internal/domain/review"
)

// DoctorResult is the reviewer's side of the comparison.
type DoctorResult struct {
	Diagnosis  review.Label      `json:"diagnosis"`
	Confidence review.Confidence `json:"confidence"`
	Notes      string            `json:"notes"`
	Correct    bool              `json:"correct"`
}

// ModelResult is the pipeline's side. Correct is the document's
// is_correct flag as given, never recomputed.
type ModelResult struct {
	PredictedLabel string  `json:"predicted_label"`
	Confidence     float64 `json:"confidence"`
	ADVotes        int     `json:"ad_votes"`
	CNVotes        int     `json:"cn_votes"`
	TotalSlices    int     `json:"total_slices"`
	Votes          string  `json:"votes"`
	Correct        bool    `json:"correct"`
}

type TruthResult struct {
	Diagnosis string `json:"diagnosis"`
	Label     string `json:"label"`
}

// Comparison sets a committed diagnosis against the model and the truth.
type Comparison struct {
	PatientID      string       `json:"patient_id"`
	Doctor         DoctorResult `json:"doctor"`
	Model          ModelResult  `json:"model"`
	Truth          TruthResult  `json:"truth"`
	DoctorAgreesAI bool         `json:"doctor_agrees_with_model"`
}

// Compare requires a complete diagnosis.
func Compare(d review.Diagnosis, p *prediction.PatientData) (Comparison, error) {
	if !d.Complete() {
		return Comparison{}, ErrIncomplete
	}
	pp := p.PatientPrediction
	return Comparison{
		PatientID: p.PatientID,
		Doctor: DoctorResult{
			Diagnosis:  d.Diagnosis,
			Confidence: d.Confidence,
			Notes:      d.Notes,
			Correct:    string(d.Diagnosis) == p.TrueDiagnosis,
		},
		Model: ModelResult{
			PredictedLabel: pp.PredictedLabel,
			Confidence:     pp.Confidence,
			ADVotes:        pp.ADVotes,
			CNVotes:        pp.CNVotes,
			TotalSlices:    pp.TotalSlices,
			Votes:          fmt.Sprintf("%d / %d", pp.ADVotes, pp.TotalSlices),
			Correct:        p.IsCorrect,
		},
		Truth:          TruthResult{Diagnosis: p.TrueDiagnosis, Label: p.TrueLabel},
		DoctorAgreesAI: string(d.Diagnosis) == pp.PredictedLabel,
	}, nil
}
