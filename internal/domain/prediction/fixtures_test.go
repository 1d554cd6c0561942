package prediction

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func samplePatient(id, truth, predicted string, n int) *PatientData {
	p := &PatientData{
		PatientID:     id,
		TrueDiagnosis: truth,
		TrueLabel:     truth,
		NumSlices:     n,
		IsCorrect:     truth == predicted,
		PatientPrediction: PatientPrediction{
			PredictedLabel: predicted,
			TotalSlices:    n,
			Confidence:     0.8,
		},
	}
	for i := 0; i < n; i++ {
		label := LabelCN
		if i%2 == 1 {
			label = LabelAD
		}
		p.SlicePredictions = append(p.SlicePredictions, SlicePrediction{
			SliceIndex:     i,
			SliceNumber:    100 + i,
			PredictedLabel: label,
			Confidence:     0.7,
			CNProb:         0.3,
			ADProb:         0.7,
			Original:       "slice_" + itoa(i) + ".png",
			Overlay:        "overlay_" + itoa(i) + ".png",
			CNOverlay:      "cn_" + itoa(i) + ".png",
			ADOverlay:      "ad_" + itoa(i) + ".png",
		})
		if label == LabelAD {
			p.PatientPrediction.ADVotes++
		} else {
			p.PatientPrediction.CNVotes++
		}
	}
	return p
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func writeJSON(t *testing.T, name string, v interface{}) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// writeTree lays out a predictions directory with a global document
// listing every patient.
func writeTree(t *testing.T, patients ...*PatientData) string {
	t.Helper()
	root := t.TempDir()
	global := GlobalPredictions{TotalPatients: len(patients), Threshold: 0.5, Patients: []PatientSummary{}}
	for _, p := range patients {
		global.Patients = append(global.Patients, PatientSummary{
			PatientID:     p.PatientID,
			TrueDiagnosis: p.TrueDiagnosis,
			NumSlices:     p.NumSlices,
			Prediction:    p.PatientPrediction.PredictedLabel,
			IsCorrect:     p.IsCorrect,
		})
		writeJSON(t, filepath.Join(root, "patients", p.PatientID, "predictions.json"), p)
	}
	writeJSON(t, filepath.Join(root, "predictions.json"), global)
	return root
}
