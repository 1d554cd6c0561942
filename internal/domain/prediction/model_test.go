package prediction

import (
	"errors"
	"testing"
)

func TestPatientData_ValidateSortsSlices(t *testing.T) {
	p := samplePatient("P001", LabelAD, LabelAD, 3)
	p.SlicePredictions[0], p.SlicePredictions[2] = p.SlicePredictions[2], p.SlicePredictions[0]

	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, s := range p.SlicePredictions {
		if s.SliceIndex != i {
			t.Errorf("position %d holds slice %d", i, s.SliceIndex)
		}
	}
}

func TestPatientData_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *PatientData)
	}{
		{"missing id", func(p *PatientData) { p.PatientID = "" }},
		{"zero slices", func(p *PatientData) { p.NumSlices = 0 }},
		{"count mismatch", func(p *PatientData) { p.NumSlices = 4 }},
		{"duplicate index", func(p *PatientData) { p.SlicePredictions[1].SliceIndex = 0 }},
		{"gap", func(p *PatientData) { p.SlicePredictions[2].SliceIndex = 3 }},
		{"negative index", func(p *PatientData) { p.SlicePredictions[0].SliceIndex = -1 }},
		{"probability above one", func(p *PatientData) { p.SlicePredictions[1].ADProb = 1.2 }},
		{"negative confidence", func(p *PatientData) { p.PatientPrediction.Confidence = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePatient("P001", LabelCN, LabelCN, 3)
			tt.mutate(p)
			if err := p.Validate(); !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestClampIndex(t *testing.T) {
	tests := []struct {
		index, n, want int
	}{
		{0, 5, 0},
		{4, 5, 4},
		{5, 5, 4},
		{99, 5, 4},
		{-1, 5, 0},
		{3, 0, 0},
	}
	for _, tt := range tests {
		if got := ClampIndex(tt.index, tt.n); got != tt.want {
			t.Errorf("ClampIndex(%d, %d) = %d, want %d", tt.index, tt.n, got, tt.want)
		}
	}
}

func TestPatientData_SliceClamps(t *testing.T) {
	p := samplePatient("P001", LabelCN, LabelCN, 3)
	if got := p.Slice(10).SliceIndex; got != 2 {
		t.Errorf("expected last slice, got %d", got)
	}
	if p.InRange(3) || !p.InRange(2) || p.InRange(-1) {
		t.Error("InRange disagrees with [0, num_slices)")
	}
}

func TestSlicePrediction_GradCAMOverlayFollowsSliceLabel(t *testing.T) {
	s := SlicePrediction{PredictedLabel: LabelAD, CNOverlay: "cn.png", ADOverlay: "ad.png"}
	if got := s.GradCAMOverlay(); got != "ad.png" {
		t.Errorf("expected ad overlay, got %s", got)
	}
	s.PredictedLabel = LabelCN
	if got := s.GradCAMOverlay(); got != "cn.png" {
		t.Errorf("expected cn overlay, got %s", got)
	}
}
