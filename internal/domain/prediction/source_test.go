package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDirSource_LoadsDocuments(t *testing.T) {
	root := writeTree(t, samplePatient("P001", LabelCN, LabelAD, 4))
	src := NewDirSource(root, "/data")
	ctx := context.Background()

	global, err := src.Global(ctx)
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if len(global.Patients) != 1 || global.Patients[0].PatientID != "P001" {
		t.Errorf("unexpected global document %+v", global)
	}

	p, err := src.Patient(ctx, "P001")
	if err != nil {
		t.Fatalf("patient: %v", err)
	}
	if p.NumSlices != 4 {
		t.Errorf("expected 4 slices, got %d", p.NumSlices)
	}

	if got := src.SliceImageURL("P001", "slice_0.png"); got != "/data/patients/P001/slices/slice_0.png" {
		t.Errorf("unexpected image url %s", got)
	}
	if got := src.SliceImageURL("P001", ""); got != "" {
		t.Errorf("expected empty url for missing file, got %s", got)
	}
}

func TestDirSource_Errors(t *testing.T) {
	root := writeTree(t)
	src := NewDirSource(root, "/data")
	ctx := context.Background()

	if _, err := src.Patient(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	for _, id := range []string{"..", "../etc", "a/b", ""} {
		if _, err := src.Patient(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("id %q: expected ErrNotFound, got %v", id, err)
		}
	}

	dir := filepath.Join(root, "patients", "BAD")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "predictions.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Patient(ctx, "BAD"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}

	gap := samplePatient("GAP", LabelCN, LabelCN, 3)
	gap.SlicePredictions[2].SliceIndex = 5
	writeJSON(t, filepath.Join(root, "patients", "GAP", "predictions.json"), gap)
	if _, err := src.Patient(ctx, "GAP"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for non-contiguous slices, got %v", err)
	}
}

func TestDirSource_RejectsMisfiledPatient(t *testing.T) {
	root := writeTree(t)
	writeJSON(t, filepath.Join(root, "patients", "P001", "predictions.json"), samplePatient("P009", LabelCN, LabelAD, 2))
	src := NewDirSource(root, "/data")

	if _, err := src.Patient(context.Background(), "P001"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for mismatched patient_id, got %v", err)
	}
}

func TestDirSource_SliceImagePath(t *testing.T) {
	root := writeTree(t, samplePatient("P001", LabelCN, LabelAD, 2))
	slices := filepath.Join(root, "patients", "P001", "slices")
	if err := os.MkdirAll(filepath.Join(slices, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(slices, "slice_0.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewDirSource(root, "/data")

	got, err := src.SliceImagePath("P001", "slice_0.png")
	if err != nil || got != filepath.Join(slices, "slice_0.png") {
		t.Errorf("slice image: got %q, %v", got, err)
	}
	for _, tt := range []struct{ id, file string }{
		{"P001", "missing.png"},
		{"P001", "nested"},
		{"P001", ".."},
		{"P001", "../predictions.json"},
		{"..", "predictions.json"},
		{"P001", ""},
	} {
		if _, err := src.SliceImagePath(tt.id, tt.file); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s/%s: expected ErrNotFound, got %v", tt.id, tt.file, err)
		}
	}
}

func TestHTTPSource_LoadsDocuments(t *testing.T) {
	patient := samplePatient("P002", LabelAD, LabelAD, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/results/predictions.json":
			json.NewEncoder(w).Encode(GlobalPredictions{TotalPatients: 1, Patients: []PatientSummary{{PatientID: "P002"}}})
		case "/results/patients/P002/predictions.json":
			json.NewEncoder(w).Encode(patient)
		case "/results/patients/BROKEN/predictions.json":
			w.WriteHeader(http.StatusInternalServerError)
		case "/results/patients/ALIAS/predictions.json":
			json.NewEncoder(w).Encode(patient)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL+"/results", time.Second)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	ctx := context.Background()

	global, err := src.Global(ctx)
	if err != nil || global.TotalPatients != 1 {
		t.Fatalf("global: %+v, %v", global, err)
	}
	p, err := src.Patient(ctx, "P002")
	if err != nil || p.NumSlices != 2 {
		t.Fatalf("patient: %+v, %v", p, err)
	}
	if _, err := src.Patient(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := src.Patient(ctx, "BROKEN"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if _, err := src.Patient(ctx, "ALIAS"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for mismatched patient_id, got %v", err)
	}

	url := src.SliceImageURL("P002", "slice_1.png")
	if !strings.HasSuffix(url, "/results/patients/P002/slices/slice_1.png") || !strings.HasPrefix(url, srv.URL) {
		t.Errorf("unexpected image url %s", url)
	}
}

func TestHTTPSource_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	src, _ := NewHTTPSource(base, 200*time.Millisecond)
	if _, err := src.Global(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewHTTPSource_RejectsScheme(t *testing.T) {
	if _, err := NewHTTPSource("ftp://example.com", time.Second); err == nil {
		t.Error("expected error for ftp scheme")
	}
}
