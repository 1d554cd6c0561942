package prediction

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestImageHandler_GetSliceImage(t *testing.T) {
	root := writeTree(t, samplePatient("P001", LabelCN, LabelAD, 2))
	slices := filepath.Join(root, "patients", "P001", "slices")
	if err := os.MkdirAll(slices, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(slices, "slice_0.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewImageHandler(NewDirSource(root, "/data"))

	tests := []struct {
		name     string
		id, file string
		wantCode int
	}{
		{"slice image", "P001", "slice_0.png", http.StatusOK},
		{"missing image", "P001", "slice_9.png", http.StatusNotFound},
		{"prediction document", "P001", "../predictions.json", http.StatusNotFound},
		{"parent id", "..", "predictions.json", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id", "file")
			c.SetParamValues(tt.id, tt.file)

			err := h.GetSliceImage(c)
			if tt.wantCode == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.Body.String() != "png" {
					t.Errorf("unexpected body %q", rec.Body.String())
				}
				return
			}
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != tt.wantCode {
				t.Errorf("expected %d, got %v", tt.wantCode, err)
			}
		})
	}
}
