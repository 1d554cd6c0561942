package annotation

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/shia/shia/internal/domain/prediction"
	"github.com/shia/shia/internal/domain/review"
	"github.com/shia/shia/internal/platform/auth"
)

// writePatient lays out a minimal predictions directory with one patient.
func writePatient(t *testing.T, id string, numSlices int) string {
	t.Helper()
	root := t.TempDir()
	p := prediction.PatientData{PatientID: id, TrueDiagnosis: "CN", NumSlices: numSlices}
	for i := 0; i < numSlices; i++ {
		p.SlicePredictions = append(p.SlicePredictions, prediction.SlicePrediction{SliceIndex: i, PredictedLabel: "CN"})
	}
	dir := filepath.Join(root, "patients", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(p)
	if err := os.WriteFile(filepath.Join(dir, "predictions.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func newTestHandler(t *testing.T) (*Handler, *review.Sessions) {
	t.Helper()
	root := writePatient(t, "P001", 4)
	preds := prediction.NewService(prediction.NewDirSource(root, "/data"), zerolog.Nop())
	sessions := review.NewSessions(nil, nil, zerolog.Nop())
	return NewHandler(NewService(preds, 64, 64, zerolog.Nop()), sessions), sessions
}

func newRequest(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(auth.WithSession(req.Context(), "dr-a", "sess-1", auth.RoleReviewer))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withSlice(c echo.Context, id, index string) {
	c.SetParamNames("id", "index")
	c.SetParamValues(id, index)
}

func errCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

const strokeBody = `{"paths":[{"drawMode":true,"strokeColor":"#FF0000","strokeWidth":4,"paths":[{"x":5,"y":5},{"x":40,"y":40}]}]}`

func TestHandler_SaveRendersSnapshot(t *testing.T) {
	h, sessions := newTestHandler(t)
	c, rec := newRequest(http.MethodPut, "/api/v1/patients/P001/slices/2/annotation", strokeBody)
	withSlice(c, "P001", "2")

	if err := h.SaveAnnotation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sess, _ := sessions.Open(context.Background(), "sess-1")
	a, ok := sess.Annotation("P001", 2)
	if !ok {
		t.Fatal("annotation not stored")
	}
	if !strings.HasPrefix(a.ImageData, "data:image/png;base64,") {
		t.Errorf("expected rendered png snapshot, got %.30s", a.ImageData)
	}
}

func TestHandler_SaveKeepsClientSnapshot(t *testing.T) {
	h, sessions := newTestHandler(t)
	body := `{"paths":[{"drawMode":true,"paths":[{"x":1,"y":1}]}],"image_data":"data:image/png;base64,CLIENT"}`
	c, _ := newRequest(http.MethodPut, "/", body)
	withSlice(c, "P001", "0")

	if err := h.SaveAnnotation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess, _ := sessions.Open(context.Background(), "sess-1")
	if a, _ := sess.Annotation("P001", 0); a.ImageData != "data:image/png;base64,CLIENT" {
		t.Errorf("client snapshot replaced: %q", a.ImageData)
	}
}

func TestHandler_SaveEmptyIsNoContent(t *testing.T) {
	h, sessions := newTestHandler(t)
	c, rec := newRequest(http.MethodPut, "/", `{"paths":[]}`)
	withSlice(c, "P001", "1")

	if err := h.SaveAnnotation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	sess, _ := sessions.Open(context.Background(), "sess-1")
	if len(sess.Annotations("P001")) != 0 {
		t.Error("empty save stored an annotation")
	}
}

func TestHandler_SaveOutOfRange(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, idx := range []string{"4", "-1"} {
		c, _ := newRequest(http.MethodPut, "/", strokeBody)
		withSlice(c, "P001", idx)
		if code := errCode(t, h.SaveAnnotation(c)); code != http.StatusBadRequest {
			t.Errorf("index %s: expected 400, got %d", idx, code)
		}
	}
}

func TestHandler_SaveInvalidInput(t *testing.T) {
	h, _ := newTestHandler(t)
	tests := []struct{ name, body string }{
		{"paths not a list", `{"paths":{"x":1}}`},
		{"bad image", `{"paths":[{"paths":[{"x":1,"y":1}]}],"image_data":"http://evil"}`},
		{"bad body", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newRequest(http.MethodPut, "/", tt.body)
			withSlice(c, "P001", "0")
			if code := errCode(t, h.SaveAnnotation(c)); code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
		})
	}
}

func TestHandler_SaveUnknownPatient(t *testing.T) {
	h, _ := newTestHandler(t)
	c, _ := newRequest(http.MethodPut, "/", strokeBody)
	withSlice(c, "P999", "0")
	if code := errCode(t, h.SaveAnnotation(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetClampsAndNotFound(t *testing.T) {
	h, sessions := newTestHandler(t)
	sess, _ := sessions.Open(context.Background(), "sess-1")
	sess.AddAnnotation("P001", 3, json.RawMessage(`["x"]`), "")

	c, rec := newRequest(http.MethodGet, "/", "")
	withSlice(c, "P001", "50")
	if err := h.GetAnnotation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var a review.Annotation
	json.Unmarshal(rec.Body.Bytes(), &a)
	if a.SliceIndex != 3 {
		t.Errorf("expected clamped slice 3, got %d", a.SliceIndex)
	}

	c, _ = newRequest(http.MethodGet, "/", "")
	withSlice(c, "P001", "1")
	if code := errCode(t, h.GetAnnotation(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_ListAnnotationsOrdered(t *testing.T) {
	h, sessions := newTestHandler(t)
	sess, _ := sessions.Open(context.Background(), "sess-1")
	for _, idx := range []int{3, 0, 2} {
		sess.AddAnnotation("P001", idx, json.RawMessage(`["x"]`), "")
	}

	c, rec := newRequest(http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("P001")
	if err := h.ListAnnotations(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Annotations []review.Annotation `json:"annotations"`
		Total       int                 `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 3 || resp.Annotations[0].SliceIndex != 0 || resp.Annotations[2].SliceIndex != 3 {
		t.Errorf("unexpected list %+v", resp)
	}
}

func TestHandler_ClearAlwaysNoContent(t *testing.T) {
	h, sessions := newTestHandler(t)
	sess, _ := sessions.Open(context.Background(), "sess-1")
	sess.AddAnnotation("P001", 1, json.RawMessage(`["x"]`), "")

	for i := 0; i < 2; i++ {
		c, rec := newRequest(http.MethodDelete, "/", "")
		withSlice(c, "P001", "1")
		if err := h.ClearAnnotation(c); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
		if rec.Code != http.StatusNoContent {
			t.Errorf("attempt %d: expected 204, got %d", i, rec.Code)
		}
	}
	if _, ok := sess.Annotation("P001", 1); ok {
		t.Error("annotation not removed")
	}
}

func TestHandler_RasterThumbnail(t *testing.T) {
	h, _ := newTestHandler(t)
	c, _ := newRequest(http.MethodPut, "/", strokeBody)
	withSlice(c, "P001", "1")
	if err := h.SaveAnnotation(c); err != nil {
		t.Fatalf("save: %v", err)
	}

	c, rec := newRequest(http.MethodGet, "/?width=16", "")
	withSlice(c, "P001", "1")
	if err := h.GetRaster(c); err != nil {
		t.Fatalf("raster: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "image/png" {
		t.Errorf("unexpected content type %s", ct)
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Errorf("unexpected thumbnail size %v", b)
	}
}

func TestHandler_RasterRendersFromPaths(t *testing.T) {
	h, sessions := newTestHandler(t)
	sess, _ := sessions.Open(context.Background(), "sess-1")
	sess.AddAnnotation("P001", 0, json.RawMessage(`[{"drawMode":true,"strokeColor":"#00f","strokeWidth":3,"paths":[{"x":2,"y":2}]}]`), "")

	c, rec := newRequest(http.MethodGet, "/", "")
	withSlice(c, "P001", "0")
	if err := h.GetRaster(c); err != nil {
		t.Fatalf("raster: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 {
		t.Errorf("expected full-size render, got %v", b)
	}
}

func TestHandler_RasterRejectsWidth(t *testing.T) {
	h, _ := newTestHandler(t)
	c, _ := newRequest(http.MethodGet, "/?width=abc", "")
	withSlice(c, "P001", "0")
	if code := errCode(t, h.GetRaster(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/patients/:id/annotations":                     false,
		"GET /api/v1/patients/:id/slices/:index/annotation":        false,
		"PUT /api/v1/patients/:id/slices/:index/annotation":        false,
		"DELETE /api/v1/patients/:id/slices/:index/annotation":     false,
		"GET /api/v1/patients/:id/slices/:index/annotation/raster": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
