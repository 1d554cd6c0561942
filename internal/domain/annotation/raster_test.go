package annotation

import (
	"encoding/json"
	"errors"
	"image/color"
	"strings"
	"testing"
)

func redLine() Stroke {
	return Stroke{
		DrawMode:    true,
		StrokeColor: "#FF0000",
		StrokeWidth: 6,
		Paths:       []Point{{X: 10, Y: 32}, {X: 54, Y: 32}},
	}
}

func TestRasterCanvas_RendersStroke(t *testing.T) {
	c := NewRasterCanvas(64, 64)
	if err := c.Draw(redLine()); err != nil {
		t.Fatalf("draw: %v", err)
	}

	img := c.Render()
	r, g, b, a := img.At(32, 32).RGBA()
	if a == 0 || r < 0xf000 || g != 0 || b != 0 {
		t.Errorf("expected opaque red on the line, got %d %d %d %d", r, g, b, a)
	}
	if _, _, _, a := img.At(32, 5).RGBA(); a != 0 {
		t.Errorf("expected transparent background, got alpha %d", a)
	}
}

func TestRasterCanvas_EraserClears(t *testing.T) {
	c := NewRasterCanvas(64, 64)
	c.Draw(redLine())
	c.Draw(Stroke{DrawMode: false, StrokeWidth: 20, Paths: []Point{{X: 32, Y: 32}}})

	if _, _, _, a := c.Render().At(32, 32).RGBA(); a != 0 {
		t.Errorf("expected erased pixel, got alpha %d", a)
	}
	if _, _, _, a := c.Render().At(12, 32).RGBA(); a == 0 {
		t.Error("eraser removed pixels outside its radius")
	}
}

func TestRasterCanvas_UndoRedo(t *testing.T) {
	c := NewRasterCanvas(64, 64)
	c.Draw(redLine())
	c.Draw(redLine())

	c.Undo()
	if c.Len() != 1 {
		t.Fatalf("expected 1 stroke after undo, got %d", c.Len())
	}
	c.Redo()
	if c.Len() != 2 {
		t.Fatalf("expected 2 strokes after redo, got %d", c.Len())
	}
	c.Undo()
	c.Draw(redLine())
	c.Redo()
	if c.Len() != 2 {
		t.Errorf("drawing should drop redo history, got %d strokes", c.Len())
	}

	c.Clear()
	c.Undo()
	if c.Len() != 0 {
		t.Errorf("expected empty canvas, got %d", c.Len())
	}
}

func TestRasterCanvas_PathsRoundTripUnknownFields(t *testing.T) {
	in := json.RawMessage(`[{"drawMode":true,"strokeColor":"#00ff00","strokeWidth":4,"paths":[{"x":1,"y":2}],"startTimestamp":17,"endTimestamp":42}]`)

	c := NewRasterCanvas(32, 32)
	if err := c.LoadPaths(in); err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := c.ExportPaths()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("paths changed:\n got %s\nwant %s", out, in)
	}
}

func TestRasterCanvas_EmptyExport(t *testing.T) {
	c := NewRasterCanvas(32, 32)
	out, err := c.ExportPaths()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(out) != "[]" {
		t.Errorf("expected [], got %s", out)
	}
	if err := c.LoadPaths(json.RawMessage("null")); err != nil || c.Len() != 0 {
		t.Errorf("null paths should leave a blank canvas, err=%v len=%d", err, c.Len())
	}
}

func TestRasterCanvas_LoadPathsRejectsGarbage(t *testing.T) {
	c := NewRasterCanvas(32, 32)
	for _, in := range []string{`{"paths":[]}`, `[1,2]`, `not json`} {
		if err := c.LoadPaths(json.RawMessage(in)); !errors.Is(err, ErrInvalidPaths) {
			t.Errorf("%s: expected ErrInvalidPaths, got %v", in, err)
		}
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	c := NewRasterCanvas(40, 20)
	c.Draw(redLine())

	url, err := c.ExportImage()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Fatalf("unexpected prefix: %.40s", url)
	}
	img, err := DecodeDataURL(url)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Errorf("unexpected bounds %v", b)
	}

	if _, err := DecodeDataURL("data:image/jpeg;base64,AAAA"); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage, got %v", err)
	}
}

func TestThumbnail(t *testing.T) {
	img := NewRasterCanvas(200, 100).Render()

	thumb := Thumbnail(img, 50)
	if b := thumb.Bounds(); b.Dx() != 50 || b.Dy() != 25 {
		t.Errorf("unexpected thumbnail bounds %v", b)
	}
	if Thumbnail(img, 400) != img {
		t.Error("upscaling should return the original image")
	}
	if Thumbnail(img, 0) != img {
		t.Error("zero width should return the original image")
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.NRGBA
	}{
		{"#FF0000", color.NRGBA{R: 255, A: 255}},
		{"#0f0", color.NRGBA{G: 255, A: 255}},
		{"#0000ff80", color.NRGBA{B: 255, A: 128}},
	}
	for _, tt := range tests {
		if got := parseColor(tt.in); got != tt.want {
			t.Errorf("parseColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := parseColor("transparent"); got != defaultColor {
		t.Errorf("expected default color, got %v", got)
	}
}
