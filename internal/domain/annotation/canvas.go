// Package annotation implements the save, clear and navigate rules of a
// slice drawing on top of a Canvas, plus a server-side raster canvas that
// renders saved strokes to PNG.
package annotation

import "encoding/json"

// Canvas is the freehand drawing surface. Paths are exchanged in the
// surface's own serialized format and treated as opaque by the store.
type Canvas interface {
	// LoadPaths replaces every stroke on the surface. Empty input leaves a
	// blank surface.
	LoadPaths(paths json.RawMessage) error
	// ExportPaths returns the current strokes; an empty surface exports an
	// empty array.
	ExportPaths() (json.RawMessage, error)
	// ExportImage returns the rendered surface as a PNG data URL.
	ExportImage() (string, error)
	Clear()
	Undo()
	Redo()
}

// Point is one sampled position of a stroke in canvas pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one continuous pen movement. DrawMode false marks an eraser
// stroke.
type Stroke struct {
	DrawMode    bool    `json:"drawMode"`
	StrokeColor string  `json:"strokeColor"`
	StrokeWidth float64 `json:"strokeWidth"`
	Paths       []Point `json:"paths"`
}
