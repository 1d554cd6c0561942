package annotation

import (
	"fmt"

	"github.com/shia/shia/internal/domain/prediction"
	"github.com/shia/shia/internal/domain/review"
)

// Editor ties a Canvas to one patient's saved annotations. The canvas
// holds the working strokes of the current slice; only Save and Clear
// touch the store.
type Editor struct {
	store     review.Store
	canvas    Canvas
	patientID string
	numSlices int
	current   int
}

// NewEditor opens the editor on the given slice, clamped into range, with
// that slice's saved strokes loaded.
func NewEditor(store review.Store, canvas Canvas, patientID string, numSlices, index int) (*Editor, error) {
	e := &Editor{store: store, canvas: canvas, patientID: patientID, numSlices: numSlices}
	if _, err := e.Navigate(index); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Editor) Current() int { return e.current }

func (e *Editor) Canvas() Canvas { return e.canvas }

// Save stores the canvas strokes of the current slice. An empty canvas is
// a no-op and reports saved=false.
func (e *Editor) Save() (a review.Annotation, saved bool, err error) {
	paths, err := e.canvas.ExportPaths()
	if err != nil {
		return review.Annotation{}, false, fmt.Errorf("export paths: %w", err)
	}
	if review.EmptyPaths(paths) {
		return review.Annotation{}, false, nil
	}
	img, err := e.canvas.ExportImage()
	if err != nil {
		return review.Annotation{}, false, fmt.Errorf("export image: %w", err)
	}
	return e.store.AddAnnotation(e.patientID, e.current, paths, img), true, nil
}

// Clear wipes the canvas and removes the current slice's annotation.
func (e *Editor) Clear() bool {
	e.canvas.Clear()
	return e.store.RemoveAnnotation(e.patientID, e.current)
}

// Navigate moves to a slice, clamped into range. Unsaved strokes are
// discarded; the target slice's saved strokes are loaded, or the canvas
// is left blank.
func (e *Editor) Navigate(index int) (int, error) {
	e.current = prediction.ClampIndex(index, e.numSlices)
	a, ok := e.store.Annotation(e.patientID, e.current)
	if !ok {
		e.canvas.Clear()
		return e.current, nil
	}
	if err := e.canvas.LoadPaths(a.Note); err != nil {
		e.canvas.Clear()
		return e.current, fmt.Errorf("load saved strokes of slice %d: %w", e.current, err)
	}
	return e.current, nil
}

func (e *Editor) Undo() { e.canvas.Undo() }

func (e *Editor) Redo() { e.canvas.Redo() }
