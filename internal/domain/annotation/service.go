package annotation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shia/shia/internal/domain/prediction"
	"github.com/shia/shia/internal/domain/review"
)

var (
	ErrSliceOutOfRange = errors.New("slice index out of range")
	ErrInvalidPaths    = errors.New("invalid path data")
	ErrNoAnnotation    = errors.New("no annotation for slice")
)

// Service applies annotation requests to a session's store. Writes
// require an index inside the patient's slice range; reads clamp.
type Service struct {
	predictions   *prediction.Service
	width, height int
	logger        zerolog.Logger
}

func NewService(predictions *prediction.Service, width, height int, logger zerolog.Logger) *Service {
	return &Service{predictions: predictions, width: width, height: height, logger: logger}
}

// snapshotCanvas reports a client-rendered image instead of rendering one.
type snapshotCanvas struct {
	Canvas
	image string
}

func (c snapshotCanvas) ExportImage() (string, error) { return c.image, nil }

// Save stores the drawing of a slice. Empty path data is not an error:
// nothing is stored and saved is false. When imageData is empty the
// raster snapshot is rendered from the paths.
func (s *Service) Save(ctx context.Context, store review.Store, patientID string, index int, paths json.RawMessage, imageData string) (review.Annotation, bool, error) {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return review.Annotation{}, false, err
	}
	if !patient.InRange(index) {
		return review.Annotation{}, false, fmt.Errorf("%w: %d not in [0,%d)", ErrSliceOutOfRange, index, patient.NumSlices)
	}
	if imageData != "" && !strings.HasPrefix(imageData, "data:image/") {
		return review.Annotation{}, false, fmt.Errorf("%w: expected a data URL", ErrInvalidImage)
	}

	raster := NewRasterCanvas(s.width, s.height)
	var canvas Canvas = raster
	if imageData != "" {
		canvas = snapshotCanvas{Canvas: raster, image: imageData}
	}
	editor := &Editor{store: store, canvas: canvas, patientID: patient.PatientID, numSlices: patient.NumSlices, current: index}
	if err := raster.LoadPaths(paths); err != nil {
		return review.Annotation{}, false, err
	}

	a, saved, err := editor.Save()
	if err != nil {
		return review.Annotation{}, false, err
	}
	if saved {
		s.logger.Debug().Str("patient_id", patient.PatientID).Int("slice_index", index).Int("strokes", raster.Len()).Msg("annotation saved")
	}
	return a, saved, nil
}

// Clear removes the drawing of a slice. Clearing a slice without one is a
// no-op.
func (s *Service) Clear(ctx context.Context, store review.Store, patientID string, index int) error {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return err
	}
	if !patient.InRange(index) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrSliceOutOfRange, index, patient.NumSlices)
	}
	editor := &Editor{store: store, canvas: NewRasterCanvas(s.width, s.height), patientID: patient.PatientID, numSlices: patient.NumSlices, current: index}
	editor.Clear()
	return nil
}

// Get returns the annotation of the clamped slice index.
func (s *Service) Get(ctx context.Context, store review.Store, patientID string, index int) (review.Annotation, error) {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return review.Annotation{}, err
	}
	a, ok := store.Annotation(patient.PatientID, patient.ClampSlice(index))
	if !ok {
		return review.Annotation{}, ErrNoAnnotation
	}
	return a, nil
}

// List returns a patient's annotations ordered by slice index.
func (s *Service) List(ctx context.Context, store review.Store, patientID string) ([]review.Annotation, error) {
	patient, err := s.predictions.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return store.Annotations(patient.PatientID), nil
}

// Raster returns the PNG of a slice's drawing, scaled to width when width
// is positive. Annotations saved without a snapshot are rendered from
// their paths.
func (s *Service) Raster(ctx context.Context, store review.Store, patientID string, index, width int) ([]byte, error) {
	a, err := s.Get(ctx, store, patientID, index)
	if err != nil {
		return nil, err
	}

	var dataURL string
	if strings.HasPrefix(a.ImageData, pngDataURLPrefix) {
		dataURL = a.ImageData
	} else {
		raster := NewRasterCanvas(s.width, s.height)
		if err := raster.LoadPaths(a.Note); err != nil {
			return nil, err
		}
		if dataURL, err = raster.ExportImage(); err != nil {
			return nil, err
		}
	}

	img, err := DecodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, Thumbnail(img, width)); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
