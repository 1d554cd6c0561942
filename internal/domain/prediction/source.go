package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

var (
	ErrNotFound    = errors.New("prediction data not found")
	ErrUnavailable = errors.New("prediction data unavailable")
	ErrMalformed   = errors.New("prediction data malformed")
)

// maxDocumentSize bounds a single predictions.json read (32 MB).
const maxDocumentSize = 32 << 20

// Source retrieves the read-only documents produced by the prediction
// pipeline.
type Source interface {
	Global(ctx context.Context) (*GlobalPredictions, error)
	Patient(ctx context.Context, patientID string) (*PatientData, error)
	// SliceImageURL resolves an image file name of a patient to a URL the
	// viewer can load. Pixel data is never read.
	SliceImageURL(patientID, file string) string
}

// =========== HTTP Source ===========

// HTTPSource fetches documents laid out as
// <base>/predictions.json and <base>/patients/<id>/predictions.json.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse predictions url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported predictions url scheme: %s", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{base: u, client: &http.Client{Timeout: timeout}}, nil
}

func (s *HTTPSource) resolve(elem ...string) string {
	u := *s.base
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	return u.String()
}

func (s *HTTPSource) Global(ctx context.Context) (*GlobalPredictions, error) {
	var doc GlobalPredictions
	if err := s.get(ctx, s.resolve("predictions.json"), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *HTTPSource) Patient(ctx context.Context, patientID string) (*PatientData, error) {
	if !validSegment(patientID) {
		return nil, fmt.Errorf("%w: patient %q", ErrNotFound, patientID)
	}
	var doc PatientData
	if err := s.get(ctx, s.resolve("patients", patientID, "predictions.json"), &doc); err != nil {
		return nil, err
	}
	if err := checkPatient(&doc, patientID); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *HTTPSource) SliceImageURL(patientID, file string) string {
	if file == "" {
		return ""
	}
	return s.resolve("patients", patientID, "slices", file)
}

func (s *HTTPSource) get(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrUnavailable, target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, target)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: GET %s returned status %d", ErrUnavailable, target, resp.StatusCode)
	}

	return decode(io.LimitReader(resp.Body, maxDocumentSize), target, out)
}

// =========== Directory Source ===========

// DirSource reads the same layout from a local directory. Image URLs are
// rooted at urlPrefix, which the server maps onto the directory.
type DirSource struct {
	root      string
	urlPrefix string
}

func NewDirSource(root, urlPrefix string) *DirSource {
	return &DirSource{root: root, urlPrefix: urlPrefix}
}

func (s *DirSource) Global(_ context.Context) (*GlobalPredictions, error) {
	var doc GlobalPredictions
	if err := s.read(filepath.Join(s.root, "predictions.json"), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *DirSource) Patient(_ context.Context, patientID string) (*PatientData, error) {
	if !validSegment(patientID) {
		return nil, fmt.Errorf("%w: patient %q", ErrNotFound, patientID)
	}
	var doc PatientData
	if err := s.read(filepath.Join(s.root, "patients", patientID, "predictions.json"), &doc); err != nil {
		return nil, err
	}
	if err := checkPatient(&doc, patientID); err != nil {
		return nil, err
	}
	return &doc, nil
}

// SliceImagePath returns the file backing a slice image URL. Only files
// directly under a patient's slices directory resolve; anything else is
// ErrNotFound.
func (s *DirSource) SliceImagePath(patientID, file string) (string, error) {
	if !validSegment(patientID) || !validSegment(file) {
		return "", fmt.Errorf("%w: slice image %q of patient %q", ErrNotFound, file, patientID)
	}
	name := filepath.Join(s.root, "patients", patientID, "slices", file)
	info, err := os.Stat(name)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return name, nil
}

func (s *DirSource) SliceImageURL(patientID, file string) string {
	if file == "" {
		return ""
	}
	return path.Join(s.urlPrefix, "patients", patientID, "slices", file)
}

func (s *DirSource) read(name string, out interface{}) error {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: open %s: %v", ErrUnavailable, name, err)
	}
	defer f.Close()
	return decode(io.LimitReader(f, maxDocumentSize), name, out)
}

func decode(r io.Reader, name string, out interface{}) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformed, name, err)
	}
	return nil
}

// checkPatient validates a patient document fetched for requestedID. A
// document filed under another patient's id is malformed.
func checkPatient(doc *PatientData, requestedID string) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if doc.PatientID != requestedID {
		return fmt.Errorf("%w: document for patient %q served as %q", ErrMalformed, doc.PatientID, requestedID)
	}
	return nil
}

// validSegment rejects path elements that would escape their directory.
func validSegment(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		if r == '/' || r == '\\' || r == 0 {
			return false
		}
	}
	return true
}
