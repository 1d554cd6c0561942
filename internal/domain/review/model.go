// Package review holds the per-session review state: each patient's slice
// annotations and the reviewer's diagnosis. State lives in memory for the
// life of a reviewing session and is optionally mirrored to a durable
// Repository.
package review

import (
	"bytes"
	"encoding/json"
	"time"
)

// Label is a reviewer's diagnosis. The zero value means not yet chosen.
type Label string

const (
	LabelUnset Label = ""
	LabelCN    Label = "CN"
	LabelAD    Label = "AD"
)

// Concrete reports whether the label is CN or AD.
func (l Label) Concrete() bool {
	return l == LabelCN || l == LabelAD
}

// Confidence is the reviewer's certainty. The zero value means not yet
// chosen.
type Confidence string

const (
	ConfidenceUnset  Confidence = ""
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Concrete() bool {
	return c == ConfidenceLow || c == ConfidenceMedium || c == ConfidenceHigh
}

// Annotation is the saved drawing of one slice. Note holds the drawing
// surface's serialized paths verbatim; ImageData is an optional PNG data
// URL of the same drawing.
type Annotation struct {
	SliceIndex int             `json:"slice_index"`
	Note       json.RawMessage `json:"note"`
	ImageData  string          `json:"image_data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Diagnosis is the reviewer's committed assessment of a patient.
type Diagnosis struct {
	PatientID  string     `json:"patient_id"`
	Diagnosis  Label      `json:"diagnosis"`
	Confidence Confidence `json:"confidence"`
	Notes      string     `json:"notes"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Complete reports whether both the label and the confidence are chosen.
func (d Diagnosis) Complete() bool {
	return d.Diagnosis.Concrete() && d.Confidence.Concrete()
}

// Snapshot is the full state of one session, used at the persistence
// boundary.
type Snapshot struct {
	Annotations map[string][]Annotation `json:"annotations"`
	Diagnoses   map[string]Diagnosis    `json:"diagnoses"`
}

// EmptyPaths reports whether serialized path data contains no strokes:
// empty input, JSON null, or an empty JSON array.
func EmptyPaths(note json.RawMessage) bool {
	trimmed := bytes.TrimSpace(note)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var paths []json.RawMessage
	if err := json.Unmarshal(trimmed, &paths); err != nil {
		return false
	}
	return len(paths) == 0
}

// compactNote returns a private, compacted copy of note so that what is
// stored is exactly what json.Marshal will emit later.
func compactNote(note json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, note); err != nil {
		return append(json.RawMessage(nil), note...)
	}
	return json.RawMessage(buf.Bytes())
}

func copyAnnotation(a Annotation) Annotation {
	a.Note = append(json.RawMessage(nil), a.Note...)
	return a
}
