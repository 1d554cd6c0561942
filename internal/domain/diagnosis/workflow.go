// Package diagnosis runs the reviewer's diagnosis form through its states
// and compares a committed diagnosis with the model and the ground truth.
package diagnosis

import (
	"errors"
	"fmt"

	"github.com/shia/shia/internal/domain/review"
)

var (
	ErrIncomplete        = errors.New("please select both diagnosis and confidence level")
	ErrNoDiagnosis       = errors.New("no diagnosis found")
	ErrInvalidTransition = errors.New("invalid diagnosis transition")
)

// State is the position of a patient's diagnosis form.
type State int

const (
	NoDiagnosis State = iota
	Draft
	Submitted
	Revising
)

func (s State) String() string {
	switch s {
	case NoDiagnosis:
		return "no_diagnosis"
	case Draft:
		return "draft"
	case Submitted:
		return "submitted"
	case Revising:
		return "revising"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Form is the editable, uncommitted content of a diagnosis.
type Form struct {
	Diagnosis  review.Label      `json:"diagnosis"`
	Confidence review.Confidence `json:"confidence"`
	Notes      string            `json:"notes"`
}

func (f Form) complete() bool {
	return f.Diagnosis.Concrete() && f.Confidence.Concrete()
}

func formOf(d review.Diagnosis) Form {
	return Form{Diagnosis: d.Diagnosis, Confidence: d.Confidence, Notes: d.Notes}
}

// Workflow drives one patient's diagnosis. Drafts and revisions live only
// in the workflow; the store sees a record only on a successful Submit.
type Workflow struct {
	store     review.Store
	patientID string
	state     State
	form      Form
}

// NewWorkflow starts in Submitted when the store already holds a
// diagnosis for the patient, otherwise in NoDiagnosis.
func NewWorkflow(store review.Store, patientID string) *Workflow {
	w := &Workflow{store: store, patientID: patientID, state: NoDiagnosis}
	if d, ok := store.Diagnosis(patientID); ok {
		w.state = Submitted
		w.form = formOf(d)
	}
	return w
}

func (w *Workflow) State() State { return w.state }

func (w *Workflow) Form() Form { return w.form }

// Edit replaces the form content. Editing a submitted diagnosis requires
// BeginRevision first.
func (w *Workflow) Edit(f Form) error {
	switch w.state {
	case NoDiagnosis, Draft:
		w.state = Draft
	case Revising:
	default:
		return fmt.Errorf("%w: cannot edit in state %s", ErrInvalidTransition, w.state)
	}
	w.form = f
	return nil
}

// Submit commits the form. A revision fully replaces the stored record;
// a first submission fails with ErrInvalidTransition when another writer
// committed a diagnosis for the patient in the meantime. An incomplete
// form returns ErrIncomplete and leaves the store and the state untouched.
func (w *Workflow) Submit() (review.Diagnosis, error) {
	switch w.state {
	case NoDiagnosis, Draft, Revising:
	default:
		return review.Diagnosis{}, fmt.Errorf("%w: cannot submit in state %s", ErrInvalidTransition, w.state)
	}
	if !w.form.complete() {
		return review.Diagnosis{}, ErrIncomplete
	}
	record := review.Diagnosis{
		PatientID:  w.patientID,
		Diagnosis:  w.form.Diagnosis,
		Confidence: w.form.Confidence,
		Notes:      w.form.Notes,
	}
	var d review.Diagnosis
	if w.state == Revising {
		d = w.store.SetDiagnosis(record)
	} else {
		existing, ok := w.store.SetDiagnosisIfAbsent(record)
		if !ok {
			w.state = Submitted
			w.form = formOf(existing)
			return review.Diagnosis{}, fmt.Errorf("%w: diagnosis already submitted, revise it instead", ErrInvalidTransition)
		}
		d = existing
	}
	w.state = Submitted
	w.form = formOf(d)
	return d, nil
}

// BeginRevision opens the stored diagnosis for editing, pre-populated
// from the stored record.
func (w *Workflow) BeginRevision() (Form, error) {
	if w.state != Submitted {
		if _, ok := w.store.Diagnosis(w.patientID); !ok {
			return Form{}, ErrNoDiagnosis
		}
		return Form{}, fmt.Errorf("%w: cannot revise in state %s", ErrInvalidTransition, w.state)
	}
	d, ok := w.store.Diagnosis(w.patientID)
	if !ok {
		return Form{}, ErrNoDiagnosis
	}
	w.form = formOf(d)
	w.state = Revising
	return w.form, nil
}

// CancelRevision abandons the revision; the stored record stays
// authoritative.
func (w *Workflow) CancelRevision() error {
	if w.state != Revising {
		return fmt.Errorf("%w: no revision in progress", ErrInvalidTransition)
	}
	d, ok := w.store.Diagnosis(w.patientID)
	if !ok {
		return ErrNoDiagnosis
	}
	w.form = formOf(d)
	w.state = Submitted
	return nil
}
