package review

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Store is the review state of one session. Operations never fail: reads
// of unknown patients or slices report absence, and writes create the
// patient's entry on demand.
type Store interface {
	// AddAnnotation saves the drawing of a slice, replacing any earlier one.
	// The caller guarantees note holds at least one stroke.
	AddAnnotation(patientID string, sliceIndex int, note json.RawMessage, imageData string) Annotation
	// RemoveAnnotation deletes a slice's drawing and reports whether one
	// existed.
	RemoveAnnotation(patientID string, sliceIndex int) bool
	// Annotations lists a patient's drawings ordered by slice index.
	Annotations(patientID string) []Annotation
	Annotation(patientID string, sliceIndex int) (Annotation, bool)
	// SetDiagnosis replaces the patient's diagnosis as a whole.
	SetDiagnosis(d Diagnosis) Diagnosis
	// SetDiagnosisIfAbsent stores d only when the patient has no diagnosis
	// yet. It reports false and returns the existing record otherwise.
	SetDiagnosisIfAbsent(d Diagnosis) (Diagnosis, bool)
	Diagnosis(patientID string) (Diagnosis, bool)
	// Diagnoses returns every stored diagnosis keyed by patient.
	Diagnoses() map[string]Diagnosis
	Snapshot() Snapshot
	Restore(snap Snapshot)
}

// MemoryStore is the in-memory Store. A mutex makes each operation atomic
// with respect to concurrent requests of the same session.
type MemoryStore struct {
	mu          sync.RWMutex
	annotations map[string][]Annotation
	diagnoses   map[string]Diagnosis
	clock       func() time.Time
	last        time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		annotations: make(map[string][]Annotation),
		diagnoses:   make(map[string]Diagnosis),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for timestamps.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// now returns the clock reading, never earlier than a timestamp the store
// has already handed out. Callers hold the write lock.
func (s *MemoryStore) now() time.Time {
	t := s.clock()
	if t.Before(s.last) {
		t = s.last
	}
	s.last = t
	return t
}

func (s *MemoryStore) AddAnnotation(patientID string, sliceIndex int, note json.RawMessage, imageData string) Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := Annotation{
		SliceIndex: sliceIndex,
		Note:       compactNote(note),
		ImageData:  imageData,
		Timestamp:  s.now(),
	}

	list := s.annotations[patientID]
	kept := make([]Annotation, 0, len(list)+1)
	for _, existing := range list {
		if existing.SliceIndex != sliceIndex {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, a)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].SliceIndex < kept[j].SliceIndex })
	s.annotations[patientID] = kept

	return copyAnnotation(a)
}

func (s *MemoryStore) RemoveAnnotation(patientID string, sliceIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.annotations[patientID]
	if !ok {
		return false
	}
	kept := make([]Annotation, 0, len(list))
	for _, a := range list {
		if a.SliceIndex != sliceIndex {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(list) {
		return false
	}
	if len(kept) == 0 {
		delete(s.annotations, patientID)
	} else {
		s.annotations[patientID] = kept
	}
	return true
}

func (s *MemoryStore) Annotations(patientID string) []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.annotations[patientID]
	out := make([]Annotation, len(list))
	for i, a := range list {
		out[i] = copyAnnotation(a)
	}
	return out
}

func (s *MemoryStore) Annotation(patientID string, sliceIndex int) (Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.annotations[patientID] {
		if a.SliceIndex == sliceIndex {
			return copyAnnotation(a), true
		}
	}
	return Annotation{}, false
}

func (s *MemoryStore) SetDiagnosis(d Diagnosis) Diagnosis {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.Timestamp = s.now()
	s.diagnoses[d.PatientID] = d
	return d
}

func (s *MemoryStore) SetDiagnosisIfAbsent(d Diagnosis) (Diagnosis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.diagnoses[d.PatientID]; ok {
		return existing, false
	}
	d.Timestamp = s.now()
	s.diagnoses[d.PatientID] = d
	return d, true
}

func (s *MemoryStore) Diagnosis(patientID string) (Diagnosis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.diagnoses[patientID]
	return d, ok
}

func (s *MemoryStore) Diagnoses() map[string]Diagnosis {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Diagnosis, len(s.diagnoses))
	for id, d := range s.diagnoses {
		out[id] = d
	}
	return out
}

// AnnotatedSlices lists the slice indexes of a patient that carry a
// drawing, in ascending order.
func (s *MemoryStore) AnnotatedSlices(patientID string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.annotations[patientID]
	out := make([]int, len(list))
	for i, a := range list {
		out[i] = a.SliceIndex
	}
	return out
}

func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Annotations: make(map[string][]Annotation, len(s.annotations)),
		Diagnoses:   make(map[string]Diagnosis, len(s.diagnoses)),
	}
	for id, list := range s.annotations {
		cp := make([]Annotation, len(list))
		for i, a := range list {
			cp[i] = copyAnnotation(a)
		}
		snap.Annotations[id] = cp
	}
	for id, d := range s.diagnoses {
		snap.Diagnoses[id] = d
	}
	return snap
}

// Restore replaces the whole state with snap. Annotation lists are
// re-sorted and deduplicated by slice, keeping the newest entry, so a
// hand-edited snapshot cannot break the ordering.
func (s *MemoryStore) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.annotations = make(map[string][]Annotation, len(snap.Annotations))
	s.diagnoses = make(map[string]Diagnosis, len(snap.Diagnoses))
	s.last = time.Time{}

	for id, list := range snap.Annotations {
		bySlice := make(map[int]Annotation, len(list))
		for _, a := range list {
			if prev, ok := bySlice[a.SliceIndex]; ok && prev.Timestamp.After(a.Timestamp) {
				continue
			}
			bySlice[a.SliceIndex] = copyAnnotation(a)
		}
		if len(bySlice) == 0 {
			continue
		}
		kept := make([]Annotation, 0, len(bySlice))
		for _, a := range bySlice {
			kept = append(kept, a)
			if a.Timestamp.After(s.last) {
				s.last = a.Timestamp
			}
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i].SliceIndex < kept[j].SliceIndex })
		s.annotations[id] = kept
	}
	for id, d := range snap.Diagnoses {
		d.PatientID = id
		s.diagnoses[id] = d
		if d.Timestamp.After(s.last) {
			s.last = d.Timestamp
		}
	}
}
