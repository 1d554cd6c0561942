package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/shia/shia/internal/platform/auth"
	"github.com/shia/shia/internal/platform/websocket"
)

// Review event types published after each mutation.
const (
	EventAnnotationSaved   = "annotation.saved"
	EventAnnotationCleared = "annotation.cleared"
	EventDiagnosisSaved    = "diagnosis.saved"
	EventSessionEnded      = "session.ended"
)

const persistTimeout = 5 * time.Second

// Publisher delivers review events to the session's viewers.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// Sessions owns one Session per reviewing session id. Sessions are created
// lazily on first use and discarded by End.
type Sessions struct {
	mu     sync.Mutex
	open   map[string]*Session
	repo   Repository
	events Publisher
	clock  func() time.Time
	logger zerolog.Logger
}

// NewSessions creates the session registry. A nil repo keeps state in
// memory only; a nil events publisher disables the event feed.
func NewSessions(repo Repository, events Publisher, logger zerolog.Logger) *Sessions {
	return &Sessions{
		open:   make(map[string]*Session),
		repo:   repo,
		events: events,
		logger: logger.With().Str("component", "review").Logger(),
	}
}

// SetClock overrides the timestamp source of sessions opened afterwards.
func (s *Sessions) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Open returns the session's state, restoring its snapshot from the
// repository the first time the session is seen.
func (s *Sessions) Open(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, auth.ErrNoSession
	}

	s.mu.Lock()
	if sess, ok := s.open[sessionID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	clock := s.clock
	s.mu.Unlock()

	store := NewMemoryStore()
	if clock != nil {
		store.SetClock(clock)
	}
	if s.repo != nil {
		snap, err := s.repo.Load(ctx, sessionID)
		switch {
		case errors.Is(err, ErrSessionNotFound):
		case err != nil:
			return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
		default:
			store.Restore(*snap)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.open[sessionID]; ok {
		return sess, nil
	}
	sess := &Session{ID: sessionID, MemoryStore: store, owner: s}
	s.open[sessionID] = sess
	s.logger.Debug().Str("session_id", sessionID).Msg("review session opened")
	return sess, nil
}

// FromContext opens the session of the authenticated request.
func (s *Sessions) FromContext(ctx context.Context) (*Session, error) {
	sessionID, err := auth.SessionIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, sessionID)
}

// Resolve is a websocket.SessionResolver.
func (s *Sessions) Resolve(c echo.Context) (string, error) {
	return auth.SessionIDFromContext(c.Request().Context())
}

// End discards the session's state and its durable snapshot. Handles to
// the session still held by in-flight requests keep working in memory but
// no longer persist or announce their writes.
func (s *Sessions) End(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess := s.open[sessionID]
	delete(s.open, sessionID)
	s.mu.Unlock()

	if sess != nil {
		sess.writeMu.Lock()
		sess.ended = true
		sess.writeMu.Unlock()
	}

	if s.repo != nil {
		if err := s.repo.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("deleting session %s: %w", sessionID, err)
		}
	}
	s.publish(ctx, websocket.Event{
		Type:  EventSessionEnded,
		Topic: websocket.SessionTopic(sessionID),
	})
	s.logger.Info().Str("session_id", sessionID).Msg("review session ended")
	return nil
}

// Count returns the number of sessions held in memory.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *Sessions) publish(ctx context.Context, event websocket.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("topic", event.Topic).Msg("failed to publish review event")
	}
}

// Session is the review state of one reviewing session. Reads go straight
// to the in-memory store; writes are serialized, mirrored to the
// repository and announced to the session's viewers. Persistence failures
// are logged and never surface to the reviewer.
type Session struct {
	ID string
	*MemoryStore

	writeMu sync.Mutex
	ended   bool // guarded by writeMu
	owner   *Sessions
}

var _ Store = (*Session)(nil)

func (s *Session) AddAnnotation(patientID string, sliceIndex int, note json.RawMessage, imageData string) Annotation {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	a := s.MemoryStore.AddAnnotation(patientID, sliceIndex, note, imageData)
	s.persist()
	s.announce(EventAnnotationSaved, patientID, &a.SliceIndex, nil)
	return a
}

func (s *Session) RemoveAnnotation(patientID string, sliceIndex int) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := s.MemoryStore.RemoveAnnotation(patientID, sliceIndex)
	if removed {
		s.persist()
		s.announce(EventAnnotationCleared, patientID, &sliceIndex, nil)
	}
	return removed
}

func (s *Session) SetDiagnosis(d Diagnosis) Diagnosis {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored := s.MemoryStore.SetDiagnosis(d)
	s.persist()
	s.announce(EventDiagnosisSaved, stored.PatientID, nil, stored)
	return stored
}

func (s *Session) SetDiagnosisIfAbsent(d Diagnosis) (Diagnosis, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored, ok := s.MemoryStore.SetDiagnosisIfAbsent(d)
	if ok {
		s.persist()
		s.announce(EventDiagnosisSaved, stored.PatientID, nil, stored)
	}
	return stored, ok
}

func (s *Session) Restore(snap Snapshot) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.MemoryStore.Restore(snap)
	s.persist()
}

// persist and announce run under writeMu.
func (s *Session) persist() {
	repo := s.owner.repo
	if repo == nil || s.ended {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := repo.Save(ctx, s.ID, s.MemoryStore.Snapshot()); err != nil {
		s.owner.logger.Error().Err(err).Str("session_id", s.ID).Msg("failed to persist review session")
	}
}

func (s *Session) announce(eventType, patientID string, sliceIndex *int, payload interface{}) {
	if s.ended {
		return
	}
	event := websocket.Event{
		Type:       eventType,
		Topic:      websocket.PatientTopic(s.ID, patientID),
		PatientID:  patientID,
		SliceIndex: sliceIndex,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			event.Data = data
		}
	}
	s.owner.publish(context.Background(), event)
}

// SessionError maps a failure to open the caller's session to an HTTP
// error.
func SessionError(err error) error {
	if errors.Is(err, auth.ErrNoSession) {
		return echo.NewHTTPError(http.StatusUnauthorized, "no reviewing session")
	}
	return echo.NewHTTPError(http.StatusServiceUnavailable, "review session unavailable")
}
