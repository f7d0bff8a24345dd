package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/setv/ultrascan/server/models"
)

var (
	ErrSessionBusy     = errors.New("an analysis is already running for this visit")
	ErrSessionNotFound = errors.New("visit session not found")
)

const subscriberBuffer = 64

// Session is the server-side state of one visit between upload and
// submission. It replaces the per-page globals of a browser client.
type Session struct {
	ID string

	mu              sync.RWMutex
	aggregator      *Aggregator
	workflow        string
	status          models.AnalysisStatus
	rate            int
	progress        float64
	framesSampled   int
	frameNumber     int
	lastErr         string
	startedAt       time.Time
	completedAt     time.Time
	lastActive      time.Time
	report          []byte
	reportGenerated time.Time
	cancel          context.CancelFunc
	subscribers     map[chan models.ServerMessage]struct{}
}

func newSession(id string, maxDetections int) *Session {
	return &Session{
		ID:          id,
		aggregator:  NewAggregator(maxDetections),
		status:      models.AnalysisIdle,
		lastActive:  time.Now(),
		subscribers: make(map[chan models.ServerMessage]struct{}),
	}
}

func (s *Session) Aggregator() *Aggregator {
	return s.aggregator
}

func (s *Session) Workflow() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workflow
}

func (s *Session) Status() models.AnalysisStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// begin claims the session for a new analysis and clears the results of the
// previous one.
func (s *Session) begin(workflow string, rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Active() {
		return ErrSessionBusy
	}

	s.aggregator.Reset()
	s.workflow = workflow
	s.rate = rate
	s.status = models.AnalysisQueued
	s.progress = 0
	s.framesSampled = 0
	s.frameNumber = 0
	s.lastErr = ""
	s.startedAt = time.Now()
	s.completedAt = time.Time{}
	s.lastActive = time.Now()
	return nil
}

func (s *Session) setRunning(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = models.AnalysisRunning
	s.cancel = cancel
	s.lastActive = time.Now()
}

func (s *Session) setProgress(progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = progress
	s.lastActive = time.Now()
}

func (s *Session) frameSampled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesSampled++
	return s.framesSampled
}

func (s *Session) FramesSampled() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.framesSampled
}

// nextFrameNumber numbers the allowed detections of the visit from 1; the
// number names the stored annotated image.
func (s *Session) nextFrameNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameNumber++
	return s.frameNumber
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel = nil
	s.completedAt = time.Now()
	s.lastActive = s.completedAt
	if err != nil {
		s.status = models.AnalysisFailed
		s.lastErr = err.Error()
		return
	}
	s.status = models.AnalysisCompleted
	s.progress = 1
}

// Cancel stops a running analysis of this session, if any.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) SetReport(pdf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = pdf
	s.reportGenerated = time.Now()
	s.lastActive = s.reportGenerated
}

// LastReport returns the most recently assembled report of the visit.
func (s *Session) LastReport() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report, len(s.report) > 0
}

func (s *Session) Snapshot() *models.AnalysisSnapshot {
	selection := s.aggregator.Selection()
	if selection == nil {
		selection = []models.Detection{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return &models.AnalysisSnapshot{
		VisitID:         s.ID,
		Workflow:        s.workflow,
		Status:          s.status,
		Rate:            s.rate,
		Progress:        s.progress,
		FramesSampled:   s.framesSampled,
		DetectionCount:  s.aggregator.DetectionCount(),
		Selection:       selection,
		Error:           s.lastErr,
		StartedAt:       s.startedAt,
		CompletedAt:     s.completedAt,
		HasReport:       len(s.report) > 0,
		ReportGenerated: s.reportGenerated,
	}
}

// Subscribe registers a listener for the events of this session. The
// returned function unregisters it and closes the channel.
func (s *Session) Subscribe() (<-chan models.ServerMessage, func()) {
	ch := make(chan models.ServerMessage, subscriberBuffer)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers msg to every subscriber without blocking. A subscriber
// whose buffer is full misses the message.
func (s *Session) Publish(eventType string, data any) {
	msg := models.ServerMessage{Type: eventType, Data: data}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status.Active() {
		return 0
	}
	return now.Sub(s.lastActive)
}

// SessionRegistry holds the sessions of all visits in progress, keyed by
// temp id.
type SessionRegistry struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	maxDetections int
}

func NewSessionRegistry(maxDetections int) *SessionRegistry {
	return &SessionRegistry{
		sessions:      make(map[string]*Session),
		maxDetections: maxDetections,
	}
}

func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *SessionRegistry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := newSession(id, r.maxDetections)
	r.sessions[id] = s
	return s
}

// Remove cancels and forgets the session of a submitted visit.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.Cancel()
	}
}

// Sweep forgets sessions idle for longer than ttl and returns how many were
// removed. Running analyses are never swept.
func (r *SessionRegistry) Sweep(ttl time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.idleSince(now) > ttl {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Cancel()
	}
}
