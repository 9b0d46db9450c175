package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/parser"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSessionNotFound is returned for unknown or evicted session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotReady is returned while a session is still parsing or has failed.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrNotLog is returned when sample data is requested from a workspace session.
	ErrNotLog = errors.New("session does not hold an LD log")
)

// Options configures a Manager.
type Options struct {
	TempDir           string        // per-session sample databases
	ParsedDir         string        // persistent per-file sample databases, optional
	MaxSessions       int           // sessions kept before finished ones are evicted
	KeepAliveWindow   time.Duration // recently touched sessions survive cleanup
	EnableSampleStore bool          // load LD samples into DuckDB
	Log               logrus.FieldLogger
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		TempDir:           "./data/temp",
		MaxSessions:       10,
		KeepAliveWindow:   5 * time.Minute,
		EnableSampleStore: true,
	}
}

// Manager handles active parse sessions.
type Manager struct {
	sessions map[string]*SessionState
	mu       sync.RWMutex
	registry *parser.Registry
	opts     Options
	parsed   *PersistentParsedStore
	// persistent maps a file ID to the session holding its parsed DB open.
	persistent map[string]string
	log        logrus.FieldLogger
}

// SessionState holds the session metadata, the decoded document and, for LD
// logs, the DuckDB-backed sample store.
type SessionState struct {
	Session      *models.ParseSession
	Result       *parser.Result
	Samples      *parser.SampleStore
	LastAccessed time.Time // Last time the session was accessed (for keep-alive)

	// queries pins Samples; a removed session's store is closed when the
	// last query releases it.
	queries int
	removed bool
}

// NewManager creates a session manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultOptions().MaxSessions
	}
	if opts.TempDir == "" {
		opts.TempDir = DefaultOptions().TempDir
	}
	if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}

	m := &Manager{
		sessions:   make(map[string]*SessionState),
		registry:   parser.GetGlobalRegistry(),
		opts:       opts,
		persistent: make(map[string]string),
		log:        opts.Log.WithField("component", "sessions"),
	}

	if opts.EnableSampleStore && opts.ParsedDir != "" {
		parsed, err := NewPersistentParsedStore(opts.ParsedDir, opts.Log)
		if err != nil {
			return nil, err
		}
		m.parsed = parsed
	}

	return m, nil
}

// StartSession begins parsing a stored file in the background.
func (m *Manager) StartSession(fileID, filePath string) (*models.ParseSession, error) {
	// Clean up old sessions if at limit
	m.cleanupOldSessionsIfNeeded()

	sessionID := uuid.New().String()
	session := models.NewParseSession(sessionID, fileID)

	state := &SessionState{
		Session:      session,
		LastAccessed: time.Now(),
	}

	m.mu.Lock()
	m.sessions[sessionID] = state
	snapshot := *session
	m.mu.Unlock()

	go m.runParse(sessionID, fileID, filePath)

	return &snapshot, nil
}

func (m *Manager) runParse(sessionID, fileID, filePath string) {
	log := m.log.WithFields(logrus.Fields{"session": shortID(sessionID), "file": shortID(fileID)})

	// Recover from panics to prevent backend crash
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("parse panicked")
			m.updateSessionError(sessionID, fmt.Sprintf("parse panicked: %v", r))
		}
	}()

	start := time.Now()
	m.setProgress(sessionID, models.SessionStatusParsing, 5)

	data, err := os.ReadFile(filePath)
	if err != nil {
		log.WithError(err).Warn("failed to read file")
		m.updateSessionError(sessionID, fmt.Sprintf("failed to read file: %v", err))
		return
	}
	m.setProgress(sessionID, models.SessionStatusParsing, 10)

	p, err := m.registry.FindParser(data)
	if err != nil {
		log.WithError(err).Warn("no parser for file")
		m.updateSessionError(sessionID, err.Error())
		return
	}

	m.mu.Lock()
	if state, ok := m.sessions[sessionID]; ok {
		state.Session.ParserName = p.Name()
		state.Session.FileType = p.FileType().Model()
	}
	m.mu.Unlock()

	result, err := p.Parse(data)
	if err != nil {
		log.WithError(err).Warn("parse failed")
		m.updateSessionError(sessionID, err.Error())
		return
	}
	m.setProgress(sessionID, models.SessionStatusParsing, 50)

	var samples *parser.SampleStore
	if result.Log != nil && m.opts.EnableSampleStore {
		samples, err = m.loadSamples(sessionID, fileID, result.Log)
		if err != nil {
			// Channel queries fall back to the in-memory rows.
			log.WithError(err).Warn("sample store unavailable")
			samples = nil
		}
	}

	elapsed := time.Since(start).Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		if samples != nil {
			samples.Close()
		}
		if m.persistent[fileID] == sessionID {
			delete(m.persistent, fileID)
		}
		return
	}

	state.Result = result
	state.Samples = samples
	state.Session.Status = models.SessionStatusComplete
	state.Session.Progress = 100
	state.Session.ChannelCount = result.ChannelCount()
	state.Session.SampleCount = result.SampleCount()
	state.Session.ProcessingTimeMs = elapsed
	state.Session.SampleStore = samples != nil

	log.WithFields(logrus.Fields{
		"parser":   p.Name(),
		"channels": state.Session.ChannelCount,
		"samples":  state.Session.SampleCount,
		"ms":       elapsed,
	}).Info("parse complete")
}

// loadSamples reuses or builds the sample database for an LD log. A file's
// persistent database is used only when no other live session holds it open.
func (m *Manager) loadSamples(sessionID, fileID string, ld *models.LDFile) (*parser.SampleStore, error) {
	ctx := context.Background()
	m.setProgress(sessionID, models.SessionStatusParsing, 70)

	if m.parsed != nil && m.claimPersistent(fileID, sessionID) {
		if store, err := m.parsed.Open(fileID); err != nil {
			m.log.WithError(err).Warn("discarding unreadable parsed DB")
			m.parsed.Delete(fileID)
		} else if store != nil {
			return store, nil
		}

		store, err := m.parsed.CreateForFile(fileID)
		if err != nil {
			m.releasePersistent(fileID, sessionID)
			return nil, err
		}
		if err := store.Load(ctx, ld); err != nil {
			store.Close()
			m.releasePersistent(fileID, sessionID)
			return nil, err
		}
		m.parsed.MarkComplete(fileID, store)
		return store, nil
	}

	store, err := parser.NewSampleStore(m.opts.TempDir, sessionID, m.opts.Log)
	if err != nil {
		return nil, err
	}
	if err := store.Load(ctx, ld); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (m *Manager) claimPersistent(fileID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.persistent[fileID]; held {
		return false
	}
	m.persistent[fileID] = sessionID
	return true
}

func (m *Manager) releasePersistent(fileID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistent[fileID] == sessionID {
		delete(m.persistent, fileID)
	}
}

func (m *Manager) setProgress(sessionID string, status models.SessionStatus, progress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.sessions[sessionID]; ok {
		state.Session.Status = status
		state.Session.Progress = progress
	}
}

func (m *Manager) updateSessionError(sessionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return
	}

	state.Session.Status = models.SessionStatusError
	state.Session.Error = reason
}

func isFinished(s *models.ParseSession) bool {
	return s.Status == models.SessionStatusComplete || s.Status == models.SessionStatusError
}

// cleanupOldSessionsIfNeeded evicts the least recently used finished sessions
// when the manager is at capacity.
func (m *Manager) cleanupOldSessionsIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.sessions) >= m.opts.MaxSessions {
		var oldestID string
		var oldest time.Time
		for id, state := range m.sessions {
			if !isFinished(state.Session) {
				continue
			}
			if oldestID == "" || state.LastAccessed.Before(oldest) {
				oldestID, oldest = id, state.LastAccessed
			}
		}
		if oldestID == "" {
			// Everything is still parsing.
			return
		}
		m.removeLocked(oldestID)
		m.log.WithField("session", shortID(oldestID)).Info("evicted session to stay under limit")
	}
}

func (m *Manager) removeLocked(id string) {
	state, ok := m.sessions[id]
	if !ok {
		return
	}
	state.removed = true
	if state.Samples != nil && state.queries == 0 {
		state.Samples.Close()
	}
	if m.persistent[state.Session.FileID] == id {
		delete(m.persistent, state.Session.FileID)
	}
	delete(m.sessions, id)
}

// CleanupOldSessions removes finished sessions not accessed within maxAge,
// but keeps sessions that have been accessed within the keep-alive window.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, state := range m.sessions {
		if !isFinished(state.Session) {
			continue
		}
		idle := now.Sub(state.LastAccessed)
		if idle < m.opts.KeepAliveWindow || idle < maxAge {
			continue
		}
		m.removeLocked(id)
		removed++
		m.log.WithFields(logrus.Fields{
			"session": shortID(id),
			"idle":    idle.Round(time.Second).String(),
		}).Info("cleaned up aged session")
	}
	return removed
}

// Run sweeps aged sessions every interval until ctx is done, then closes
// every remaining session.
func (m *Manager) Run(ctx context.Context, interval, maxAge time.Duration) {
	defer m.Close()
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupOldSessions(maxAge)
		}
	}
}

// Close drops all sessions and their sample stores.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.removeLocked(id)
	}
}

// GetSession returns a snapshot of a session by ID.
func (m *Manager) GetSession(id string) (*models.ParseSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	snapshot := *state.Session
	return &snapshot, true
}

// TouchSession updates the LastAccessed timestamp for a session.
// This should be called whenever a session is actively being used
// to prevent it from being cleaned up.
func (m *Manager) TouchSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	state.LastAccessed = time.Now()
	return true
}

// GetResult returns the decoded document of a completed session.
func (m *Manager) GetResult(id string) (*parser.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if state.Session.Status != models.SessionStatusComplete || state.Result == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotReady, id, state.Session.Status)
	}
	return state.Result, nil
}

// GetLog returns the LD log of a completed session.
func (m *Manager) GetLog(id string) (*models.LDFile, error) {
	result, err := m.GetResult(id)
	if err != nil {
		return nil, err
	}
	if result.Log == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLog, id)
	}
	return result.Log, nil
}

// acquireSamples pins the sample store of a session for one query so eviction
// cannot close it underneath. release must be called once the query is done.
func (m *Manager) acquireSamples(id string) (store *parser.SampleStore, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[id]
	if !ok || state.Samples == nil {
		return nil, func() {}
	}
	state.queries++
	return state.Samples, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		state.queries--
		if state.removed && state.queries == 0 {
			state.Samples.Close()
		}
	}
}

// QueryChannel returns the points of one channel with start <= ts <= end.
// Infinite or NaN bounds leave that side open; limit <= 0 means no limit.
func (m *Manager) QueryChannel(ctx context.Context, id, name string, start, end float64, limit int) ([]models.ChannelPoint, error) {
	ld, err := m.GetLog(id)
	if err != nil {
		return nil, err
	}

	if store, release := m.acquireSamples(id); store != nil {
		defer release()
		return store.QueryChannel(ctx, name, start, end, limit)
	}

	idx := ld.ChannelIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", parser.ErrUnknownChannel, name)
	}
	points := make([]models.ChannelPoint, 0)
	for _, s := range ld.Samples {
		if inBound(start, s.Timestamp, false) && inBound(end, s.Timestamp, true) && idx < len(s.Values) {
			points = append(points, models.ChannelPoint{Timestamp: s.Timestamp, Value: s.Values[idx]})
			if limit > 0 && len(points) == limit {
				break
			}
		}
	}
	return points, nil
}

// ChannelSummary returns count, extremes and time span of one channel.
func (m *Manager) ChannelSummary(ctx context.Context, id, name string) (*models.ChannelSummary, error) {
	ld, err := m.GetLog(id)
	if err != nil {
		return nil, err
	}

	if store, release := m.acquireSamples(id); store != nil {
		defer release()
		return store.ChannelRange(ctx, name)
	}

	idx := ld.ChannelIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", parser.ErrUnknownChannel, name)
	}
	summary := &models.ChannelSummary{Name: ld.Channels[idx].Name, Units: ld.Channels[idx].Units}
	for _, s := range ld.Samples {
		if idx >= len(s.Values) {
			continue
		}
		v := s.Values[idx]
		if summary.Count == 0 {
			summary.Min, summary.Max = v, v
			summary.StartTs, summary.EndTs = s.Timestamp, s.Timestamp
		}
		summary.Min = math.Min(summary.Min, v)
		summary.Max = math.Max(summary.Max, v)
		summary.StartTs = math.Min(summary.StartTs, s.Timestamp)
		summary.EndTs = math.Max(summary.EndTs, s.Timestamp)
		summary.Count++
	}
	return summary, nil
}

func inBound(bound, ts float64, upper bool) bool {
	if math.IsNaN(bound) || math.IsInf(bound, 0) {
		return true
	}
	if upper {
		return ts <= bound
	}
	return ts >= bound
}

// DeleteFile drops every session of a file and its persistent sample database.
func (m *Manager) DeleteFile(fileID string) {
	m.mu.Lock()
	for id, state := range m.sessions {
		if state.Session.FileID == fileID {
			m.removeLocked(id)
		}
	}
	m.mu.Unlock()

	if m.parsed != nil {
		if err := m.parsed.Delete(fileID); err != nil {
			m.log.WithError(err).Warn("failed to delete parsed DB")
		}
	}
}

// CleanupOrphaned removes persistent sample databases of files no longer in storage.
func (m *Manager) CleanupOrphaned(fileIDs []string) int {
	if m.parsed == nil {
		return 0
	}
	return m.parsed.CleanupOrphaned(fileIDs)
}

// Stats reports session counts and persistent store usage.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	counts := make(map[models.SessionStatus]int)
	for _, state := range m.sessions {
		counts[state.Session.Status]++
	}
	total := len(m.sessions)
	m.mu.RUnlock()

	stats := map[string]interface{}{
		"sessions": total,
		"byStatus": counts,
	}
	if m.parsed != nil {
		stats["parsed"] = m.parsed.Stats()
	}
	return stats
}
