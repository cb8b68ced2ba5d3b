package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartlog/internal/model"
)

type LogKind string

const (
	LogActions     LogKind = "actions"
	LogErrors      LogKind = "errors"
	LogPerformance LogKind = "performance"
	LogAIAnalysis  LogKind = "ai_analysis"
	LogAutoFixes   LogKind = "auto_fixes"
)

func (k LogKind) fileName() string {
	return string(k) + ".json"
}

var allLogKinds = []LogKind{LogActions, LogErrors, LogPerformance, LogAIAnalysis, LogAutoFixes}

var eventLogKinds = []LogKind{LogActions, LogErrors, LogPerformance}

const (
	DefaultTTL           = 24 * time.Hour
	DefaultRetentionDays = 30

	MaxEventEntries    = 1000
	MaxAnalysisEntries = 100
	MaxFixEntries      = 100

	metadataFileName = "metadata.json"
	lockFileName     = ".lock"
	partitionLayout  = "2006-01-02"
)

var errSessionExpired = errors.New("session expired")

// Index receives the relational summary row of a session.
type Index interface {
	UpsertSession(ctx context.Context, session model.Session) error
}

// Archiver keeps a copy of a session before its partition is deleted.
type Archiver interface {
	ArchiveSession(ctx context.Context, partition, sessionID string, bundle map[string]json.RawMessage) error
}

type RequestContext struct {
	Token     string
	UserID    *int64
	IPAddress string
	UserAgent string
}

type CleanupResult struct {
	Cutoff            string `json:"cutoff"`
	DeletedPartitions int    `json:"deletedPartitions"`
	DeletedSessions   int    `json:"deletedSessions"`
	ArchivedSessions  int    `json:"archivedSessions"`
	Failures          int    `json:"failures"`
}

// Store keeps per-session event logs under root/<yyyy-mm-dd>/<session id>/.
type Store struct {
	root     string
	ttl      time.Duration
	index    Index
	archiver Archiver
	logger   *zap.Logger
	now      func() time.Time
	locks    keyedMutex
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithIndex(index Index) Option {
	return func(s *Store) { s.index = index }
}

func WithArchiver(archiver Archiver) Option {
	return func(s *Store) { s.archiver = archiver }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(root string, opts ...Option) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("session root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}

	store := &Store{
		root:   root,
		ttl:    DefaultTTL,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func (s *Store) Root() string {
	return s.root
}

// InitializeSession resumes the session named by rc.Token while it is
// unexpired, otherwise allocates a fresh one. The bool reports creation.
func (s *Store) InitializeSession(ctx context.Context, rc RequestContext) (model.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, false, err
	}
	now := s.now().UTC()

	if token := strings.TrimSpace(rc.Token); token != "" {
		existing, err := s.resumeSession(ctx, token, rc, now)
		switch {
		case err == nil:
			return existing, false, nil
		case errors.Is(err, errSessionExpired), errors.Is(err, model.ErrNotFound):
		case ctx.Err() != nil:
			return model.Session{}, false, err
		default:
			s.logger.Warn("session resume failed, allocating new session",
				zap.String("session_id", token), zap.Error(err))
		}
	}

	created, err := s.createSession(ctx, rc, now)
	if err != nil {
		return model.Session{}, false, err
	}
	return created, true, nil
}

func (s *Store) resumeSession(ctx context.Context, token string, rc RequestContext, now time.Time) (model.Session, error) {
	dir, ok := s.sessionDir(token)
	if !ok {
		return model.Session{}, model.ErrNotFound
	}

	var resumed model.Session
	err := s.withLock(ctx, dir, func() error {
		meta, err := readMetadata(dir)
		if err != nil {
			return err
		}

		if meta.Expired(now, s.ttl) {
			if meta.Status != model.SessionExpired {
				meta.Status = model.SessionExpired
				if err := writeJSONFile(filepath.Join(dir, metadataFileName), meta); err != nil {
					s.logger.Warn("mark session expired failed", zap.String("session_id", token), zap.Error(err))
				}
			}
			return errSessionExpired
		}

		if meta.UserID == nil && rc.UserID != nil {
			meta.UserID = rc.UserID
			if err := writeJSONFile(filepath.Join(dir, metadataFileName), meta); err != nil {
				return err
			}
		}
		resumed = meta
		return nil
	})
	return resumed, err
}

// createSession stages the whole directory under a temporary name and renames
// it into place, so a session is either complete or absent.
func (s *Store) createSession(ctx context.Context, rc RequestContext, now time.Time) (model.Session, error) {
	id, err := newSessionID(now)
	if err != nil {
		return model.Session{}, err
	}

	final := s.dirFor(id, now)
	partition := filepath.Dir(final)
	if err := os.MkdirAll(partition, 0o755); err != nil {
		return model.Session{}, model.Persistence("create session partition", err)
	}

	staging, err := os.MkdirTemp(partition, "."+id+"-")
	if err != nil {
		return model.Session{}, model.Persistence("stage session", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	for _, kind := range allLogKinds {
		if err := writeJSONFile(filepath.Join(staging, kind.fileName()), []json.RawMessage{}); err != nil {
			return model.Session{}, model.Persistence("seed session log", err)
		}
	}

	meta := model.Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		UserID:    rc.UserID,
		IPAddress: rc.IPAddress,
		UserAgent: rc.UserAgent,
		Status:    model.SessionActive,
		Path:      final,
	}
	if err := writeJSONFile(filepath.Join(staging, metadataFileName), meta); err != nil {
		return model.Session{}, model.Persistence("write session metadata", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return model.Session{}, model.Persistence("commit session", err)
	}
	committed = true

	s.syncIndex(ctx, meta)
	return meta, nil
}

// AppendEvent routes the event to its log by type and bumps the counters.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, event model.Event) (model.Session, error) {
	var updated model.Session
	err := s.appendEntry(ctx, sessionID, logKindFor(event.Type), event, MaxEventEntries, func(meta *model.Session) {
		now := s.now().UTC()
		meta.EventsCount++
		if event.IsError() {
			meta.ErrorsCount++
		}
		if meta.UserID == nil && event.UserID != nil {
			meta.UserID = event.UserID
		}
		meta.UpdatedAt = now
		if next := now.Add(s.ttl); next.After(meta.ExpiresAt) {
			meta.ExpiresAt = next
		}
		meta.Status = model.SessionActive
		updated = *meta
	})
	if err != nil {
		return model.Session{}, err
	}

	s.syncIndex(ctx, updated)
	return updated, nil
}

func (s *Store) AppendAnalysis(ctx context.Context, sessionID string, result model.AnalysisResult) error {
	return s.appendEntry(ctx, sessionID, LogAIAnalysis, result, MaxAnalysisEntries, nil)
}

func (s *Store) AppendFixResult(ctx context.Context, sessionID string, result model.FixResult) error {
	return s.appendEntry(ctx, sessionID, LogAutoFixes, result, MaxFixEntries, nil)
}

func (s *Store) appendEntry(
	ctx context.Context,
	sessionID string,
	kind LogKind,
	entry any,
	limit int,
	touch func(*model.Session),
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, ok := s.sessionDir(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}

	encoded, err := marshalEntry(entry)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", kind, err)
	}

	return s.withLock(ctx, dir, func() error {
		metaPath := filepath.Join(dir, metadataFileName)
		if _, err := os.Stat(metaPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
			}
			return model.Persistence("stat session", err)
		}

		logPath := filepath.Join(dir, kind.fileName())
		entries, err := readEntries(logPath)
		if err != nil {
			return model.Persistence("read "+string(kind)+" log", err)
		}
		entries = append(entries, encoded)
		if len(entries) > limit {
			entries = append([]json.RawMessage(nil), entries[len(entries)-limit:]...)
		}
		if err := writeJSONFile(logPath, entries); err != nil {
			return model.Persistence("write "+string(kind)+" log", err)
		}

		if touch == nil {
			return nil
		}
		meta, err := readMetadata(dir)
		if err != nil {
			return err
		}
		touch(&meta)
		if err := writeJSONFile(metaPath, meta); err != nil {
			return model.Persistence("write session metadata", err)
		}
		return nil
	})
}

func (s *Store) GetSessionData(ctx context.Context, sessionID string) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, err
	}
	dir, ok := s.sessionDir(sessionID)
	if !ok {
		return model.Session{}, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	return readMetadata(dir)
}

// GetSessionEvents returns the session's events ascending by timestamp.
// filter is "all", a log name (actions, errors, performance) or an event type.
func (s *Store) GetSessionEvents(ctx context.Context, sessionID, filter string) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, ok := s.sessionDir(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	if _, err := os.Stat(filepath.Join(dir, metadataFileName)); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}

	kinds, typeFilter, err := resolveEventFilter(filter)
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0)
	for _, kind := range kinds {
		var logged []model.Event
		if err := readJSONFile(filepath.Join(dir, kind.fileName()), &logged); err != nil {
			return nil, model.Persistence("read "+string(kind)+" log", err)
		}
		for _, event := range logged {
			if typeFilter != "" && event.Type != typeFilter {
				continue
			}
			events = append(events, event)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EffectiveTimestamp() < events[j].EffectiveTimestamp()
	})
	return events, nil
}

// RecentEvents returns up to limit of the newest events, still ascending.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int) ([]model.Event, error) {
	events, err := s.GetSessionEvents(ctx, sessionID, "all")
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (s *Store) GetAnalyses(ctx context.Context, sessionID string) ([]model.AnalysisResult, error) {
	results := make([]model.AnalysisResult, 0)
	if err := s.readLog(ctx, sessionID, LogAIAnalysis, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) GetFixResults(ctx context.Context, sessionID string) ([]model.FixResult, error) {
	results := make([]model.FixResult, 0)
	if err := s.readLog(ctx, sessionID, LogAutoFixes, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) readLog(ctx context.Context, sessionID string, kind LogKind, target any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, ok := s.sessionDir(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	if err := readJSONFile(filepath.Join(dir, kind.fileName()), target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
		}
		return model.Persistence("read "+string(kind)+" log", err)
	}
	return nil
}

// ExtendSession counts as activity: the session is touched now and will not
// expire before now+by.
func (s *Store) ExtendSession(ctx context.Context, sessionID string, by time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	dir, ok := s.sessionDir(sessionID)
	if !ok {
		return time.Time{}, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}

	var expiresAt time.Time
	err := s.withLock(ctx, dir, func() error {
		meta, err := readMetadata(dir)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		meta.UpdatedAt = now
		if next := now.Add(by); next.After(meta.ExpiresAt) {
			meta.ExpiresAt = next
		}
		meta.Status = model.SessionActive
		if err := writeJSONFile(filepath.Join(dir, metadataFileName), meta); err != nil {
			return model.Persistence("write session metadata", err)
		}
		expiresAt = meta.ExpiresAt
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return expiresAt, nil
}

// CleanupOldSessions deletes date partitions older than daysOld days. A
// partition whose archive copy failed is kept for the next run.
func (s *Store) CleanupOldSessions(ctx context.Context, daysOld int) (CleanupResult, error) {
	if daysOld <= 0 {
		daysOld = DefaultRetentionDays
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	cutoff := today.AddDate(0, 0, -daysOld)
	result := CleanupResult{Cutoff: cutoff.Format(partitionLayout)}

	partitions, err := os.ReadDir(s.root)
	if err != nil {
		return result, model.Persistence("list session partitions", err)
	}

	for _, partition := range partitions {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !partition.IsDir() {
			continue
		}
		day, err := time.Parse(partitionLayout, partition.Name())
		if err != nil || !day.Before(cutoff) {
			continue
		}

		partitionDir := filepath.Join(s.root, partition.Name())
		sessions := listSessionDirs(partitionDir)

		archiveFailed := false
		if s.archiver != nil {
			for _, sessionID := range sessions {
				bundle, err := readBundle(filepath.Join(partitionDir, sessionID))
				if err == nil {
					err = s.archiver.ArchiveSession(ctx, partition.Name(), sessionID, bundle)
				}
				if err != nil {
					archiveFailed = true
					result.Failures++
					s.logger.Warn("session archive failed",
						zap.String("partition", partition.Name()),
						zap.String("session_id", sessionID),
						zap.Error(err))
					continue
				}
				result.ArchivedSessions++
			}
		}
		if archiveFailed {
			continue
		}

		if err := os.RemoveAll(partitionDir); err != nil {
			result.Failures++
			s.logger.Warn("session partition delete failed",
				zap.String("partition", partition.Name()), zap.Error(err))
			continue
		}
		result.DeletedPartitions++
		result.DeletedSessions += len(sessions)
	}

	s.logger.Info("session cleanup completed",
		zap.String("cutoff", result.Cutoff),
		zap.Int("partitions", result.DeletedPartitions),
		zap.Int("sessions", result.DeletedSessions),
		zap.Int("archived", result.ArchivedSessions),
		zap.Int("failures", result.Failures))
	return result, nil
}

func (s *Store) syncIndex(ctx context.Context, meta model.Session) {
	if s.index == nil {
		return
	}
	if err := s.index.UpsertSession(ctx, meta); err != nil {
		s.logger.Warn("session summary upsert failed", zap.String("session_id", meta.ID), zap.Error(err))
	}
}

// withLock serializes fn against other goroutines and processes touching dir.
// Waiting for either lock gives up when ctx is done.
func (s *Store) withLock(ctx context.Context, dir string, fn func() error) error {
	release, err := s.locks.lock(ctx, dir)
	if err != nil {
		return fmt.Errorf("wait for session lock: %w", err)
	}
	defer release()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.ErrNotFound
		}
		return model.Persistence("stat session", err)
	}

	unlock, err := lockDir(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return model.Persistence("lock session", err)
	}
	defer unlock()
	return fn()
}

func (s *Store) sessionDir(sessionID string) (string, bool) {
	createdAt, ok := createdAtFromID(sessionID)
	if !ok {
		return "", false
	}
	return s.dirFor(sessionID, createdAt), true
}

func (s *Store) dirFor(sessionID string, createdAt time.Time) string {
	return filepath.Join(s.root, createdAt.UTC().Format(partitionLayout), sessionID)
}

func logKindFor(eventType model.EventType) LogKind {
	switch eventType {
	case model.EventError:
		return LogErrors
	case model.EventPerformance:
		return LogPerformance
	default:
		return LogActions
	}
}

func resolveEventFilter(filter string) ([]LogKind, model.EventType, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(filter)); normalized {
	case "", "all":
		return eventLogKinds, "", nil
	case string(LogActions):
		return []LogKind{LogActions}, "", nil
	case string(LogErrors):
		return []LogKind{LogErrors}, "", nil
	default:
		eventType := model.EventType(normalized)
		if !eventType.Valid() {
			return nil, "", &model.ValidationError{Field: "type", Message: fmt.Sprintf("unknown event filter %q", filter)}
		}
		return []LogKind{logKindFor(eventType)}, eventType, nil
	}
}

func readMetadata(dir string) (model.Session, error) {
	var meta model.Session
	if err := readJSONFile(filepath.Join(dir, metadataFileName), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Session{}, model.ErrNotFound
		}
		return model.Session{}, model.Persistence("read session metadata", err)
	}
	return meta, nil
}

func readEntries(path string) ([]json.RawMessage, error) {
	entries := make([]json.RawMessage, 0)
	if err := readJSONFile(path, &entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return entries, nil
}

func readJSONFile(path string, target any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func listSessionDirs(partitionDir string) []string {
	entries, err := os.ReadDir(partitionDir)
	if err != nil {
		return nil
	}
	sessions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && ValidID(entry.Name()) {
			sessions = append(sessions, entry.Name())
		}
	}
	return sessions
}

func readBundle(dir string) (map[string]json.RawMessage, error) {
	bundle := make(map[string]json.RawMessage, len(allLogKinds)+1)
	names := []string{metadataFileName}
	for _, kind := range allLogKinds {
		names = append(names, kind.fileName())
	}
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		raw = bytes.TrimSpace(raw)
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%s/%s is not valid json", filepath.Base(dir), name)
		}
		bundle[strings.TrimSuffix(name, ".json")] = json.RawMessage(raw)
	}
	return bundle, nil
}

// marshalEntry encodes without HTML escaping so stored logs stay readable.
func marshalEntry(value any) (json.RawMessage, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimSpace(buf.Bytes())), nil
}

// writeJSONFile replaces path atomically with a pretty-printed document.
func writeJSONFile(path string, value any) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(value); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
