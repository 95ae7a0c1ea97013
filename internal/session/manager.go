// Package session owns per-user browser profile directories under a single
// base directory.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/developingchet/identity-isolator/internal/pool"
	"github.com/developingchet/identity-isolator/internal/storage"
	"github.com/rs/zerolog"
)

// profileDirs is the Chrome profile skeleton created inside every session.
var profileDirs = []string{
	"Default",
	filepath.Join("Default", "Cache"),
	filepath.Join("Default", "Cookies"),
}

const suffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// Queue accepts deletion jobs. *pool.Pool satisfies it.
type Queue interface {
	Enqueue(job pool.Job) bool
}

// Manager creates, rotates and ages out session directories. Records live in
// the store; directories are owned by their record.
type Manager struct {
	baseDir string
	store   storage.Store
	queue   Queue
	log     zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewManager resolves baseDir to an absolute path and creates it.
func NewManager(baseDir string, store storage.Store, log zerolog.Logger) (*Manager, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve session base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create session base dir: %w", err)
	}
	return &Manager{
		baseDir: abs,
		store:   store,
		log:     log.With().Str("component", "session").Logger(),
		now:     time.Now,
	}, nil
}

// SetQueue routes rotated-out directories through q for asynchronous deletion.
func (m *Manager) SetQueue(q Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
}

// BaseDir returns the absolute base directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// GetSessionForUser returns the user's profile directory. A record whose
// directory vanished is purged. With create set, a missing session is created;
// otherwise "" is returned.
func (m *Manager) GetSessionForUser(userID string, create bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetSession(userID)
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	if rec != nil {
		if isDir(rec.Path) {
			return rec.Path, nil
		}
		m.log.Info().Str("user_id", userID).Str("session_id", rec.ID).Msg("session directory vanished, purging record")
		if err := m.store.DeleteSession(userID); err != nil {
			return "", fmt.Errorf("purge session: %w", err)
		}
	}
	if !create {
		return "", nil
	}
	rec, err = m.createLocked(userID)
	if err != nil {
		return "", err
	}
	return rec.Path, nil
}

func (m *Manager) createLocked(userID string) (*storage.SessionRecord, error) {
	now := m.now()
	id := fmt.Sprintf("session_%s_%d_%s", safeName(userID), now.Unix(), randomSuffix(8))
	path := filepath.Join(m.baseDir, id)
	if !m.contained(path) {
		return nil, fmt.Errorf("session path %q escapes base directory", path)
	}

	for _, d := range profileDirs {
		if err := os.MkdirAll(filepath.Join(path, d), 0o750); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
	}

	rec := storage.SessionRecord{UserID: userID, ID: id, Path: path, CreatedAt: now.UTC()}
	if err := m.store.PutSession(rec); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("save session: %w", err)
	}
	metrics.SessionsCreated.Inc()
	m.log.Info().Str("user_id", userID).Str("session_id", id).Msg("created session")
	return &rec, nil
}

// RotateUserSession gives the user a fresh directory. The old one is handed to
// the deletion queue; without a queue, or when it is full, it is deleted inline.
func (m *Manager) RotateUserSession(userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, err := m.store.GetSession(userID)
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	rec, err := m.createLocked(userID)
	if err != nil {
		return "", err
	}
	if old != nil && old.Path != rec.Path {
		m.scheduleDelete(*old)
	}
	return rec.Path, nil
}

func (m *Manager) scheduleDelete(old storage.SessionRecord) {
	job := pool.Job{
		Action:    pool.ActionDeleteSession,
		UserID:    old.UserID,
		SessionID: old.ID,
		Path:      old.Path,
	}
	if m.queue != nil && m.queue.Enqueue(job) {
		return
	}
	m.log.Warn().Str("user_id", old.UserID).Str("session_id", old.ID).Msg("deletion queue unavailable, deleting session inline")
	if _, err := m.deleteSessionDir(old.Path, "rotate"); err != nil {
		m.log.Error().Err(err).Str("path", old.Path).Msg("failed to delete rotated session")
	}
}

// HandleJob is the worker-pool handler for session deletion. A refused path is
// not retried.
func (m *Manager) HandleJob(_ context.Context, job pool.Job) error {
	if job.Action != pool.ActionDeleteSession {
		return fmt.Errorf("unknown job action %q", job.Action)
	}
	_, err := m.deleteSessionDir(job.Path, "rotate")
	return err
}

// deleteSessionDir removes path if it is a direct child of the base directory.
// Anything else is refused with a warning and reported as not deleted.
func (m *Manager) deleteSessionDir(path, reason string) (bool, error) {
	if !m.contained(path) {
		metrics.UnsafeDeletes.Inc()
		m.log.Warn().Str("path", path).Str("base_dir", m.baseDir).Msg("refusing to delete path outside session base directory")
		return false, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("remove %s: %w", path, err)
	}
	metrics.SessionsDeleted.WithLabelValues(reason).Inc()
	m.log.Debug().Str("path", path).Str("reason", reason).Msg("deleted session directory")
	return true, nil
}

// ClearUserSession drops the user's session and deletes its directory
// synchronously. Returns false when the user had none.
func (m *Manager) ClearUserSession(userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetSession(userID)
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	if err := m.store.DeleteSession(userID); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	if _, err := m.deleteSessionDir(rec.Path, "clear"); err != nil {
		return true, err
	}
	m.log.Info().Str("user_id", userID).Str("session_id", rec.ID).Msg("cleared session")
	return true, nil
}

// CleanOldSessions removes sessions created before now-maxAge, then sweeps
// unreferenced directories in the base directory last modified before the
// same cutoff. Returns the number of directories removed.
func (m *Manager) CleanOldSessions(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	records, err := m.store.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cleaned := 0
	referenced := make(map[string]bool, len(records))
	for userID, rec := range records {
		if !rec.CreatedAt.Before(cutoff) {
			referenced[filepath.Clean(rec.Path)] = true
			continue
		}
		if err := m.store.DeleteSession(userID); err != nil {
			m.log.Error().Err(err).Str("user_id", userID).Msg("failed to drop expired session record")
			referenced[filepath.Clean(rec.Path)] = true
			continue
		}
		ok, err := m.deleteSessionDir(rec.Path, "expired")
		if err != nil {
			m.log.Error().Err(err).Str("path", rec.Path).Msg("failed to delete expired session")
			continue
		}
		if ok {
			cleaned++
		}
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return cleaned, fmt.Errorf("read session base dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.baseDir, e.Name())
		if referenced[path] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			m.log.Warn().Err(err).Str("path", path).Msg("cannot stat session directory")
			continue
		}
		// ModTime stands in for creation time; Go exposes no portable birth time.
		if !info.ModTime().Before(cutoff) {
			continue
		}
		ok, err := m.deleteSessionDir(path, "orphan")
		if err != nil {
			m.log.Error().Err(err).Str("path", path).Msg("failed to delete orphaned session")
			continue
		}
		if ok {
			cleaned++
		}
	}

	if cleaned > 0 {
		m.log.Info().Int("cleaned", cleaned).Dur("max_age", maxAge).Msg("cleaned old sessions")
	}
	return cleaned, nil
}

// ActiveSessions returns the number of session records.
func (m *Manager) ActiveSessions() (int, error) {
	recs, err := m.store.ListSessions()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// contained reports whether path is a direct child of the base directory.
func (m *Manager) contained(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(m.baseDir, abs)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !strings.ContainsRune(rel, filepath.Separator)
}

// safeName keeps user IDs from introducing path separators into session IDs.
func safeName(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			return r
		}
		return '_'
	}, userID)
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixChars[rand.IntN(len(suffixChars))]
	}
	return string(b)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
