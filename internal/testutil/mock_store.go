package testutil

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/identity-isolator/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu          sync.Mutex
	ips         map[string]storage.IPRecord
	assignments map[string]storage.Assignment
	sessions    map[string]storage.SessionRecord

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		ips:         make(map[string]storage.IPRecord),
		assignments: make(map[string]storage.Assignment),
		sessions:    make(map[string]storage.SessionRecord),
		errors:      make(map[string]error),
		Size:        1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func cloneIP(r storage.IPRecord) *storage.IPRecord {
	r.AssignedUsers = append([]string(nil), r.AssignedUsers...)
	r.Failures = append([]storage.FailureEvent(nil), r.Failures...)
	return &r
}

func (m *MockStore) EnsureIndexes() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("EnsureIndexes")
}

// --- IP pool ----------------------------------------------------------------

func (m *MockStore) InsertIP(rec storage.IPRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("InsertIP"); err != nil {
		return err
	}
	for _, r := range m.ips {
		if r.Address == rec.Address {
			return storage.ErrDuplicateAddress
		}
	}
	if _, ok := m.ips[rec.ID]; ok {
		return fmt.Errorf("ip id %s already exists", rec.ID)
	}
	rec.SetStatus(rec.Status)
	m.ips[rec.ID] = *cloneIP(rec)
	return nil
}

func (m *MockStore) GetIP(id string) (*storage.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetIP"); err != nil {
		return nil, err
	}
	r, ok := m.ips[id]
	if !ok {
		return nil, nil
	}
	return cloneIP(r), nil
}

func (m *MockStore) GetIPByAddress(address string) (*storage.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetIPByAddress"); err != nil {
		return nil, err
	}
	for _, r := range m.ips {
		if r.Address == address {
			return cloneIP(r), nil
		}
	}
	return nil, nil
}

func (m *MockStore) ListIPs(f storage.IPFilter) ([]storage.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListIPs"); err != nil {
		return nil, err
	}
	var out []storage.IPRecord
	for _, r := range m.ips {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		out = append(out, *cloneIP(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MockStore) CountIPs() (map[storage.IPStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CountIPs"); err != nil {
		return nil, err
	}
	counts := map[storage.IPStatus]int{
		storage.StatusAvailable: 0,
		storage.StatusInUse:     0,
		storage.StatusBanned:    0,
	}
	for _, r := range m.ips {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *MockStore) DeleteIP(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteIP"); err != nil {
		return nil, err
	}
	if _, ok := m.ips[id]; !ok {
		return nil, storage.ErrNotFound
	}
	var users []string
	for u, a := range m.assignments {
		if a.IPID == id {
			users = append(users, u)
			delete(m.assignments, u)
		}
	}
	sort.Strings(users)
	delete(m.ips, id)
	return users, nil
}

func (m *MockStore) Candidates(limit int) ([]storage.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Candidates"); err != nil {
		return nil, err
	}
	var out []storage.IPRecord
	for _, r := range m.ips {
		if r.Status == storage.StatusAvailable && !r.InUse {
			out = append(out, *cloneIP(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastRotation.Equal(out[j].LastRotation) {
			return out[i].LastRotation.Before(out[j].LastRotation)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) SharedCandidates(limit, maxUsers int) ([]storage.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SharedCandidates"); err != nil {
		return nil, err
	}
	var out []storage.IPRecord
	for _, r := range m.ips {
		if r.Status == storage.StatusInUse && len(r.AssignedUsers) < maxUsers {
			out = append(out, *cloneIP(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].AssignedUsers) != len(out[j].AssignedUsers) {
			return len(out[i].AssignedUsers) < len(out[j].AssignedUsers)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) ClaimIP(id, userID string, maxUsers int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ClaimIP"); err != nil {
		return false, err
	}
	if _, ok := m.assignments[userID]; ok {
		return false, storage.ErrAssignmentExists
	}
	r, ok := m.ips[id]
	if !ok || !r.Claimable(userID, maxUsers) {
		return false, nil
	}
	rec := cloneIP(r)
	rec.SetStatus(storage.StatusInUse)
	rec.LastAssigned = now.UTC()
	rec.AssignedUsers = append(rec.AssignedUsers, userID)
	m.ips[id] = *rec
	m.assignments[userID] = storage.Assignment{
		UserID:       userID,
		IPID:         id,
		AssignedAt:   now.UTC(),
		LastActivity: now.UTC(),
	}
	return true, nil
}

func (m *MockStore) ReleaseIP(id, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ReleaseIP"); err != nil {
		return err
	}
	r, ok := m.ips[id]
	if !ok {
		return storage.ErrNotFound
	}
	others := 0
	for u, a := range m.assignments {
		if a.IPID == id && u != userID {
			others++
		}
	}
	rec := cloneIP(r)
	rec.RemoveUser(userID)
	if others == 0 && rec.Status == storage.StatusInUse {
		rec.SetStatus(storage.StatusAvailable)
		rec.LastRotation = now.UTC()
	}
	m.ips[id] = *rec
	if a, ok := m.assignments[userID]; ok && a.IPID == id {
		delete(m.assignments, userID)
	}
	return nil
}

func (m *MockStore) RecordFailure(id string, ev storage.FailureEvent) (*storage.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("RecordFailure"); err != nil {
		return nil, err
	}
	r, ok := m.ips[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := cloneIP(r)
	rec.FailureCount++
	rec.LastCheck = ev.Timestamp.UTC()
	rec.Failures = append(rec.Failures, ev)
	m.ips[id] = *rec
	return cloneIP(*rec), nil
}

func (m *MockStore) MarkBanned(id, reason string, now time.Time) (*storage.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("MarkBanned"); err != nil {
		return nil, err
	}
	r, ok := m.ips[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := cloneIP(r)
	rec.SetStatus(storage.StatusBanned)
	rec.BanReason = reason
	rec.BannedAt = now.UTC()
	rec.BanCount++
	m.ips[id] = *rec
	return cloneIP(*rec), nil
}

// --- Assignments ------------------------------------------------------------

func (m *MockStore) GetAssignment(userID string) (*storage.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetAssignment"); err != nil {
		return nil, err
	}
	a, ok := m.assignments[userID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MockStore) TouchAssignment(userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("TouchAssignment"); err != nil {
		return err
	}
	a, ok := m.assignments[userID]
	if !ok {
		return storage.ErrNotFound
	}
	a.LastActivity = now.UTC()
	m.assignments[userID] = a
	return nil
}

func (m *MockStore) DeleteAssignment(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteAssignment"); err != nil {
		return err
	}
	a, ok := m.assignments[userID]
	if !ok {
		return nil
	}
	delete(m.assignments, userID)
	if r, ok := m.ips[a.IPID]; ok {
		rec := cloneIP(r)
		rec.RemoveUser(userID)
		m.ips[a.IPID] = *rec
	}
	return nil
}

func (m *MockStore) AssignmentsForIP(ipID string) ([]storage.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AssignmentsForIP"); err != nil {
		return nil, err
	}
	var out []storage.Assignment
	for _, a := range m.assignments {
		if a.IPID == ipID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MockStore) AssignmentsBefore(cutoff time.Time) ([]storage.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AssignmentsBefore"); err != nil {
		return nil, err
	}
	var out []storage.Assignment
	for _, a := range m.assignments {
		if a.AssignedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (m *MockStore) CountAssignments() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CountAssignments"); err != nil {
		return 0, err
	}
	return len(m.assignments), nil
}

// --- Sessions ---------------------------------------------------------------

func (m *MockStore) GetSession(userID string) (*storage.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetSession"); err != nil {
		return nil, err
	}
	rec, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MockStore) PutSession(rec storage.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PutSession"); err != nil {
		return err
	}
	m.sessions[rec.UserID] = rec
	return nil
}

func (m *MockStore) DeleteSession(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteSession"); err != nil {
		return err
	}
	delete(m.sessions, userID)
	return nil
}

func (m *MockStore) ListSessions() (map[string]storage.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListSessions"); err != nil {
		return nil, err
	}
	result := make(map[string]storage.SessionRecord, len(m.sessions))
	for k, v := range m.sessions {
		result[k] = v
	}
	return result, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error { return nil }
