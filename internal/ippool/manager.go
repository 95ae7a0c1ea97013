// Package ippool allocates proxy IPs from a shared pool to logical users and
// manages their lifecycle: assignment, release, rotation, failure tracking
// and bans.
package ippool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/developingchet/identity-isolator/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotInitialized is returned by every operation until Initialize succeeds.
	ErrNotInitialized = errors.New("ip manager not initialized")
	// ErrUnavailable wraps store failures.
	ErrUnavailable = errors.New("ip store unavailable")
	// ErrPoolExhausted means no IP could be claimed for the user.
	ErrPoolExhausted = errors.New("ip pool exhausted")
	// ErrIPNotFound is returned for operations on an unknown IP ID.
	ErrIPNotFound = errors.New("ip not found")
	// ErrInvalidAddress is returned by AddIP for a malformed endpoint.
	ErrInvalidAddress = errors.New("invalid proxy endpoint")
)

// Failure types that ban an IP immediately.
const (
	FailureBanned       = "banned"
	FailureSuspectedBan = "suspected_ban"
)

// Config tunes allocation and failure handling.
type Config struct {
	FailureThreshold int
	CandidateLimit   int
	ClaimRounds      int
	ClaimBackoff     time.Duration
	MaxUsersPerIP    int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CandidateLimit:   10,
		ClaimRounds:      3,
		ClaimBackoff:     50 * time.Millisecond,
		MaxUsersPerIP:    1,
	}
}

// AddIPRequest describes a proxy endpoint to pool.
type AddIPRequest struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// UserIPInfo is the display-safe view of a user's assignment.
type UserIPInfo struct {
	HasIP         bool             `json:"has_ip"`
	Message       string           `json:"message,omitempty"`
	IPAddress     string           `json:"ip_address,omitempty"`
	AssignedAt    *time.Time       `json:"assigned_at,omitempty"`
	DurationHours float64          `json:"duration_hours"`
	Status        storage.IPStatus `json:"status,omitempty"`
	Provider      string           `json:"provider,omitempty"`
	LastActivity  *time.Time       `json:"last_activity,omitempty"`
}

// Stats summarises the pool.
type Stats struct {
	TotalIPs         int     `json:"total_ips"`
	Available        int     `json:"available"`
	InUse            int     `json:"in_use"`
	Banned           int     `json:"banned"`
	TotalAssignments int     `json:"total_assignments"`
	Utilization      float64 `json:"utilization"`
}

// Manager serialises pool mutations within the process. Cross-process
// exclusivity comes from the store's conditional claim.
type Manager struct {
	store storage.Store
	cfg   Config
	log   zerolog.Logger

	mu    sync.Mutex
	ready atomic.Bool

	now  func() time.Time
	intn func(n int) int
}

// NewManager returns an uninitialised Manager. Call Initialize before use.
func NewManager(store storage.Store, cfg Config, log zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CandidateLimit < 1 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.ClaimRounds < 1 {
		cfg.ClaimRounds = def.ClaimRounds
	}
	if cfg.MaxUsersPerIP < 1 {
		cfg.MaxUsersPerIP = def.MaxUsersPerIP
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "ippool").Logger(),
		now:   time.Now,
		intn:  rand.IntN,
	}
}

// Initialize creates the store indexes. On failure the manager stays unusable
// and every operation returns ErrNotInitialized.
func (m *Manager) Initialize() error {
	if m.store == nil {
		return fmt.Errorf("%w: no store configured", ErrUnavailable)
	}
	if err := m.store.EnsureIndexes(); err != nil {
		m.log.Error().Err(err).Msg("failed to initialize ip store")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.ready.Store(true)
	m.log.Info().Msg("ip manager initialized")
	return nil
}

// Ready reports whether Initialize succeeded.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

func (m *Manager) checkReady() error {
	if !m.ready.Load() {
		return ErrNotInitialized
	}
	return nil
}

func (m *Manager) unavailable(op string, err error) error {
	m.log.Error().Err(err).Str("op", op).Msg("ip store operation failed")
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// GetIPForUser returns the user's current IP, allocating one when the user has
// none or the assignment is stale.
func (m *Manager) GetIPForUser(ctx context.Context, userID string) (*storage.IPRecord, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getIPForUserLocked(ctx, userID)
}

func (m *Manager) getIPForUserLocked(ctx context.Context, userID string) (*storage.IPRecord, error) {
	a, err := m.store.GetAssignment(userID)
	if err != nil {
		return nil, m.unavailable("get assignment", err)
	}
	if a != nil {
		rec, err := m.store.GetIP(a.IPID)
		if err != nil {
			return nil, m.unavailable("get ip", err)
		}
		if rec != nil && rec.Status == storage.StatusInUse {
			if err := m.store.TouchAssignment(userID, m.now()); err != nil {
				m.log.Warn().Err(err).Str("user_id", userID).Msg("failed to refresh assignment activity")
			}
			return rec, nil
		}
		m.log.Info().Str("user_id", userID).Str("ip_id", a.IPID).Msg("purging stale assignment")
		if err := m.store.DeleteAssignment(userID); err != nil {
			return nil, m.unavailable("delete stale assignment", err)
		}
	}
	return m.assignNewLocked(ctx, userID, "")
}

// assignNewLocked claims an IP for userID. avoid is skipped while other
// candidates remain. Lost claims drop the candidate; once a round's candidates
// are used up the set is refetched, up to ClaimRounds times.
func (m *Manager) assignNewLocked(ctx context.Context, userID, avoid string) (*storage.IPRecord, error) {
	for round := 0; round < m.cfg.ClaimRounds; round++ {
		if round > 0 {
			backoff := time.Duration(float64(m.cfg.ClaimBackoff) * math.Pow(2, float64(round-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		cands, err := m.candidates(userID, avoid)
		if err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			break
		}

		lost := false
		for len(cands) > 0 {
			i := m.intn(len(cands))
			c := cands[i]
			ok, err := m.store.ClaimIP(c.ID, userID, m.cfg.MaxUsersPerIP, m.now())
			if errors.Is(err, storage.ErrAssignmentExists) {
				// Another process assigned this user in the meantime.
				return m.currentIPLocked(userID)
			}
			if err != nil {
				metrics.IPAllocations.WithLabelValues("error").Inc()
				return nil, m.unavailable("claim ip", err)
			}
			if ok {
				rec, err := m.store.GetIP(c.ID)
				if err != nil {
					return nil, m.unavailable("get ip", err)
				}
				result := "assigned"
				if c.Status == storage.StatusInUse {
					result = "shared"
				}
				metrics.IPAllocations.WithLabelValues(result).Inc()
				m.log.Info().Str("user_id", userID).Str("ip_id", c.ID).
					Str("ip", MaskAddress(c.Address)).Str("result", result).Msg("assigned ip")
				return rec, nil
			}
			metrics.ClaimConflicts.Inc()
			m.log.Debug().Str("user_id", userID).Str("ip_id", c.ID).Msg("lost claim race")
			lost = true
			cands = append(cands[:i], cands[i+1:]...)
		}
		if !lost {
			break
		}
	}

	metrics.IPAllocations.WithLabelValues("exhausted").Inc()
	m.log.Warn().Str("user_id", userID).Msg("no available ip in pool")
	return nil, ErrPoolExhausted
}

// candidates returns free IPs, falling back to shareable in-use IPs when
// MaxUsersPerIP allows it.
func (m *Manager) candidates(userID, avoid string) ([]storage.IPRecord, error) {
	cands, err := m.store.Candidates(m.cfg.CandidateLimit)
	if err != nil {
		return nil, m.unavailable("list candidates", err)
	}
	if len(cands) == 0 && m.cfg.MaxUsersPerIP > 1 {
		shared, err := m.store.SharedCandidates(m.cfg.CandidateLimit, m.cfg.MaxUsersPerIP)
		if err != nil {
			return nil, m.unavailable("list shared candidates", err)
		}
		for _, c := range shared {
			if !c.HasUser(userID) {
				cands = append(cands, c)
			}
		}
	}
	if avoid != "" && len(cands) > 1 {
		kept := cands[:0]
		for _, c := range cands {
			if c.ID != avoid {
				kept = append(kept, c)
			}
		}
		cands = kept
	}
	return cands, nil
}

func (m *Manager) currentIPLocked(userID string) (*storage.IPRecord, error) {
	a, err := m.store.GetAssignment(userID)
	if err != nil {
		return nil, m.unavailable("get assignment", err)
	}
	if a == nil {
		return nil, ErrPoolExhausted
	}
	rec, err := m.store.GetIP(a.IPID)
	if err != nil {
		return nil, m.unavailable("get ip", err)
	}
	if rec == nil {
		return nil, ErrPoolExhausted
	}
	return rec, nil
}

// CurrentIPForUser returns the IP the user holds without allocating. A user
// with no assignment, or whose IP record is gone, yields nil.
func (m *Manager) CurrentIPForUser(ctx context.Context, userID string) (*storage.IPRecord, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.currentIPLocked(userID)
	if errors.Is(err, ErrPoolExhausted) {
		return nil, nil
	}
	return rec, err
}

// RotateIPForUser releases the user's current IP and allocates a different one
// when the pool allows.
func (m *Manager) RotateIPForUser(ctx context.Context, userID string) (*storage.IPRecord, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked(ctx, userID)
}

func (m *Manager) rotateLocked(ctx context.Context, userID string) (*storage.IPRecord, error) {
	a, err := m.store.GetAssignment(userID)
	if err != nil {
		return nil, m.unavailable("get assignment", err)
	}
	var previous string
	if a != nil {
		previous = a.IPID
		if err := m.releaseLocked(a.IPID, userID); err != nil {
			return nil, err
		}
	}
	rec, err := m.assignNewLocked(ctx, userID, previous)
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("user_id", userID).Str("old_ip_id", previous).Str("new_ip_id", rec.ID).Msg("rotated ip")
	return rec, nil
}

// releaseLocked detaches userID from ipID. A vanished IP record is not an
// error; the user's assignment is purged instead.
func (m *Manager) releaseLocked(ipID, userID string) error {
	err := m.store.ReleaseIP(ipID, userID, m.now())
	if errors.Is(err, storage.ErrNotFound) {
		m.log.Warn().Str("ip_id", ipID).Str("user_id", userID).Msg("released ip no longer exists")
		if err := m.store.DeleteAssignment(userID); err != nil {
			return m.unavailable("delete assignment", err)
		}
		return nil
	}
	if err != nil {
		return m.unavailable("release ip", err)
	}
	metrics.IPReleases.Inc()
	return nil
}

// ReportIPFailure records a failure against the IP and bans it when the type
// is a ban signal or the failure threshold is reached. Returns the updated record.
func (m *Manager) ReportIPFailure(ctx context.Context, ipID, failureType, details string) (*storage.IPRecord, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.RecordFailure(ipID, storage.FailureEvent{
		Type:      failureType,
		Details:   details,
		Timestamp: m.now().UTC(),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrIPNotFound
	}
	if err != nil {
		return nil, m.unavailable("record failure", err)
	}
	metrics.IPFailures.WithLabelValues(failureType).Inc()
	m.log.Warn().Str("ip_id", ipID).Str("type", failureType).
		Int("failure_count", rec.FailureCount).Msg("ip failure reported")

	if rec.Status == storage.StatusBanned {
		return rec, nil
	}
	switch {
	case failureType == FailureBanned || failureType == FailureSuspectedBan:
		return m.banLocked(ctx, ipID, fmt.Sprintf("Reported as %s: %s", failureType, details), "failure")
	case rec.FailureCount >= m.cfg.FailureThreshold:
		return m.banLocked(ctx, ipID, fmt.Sprintf("Exceeded failure threshold: %d failures", rec.FailureCount), "threshold")
	}
	return rec, nil
}

// BanIP bans the IP and moves every attached user to a new IP where possible.
func (m *Manager) BanIP(ctx context.Context, ipID, reason string) (*storage.IPRecord, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banLocked(ctx, ipID, reason, "manual")
}

func (m *Manager) banLocked(ctx context.Context, ipID, reason, trigger string) (*storage.IPRecord, error) {
	rec, err := m.store.MarkBanned(ipID, reason, m.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrIPNotFound
	}
	if err != nil {
		return nil, m.unavailable("ban ip", err)
	}
	metrics.IPBans.WithLabelValues(trigger).Inc()
	m.log.Warn().Str("ip_id", ipID).Str("ip", MaskAddress(rec.Address)).
		Str("reason", reason).Msg("banned ip")

	assignments, err := m.store.AssignmentsForIP(ipID)
	if err != nil {
		return rec, m.unavailable("list assignments", err)
	}
	m.reassignLocked(ctx, ipID, assignmentUsers(assignments))

	if updated, err := m.store.GetIP(ipID); err == nil && updated != nil {
		rec = updated
	}
	return rec, nil
}

// reassignLocked moves users off ipID. Per-user failures are logged and the
// loop continues.
func (m *Manager) reassignLocked(ctx context.Context, ipID string, users []string) {
	for _, u := range users {
		if err := m.store.DeleteAssignment(u); err != nil {
			m.log.Error().Err(err).Str("user_id", u).Msg("failed to drop assignment")
			continue
		}
		rec, err := m.assignNewLocked(ctx, u, ipID)
		if err != nil {
			m.log.Warn().Err(err).Str("user_id", u).Str("from_ip_id", ipID).Msg("user left without ip")
			continue
		}
		m.log.Info().Str("user_id", u).Str("from_ip_id", ipID).Str("to_ip_id", rec.ID).Msg("reassigned user")
	}
}

func assignmentUsers(as []storage.Assignment) []string {
	users := make([]string, 0, len(as))
	for _, a := range as {
		users = append(users, a.UserID)
	}
	return users
}

// AddIP pools a new proxy endpoint and returns its ID. Adding an address that
// is already pooled returns the existing ID.
func (m *Manager) AddIP(ctx context.Context, req AddIPRequest) (string, error) {
	if err := m.checkReady(); err != nil {
		return "", err
	}
	addr, err := ParseAddress(req.Address)
	if err != nil {
		return "", err
	}
	if req.Port < 1 || req.Port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, req.Port)
	}
	protocol, err := normaliseProtocol(req.Protocol)
	if err != nil {
		return "", err
	}
	provider := req.Provider
	if provider == "" {
		provider = "manual"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.GetIPByAddress(addr)
	if err != nil {
		return "", m.unavailable("lookup address", err)
	}
	if existing != nil {
		m.log.Warn().Str("ip", MaskAddress(addr)).Str("ip_id", existing.ID).Msg("ip already pooled")
		return existing.ID, nil
	}

	rec := storage.IPRecord{
		ID:       uuid.NewString(),
		Address:  addr,
		Port:     req.Port,
		Protocol: protocol,
		Username: req.Username,
		Password: req.Password,
		ProxyURL: BuildProxyURL(protocol, req.Username, req.Password, addr, req.Port),
		Status:   storage.StatusAvailable,
		AddedAt:  m.now().UTC(),
		Provider: provider,
	}
	if err := m.store.InsertIP(rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateAddress) {
			if again, lerr := m.store.GetIPByAddress(addr); lerr == nil && again != nil {
				return again.ID, nil
			}
		}
		return "", m.unavailable("insert ip", err)
	}
	m.log.Info().Str("ip_id", rec.ID).Str("ip", MaskAddress(addr)).Str("provider", provider).Msg("added ip to pool")
	return rec.ID, nil
}

// RemoveIP deletes the IP and reassigns its users. Returns the number of users
// that were attached.
func (m *Manager) RemoveIP(ctx context.Context, ipID string) (int, error) {
	if err := m.checkReady(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	users, err := m.store.DeleteIP(ipID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrIPNotFound
	}
	if err != nil {
		return 0, m.unavailable("delete ip", err)
	}
	m.log.Info().Str("ip_id", ipID).Int("users", len(users)).Msg("removed ip from pool")
	for _, u := range users {
		if _, err := m.assignNewLocked(ctx, u, ipID); err != nil {
			m.log.Warn().Err(err).Str("user_id", u).Msg("user left without ip")
		}
	}
	return len(users), nil
}

// ListIPs returns pooled IPs matching f.
func (m *Manager) ListIPs(ctx context.Context, f storage.IPFilter) ([]storage.IPRecord, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	recs, err := m.store.ListIPs(f)
	if err != nil {
		return nil, m.unavailable("list ips", err)
	}
	return recs, nil
}

// GetIPByID returns one pooled IP.
func (m *Manager) GetIPByID(ctx context.Context, ipID string) (*storage.IPRecord, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	rec, err := m.store.GetIP(ipID)
	if err != nil {
		return nil, m.unavailable("get ip", err)
	}
	if rec == nil {
		return nil, ErrIPNotFound
	}
	return rec, nil
}

// GetUserIPInfo describes the user's assignment with the address masked.
func (m *Manager) GetUserIPInfo(ctx context.Context, userID string) (*UserIPInfo, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	a, err := m.store.GetAssignment(userID)
	if err != nil {
		return nil, m.unavailable("get assignment", err)
	}
	if a == nil {
		return &UserIPInfo{HasIP: false, Message: "No IP assigned"}, nil
	}
	rec, err := m.store.GetIP(a.IPID)
	if err != nil {
		return nil, m.unavailable("get ip", err)
	}
	if rec == nil {
		return &UserIPInfo{HasIP: false, Message: "IP record not found"}, nil
	}
	assigned := a.AssignedAt
	activity := a.LastActivity
	return &UserIPInfo{
		HasIP:         true,
		IPAddress:     MaskAddress(rec.Address),
		AssignedAt:    &assigned,
		DurationHours: round1(m.now().Sub(a.AssignedAt).Hours()),
		Status:        rec.Status,
		Provider:      rec.Provider,
		LastActivity:  &activity,
	}, nil
}

// GetStats returns counts by status and the in-use percentage.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	counts, err := m.store.CountIPs()
	if err != nil {
		return nil, m.unavailable("count ips", err)
	}
	assignments, err := m.store.CountAssignments()
	if err != nil {
		return nil, m.unavailable("count assignments", err)
	}
	s := &Stats{
		Available:        counts[storage.StatusAvailable],
		InUse:            counts[storage.StatusInUse],
		Banned:           counts[storage.StatusBanned],
		TotalAssignments: assignments,
	}
	s.TotalIPs = s.Available + s.InUse + s.Banned
	if s.TotalIPs > 0 {
		s.Utilization = round1(float64(s.InUse) / float64(s.TotalIPs) * 100)
	}
	return s, nil
}

// ScheduleIPRotation rotates every assignment older than maxAge and returns
// how many users received a new IP.
func (m *Manager) ScheduleIPRotation(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := m.checkReady(); err != nil {
		return 0, err
	}
	stale, err := m.store.AssignmentsBefore(m.now().Add(-maxAge))
	if err != nil {
		return 0, m.unavailable("list old assignments", err)
	}

	rotated := 0
	for _, a := range stale {
		if ctx.Err() != nil {
			break
		}
		m.mu.Lock()
		rec, err := m.rotateLocked(ctx, a.UserID)
		m.mu.Unlock()
		if err != nil {
			m.log.Warn().Err(err).Str("user_id", a.UserID).Msg("aged ip rotation failed")
			continue
		}
		// With a single free IP the released one is claimed again.
		if rec.ID == a.IPID {
			m.log.Info().Str("user_id", a.UserID).Str("ip_id", rec.ID).Msg("aged ip renewed, no alternative available")
			continue
		}
		m.log.Info().Str("user_id", a.UserID).Str("from_ip_id", a.IPID).Str("to_ip_id", rec.ID).
			Dur("max_age", maxAge).Msg("rotated aged ip")
		rotated++
	}
	m.log.Info().Int("rotated", rotated).Dur("max_age", maxAge).Msg("scheduled ip rotation complete")
	return rotated, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
