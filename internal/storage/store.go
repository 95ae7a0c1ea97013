package storage

import (
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned by mutations that target a record which does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateAddress is returned when an IP with the same address is already pooled.
var ErrDuplicateAddress = errors.New("ip address already exists")

// ErrAssignmentExists is returned when a user already holds an assignment.
var ErrAssignmentExists = errors.New("user already has an assignment")

// IPStatus is the lifecycle state of a pooled proxy IP.
type IPStatus string

const (
	StatusAvailable IPStatus = "available"
	StatusInUse     IPStatus = "in_use"
	StatusBanned    IPStatus = "banned"
)

// Valid reports whether s is one of the known statuses.
func (s IPStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusBanned:
		return true
	}
	return false
}

// FailureEvent is one entry in an IP's failure history.
type FailureEvent struct {
	Type      string    `msgpack:"type" json:"type"`
	Details   string    `msgpack:"details" json:"details,omitempty"`
	Timestamp time.Time `msgpack:"ts" json:"timestamp"`
}

// IPRecord is a pooled proxy endpoint.
type IPRecord struct {
	ID            string         `msgpack:"id" json:"id"`
	Address       string         `msgpack:"address" json:"address"`
	Port          int            `msgpack:"port" json:"port"`
	Protocol      string         `msgpack:"protocol" json:"protocol"`
	Username      string         `msgpack:"username" json:"username,omitempty"`
	Password      string         `msgpack:"password" json:"-"`
	ProxyURL      string         `msgpack:"proxy_url" json:"-"`
	Status        IPStatus       `msgpack:"status" json:"status"`
	InUse         bool           `msgpack:"in_use" json:"in_use"`
	AddedAt       time.Time      `msgpack:"added_at" json:"added_at"`
	LastRotation  time.Time      `msgpack:"last_rotation" json:"last_rotation"`
	LastAssigned  time.Time      `msgpack:"last_assigned" json:"last_assigned"`
	LastCheck     time.Time      `msgpack:"last_check" json:"last_check"`
	FailureCount  int            `msgpack:"failure_count" json:"failure_count"`
	BanCount      int            `msgpack:"ban_count" json:"ban_count"`
	BanReason     string         `msgpack:"ban_reason" json:"ban_reason,omitempty"`
	BannedAt      time.Time      `msgpack:"banned_at" json:"banned_at"`
	Failures      []FailureEvent `msgpack:"failures" json:"failures,omitempty"`
	AssignedUsers []string       `msgpack:"assigned_users" json:"assigned_users"`
	Provider      string         `msgpack:"provider" json:"provider"`
}

// HasUser reports whether userID is attached to the record.
func (r *IPRecord) HasUser(userID string) bool {
	return slices.Contains(r.AssignedUsers, userID)
}

// RemoveUser drops userID from AssignedUsers.
func (r *IPRecord) RemoveUser(userID string) {
	r.AssignedUsers = slices.DeleteFunc(r.AssignedUsers, func(u string) bool { return u == userID })
}

// SetStatus keeps InUse consistent with Status.
func (r *IPRecord) SetStatus(s IPStatus) {
	r.Status = s
	r.InUse = s == StatusInUse
}

// Claimable is the claim predicate evaluated at write time. An available IP
// nobody holds is always claimable; with maxUsers > 1 an in-use IP may take
// further users until it is full. Banned IPs never are.
func (r *IPRecord) Claimable(userID string, maxUsers int) bool {
	if r.Status == StatusAvailable && !r.InUse {
		return true
	}
	if maxUsers <= 1 || r.Status != StatusInUse {
		return false
	}
	return len(r.AssignedUsers) < maxUsers && !r.HasUser(userID)
}

// Assignment binds one user to one IP.
type Assignment struct {
	UserID       string    `msgpack:"user_id" json:"user_id"`
	IPID         string    `msgpack:"ip_id" json:"ip_id"`
	AssignedAt   time.Time `msgpack:"assigned_at" json:"assigned_at"`
	LastActivity time.Time `msgpack:"last_activity" json:"last_activity"`
}

// SessionRecord tracks one browser profile directory owned by a user.
type SessionRecord struct {
	UserID    string    `msgpack:"user_id" json:"user_id"`
	ID        string    `msgpack:"id" json:"id"`
	Path      string    `msgpack:"path" json:"path"`
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
}

// IPFilter narrows ListIPs. Zero values match everything; Limit <= 0 is unlimited.
type IPFilter struct {
	Status   IPStatus
	Provider string
	Limit    int
}

// Store is the persistence interface for the isolation service.
type Store interface {
	// EnsureIndexes creates every bucket and index. Idempotent.
	EnsureIndexes() error

	// IP pool
	InsertIP(rec IPRecord) error
	GetIP(id string) (*IPRecord, error)
	GetIPByAddress(address string) (*IPRecord, error)
	ListIPs(f IPFilter) ([]IPRecord, error)
	CountIPs() (map[IPStatus]int, error)
	DeleteIP(id string) ([]string, error)

	// Candidates returns up to limit records that are available and not in use,
	// least recently rotated first.
	Candidates(limit int) ([]IPRecord, error)
	// SharedCandidates returns up to limit in-use records with fewer than
	// maxUsers attached users, least loaded first.
	SharedCandidates(limit, maxUsers int) ([]IPRecord, error)

	// ClaimIP atomically attaches userID to the IP if the claim predicate still
	// holds at write time and records the assignment. Returns false when the
	// predicate no longer holds (lost race) or the record is gone.
	ClaimIP(id, userID string, maxUsers int, now time.Time) (bool, error)
	// ReleaseIP detaches userID, returns the IP to the pool when nobody else
	// holds it, and deletes the user's assignment.
	ReleaseIP(id, userID string, now time.Time) error
	RecordFailure(id string, ev FailureEvent) (*IPRecord, error)
	MarkBanned(id, reason string, now time.Time) (*IPRecord, error)

	// Assignments
	GetAssignment(userID string) (*Assignment, error)
	TouchAssignment(userID string, now time.Time) error
	DeleteAssignment(userID string) error
	AssignmentsForIP(ipID string) ([]Assignment, error)
	AssignmentsBefore(cutoff time.Time) ([]Assignment, error)
	CountAssignments() (int, error)

	// Sessions
	GetSession(userID string) (*SessionRecord, error)
	PutSession(rec SessionRecord) error
	DeleteSession(userID string) error
	ListSessions() (map[string]SessionRecord, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
