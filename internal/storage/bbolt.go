package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketIPs             = "ips"
	bucketIPsByAddress    = "ips_by_address"
	bucketIPsByStatus     = "ips_by_status"
	bucketIPsByProvider   = "ips_by_provider"
	bucketIPsByRotation   = "ips_by_rotation"
	bucketAssignments     = "assignments"
	bucketAssignmentsByIP = "assignments_by_ip"
	bucketAssignmentsAge  = "assignments_by_time"
	bucketSessions        = "sessions"
)

var allBuckets = []string{
	bucketIPs,
	bucketIPsByAddress,
	bucketIPsByStatus,
	bucketIPsByProvider,
	bucketIPsByRotation,
	bucketAssignments,
	bucketAssignmentsByIP,
	bucketAssignmentsAge,
	bucketSessions,
}

// sep joins the parts of composite index keys. IDs and statuses never contain NUL.
const sep = 0x00

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/isolation.db and
// ensures every bucket exists.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "isolation.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	s := &bboltStore{db: db}
	if err := s.EnsureIndexes(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *bboltStore) EnsureIndexes() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// ---- key helpers -----------------------------------------------------------

func compositeKey(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(sep)
		}
		buf.Write(p)
	}
	return buf.Bytes()
}

func timeKey(t time.Time) []byte {
	b := make([]byte, 8)
	if !t.IsZero() && t.UnixNano() > 0 {
		binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	}
	return b
}

func prefixKey(p string) []byte {
	return append([]byte(p), sep)
}

// lastPart returns the segment after the final separator of a composite key.
func lastPart(k []byte) string {
	if i := bytes.LastIndexByte(k, sep); i >= 0 {
		return string(k[i+1:])
	}
	return string(k)
}

// ---- IP record helpers (must run inside a tx) ------------------------------

func loadIP(tx *bolt.Tx, id string) (*IPRecord, error) {
	v := tx.Bucket([]byte(bucketIPs)).Get([]byte(id))
	if v == nil {
		return nil, nil
	}
	var rec IPRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal IPRecord %s: %w", id, err)
	}
	return &rec, nil
}

func ipIndexKeys(rec *IPRecord) map[string][]byte {
	id := []byte(rec.ID)
	return map[string][]byte{
		bucketIPsByStatus:   compositeKey([]byte(rec.Status), id),
		bucketIPsByProvider: compositeKey([]byte(rec.Provider), id),
		bucketIPsByRotation: compositeKey(timeKey(rec.LastRotation), id),
	}
}

// saveIP writes rec and moves its secondary index entries from old (may be nil).
func saveIP(tx *bolt.Tx, old *IPRecord, rec *IPRecord) error {
	if old != nil {
		for bucket, key := range ipIndexKeys(old) {
			if err := tx.Bucket([]byte(bucket)).Delete(key); err != nil {
				return err
			}
		}
		if old.Address != rec.Address {
			if err := tx.Bucket([]byte(bucketIPsByAddress)).Delete([]byte(old.Address)); err != nil {
				return err
			}
		}
	}
	for bucket, key := range ipIndexKeys(rec) {
		if err := tx.Bucket([]byte(bucket)).Put(key, nil); err != nil {
			return err
		}
	}
	if err := tx.Bucket([]byte(bucketIPsByAddress)).Put([]byte(rec.Address), []byte(rec.ID)); err != nil {
		return err
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal IPRecord: %w", err)
	}
	return tx.Bucket([]byte(bucketIPs)).Put([]byte(rec.ID), data)
}

func deleteIPRecord(tx *bolt.Tx, rec *IPRecord) error {
	for bucket, key := range ipIndexKeys(rec) {
		if err := tx.Bucket([]byte(bucket)).Delete(key); err != nil {
			return err
		}
	}
	if err := tx.Bucket([]byte(bucketIPsByAddress)).Delete([]byte(rec.Address)); err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketIPs)).Delete([]byte(rec.ID))
}

// modifyIP loads id, applies fn to a copy and saves it with index maintenance.
func modifyIP(tx *bolt.Tx, id string, fn func(rec *IPRecord)) (*IPRecord, error) {
	old, err := loadIP(tx, id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, ErrNotFound
	}
	rec := *old
	rec.AssignedUsers = append([]string(nil), old.AssignedUsers...)
	rec.Failures = append([]FailureEvent(nil), old.Failures...)
	fn(&rec)
	if err := saveIP(tx, old, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ---- assignment helpers (must run inside a tx) -----------------------------

func loadAssignment(tx *bolt.Tx, userID string) (*Assignment, error) {
	v := tx.Bucket([]byte(bucketAssignments)).Get([]byte(userID))
	if v == nil {
		return nil, nil
	}
	var a Assignment
	if err := msgpack.Unmarshal(v, &a); err != nil {
		return nil, fmt.Errorf("unmarshal Assignment for %s: %w", userID, err)
	}
	return &a, nil
}

func saveAssignment(tx *bolt.Tx, a *Assignment) error {
	data, err := msgpack.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal Assignment: %w", err)
	}
	user := []byte(a.UserID)
	if err := tx.Bucket([]byte(bucketAssignmentsByIP)).Put(compositeKey([]byte(a.IPID), user), nil); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(bucketAssignmentsAge)).Put(compositeKey(timeKey(a.AssignedAt), user), nil); err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketAssignments)).Put(user, data)
}

func removeAssignment(tx *bolt.Tx, a *Assignment) error {
	user := []byte(a.UserID)
	if err := tx.Bucket([]byte(bucketAssignmentsByIP)).Delete(compositeKey([]byte(a.IPID), user)); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(bucketAssignmentsAge)).Delete(compositeKey(timeKey(a.AssignedAt), user)); err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketAssignments)).Delete(user)
}

// usersOnIP lists the user IDs whose assignment references ipID.
func usersOnIP(tx *bolt.Tx, ipID string) []string {
	var users []string
	prefix := prefixKey(ipID)
	c := tx.Bucket([]byte(bucketAssignmentsByIP)).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		users = append(users, string(k[len(prefix):]))
	}
	return users
}

// ---- IP pool ---------------------------------------------------------------

func (s *bboltStore) InsertIP(rec IPRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketIPsByAddress)).Get([]byte(rec.Address)) != nil {
			return ErrDuplicateAddress
		}
		if tx.Bucket([]byte(bucketIPs)).Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("ip id %s already exists", rec.ID)
		}
		rec.SetStatus(rec.Status)
		return saveIP(tx, nil, &rec)
	})
}

func (s *bboltStore) GetIP(id string) (*IPRecord, error) {
	var rec *IPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = loadIP(tx, id)
		return err
	})
	return rec, err
}

func (s *bboltStore) GetIPByAddress(address string) (*IPRecord, error) {
	var rec *IPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(bucketIPsByAddress)).Get([]byte(address))
		if id == nil {
			return nil
		}
		var err error
		rec, err = loadIP(tx, string(id))
		return err
	})
	return rec, err
}

func (s *bboltStore) ListIPs(f IPFilter) ([]IPRecord, error) {
	var out []IPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		match := func(rec *IPRecord) {
			if f.Status != "" && rec.Status != f.Status {
				return
			}
			if f.Provider != "" && rec.Provider != f.Provider {
				return
			}
			out = append(out, *rec)
		}

		var index, prefix string
		switch {
		case f.Status != "":
			index, prefix = bucketIPsByStatus, string(f.Status)
		case f.Provider != "":
			index, prefix = bucketIPsByProvider, f.Provider
		}

		if index == "" {
			return tx.Bucket([]byte(bucketIPs)).ForEach(func(k, v []byte) error {
				var rec IPRecord
				if err := msgpack.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("unmarshal IPRecord %s: %w", k, err)
				}
				match(&rec)
				return nil
			})
		}

		p := prefixKey(prefix)
		c := tx.Bucket([]byte(index)).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			rec, err := loadIP(tx, string(k[len(p):]))
			if err != nil {
				return err
			}
			if rec != nil {
				match(rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *bboltStore) CountIPs() (map[IPStatus]int, error) {
	counts := map[IPStatus]int{
		StatusAvailable: 0,
		StatusInUse:     0,
		StatusBanned:    0,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIPsByStatus)).ForEach(func(k, _ []byte) error {
			if i := bytes.IndexByte(k, sep); i > 0 {
				counts[IPStatus(k[:i])]++
			}
			return nil
		})
	})
	return counts, err
}

func (s *bboltStore) DeleteIP(id string) ([]string, error) {
	var users []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := loadIP(tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		for _, u := range usersOnIP(tx, id) {
			a, err := loadAssignment(tx, u)
			if err != nil {
				return err
			}
			if a == nil {
				continue
			}
			if err := removeAssignment(tx, a); err != nil {
				return err
			}
			users = append(users, u)
		}
		return deleteIPRecord(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *bboltStore) Candidates(limit int) ([]IPRecord, error) {
	var out []IPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketIPsByRotation)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			rec, err := loadIP(tx, lastPart(k))
			if err != nil {
				return err
			}
			if rec != nil && rec.Status == StatusAvailable && !rec.InUse {
				out = append(out, *rec)
			}
		}
		return nil
	})
	return out, err
}

func (s *bboltStore) SharedCandidates(limit, maxUsers int) ([]IPRecord, error) {
	var out []IPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		p := prefixKey(string(StatusInUse))
		c := tx.Bucket([]byte(bucketIPsByStatus)).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			rec, err := loadIP(tx, string(k[len(p):]))
			if err != nil {
				return err
			}
			if rec != nil && len(rec.AssignedUsers) < maxUsers {
				out = append(out, *rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].AssignedUsers) != len(out[j].AssignedUsers) {
			return len(out[i].AssignedUsers) < len(out[j].AssignedUsers)
		}
		return out[i].LastAssigned.Before(out[j].LastAssigned)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimIP re-checks the claim predicate and writes the claim in the same
// transaction. bbolt serialises writers, so two claimants can never both see
// the predicate hold.
func (s *bboltStore) ClaimIP(id, userID string, maxUsers int, now time.Time) (bool, error) {
	var claimed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := loadAssignment(tx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAssignmentExists
		}
		old, err := loadIP(tx, id)
		if err != nil {
			return err
		}
		if old == nil || !old.Claimable(userID, maxUsers) {
			return nil
		}
		if _, err := modifyIP(tx, id, func(rec *IPRecord) {
			rec.SetStatus(StatusInUse)
			rec.LastAssigned = now.UTC()
			rec.AssignedUsers = append(rec.AssignedUsers, userID)
		}); err != nil {
			return err
		}
		if err := saveAssignment(tx, &Assignment{
			UserID:       userID,
			IPID:         id,
			AssignedAt:   now.UTC(),
			LastActivity: now.UTC(),
		}); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (s *bboltStore) ReleaseIP(id, userID string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := loadIP(tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		others := 0
		for _, u := range usersOnIP(tx, id) {
			if u != userID {
				others++
			}
		}
		if _, err := modifyIP(tx, id, func(rec *IPRecord) {
			rec.RemoveUser(userID)
			if others == 0 && rec.Status == StatusInUse {
				rec.SetStatus(StatusAvailable)
				rec.LastRotation = now.UTC()
			}
		}); err != nil {
			return err
		}
		a, err := loadAssignment(tx, userID)
		if err != nil {
			return err
		}
		if a != nil && a.IPID == id {
			return removeAssignment(tx, a)
		}
		return nil
	})
}

func (s *bboltStore) RecordFailure(id string, ev FailureEvent) (*IPRecord, error) {
	var out *IPRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := modifyIP(tx, id, func(rec *IPRecord) {
			rec.FailureCount++
			rec.LastCheck = ev.Timestamp.UTC()
			rec.Failures = append(rec.Failures, ev)
		})
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *bboltStore) MarkBanned(id, reason string, now time.Time) (*IPRecord, error) {
	var out *IPRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := modifyIP(tx, id, func(rec *IPRecord) {
			rec.SetStatus(StatusBanned)
			rec.BanReason = reason
			rec.BannedAt = now.UTC()
			rec.BanCount++
		})
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---- Assignments -----------------------------------------------------------

func (s *bboltStore) GetAssignment(userID string) (*Assignment, error) {
	var a *Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = loadAssignment(tx, userID)
		return err
	})
	return a, err
}

func (s *bboltStore) TouchAssignment(userID string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := loadAssignment(tx, userID)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrNotFound
		}
		a.LastActivity = now.UTC()
		return saveAssignment(tx, a)
	})
}

// DeleteAssignment drops the user's assignment and detaches the user from the
// referenced IP without changing the IP's status.
func (s *bboltStore) DeleteAssignment(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := loadAssignment(tx, userID)
		if err != nil {
			return err
		}
		if a == nil {
			return nil
		}
		if err := removeAssignment(tx, a); err != nil {
			return err
		}
		_, err = modifyIP(tx, a.IPID, func(rec *IPRecord) {
			rec.RemoveUser(userID)
		})
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
}

func (s *bboltStore) AssignmentsForIP(ipID string) ([]Assignment, error) {
	var out []Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, u := range usersOnIP(tx, ipID) {
			a, err := loadAssignment(tx, u)
			if err != nil {
				return err
			}
			if a != nil {
				out = append(out, *a)
			}
		}
		return nil
	})
	return out, err
}

func (s *bboltStore) AssignmentsBefore(cutoff time.Time) ([]Assignment, error) {
	var out []Assignment
	limit := timeKey(cutoff)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketAssignmentsAge)).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.Next() {
			a, err := loadAssignment(tx, string(k[9:]))
			if err != nil {
				return err
			}
			if a != nil {
				out = append(out, *a)
			}
		}
		return nil
	})
	return out, err
}

func (s *bboltStore) CountAssignments() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketAssignments)).Stats().KeyN
		return nil
	})
	return n, err
}

// ---- Sessions --------------------------------------------------------------

func (s *bboltStore) GetSession(userID string) (*SessionRecord, error) {
	var rec SessionRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSessions)).Get([]byte(userID))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) PutSession(rec SessionRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).Put([]byte(rec.UserID), data)
	})
}

func (s *bboltStore) DeleteSession(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).Delete([]byte(userID))
	})
}

func (s *bboltStore) ListSessions() (map[string]SessionRecord, error) {
	result := make(map[string]SessionRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return err
			}
			result[string(k)] = rec
			return nil
		})
	})
	return result, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
