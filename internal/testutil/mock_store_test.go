package testutil_test

import (
	"errors"
	"testing"
	"time"

	"github.com/developingchet/identity-isolator/internal/storage"
	"github.com/developingchet/identity-isolator/internal/testutil"
)

var _ storage.Store = (*testutil.MockStore)(nil)

func seed(t *testing.T, s *testutil.MockStore, id, addr string) {
	t.Helper()
	err := s.InsertIP(storage.IPRecord{ID: id, Address: addr, Port: 8080, Status: storage.StatusAvailable})
	if err != nil {
		t.Fatalf("InsertIP: %v", err)
	}
}

// TestMockStore_ClaimRelease covers ClaimIP, ReleaseIP and the assignment table.
func TestMockStore_ClaimRelease(t *testing.T) {
	t.Run("claim then second claim loses", func(t *testing.T) {
		s := testutil.NewMockStore()
		seed(t, s, "ip1", "10.0.0.1")
		ok, err := s.ClaimIP("ip1", "alice", 1, time.Now())
		if err != nil || !ok {
			t.Fatalf("claim: %v %v", ok, err)
		}
		ok, _ = s.ClaimIP("ip1", "bob", 1, time.Now())
		if ok {
			t.Fatal("bob should not win an in-use IP")
		}
	})

	t.Run("release returns ip to pool", func(t *testing.T) {
		s := testutil.NewMockStore()
		seed(t, s, "ip1", "10.0.0.1")
		_, _ = s.ClaimIP("ip1", "alice", 1, time.Now())
		if err := s.ReleaseIP("ip1", "alice", time.Now()); err != nil {
			t.Fatalf("ReleaseIP: %v", err)
		}
		rec, _ := s.GetIP("ip1")
		if rec.Status != storage.StatusAvailable || rec.InUse {
			t.Fatalf("after release: %+v", rec)
		}
		if a, _ := s.GetAssignment("alice"); a != nil {
			t.Fatal("assignment should be removed")
		}
	})

	t.Run("duplicate address rejected", func(t *testing.T) {
		s := testutil.NewMockStore()
		seed(t, s, "ip1", "10.0.0.1")
		err := s.InsertIP(storage.IPRecord{ID: "ip2", Address: "10.0.0.1"})
		if !errors.Is(err, storage.ErrDuplicateAddress) {
			t.Fatalf("expected ErrDuplicateAddress, got %v", err)
		}
	})
}

// TestMockStore_ErrorInjection verifies SetError is consumed once.
func TestMockStore_ErrorInjection(t *testing.T) {
	s := testutil.NewMockStore()
	injected := errors.New("boom")
	s.SetError("GetIP", injected)

	if _, err := s.GetIP("x"); !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := s.GetIP("x"); err != nil {
		t.Fatalf("error should be consumed, got %v", err)
	}
}

func TestMockStore_Sessions(t *testing.T) {
	s := testutil.NewMockStore()
	rec := storage.SessionRecord{UserID: "u1", ID: "session_u1_1_abcdefgh", Path: "/tmp/a"}
	if err := s.PutSession(rec); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	all, _ := s.ListSessions()
	if len(all) != 1 {
		t.Fatalf("ListSessions = %d", len(all))
	}
	_ = s.DeleteSession("u1")
	if got, _ := s.GetSession("u1"); got != nil {
		t.Fatal("session should be gone")
	}
}

func TestMockStore_SizeBytes(t *testing.T) {
	s := testutil.NewMockStore()
	s.Size = 4096
	n, err := s.SizeBytes()
	if err != nil || n != 4096 {
		t.Fatalf("SizeBytes = %d, %v", n, err)
	}
}
