package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func nopHandler(_ context.Context, _ Job) error {
	return nil
}

func deleteJob(i int) Job {
	return Job{
		Action:    ActionDeleteSession,
		UserID:    fmt.Sprintf("user-%d", i),
		SessionID: fmt.Sprintf("session_user-%d_1_abcdefgh", i),
		Path:      fmt.Sprintf("/tmp/sessions/session_user-%d_1_abcdefgh", i),
	}
}

func TestPoolBasicEnqueueProcess(t *testing.T) {
	var processed int64
	handler := func(_ context.Context, job Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}

	p, err := New(Config{Workers: 4, QueueDepth: 100, MaxRetries: 3, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 50; i++ {
		p.Enqueue(deleteJob(i))
	}
	p.Wait()

	if atomic.LoadInt64(&processed) != 50 {
		t.Errorf("expected 50 processed, got %d", processed)
	}
	p.Stop()
}

func TestPool64Workers(t *testing.T) {
	var processed int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}
	p, err := New(Config{Workers: 64, QueueDepth: 10000, MaxRetries: 0, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 1000; i++ {
		p.Enqueue(deleteJob(i))
	}
	p.Stop()

	if atomic.LoadInt64(&processed) != 1000 {
		t.Errorf("expected 1000 processed, got %d", processed)
	}
}

func TestPoolNonBlockingDropOnFullBuffer(t *testing.T) {
	ready := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := func(ctx context.Context, _ Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ready
		return nil
	}
	p, err := New(Config{Workers: 1, QueueDepth: 2, MaxRetries: 0, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Enqueue(deleteJob(1)) // picked up by the worker
	<-started
	p.Enqueue(deleteJob(2))
	p.Enqueue(deleteJob(3))

	if p.Enqueue(deleteJob(4)) {
		t.Error("expected Enqueue to report a full queue")
	}
	if p.Depth() != 2 {
		t.Errorf("Depth = %d, want 2", p.Depth())
	}

	close(ready)
	p.Stop()
}

func TestPoolStop(t *testing.T) {
	var processed int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}
	p, err := New(Config{Workers: 2, QueueDepth: 100, MaxRetries: 0}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	for i := 0; i < 10; i++ {
		p.Enqueue(deleteJob(i))
	}
	p.Stop() // should drain all pending jobs

	if atomic.LoadInt64(&processed) != 10 {
		t.Errorf("Stop() should drain all jobs, processed=%d", atomic.LoadInt64(&processed))
	}
}

func TestPoolEnqueueAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueDepth: 10, MaxRetries: 0}, nopHandler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Stop()

	if p.Enqueue(deleteJob(1)) {
		t.Error("Enqueue after Stop should return false")
	}
	p.Stop() // second Stop must not panic
	p.Wait()
}

func TestPoolRetryLogic(t *testing.T) {
	var attempts int64
	handler := func(_ context.Context, _ Job) error {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			return &mockErr{"transient"}
		}
		return nil
	}

	p, err := New(Config{Workers: 1, QueueDepth: 100, MaxRetries: 5, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Start(ctx)
	p.Enqueue(deleteJob(1))
	p.Wait()

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	p.Stop()
}

func TestPoolMaxRetriesExceeded(t *testing.T) {
	var attempts int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&attempts, 1)
		return &mockErr{"always fail"}
	}

	// MaxRetries=2 → initial + two retries
	p, err := New(Config{Workers: 1, QueueDepth: 100, MaxRetries: 2, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(deleteJob(1))
	p.Stop()

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("expected 3 total attempts, got %d", got)
	}
}

func TestPoolInvalidWorkerCount(t *testing.T) {
	if _, err := New(Config{Workers: 0}, nopHandler, zerolog.Nop()); err == nil {
		t.Error("expected error for 0 workers")
	}
	if _, err := New(Config{Workers: 65}, nopHandler, zerolog.Nop()); err == nil {
		t.Error("expected error for 65 workers")
	}
}

func TestPool_MaxRetriesZero(t *testing.T) {
	var calls int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&calls, 1)
		return &mockErr{"fail once"}
	}

	p, err := New(Config{Workers: 1, QueueDepth: 100, MaxRetries: 0, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(deleteJob(1))
	p.Stop()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("MaxRetries=0: expected exactly 1 handler call, got %d", got)
	}
}

// TestPool_ContextCancelDuringBackoff verifies a cancelled context aborts a
// retry backoff and that Wait still returns.
func TestPool_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&calls, 1)
		cancel()
		return &mockErr{"trigger retry"}
	}

	p, err := New(Config{Workers: 1, QueueDepth: 10, MaxRetries: 5, RetryBase: 200 * time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(ctx)
	p.Enqueue(deleteJob(1))

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
	p.Stop()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("context cancel during backoff: expected 1 handler call, got %d", got)
	}
}

func TestPoolBackoffCap(t *testing.T) {
	p, err := New(Config{Workers: 1, RetryBase: time.Second}, nopHandler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if got := p.backoff(0); got != time.Second {
		t.Errorf("backoff(0) = %s", got)
	}
	if got := p.backoff(2); got != 4*time.Second {
		t.Errorf("backoff(2) = %s", got)
	}
	if got := p.backoff(20); got != 5*time.Minute {
		t.Errorf("backoff(20) = %s, want cap", got)
	}
}

type mockErr struct{ msg string }

func (e *mockErr) Error() string { return e.msg }
