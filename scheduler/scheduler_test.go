package scheduler

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"pricewatch/metrics"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "job", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "job", time.Minute); ok {
		t.Fatal("second acquire should fail while held")
	}
	if _, ok, _ := l.Acquire(ctx, "other", time.Minute); !ok {
		t.Fatal("different name should not be blocked")
	}

	release()
	if _, ok, _ := l.Acquire(ctx, "job", time.Minute); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	stale, ok, _ := l.Acquire(ctx, "job", 10*time.Millisecond)
	if !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok, _ := l.Acquire(ctx, "job", time.Minute); !ok {
		t.Fatal("expired lock should be taken over")
	}
	// the stale holder must not free the new holder's lock
	stale()
	if _, ok, _ := l.Acquire(ctx, "job", time.Minute); ok {
		t.Fatal("stale release freed a lock it no longer owns")
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLocker(client)
	name := "test-" + time.Now().Format("150405.000000")

	release, ok, err := l.Acquire(ctx, name, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.Acquire(ctx, name, time.Minute); err != nil || ok {
		t.Fatalf("second acquire: ok=%v err=%v", ok, err)
	}
	release()
	again, ok, err := l.Acquire(ctx, name, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	again()
}

func TestAddRejectsBadSchedule(t *testing.T) {
	s := New(nil, metrics.New(), zaptest.NewLogger(t))
	noop := func(context.Context) error { return nil }

	if err := s.Add("bad", "not a schedule", 0, noop); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if err := s.Add("check", "@every 10m", 0, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("check", "@every 5m", 0, noop); err == nil {
		t.Fatal("expected error for duplicate job name")
	}
	if err := s.Add("digest", "0 0 9 * * *", 0, noop); err != nil {
		t.Fatalf("six-field schedule: %v", err)
	}
}

func TestRunNowOutcomes(t *testing.T) {
	m := metrics.New()
	s := New(nil, m, zaptest.NewLogger(t))
	defer s.Stop(context.Background())

	var calls atomic.Int32
	jobs := map[string]JobFunc{
		"ok":    func(context.Context) error { calls.Add(1); return nil },
		"fails": func(context.Context) error { calls.Add(1); return errors.New("smtp down") },
		"panics": func(context.Context) error {
			calls.Add(1)
			panic("boom")
		},
	}
	for name, fn := range jobs {
		if err := s.Add(name, "@every 1h", time.Second, fn); err != nil {
			t.Fatal(err)
		}
		if err := s.RunNow(name); err != nil {
			t.Fatal(err)
		}
	}

	want := map[string]string{"ok": "ok", "fails": "failed", "panics": "panic"}
	for name, status := range want {
		waitFor(t, name+" outcome", func() bool {
			return testutil.ToFloat64(m.JobRunsTotal.WithLabelValues(name, status)) == 1
		})
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("job bodies ran %d times, want 3", got)
	}

	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("RunNow(missing) = %v, want ErrUnknownJob", err)
	}
}

func TestRunSkipsWhenLocked(t *testing.T) {
	m := metrics.New()
	locker := NewLocalLocker()
	s := New(locker, m, zaptest.NewLogger(t))
	defer s.Stop(context.Background())

	// another instance holds the lock
	release, _, _ := locker.Acquire(context.Background(), "check", time.Minute)
	defer release()

	var ran atomic.Bool
	if err := s.Add("check", "@every 1h", time.Second, func(context.Context) error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("check"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "skip", func() bool {
		return testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("check", "skipped")) == 1
	})
	if ran.Load() {
		t.Error("job ran while its lock was held")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	s := New(nil, metrics.New(), zaptest.NewLogger(t))

	started := make(chan struct{})
	if err := s.Add("slow", "@every 1h", time.Minute, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	if err := s.RunNow("slow"); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
