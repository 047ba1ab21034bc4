package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	locker, err := NewRedisLocker("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	t.Cleanup(func() { _ = locker.Close() })
	return locker, mr
}

func TestAcquireExclusive(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, "policy:POL-1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = locker.Acquire(ctx, "policy:POL-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("second owner must not acquire a held lock")
	}
	// A different record is independent.
	ok, err = locker.Acquire(ctx, "policy:POL-2", "worker-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("unrelated resource should be free: ok=%v err=%v", ok, err)
	}
}

func TestReleaseRequiresOwner(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	if ok, _ := locker.Acquire(ctx, "policy:POL-1", "worker-a", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	ok, err := locker.Release(ctx, "policy:POL-1", "worker-b")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok {
		t.Fatal("non-owner release must be refused")
	}
	ok, err = locker.Release(ctx, "policy:POL-1", "worker-a")
	if err != nil || !ok {
		t.Fatalf("owner release should succeed: ok=%v err=%v", ok, err)
	}
	if ok, _ := locker.Acquire(ctx, "policy:POL-1", "worker-b", time.Minute); !ok {
		t.Fatal("lock should be free after release")
	}
}

func TestRenewAndExpiry(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	if ok, _ := locker.Acquire(ctx, "policy:POL-1", "worker-a", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	ok, err := locker.Renew(ctx, "policy:POL-1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("owner renew should succeed: ok=%v err=%v", ok, err)
	}
	if ok, _ := locker.Renew(ctx, "policy:POL-1", "worker-b", time.Minute); ok {
		t.Fatal("non-owner renew must be refused")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := locker.Acquire(ctx, "policy:POL-1", "worker-b", time.Minute); !ok {
		t.Fatal("lock should expire after TTL")
	}
}
