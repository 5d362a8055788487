package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/storage"
)

type fakeConn struct {
	open    bool
	openErr error
	opened  int
	closed  int
}

func (c *fakeConn) IsOpen() bool { return c.open }

func (c *fakeConn) Open(context.Context) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.open = true
	c.opened++
	return nil
}

func (c *fakeConn) Close() error {
	c.open = false
	c.closed++
	return nil
}

func TestConnectOpensAndCloses(t *testing.T) {
	conn := &fakeConn{}
	err := Connect(context.Background(), conn, func(context.Context) error {
		if !conn.IsOpen() {
			t.Fatalf("connection not open inside fn")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.opened != 1 || conn.closed != 1 || conn.IsOpen() {
		t.Fatalf("opened %d closed %d open %v", conn.opened, conn.closed, conn.open)
	}
}

func TestConnectLeavesOpenConnection(t *testing.T) {
	conn := &fakeConn{open: true}
	if err := Connect(context.Background(), conn, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.closed != 0 || !conn.IsOpen() {
		t.Fatalf("already open connection must stay open")
	}
}

func TestConnectClosesOnError(t *testing.T) {
	conn := &fakeConn{}
	boom := errors.New("boom")
	err := Connect(context.Background(), conn, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if conn.closed != 1 {
		t.Fatalf("connection not closed after error")
	}
}

func TestConnectFailure(t *testing.T) {
	conn := &fakeConn{openErr: errors.New("refused")}
	called := false
	err := Connect(context.Background(), conn, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrConnectionFailed) || called {
		t.Fatalf("expected ErrConnectionFailed without running fn, got %v", err)
	}
}

func TestConnectFailureKeepsCause(t *testing.T) {
	conn := &fakeConn{openErr: context.DeadlineExceeded}
	err := Connect(context.Background(), conn, func(context.Context) error { return nil })
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("dial cause lost: %v", err)
	}
}

func fastConfig() LockConfig {
	return LockConfig{TTL: time.Minute, RetryInterval: 10 * time.Millisecond, Wait: time.Second}
}

func TestLockerReentrant(t *testing.T) {
	kv := storage.NewMemoryKV()
	l := NewLocker(kv, fastConfig(), nil)
	ctx := context.Background()

	err := l.Do(ctx, "dev-1", func(ctx context.Context) error {
		return l.Do(ctx, "dev-1", func(ctx context.Context) error {
			// 内层不释放
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if _, found, _ := kv.Get(ctx, "locks:dev-1"); found {
		t.Fatalf("outer Do must release the lock")
	}
}

func TestLockerInnerDoesNotRelease(t *testing.T) {
	kv := storage.NewMemoryKV()
	l := NewLocker(kv, fastConfig(), nil)
	ctx := context.Background()

	l.Do(ctx, "dev-1", func(ctx context.Context) error {
		l.Do(ctx, "dev-1", func(context.Context) error { return nil })
		if _, found, _ := kv.Get(ctx, "locks:dev-1"); !found {
			t.Fatalf("reentrant call released the lock")
		}
		return nil
	})
}

func TestLockerMutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	kv := storage.NewRedisKV(client)

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		l := NewLocker(kv, fastConfig(), nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), "dev-1", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("%d holders ran concurrently", maxActive)
	}
}

func TestLockerTimeout(t *testing.T) {
	kv := storage.NewMemoryKV()
	owner := NewLocker(kv, fastConfig(), nil)
	other := NewLocker(kv, LockConfig{TTL: time.Minute, RetryInterval: 5 * time.Millisecond, Wait: 30 * time.Millisecond}, nil)
	waits := 0
	other.OnWait = func(string) { waits++ }

	ctx := context.Background()
	err := owner.Do(ctx, "dev-1", func(ctx context.Context) error {
		called := false
		err := other.Do(ctx, "dev-1", func(context.Context) error {
			called = true
			return nil
		})
		if called {
			t.Fatalf("second holder ran while lock was held")
		}
		return err
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if waits == 0 {
		t.Fatalf("OnWait never called")
	}
}

func TestLockerReleasesOnError(t *testing.T) {
	kv := storage.NewMemoryKV()
	l := NewLocker(kv, fastConfig(), nil)
	ctx := context.Background()
	boom := errors.New("boom")
	if err := l.Do(ctx, "dev-1", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, found, _ := kv.Get(ctx, "locks:dev-1"); found {
		t.Fatalf("lock kept after error")
	}
}

func TestLockerDoesNotReleaseForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	kv := storage.NewRedisKV(client)
	ctx := context.Background()

	first := NewLocker(kv, LockConfig{TTL: time.Second, RetryInterval: 10 * time.Millisecond, Wait: time.Second}, nil)
	second := NewLocker(kv, fastConfig(), nil)

	err := first.Do(ctx, "dev-1", func(ctx context.Context) error {
		// 锁过期后被另一方取得
		mr.FastForward(2 * time.Second)
		ok, err := kv.SetIfAbsent(ctx, "locks:dev-1", []byte(`{"id":"`+second.Holder()+`","dev_id":"dev-1"}`), time.Minute)
		if err != nil || !ok {
			t.Fatalf("takeover failed: %v %v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	raw, found, _ := kv.Get(ctx, "locks:dev-1")
	if !found {
		t.Fatalf("old owner deleted the new owner's lock")
	}
	if want := `{"id":"` + second.Holder() + `","dev_id":"dev-1"}`; string(raw) != want {
		t.Fatalf("lock value %s", raw)
	}
}

// expiringKV 模拟锁在 SetIfAbsent 与 Get 之间过期
type expiringKV struct {
	storage.KV
	misses int
}

func (k *expiringKV) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if k.misses > 0 {
		k.misses--
		return false, nil
	}
	return k.KV.SetIfAbsent(ctx, key, value, ttl)
}

func TestLockerRetriesExpiredLockImmediately(t *testing.T) {
	kv := &expiringKV{KV: storage.NewMemoryKV(), misses: 1}
	l := NewLocker(kv, LockConfig{TTL: time.Minute, RetryInterval: time.Second, Wait: 5 * time.Second}, nil)
	waits := 0
	l.OnWait = func(string) { waits++ }

	start := time.Now()
	if err := l.Do(context.Background(), "dev-1", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if waits != 0 {
		t.Fatalf("OnWait called %d times for an expired lock", waits)
	}
	if elapsed := time.Since(start); elapsed >= 500*time.Millisecond {
		t.Fatalf("waited %s before retrying", elapsed)
	}
}
