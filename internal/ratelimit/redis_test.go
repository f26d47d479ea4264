package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T, opts ...RedisOption) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client, opts...)
}

func TestRedisStore_CountsAndExpires(t *testing.T) {
	mr, s := newTestRedisStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := s.Incr(ctx, "10.0.0.1", time.Minute, 10, false)
		if err != nil {
			t.Fatal(err)
		}
		if res.Current != i {
			t.Fatalf("hit %d: Current = %d", i, res.Current)
		}
		if res.TTL != time.Minute {
			t.Fatalf("hit %d: TTL = %v", i, res.TTL)
		}
	}

	if !mr.Exists("throttlegate-rate-limit-10.0.0.1") {
		t.Fatalf("keys = %v", mr.Keys())
	}

	mr.FastForward(time.Minute)
	res, err := s.Incr(ctx, "10.0.0.1", time.Minute, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Current != 1 {
		t.Fatalf("Current after expiry = %d", res.Current)
	}
}

func TestRedisStore_ContinueExceeding(t *testing.T) {
	mr, s := newTestRedisStore(t)
	ctx := context.Background()

	s.Incr(ctx, "k", time.Minute, 1, true)
	mr.FastForward(40 * time.Second)

	res, _ := s.Incr(ctx, "k", time.Minute, 1, true)
	if res.TTL != time.Minute {
		t.Fatalf("TTL = %v, want window restarted", res.TTL)
	}
	mr.FastForward(40 * time.Second)

	res, _ = s.Incr(ctx, "k", time.Minute, 1, true)
	if res.Current != 3 {
		t.Fatalf("Current = %d, want 3", res.Current)
	}
}

func TestRedisStore_RepairsMissingTTL(t *testing.T) {
	mr, s := newTestRedisStore(t)
	mr.Set("throttlegate-rate-limit-k", "5")

	res, err := s.Incr(context.Background(), "k", time.Minute, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Current != 6 || res.TTL != time.Minute {
		t.Fatalf("res = %+v", res)
	}
	if mr.TTL("throttlegate-rate-limit-k") != time.Minute {
		t.Fatal("expiry not repaired")
	}
}

func TestRedisStore_ChildAndNamespace(t *testing.T) {
	mr, s := newTestRedisStore(t, WithNamespace("edge-"), WithTimeout(time.Second))
	if _, err := s.Child("group:api:").Incr(context.Background(), "k", time.Minute, 10, false); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("edge-group:api:k") {
		t.Fatalf("keys = %v", mr.Keys())
	}
}

func TestRedisStore_Error(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	s := NewRedisStore(client, WithTimeout(200*time.Millisecond))
	if _, err := s.Incr(context.Background(), "k", time.Minute, 10, false); err == nil {
		t.Fatal("expected error with redis down")
	}
}
