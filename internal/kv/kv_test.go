package kv

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("Get on empty store reported ok")
	}
	if err := m.Set(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := m.Get(ctx, "a")
	if err != nil || !ok || v != "1" {
		t.Fatalf("Get = %q, %v, %v; want 1, true, nil", v, ok, err)
	}
	if err := m.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(ctx, "a"); err != nil {
		t.Fatalf("second Remove error = %v", err)
	}
	if m.Size() != 0 {
		t.Errorf("Size() = %d, want 0", m.Size())
	}
}

func TestMemoryQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	if err := m.Set(ctx, "k", "123456789"); err != nil {
		t.Fatalf("Set within quota: %v", err)
	}
	if err := m.Set(ctx, "x", "1"); !errors.Is(err, ErrStorageFull) {
		t.Fatalf("Set over quota error = %v, want ErrStorageFull", err)
	}
	// Overwriting with a smaller value frees space.
	if err := m.Set(ctx, "k", "1"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := m.Set(ctx, "x", "1"); err != nil {
		t.Fatalf("Set after shrink: %v", err)
	}
}

func TestMemoryKeysPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	for _, k := range []string{"convo:messages:b", "convo:messages:a", "convo:sync:a"} {
		_ = m.Set(ctx, k, "v")
	}
	keys, err := m.Keys(ctx, "convo:messages:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "convo:messages:a" || keys[1] != "convo:messages:b" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	if err := Probe(ctx, m); err != nil {
		t.Fatalf("Probe(memory) = %v", err)
	}
	if m.Size() != 0 {
		t.Error("Probe left its key behind")
	}
	if err := Probe(ctx, NewMemory(1)); !errors.Is(err, ErrStorageFull) {
		t.Errorf("Probe(full store) = %v, want ErrStorageFull", err)
	}
	if err := Probe(ctx, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Probe(nil) = %v, want ErrUnavailable", err)
	}
}

// TestRedisRoundTrip runs against a live redis when CONVO_TEST_REDIS is set.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("CONVO_TEST_REDIS")
	if addr == "" {
		t.Skip("CONVO_TEST_REDIS not set")
	}
	ctx := context.Background()
	r := NewRedis(addr, "", 0, "convo-test:")
	defer func() { _ = r.Close() }()

	if err := Probe(ctx, r); err != nil {
		t.Fatalf("Probe(redis) = %v", err)
	}
	if err := r.Set(ctx, "convo:messages:c1", "{}"); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Remove(ctx, "convo:messages:c1") }()

	keys, err := r.Keys(ctx, "convo:messages:")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, k := range keys {
		if k == "convo:messages:c1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Keys = %v, want convo:messages:c1 without store prefix", keys)
	}
}
