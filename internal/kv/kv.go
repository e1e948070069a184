// Package kv defines the durable key-value store the message cache sits on,
// plus in-memory and redis implementations.
package kv

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStorageFull is returned by Set when the store's quota is exceeded.
	ErrStorageFull = errors.New("kv: storage full")
	// ErrUnavailable is returned when the store cannot be reached at all.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is a string-keyed durable store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set writes value under key, failing with ErrStorageFull when the
	// write would exceed the store's quota.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

const probeKey = "convo:__probe__"

// Probe checks once that s can round-trip a value. A failed probe means
// callers should run without the store.
func Probe(ctx context.Context, s Store) error {
	if s == nil {
		return ErrUnavailable
	}
	if err := s.Set(ctx, probeKey, "1"); err != nil {
		return fmt.Errorf("probe set: %w", err)
	}
	v, ok, err := s.Get(ctx, probeKey)
	if err != nil {
		return fmt.Errorf("probe get: %w", err)
	}
	if !ok || v != "1" {
		return fmt.Errorf("probe get: %w", ErrUnavailable)
	}
	if err := s.Remove(ctx, probeKey); err != nil {
		return fmt.Errorf("probe remove: %w", err)
	}
	return nil
}
