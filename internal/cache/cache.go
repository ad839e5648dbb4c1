// Copyright 2025 James Ross

// Package cache holds the short-TTL in-flight data-item cache ingress uses to
// reject duplicate uploads.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache marks data items as in flight for a bounded time.
type Cache interface {
	PutInFlight(ctx context.Context, dataItemID string) error
	IsInFlight(ctx context.Context, dataItemID string) (bool, error)
	RemoveInFlight(ctx context.Context, dataItemID string) error
}

// InMemory is the per-process implementation; it is authoritative only within
// this process, cross-process dedupe relies on the DB unique key.
type InMemory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewInMemory(ttl time.Duration) *InMemory {
	return &InMemory{
		ttl:     ttl,
		entries: map[string]time.Time{},
		now:     time.Now,
	}
}

func (c *InMemory) PutInFlight(ctx context.Context, dataItemID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep()
	c.entries[dataItemID] = c.now().Add(c.ttl)
	return nil
}

func (c *InMemory) IsInFlight(ctx context.Context, dataItemID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[dataItemID]
	if !ok {
		return false, nil
	}
	if c.now().After(exp) {
		delete(c.entries, dataItemID)
		return false, nil
	}
	return true, nil
}

func (c *InMemory) RemoveInFlight(ctx context.Context, dataItemID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dataItemID)
	return nil
}

// sweep drops expired entries opportunistically on writes.
func (c *InMemory) sweep() {
	now := c.now()
	for id, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, id)
		}
	}
}
