// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket rate limiting with per-client
// buckets. Buckets live in an expiring cache keyed by client, so clients
// that go quiet are evicted instead of accumulating forever.
package ratelimit

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// DefaultIdleTTL is how long an inactive client's bucket survives.
const DefaultIdleTTL = 5 * time.Minute

// DefaultMaxClients caps the number of tracked clients. Requests from new
// clients beyond the cap are rejected until evictions free room.
const DefaultMaxClients = 10000

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket. capacity is the burst size;
// refillRate is tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN consumes n tokens if available.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// refill adds tokens for the elapsed time since the last refill.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	add := int64(elapsed * float64(tb.refillRate))
	if add > 0 {
		tb.tokens += add
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the current token count.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Limiter tracks one token bucket per client.
type Limiter struct {
	buckets    *cache.Cache
	capacity   int64
	refillRate int64
	maxClients int
}

// NewLimiter creates a per-client limiter. A zero idleTTL applies
// DefaultIdleTTL.
func NewLimiter(capacity, refillRate int64, idleTTL time.Duration) *Limiter {
	if idleTTL == 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Limiter{
		buckets:    cache.New(idleTTL, 2*idleTTL),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: DefaultMaxClients,
	}
}

// Allow consumes one token from the client's bucket.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN consumes n tokens from the client's bucket, creating the bucket on
// first use. Each call slides the client's idle expiry forward.
func (l *Limiter) AllowN(clientID string, n int64) bool {
	tb, ok := l.bucket(clientID)
	if !ok {
		return false
	}
	l.buckets.SetDefault(clientID, tb)
	return tb.AllowN(n)
}

// Available returns the client's current token count, or the full capacity
// when the client is not tracked yet.
func (l *Limiter) Available(clientID string) int64 {
	if v, ok := l.buckets.Get(clientID); ok {
		return v.(*TokenBucket).Available()
	}
	return l.capacity
}

// Remove drops the client's bucket.
func (l *Limiter) Remove(clientID string) {
	l.buckets.Delete(clientID)
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	return l.buckets.ItemCount()
}

// bucket returns the client's bucket, creating it when absent. Creation is
// atomic via the cache's Add, so two racing first calls share one bucket.
func (l *Limiter) bucket(clientID string) (*TokenBucket, bool) {
	if v, ok := l.buckets.Get(clientID); ok {
		return v.(*TokenBucket), true
	}
	if l.buckets.ItemCount() >= l.maxClients {
		return nil, false
	}
	tb := NewTokenBucket(l.capacity, l.refillRate)
	if err := l.buckets.Add(clientID, tb, cache.DefaultExpiration); err != nil {
		if v, ok := l.buckets.Get(clientID); ok {
			return v.(*TokenBucket), true
		}
	}
	return tb, true
}
