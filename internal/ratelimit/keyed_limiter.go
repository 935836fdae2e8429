package ratelimit

import (
	"container/list"
	"sync"
)

// KeyedLimiter rate-limits independent senders, one token bucket per key. The
// bucket map is bounded: once maxKeys buckets exist, the least recently used
// one is evicted, so a key spray cannot grow memory without bound.
type KeyedLimiter[K comparable] struct {
	clock Clock

	rate    int64 // tokens/sec, also the burst capacity
	maxKeys int

	mu      sync.Mutex
	buckets map[K]*keyedEntry[K]
	lru     *list.List
}

type keyedEntry[K comparable] struct {
	bucket *TokenBucket
	elem   *list.Element
}

const defaultMaxKeys = 1024

// NewKeyedLimiter builds a limiter allowing rate tokens per second per key.
// rate <= 0 disables limiting entirely. maxKeys <= 0 uses a safe default.
func NewKeyedLimiter[K comparable](clock Clock, rate int64, maxKeys int) *KeyedLimiter[K] {
	if clock == nil {
		clock = RealClock{}
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &KeyedLimiter[K]{
		clock:   clock,
		rate:    rate,
		maxKeys: maxKeys,
		buckets: make(map[K]*keyedEntry[K]),
		lru:     list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter[K]) Allow(key K) bool {
	if l.rate <= 0 {
		return true
	}
	return l.bucketFor(key).Allow(1)
}

func (l *KeyedLimiter[K]) bucketFor(key K) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		return entry.bucket
	}

	if len(l.buckets) >= l.maxKeys {
		// Evict the least recently used entry (oldest at the back).
		if elem := l.lru.Back(); elem != nil {
			l.lru.Remove(elem)
			delete(l.buckets, elem.Value.(K))
		}
	}

	bucket := NewTokenBucket(l.clock, l.rate, l.rate)
	l.buckets[key] = &keyedEntry[K]{
		bucket: bucket,
		elem:   l.lru.PushFront(key),
	}
	return bucket
}

// Forget drops key's bucket, if any. Callers invoke this when a sender goes
// away so its next appearance starts with a full burst.
func (l *KeyedLimiter[K]) Forget(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.buckets[key]; ok {
		l.lru.Remove(entry.elem)
		delete(l.buckets, key)
	}
}
