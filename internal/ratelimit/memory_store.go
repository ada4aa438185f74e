package ratelimit

import (
	"sync"
	"time"
)

// MemoryStore keeps one token bucket per client key, in process memory.
// A background loop drops buckets that have refilled to near capacity,
// which is how inactive clients age out.
type MemoryStore struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// NewMemoryStore creates a store with a 5 minute cleanup interval.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a store with a custom cleanup
// interval. A non-positive interval disables cleanup.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Allow consumes one token from the bucket for key, creating the bucket
// on first sight. Returns whether the request is allowed and how many
// tokens remain.
func (s *MemoryStore) Allow(key string, capacity, refillRate float64) (bool, float64) {
	bucket := s.getBucket(key, capacity, refillRate)
	allowed := bucket.Allow()
	return allowed, bucket.Remaining()
}

// Remaining reports the tokens left for key without consuming any.
func (s *MemoryStore) Remaining(key string, capacity, refillRate float64) float64 {
	return s.getBucket(key, capacity, refillRate).Remaining()
}

// Reset refills the bucket for key, if one exists.
func (s *MemoryStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.buckets[key]; ok {
		bucket.Reset()
	}
}

// Len returns the number of tracked buckets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// Close stops the background cleanup loop.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *MemoryStore) getBucket(key string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()

	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check after acquiring the write lock.
	if bucket, ok = s.buckets[key]; ok {
		return bucket
	}

	bucket = NewTokenBucket(capacity, refillRate)
	s.buckets[key] = bucket
	return bucket
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes buckets that have drifted back near full capacity.
// The 95% threshold tolerates refills that happened moments ago.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.buckets, key)
		}
	}
}
