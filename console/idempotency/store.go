// Package idempotency replays command responses for repeated
// X-Idempotency-Key values, so a view that retries a POST after a lost
// response does not submit the command twice.
package idempotency

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const Header = "X-Idempotency-Key"

type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Store keeps the most recent responses, bounded in count and age.
type Store struct {
	cache *expirable.LRU[string, Response]
}

func NewStore(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{cache: expirable.NewLRU[string, Response](size, nil, ttl)}
}

func (s *Store) Get(key string) (Response, bool) {
	return s.cache.Get(key)
}

func (s *Store) Set(key string, resp Response) {
	s.cache.Add(key, resp)
}
