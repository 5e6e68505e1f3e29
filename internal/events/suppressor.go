package events

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// DefaultSuppressWindow is how long repeats of a warning key are counted instead of logged.
	DefaultSuppressWindow = 5 * time.Second

	// idle keys are evicted after this many windows
	suppressEvictWindows = 10
)

type suppressEntry struct {
	windowStart time.Time
	suppressed  int
}

// Suppressor rate limits repeated warnings. The first occurrence of a key in each
// window is allowed, later ones are counted and reported with the next allowed one.
type Suppressor struct {
	window time.Duration
	cache  *cache.Cache
	mu     sync.Mutex
}

// NewSuppressor creates a suppressor; a non-positive window uses DefaultSuppressWindow.
func NewSuppressor(window time.Duration) *Suppressor {
	if window <= 0 {
		window = DefaultSuppressWindow
	}
	ttl := window * suppressEvictWindows
	return &Suppressor{
		window: window,
		cache:  cache.New(ttl, ttl),
	}
}

// Allow reports whether a warning with this key should be emitted now. When allowed,
// suppressed is the number of occurrences swallowed during the previous window,
// otherwise it is the running count for the current one.
func (s *Suppressor) Allow(key string) (allowed bool, suppressed int) {
	return s.allowAt(key, time.Now())
}

func (s *Suppressor) allowAt(key string, now time.Time) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry *suppressEntry
	if v, found := s.cache.Get(key); found {
		entry, _ = v.(*suppressEntry)
	}

	if entry == nil {
		s.cache.SetDefault(key, &suppressEntry{windowStart: now})
		return true, 0
	}

	if now.Sub(entry.windowStart) >= s.window {
		previous := entry.suppressed
		entry.windowStart = now
		entry.suppressed = 0
		s.cache.SetDefault(key, entry)
		return true, previous
	}

	entry.suppressed++
	return false, entry.suppressed
}

// Reset forgets every key.
func (s *Suppressor) Reset() {
	s.cache.Flush()
}
