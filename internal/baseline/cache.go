package baseline

import (
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Cache is the in-process store of user baselines.
//
// Each user has two locks. The pipeline lock (Acquire) serializes whole
// evaluations for one user, from snapshot to write-back. The data lock
// guards the baseline value itself and is shared by ApplyTransaction and
// Refresh, so the scheduler and live traffic never interleave a
// read-modify-write. Neither lock is shared between users.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	window  time.Duration
	now     func() time.Time
}

type entry struct {
	pipeline sync.Mutex

	mu sync.RWMutex
	b  domain.Baseline
}

// NewCache creates an empty cache. window bounds the recent location events kept per user.
func NewCache(window time.Duration) *Cache {
	if window <= 0 {
		window = time.Hour
	}
	return &Cache{
		entries: make(map[string]*entry),
		window:  window,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Window returns the location window the cache trims to.
func (c *Cache) Window() time.Duration {
	return c.window
}

// Get returns a snapshot of the user's baseline, or the cold sentinel for
// an unknown user. It never blocks on I/O and never creates an entry.
func (c *Cache) Get(userID string) domain.Baseline {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return domain.ColdBaseline(userID)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.b.UserID == "" {
		return domain.ColdBaseline(userID)
	}
	return e.b.Clone()
}

// ApplyTransaction folds tx into its user's baseline atomically and
// returns the updated snapshot.
func (c *Cache) ApplyTransaction(tx *domain.Transaction) domain.Baseline {
	e := c.entry(tx.UserID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.b.UserID == "" {
		e.b = domain.ColdBaseline(tx.UserID)
	}
	e.b = Next(e.b, tx, c.window)
	e.b.LastUpdated = c.now()
	return e.b.Clone()
}

// Refresh installs an authoritative summary for a user, replacing whatever
// the incremental path had accumulated.
func (c *Cache) Refresh(userID string, summary domain.Baseline) {
	e := c.entry(userID)

	b := summary.Clone()
	b.UserID = userID
	if b.LastUpdated.IsZero() {
		b.LastUpdated = c.now()
	}

	e.mu.Lock()
	e.b = b
	e.mu.Unlock()
}

// Acquire takes the user's pipeline lock and returns its release func.
// Work for the same user is serialized; other users are unaffected.
func (c *Cache) Acquire(userID string) func() {
	e := c.entry(userID)
	e.pipeline.Lock()
	return e.pipeline.Unlock
}

// Evict resets a user to the cold state. The entry itself is retained so
// a concurrent Acquire keeps serializing on the same lock.
func (c *Cache) Evict(userID string) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.b = domain.Baseline{}
	e.mu.Unlock()
}

// Users returns the ids of all users with a non-cold baseline, sorted.
func (c *Cache) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		e.mu.RLock()
		warm := e.b.TransactionCount > 0
		e.mu.RUnlock()
		if warm {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// Len returns the number of users with a non-cold baseline.
func (c *Cache) Len() int {
	return len(c.Users())
}

func (c *Cache) entry(userID string) *entry {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[userID]; ok {
		return e
	}
	e = &entry{}
	c.entries[userID] = e
	return e
}
