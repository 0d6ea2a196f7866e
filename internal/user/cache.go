package user

import (
	"context"
	"sync"
)

// fetch is one in-flight or settled directory lookup. Concurrent
// callers for the same id block on done and share the outcome.
type fetch struct {
	done chan struct{}
	user User
	err  error
}

// Cache memoizes directory lookups for the lifetime of the process.
// User records are immutable from the client's point of view, so a
// settled entry is never refreshed; failed lookups are evicted so the
// next caller retries.
type Cache struct {
	dir  Directory
	self User

	mu      sync.Mutex
	entries map[string]*fetch
}

// NewCache builds a cache over dir. self is the logged-in user and is
// pre-seeded so resolving our own id never touches the network.
func NewCache(dir Directory, self User) *Cache {
	c := &Cache{
		dir:     dir,
		self:    self,
		entries: make(map[string]*fetch),
	}
	seeded := &fetch{done: make(chan struct{}), user: self}
	close(seeded.done)
	c.entries[self.ID] = seeded
	return c
}

// Current returns the logged-in user.
func (c *Cache) Current() User {
	return c.self
}

// User resolves id, hitting the directory at most once per id across
// all concurrent callers.
func (c *Cache) User(ctx context.Context, id string) (User, error) {
	c.mu.Lock()
	f, ok := c.entries[id]
	if !ok {
		f = &fetch{done: make(chan struct{})}
		c.entries[id] = f
		c.mu.Unlock()

		f.user, f.err = c.dir.UserInfo(ctx, id)
		if f.err != nil {
			c.mu.Lock()
			delete(c.entries, id)
			c.mu.Unlock()
		}
		close(f.done)
		return f.user, f.err
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.user, f.err
	case <-ctx.Done():
		return User{}, ctx.Err()
	}
}
