package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// localEntry is one cached value plus its accounting fields
type localEntry struct {
	key       string
	value     []byte
	size      int64
	expiresAt time.Time
}

// Local is the in-process cache tier: a byte-budgeted LRU with lazy
// expiry. A coarse mutex serializes all access; recency is the list
// position, evictions pop the back.
type Local struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	maxBytes int64
	curBytes int64
	now      func() time.Time
}

// NewLocal creates the local tier with a byte budget
func NewLocal(maxBytes int64) *Local {
	return &Local{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Get returns the cached bytes for key. An expired entry is removed on
// the way out and reported as a miss.
func (l *Local) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*localEntry)
	if !ent.expiresAt.IsZero() && l.now().After(ent.expiresAt) {
		l.removeElement(el)
		return nil, false
	}
	l.lru.MoveToFront(el)
	return ent.value, true
}

// Set stores value under key for ttl (ttl <= 0 means no expiry) and
// evicts least-recently-used entries until the budget holds. A value
// larger than the whole budget is not stored.
func (l *Local) Set(key string, value []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[key]; ok {
		l.removeElement(el)
	}

	size := int64(len(key) + len(value))
	if size > l.maxBytes {
		return
	}

	ent := &localEntry{key: key, value: value, size: size}
	if ttl > 0 {
		ent.expiresAt = l.now().Add(ttl)
	}

	l.entries[key] = l.lru.PushFront(ent)
	l.curBytes += size

	for l.curBytes > l.maxBytes {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		l.removeElement(oldest)
	}
}

// Delete removes key if present
func (l *Local) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[key]; ok {
		l.removeElement(el)
	}
}

// DeletePrefix removes every entry whose key starts with prefix and
// returns how many were removed
func (l *Local) DeletePrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, el := range l.entries {
		if strings.HasPrefix(key, prefix) {
			l.removeElement(el)
			removed++
		}
	}
	return removed
}

// Clear drops every entry
func (l *Local) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[string]*list.Element)
	l.lru.Init()
	l.curBytes = 0
}

// ItemCount returns the number of live entries
func (l *Local) ItemCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// SizeBytes returns the current budget usage
func (l *Local) SizeBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curBytes
}

// removeElement unlinks an entry. Caller holds the mutex.
func (l *Local) removeElement(el *list.Element) {
	ent := el.Value.(*localEntry)
	l.lru.Remove(el)
	delete(l.entries, ent.key)
	l.curBytes -= ent.size
}
