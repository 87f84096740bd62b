package wl

import (
	"fmt"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/pkg/ir"
)

// DefaultLRUCapacity bounds the process-level signature cache.
const DefaultLRUCapacity = 4096

// Key identifies a method body refined under some options. Digest covers the
// instruction stream and handlers, so a reused id with a different body
// never hits.
type Key struct {
	ID       string
	Version  string
	Digest   uint64
	Rounds   int
	BlockCap int
}

// KeyOf returns the cache key of method m declared in owner when refined
// with opts.
func KeyOf(opts Options, owner string, m *ir.Method) Key {
	s := opts.Strategy
	if s == nil {
		s = stablehash.Default
	}
	buf := make([]byte, 0, 32*len(m.Code))
	for _, in := range m.Code {
		buf = append(buf, in.Op...)
		buf = append(buf, '|')
		buf = strconv.AppendInt(buf, int64(in.Kind), 10)
		for _, t := range in.Targets {
			buf = append(buf, '>')
			buf = strconv.AppendInt(buf, int64(t), 10)
		}
		buf = append(buf, '|')
		buf = append(buf, in.Owner...)
		buf = append(buf, '.')
		buf = append(buf, in.Name...)
		buf = append(buf, in.Desc...)
		buf = append(buf, ';')
	}
	for _, h := range m.Handlers {
		buf = fmt.Appendf(buf, "H%d,%d,%d,%s;", h.Start, h.End, h.Target, h.Type)
	}
	return Key{
		ID:       ir.MethodRef{Owner: owner, Name: m.Name, Desc: m.Desc}.String(),
		Version:  s.Version(),
		Digest:   s.Sum64(buf),
		Rounds:   opts.Rounds,
		BlockCap: opts.BlockCap,
	}
}

// SessionCache is a non-evicting signature map scoped to one run.
type SessionCache struct {
	m *xsync.Map[Key, Signature]
}

func NewSessionCache() *SessionCache {
	return &SessionCache{m: xsync.NewMap[Key, Signature]()}
}

func (c *SessionCache) Load(k Key) (Signature, bool) { return c.m.Load(k) }

func (c *SessionCache) Store(k Key, sig Signature) { c.m.Store(k, sig) }

func (c *SessionCache) Len() int { return c.m.Size() }

// LRU is a bounded signature cache that may outlive a run within one process.
type LRU struct {
	c *lru.Cache[Key, Signature]
}

// NewLRU returns an LRU holding at most capacity signatures.
func NewLRU(capacity int) (*LRU, error) {
	if capacity <= 0 {
		capacity = DefaultLRUCapacity
	}
	c, err := lru.New[Key, Signature](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating signature cache: %w", err)
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Load(k Key) (Signature, bool) { return l.c.Get(k) }

func (l *LRU) Store(k Key, sig Signature) { l.c.Add(k, sig) }

func (l *LRU) Len() int { return l.c.Len() }

// CacheStats counts lookups by where they were answered.
type CacheStats struct {
	SessionHits int64 `json:"session_hits"`
	LRUHits     int64 `json:"lru_hits"`
	Misses      int64 `json:"misses"`
}

// Cache checks the session map first, then the LRU, and computes on a miss.
type Cache struct {
	session *SessionCache
	lru     *LRU

	sessionHits atomic.Int64
	lruHits     atomic.Int64
	misses      atomic.Int64
}

// NewCache combines a fresh session cache with l. l may be nil.
func NewCache(l *LRU) *Cache {
	return &Cache{session: NewSessionCache(), lru: l}
}

// Get returns the cached signature for k, calling compute on a miss. Failed
// computations are not cached.
func (c *Cache) Get(k Key, compute func() (Signature, error)) (Signature, error) {
	if sig, ok := c.session.Load(k); ok {
		c.sessionHits.Add(1)
		return sig, nil
	}
	if c.lru != nil {
		if sig, ok := c.lru.Load(k); ok {
			c.lruHits.Add(1)
			c.session.Store(k, sig)
			return sig, nil
		}
	}
	c.misses.Add(1)
	sig, err := compute()
	if err != nil {
		return Signature{}, err
	}
	c.session.Store(k, sig)
	if c.lru != nil {
		c.lru.Store(k, sig)
	}
	return sig, nil
}

// Stats returns the lookup counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		SessionHits: c.sessionHits.Load(),
		LRUHits:     c.lruHits.Load(),
		Misses:      c.misses.Load(),
	}
}
