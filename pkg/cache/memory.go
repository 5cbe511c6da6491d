package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// MemoryConfig sizes the in-process cache.
type MemoryConfig struct {
	// LifeWindow is the hard eviction horizon of bigcache. Per-entry TTLs
	// shorter than this are enforced on read.
	LifeWindow time.Duration
	// CleanWindow is how often expired entries are swept; 0 disables.
	CleanWindow  time.Duration
	Shards       int
	MaxEntrySize int
}

// DefaultMemoryConfig suits a handful of small JSON documents.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		LifeWindow:   10 * time.Minute,
		CleanWindow:  time.Minute,
		Shards:       64,
		MaxEntrySize: 4096,
	}
}

// expiry envelope: 8-byte big-endian unix nanos, 0 meaning no expiry
const envelopeSize = 8

// MemoryStore is a Store backed by bigcache. Each value is prefixed with
// its expiry time since bigcache only knows one global life window.
type MemoryStore struct {
	cache *bigcache.BigCache
	now   func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-process store.
func NewMemoryStore(ctx context.Context, cfg MemoryConfig) (*MemoryStore, error) {
	d := DefaultMemoryConfig()
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = d.LifeWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = d.Shards
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = d.MaxEntrySize
	}

	bc := bigcache.DefaultConfig(cfg.LifeWindow)
	bc.CleanWindow = cfg.CleanWindow
	bc.Shards = cfg.Shards
	bc.MaxEntrySize = cfg.MaxEntrySize
	bc.Verbose = false

	c, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: c, now: time.Now}, nil
}

func (s *MemoryStore) read(key string) (value []byte, expires time.Time, ok bool, err error) {
	raw, err := s.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, err
	}
	if len(raw) < envelopeSize {
		_ = s.cache.Delete(key)
		return nil, time.Time{}, false, nil
	}

	if ns := int64(binary.BigEndian.Uint64(raw[:envelopeSize])); ns != 0 {
		expires = time.Unix(0, ns)
		if !s.now().Before(expires) {
			_ = s.cache.Delete(key)
			return nil, time.Time{}, false, nil
		}
	}
	return raw[envelopeSize:], expires, true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	value, _, ok, err := s.read(key)
	return value, ok, err
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	buf := make([]byte, envelopeSize+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf, uint64(s.now().Add(ttl).UnixNano()))
	}
	copy(buf[envelopeSize:], value)
	return s.cache.Set(key, buf)
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	for _, k := range keys {
		if err := s.cache.Delete(k); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, ErrClosed
	}

	_, expires, ok, err := s.read(key)
	if err != nil || !ok {
		return 0, false, err
	}
	if expires.IsZero() {
		return -1, true, nil
	}
	return expires.Sub(s.now()), true, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cache.Close()
}
