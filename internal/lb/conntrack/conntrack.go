// Package conntrack implements the connection table shared by the ingress and
// egress translators.
package conntrack

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/cheahjs/lbnat/internal/lb/types"
	"github.com/cheahjs/lbnat/internal/metrics"
)

// Store is the lookup/upsert contract the translators rely on. Each call must
// be atomic with respect to concurrent calls on the same key.
type Store interface {
	Lookup(key types.ConnKey) (types.ConnRecord, bool)
	Upsert(key types.ConnKey, rec types.ConnRecord)
}

// cache is satisfied by both lru.Cache and expirable.LRU.
type cache interface {
	Get(key types.ConnKey) (types.ConnRecord, bool)
	Peek(key types.ConnKey) (types.ConnRecord, bool)
	Add(key types.ConnKey, value types.ConnRecord) bool
	Len() int
}

// Table is a fixed-capacity Store that evicts the least recently used record
// when full. Both Lookup and Upsert count as a use.
type Table struct {
	cache    cache
	capacity int
	logger   *zap.SugaredLogger

	upserts   atomic.Uint64
	evictions atomic.Uint64
}

// Stats is a snapshot of the table counters.
type Stats struct {
	Entries   int
	Capacity  int
	Upserts   uint64
	Evictions uint64
}

type Option func(*options)

type options struct {
	ttl     time.Duration
	onEvict func(types.ConnKey, types.ConnRecord)
}

// WithTTL makes records expire ttl after they were last written. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// withEvictCallback registers fn to be called for every record removed by
// capacity pressure or expiry.
func withEvictCallback(fn func(types.ConnKey, types.ConnRecord)) Option {
	return func(o *options) { o.onEvict = fn }
}

var ErrInvalidCapacity = errors.New("conntrack: capacity must be positive")

// New creates a table holding at most capacity records.
func New(logger *zap.SugaredLogger, capacity int, opts ...Option) (*Table, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl < 0 {
		return nil, fmt.Errorf("conntrack: negative ttl %v", o.ttl)
	}

	t := &Table{
		capacity: capacity,
		logger:   logger.With("component", "conntrack"),
	}
	evict := func(key types.ConnKey, rec types.ConnRecord) {
		t.evictions.Add(1)
		metrics.ConntrackEvictions.Inc()
		t.logger.Debugf("Evicted %v (client %v)", key, rec.OrigSrcIP)
		if o.onEvict != nil {
			o.onEvict(key, rec)
		}
	}

	if o.ttl > 0 {
		t.cache = expirable.NewLRU[types.ConnKey, types.ConnRecord](capacity, evict, o.ttl)
	} else {
		c, err := lru.NewWithEvict[types.ConnKey, types.ConnRecord](capacity, evict)
		if err != nil {
			return nil, fmt.Errorf("failed to create conntrack cache: %w", err)
		}
		t.cache = c
	}
	t.logger.Infof("Created conntrack table with capacity %d, ttl %v", capacity, o.ttl)
	return t, nil
}

// Lookup returns the record stored under key and marks it recently used.
func (t *Table) Lookup(key types.ConnKey) (types.ConnRecord, bool) {
	return t.cache.Get(key)
}

// Upsert stores rec under key, replacing any existing record.
func (t *Table) Upsert(key types.ConnKey, rec types.ConnRecord) {
	t.cache.Add(key, rec)
	t.upserts.Add(1)
	metrics.ConntrackUpserts.Inc()
}

// Peek returns the record stored under key without touching its recency.
func (t *Table) Peek(key types.ConnKey) (types.ConnRecord, bool) {
	return t.cache.Peek(key)
}

func (t *Table) Len() int {
	return t.cache.Len()
}

func (t *Table) Stats() Stats {
	return Stats{
		Entries:   t.cache.Len(),
		Capacity:  t.capacity,
		Upserts:   t.upserts.Load(),
		Evictions: t.evictions.Load(),
	}
}

// OrigSrc is a shorthand record constructor.
func OrigSrc(addr netip.Addr) types.ConnRecord {
	return types.ConnRecord{OrigSrcIP: addr}
}
