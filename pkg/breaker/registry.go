package breaker

import (
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"fee-lens/pkg/metrics"
	"fee-lens/pkg/types"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Registry.Reset for an unknown name.
var ErrNotFound = errors.New("circuit breaker not found")

// Registry owns the named breakers of one service graph. Breakers are
// created lazily on first use and live as long as the registry.
type Registry struct {
	defaults Options
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. defaults apply to breakers created
// through Get.
func NewRegistry(defaults Options, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		defaults: defaults.withDefaults(),
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the registry defaults.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithOptions(name, r.defaults)
}

// GetWithOptions returns the breaker for name, creating it with opts. An
// existing breaker keeps the options it was created with.
func (r *Registry) GetWithOptions(name string, opts Options) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, opts, r.logger, r.metrics)
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

func (r *Registry) snapshot() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// States returns a snapshot of every breaker, sorted by name.
func (r *Registry) States() []types.BreakerState {
	breakers := r.snapshot()
	states := make([]types.BreakerState, len(breakers))
	for i, b := range breakers {
		states[i] = b.State()
	}
	return states
}

// Reset closes the named breaker.
func (r *Registry) Reset(name string) error {
	b, ok := r.Lookup(name)
	if !ok {
		return ErrNotFound
	}
	b.Reset()
	return nil
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	for _, b := range r.snapshot() {
		b.Reset()
	}
}

// BackoffDelay is the exponential back-off before retry attempt n (0-based)
// with up to 10% jitter, capped at maxDelay.
func BackoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/10+1))
}
