package circuitbreaker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/guardrail/internal/store"
)

// Registry manages the circuit breakers of one process. It is an explicit
// object rather than a package singleton so each composition root (and each
// test) owns its own instance; distinct processes still coordinate through
// the shared state store because the breaker name is the shared key.
type Registry struct {
	breakers sync.Map
	store    store.Store
	config   *Config
	logger   *zap.Logger
}

// NewRegistry creates a circuit breaker registry. config is the default
// configuration applied to breakers created without an explicit one.
func NewRegistry(st store.Store, config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		store:  st,
		config: config,
		logger: logger,
	}
}

// Get returns a circuit breaker by name, or nil if not found.
func (r *Registry) Get(name string) *CircuitBreaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*CircuitBreaker)
}

// GetOrCreate returns an existing circuit breaker or creates a new one
// with the registry's default configuration.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	return r.GetOrCreateWithConfig(name, r.config)
}

// GetOrCreateWithConfig returns an existing circuit breaker or creates a
// new one with custom configuration. The configuration supplied on first
// lookup wins; later lookups reuse the existing instance.
func (r *Registry) GetOrCreateWithConfig(name string, config *Config) *CircuitBreaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*CircuitBreaker)
	}

	cb := New(name, r.store, config, r.logger)

	// LoadOrStore handles the create race between concurrent callers.
	actual, loaded := r.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker",
		zap.String("name", name),
	)

	return cb
}

// Remove removes a circuit breaker from the registry.
func (r *Registry) Remove(name string) {
	r.breakers.Delete(name)
	r.logger.Debug("removed circuit breaker",
		zap.String("name", name),
	)
}

// List returns all circuit breakers in the registry.
func (r *Registry) List() []*CircuitBreaker {
	var breakers []*CircuitBreaker
	r.breakers.Range(func(key, value interface{}) bool {
		breakers = append(breakers, value.(*CircuitBreaker))
		return true
	})
	return breakers
}

// Names returns the names of all circuit breakers in the registry.
func (r *Registry) Names() []string {
	var names []string
	r.breakers.Range(func(key, value interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

// Count returns the number of circuit breakers in the registry.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// ResetAll forces every registered breaker to the closed state. The first
// store error is returned after all breakers have been attempted.
func (r *Registry) ResetAll(ctx context.Context) error {
	var firstErr error
	r.breakers.Range(func(key, value interface{}) bool {
		cb := value.(*CircuitBreaker)
		if err := cb.Reset(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})

	r.logger.Info("reset all circuit breakers")
	return firstErr
}

// StatusAll returns the status of every registered breaker, keyed by name,
// for operational dashboards.
func (r *Registry) StatusAll(ctx context.Context) map[string]Status {
	statuses := make(map[string]Status)
	r.breakers.Range(func(key, value interface{}) bool {
		name := key.(string)
		cb := value.(*CircuitBreaker)
		statuses[name] = cb.Status(ctx)
		return true
	})
	return statuses
}
