package executor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// Locator is a name-keyed service table handed to task handlers through
// the TaskContext.
type Locator struct {
	mu       sync.RWMutex
	services map[string]any
}

// NewLocator creates an empty locator.
func NewLocator() *Locator {
	return &Locator{services: make(map[string]any)}
}

// Set registers a service under name.
func (l *Locator) Set(name string, svc any) {
	l.mu.Lock()
	l.services[name] = svc
	l.mu.Unlock()
}

// Get resolves a service by name.
func (l *Locator) Get(name string) (any, error) {
	l.mu.RLock()
	svc, ok := l.services[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=locator.get name=%s: %w", name, domain.ErrNotFound)
	}
	return svc, nil
}

// restrictedNames are lookups that would let a handler reach out of its
// execution scope and into the container itself.
var restrictedNames = []string{"locator", "container", "registry", "scope", "executor"}

// restrictedLocator wraps the process locator for one execution scope and
// refuses container-reflection lookups.
type restrictedLocator struct {
	inner domain.ServiceLocator
}

func restrict(inner domain.ServiceLocator) domain.ServiceLocator {
	if inner == nil {
		return restrictedLocator{}
	}
	return restrictedLocator{inner: inner}
}

var _ domain.ServiceLocator = restrictedLocator{}

func (r restrictedLocator) Get(name string) (any, error) {
	lower := strings.ToLower(name)
	for _, forbidden := range restrictedNames {
		if strings.Contains(lower, forbidden) {
			return nil, fmt.Errorf("op=locator.get name=%s: %w: restricted lookup", name, domain.ErrInvalidArgument)
		}
	}
	if r.inner == nil {
		return nil, fmt.Errorf("op=locator.get name=%s: %w", name, domain.ErrNotFound)
	}
	return r.inner.Get(name)
}
