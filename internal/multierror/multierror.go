package multierror

import (
	"fmt"
	"strings"
	"sync"
)

// Error collects errors produced by several independent operations, keyed by
// whatever identifies the operation (a node key, a bootstrap address). Keys
// are reported in the order they were first added.
type Error[K comparable] struct {
	mu     sync.Mutex
	keys   []K
	errors map[K]error
}

// New creates an empty Error.
func New[K comparable]() *Error[K] {
	return &Error[K]{
		errors: make(map[K]error),
	}
}

func (m *Error[K]) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		parts = append(parts, fmt.Sprintf("%v:%s", k, m.errors[k]))
	}

	return strings.Join(parts, "; ")
}

// Unwrap makes errors.Is and errors.As look into every collected error.
func (m *Error[K]) Unwrap() []error {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make([]error, 0, len(m.keys))
	for _, k := range m.keys {
		errs = append(errs, m.errors[k])
	}

	return errs
}

// Len returns the number of collected errors.
func (m *Error[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.keys)
}

// Add records err under key. Nil errors are ignored, a second error for the
// same key replaces the first one. Safe for concurrent use.
func (m *Error[K]) Add(key K, err error) {
	if err == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.errors[key]; !ok {
		m.keys = append(m.keys, key)
	}

	m.errors[key] = err
}

// Get returns the error recorded for key.
func (m *Error[K]) Get(key K) (error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err, ok := m.errors[key]

	return err, ok
}

// Ret returns m if it holds any errors and nil otherwise, so it can be used
// directly as a function's error result.
func (m *Error[K]) Ret() error {
	if m.Len() == 0 {
		return nil
	}

	return m
}
