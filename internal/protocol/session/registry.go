package session

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

var (
	ErrHandlerNil    = errors.New("session: nil handler")
	ErrServiceExists = errors.New("session: service already registered")
	ErrServiceKey    = errors.New("session: invalid service key")
)

// ServiceKey renders code as four lowercase hex digits. Distinct codes never
// share a key.
func ServiceKey(code uint16) string {
	return fmt.Sprintf("%04x", code)
}

// ParseServiceKey reverses ServiceKey. Only the canonical form is accepted.
func ParseServiceKey(key string) (uint16, error) {
	if len(key) != 4 {
		return 0, fmt.Errorf("%w: %q", ErrServiceKey, key)
	}
	v, err := strconv.ParseUint(key, 16, 16)
	if err != nil || ServiceKey(uint16(v)) != key {
		return 0, fmt.Errorf("%w: %q", ErrServiceKey, key)
	}
	return uint16(v), nil
}

// Registry maps service codes to handlers. It is populated at startup and
// read concurrently by every connection.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(code uint16, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: service %s", ErrHandlerNil, ServiceKey(code))
	}
	key := ServiceKey(code)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, key)
	}
	r.handlers[key] = h
	return nil
}

func (r *Registry) HandleFunc(code uint16, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: service %s", ErrHandlerNil, ServiceKey(code))
	}
	return r.Register(code, fn)
}

func (r *Registry) Lookup(code uint16) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[ServiceKey(code)]
	return h, ok
}

// Services returns the registered codes in ascending order.
func (r *Registry) Services() []uint16 {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint16, 0, len(r.handlers))
	for key := range r.handlers {
		code, err := ParseServiceKey(key)
		if err != nil {
			continue
		}
		out = append(out, code)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
