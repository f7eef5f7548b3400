package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/directived/pkg/directive"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
)

// HandlerRegistry maps handler references to host handlers. A handler has
// one canonical name and any number of aliases.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]runtime.Handler
	aliases  map[string]string
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]runtime.Handler),
		aliases:  make(map[string]string),
	}
}

// Register binds name and aliases to h. Registering a taken name or alias
// fails.
func (r *HandlerRegistry) Register(name string, h runtime.Handler, aliases ...string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(name) {
		return fmt.Errorf("handler %q already registered", name)
	}
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias != "" && r.taken(alias) {
			return fmt.Errorf("handler alias %q already registered", alias)
		}
	}
	r.handlers[name] = h
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" || alias == name {
			continue
		}
		r.aliases[alias] = name
	}
	return nil
}

// MustRegister is Register that panics, for wiring at startup.
func (r *HandlerRegistry) MustRegister(name string, h runtime.Handler, aliases ...string) {
	if err := r.Register(name, h, aliases...); err != nil {
		panic(err)
	}
}

func (r *HandlerRegistry) taken(name string) bool {
	if _, ok := r.handlers[name]; ok {
		return true
	}
	_, ok := r.aliases[name]
	return ok
}

// Resolve returns the handler for ref and its canonical name.
func (r *HandlerRegistry) Resolve(ref string) (runtime.Handler, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[ref]; ok {
		return h, ref, true
	}
	if canonical, ok := r.aliases[ref]; ok {
		return r.handlers[canonical], canonical, true
	}
	return nil, "", false
}

// Names lists canonical handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every handler reference in table is registered. A
// table that fails validation must not be published.
func (r *HandlerRegistry) Validate(table *directive.Table) error {
	var errs []error
	for _, d := range table.Directives() {
		if d.HandlerRef == "" {
			continue
		}
		if _, _, ok := r.Resolve(d.HandlerRef); !ok {
			errs = append(errs, fmt.Errorf("%s: %w: %s", d.ID(), domain.ErrHandlerNotFound, d.HandlerRef))
		}
	}
	return errors.Join(errs...)
}
