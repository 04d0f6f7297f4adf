package retry

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/types/known/anypb"
)

// Priority orders upstream priority levels for retry attempts.
type Priority interface {
	// PriorityLoad returns the priority level to target for the given attempt.
	PriorityLoad(attempt int) int
}

// HostPredicate rejects candidate hosts during retry host selection.
type HostPredicate interface {
	// ShouldSelect reports whether host may serve the given attempt.
	ShouldSelect(host string, attempt int) bool
}

// PriorityFactory builds a Priority from its typed config payload.
type PriorityFactory func(cfg *anypb.Any) (Priority, error)

// HostPredicateFactory builds a HostPredicate from its typed config payload.
type HostPredicateFactory func(cfg *anypb.Any) (HostPredicate, error)

var (
	registryMu         sync.RWMutex
	priorityFactories  = map[string]PriorityFactory{}
	predicateFactories = map[string]HostPredicateFactory{}
)

// RegisterPriority registers a named retry-priority extension.
func RegisterPriority(name string, f PriorityFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	priorityFactories[name] = f
}

// RegisterHostPredicate registers a named retry-host-predicate extension.
func RegisterHostPredicate(name string, f HostPredicateFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	predicateFactories[name] = f
}

// BuildPriority resolves a named priority at config-load time. An unregistered
// name rejects the config push.
func BuildPriority(name string, cfg *anypb.Any) (Priority, error) {
	registryMu.RLock()
	f, ok := priorityFactories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown retry priority %q", name)
	}
	return f(cfg)
}

// BuildHostPredicate resolves a named host predicate at config-load time. The
// returned constructor is invoked once per request, so predicates may keep
// per-request state.
func BuildHostPredicate(name string, cfg *anypb.Any) (func() (HostPredicate, error), error) {
	registryMu.RLock()
	f, ok := predicateFactories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown retry host predicate %q", name)
	}
	// Resolve eagerly once to surface config errors at load time.
	if _, err := f(cfg); err != nil {
		return nil, err
	}
	return func() (HostPredicate, error) { return f(cfg) }, nil
}

// previousHostsPredicate skips hosts already attempted.
type previousHostsPredicate struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (p *previousHostsPredicate) ShouldSelect(host string, attempt int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[host] {
		return false
	}
	p.seen[host] = true
	return true
}

func init() {
	RegisterHostPredicate("envoy.retry_host_predicates.previous_hosts", func(*anypb.Any) (HostPredicate, error) {
		return &previousHostsPredicate{seen: map[string]bool{}}, nil
	})
}
