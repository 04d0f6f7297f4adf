package extauth

import (
	"context"
	"sync"
)

// Custom auth servers are out-of-band services named by per-route overrides.
// They register at startup, like plugins, but are resolved per route rather
// than per AuthConfig step.

var (
	customMu       sync.RWMutex
	customServices = map[string]Service{}
)

// RegisterCustomAuth registers a named custom auth server.
func RegisterCustomAuth(name string, svc Service) {
	customMu.Lock()
	defer customMu.Unlock()
	customServices[name] = svc
}

// LookupCustomAuth resolves a registered custom auth server.
func LookupCustomAuth(name string) (Service, bool) {
	customMu.RLock()
	defer customMu.RUnlock()
	svc, ok := customServices[name]
	return svc, ok
}

type contextExtensionsKey struct{}

// WithContextExtensions attaches per-route context extensions for custom
// auth servers to read.
func WithContextExtensions(ctx context.Context, ext map[string]string) context.Context {
	return context.WithValue(ctx, contextExtensionsKey{}, ext)
}

// ContextExtensions returns the extensions attached by the route override,
// or nil.
func ContextExtensions(ctx context.Context) map[string]string {
	ext, _ := ctx.Value(contextExtensionsKey{}).(map[string]string)
	return ext
}
