package extauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

// PluginFactory builds an auth service from the plugin's opaque config.
type PluginFactory func(config map[string]interface{}) (Service, error)

var (
	pluginMu        sync.RWMutex
	pluginFactories = map[string]PluginFactory{}
)

// RegisterPlugin registers a named auth plugin. Plugins register at startup,
// before any config referencing them is loaded.
func RegisterPlugin(name string, f PluginFactory) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	pluginFactories[name] = f
}

func newPluginAuth(cfg *extauthcfg.PluginAuth) (Service, error) {
	key := cfg.ExportedSymbolName
	if key == "" {
		key = cfg.Name
	}
	pluginMu.RLock()
	f, ok := pluginFactories[key]
	pluginMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown auth plugin %q", key)
	}
	svc, err := f(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("auth plugin %q: %w", cfg.Name, err)
	}
	return svc, nil
}

// jwtMarkerService backs the Jwt config variant: verification runs elsewhere
// in the filter chain, so the slot itself always allows. Its value is in
// boolean expressions, where its name stands for "the JWT filter passed".
type jwtMarkerService struct{}

func (jwtMarkerService) Authorize(context.Context, *http.Request) (*Response, error) {
	return Allowed(), nil
}
