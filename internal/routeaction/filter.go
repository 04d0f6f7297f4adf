package routeaction

import (
	"fmt"
	"net/http"
	"sync"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"google.golang.org/protobuf/types/known/anypb"
)

// FilterHandler serves a FilterAction route. The payload is the action's
// typed config, opaque to the dispatcher.
type FilterHandler func(cfg *anypb.Any, w http.ResponseWriter, r *http.Request) error

type filterPayload struct {
	typeURL string
	config  *anypb.Any
}

var (
	filterMu       sync.RWMutex
	filterHandlers = map[string]FilterHandler{}
)

// RegisterFilter registers a handler for a FilterAction typed-config type URL.
// Registration happens at init time; lookup at config load.
func RegisterFilter(typeURL string, h FilterHandler) {
	filterMu.Lock()
	defer filterMu.Unlock()
	filterHandlers[typeURL] = h
}

func compileFilter(fa *routev3.FilterAction) (*CompiledAction, error) {
	cfg := fa.GetAction()
	if cfg == nil {
		return nil, fmt.Errorf("filter action has no typed config")
	}

	filterMu.RLock()
	h, ok := filterHandlers[cfg.GetTypeUrl()]
	filterMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no filter handler registered for %q", cfg.GetTypeUrl())
	}

	return &CompiledAction{
		Kind:          KindFilter,
		filterHandler: h,
		filterConfig:  &filterPayload{typeURL: cfg.GetTypeUrl(), config: cfg},
	}, nil
}

// ServeFilter delegates the request to the registered filter handler.
func (c *CompiledAction) ServeFilter(w http.ResponseWriter, r *http.Request) error {
	return c.filterHandler(c.filterConfig.config, w, r)
}
