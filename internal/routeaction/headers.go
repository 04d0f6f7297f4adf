package routeaction

import (
	"net/http"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
)

// ApplyHeaderMutations applies an Envoy header mutation list to a header map:
// removals first, then additions honoring each option's append action.
func ApplyHeaderMutations(h http.Header, toAdd []*corev3.HeaderValueOption, toRemove []string) {
	for _, name := range toRemove {
		h.Del(name)
	}
	for _, opt := range toAdd {
		hv := opt.GetHeader()
		if hv == nil || hv.GetKey() == "" {
			continue
		}
		key, value := hv.GetKey(), hv.GetValue()

		// The deprecated bool wins when explicitly set, for configs that
		// predate append_action.
		if opt.GetAppend() != nil {
			if opt.GetAppend().GetValue() {
				h.Add(key, value)
			} else {
				h.Set(key, value)
			}
			continue
		}

		switch opt.GetAppendAction() {
		case corev3.HeaderValueOption_ADD_IF_ABSENT:
			if h.Get(key) == "" {
				h.Set(key, value)
			}
		case corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD:
			h.Set(key, value)
		default: // APPEND_IF_EXISTS_OR_ADD
			h.Add(key, value)
		}
	}
}

// HeaderMutation bundles one level of add/remove lists (virtual host, route,
// or weighted cluster). Levels are applied in most-specific-last order.
type HeaderMutation struct {
	Add    []*corev3.HeaderValueOption
	Remove []string
}

// Apply applies the mutation to a header map.
func (m HeaderMutation) Apply(h http.Header) {
	ApplyHeaderMutations(h, m.Add, m.Remove)
}
