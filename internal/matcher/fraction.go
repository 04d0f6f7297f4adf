package matcher

import (
	"math/rand"
	"strconv"

	"github.com/cespare/xxhash/v2"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
)

// FractionGate gates requests by a runtime fractional percent. Given the same
// runtime key and request entropy it is fully deterministic: the decision is
// xxhash(key "." entropy) mod denominator < numerator.
type FractionGate struct {
	runtimeKey  string
	numerator   uint64
	denominator uint64
}

func denominatorValue(d typev3.FractionalPercent_DenominatorType) uint64 {
	switch d {
	case typev3.FractionalPercent_TEN_THOUSAND:
		return 10000
	case typev3.FractionalPercent_MILLION:
		return 1000000
	default:
		return 100
	}
}

// NewFractionGate builds a gate from a RuntimeFractionalPercent. A nil proto
// yields a gate that always passes.
func NewFractionGate(rf *corev3.RuntimeFractionalPercent) *FractionGate {
	if rf == nil || rf.GetDefaultValue() == nil {
		return nil
	}
	fp := rf.GetDefaultValue()
	return &FractionGate{
		runtimeKey:  rf.GetRuntimeKey(),
		numerator:   uint64(fp.GetNumerator()),
		denominator: denominatorValue(fp.GetDenominator()),
	}
}

// NewFractionGateFromPercent builds a gate from a bare FractionalPercent.
func NewFractionGateFromPercent(fp *typev3.FractionalPercent) *FractionGate {
	if fp == nil {
		return nil
	}
	return &FractionGate{
		numerator:   uint64(fp.GetNumerator()),
		denominator: denominatorValue(fp.GetDenominator()),
	}
}

// Allows reports whether the request identified by entropy passes the gate.
// An empty entropy value falls back to a random draw, keeping the configured
// proportion without determinism.
func (g *FractionGate) Allows(entropy string) bool {
	if g == nil {
		return true
	}
	if g.numerator >= g.denominator {
		return true
	}
	if g.numerator == 0 {
		return false
	}
	if entropy == "" {
		entropy = strconv.FormatUint(rand.Uint64(), 16)
	}
	h := xxhash.Sum64String(g.runtimeKey + "." + entropy)
	return h%g.denominator < g.numerator
}
