package routeaction

import (
	"fmt"
	"math/rand"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
)

// weightedCluster is one selectable entry of a WeightedCluster list.
type weightedCluster struct {
	name     string
	weight   uint64
	mutation HeaderMutation
}

// weightedPicker performs weighted-random selection among cluster entries.
type weightedPicker struct {
	clusters []weightedCluster
	total    uint64
}

func compileWeightedClusters(wc *routev3.WeightedCluster) (*weightedPicker, error) {
	if len(wc.GetClusters()) == 0 {
		return nil, fmt.Errorf("weighted_clusters has no entries")
	}

	p := &weightedPicker{}
	var sum uint64
	for _, cw := range wc.GetClusters() {
		if cw.GetName() == "" {
			return nil, fmt.Errorf("weighted cluster entry missing name")
		}
		w := uint64(cw.GetWeight().GetValue())
		sum += w
		p.clusters = append(p.clusters, weightedCluster{
			name:   cw.GetName(),
			weight: w,
			mutation: HeaderMutation{
				Add:    cw.GetRequestHeadersToAdd(),
				Remove: cw.GetRequestHeadersToRemove(),
			},
		})
	}

	p.total = sum
	if tw := wc.GetTotalWeight(); tw != nil && tw.GetValue() != 0 {
		if sum != uint64(tw.GetValue()) {
			return nil, fmt.Errorf("weighted cluster weights sum to %d, total_weight is %d", sum, tw.GetValue())
		}
		p.total = uint64(tw.GetValue())
	}
	if p.total == 0 {
		// All-zero weights: fall back to uniform selection.
		for i := range p.clusters {
			p.clusters[i].weight = 1
		}
		p.total = uint64(len(p.clusters))
	}

	return p, nil
}

// pick returns a weighted-random cluster entry.
func (p *weightedPicker) pick() weightedCluster {
	n := rand.Uint64() % p.total
	for _, c := range p.clusters {
		if n < c.weight {
			return c
		}
		n -= c.weight
	}
	return p.clusters[len(p.clusters)-1]
}
