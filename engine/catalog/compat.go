// Package catalog wraps the product graph: name lookups, parameter-
// filtered searches, and compatibility-only searches, all constrained by
// the compatibility predicate derived from earlier cart selections.
package catalog

import (
	"github.com/torchline/configurator/engine/domain"
)

// Anchor is a previously selected product that a candidate must share a
// COMPATIBLE_WITH edge with.
type Anchor struct {
	Kind domain.Kind `json:"kind"`
	GIN  string      `json:"gin"`
}

// Predicate is the set of anchors a candidate must be jointly
// compatible with. An empty predicate accepts every available product.
type Predicate struct {
	Anchors []Anchor `json:"anchors"`
}

// Empty reports whether the predicate constrains anything.
func (p Predicate) Empty() bool { return len(p.Anchors) == 0 }

// BuildPredicate derives the anchor chain for a candidate kind from the
// current cart. Skipped and NotApplicable entries contribute nothing.
//
//	PowerSource                       → no anchors
//	Feeder                            → PowerSource
//	Cooler                            → PowerSource, Feeder?
//	Interconnector                    → PowerSource, Feeder?, Cooler?
//	Torch                             → Feeder? else PowerSource, and Cooler?
//	Accessory (PowerSourceAccessory)  → PowerSource
//	Accessory (FeederAccessory)       → Feeder
//	Accessory (Connectivity, Remote)  → PowerSource, Feeder?
func BuildPredicate(kind domain.Kind, category domain.AccessoryCategory, cart *domain.Cart) Predicate {
	var anchors []Anchor

	add := func(k domain.Kind) {
		if p := cart.Selected(k); p != nil {
			anchors = append(anchors, Anchor{Kind: k, GIN: p.GIN})
		}
	}

	switch kind {
	case domain.KindPowerSource:
		// unconstrained
	case domain.KindFeeder:
		add(domain.KindPowerSource)
	case domain.KindCooler:
		add(domain.KindPowerSource)
		add(domain.KindFeeder)
	case domain.KindInterconnector:
		add(domain.KindPowerSource)
		add(domain.KindFeeder)
		add(domain.KindCooler)
	case domain.KindTorch:
		if cart.Selected(domain.KindFeeder) != nil {
			add(domain.KindFeeder)
		} else {
			add(domain.KindPowerSource)
		}
		add(domain.KindCooler)
	case domain.KindAccessory:
		switch category {
		case domain.AccessoryPowerSource:
			add(domain.KindPowerSource)
		case domain.AccessoryFeeder:
			add(domain.KindFeeder)
		case domain.AccessoryConnectivity, domain.AccessoryRemote:
			add(domain.KindPowerSource)
			add(domain.KindFeeder)
		default:
			add(domain.KindPowerSource)
		}
	}
	return Predicate{Anchors: anchors}
}
