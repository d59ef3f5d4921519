package gravity

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/simerr"
)

// Variant selects which margins of the flow matrix a model reproduces.
type Variant int

const (
	// Unconstrained is the plain gravity model: every exponent is free.
	Unconstrained Variant = iota
	// OriginConstrained (production) balances each origin's out-flow.
	OriginConstrained
	// DestConstrained (attraction) balances each destination's in-flow.
	DestConstrained
	// DoublyConstrained balances both margins.
	DoublyConstrained
)

var variantNames = map[Variant]string{
	Unconstrained:     "gravity",
	OriginConstrained: "production",
	DestConstrained:   "attraction",
	DoublyConstrained: "doubly",
}

// Variants lists every variant in declaration order.
var Variants = []Variant{Unconstrained, OriginConstrained, DestConstrained, DoublyConstrained}

func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return "unknown"
}

// ParseVariant accepts the model names used in configuration files.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gravity", "unconstrained":
		return Unconstrained, nil
	case "production", "origin":
		return OriginConstrained, nil
	case "attraction", "destination":
		return DestConstrained, nil
	case "doubly":
		return DoublyConstrained, nil
	}
	return 0, eris.Wrapf(simerr.ErrConfiguration, "gravity: unknown model %q", s)
}

// balancesOrigin reports whether the variant carries per-origin balancing terms.
func (v Variant) balancesOrigin() bool {
	return v == OriginConstrained || v == DoublyConstrained
}

// balancesDest reports whether the variant carries per-destination balancing terms.
func (v Variant) balancesDest() bool {
	return v == DestConstrained || v == DoublyConstrained
}

// Balances reports whether the variant replaces the mass on side with
// balancing terms, so changes to that side's factors cannot move predictions.
func (v Variant) Balances(side od.Side) bool {
	if side == od.Destination {
		return v.balancesDest()
	}
	return v.balancesOrigin()
}

// Spec fixes the variant and which record factors act as masses.
type Spec struct {
	Variant    Variant
	OriginMass od.Factor
	DestMass   od.Factor
}

// DefaultSpec is population at origin, households at destination, unconstrained.
func DefaultSpec() Spec {
	return Spec{Variant: Unconstrained, OriginMass: od.People, DestMass: od.Households}
}

// FitOptions tunes the estimator.
type FitOptions struct {
	MaxIterations       int     // Newton/IRLS iterations (default 100)
	Tolerance           float64 // relative deviance change (default 1e-8)
	BalancingIterations int     // IPF sweeps per doubly-constrained step (default 1000)
	SelfDistance        float64 // distance forced on intra-zone pairs (default 1)
}

// DefaultFitOptions returns the defaults used by the CLI.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MaxIterations:       100,
		Tolerance:           1e-8,
		BalancingIterations: 1000,
		SelfDistance:        1,
	}
}

func (o FitOptions) withDefaults() FitOptions {
	d := DefaultFitOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.BalancingIterations <= 0 {
		o.BalancingIterations = d.BalancingIterations
	}
	if o.SelfDistance <= 0 {
		o.SelfDistance = d.SelfDistance
	}
	return o
}
