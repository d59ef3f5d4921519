// Package od holds the typed origin-destination record schema and converts
// between flat record sets and dense zone-by-zone matrices.
package od

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/geog"
	"github.com/sells-group/simim/internal/simerr"
)

// Factor names a zone attribute that can act as an origin or destination mass.
type Factor string

const (
	People     Factor = "PEOPLE"
	Households Factor = "HOUSEHOLDS"
	Jobs       Factor = "JOBS"
	GVA        Factor = "GVA"
)

// Factors lists every known factor in column order.
var Factors = []Factor{People, Households, Jobs, GVA}

// ParseFactor resolves a case-insensitive factor name.
func ParseFactor(s string) (Factor, error) {
	f := Factor(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Factors {
		if f == known {
			return f, nil
		}
	}
	return "", eris.Wrapf(simerr.ErrInvalidInput, "od: unknown factor %q", s)
}

// Side says which end of a flow a factor is attached to.
type Side int

const (
	Origin Side = iota
	Destination
)

func (s Side) String() string {
	if s == Destination {
		return "destination"
	}
	return "origin"
}

// Prefix returns the column prefix used for the side ("O_" or "D_").
func (s Side) Prefix() string {
	if s == Destination {
		return "D_"
	}
	return "O_"
}

// Attributes holds the value of every factor for one zone.
type Attributes struct {
	People     float64
	Households float64
	Jobs       float64
	GVA        float64
}

// Get returns the value for f. Unknown factors read as zero.
func (a Attributes) Get(f Factor) float64 {
	switch f {
	case People:
		return a.People
	case Households:
		return a.Households
	case Jobs:
		return a.Jobs
	case GVA:
		return a.GVA
	}
	return 0
}

// With returns a copy of a with f set to v.
func (a Attributes) With(f Factor, v float64) Attributes {
	switch f {
	case People:
		a.People = v
	case Households:
		a.Households = v
	case Jobs:
		a.Jobs = v
	case GVA:
		a.GVA = v
	}
	return a
}

// Pair is an ordered (origin, destination) zone pair.
type Pair struct {
	Origin string
	Dest   string
}

// Self reports whether the pair is an intra-zone flow.
func (p Pair) Self() bool { return p.Origin == p.Dest }

// Record is one row of a flow dataset: an observed or modelled flow for an
// ordered pair, with the covariates attached to each end.
type Record struct {
	Origin   string
	Dest     string
	Flow     float64
	Distance float64
	AtOrigin Attributes
	AtDest   Attributes
}

// Pair returns the record's ordered zone pair.
func (r Record) Pair() Pair { return Pair{Origin: r.Origin, Dest: r.Dest} }

// Zone returns the zone on the given side.
func (r Record) Zone(s Side) string {
	if s == Destination {
		return r.Dest
	}
	return r.Origin
}

// Attrs returns the attributes on the given side.
func (r Record) Attrs(s Side) Attributes {
	if s == Destination {
		return r.AtDest
	}
	return r.AtOrigin
}

// ValueFunc selects the value column of a record.
type ValueFunc func(Record) float64

// FlowOf selects the flow column.
func FlowOf(r Record) float64 { return r.Flow }

// DistanceOf selects the distance column.
func DistanceOf(r Record) float64 { return r.Distance }

// CheckUnique fails if any ordered pair appears more than once.
func CheckUnique(records []Record) error {
	seen := make(map[Pair]struct{}, len(records))
	for _, r := range records {
		p := r.Pair()
		if _, ok := seen[p]; ok {
			return eris.Wrapf(simerr.ErrInvalidInput, "od: duplicate pair %s->%s", p.Origin, p.Dest)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// CheckFlows fails on negative or non-finite flow values.
func CheckFlows(records []Record) error {
	for _, r := range records {
		if r.Flow < 0 || math.IsNaN(r.Flow) || math.IsInf(r.Flow, 0) {
			return eris.Wrapf(simerr.ErrInvalidInput, "od: flow %s->%s is %v", r.Origin, r.Dest, r.Flow)
		}
	}
	return nil
}

// IndexOf builds a geography index from every origin and destination in records.
func IndexOf(records []Record) *geog.Index {
	codes := make([]string, 0, 2*len(records))
	for _, r := range records {
		codes = append(codes, r.Origin, r.Dest)
	}
	return geog.NewIndex(codes)
}
