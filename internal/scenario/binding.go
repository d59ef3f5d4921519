// Package scenario loads per-zone, per-year perturbations of attractor
// factors and applies them to flow datasets.
package scenario

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/simerr"
)

const cumPrefix = "CUM_"

// Binding attaches a factor to the origin or destination end of a flow.
type Binding struct {
	Factor od.Factor
	Side   od.Side
}

// String renders the binding as its column name, e.g. "D_HOUSEHOLDS".
func (b Binding) String() string {
	return b.Side.Prefix() + string(b.Factor)
}

// Cumulative returns the cumulative column name, e.g. "CUM_D_HOUSEHOLDS".
func (b Binding) Cumulative() string {
	return cumPrefix + b.String()
}

// ParseBinding parses "O_<FACTOR>" or "D_<FACTOR>". An unprefixed factor binds
// to the destination.
func ParseBinding(s string) (Binding, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	side := od.Destination
	switch {
	case strings.HasPrefix(name, "O_"):
		side, name = od.Origin, name[2:]
	case strings.HasPrefix(name, "D_"):
		name = name[2:]
	}
	f, err := od.ParseFactor(name)
	if err != nil {
		return Binding{}, eris.Wrapf(simerr.ErrConfiguration, "scenario: binding %q: unknown factor", s)
	}
	return Binding{Factor: f, Side: side}, nil
}

// ParseBindings parses a list of bindings and rejects duplicates.
func ParseBindings(names []string) ([]Binding, error) {
	seen := make(map[Binding]bool, len(names))
	out := make([]Binding, 0, len(names))
	for _, n := range names {
		b, err := ParseBinding(n)
		if err != nil {
			return nil, err
		}
		if seen[b] {
			return nil, eris.Wrapf(simerr.ErrConfiguration, "scenario: binding %s listed twice", b)
		}
		seen[b] = true
		out = append(out, b)
	}
	sortBindings(out)
	return out, nil
}

func sortBindings(bs []Binding) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].String() < bs[j].String() })
}

// column is a parsed scenario header cell.
type column struct {
	factor     od.Factor
	side       od.Side
	sided      bool
	cumulative bool
}

func parseColumn(name string) (column, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	var c column
	if strings.HasPrefix(name, cumPrefix) {
		c.cumulative = true
		name = name[len(cumPrefix):]
	}
	switch {
	case strings.HasPrefix(name, "O_"):
		c.side, c.sided, name = od.Origin, true, name[2:]
	case strings.HasPrefix(name, "D_"):
		c.side, c.sided, name = od.Destination, true, name[2:]
	}
	f, err := od.ParseFactor(name)
	if err != nil {
		return column{}, false
	}
	c.factor = f
	return c, true
}

// targets returns the bindings a column feeds: its explicit side, or every
// configured binding of the same factor.
func (c column) targets(bindings []Binding) []Binding {
	if c.sided {
		return []Binding{{Factor: c.factor, Side: c.side}}
	}
	var out []Binding
	for _, b := range bindings {
		if b.Factor == c.factor {
			out = append(out, b)
		}
	}
	return out
}
