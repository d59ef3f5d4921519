// Package distance attaches pairwise zone distances to flow records and
// enforces the intra-zone distance policy.
package distance

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/simerr"
)

// DefaultEpsilon is the distance used for intra-zone pairs. It keeps
// log(distance) finite; the unit matches whatever the provider supplies.
const DefaultEpsilon = 1.0

// Row is one pairwise distance.
type Row struct {
	Origin   string
	Dest     string
	Distance float64
}

// Provider supplies pairwise distances for a set of zone pairs.
type Provider interface {
	Distances(ctx context.Context, pairs []od.Pair) ([]Row, error)
}

// Table is an in-memory Provider.
type Table map[od.Pair]float64

// NewTable indexes rows by pair. Later rows win.
func NewTable(rows []Row) Table {
	t := make(Table, len(rows))
	for _, r := range rows {
		t[od.Pair{Origin: r.Origin, Dest: r.Dest}] = r.Distance
	}
	return t
}

// Distances returns the rows known for pairs. Unknown pairs are omitted.
func (t Table) Distances(_ context.Context, pairs []od.Pair) ([]Row, error) {
	out := make([]Row, 0, len(pairs))
	for _, p := range pairs {
		if d, ok := t[p]; ok {
			out = append(out, Row{Origin: p.Origin, Dest: p.Dest, Distance: d})
		}
	}
	return out, nil
}

// Pairs returns the ordered pairs of records.
func Pairs(records []od.Record) []od.Pair {
	out := make([]od.Pair, len(records))
	for i, r := range records {
		out[i] = r.Pair()
	}
	return out
}

// Attach returns copies of records with Distance set from rows. Intra-zone
// pairs always get epsilon regardless of the supplied value. A non-self pair
// with no row, or with a non-positive distance, fails with ErrMissingKey.
func Attach(records []od.Record, rows []Row, epsilon float64) ([]od.Record, error) {
	if epsilon <= 0 {
		return nil, eris.Wrapf(simerr.ErrInvalidInput, "distance: epsilon must be positive, got %v", epsilon)
	}
	table := NewTable(rows)

	out := make([]od.Record, len(records))
	var missingSelf int
	for i, r := range records {
		if r.Origin == r.Dest {
			if _, ok := table[r.Pair()]; !ok {
				missingSelf++
			}
			r.Distance = epsilon
			out[i] = r
			continue
		}
		d, ok := table[r.Pair()]
		if !ok {
			return nil, eris.Wrapf(simerr.ErrMissingKey, "distance: no distance for %s->%s", r.Origin, r.Dest)
		}
		if d <= 0 {
			return nil, eris.Wrapf(simerr.ErrInvalidInput, "distance: non-positive distance %v for %s->%s", d, r.Origin, r.Dest)
		}
		r.Distance = d
		out[i] = r
	}

	if missingSelf > 0 {
		zap.L().Debug("distance: intra-zone pairs without a provider row",
			zap.Int("pairs", missingSelf),
			zap.Float64("epsilon", epsilon),
		)
	}
	return out, nil
}

// Fetch asks p for the distances of every pair in records and attaches them.
func Fetch(ctx context.Context, p Provider, records []od.Record, epsilon float64) ([]od.Record, error) {
	rows, err := p.Distances(ctx, Pairs(records))
	if err != nil {
		return nil, eris.Wrap(err, "distance: fetch")
	}
	return Attach(records, rows, epsilon)
}
