package distance

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/fetcher"
	"github.com/sells-group/simim/internal/od"
)

// Column names accepted for distance tables, in order of preference.
var (
	originColumns   = []string{"orig", "O_GEOGRAPHY_CODE", "origin"}
	destColumns     = []string{"dest", "D_GEOGRAPHY_CODE", "destination"}
	distanceColumns = []string{"DISTANCE", "dist"}
)

// LoadCSV reads a distance table (CSV, gzipped CSV or XLSX). Distances are
// treated as symmetric: a pair listed one way also serves the reverse pair
// unless the file lists both.
func LoadCSV(ctx context.Context, path string) (Table, error) {
	t, err := fetcher.ReadTable(ctx, path)
	if err != nil {
		return nil, eris.Wrapf(err, "distance: load %s", path)
	}
	oc, ok1 := t.First(originColumns...)
	dc, ok2 := t.First(destColumns...)
	vc, ok3 := t.First(distanceColumns...)
	if !ok1 || !ok2 || !ok3 {
		return nil, eris.Wrapf(t.Require("orig", "dest", "DISTANCE"), "distance: load %s", path)
	}

	tbl := make(Table, len(t.Rows))
	for i, raw := range t.Rows {
		d, err := t.Float(raw, vc)
		if err != nil {
			return nil, eris.Wrapf(err, "distance: %s row %d", path, i+2)
		}
		p := od.Pair{Origin: t.String(raw, oc), Dest: t.String(raw, dc)}
		tbl[p] = d
	}
	for p, d := range tbl {
		rev := od.Pair{Origin: p.Dest, Dest: p.Origin}
		if _, ok := tbl[rev]; !ok {
			tbl[rev] = d
		}
	}
	return tbl, nil
}
