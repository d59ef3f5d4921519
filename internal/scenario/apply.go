package scenario

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/simerr"
)

// Applied is the result of perturbing a dataset with a snapshot.
type Applied struct {
	Records   []od.Record
	Matched   int // distinct (side, zone) keys found in the snapshot
	Unmatched int // distinct (side, zone) keys left unchanged
	Orphans   []string
}

// Apply returns copies of records with every bound factor changed to
// base + cumulative. Origin-side factors join on the origin zone and
// destination-side factors on the destination zone. Zones absent from the
// snapshot keep their base values.
func Apply(records []od.Record, snap *Snapshot) (Applied, error) {
	if snap == nil {
		return Applied{}, eris.Wrap(simerr.ErrNoScenario, "scenario: apply without a snapshot")
	}

	type sideZone struct {
		side od.Side
		zone string
	}
	matched := make(map[sideZone]bool)
	unmatched := make(map[sideZone]bool)
	used := make(map[string]bool)

	out := make([]od.Record, len(records))
	for i, r := range records {
		for _, b := range snap.Bindings {
			zone := r.Zone(b.Side)
			row, ok := snap.Lookup(zone)
			k := sideZone{side: b.Side, zone: zone}
			if !ok {
				unmatched[k] = true
				continue
			}
			matched[k] = true
			used[zone] = true
			d := row.Values[b].Cumulative
			if b.Side == od.Origin {
				r.AtOrigin = r.AtOrigin.With(b.Factor, r.AtOrigin.Get(b.Factor)+d)
			} else {
				r.AtDest = r.AtDest.With(b.Factor, r.AtDest.Get(b.Factor)+d)
			}
		}
		out[i] = r
	}

	var orphans []string
	for _, z := range snap.Zones() {
		if !used[z] {
			orphans = append(orphans, z)
		}
	}
	sort.Strings(orphans)

	a := Applied{Records: out, Matched: len(matched), Unmatched: len(unmatched), Orphans: orphans}
	zap.L().Debug("scenario: applied",
		zap.Int("year", snap.Requested),
		zap.Int("scenario_year", snap.Year),
		zap.Int("matched", a.Matched),
		zap.Int("unmatched", a.Unmatched),
	)
	if len(orphans) > 0 {
		zap.L().Warn("scenario: zones not in the flow dataset", zap.Strings("zones", orphans))
	}
	return a, nil
}

// Apply looks up the snapshot for year and applies it to records.
func (s *Store) Apply(records []od.Record, year int) (Applied, error) {
	snap, err := s.SnapshotForYear(year)
	if err != nil {
		return Applied{}, err
	}
	return Apply(records, snap)
}
