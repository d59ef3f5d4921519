package distance

import (
	"context"
	"math"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/simerr"
)

// MetresToKm converts projected-metre shapefile coordinates to kilometres.
const MetresToKm = 0.001

// Centroids maps a zone code to its polygon centroid in projected coordinates.
type Centroids map[string]geom.Coord

// ShapefileProvider computes straight-line distances between zone centroids
// read from a projected polygon shapefile.
type ShapefileProvider struct {
	centroids Centroids
	scale     float64
}

// NewShapefileProvider wraps precomputed centroids. scale converts
// coordinate units to distance units (MetresToKm for British National Grid).
func NewShapefileProvider(c Centroids, scale float64) *ShapefileProvider {
	if scale <= 0 {
		scale = 1
	}
	return &ShapefileProvider{centroids: c, scale: scale}
}

// LoadShapefile reads a polygon shapefile and returns one centroid per
// zone, keyed by the attribute named zoneField.
func LoadShapefile(shpPath, zoneField string) (Centroids, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "distance: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fieldIdx := -1
	for i, f := range reader.Fields() {
		name := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(name, zoneField) {
			fieldIdx = i
			break
		}
	}
	if fieldIdx < 0 {
		return nil, eris.Wrapf(simerr.ErrMissingKey, "distance: shapefile %s has no field %q", shpPath, zoneField)
	}

	out := make(Centroids)
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		code := strings.TrimSpace(strings.TrimRight(reader.Attribute(fieldIdx), "\x00"))
		if code == "" {
			skipped++
			continue
		}
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		mp := toMultiPolygon(poly)
		if mp == nil {
			skipped++
			continue
		}
		out[code] = xy.MultiPolygonCentroid(mp)
	}

	if skipped > 0 {
		zap.L().Debug("distance: skipped shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(simerr.ErrInvalidInput, "distance: no polygons in %s", shpPath)
	}
	return out, nil
}

// Distances returns centroid-to-centroid distances. Pairs naming a zone
// without a centroid fail with ErrUnknownZone.
func (p *ShapefileProvider) Distances(_ context.Context, pairs []od.Pair) ([]Row, error) {
	out := make([]Row, 0, len(pairs))
	for _, pr := range pairs {
		a, ok := p.centroids[pr.Origin]
		if !ok {
			return nil, eris.Wrapf(simerr.ErrUnknownZone, "distance: no centroid for %s", pr.Origin)
		}
		b, ok := p.centroids[pr.Dest]
		if !ok {
			return nil, eris.Wrapf(simerr.ErrUnknownZone, "distance: no centroid for %s", pr.Dest)
		}
		d := math.Hypot(a.X()-b.X(), a.Y()-b.Y()) * p.scale
		out = append(out, Row{Origin: pr.Origin, Dest: pr.Dest, Distance: d})
	}
	return out, nil
}

// toMultiPolygon converts a shapefile polygon to a go-geom multipolygon,
// one polygon per ring.
func toMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}

		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			continue
		}
		if err := mp.Push(poly); err != nil {
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
