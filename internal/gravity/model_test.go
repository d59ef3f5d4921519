package gravity

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/simerr"
)

type testZone struct {
	code       string
	x, y       float64
	people     float64
	households float64
}

var testZones = []testZone{
	{"A", 0, 0, 1000, 400},
	{"B", 30, 0, 2000, 900},
	{"C", 0, 40, 1500, 700},
	{"D", 50, 50, 800, 350},
}

// synthetic returns every ordered pair of testZones with flows equal to the
// model mean for the given parameters.
func synthetic(k, mu, alpha, beta float64) []od.Record {
	var recs []od.Record
	for _, o := range testZones {
		for _, d := range testZones {
			dist := math.Hypot(o.x-d.x, o.y-d.y)
			if o.code == d.code {
				dist = 1
			}
			flow := math.Exp(k + mu*math.Log(o.people) + alpha*math.Log(d.households) - beta*math.Log(dist))
			recs = append(recs, od.Record{
				Origin:   o.code,
				Dest:     d.code,
				Flow:     flow,
				Distance: dist,
				AtOrigin: od.Attributes{People: o.people, Households: o.households},
				AtDest:   od.Attributes{People: d.people, Households: d.households},
			})
		}
	}
	return recs
}

// noisy rounds synthetic flows to counts with a deterministic perturbation.
func noisy(recs []od.Record) []od.Record {
	rng := rand.New(rand.NewSource(42))
	out := make([]od.Record, len(recs))
	for i, r := range recs {
		r.Flow = math.Round(r.Flow * (0.7 + 0.6*rng.Float64()))
		out[i] = r
	}
	return out
}

func sumBy(recs []od.Record, vals []float64, side od.Side) map[string]float64 {
	out, _ := od.SumBy(recs, vals, side)
	return out
}

func observed(recs []od.Record) []float64 {
	out := make([]float64, len(recs))
	for i, r := range recs {
		out[i] = r.Flow
	}
	return out
}

func assertMarginsEqual(t *testing.T, want, got map[string]float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for z, w := range want {
		assert.InDelta(t, w, got[z], 1e-6*math.Max(1, w), "zone %s", z)
	}
}

func TestFit_UnconstrainedRecoversParameters(t *testing.T) {
	recs := synthetic(-2, 0.8, 0.6, 1.5)

	m, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
	require.NoError(t, err)

	c := m.Coefficients()
	assert.InDelta(t, -2.0, c.K, 1e-4)
	assert.InDelta(t, 0.8, c.Mu, 1e-4)
	assert.InDelta(t, 0.6, c.Alpha, 1e-4)
	assert.InDelta(t, 1.5, c.Beta, 1e-4)
	assert.Empty(t, m.Aliased())
	assert.Nil(t, m.OriginBalancing())
	assert.Nil(t, m.DestBalancing())

	d := m.Diagnostics()
	assert.InDelta(t, 1.0, d.PseudoR2, 1e-6)
	assert.InDelta(t, 0.0, d.SRMSE, 1e-4)
	assert.Equal(t, 4, d.Params)
	assert.Greater(t, d.Iterations, 0)
}

func TestFit_UnconstrainedDiagnosticsOnNoisyData(t *testing.T) {
	recs := noisy(synthetic(-2, 0.8, 0.6, 1.5))

	m, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
	require.NoError(t, err)

	d := m.Diagnostics()
	assert.Greater(t, d.PseudoR2, 0.5)
	assert.Less(t, d.PseudoR2, 1.0)
	assert.Greater(t, d.SRMSE, 0.0)
	assert.Greater(t, d.NullDeviance, d.Deviance)
	assert.InDelta(t, -2*d.LogLik+2*4, d.AIC, 1e-9)

	// Poisson with a constant reproduces the total flow.
	var obs, fit float64
	for i, f := range m.Fitted() {
		fit += f
		obs += recs[i].Flow
	}
	assert.InDelta(t, obs, fit, 1e-5*obs)
}

func TestFit_OriginConstrainedPreservesOutflows(t *testing.T) {
	recs := noisy(synthetic(-2, 0.8, 0.6, 1.5))
	spec := Spec{Variant: OriginConstrained, OriginMass: od.People, DestMass: od.Households}

	m, err := Fit(recs, spec, DefaultFitOptions())
	require.NoError(t, err)

	assertMarginsEqual(t, sumBy(recs, observed(recs), od.Origin), sumBy(recs, m.Fitted(), od.Origin))
	assert.Len(t, m.OriginBalancing(), len(testZones))
	assert.Nil(t, m.DestBalancing())
	assert.Equal(t, 0.0, m.Coefficients().K)
	assert.Equal(t, 2+len(testZones), m.Diagnostics().Params)
}

func TestFit_OriginConstrainedRecoversParameters(t *testing.T) {
	recs := synthetic(-2, 0.8, 0.6, 1.5)
	spec := Spec{Variant: OriginConstrained, OriginMass: od.People, DestMass: od.Households}

	m, err := Fit(recs, spec, DefaultFitOptions())
	require.NoError(t, err)

	c := m.Coefficients()
	assert.InDelta(t, 0.6, c.Alpha, 1e-4)
	assert.InDelta(t, 1.5, c.Beta, 1e-4)

	bal := m.OriginBalancing()
	for _, z := range testZones {
		assert.InDelta(t, -2+0.8*math.Log(z.people), bal[z.code], 1e-3, z.code)
	}
}

func TestFit_DestConstrainedPreservesInflows(t *testing.T) {
	recs := noisy(synthetic(-2, 0.8, 0.6, 1.5))
	spec := Spec{Variant: DestConstrained, OriginMass: od.People, DestMass: od.Households}

	m, err := Fit(recs, spec, DefaultFitOptions())
	require.NoError(t, err)

	assertMarginsEqual(t, sumBy(recs, observed(recs), od.Destination), sumBy(recs, m.Fitted(), od.Destination))
	assert.Len(t, m.DestBalancing(), len(testZones))
	assert.Nil(t, m.OriginBalancing())
}

func TestFit_DoublyConstrainedPreservesBothMargins(t *testing.T) {
	recs := noisy(synthetic(-2, 0.8, 0.6, 1.5))
	spec := Spec{Variant: DoublyConstrained, OriginMass: od.People, DestMass: od.Households}

	m, err := Fit(recs, spec, DefaultFitOptions())
	require.NoError(t, err)

	fitted := m.Fitted()
	assertMarginsEqual(t, sumBy(recs, observed(recs), od.Origin), sumBy(recs, fitted, od.Origin))
	assertMarginsEqual(t, sumBy(recs, observed(recs), od.Destination), sumBy(recs, fitted, od.Destination))
	assert.Len(t, m.OriginBalancing(), len(testZones))
	assert.Len(t, m.DestBalancing(), len(testZones))
	assert.Equal(t, 1+2*len(testZones)-1, m.Diagnostics().Params)
}

func TestFit_DoublyConstrainedRecoversDecay(t *testing.T) {
	recs := synthetic(-2, 0.8, 0.6, 1.5)
	spec := Spec{Variant: DoublyConstrained, OriginMass: od.People, DestMass: od.Households}

	m, err := Fit(recs, spec, DefaultFitOptions())
	require.NoError(t, err)
	assert.InDelta(t, 1.5, m.Coefficients().Beta, 1e-4)

	pred, err := m.Predict(nil, nil, nil)
	require.NoError(t, err)
	for i, r := range recs {
		assert.InDelta(t, r.Flow, pred[i], 1e-4*math.Max(1, r.Flow))
	}
}

func TestFit_SelfPairDistanceClamped(t *testing.T) {
	recs := synthetic(-2, 0.8, 0.6, 1.5)
	for i := range recs {
		if recs[i].Origin == recs[i].Dest {
			recs[i].Distance = 0 // would make log(distance) infinite
		}
	}
	opts := DefaultFitOptions()
	m, err := Fit(recs, DefaultSpec(), opts)
	require.NoError(t, err)

	for i, p := range m.Pairs() {
		if p.Self() {
			assert.Equal(t, opts.SelfDistance, m.Distances()[i])
		}
	}
	assert.InDelta(t, 1.5, m.Coefficients().Beta, 1e-4)
}

func TestFit_EqualMassesAreHeldAtUnitExponent(t *testing.T) {
	recs := []od.Record{
		{Origin: "X", Dest: "Y", Flow: 10, Distance: 100},
		{Origin: "Y", Dest: "X", Flow: 10, Distance: 100},
		{Origin: "X", Dest: "Z", Flow: 5, Distance: 100},
		{Origin: "Z", Dest: "X", Flow: 5, Distance: 100},
		{Origin: "Y", Dest: "Z", Flow: 0, Distance: 100},
		{Origin: "Z", Dest: "Y", Flow: 0, Distance: 100},
	}
	for i := range recs {
		recs[i].AtOrigin = od.Attributes{People: 1000, Households: 400}
		recs[i].AtDest = od.Attributes{People: 1000, Households: 400}
	}

	m, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mu", "alpha", "beta"}, m.Aliased())
	c := m.Coefficients()
	assert.Equal(t, 1.0, c.Mu)
	assert.Equal(t, 1.0, c.Alpha)
	assert.Equal(t, 0.0, c.Beta)
	for _, f := range m.Fitted() {
		assert.InDelta(t, 5.0, f, 1e-6)
	}
}

func TestFit_Errors(t *testing.T) {
	good := synthetic(-2, 0.8, 0.6, 1.5)

	t.Run("empty", func(t *testing.T) {
		_, err := Fit(nil, DefaultSpec(), DefaultFitOptions())
		assert.True(t, errors.Is(err, simerr.ErrInvalidInput))
	})

	t.Run("all zero flows", func(t *testing.T) {
		recs := append([]od.Record(nil), good...)
		for i := range recs {
			recs[i].Flow = 0
		}
		_, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
		assert.True(t, errors.Is(err, simerr.ErrFitConvergence))
	})

	t.Run("origin with no outflow", func(t *testing.T) {
		recs := append([]od.Record(nil), good...)
		for i := range recs {
			if recs[i].Origin == "C" {
				recs[i].Flow = 0
			}
		}
		for _, v := range []Variant{OriginConstrained, DoublyConstrained} {
			_, err := Fit(recs, Spec{Variant: v, OriginMass: od.People, DestMass: od.Households}, DefaultFitOptions())
			require.Error(t, err, v.String())
			assert.True(t, errors.Is(err, simerr.ErrFitConvergence), v.String())
			assert.Contains(t, err.Error(), "C")
		}
	})

	t.Run("non-positive mass", func(t *testing.T) {
		recs := append([]od.Record(nil), good...)
		recs[3].AtDest.Households = 0
		_, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
		assert.True(t, errors.Is(err, simerr.ErrInvalidInput))
	})

	t.Run("negative flow", func(t *testing.T) {
		recs := append([]od.Record(nil), good...)
		recs[1].Flow = -3
		_, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
		assert.True(t, errors.Is(err, simerr.ErrInvalidInput))
	})

	t.Run("duplicate pair", func(t *testing.T) {
		recs := append([]od.Record(nil), good...)
		recs = append(recs, recs[0])
		_, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
		assert.True(t, errors.Is(err, simerr.ErrInvalidInput))
	})

	t.Run("iteration cap", func(t *testing.T) {
		opts := DefaultFitOptions()
		opts.MaxIterations = 1
		opts.Tolerance = 1e-15
		_, err := Fit(noisy(good), DefaultSpec(), opts)
		assert.True(t, errors.Is(err, simerr.ErrFitConvergence))
	})
}

func TestFit_ConstrainedMassNotRequired(t *testing.T) {
	recs := synthetic(-2, 0.8, 0.6, 1.5)
	for i := range recs {
		recs[i].AtOrigin.People = 0
	}
	_, err := Fit(recs, Spec{Variant: OriginConstrained, OriginMass: od.People, DestMass: od.Households}, DefaultFitOptions())
	assert.NoError(t, err)
}

func TestPredict_ReproducesFittedValues(t *testing.T) {
	recs := noisy(synthetic(-2, 0.8, 0.6, 1.5))
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			m, err := Fit(recs, Spec{Variant: v, OriginMass: od.People, DestMass: od.Households}, DefaultFitOptions())
			require.NoError(t, err)

			pred, err := m.PredictRecords(recs)
			require.NoError(t, err)
			fitted := m.Fitted()
			for i := range pred {
				assert.InDelta(t, fitted[i], pred[i], 1e-6*math.Max(1, fitted[i]))
			}
		})
	}
}

func TestPredict_DestinationMassPerturbation(t *testing.T) {
	recs := noisy(synthetic(-2, 0.8, 0.6, 1.5))
	m, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
	require.NoError(t, err)

	o := make([]float64, len(recs))
	d := make([]float64, len(recs))
	for i, r := range recs {
		o[i] = r.AtOrigin.People
		d[i] = r.AtDest.Households
		if r.Dest == "B" {
			d[i] *= 2
		}
	}
	base, err := m.Predict(o, d, nil)
	require.NoError(t, err)
	for i := range d {
		if recs[i].Dest == "B" {
			d[i] /= 2
		}
	}
	orig, err := m.Predict(o, d, nil)
	require.NoError(t, err)

	ratio := math.Pow(2, m.Coefficients().Alpha)
	for i, r := range recs {
		if r.Dest == "B" {
			assert.InDelta(t, orig[i]*ratio, base[i], 1e-9*base[i])
		} else {
			assert.Equal(t, orig[i], base[i])
		}
	}
}

func TestPredict_SelfPairIgnoresSuppliedDistance(t *testing.T) {
	recs := synthetic(-2, 0.8, 0.6, 1.5)
	m, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
	require.NoError(t, err)

	dist := m.Distances()
	for i, p := range m.Pairs() {
		if p.Self() {
			dist[i] = 0
		}
	}
	pred, err := m.PredictRecords(recs)
	require.NoError(t, err)

	o := make([]float64, len(recs))
	d := make([]float64, len(recs))
	for i, r := range recs {
		o[i], d[i] = r.AtOrigin.People, r.AtDest.Households
	}
	withZero, err := m.Predict(o, d, dist)
	require.NoError(t, err)
	assert.Equal(t, pred, withZero)
}

func TestPredict_Errors(t *testing.T) {
	recs := synthetic(-2, 0.8, 0.6, 1.5)
	m, err := Fit(recs, DefaultSpec(), DefaultFitOptions())
	require.NoError(t, err)

	_, err = m.Predict([]float64{1}, []float64{1}, nil)
	assert.True(t, errors.Is(err, simerr.ErrInvalidInput))

	_, err = m.PredictRecords(recs[:3])
	assert.True(t, errors.Is(err, simerr.ErrInvalidInput))

	swapped := append([]od.Record(nil), recs...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	_, err = m.PredictRecords(swapped)
	assert.True(t, errors.Is(err, simerr.ErrInvalidInput))

	zeroed := append([]od.Record(nil), recs...)
	zeroed[2].AtDest.Households = 0
	_, err = m.PredictRecords(zeroed)
	assert.True(t, errors.Is(err, simerr.ErrInvalidInput))
}

func TestParseVariant(t *testing.T) {
	tests := map[string]Variant{
		"gravity":     Unconstrained,
		"production":  OriginConstrained,
		"Attraction":  DestConstrained,
		" doubly ":    DoublyConstrained,
		"origin":      OriginConstrained,
		"destination": DestConstrained,
	}
	for in, want := range tests {
		got, err := ParseVariant(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseVariant("radiation")
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	for _, v := range Variants {
		back, err := ParseVariant(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, back)
	}
}

func TestSolveSPD_Singular(t *testing.T) {
	_, err := solveSPD(mat.NewSymDense(2, []float64{1, 1, 1, 1}), []float64{1, 1})
	assert.True(t, errors.Is(err, simerr.ErrFitConvergence))
}

func TestDeviance(t *testing.T) {
	y := []float64{0, 2, 4}
	assert.Equal(t, 0.0, deviance([]float64{2, 4}, []float64{2, 4}))
	// y=0 contributes 2*mu
	assert.InDelta(t, 2*1.5, deviance([]float64{0}, []float64{1.5}), 1e-12)
	assert.Greater(t, deviance(y, []float64{2, 2, 2}), 0.0)
}
