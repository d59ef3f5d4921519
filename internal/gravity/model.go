// Package gravity fits and applies Poisson spatial-interaction (gravity)
// models of flows between zones:
//
//	flow = exp(k) * O^mu * D^alpha * d^(-beta)
//
// Constrained variants replace the constant and one or both mass terms
// with per-zone balancing terms that reproduce the observed margins.
package gravity

import (
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/simerr"
)

// Coefficients are the estimated exponents. Beta is the distance-decay
// exponent (flows scale with distance^-Beta). K is zero for constrained
// variants, whose balancing terms absorb the constant.
type Coefficients struct {
	K     float64
	Mu    float64
	Alpha float64
	Beta  float64
}

// Model is a fitted spatial interaction model. It is immutable.
type Model struct {
	spec    Spec
	coef    Coefficients
	aliased []string
	selfD   float64

	pairs    []od.Pair
	distance []float64
	observed []float64
	fitted   []float64

	originBal map[string]float64
	destBal   map[string]float64

	diag Diagnostics
}

// term is a free covariate column. Aliased columns (no variation left after
// the constant or balancing terms) are held at their fixed value: masses enter
// with unit exponent and distance with no decay.
type term struct {
	name  string
	x     []float64
	fixed float64
}

// Fit estimates a model of records[i].Flow against the Spec's mass factors
// and records[i].Distance. Intra-zone pairs use opts.SelfDistance.
func Fit(records []od.Record, spec Spec, opts FitOptions) (*Model, error) {
	opts = opts.withDefaults()
	if len(records) == 0 {
		return nil, eris.Wrap(simerr.ErrInvalidInput, "gravity: no records to fit")
	}
	if err := od.CheckUnique(records); err != nil {
		return nil, eris.Wrap(err, "gravity: fit")
	}
	if err := od.CheckFlows(records); err != nil {
		return nil, eris.Wrap(err, "gravity: fit")
	}

	n := len(records)
	m := &Model{
		spec:     spec,
		selfD:    opts.SelfDistance,
		pairs:    make([]od.Pair, n),
		distance: make([]float64, n),
		observed: make([]float64, n),
	}
	origins := make([]string, n)
	dests := make([]string, n)
	for i, r := range records {
		m.pairs[i] = r.Pair()
		origins[i], dests[i] = r.Origin, r.Dest
		m.observed[i] = r.Flow
		m.distance[i] = r.Distance
		if r.Origin == r.Dest {
			m.distance[i] = opts.SelfDistance
		}
	}
	if floats.Sum(m.observed) == 0 {
		return nil, eris.Wrap(simerr.ErrFitConvergence, "gravity: all observed flows are zero")
	}

	logDist, err := logs(m.distance, "distance")
	if err != nil {
		return nil, err
	}
	dist := term{name: "beta", x: logDist, fixed: 0}

	var logO, logD []float64
	if !spec.Variant.balancesOrigin() {
		if logO, err = logs(massOf(records, od.Origin, spec.OriginMass), "origin mass"); err != nil {
			return nil, err
		}
	}
	if !spec.Variant.balancesDest() {
		if logD, err = logs(massOf(records, od.Destination, spec.DestMass), "destination mass"); err != nil {
			return nil, err
		}
	}

	var theta map[string]float64
	var bal balancer
	switch spec.Variant {
	case Unconstrained:
		theta, err = m.fitUnconstrained(opts, []term{
			{name: "mu", x: logO, fixed: 1},
			{name: "alpha", x: logD, fixed: 1},
			dist,
		})
	case OriginConstrained:
		if bal, err = newSingleBalancer(origins, m.observed, true); err == nil {
			theta, err = m.fitBalanced(opts, bal, []term{{name: "alpha", x: logD, fixed: 1}, dist})
		}
	case DestConstrained:
		if bal, err = newSingleBalancer(dests, m.observed, false); err == nil {
			theta, err = m.fitBalanced(opts, bal, []term{{name: "mu", x: logO, fixed: 1}, dist})
		}
	case DoublyConstrained:
		if bal, err = newDoublyBalancer(origins, dests, m.observed, opts.BalancingIterations); err == nil {
			theta, err = m.fitBalanced(opts, bal, []term{dist})
		}
	default:
		return nil, eris.Wrapf(simerr.ErrConfiguration, "gravity: unsupported variant %d", int(spec.Variant))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "gravity: fit %s", spec.Variant)
	}

	m.coef = Coefficients{
		K:     theta["k"],
		Mu:    theta["mu"],
		Alpha: theta["alpha"],
		Beta:  -theta["beta"],
	}
	if bal != nil {
		m.originBal, m.destBal = bal.terms()
	}

	zap.L().Debug("gravity: fitted",
		zap.String("model", spec.Variant.String()),
		zap.Int("records", n),
		zap.Int("iterations", m.diag.Iterations),
		zap.Float64("pseudo_r2", m.diag.PseudoR2),
		zap.Float64("srmse", m.diag.SRMSE),
		zap.Strings("aliased", m.aliased),
	)
	return m, nil
}

// split separates free terms from aliased ones, folding the latter into offset.
func (m *Model) split(terms []term, aliased func([]float64) bool) ([]term, []float64, map[string]float64) {
	offset := make([]float64, len(m.observed))
	theta := make(map[string]float64, len(terms)+1)
	var free []term
	for _, t := range terms {
		if aliased(t.x) {
			m.aliased = append(m.aliased, t.name)
			theta[t.name] = t.fixed
			if t.fixed != 0 {
				floats.AddScaled(offset, t.fixed, t.x)
			}
			continue
		}
		free = append(free, t)
	}
	return free, offset, theta
}

func (m *Model) fitUnconstrained(opts FitOptions, terms []term) (map[string]float64, error) {
	free, offset, theta := m.split(terms, constant)

	ones := make([]float64, len(m.observed))
	for i := range ones {
		ones[i] = 1
	}
	cols := [][]float64{ones}
	for _, t := range free {
		cols = append(cols, t.x)
	}

	coef, mu, iters, err := irls(m.observed, cols, offset, opts)
	if err != nil {
		return nil, err
	}
	theta["k"] = coef[0]
	for a, t := range free {
		theta[t.name] = coef[a+1]
	}
	m.fitted = mu
	m.diag = diagnose(m.observed, mu, len(cols), iters)
	return theta, nil
}

func (m *Model) fitBalanced(opts FitOptions, bal balancer, terms []term) (map[string]float64, error) {
	aliased := constant
	if sb, ok := bal.(*singleBalancer); ok {
		aliased = func(x []float64) bool { return constantWithin(x, sb.g.members) }
	}
	free, offset, theta := m.split(terms, aliased)

	cols := make([][]float64, len(free))
	for a, t := range free {
		cols[a] = t.x
	}

	coef, mu, iters, err := profileNewton(m.observed, cols, offset, bal, opts)
	if err != nil {
		return nil, err
	}
	for a, t := range free {
		theta[t.name] = coef[a]
	}
	m.fitted = mu
	m.diag = diagnose(m.observed, mu, len(cols)+bal.params(), iters)
	return theta, nil
}

// Predict applies the fitted coefficients and balancing terms to new mass
// vectors aligned with the training records. A nil distance reuses the
// training distances; intra-zone pairs always use the self distance. Mass
// vectors for balanced sides are ignored and may be nil.
func (m *Model) Predict(originMass, destMass, distance []float64) ([]float64, error) {
	n := len(m.pairs)
	if distance == nil {
		distance = m.distance
	}
	if len(distance) != n {
		return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: %d distances for %d records", len(distance), n)
	}
	useO := !m.spec.Variant.balancesOrigin()
	useD := !m.spec.Variant.balancesDest()
	if useO && len(originMass) != n {
		return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: %d origin masses for %d records", len(originMass), n)
	}
	if useD && len(destMass) != n {
		return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: %d destination masses for %d records", len(destMass), n)
	}

	out := make([]float64, n)
	for i, p := range m.pairs {
		d := distance[i]
		if p.Self() {
			d = m.selfD
		}
		if !(d > 0) {
			return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: distance %v for %s->%s", d, p.Origin, p.Dest)
		}
		eta := -m.coef.Beta * math.Log(d)

		if useO {
			if !(originMass[i] > 0) {
				return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: origin mass %v for %s", originMass[i], p.Origin)
			}
			eta += m.coef.Mu * math.Log(originMass[i])
		} else {
			eta += m.originBal[p.Origin]
		}
		if useD {
			if !(destMass[i] > 0) {
				return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: destination mass %v for %s", destMass[i], p.Dest)
			}
			eta += m.coef.Alpha * math.Log(destMass[i])
		} else {
			eta += m.destBal[p.Dest]
		}
		if useO && useD {
			eta += m.coef.K
		}
		out[i] = math.Exp(eta)
	}
	return out, nil
}

// PredictRecords predicts from the Spec's mass factors on records, which
// must list the training pairs in training order.
func (m *Model) PredictRecords(records []od.Record) ([]float64, error) {
	if len(records) != len(m.pairs) {
		return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: %d records for a model of %d", len(records), len(m.pairs))
	}
	dist := make([]float64, len(records))
	for i, r := range records {
		if r.Pair() != m.pairs[i] {
			return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: record %d is %s->%s, model has %s->%s",
				i, r.Origin, r.Dest, m.pairs[i].Origin, m.pairs[i].Dest)
		}
		dist[i] = r.Distance
	}
	return m.Predict(
		massOf(records, od.Origin, m.spec.OriginMass),
		massOf(records, od.Destination, m.spec.DestMass),
		dist,
	)
}

// Spec returns the variant and mass factors the model was fitted with.
func (m *Model) Spec() Spec { return m.spec }

// Coefficients returns the estimated exponents.
func (m *Model) Coefficients() Coefficients { return m.coef }

// Aliased names the coefficients that could not be estimated and were held fixed.
func (m *Model) Aliased() []string { return append([]string(nil), m.aliased...) }

// Diagnostics returns the goodness-of-fit statistics.
func (m *Model) Diagnostics() Diagnostics { return m.diag }

// PseudoR2 is 1 - deviance/null deviance.
func (m *Model) PseudoR2() float64 { return m.diag.PseudoR2 }

// SRMSE is the standardised root mean square error.
func (m *Model) SRMSE() float64 { return m.diag.SRMSE }

// Pairs returns the training pairs in order.
func (m *Model) Pairs() []od.Pair { return append([]od.Pair(nil), m.pairs...) }

// Fitted returns the fitted flows aligned with the training records.
func (m *Model) Fitted() []float64 { return append([]float64(nil), m.fitted...) }

// Observed returns the training flows.
func (m *Model) Observed() []float64 { return append([]float64(nil), m.observed...) }

// Distances returns the training distances after the self-pair clamp.
func (m *Model) Distances() []float64 { return append([]float64(nil), m.distance...) }

// OriginBalancing returns the per-origin balancing terms (log scale), or nil.
func (m *Model) OriginBalancing() map[string]float64 { return copyTerms(m.originBal) }

// DestBalancing returns the per-destination balancing terms (log scale), or nil.
func (m *Model) DestBalancing() map[string]float64 { return copyTerms(m.destBal) }

func copyTerms(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func massOf(records []od.Record, side od.Side, f od.Factor) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = r.Attrs(side).Get(f)
	}
	return out
}

func logs(xs []float64, what string) ([]float64, error) {
	out := make([]float64, len(xs))
	for i, x := range xs {
		if !(x > 0) || math.IsInf(x, 0) {
			return nil, eris.Wrapf(simerr.ErrInvalidInput, "gravity: %s must be positive and finite, got %v at record %d", what, x, i)
		}
		out[i] = math.Log(x)
	}
	return out, nil
}
