package gravity

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Diagnostics are goodness-of-fit statistics computed once at fit time.
type Diagnostics struct {
	PseudoR2     float64 // 1 - deviance / null deviance
	SRMSE        float64 // RMSE divided by the mean observed flow
	Deviance     float64
	NullDeviance float64 // deviance of the intercept-only model
	LogLik       float64
	AIC          float64
	Params       int // estimated parameters, balancing terms included
	Iterations   int
}

// deviance is the Poisson deviance of mu against y.
func deviance(y, mu []float64) float64 {
	var d float64
	for i, yi := range y {
		if yi > 0 {
			d += yi*math.Log(yi/mu[i]) - (yi - mu[i])
		} else {
			d += mu[i]
		}
	}
	return 2 * d
}

// logLik is the Poisson log-likelihood of y given mu.
func logLik(y, mu []float64) float64 {
	var ll float64
	for i, yi := range y {
		lg, _ := math.Lgamma(yi + 1)
		if yi > 0 {
			ll += yi*math.Log(mu[i]) - mu[i] - lg
		} else {
			ll -= mu[i]
		}
	}
	return ll
}

func diagnose(y, mu []float64, params, iterations int) Diagnostics {
	n := float64(len(y))
	mean := floats.Sum(y) / n

	null := make([]float64, len(y))
	for i := range null {
		null[i] = mean
	}

	d := Diagnostics{
		Deviance:     deviance(y, mu),
		NullDeviance: deviance(y, null),
		LogLik:       logLik(y, mu),
		Params:       params,
		Iterations:   iterations,
	}
	if d.NullDeviance > 0 {
		d.PseudoR2 = 1 - d.Deviance/d.NullDeviance
	}
	d.AIC = -2*d.LogLik + 2*float64(params)

	var sse float64
	for i := range y {
		r := y[i] - mu[i]
		sse += r * r
	}
	if mean > 0 {
		d.SRMSE = math.Sqrt(sse/n) / mean
	}
	return d
}

// converged applies the relative deviance criterion used by GLM fitters.
func converged(dev, prev, tol float64) bool {
	return math.Abs(dev-prev)/(math.Abs(dev)+0.1) < tol
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// constant reports whether xs has no variation beyond rounding.
func constant(xs []float64) bool {
	if len(xs) == 0 {
		return true
	}
	lo, hi := floats.Min(xs), floats.Max(xs)
	return hi-lo <= 1e-12*math.Max(1, math.Max(math.Abs(lo), math.Abs(hi)))
}

// constantWithin reports whether xs is constant inside every group.
func constantWithin(xs []float64, members [][]int) bool {
	for _, m := range members {
		if len(m) == 0 {
			continue
		}
		lo, hi := xs[m[0]], xs[m[0]]
		for _, i := range m[1:] {
			lo = math.Min(lo, xs[i])
			hi = math.Max(hi, xs[i])
		}
		if hi-lo > 1e-12*math.Max(1, math.Max(math.Abs(lo), math.Abs(hi))) {
			return false
		}
	}
	return true
}
