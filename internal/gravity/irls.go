package gravity

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/sells-group/simim/internal/simerr"
)

// maxCond is the condition number above which an information matrix is
// treated as singular.
const maxCond = 1e15

// solveSPD solves a*x = b for a symmetric positive definite a.
func solveSPD(a *mat.SymDense, b []float64) ([]float64, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, eris.Wrap(simerr.ErrFitConvergence, "gravity: information matrix is not positive definite")
	}
	if c := chol.Cond(); c > maxCond || math.IsNaN(c) {
		return nil, eris.Wrapf(simerr.ErrFitConvergence, "gravity: information matrix is singular (cond %.3g)", c)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(len(b), b)); err != nil {
		return nil, eris.Wrapf(simerr.ErrFitConvergence, "gravity: solve: %v", err)
	}
	return x.RawVector().Data, nil
}

// linear returns offset + sum_a coef[a]*cols[a].
func linear(cols [][]float64, coef, offset []float64) []float64 {
	out := make([]float64, len(offset))
	copy(out, offset)
	for a, col := range cols {
		floats.AddScaled(out, coef[a], col)
	}
	return out
}

// minMu keeps fitted means strictly positive so working responses stay finite.
const minMu = 1e-300

// expAll exponentiates eta, failing when the result leaves float range.
func expAll(eta []float64) ([]float64, error) {
	mu := make([]float64, len(eta))
	for i, e := range eta {
		mu[i] = math.Max(math.Exp(e), minMu)
	}
	if !finite(mu) {
		return nil, eris.Wrap(simerr.ErrFitConvergence, "gravity: fitted values overflowed")
	}
	return mu, nil
}

// weightedCross returns X'WX (p x p) for w applied row-wise.
func weightedCross(cols [][]float64, w []float64) []float64 {
	p := len(cols)
	out := make([]float64, p*p)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			var s float64
			ca, cb := cols[a], cols[b]
			for i, wi := range w {
				s += wi * ca[i] * cb[i]
			}
			out[a*p+b] = s
			out[b*p+a] = s
		}
	}
	return out
}

// irls fits a Poisson log-linear model with free columns cols (the first
// is normally the intercept) and a fixed offset by iteratively reweighted
// least squares. It returns the coefficients, fitted means and iterations.
func irls(y []float64, cols [][]float64, offset []float64, opts FitOptions) ([]float64, []float64, int, error) {
	n, p := len(y), len(cols)
	mean := floats.Sum(y) / float64(n)

	mu := make([]float64, n)
	eta := make([]float64, n)
	for i := range y {
		mu[i] = (y[i] + mean) / 2
		eta[i] = math.Log(mu[i])
	}
	prev := deviance(y, mu)

	z := make([]float64, n)
	for it := 1; it <= opts.MaxIterations; it++ {
		for i := range y {
			z[i] = eta[i] - offset[i] + (y[i]-mu[i])/mu[i]
		}

		xtwz := make([]float64, p)
		for a, col := range cols {
			var s float64
			for i := range y {
				s += mu[i] * col[i] * z[i]
			}
			xtwz[a] = s
		}

		coef, err := solveSPD(mat.NewSymDense(p, weightedCross(cols, mu)), xtwz)
		if err != nil {
			return nil, nil, it, eris.Wrapf(err, "gravity: irls iteration %d", it)
		}

		eta = linear(cols, coef, offset)
		next, err := expAll(eta)
		if err != nil {
			return nil, nil, it, eris.Wrapf(err, "gravity: irls iteration %d", it)
		}
		mu = next

		dev := deviance(y, mu)
		if converged(dev, prev, opts.Tolerance) {
			return coef, mu, it, nil
		}
		prev = dev
	}
	return nil, nil, opts.MaxIterations, eris.Wrapf(simerr.ErrFitConvergence,
		"gravity: irls did not converge in %d iterations", opts.MaxIterations)
}
