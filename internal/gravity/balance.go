package gravity

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"

	"github.com/sells-group/simim/internal/simerr"
)

// balanceTolerance is the largest relative margin error accepted from IPF.
const balanceTolerance = 1e-10

// balancer concentrates zone balancing terms out of the likelihood. Given
// the linear predictor of the free part it picks the balancing terms that
// reproduce the observed margins exactly.
type balancer interface {
	// balance returns fitted means for the linear predictor lin.
	balance(lin []float64) ([]float64, error)
	// information is the profile Fisher information of cols at mu.
	information(cols [][]float64, mu []float64) (*mat.SymDense, error)
	// terms returns the balancing terms of the last balance call by zone.
	terms() (origin, dest map[string]float64)
	// params is the number of balancing terms.
	params() int
}

// grouping partitions record positions by zone code.
type grouping struct {
	zones   []string
	group   []int   // record -> group
	members [][]int // group -> records
	margin  []float64
}

func newGrouping(codes []string, y []float64, label string) (*grouping, error) {
	uniq := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		uniq[c] = struct{}{}
	}
	zones := make([]string, 0, len(uniq))
	for c := range uniq {
		zones = append(zones, c)
	}
	sort.Strings(zones)
	pos := make(map[string]int, len(zones))
	for i, z := range zones {
		pos[z] = i
	}

	g := &grouping{
		zones:   zones,
		group:   make([]int, len(codes)),
		members: make([][]int, len(zones)),
		margin:  make([]float64, len(zones)),
	}
	for i, c := range codes {
		k := pos[c]
		g.group[i] = k
		g.members[k] = append(g.members[k], i)
		g.margin[k] += y[i]
	}
	for k, m := range g.margin {
		if m <= 0 {
			return nil, eris.Wrapf(simerr.ErrFitConvergence,
				"gravity: %s zone %s has no observed flow to balance", label, g.zones[k])
		}
	}
	return g, nil
}

// logSumExp returns log(sum_i exp(shift[i] + lin[i])) over idx.
func logSumExp(idx []int, lin []float64, shift func(i int) float64) float64 {
	m := math.Inf(-1)
	for _, i := range idx {
		m = math.Max(m, lin[i]+shift(i))
	}
	var s float64
	for _, i := range idx {
		s += math.Exp(lin[i] + shift(i) - m)
	}
	return m + math.Log(s)
}

// singleBalancer carries one balancing term per zone on one side.
type singleBalancer struct {
	g      *grouping
	origin bool
	gamma  []float64
}

func newSingleBalancer(codes []string, y []float64, origin bool) (*singleBalancer, error) {
	label := "destination"
	if origin {
		label = "origin"
	}
	g, err := newGrouping(codes, y, label)
	if err != nil {
		return nil, err
	}
	return &singleBalancer{g: g, origin: origin, gamma: make([]float64, len(g.zones))}, nil
}

func (b *singleBalancer) balance(lin []float64) ([]float64, error) {
	zero := func(int) float64 { return 0 }
	for k, m := range b.g.members {
		b.gamma[k] = math.Log(b.g.margin[k]) - logSumExp(m, lin, zero)
	}
	eta := make([]float64, len(lin))
	for i, l := range lin {
		eta[i] = b.gamma[b.g.group[i]] + l
	}
	return expAll(eta)
}

// information absorbs the balancing terms analytically: their block of the
// Fisher information is diagonal.
func (b *singleBalancer) information(cols [][]float64, mu []float64) (*mat.SymDense, error) {
	p := len(cols)
	info := weightedCross(cols, mu)
	for _, m := range b.g.members {
		var w float64
		wx := make([]float64, p)
		for _, i := range m {
			w += mu[i]
			for a, col := range cols {
				wx[a] += mu[i] * col[i]
			}
		}
		for a := 0; a < p; a++ {
			for c := 0; c < p; c++ {
				info[a*p+c] -= wx[a] * wx[c] / w
			}
		}
	}
	return mat.NewSymDense(p, info), nil
}

func (b *singleBalancer) terms() (map[string]float64, map[string]float64) {
	out := make(map[string]float64, len(b.gamma))
	for k, z := range b.g.zones {
		out[z] = b.gamma[k]
	}
	if b.origin {
		return out, nil
	}
	return nil, out
}

func (b *singleBalancer) params() int { return len(b.gamma) }

// doublyBalancer solves origin and destination terms jointly by iterative
// proportional fitting.
type doublyBalancer struct {
	rows, cols *grouping
	a, b       []float64
	maxSweeps  int
}

func newDoublyBalancer(origins, dests []string, y []float64, maxSweeps int) (*doublyBalancer, error) {
	rows, err := newGrouping(origins, y, "origin")
	if err != nil {
		return nil, err
	}
	cols, err := newGrouping(dests, y, "destination")
	if err != nil {
		return nil, err
	}
	return &doublyBalancer{
		rows:      rows,
		cols:      cols,
		a:         make([]float64, len(rows.zones)),
		b:         make([]float64, len(cols.zones)),
		maxSweeps: maxSweeps,
	}, nil
}

func (d *doublyBalancer) balance(lin []float64) ([]float64, error) {
	colTerm := func(i int) float64 { return d.b[d.cols.group[i]] }
	rowTerm := func(i int) float64 { return d.a[d.rows.group[i]] }

	for sweep := 1; sweep <= d.maxSweeps; sweep++ {
		for k, m := range d.rows.members {
			d.a[k] = math.Log(d.rows.margin[k]) - logSumExp(m, lin, colTerm)
		}
		for k, m := range d.cols.members {
			d.b[k] = math.Log(d.cols.margin[k]) - logSumExp(m, lin, rowTerm)
		}

		// Column margins are exact after the b update; test the rows.
		var worst float64
		for k, m := range d.rows.members {
			var s float64
			for _, i := range m {
				s += math.Exp(d.a[k] + colTerm(i) + lin[i])
			}
			worst = math.Max(worst, math.Abs(s-d.rows.margin[k])/d.rows.margin[k])
		}
		if math.IsNaN(worst) {
			break
		}
		if worst < balanceTolerance {
			eta := make([]float64, len(lin))
			for i, l := range lin {
				eta[i] = rowTerm(i) + colTerm(i) + l
			}
			return expAll(eta)
		}
	}
	return nil, eris.Wrapf(simerr.ErrFitConvergence,
		"gravity: balancing factors did not converge in %d sweeps", d.maxSweeps)
}

// information forms the Schur complement of the balancing block. One
// destination dummy is dropped to remove the shared constant.
func (d *doublyBalancer) information(cols [][]float64, mu []float64) (*mat.SymDense, error) {
	p := len(cols)
	nr, nc := len(d.rows.zones), len(d.cols.zones)-1
	m := nr + nc

	zwz := mat.NewSymDense(m, nil)
	zwx := mat.NewDense(m, p, nil)
	for i, w := range mu {
		r := d.rows.group[i]
		c := d.cols.group[i]
		zwz.SetSym(r, r, zwz.At(r, r)+w)
		for a, col := range cols {
			zwx.Set(r, a, zwx.At(r, a)+w*col[i])
		}
		if c == nc {
			continue
		}
		c += nr
		zwz.SetSym(c, c, zwz.At(c, c)+w)
		zwz.SetSym(r, c, zwz.At(r, c)+w)
		for a, col := range cols {
			zwx.Set(c, a, zwx.At(c, a)+w*col[i])
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(zwz); !ok {
		return nil, eris.Wrap(simerr.ErrFitConvergence, "gravity: balancing block is singular")
	}
	var s mat.Dense
	if err := chol.SolveTo(&s, zwx); err != nil {
		return nil, eris.Wrapf(simerr.ErrFitConvergence, "gravity: balancing block solve: %v", err)
	}

	var adj mat.Dense
	adj.Mul(zwx.T(), &s)

	info := weightedCross(cols, mu)
	for a := 0; a < p; a++ {
		for c := 0; c < p; c++ {
			info[a*p+c] -= adj.At(a, c)
		}
	}
	// Symmetrise against rounding before handing to Cholesky.
	for a := 0; a < p; a++ {
		for c := a + 1; c < p; c++ {
			v := (info[a*p+c] + info[c*p+a]) / 2
			info[a*p+c], info[c*p+a] = v, v
		}
	}
	return mat.NewSymDense(p, info), nil
}

func (d *doublyBalancer) terms() (map[string]float64, map[string]float64) {
	o := make(map[string]float64, len(d.a))
	for k, z := range d.rows.zones {
		o[z] = d.a[k]
	}
	ds := make(map[string]float64, len(d.b))
	for k, z := range d.cols.zones {
		ds[z] = d.b[k]
	}
	return o, ds
}

func (d *doublyBalancer) params() int { return len(d.a) + len(d.b) - 1 }

// profileNewton maximises the likelihood over the free columns with the
// balancing terms concentrated out, halving steps that raise the deviance.
func profileNewton(y []float64, cols [][]float64, offset []float64, bal balancer, opts FitOptions) ([]float64, []float64, int, error) {
	p := len(cols)
	theta := make([]float64, p)

	mu, err := bal.balance(linear(cols, theta, offset))
	if err != nil {
		return nil, nil, 0, err
	}
	dev := deviance(y, mu)
	if p == 0 {
		return theta, mu, 1, nil
	}

	for it := 1; it <= opts.MaxIterations; it++ {
		score := make([]float64, p)
		for a, col := range cols {
			for i := range y {
				score[a] += (y[i] - mu[i]) * col[i]
			}
		}
		info, err := bal.information(cols, mu)
		if err != nil {
			return nil, nil, it, err
		}
		step, err := solveSPD(info, score)
		if err != nil {
			return nil, nil, it, eris.Wrapf(err, "gravity: newton iteration %d", it)
		}

		next := make([]float64, p)
		var nextMu []float64
		nextDev := math.Inf(1)
		t := 1.0
		for h := 0; h < 40; h++ {
			for a := range next {
				next[a] = theta[a] + t*step[a]
			}
			m, berr := bal.balance(linear(cols, next, offset))
			if berr == nil {
				nextMu = m
				nextDev = deviance(y, m)
				if nextDev <= dev || converged(nextDev, dev, opts.Tolerance) {
					break
				}
			}
			t /= 2
		}
		if nextMu == nil || (nextDev > dev && !converged(nextDev, dev, opts.Tolerance)) {
			return nil, nil, it, eris.Wrapf(simerr.ErrFitConvergence,
				"gravity: newton iteration %d could not reduce deviance", it)
		}

		done := converged(nextDev, dev, opts.Tolerance)
		theta, mu, dev = next, nextMu, nextDev
		if done {
			// Re-balance so terms() reflects the accepted coefficients.
			if mu, err = bal.balance(linear(cols, theta, offset)); err != nil {
				return nil, nil, it, err
			}
			return theta, mu, it, nil
		}
	}
	return nil, nil, opts.MaxIterations, eris.Wrapf(simerr.ErrFitConvergence,
		"gravity: newton did not converge in %d iterations", opts.MaxIterations)
}
