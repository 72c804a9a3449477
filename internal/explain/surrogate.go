package explain

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// sampleInclusion draws n binary inclusion vectors over features segments.
// Row 0 keeps every segment and stands for the unperturbed image.
func sampleInclusion(rng *rand.Rand, n, features int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, features)
		for j := range row {
			if i == 0 || rng.Intn(2) == 1 {
				row[j] = 1
			}
		}
		rows[i] = row
	}
	return rows
}

// kernelWeights weighs every row by its cosine proximity to the all-on row
// using an exponential kernel of the given width.
func kernelWeights(rows [][]float64, width float64) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		var on float64
		for _, v := range row {
			on += v
		}
		d := 1.0
		if on > 0 {
			d = 1 - math.Sqrt(on/float64(len(row)))
		}
		out[i] = math.Sqrt(math.Exp(-(d * d) / (width * width)))
	}
	return out
}

// surrogate is a weighted ridge regression fitted around one instance.
type surrogate struct {
	Intercept float64
	Coef      []float64
	// Score is the weighted coefficient of determination on the samples.
	Score float64
}

// fitRidge solves min Σ w_i (y_i - b - x_i·β)² + alpha·|β|² with an unpenalized
// intercept.
func fitRidge(x [][]float64, y, w []float64, alpha float64) (*surrogate, error) {
	n := len(x)
	if n == 0 || len(y) != n || len(w) != n {
		return nil, errors.New("surrogate: inconsistent sample sizes")
	}
	p := len(x[0])

	var sw float64
	xMean := make([]float64, p)
	var yMean float64
	for i := range n {
		sw += w[i]
		yMean += w[i] * y[i]
		for j, v := range x[i] {
			xMean[j] += w[i] * v
		}
	}
	if sw <= 0 {
		return nil, errors.New("surrogate: sample weights sum to zero")
	}
	yMean /= sw
	for j := range xMean {
		xMean[j] /= sw
	}

	// Centered, sqrt-weighted design so that XsᵀXs = XcᵀWXc.
	xs := mat.NewDense(n, p, nil)
	ys := mat.NewVecDense(n, nil)
	for i := range n {
		s := math.Sqrt(w[i])
		for j, v := range x[i] {
			xs.Set(i, j, s*(v-xMean[j]))
		}
		ys.SetVec(i, s*(y[i]-yMean))
	}

	gram := mat.NewSymDense(p, nil)
	gram.SymOuterK(1, xs.T())
	for j := range p {
		gram.SetSym(j, j, gram.At(j, j)+alpha)
	}

	rhs := mat.NewVecDense(p, nil)
	rhs.MulVec(xs.T(), ys)

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, errors.New("surrogate: normal equations are not positive definite")
	}
	beta := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(beta, rhs); err != nil {
		return nil, err
	}

	s := &surrogate{Coef: make([]float64, p)}
	s.Intercept = yMean
	for j := range p {
		s.Coef[j] = beta.AtVec(j)
		s.Intercept -= s.Coef[j] * xMean[j]
	}
	s.Score = s.r2(x, y, w, yMean)
	return s, nil
}

func (s *surrogate) predict(row []float64) float64 {
	out := s.Intercept
	for j, v := range row {
		out += s.Coef[j] * v
	}
	return out
}

func (s *surrogate) r2(x [][]float64, y, w []float64, yMean float64) float64 {
	var res, tot float64
	for i := range x {
		d := y[i] - s.predict(x[i])
		res += w[i] * d * d
		m := y[i] - yMean
		tot += w[i] * m * m
	}
	if tot == 0 {
		if res == 0 {
			return 1
		}
		return 0
	}
	return 1 - res/tot
}
