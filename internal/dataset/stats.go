package dataset

import (
	"math"
	"sort"
)

// NumericColumn extracts the non-missing numbers of column j together with
// the row index each came from.
func (d *Dataset) NumericColumn(j int) (vals []float64, rows []int) {
	for i, row := range d.Rows {
		if row[j].Kind == KindNumber {
			vals = append(vals, row[j].Num)
			rows = append(rows, i)
		}
	}
	return vals, rows
}

// Mean is the arithmetic mean. It stays finite for finite inputs whose sum
// overflows.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	if !math.IsInf(sum, 0) {
		return sum / n
	}
	var m float64
	for _, x := range xs {
		m += x / n
	}
	return m
}

// rescale divides xs by its largest magnitude when squared deviations could
// overflow. z-scores and the ratio of spread to scale are unchanged by it.
func rescale(xs []float64) (scaled []float64, factor float64) {
	var maxAbs float64
	for _, x := range xs {
		maxAbs = math.Max(maxAbs, math.Abs(x))
	}
	if maxAbs < 1e150 {
		return xs, 1
	}
	scaled = make([]float64, len(xs))
	for i, x := range xs {
		scaled[i] = x / maxAbs
	}
	return scaled, maxAbs
}

func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return s[mid-1]/2 + s[mid]/2
}

// Mode returns the most frequent value, the smallest one on ties.
func Mode(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	best, bestCount := s[0], 0
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] == s[i] {
			j++
		}
		if j-i > bestCount {
			best, bestCount = s[i], j-i
		}
		i = j
	}
	return best
}

// SampleStd is the n-1 standard deviation; NaN below two values.
func SampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	xs, factor := rescale(xs)
	m := Mean(xs)
	var m2 float64
	for _, x := range xs {
		m2 += (x - m) * (x - m)
	}
	return math.Sqrt(m2/float64(len(xs)-1)) * factor
}

// Rescale maps x from [lo, hi] onto [0, 1]. Halving first keeps the
// difference finite when hi-lo overflows.
func Rescale(x, lo, hi float64) float64 {
	return (x/2 - lo/2) / (hi/2 - lo/2)
}

func MinMax(xs []float64) (lo, hi float64) {
	if len(xs) == 0 {
		return math.NaN(), math.NaN()
	}
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

// ZScores returns |x − mean| / stddev for every value, where mean and sample
// stddev are taken over the remaining values of the column (the value itself
// excluded). ok is false when the column has fewer than three values or zero
// variance. A value that differs from otherwise constant remaining values
// scores +Inf.
func ZScores(xs []float64) (scores []float64, ok bool) {
	n := len(xs)
	if n < 3 {
		return nil, false
	}
	xs, _ = rescale(xs)
	m := Mean(xs)
	var m2 float64
	for _, x := range xs {
		m2 += (x - m) * (x - m)
	}
	if m2 == 0 {
		return nil, false
	}
	nf := float64(n)
	eps := m2 * 1e-12
	scores = make([]float64, n)
	for i, x := range xs {
		rest := (nf*m - x) / (nf - 1)
		restM2 := m2 - (x-m)*(x-rest)
		if restM2 <= eps {
			if math.Abs(x-rest) > math.Sqrt(eps) {
				scores[i] = math.Inf(1)
			}
			continue
		}
		std := math.Sqrt(restM2 / (nf - 2))
		scores[i] = math.Abs(x-rest) / std
	}
	return scores, true
}

// Outliers returns the positions in xs whose z-score exceeds threshold.
func Outliers(xs []float64, threshold float64) []int {
	scores, ok := ZScores(xs)
	if !ok {
		return nil
	}
	var out []int
	for i, z := range scores {
		if z > threshold {
			out = append(out, i)
		}
	}
	return out
}
