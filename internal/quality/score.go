package quality

import "math"

// Score weights. They sum to 1 so a dataset with every fraction at 1 scores 0.
const (
	WeightMissing   = 0.4
	WeightDuplicate = 0.2
	WeightInvalid   = 0.2
	WeightOutlier   = 0.2
)

// Score combines the four defect fractions into a 0-100 value. Raising any
// fraction never raises the score.
func Score(missing, duplicate, invalid, outlier float64) int {
	penalty := WeightMissing*clamp01(missing) +
		WeightDuplicate*clamp01(duplicate) +
		WeightInvalid*clamp01(invalid) +
		WeightOutlier*clamp01(outlier)
	s := int(math.Round(100 * (1 - penalty)))
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func fraction(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func round4(f float64) float64 {
	if math.Abs(f) >= 1e15 {
		return f
	}
	return math.Round(f*1e4) / 1e4
}
