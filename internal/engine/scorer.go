package engine

import "math"

// Summary describes a source's history at the moment it was scored.
type Summary struct {
	Samples int
	Mean    float64
	StdDev  float64
	Last    float64
}

// Summarize computes the mean and the population standard deviation of
// counts. StdDev is forced to 1 below two samples so a cold source scores 0.
func Summarize(counts []float64) Summary {
	n := len(counts)
	if n == 0 {
		return Summary{StdDev: 1}
	}
	var sum float64
	for _, c := range counts {
		sum += c
	}
	mean := sum / float64(n)
	s := Summary{Samples: n, Mean: mean, StdDev: 1, Last: counts[n-1]}
	if n < 2 {
		return s
	}
	var ss float64
	for _, c := range counts {
		d := c - mean
		ss += d * d
	}
	s.StdDev = math.Sqrt(ss / float64(n))
	return s
}

// Score returns the z-score of the last element of counts against the whole
// sequence. Degenerate inputs (empty, zero variance) score 0.
func Score(counts []float64) float64 {
	return Summarize(counts).ZScore()
}

func (s Summary) ZScore() float64 {
	if s.Samples == 0 || s.StdDev == 0 {
		return 0
	}
	z := (s.Last - s.Mean) / s.StdDev
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0
	}
	return z
}
