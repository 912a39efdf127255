package isr

import "math"

const (
	// Epsilon keeps probabilities away from exact 0 and 1 before any logarithm.
	Epsilon = 1e-9
	// MinB2T is the bits-to-trust value below which ISR is reported as
	// standardISRCap instead of dividing by a vanishing denominator.
	MinB2T = 1e-6
)

// ProbFloor is the Laplace-smoothing floor 1/(N+2) for N permutations.
func ProbFloor(permutations int) float64 {
	return 1.0 / float64(permutations+2)
}

// Entropy returns the binary entropy of a Bernoulli(p) distribution in nats.
// Degenerate distributions (p <= 0 or p >= 1) carry no uncertainty.
func Entropy(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return -(p*math.Log(p) + (1-p)*math.Log(1-p))
}

// KLDivergence returns KL(p||q) between Bernoulli distributions in nats.
// q is raised to floor first so the divergence stays finite, then both
// operands are clipped to [Epsilon, 1-Epsilon].
func KLDivergence(p, q, floor float64) float64 {
	q = math.Max(q, floor)
	p = clamp(p, Epsilon, 1-Epsilon)
	q = clamp(q, Epsilon, 1-Epsilon)
	return p*math.Log(p/q) + (1-p)*math.Log((1-p)/(1-q))
}

// ClipOneSided clamps x to [0, bound]. Information gained (x < 0) counts as
// zero and never as a negative contribution. NaN is treated as no loss.
func ClipOneSided(x, bound float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Min(math.Max(x, 0), bound)
}

// Delta is the mean one-sided information loss ln(pRef/s) over samples.
func Delta(pRef float64, probs []float64, bound float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	ref := math.Max(pRef, Epsilon)
	var sum float64
	for _, s := range probs {
		sum += ClipOneSided(math.Log(ref/math.Max(s, Epsilon)), bound)
	}
	return sum / float64(len(probs))
}

// JSBound is H(mean(probs)) - mean(H(p)). It is near zero when the samples
// agree and grows as they spread out.
func JSBound(probs []float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	var meanH float64
	for _, p := range probs {
		meanH += Entropy(p)
	}
	meanH /= float64(len(probs))
	return Entropy(mean(probs)) - meanH
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func minimum(xs []float64) float64 {
	lo := math.Inf(1)
	for _, x := range xs {
		if x < lo {
			lo = x
		}
	}
	return lo
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

// round4 rounds to four decimal places for presentation.
func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
