package abtest

import "math"

// WelchResult is the outcome of Welch's unequal-variance t-test.
type WelchResult struct {
	T      float64 `json:"t"`
	DF     float64 `json:"df"`
	PValue float64 `json:"p_value"`
}

// Welch compares two samples summarized by size, mean and unbiased
// variance. The p-value is two-sided. Samples with fewer than two
// observations yield p = 1.
func Welch(n1, mean1, var1, n2, mean2, var2 float64) WelchResult {
	if n1 < 2 || n2 < 2 {
		return WelchResult{PValue: 1}
	}

	s1, s2 := var1/n1, var2/n2
	se2 := s1 + s2
	if se2 <= 0 {
		// both samples are constant
		if mean1 == mean2 {
			return WelchResult{PValue: 1}
		}
		return WelchResult{T: math.Copysign(math.Inf(1), mean1-mean2), DF: n1 + n2 - 2, PValue: 0}
	}

	t := (mean1 - mean2) / math.Sqrt(se2)
	df := se2 * se2 / (s1*s1/(n1-1) + s2*s2/(n2-1))
	return WelchResult{T: t, DF: df, PValue: StudentTwoSidedP(t, df)}
}

// StudentTwoSidedP returns P(|T| >= |t|) for Student's t with df degrees
// of freedom.
func StudentTwoSidedP(t, df float64) float64 {
	if math.IsNaN(t) || df <= 0 {
		return 1
	}
	if math.IsInf(t, 0) {
		return 0
	}
	p := RegularizedIncompleteBeta(df/2, 0.5, df/(df+t*t))
	return math.Min(1, math.Max(0, p))
}

// RegularizedIncompleteBeta computes I_x(a, b) with the continued fraction
// expansion, using the symmetry relation where it converges faster.
func RegularizedIncompleteBeta(a, b, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}

	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	lab, _ := math.Lgamma(a + b)
	front := math.Exp(lab - la - lb + a*math.Log(x) + b*math.Log1p(-x))

	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

func betaContinuedFraction(a, b, x float64) float64 {
	const (
		maxIterations = 300
		epsilon       = 1e-14
		tiny          = 1e-300
	)

	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		fm := float64(m)
		m2 := 2 * fm

		// even step
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		// odd step
		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		delta := d * c
		h *= delta

		if math.Abs(delta-1) < epsilon {
			break
		}
	}
	return h
}
