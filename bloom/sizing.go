package bloom

import "math"

// OptimalSize returns the number of bits m and hash positions k that keep
// the false positive rate at or below p for n distinct keys:
//
//	m = ceil(-n ln(p) / ln(2)^2)
//	k = round(m/n ln(2))
func OptimalSize(n uint64, p float64) (m, k uint64, err error) {
	if n == 0 {
		return 0, 0, &ConfigError{Param: "elements", Reason: "expected element count must be positive"}
	}
	if p <= 0 || p >= 1 || math.IsNaN(p) {
		return 0, 0, &ConfigError{Param: "false positive rate", Reason: "must be in (0, 1)"}
	}

	mf := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	kf := math.Round(mf / float64(n) * math.Ln2)
	if kf < 1 {
		kf = 1
	}
	return uint64(mf), uint64(kf), nil
}

// FalsePositiveRate returns the expected false positive rate of a filter of
// m bits and k positions holding n distinct keys: (1 - e^(-kn/m))^k.
func FalsePositiveRate(m, k, n uint64) float64 {
	if m == 0 {
		return 1
	}
	kn := float64(k) * float64(n)
	return math.Pow(1-math.Exp(-kn/float64(m)), float64(k))
}
