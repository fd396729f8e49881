// Package power converts CPU utilization samples into estimated power draw,
// energy and CO2 emissions using a per-CPU power curve.
package power

// Curve is a cubic polynomial fit for a specific CPU model mapping
// system-wide utilization (0-100) to total system power draw in watts:
// a + b*u + c*u^2 + d*u^3. Read-only, supplied by configuration.
type Curve struct {
	a, b, c, d float64
}

// NewCurve builds a curve from coefficients c0..c3.
func NewCurve(coeffs [4]float64) Curve {
	return Curve{a: coeffs[0], b: coeffs[1], c: coeffs[2], d: coeffs[3]}
}

// FromTDP builds a degenerate linear curve from a thermal design power,
// assuming the CPU draws its TDP at 50% utilization. Used as a fallback when
// no fitted curve is available for the CPU model.
func FromTDP(tdp float64) Curve {
	return Curve{b: tdp / 50}
}

// At evaluates the curve at the given utilization percentage. Negative
// results are clamped to zero; a fitted polynomial can dip below zero
// outside its fit range.
func (c Curve) At(utilization float64) float64 {
	u := utilization
	w := c.a + c.b*u + c.c*u*u + c.d*u*u*u
	if w < 0 {
		return 0
	}
	return w
}

// IsZero reports whether the curve has no coefficients at all.
func (c Curve) IsZero() bool {
	return c.a == 0 && c.b == 0 && c.c == 0 && c.d == 0
}
