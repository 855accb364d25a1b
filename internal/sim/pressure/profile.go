// Package pressure builds the fluid pressure profile along the invaded region.
package pressure

import (
	"fmt"
	"math"
	"strings"
)

// Shape selects the interpolation between p[0]=1 and p[lmax]=deltaP.
type Shape string

const (
	Exponential Shape = "exponential"
	Linear      Shape = "linear"
	Inverse     Shape = "inverse"
)

// ParseShape accepts a shape name, case-insensitively. Empty means Exponential.
func ParseShape(s string) (Shape, error) {
	switch Shape(strings.ToLower(strings.TrimSpace(s))) {
	case "", Exponential:
		return Exponential, nil
	case Linear:
		return Linear, nil
	case Inverse:
		return Inverse, nil
	default:
		return "", fmt.Errorf("unknown pressure profile %q", s)
	}
}

// Profile is the pressure at each shell distance 0..LMax.
type Profile struct {
	Shape  Shape
	DeltaP float64
	p      []float64
}

// Build computes the profile for lmax. lmax < 1 is treated as 1.
func Build(shape Shape, lmax int, deltaP float64) Profile {
	if lmax < 1 {
		lmax = 1
	}
	p := make([]float64, lmax+1)
	n := float64(lmax)
	for l := range p {
		x := float64(l)
		switch shape {
		case Linear:
			p[l] = 1 - (1-deltaP)/n*x
		case Inverse:
			p[l] = 1 / ((1-deltaP)/(n*deltaP)*x + 1)
		default:
			p[l] = math.Pow(deltaP, x/n)
		}
	}
	// Pin the ends; interpolation rounding must not move them.
	p[0] = 1
	p[lmax] = deltaP
	return Profile{Shape: shape, DeltaP: deltaP, p: p}
}

// LMax is the largest shell the profile covers.
func (p Profile) LMax() int { return len(p.p) - 1 }

// At returns the pressure at shell l, clamped into [0, LMax].
func (p Profile) At(l int) float64 {
	if len(p.p) == 0 {
		return 1
	}
	if l < 0 {
		l = 0
	}
	if l >= len(p.p) {
		l = len(p.p) - 1
	}
	return p.p[l]
}

// Values returns a copy of the profile.
func (p Profile) Values() []float64 {
	return append([]float64(nil), p.p...)
}
