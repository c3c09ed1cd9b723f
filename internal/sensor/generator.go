package sensor

import (
	"math"
	"math/rand/v2"
)

// Generator produces successive synthetic values for one sensor.
type Generator interface {
	Next() float64
}

// NewGenerator returns the generator selected by the spec's strategy.
func NewGenerator(spec Spec, rnd *rand.Rand) Generator {
	if spec.Strategy == StrategyRandomWalk {
		return NewRandomWalk(spec, rnd)
	}
	return NewUniform(spec, rnd)
}

// Uniform draws every value independently from [Min, Max].
type Uniform struct {
	spec Spec
	rnd  *rand.Rand
}

func NewUniform(spec Spec, rnd *rand.Rand) *Uniform {
	return &Uniform{spec: spec, rnd: rnd}
}

func (u *Uniform) Next() float64 {
	if u.spec.Min == u.spec.Max {
		return u.spec.Min
	}
	r := u.rnd.Float64()
	v := u.spec.Min*(1-r) + u.spec.Max*r
	return clamp(round(v, u.spec.Precision), u.spec.Min, u.spec.Max)
}

// RandomWalk steps from the previous value by at most Step, mostly
// keeping its direction and turning back at the range limits.
type RandomWalk struct {
	spec      Spec
	rnd       *rand.Rand
	value     float64
	direction float64
}

// persistence is the probability of keeping the last step direction.
const persistence = 0.9

func NewRandomWalk(spec Spec, rnd *rand.Rand) *RandomWalk {
	return &RandomWalk{
		spec:      spec,
		rnd:       rnd,
		value:     clamp(spec.Start, spec.Min, spec.Max),
		direction: 1,
	}
}

func (w *RandomWalk) Next() float64 {
	step := w.spec.Step * w.rnd.Float64()
	dir := w.direction
	if w.rnd.Float64() >= persistence {
		dir = -dir
	}
	if v := w.value + step*dir; v > w.spec.Max || v < w.spec.Min {
		dir = -dir
	}
	v := clamp(round(w.value+step*dir, w.spec.Precision), w.spec.Min, w.spec.Max)
	w.value = v
	w.direction = dir
	return v
}

func round(v float64, precision int) float64 {
	// Magnitudes from 2^52 up have no fractional part to round.
	if precision < 0 || math.Abs(v) >= 1<<52 {
		return v
	}
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

// clamp maps v into [lo, hi]. NaN maps to lo.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
