package ksched

import (
	"slices"
)

// quantile is a P-square streaming quantile estimator (Jain and Chlamtac,
// 1985), tracking a single quantile in constant space, using five markers.
// Not safe for concurrent use.
type quantile struct {
	height  [5]float64 // marker heights
	pos     [5]float64 // actual marker positions
	want    [5]float64 // desired marker positions
	step    [5]float64 // desired position increments
	p       float64
	samples int
}

func newQuantile(p float64) *quantile {
	p = min(max(p, 0), 1)
	return &quantile{
		p:    p,
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (x *quantile) observe(v float64) {
	if x.samples < 5 {
		x.height[x.samples] = v
		x.samples++
		if x.samples == 5 {
			slices.Sort(x.height[:])
			x.pos = [5]float64{0, 1, 2, 3, 4}
			x.want = [5]float64{0, 2 * x.p, 4 * x.p, 2 + 2*x.p, 4}
		}
		return
	}
	x.samples++

	// locate the cell containing v, extending the extremes if necessary
	var cell int
	switch {
	case v < x.height[0]:
		x.height[0] = v
	case v >= x.height[4]:
		x.height[4] = v
		cell = 3
	default:
		for cell = 0; cell < 3 && v >= x.height[cell+1]; cell++ {
		}
	}

	for i := cell + 1; i < 5; i++ {
		x.pos[i]++
	}
	for i := range x.want {
		x.want[i] += x.step[i]
	}

	for i := 1; i < 4; i++ {
		d := x.want[i] - x.pos[i]
		var dir float64
		switch {
		case d >= 1 && x.pos[i+1]-x.pos[i] > 1:
			dir = 1
		case d <= -1 && x.pos[i-1]-x.pos[i] < -1:
			dir = -1
		default:
			continue
		}
		if h := x.parabolic(i, dir); x.height[i-1] < h && h < x.height[i+1] {
			x.height[i] = h
		} else {
			x.height[i] = x.linear(i, dir)
		}
		x.pos[i] += dir
	}
}

func (x *quantile) parabolic(i int, d float64) float64 {
	n0, n1, n2 := x.pos[i-1], x.pos[i], x.pos[i+1]
	q0, q1, q2 := x.height[i-1], x.height[i], x.height[i+1]
	return q1 + d/(n2-n0)*((n1-n0+d)*(q2-q1)/(n2-n1)+(n2-n1-d)*(q1-q0)/(n1-n0))
}

func (x *quantile) linear(i int, d float64) float64 {
	j := i + int(d)
	return x.height[i] + d*(x.height[j]-x.height[i])/(x.pos[j]-x.pos[i])
}

// value returns the current estimate. Until five samples have been
// observed, it is the nearest rank of the samples so far.
func (x *quantile) value() float64 {
	switch {
	case x.samples == 0:
		return 0
	case x.samples < 5:
		s := slices.Clone(x.height[:x.samples])
		slices.Sort(s)
		return s[int(float64(len(s)-1)*x.p)]
	default:
		return x.height[2]
	}
}

// quantiles tracks several quantiles of the same stream, along with the
// count, mean, and max.
type quantiles struct {
	est   []*quantile
	sum   float64
	max   float64
	count int
}

func newQuantiles(ps ...float64) *quantiles {
	q := &quantiles{est: make([]*quantile, len(ps))}
	for i, p := range ps {
		q.est[i] = newQuantile(p)
	}
	return q
}

func (q *quantiles) observe(v float64) {
	if q.count == 0 || v > q.max {
		q.max = v
	}
	q.count++
	q.sum += v
	for _, e := range q.est {
		e.observe(v)
	}
}

func (q *quantiles) value(i int) float64 { return q.est[i].value() }

func (q *quantiles) mean() float64 {
	if q.count == 0 {
		return 0
	}
	return q.sum / float64(q.count)
}
