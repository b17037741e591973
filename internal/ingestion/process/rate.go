package process

import "math"

const (
	minFrameTime = 0.01
	maxFrameTime = 2.0
)

// rawPrecision rounds unsnapped rates so timestamp noise does not split
// one rate into several candidates.
const rawPrecision = 1000

// RateDetector estimates the input frame rate from the decoder's timestamp
// reports. A new rate is committed only after it was seen for jitter
// consecutive deltas.
type RateDetector struct {
	rates  []float64
	jitter int

	prevTS    float64
	hasPrev   bool
	candidate float64
	count     int
}

// NewRateDetector builds a detector. With no rates the measured rate is
// used as is. Jitter below 1 is raised to 1.
func NewRateDetector(rates []float64, jitter int) *RateDetector {
	if jitter < 1 {
		jitter = 1
	}
	return &RateDetector{rates: rates, jitter: jitter}
}

// Observe feeds one timestamp. It returns the rate to commit and true when
// the estimate differs from current and has been stable long enough.
func (d *RateDetector) Observe(ts, current float64) (float64, bool) {
	prev, had := d.prevTS, d.hasPrev
	d.prevTS, d.hasPrev = ts, true
	if !had {
		return 0, false
	}

	dt := ts - prev
	if dt < minFrameTime || dt > maxFrameTime {
		return 0, false
	}

	fps := d.snap(1 / dt)
	if fps == current {
		d.count = 0
		return 0, false
	}
	if fps != d.candidate {
		d.candidate = fps
		d.count = 0
	}
	d.count++
	if d.count < d.jitter {
		return 0, false
	}
	d.count = 0
	return fps, true
}

// snap returns the first allowed rate closest to fps.
func (d *RateDetector) snap(fps float64) float64 {
	if len(d.rates) == 0 {
		return math.Round(fps*rawPrecision) / rawPrecision
	}
	best := d.rates[0]
	bestDiff := math.Abs(fps - best)
	for _, r := range d.rates[1:] {
		if diff := math.Abs(fps - r); diff < bestDiff {
			best, bestDiff = r, diff
		}
	}
	return best
}

// Reset forgets the previous timestamp and any pending candidate.
func (d *RateDetector) Reset() {
	d.hasPrev = false
	d.prevTS = 0
	d.candidate = 0
	d.count = 0
}
