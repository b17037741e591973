// Package stretch implements time-scale modification of interleaved PCM and
// the latency-driven drift corrector built on it.
package stretch

import (
	"fmt"
	"math"
)

// WSOLAParams configures a WSOLA stretcher. Durations are in milliseconds.
type WSOLAParams struct {
	SampleRate   int
	Channels     int
	SequenceMs   int
	SeekWindowMs int
	OverlapMs    int
}

// WSOLA is a waveform-similarity overlap-add time stretcher working on
// interleaved int32 samples. Tempo above 1 shortens the signal, below 1
// lengthens it; pitch is preserved. It is not safe for concurrent use.
type WSOLA struct {
	sampleRate int
	channels   int
	seekMs     int
	overlapMs  int

	tempo      float64
	sequenceMs int

	seqLen  int // samples per processing window
	seekLen int
	ovlLen  int

	nominalSkip float64
	skipFract   float64
	sampleReq   int

	input     []float64
	output    []float64
	mid       []float64
	beginning bool
}

// NewWSOLA creates a stretcher at tempo 1.0.
func NewWSOLA(p WSOLAParams) (*WSOLA, error) {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return nil, fmt.Errorf("invalid format %d Hz x %d", p.SampleRate, p.Channels)
	}
	if p.SequenceMs <= 0 || p.SeekWindowMs <= 0 || p.OverlapMs <= 0 {
		return nil, fmt.Errorf("sequence, seek window and overlap must be positive")
	}
	w := &WSOLA{
		sampleRate: p.SampleRate,
		channels:   p.Channels,
		seekMs:     p.SeekWindowMs,
		overlapMs:  p.OverlapMs,
		beginning:  true,
	}
	w.ovlLen = w.msToSamples(p.OverlapMs)
	w.seekLen = w.msToSamples(p.SeekWindowMs)
	w.mid = make([]float64, w.ovlLen*w.channels)
	w.Set(1.0, p.SequenceMs)
	return w, nil
}

func (w *WSOLA) msToSamples(ms int) int {
	n := w.sampleRate * ms / 1000
	if n < 1 {
		n = 1
	}
	return n
}

// Set changes tempo and sequence length. It takes effect on the next window.
func (w *WSOLA) Set(tempo float64, sequenceMs int) {
	if tempo <= 0 {
		tempo = 1.0
	}
	if sequenceMs < 1 {
		sequenceMs = 1
	}
	w.tempo = tempo
	w.sequenceMs = sequenceMs

	w.seqLen = w.msToSamples(sequenceMs)
	// A window must hold the overlap at both ends.
	if w.seqLen < 2*w.ovlLen+1 {
		w.seqLen = 2*w.ovlLen + 1
	}
	w.nominalSkip = tempo * float64(w.seqLen-w.ovlLen)
	skip := int(w.nominalSkip + 0.5)
	req := skip + w.ovlLen
	if req < w.seqLen {
		req = w.seqLen
	}
	w.sampleReq = req + w.seekLen
}

// Tempo returns the current tempo.
func (w *WSOLA) Tempo() float64 { return w.tempo }

// SequenceMs returns the current sequence length.
func (w *WSOLA) SequenceMs() int { return w.sequenceMs }

// Put appends interleaved samples and processes every complete window.
func (w *WSOLA) Put(samples []int32) {
	for _, s := range samples {
		w.input = append(w.input, float64(s))
	}
	w.process()
}

// Available is the number of output samples (per channel) ready to Receive.
func (w *WSOLA) Available() int {
	return len(w.output) / w.channels
}

// Receive moves up to max samples per channel into a new slice.
func (w *WSOLA) Receive(max int) []int32 {
	n := w.Available()
	if max >= 0 && n > max {
		n = max
	}
	out := make([]int32, n*w.channels)
	for i := range out {
		out[i] = clip32(w.output[i])
	}
	w.output = append(w.output[:0], w.output[n*w.channels:]...)
	return out
}

// Buffered is the input held back waiting for a full window, per channel.
func (w *WSOLA) Buffered() int {
	return len(w.input) / w.channels
}

// Clear drops all buffered input and output.
func (w *WSOLA) Clear() {
	w.input = w.input[:0]
	w.output = w.output[:0]
	for i := range w.mid {
		w.mid[i] = 0
	}
	w.skipFract = 0
	w.beginning = true
}

func (w *WSOLA) frames() int { return len(w.input) / w.channels }

func (w *WSOLA) process() {
	ch := w.channels
	for w.frames() >= w.sampleReq {
		var offset int
		if w.beginning {
			// No history to align against: start on a clean window and skip
			// the first overlap so the output stays continuous.
			w.beginning = false
			skip := int(w.tempo*float64(w.ovlLen) + 0.5)
			w.skipFract -= float64(skip)
			offset = 0
			if skip > 0 && skip <= w.frames() {
				w.input = w.input[skip*ch:]
			}
			if w.frames() < w.seqLen+w.seekLen {
				return
			}
		} else {
			offset = w.bestOverlap()
			w.crossFade(offset)
			offset += w.ovlLen
		}

		body := w.seqLen - 2*w.ovlLen
		if w.frames() < offset+body+w.ovlLen {
			return
		}
		w.output = append(w.output, w.input[offset*ch:(offset+body)*ch]...)
		copy(w.mid, w.input[(offset+body)*ch:(offset+body+w.ovlLen)*ch])

		w.skipFract += w.nominalSkip
		consumed := int(w.skipFract)
		w.skipFract -= float64(consumed)
		if consumed*ch > len(w.input) {
			consumed = w.frames()
		}
		w.input = append(w.input[:0], w.input[consumed*ch:]...)
	}
}

// bestOverlap returns the offset within the seek window whose normalised
// cross-correlation with the pending overlap tail is highest.
func (w *WSOLA) bestOverlap() int {
	ch := w.channels
	n := w.ovlLen * ch
	best := 0
	bestCorr := math.Inf(-1)

	for off := 0; off < w.seekLen; off++ {
		seg := w.input[off*ch : off*ch+n]
		var corr, norm float64
		for i := 0; i < n; i++ {
			corr += w.mid[i] * seg[i]
			norm += seg[i] * seg[i]
		}
		if norm > 0 {
			corr /= math.Sqrt(norm)
		}
		if corr > bestCorr {
			bestCorr = corr
			best = off
		}
	}
	return best
}

func (w *WSOLA) crossFade(offset int) {
	ch := w.channels
	seg := w.input[offset*ch:]
	scale := 1.0 / float64(w.ovlLen)
	for i := 0; i < w.ovlLen; i++ {
		in := float64(i) * scale
		out := 1.0 - in
		for c := 0; c < ch; c++ {
			k := i*ch + c
			w.output = append(w.output, w.mid[k]*out+seg[k]*in)
		}
	}
}

func clip32(v float64) int32 {
	switch {
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(math.Round(v))
	}
}
