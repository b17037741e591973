package decode

import (
	"errors"
	"sync"

	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/ingestion/pipe"
	"github.com/zsiec/cadence/internal/ingestion/stretch"
	"github.com/zsiec/cadence/internal/metrics"
)

// AudioWorker decodes the audio pipe, passes the samples through the drift
// corrector and buffers them for cadence-sized pops.
type AudioWorker struct {
	*worker

	codec    media.Codec
	params   media.AudioParams
	channels int

	dec media.AudioDecoder

	// corrMu guards the corrector. Lock order is mu before corrMu.
	corrMu    sync.Mutex
	corrector *stretch.Corrector

	// mu guards buf and the session cadence.
	mu  sync.Mutex
	buf []int32
}

// NewAudioWorker creates an audio worker in WaitProcess. A nil corrector
// passes samples through untouched.
func NewAudioWorker(opts Options, corrector *stretch.Corrector) *AudioWorker {
	cfg := opts.Session.Config
	a := &AudioWorker{
		codec: opts.Codec,
		params: media.AudioParams{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Format:     cfg.SampleFormat,
		},
		channels:  cfg.Channels,
		corrector: corrector,
	}
	a.worker = newWorker(media.KindAudio, opts, a)
	return a
}

func (a *AudioWorker) open(r *pipe.Channel) error {
	dec, err := a.codec.OpenAudio(r, a.params)
	if err != nil {
		return err
	}
	a.dec = dec
	return nil
}

func (a *AudioWorker) readUnit() error {
	samples, err := a.dec.ReadSamples()
	if errors.Is(err, media.ErrNoFrame) {
		return nil
	}
	if err != nil {
		return err
	}

	if a.corrector != nil {
		a.corrMu.Lock()
		t := a.corrector.Feed(samples)
		samples = a.corrector.Retrieve(t)
		latency, tempo := a.corrector.Latency(), a.corrector.Tempo()
		a.corrMu.Unlock()
		metrics.SetDriftState(a.sess.ID, latency, tempo)
	}
	if len(samples) == 0 {
		return nil
	}

	a.mu.Lock()
	a.buf = append(a.buf, samples...)
	a.mu.Unlock()
	return nil
}

func (a *AudioWorker) full() bool {
	return a.OutputSize() >= float64(a.sess.FramesMax+extraUnits)
}

func (a *AudioWorker) clear() {
	a.mu.Lock()
	a.buf = nil
	a.mu.Unlock()

	if a.corrector != nil {
		a.corrMu.Lock()
		a.corrector.Reset()
		a.corrMu.Unlock()
	}
}

func (a *AudioWorker) closeDecoder() {
	if a.dec != nil {
		if err := a.dec.Close(); err != nil {
			a.log.WithError(err).Debug("Closing audio decoder")
		}
		a.dec = nil
	}
}

// TryPop removes the samples of one output frame. The cadence advances on
// every attempt, successful or not. A disabled stream yields silence.
func (a *AudioWorker) TryPop() ([]int32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.popLocked()
}

func (a *AudioWorker) popLocked() ([]int32, bool) {
	cad := a.sess.Cadence
	n := cad.Front() * a.channels
	defer cad.Rotate()

	if a.disabled {
		return make([]int32, n), true
	}
	if len(a.buf) < n {
		return nil, false
	}
	out := make([]int32, n)
	copy(out, a.buf[:n])
	a.buf = a.buf[n:]
	return out, true
}

// DropFrame skips one output frame of audio. With a corrector the skip is
// absorbed by a future tempo change; without one the samples are discarded.
func (a *AudioWorker) DropFrame() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.corrector != nil {
		cad := a.sess.Cadence
		a.corrMu.Lock()
		a.corrector.Drop(cad.Front())
		a.corrMu.Unlock()
		cad.Rotate()
		return
	}
	a.popLocked()
}

// Discard pops up to n frames of audio and returns how many succeeded.
func (a *AudioWorker) Discard(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	got := 0
	for i := 0; i < n; i++ {
		if _, ok := a.popLocked(); ok {
			got++
		}
	}
	return got
}

// Samples is the number of buffered interleaved samples.
func (a *AudioWorker) Samples() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// OutputSize is the buffer length in output frames at the current cadence.
func (a *AudioWorker) OutputSize() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(len(a.buf)) / float64(a.sess.Cadence.Front()*a.channels)
}

// DriftState reports the corrector latency and tempo; ok is false when the
// corrector is disabled.
func (a *AudioWorker) DriftState() (latency int, tempo float64, mode stretch.Mode, ok bool) {
	if a.corrector == nil {
		return 0, 1, stretch.ModeStandard, false
	}
	a.corrMu.Lock()
	defer a.corrMu.Unlock()
	return a.corrector.Latency(), a.corrector.Tempo(), a.corrector.Mode(), true
}
