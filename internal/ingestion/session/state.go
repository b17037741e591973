// Package session holds the state shared by the two decode workers, the
// process supervisor and the producer of one ingestion session.
package session

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/zsiec/cadence/internal/config"
)

// Stream is the view of a decode worker the session needs.
type Stream interface {
	Initialized() bool
	EmptyFrames() bool
	OutputSize() float64
	// Discard pops up to n units and returns how many were removed.
	Discard(n int) int
	Drop()
	Stop()
}

// DesyncAction reports what CheckForDesync did.
type DesyncAction int

const (
	DesyncNone DesyncAction = iota
	DesyncPending
	DesyncDiscardVideo
	DesyncDiscardAudio
	DesyncScheduleLate
)

func (a DesyncAction) String() string {
	switch a {
	case DesyncPending:
		return "pending"
	case DesyncDiscardVideo:
		return "discard_video"
	case DesyncDiscardAudio:
		return "discard_audio"
	case DesyncScheduleLate:
		return "schedule_late"
	default:
		return "none"
	}
}

// State is the session descriptor. Fields are grouped by writer:
//
//   - immutable after New: ID, Resource, Config, OutFPS, FramesMax,
//     FramesEnough, Cadence pointer, the attached streams;
//   - Cadence contents: the audio worker, under its queue mutex;
//   - inFPS: the video worker at init and the supervisor rate detector;
//   - lateFrames: the producer (add/consume) under its receive mutex;
//   - videoAhead, audioAhead: the producer, under its receive mutex;
//   - fatal: whichever goroutine first calls Fail.
type State struct {
	ID       string
	Resource string
	Config   config.ProducerConfig

	OutFPS       float64
	FramesMax    int
	FramesEnough int
	Cadence      *Cadence

	video Stream
	audio Stream

	inFPS      atomic.Uint64
	lateFrames atomic.Int32

	videoAhead int
	audioAhead int

	changed *Signal

	failOnce sync.Once
	failMu   sync.Mutex
	fatal    error
	onFail   func(error)
}

// New derives the session descriptor from a producer config.
func New(id, resource string, cfg config.ProducerConfig) (*State, error) {
	cad, err := AudioCadence(cfg.SampleRate, cfg.OutputFPS)
	if err != nil {
		return nil, err
	}
	s := &State{
		ID:           id,
		Resource:     resource,
		Config:       cfg,
		OutFPS:       cfg.OutputFPS,
		FramesMax:    int(cfg.BufferMax.Seconds() * cfg.OutputFPS),
		FramesEnough: int(cfg.BufferEnough.Seconds() * cfg.OutputFPS),
		Cadence:      cad,
		changed:      NewSignal(),
	}
	s.SetInFPS(cfg.ForceInputFPS)
	return s, nil
}

// Attach wires the two workers. It must be called once before any worker runs.
func (s *State) Attach(video, audio Stream) {
	s.video = video
	s.audio = audio
}

// Video returns the attached video stream.
func (s *State) Video() Stream { return s.video }

// Audio returns the attached audio stream.
func (s *State) Audio() Stream { return s.audio }

// InFPS is the measured (or forced) input frame rate, 0 when unknown.
func (s *State) InFPS() float64 {
	return math.Float64frombits(s.inFPS.Load())
}

// SetInFPS records a new input frame rate.
func (s *State) SetInFPS(fps float64) {
	s.inFPS.Store(math.Float64bits(fps))
}

// LateFrames is the number of pending video duplications.
func (s *State) LateFrames() int {
	return int(s.lateFrames.Load())
}

// AddLateFrames schedules n video duplications and restarts desync patience.
func (s *State) AddLateFrames(n int) {
	s.lateFrames.Add(int32(n))
	s.CancelWaitUnsync()
}

// ConsumeLateFrame uses one duplication credit if any is pending.
func (s *State) ConsumeLateFrame() bool {
	for {
		cur := s.lateFrames.Load()
		if cur <= 0 {
			return false
		}
		if s.lateFrames.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// CancelWaitUnsync resets both desync patience counters.
func (s *State) CancelWaitUnsync() {
	s.videoAhead = 0
	s.audioAhead = 0
}

// InputInitialized reports whether every enabled stream has an open decoder.
func (s *State) InputInitialized() bool {
	switch {
	case s.audio.EmptyFrames():
		return s.video.Initialized()
	case s.video.EmptyFrames():
		return s.audio.Initialized()
	default:
		return s.video.Initialized() && s.audio.Initialized()
	}
}

// NotifyInputChange wakes goroutines waiting on input initialization changes.
// Workers call it whenever their initialized flag flips.
func (s *State) NotifyInputChange() {
	s.changed.Notify()
}

// Changed returns a channel closed by the next NotifyInputChange.
func (s *State) Changed() <-chan struct{} {
	return s.changed.C()
}

// WaitInputsDown blocks until InputInitialized is false or ctx ends.
func (s *State) WaitInputsDown(ctx context.Context) error {
	for {
		ch := s.changed.C()
		if !s.InputInitialized() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DropInputs resets both workers to wait for a new process.
func (s *State) DropInputs() {
	s.video.Drop()
	s.audio.Drop()
}

// StopAll stops both workers for good.
func (s *State) StopAll() {
	s.video.Stop()
	s.audio.Stop()
}

// CheckForDesync compares the two queues in output-frame units and corrects
// a lead of syncFrames or more once it has persisted for the configured
// patience. It runs on the producer goroutine only.
func (s *State) CheckForDesync(syncFrames int) DesyncAction {
	if s.video.EmptyFrames() || s.audio.EmptyFrames() {
		return DesyncNone
	}

	vs := s.video.OutputSize()
	as := s.audio.OutputSize()
	if vs <= 1 || as <= 1 {
		return DesyncNone
	}

	patience := s.Config.UnsyncPatience
	sync := float64(syncFrames)

	switch {
	case vs-as >= sync:
		s.audioAhead = 0
		s.videoAhead++
		if s.videoAhead < patience {
			return DesyncPending
		}
		s.videoAhead = 0
		s.video.Discard(syncFrames - 2)
		return DesyncDiscardVideo

	case as-vs >= sync:
		s.videoAhead = 0
		s.audioAhead++
		if s.audioAhead < patience {
			return DesyncPending
		}
		s.audioAhead = 0
		if s.Config.DontClick {
			s.AddLateFrames(syncFrames)
			return DesyncScheduleLate
		}
		s.audio.Discard(syncFrames - 2)
		return DesyncDiscardAudio

	default:
		s.CancelWaitUnsync()
		return DesyncNone
	}
}

// OnFail registers the teardown run by the first Fail.
func (s *State) OnFail(fn func(error)) {
	s.onFail = fn
}

// Fail records a session-fatal error. Only the first call has effect; its
// teardown runs on a new goroutine so that a worker may fail itself without
// waiting on its own shutdown.
func (s *State) Fail(err error) {
	s.failOnce.Do(func() {
		s.failMu.Lock()
		s.fatal = err
		s.failMu.Unlock()
		if s.onFail != nil {
			go s.onFail(err)
		}
	})
}

// Err returns the session-fatal error, if any.
func (s *State) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.fatal
}
