// Package producer turns the continuously decoded input of one session into
// frames pulled at a fixed output rate. It owns the supervisor, both decode
// workers and the delay muxer, and decides when to drop, duplicate or
// resynchronize.
package producer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/config"
	"github.com/zsiec/cadence/internal/ingestion/decode"
	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/ingestion/mux"
	"github.com/zsiec/cadence/internal/ingestion/process"
	"github.com/zsiec/cadence/internal/ingestion/reconnect"
	"github.com/zsiec/cadence/internal/ingestion/session"
	"github.com/zsiec/cadence/internal/ingestion/stretch"
	"github.com/zsiec/cadence/internal/logger"
	"github.com/zsiec/cadence/internal/metrics"
)

// Type is reported by Info.
const Type = "cadence-pipe-producer"

const (
	sourceExternal  = "external"
	sourceKeepalive = "keepalive"
)

// Options configure a Producer.
type Options struct {
	ID             string
	Resource       string
	Config         config.ProducerConfig
	Process        config.ProcessConfig
	Codec          media.Codec
	AllowedSchemes []string
	// Launcher and Strategy default to os/exec and the process config
	// back-off.
	Launcher process.Launcher
	Strategy reconnect.Strategy
	Logger   logger.Logger
	// DisableKeepalive is for hosts that guarantee a continuous pull.
	DisableKeepalive bool
}

// Info is the read-only status of a producer.
type Info struct {
	Type          string  `json:"type"`
	ID            string  `json:"id"`
	Resource      string  `json:"resource"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	InputFPS      float64 `json:"input_fps"`
	OutputFPS     float64 `json:"output_fps"`
	Working       bool    `json:"working"`
	State         string  `json:"state"`
	ReceiveFPS    int     `json:"receive_fps"`
	VideoBuffer   float64 `json:"video_buffer_frames"`
	AudioBuffer   float64 `json:"audio_buffer_frames"`
	LateFrames    int     `json:"late_frames"`
	DropMode      bool    `json:"drop_mode"`
	Keepalive     bool    `json:"keepalive"`
	MissedPackets int64   `json:"missed_packets"`
	CacheFullness int     `json:"cache_fullness"`
	Restarts      int64   `json:"restarts"`
	DriftLatency  int     `json:"drift_latency_samples"`
	DriftTempo    float64 `json:"drift_tempo"`
	DriftMode     string  `json:"drift_mode,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Producer serves one session. Receive may be called from any goroutine;
// calls are serialized.
type Producer struct {
	cfg  config.ProducerConfig
	sess *session.State
	sup  *process.Supervisor

	video *decode.VideoWorker
	audio *decode.AudioWorker
	mux   *mux.Muxer
	ka    *keepalive

	log  logger.Logger
	warn *logger.RateLimited

	// mu is the receive mutex. Everything below it is owned by the
	// goroutine holding it.
	mu           sync.Mutex
	tempTime     float64 // ms
	tempStep     float64 // ms
	lastVideo    *media.Picture
	bufferReady  bool
	overflowTime float64 // s
	overflowMax  float64 // s
	dropCtr      float64 // ms
	dropInterval float64 // ms
	errLogged    bool
	recvCount    int
	recvWindow   time.Time
	debugCount   int

	dropMode   atomic.Bool
	receiveFPS atomic.Int32
	lastFrame  atomic.Pointer[mux.Frame]

	closeOnce sync.Once
}

// New builds a producer and starts its goroutines.
func New(opts Options) (*Producer, error) {
	if err := CheckResource(opts.Resource, opts.AllowedSchemes); err != nil {
		return nil, err
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("producer: codec is required")
	}
	cfg := opts.Config
	if cfg.OutputFPS <= 0 {
		return nil, fmt.Errorf("producer: output fps must be positive")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("session_id", opts.ID)

	sess, err := session.New(opts.ID, opts.Resource, cfg)
	if err != nil {
		return nil, err
	}

	var corrector *stretch.Corrector
	if !cfg.Drift.Disabled && !cfg.NoAudio {
		corrector, err = stretch.NewCorrector(stretch.Params{
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
			DriftConfig: cfg.Drift,
		}, log.WithField("component", "drift"))
		if err != nil {
			return nil, fmt.Errorf("drift corrector: %w", err)
		}
	}

	sup, err := process.New(process.Options{
		Config:   opts.Process,
		Session:  sess,
		Launcher: opts.Launcher,
		Strategy: opts.Strategy,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	workerLog := log.WithField("component", "decode")
	video := decode.NewVideoWorker(decode.Options{
		Codec:    opts.Codec,
		Source:   sup,
		Session:  sess,
		Logger:   workerLog,
		Disabled: cfg.NoVideo,
	})
	audio := decode.NewAudioWorker(decode.Options{
		Codec:    opts.Codec,
		Source:   sup,
		Session:  sess,
		Logger:   workerLog,
		Disabled: cfg.NoAudio,
	}, corrector)
	sess.Attach(video, audio)

	p := &Producer{
		cfg:          cfg,
		sess:         sess,
		sup:          sup,
		video:        video,
		audio:        audio,
		mux:          mux.New(cfg.Width, cfg.Height, cfg.Delay),
		log:          log,
		warn:         logger.NewRateLimited(log, 5*time.Second, 1),
		tempStep:     1000 / cfg.OutputFPS,
		overflowMax:  cfg.OverflowTolerance.Seconds(),
		dropInterval: float64(cfg.DropInterval.Milliseconds()),
		recvWindow:   time.Now(),
	}
	empty := mux.EmptyFrame
	p.lastFrame.Store(&empty)

	interval := time.Duration(float64(time.Second) / cfg.OutputFPS)
	p.ka = newKeepalive(interval, func() { p.receive(sourceKeepalive) }, log.WithField("component", "keepalive"))

	sess.OnFail(func(err error) {
		log.WithError(err).Error("Session failed, stopping decoder and readers")
		sup.Stop()
		sess.StopAll()
	})

	log.WithFields(map[string]interface{}{
		"resource":      opts.Resource,
		"codec":         opts.Codec.Name(),
		"size":          fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"output_fps":    cfg.OutputFPS,
		"forced_fps":    cfg.ForceInputFPS,
		"frames_max":    sess.FramesMax,
		"frames_enough": sess.FramesEnough,
		"sync_frames":   cfg.SyncFrames,
		"delay":         cfg.Delay,
		"variable_fps":  cfg.VariableFPS,
		"video_dup":     cfg.VideoDup,
		"drift":         corrector != nil,
	}).Info("Producer created")

	sup.Start()
	video.Start()
	audio.Start()
	if !opts.DisableKeepalive {
		p.ka.start()
	}
	return p, nil
}

// Receive returns the next output frame. It never blocks on input and never
// fails; a frame that cannot be produced comes back Empty or as a repeat of
// the last picture.
func (p *Producer) Receive(hints int) mux.Frame {
	return p.receive(sourceExternal)
}

func (p *Producer) receive(source string) (frame mux.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Ticks racing a returning consumer are not frame requests.
	if source == sourceKeepalive && !p.ka.active() {
		return mux.EmptyFrame
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("Receive panicked")
			frame = mux.EmptyFrame
		}
		if frame.Empty {
			metrics.IncrementEmptyFrames(p.sess.ID)
		}
	}()

	metrics.IncrementReceiveCalls(p.sess.ID, source)
	if source != sourceKeepalive {
		p.ka.touch()
	}
	p.monitor()

	if err := p.sess.Err(); err != nil {
		if !p.errLogged {
			p.errLogged = true
			p.log.WithError(err).Error("Producer is failed, replaying the last picture")
		}
		return p.remember(p.mux.Last())
	}

	if !p.sup.Working() {
		p.sup.RequestRestart()
	}
	p.video.Start()
	p.audio.Start()

	enough := float64(p.sess.FramesEnough)
	if p.video.OutputSize() >= enough || p.audio.OutputSize() >= enough {
		if !p.bufferReady {
			p.log.Info("Input buffered, starting playback")
		}
		p.bufferReady = true
	}

	if action := p.sess.CheckForDesync(p.cfg.SyncFrames); action > session.DesyncPending {
		metrics.IncrementDesyncCorrection(p.sess.ID, action.String())
		p.log.WithField("action", action.String()).Warn("Streams out of sync, correcting")
	}

	if !p.bufferReady {
		return p.remember(p.mux.Last())
	}

	if p.overflow() {
		p.overflowTime += 1 / p.sess.OutFPS
	} else {
		p.overflowTime = 0
	}
	if p.overflowTime >= p.overflowMax {
		if p.overflow() && !p.dropMode.Load() {
			p.dropMode.Store(true)
			metrics.IncrementOverflowEvents(p.sess.ID)
			p.log.Warn("Input buffer overflow, dropping frames")
		}
		p.overflowTime = 0
	}

	if p.dropMode.Load() {
		if p.aboveEnough() {
			if p.dropCtr >= p.dropInterval {
				p.pollFrame(true)
			}
		} else {
			p.dropMode.Store(false)
			p.log.Info("Input buffer back to normal")
		}
	}

	return p.remember(p.pollFrame(false))
}

// pollFrame advances both streams by one output frame. In drop mode the
// frame is consumed without being shown.
func (p *Producer) pollFrame(drop bool) mux.Frame {
	if !p.sess.InputInitialized() {
		return p.mux.Last()
	}
	inFPS := p.sess.InFPS()
	if inFPS == 0 {
		p.warn.Warnf("fps", "Input frame rate unknown")
		return p.mux.Last()
	}

	p.tempTime += p.tempStep
	if !drop {
		p.dropCtr += p.tempStep
	}

	videoOK := true
	for p.tempTime >= p.tempStep {
		pop := true
		if p.cfg.VideoDup && p.lastVideo != nil && p.sess.ConsumeLateFrame() {
			pop = false
			p.sess.CancelWaitUnsync()
		}
		if pop {
			var pic *media.Picture
			if pic, videoOK = p.video.TryPop(); videoOK {
				p.lastVideo = pic
			}
		}
		p.tempTime -= 1000 / inFPS
	}

	if drop {
		p.audio.DropFrame()
		p.dropCtr = 0
		metrics.IncrementFramesDropped(p.sess.ID)
		return p.mux.Last()
	}
	samples, audioOK := p.audio.TryPop()

	syncFrames := float64(p.cfg.SyncFrames)
	switch {
	case videoOK:
		p.mux.PushVideo(p.lastVideo)
	case p.audio.OutputSize() >= syncFrames:
		// Audio keeps playing over the last picture.
		p.mux.PushVideo(p.lastVideo)
	}
	if !videoOK {
		p.warn.Warnf("video", "Video is not ready")
	}

	switch {
	case audioOK:
		p.mux.PushAudio(samples)
	case p.video.OutputSize() >= syncFrames:
		p.mux.PushAudio(nil)
	}
	if !audioOK {
		p.warn.Warnf("audio", "Audio is not ready")
	}

	return p.mux.Poll()
}

func (p *Producer) overflow() bool {
	limit := float64(p.sess.FramesMax)
	return p.video.OutputSize() > limit || p.audio.OutputSize() > limit
}

// aboveEnough reports whether every enabled stream holds more than
// frames_enough.
func (p *Producer) aboveEnough() bool {
	enough := float64(p.sess.FramesEnough)
	if !p.cfg.NoVideo && p.video.OutputSize() <= enough {
		return false
	}
	if !p.cfg.NoAudio && p.audio.OutputSize() <= enough {
		return false
	}
	return !p.cfg.NoVideo || !p.cfg.NoAudio
}

func (p *Producer) remember(f mux.Frame) mux.Frame {
	p.lastFrame.Store(&f)
	return f
}

// monitor maintains the receive rate and publishes buffer gauges.
func (p *Producer) monitor() {
	p.recvCount++
	if now := time.Now(); now.Sub(p.recvWindow) >= time.Second {
		p.receiveFPS.Store(int32(p.recvCount))
		p.recvCount = 0
		p.recvWindow = now
	}

	p.debugCount++
	if p.debugCount < 5 {
		return
	}
	p.debugCount = 0

	vs, as := p.video.OutputSize(), p.audio.OutputSize()
	metrics.SetBufferDepth(p.sess.ID, "video", vs)
	metrics.SetBufferDepth(p.sess.ID, "audio", as)
	metrics.SetLateFrames(p.sess.ID, p.sess.LateFrames())
	if p.cfg.DebugLevel > 0 {
		p.log.Debugf("Buffers V:%.1f A:%.1f overflow=%.2fs", vs, as, p.overflowTime)
	}
}

// LastFrame returns the frame most recently returned by Receive.
func (p *Producer) LastFrame() mux.Frame {
	return *p.lastFrame.Load()
}

// Print names the producer for logs and listings.
func (p *Producer) Print() string {
	return fmt.Sprintf("cadence producer[%s] %s", p.sess.ID, p.sess.Resource)
}

// Info reports the producer status.
func (p *Producer) Info() Info {
	st := p.sup.Stats()
	info := Info{
		Type:          Type,
		ID:            p.sess.ID,
		Resource:      p.sess.Resource,
		Width:         p.cfg.Width,
		Height:        p.cfg.Height,
		InputFPS:      p.sess.InFPS(),
		OutputFPS:     p.sess.OutFPS,
		Working:       st.Working,
		State:         st.State,
		ReceiveFPS:    int(p.receiveFPS.Load()),
		VideoBuffer:   p.video.OutputSize(),
		AudioBuffer:   p.audio.OutputSize(),
		LateFrames:    p.sess.LateFrames(),
		DropMode:      p.dropMode.Load(),
		Keepalive:     p.ka.active(),
		MissedPackets: st.MissedPackets,
		CacheFullness: st.CacheFullness,
		Restarts:      st.Restarts,
		DriftTempo:    1,
	}
	if latency, tempo, mode, ok := p.audio.DriftState(); ok {
		info.DriftLatency = latency
		info.DriftTempo = tempo
		info.DriftMode = mode.String()
	}
	if err := p.sess.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// ID returns the session identifier.
func (p *Producer) ID() string {
	return p.sess.ID
}

// Err returns the fatal error that stopped the producer, if any.
func (p *Producer) Err() error {
	return p.sess.Err()
}

// Close stops every goroutine of the session. It is safe to call more than
// once.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.ka.stop()
		p.sess.StopAll()
		p.sup.Stop()
		metrics.RemoveSession(p.sess.ID)
		p.log.Info("Producer closed")
	})
}
