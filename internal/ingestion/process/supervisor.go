// Package process supervises the external decoder: it launches it with a
// pair of named pipes, waits for both ends to connect, watches its
// diagnostics output and relaunches it whenever a reader reports a problem.
package process

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/config"
	"github.com/zsiec/cadence/internal/errors"
	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/ingestion/pipe"
	"github.com/zsiec/cadence/internal/ingestion/reconnect"
	"github.com/zsiec/cadence/internal/ingestion/session"
	"github.com/zsiec/cadence/internal/logger"
	"github.com/zsiec/cadence/internal/metrics"
)

const (
	terminateGrace = 2 * time.Second
	maxLineBytes   = 64 * 1024
)

// Options configure a Supervisor.
type Options struct {
	Config   config.ProcessConfig
	Session  *session.State
	Launcher Launcher
	// Strategy paces relaunch attempts. Defaults to exponential back-off
	// between RestartDelay and MaxRestartDelay, retrying forever.
	Strategy reconnect.Strategy
	Logger   logger.Logger
}

// Stats is a snapshot of the supervisor counters.
type Stats struct {
	State         string  `json:"state"`
	Working       bool    `json:"working"`
	Restarts      int64   `json:"restarts"`
	Timeouts      int64   `json:"handshake_timeouts"`
	MissedPackets int64   `json:"missed_packets"`
	CacheFullness int     `json:"cache_fullness"`
	LastTimestamp float64 `json:"last_timestamp"`
	Pid           int     `json:"pid,omitempty"`
}

// Supervisor owns the decoder process and its pipes for one session.
type Supervisor struct {
	cfg      config.ProcessConfig
	sess     *session.State
	launcher Launcher
	strategy reconnect.Strategy
	log      logger.Logger
	outLog   io.WriteCloser

	state   atomic.Int32
	working atomic.Bool
	busy    atomic.Bool

	// mu guards the fields of the current incarnation.
	mu          sync.Mutex
	proc        Process
	named       [2]*pipe.NamedPipe
	chans       [2]*pipe.Channel
	ready       chan struct{}
	readyClosed bool

	restartCh chan struct{}

	rateMu sync.Mutex
	rate   *RateDetector

	restarts atomic.Int64
	timeouts atomic.Int64
	missed   atomic.Int64
	cache    atomic.Int32
	lastTS   atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a stopped supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Session == nil {
		return nil, stderrors.New("process: session is required")
	}
	if opts.Config.Binary == "" {
		return nil, stderrors.New("process: binary is required")
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Strategy == nil {
		opts.Strategy = reconnect.NewExponentialBackoff(opts.Config.RestartDelay, opts.Config.MaxRestartDelay, 2.0, 0)
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}

	pc := opts.Session.Config
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:       opts.Config,
		sess:      opts.Session,
		launcher:  opts.Launcher,
		strategy:  opts.Strategy,
		log:       log.WithField("component", "process"),
		ready:     make(chan struct{}),
		restartCh: make(chan struct{}, 1),
		rate:      NewRateDetector(pc.VariableFPSList, pc.VariableFPSJT),
		ctx:       ctx,
		cancel:    cancel,
	}

	if dir := opts.Config.OutputLogDir; dir != "" {
		w, err := logger.NewRotatingFile(filepath.Join(dir, opts.Session.ID+".log"), 50, 3, 7)
		if err != nil {
			cancel()
			return nil, err
		}
		s.outLog = w
	}
	return s, nil
}

// Start runs the restart loop. The first launch happens on the first
// RequestRestart.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		metrics.IncrementGoroutineCreated("supervisor")
		go s.run()
	})
}

// Stop terminates the process for good and joins every goroutine.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.teardown()
		s.wg.Wait()
		s.setState(StateStopped)
		if s.outLog != nil {
			_ = s.outLog.Close()
		}
		s.log.Info("Supervisor stopped")
	})
}

// RequestRestart asks for a relaunch. Requests made while one is already
// pending or in progress are coalesced.
func (s *Supervisor) RequestRestart() {
	if s.ctx.Err() != nil || s.busy.Load() {
		return
	}
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// Problem is called by a reader whose pipe failed.
func (s *Supervisor) Problem() {
	s.rateMu.Lock()
	s.rate.Reset()
	s.rateMu.Unlock()

	if s.markDown() {
		s.setState(StateFailed)
		s.log.Warn("Reader reported a problem, restarting decoder")
	}
	s.RequestRestart()
}

// Working reports whether the pipes of the current process are connected.
func (s *Supervisor) Working() bool {
	return s.working.Load()
}

// Ready returns a channel that is closed while the process is working.
func (s *Supervisor) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Pipe returns the read channel for kind, nil when not connected.
func (s *Supervisor) Pipe(kind media.Kind) *pipe.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chans[kind]
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the counters.
func (s *Supervisor) Stats() Stats {
	st := Stats{
		State:         s.State().String(),
		Working:       s.Working(),
		Restarts:      s.restarts.Load(),
		Timeouts:      s.timeouts.Load(),
		MissedPackets: s.missed.Load(),
		CacheFullness: int(s.cache.Load()),
		LastTimestamp: math.Float64frombits(s.lastTS.Load()),
	}
	s.mu.Lock()
	if s.proc != nil {
		st.Pid = s.proc.Pid()
	}
	s.mu.Unlock()
	return st
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Supervisor) run() {
	defer s.wg.Done()
	defer metrics.IncrementGoroutineDestroyed("supervisor")

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.restartCh:
		}

		s.busy.Store(true)
		s.log.Debug("Waiting for readers to release their pipes")
		if err := s.sess.WaitInputsDown(s.ctx); err != nil {
			return
		}

		attempts, err := reconnect.Retry(s.ctx, s.strategy, s.log, s.cycle)
		switch {
		case s.ctx.Err() != nil:
			return
		case err != nil:
			s.setState(StateFailed)
			s.log.WithError(err).Error("Decoder could not be started")
		default:
			s.log.WithField("attempts", attempts).Info("Decoder working")
		}

		// Requests raised while the cycle ran refer to the old incarnation.
		select {
		case <-s.restartCh:
		default:
		}
		s.busy.Store(false)

		// The new incarnation already failed before requests were accepted
		// again.
		if err == nil && !s.Working() {
			s.RequestRestart()
		}
	}
}

// cycle replaces the current incarnation with a new one.
func (s *Supervisor) cycle(ctx context.Context) error {
	s.restarts.Add(1)
	metrics.IncrementProcessRestarts(s.sess.ID)

	s.teardown()
	s.sess.DropInputs()

	err := s.launch(ctx)
	if err != nil {
		s.teardown()
		s.setState(StateFailed)
	}
	return err
}

func (s *Supervisor) launch(ctx context.Context) error {
	s.setState(StateStarting)
	pc := s.sess.Config

	enabled := [2]bool{!pc.NoVideo, !pc.NoAudio}
	paths := [2]string{os.DevNull, os.DevNull}
	base := pipe.NewName(s.cfg.PipePrefix)

	var named [2]*pipe.NamedPipe
	for kind := range named {
		if !enabled[kind] {
			continue
		}
		np, err := pipe.CreateNamed(s.cfg.PipeDir, base+"-"+media.Kind(kind).String())
		if err != nil {
			return errors.NewTransientIOError(err, "create pipe")
		}
		named[kind] = np
		paths[kind] = np.Path
	}
	s.mu.Lock()
	s.named = named
	s.mu.Unlock()

	data := newTemplateData(s.cfg, pc, s.sess.Resource, paths[media.KindVideo], paths[media.KindAudio])
	args, err := BuildArgs(s.cfg.Args, data, OptionalArgs(pc.ForceInputFPS, pc.ExtraParams))
	if err != nil {
		return errors.NewFatalInitError(err, "render decoder command")
	}
	cmd := Command{Binary: s.cfg.Binary, Args: args}

	proc, err := s.launcher.Launch(ctx, cmd)
	if err != nil {
		return errors.NewTransientIOError(err, "launch decoder")
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	s.log.WithFields(map[string]interface{}{
		"pid":     proc.Pid(),
		"command": cmd.String(),
	}).Info("Decoder launched")

	s.wg.Add(2)
	go s.readDiagnostics(proc)
	go s.watch(proc)

	s.setState(StateConnecting)
	files, err := s.handshake(ctx, proc, named)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
		return errors.NewTransientIOError(stderrors.New("process replaced during handshake"), "handshake")
	}
	for kind, f := range files {
		if f == nil {
			continue
		}
		s.chans[kind] = pipe.NewChannel(f, pipe.Options{
			Timeout:       s.cfg.ReadTimeout,
			WatchdogCalls: s.cfg.WatchdogCalls,
		})
	}
	s.working.Store(true)
	s.setState(StateWorking)
	if !s.readyClosed {
		close(s.ready)
		s.readyClosed = true
	}
	metrics.SetProcessWorking(s.sess.ID, true)
	return nil
}

// handshake waits for the decoder to open every enabled pipe, video first,
// within one shared timeout.
func (s *Supervisor) handshake(ctx context.Context, proc Process, named [2]*pipe.NamedPipe) ([2]*os.File, error) {
	var files [2]*os.File
	hctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-hctx.Done():
		}
	}()

	for kind, np := range named {
		if np == nil {
			continue
		}
		f, err := np.Accept(hctx)
		if err != nil {
			for _, opened := range files {
				if opened != nil {
					_ = opened.Close()
				}
			}
			select {
			case <-proc.Done():
				return files, errors.NewTransientIOError(err, "decoder exited during handshake")
			default:
			}
			if stderrors.Is(err, pipe.ErrConnectTimeout) && ctx.Err() == nil {
				s.timeouts.Add(1)
				metrics.IncrementHandshakeTimeouts(s.sess.ID)
				s.log.WithField("stream", media.Kind(kind).String()).Warn("Decoder did not connect in time")
				return files, errors.NewHandshakeTimeoutError(err, fmt.Sprintf("%s pipe", media.Kind(kind)))
			}
			return files, err
		}
		files[kind] = f
	}
	return files, nil
}

// markDown flips working off and arms a fresh ready channel. It reports
// whether the process was working.
func (s *Supervisor) markDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.working.Swap(false)
	if s.readyClosed {
		s.ready = make(chan struct{})
		s.readyClosed = false
	}
	if was {
		metrics.SetProcessWorking(s.sess.ID, false)
	}
	return was
}

// teardown stops the pipes, terminates the process and unlinks the FIFOs.
func (s *Supervisor) teardown() {
	s.markDown()

	s.mu.Lock()
	chans, named, proc := s.chans, s.named, s.proc
	s.chans = [2]*pipe.Channel{}
	s.named = [2]*pipe.NamedPipe{}
	s.proc = nil
	s.mu.Unlock()

	for _, c := range chans {
		if c != nil {
			_ = c.Close()
		}
	}
	if proc != nil {
		if err := proc.Terminate(terminateGrace); err != nil {
			s.log.WithError(err).Warn("Decoder did not terminate cleanly")
		}
	}
	for _, np := range named {
		if np != nil {
			if err := np.Remove(); err != nil {
				s.log.WithError(err).Debug("Failed to remove pipe")
			}
		}
	}
}

// watch reports an unexpected exit of a working process.
func (s *Supervisor) watch(proc Process) {
	defer s.wg.Done()
	select {
	case <-proc.Done():
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	current := s.proc == proc
	s.mu.Unlock()
	if current && s.Working() {
		s.log.Warn("Decoder exited")
		s.Problem()
	}
}

func (s *Supervisor) readDiagnostics(proc Process) {
	defer s.wg.Done()

	r := proc.Output()
	if s.outLog != nil {
		r = io.TeeReader(r, s.outLog)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxLineBytes)
	sc.Split(ScanLines)
	for sc.Scan() {
		s.handleLine(sc.Text())
	}
	if err := sc.Err(); err != nil && !stderrors.Is(err, io.ErrClosedPipe) {
		s.log.WithError(err).Debug("Diagnostics stream ended")
	}
}

func (s *Supervisor) handleLine(raw string) {
	line, ok := ParseLine(raw)
	if !ok {
		return
	}
	pc := s.sess.Config

	switch line.Kind {
	case LineTimestamp:
		s.lastTS.Store(math.Float64bits(line.Timestamp))
		if !pc.VariableFPS || pc.ForceInputFPS > 0 {
			return
		}
		s.rateMu.Lock()
		fps, changed := s.rate.Observe(line.Timestamp, s.sess.InFPS())
		s.rateMu.Unlock()
		if changed {
			s.log.WithFields(map[string]interface{}{
				"from": s.sess.InFPS(),
				"to":   fps,
			}).Info("Input frame rate changed")
			s.sess.SetInFPS(fps)
			metrics.SetInputFPS(s.sess.ID, fps)
		}
	case LineCache:
		s.cache.Store(int32(line.Cache))
		metrics.SetCacheFullness(s.sess.ID, float64(line.Cache))
	case LineMissed:
		total := s.missed.Add(line.Missed)
		metrics.SetMissedPackets(s.sess.ID, total)
		if pc.DebugLevel > 0 {
			s.log.WithField("total", total).Debugf("Missed %d packets", line.Missed)
		}
	default:
		if pc.DebugLevel > 1 {
			s.log.Debug(line.Text)
		}
	}
}
