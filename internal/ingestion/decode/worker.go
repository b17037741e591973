// Package decode runs the per-stream decode workers. Each worker reads one
// pipe of the external process, decodes units with a media.Codec and queues
// them for the producer.
package decode

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/errors"
	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/ingestion/pipe"
	"github.com/zsiec/cadence/internal/ingestion/session"
	"github.com/zsiec/cadence/internal/logger"
	"github.com/zsiec/cadence/internal/metrics"
)

// pollInterval bounds every wait so a worker rechecks stop and drop requests.
const pollInterval = 100 * time.Millisecond

// extraUnits is the headroom over frames_max before a worker pauses.
const extraUnits = 5

// Source is the process side a worker reads from.
type Source interface {
	// Working reports whether both pipes are connected.
	Working() bool
	// Ready returns a channel closed when the process next becomes working.
	Ready() <-chan struct{}
	// Problem reports a failed read and requests a restart.
	Problem()
	// Pipe returns the channel for kind, or nil when none is connected.
	Pipe(kind media.Kind) *pipe.Channel
}

// Options are shared by both worker kinds.
type Options struct {
	Codec    media.Codec
	Source   Source
	Session  *session.State
	Logger   logger.Logger
	Disabled bool
}

type phase int

const (
	phaseWaitProcess phase = iota
	phaseInit
	phaseStreaming
)

// stream is implemented by the concrete workers.
type stream interface {
	open(r *pipe.Channel) error
	readUnit() error
	full() bool
	clear()
	closeDecoder()
}

// worker is the self-scheduling loop common to both streams. The loop runs
// on its own goroutine until the queue is full or the worker is halted; the
// next Start resumes it.
type worker struct {
	kind     media.Kind
	src      Source
	sess     *session.State
	log      logger.Logger
	warn     *logger.RateLimited
	disabled bool
	impl     stream

	active      atomic.Bool
	initialized atomic.Bool
	running     atomic.Bool
	halted      atomic.Bool

	ctl    sync.Mutex
	dropMu sync.Mutex
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}

	// phase is owned by the loop goroutine, and by Drop once the loop has
	// been joined.
	phase phase
}

func newWorker(kind media.Kind, opts Options, impl stream) *worker {
	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("stream", kind.String())

	w := &worker{
		kind:     kind,
		src:      opts.Source,
		sess:     opts.Session,
		log:      log,
		warn:     logger.NewRateLimited(log, time.Second, 3),
		disabled: opts.Disabled,
		impl:     impl,
		stopCh:   make(chan struct{}),
	}
	w.active.Store(true)
	if w.disabled {
		log.Info("Stream disabled, synthesizing empty units")
	}
	return w
}

// Start resumes the loop when the worker is active, idle and enabled.
func (w *worker) Start() {
	if w.disabled || !w.active.Load() {
		return
	}
	w.ctl.Lock()
	defer w.ctl.Unlock()
	w.spawnLocked()
}

// spawnLocked starts the loop goroutine unless one is running. ctl must be
// held.
func (w *worker) spawnLocked() {
	if w.halted.Load() || !w.running.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	metrics.IncrementGoroutineCreated("decode_" + w.kind.String())
	go w.loop()
}

func (w *worker) loop() {
	defer w.wg.Done()
	defer metrics.IncrementGoroutineDestroyed("decode_" + w.kind.String())
	defer w.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Decode loop panicked")
			w.reset()
		}
	}()

	for w.active.Load() && !w.halted.Load() && !w.impl.full() {
		w.step()
	}
}

func (w *worker) step() {
	switch w.phase {
	case phaseWaitProcess:
		if w.src.Working() {
			w.phase = phaseInit
			return
		}
		w.wait(w.src.Ready())

	case phaseInit:
		w.init()

	case phaseStreaming:
		if !w.sess.InputInitialized() {
			w.wait(w.sess.Changed())
			return
		}
		if !w.src.Working() {
			// The supervisor is already restarting; just step aside.
			w.log.Debug("Process stopped working, releasing decoder")
			w.reset()
			return
		}
		if err := w.impl.readUnit(); err != nil {
			w.fail(err)
		}
	}
}

func (w *worker) wait(ch <-chan struct{}) {
	t := time.NewTimer(pollInterval)
	defer t.Stop()
	select {
	case <-ch:
	case <-w.stopCh:
	case <-t.C:
	}
}

func (w *worker) init() {
	ch := w.src.Pipe(w.kind)
	if ch == nil || !w.src.Working() {
		w.phase = phaseWaitProcess
		return
	}

	w.log.Info("Opening decoder")
	if err := w.impl.open(ch); err != nil {
		// A pipe that died while probing is a process failure, not a
		// decoder one.
		if ch.Unreadable() || !w.src.Working() {
			w.log.WithError(err).Warn("Pipe lost while opening decoder")
			if w.active.Load() && w.src.Working() {
				w.src.Problem()
			}
			w.phase = phaseWaitProcess
			return
		}

		fatal := errors.NewFatalInitError(err, fmt.Sprintf("open %s decoder", w.kind))
		w.log.WithError(fatal).Error("Decoder initialization failed")
		if w.active.Load() {
			w.src.Problem()
		}
		w.active.Store(false)
		w.sess.Fail(fatal)
		return
	}

	w.initialized.Store(true)
	w.sess.NotifyInputChange()
	w.phase = phaseStreaming
	w.log.Info("Decoder ready")
}

func (w *worker) fail(err error) {
	metrics.IncrementDecodeErrors(w.sess.ID, w.kind.String())
	w.warn.Warnf("read", "Read failed, waiting for process restart: %v", err)
	w.reset()
	if w.active.Load() {
		w.src.Problem()
	}
}

// reset returns the worker to WaitProcess with an empty queue.
func (w *worker) reset() {
	w.initialized.Store(false)
	w.impl.clear()
	w.impl.closeDecoder()
	w.phase = phaseWaitProcess
	w.sess.NotifyInputChange()
}

// Drop halts the loop, clears the queue and releases the decoder. An active
// worker then resumes waiting for the next process.
func (w *worker) Drop() {
	w.dropMu.Lock()
	defer w.dropMu.Unlock()

	w.ctl.Lock()
	w.halted.Store(true)
	w.ctl.Unlock()

	w.wg.Wait()
	w.reset()

	w.ctl.Lock()
	defer w.ctl.Unlock()
	w.halted.Store(false)
	if !w.disabled && w.active.Load() {
		w.spawnLocked()
	}
}

// Stop makes the worker permanently inactive.
func (w *worker) Stop() {
	w.active.Store(false)
	w.stopOnce.Do(func() { close(w.stopCh) })
	if ch := w.src.Pipe(w.kind); ch != nil {
		ch.Stop()
	}
	w.Drop()
}

// Initialized reports whether a decoder is open.
func (w *worker) Initialized() bool {
	return w.initialized.Load()
}

// EmptyFrames reports whether the stream is disabled.
func (w *worker) EmptyFrames() bool {
	return w.disabled
}

// Active is false after Stop or a fatal init error.
func (w *worker) Active() bool {
	return w.active.Load()
}
