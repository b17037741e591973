// Package pipe provides the byte channels the decode workers read from: a
// timeout-bounded reader with a stuck-read watchdog, and the named FIFOs the
// external decoder connects to.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultReadTimeout bounds a single read.
	DefaultReadTimeout = 12 * time.Second
	// DefaultWatchdogCalls is the number of consecutive reads without data
	// after which a channel gives up.
	DefaultWatchdogCalls = 50
)

var (
	// ErrUnreadable is returned once a channel has latched unreadable.
	ErrUnreadable = errors.New("pipe: channel unreadable")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("pipe: channel stopped")
)

// deadliner is implemented by *os.File for pollable descriptors (FIFOs, pipes).
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Options configure a Channel.
type Options struct {
	Timeout       time.Duration
	WatchdogCalls int
}

// Stats is a snapshot of channel counters.
type Stats struct {
	BytesRead  int64 `json:"bytes_read"`
	Calls      int64 `json:"calls"`
	Unreadable bool  `json:"unreadable"`
	Stopped    bool  `json:"stopped"`
}

// Channel wraps one directional byte stream. Read never blocks past the
// configured timeout, and once the channel is marked unreadable it stays so
// until Reset; a recovering transport does not heal it.
type Channel struct {
	src      io.Reader
	deadline deadliner
	opts     Options

	calls      atomic.Int32
	totalCalls atomic.Int64
	bytesRead  atomic.Int64
	unreadable atomic.Bool
	stopped    atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewChannel wraps src. When src supports read deadlines they bound each
// read; otherwise each read races a helper goroutine against the timeout.
func NewChannel(src io.Reader, opts Options) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReadTimeout
	}
	if opts.WatchdogCalls <= 0 {
		opts.WatchdogCalls = DefaultWatchdogCalls
	}
	c := &Channel{
		src:    src,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	if d, ok := src.(deadliner); ok {
		c.deadline = d
	}
	return c
}

// Read implements io.Reader. Every failure mode returns 0 bytes: timeout,
// stop, transport error, EOF and watchdog expiry all latch the channel
// unreadable.
func (c *Channel) Read(p []byte) (int, error) {
	c.totalCalls.Add(1)
	if c.unreadable.Load() {
		return 0, ErrUnreadable
	}
	if c.stopped.Load() {
		c.unreadable.Store(true)
		return 0, ErrStopped
	}
	if int(c.calls.Add(1)) >= c.opts.WatchdogCalls {
		c.calls.Store(0)
		c.unreadable.Store(true)
		return 0, fmt.Errorf("%w: %d reads without data", ErrUnreadable, c.opts.WatchdogCalls)
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := c.read(p)
	if n > 0 {
		c.calls.Store(0)
		c.bytesRead.Add(int64(n))
		return n, nil
	}
	if err == nil {
		// Counted by the watchdog.
		return 0, nil
	}

	c.unreadable.Store(true)
	if c.stopped.Load() {
		return 0, ErrStopped
	}
	return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
}

func (c *Channel) read(p []byte) (int, error) {
	if c.deadline != nil {
		if err := c.deadline.SetReadDeadline(time.Now().Add(c.opts.Timeout)); err == nil {
			// Stop may have run between the check in Read and the deadline
			// above; its past deadline must win.
			if c.stopped.Load() {
				return 0, ErrStopped
			}
			return c.src.Read(p)
		} else if !errors.Is(err, os.ErrNoDeadline) {
			return 0, err
		}
	}
	return c.raceRead(p)
}

// raceRead serves sources without deadline support. A timed out read keeps
// running in the background into its own buffer and is discarded.
func (c *Channel) raceRead(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	buf := make([]byte, len(p))
	done := make(chan result, 1)
	go func() {
		n, err := c.src.Read(buf)
		done <- result{n, err}
	}()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		copy(p, buf[:r.n])
		return r.n, r.err
	case <-timer.C:
		return 0, os.ErrDeadlineExceeded
	case <-c.stopCh:
		return 0, ErrStopped
	}
}

// Stop unblocks any in-flight read and makes later reads fail. Idempotent.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.stopCh)
		if c.deadline != nil {
			_ = c.deadline.SetReadDeadline(time.Unix(1, 0))
		}
	})
}

// Close stops the channel and closes the underlying source if it can be.
func (c *Channel) Close() error {
	c.Stop()
	if cl, ok := c.src.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Unreadable reports whether the channel has latched.
func (c *Channel) Unreadable() bool {
	return c.unreadable.Load()
}

// Reset clears the unreadable latch and the watchdog counter. A stopped
// channel stays stopped.
func (c *Channel) Reset() {
	c.calls.Store(0)
	c.unreadable.Store(false)
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		BytesRead:  c.bytesRead.Load(),
		Calls:      c.totalCalls.Load(),
		Unreadable: c.unreadable.Load(),
		Stopped:    c.stopped.Load(),
	}
}
