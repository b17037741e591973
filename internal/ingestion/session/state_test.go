package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/config"
)

type fakeStream struct {
	mu          sync.Mutex
	initialized bool
	empty       bool
	size        float64
	discarded   []int
	drops       int
	stops       int
}

func (f *fakeStream) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

func (f *fakeStream) setInitialized(v bool) {
	f.mu.Lock()
	f.initialized = v
	f.mu.Unlock()
}

func (f *fakeStream) EmptyFrames() bool   { return f.empty }
func (f *fakeStream) OutputSize() float64 { return f.size }
func (f *fakeStream) Drop()               { f.drops++ }
func (f *fakeStream) Stop()               { f.stops++ }

func (f *fakeStream) Discard(n int) int {
	f.discarded = append(f.discarded, n)
	if float64(n) > f.size {
		n = int(f.size)
	}
	f.size -= float64(n)
	return n
}

func newTestState(t *testing.T, mutate func(*config.ProducerConfig)) (*State, *fakeStream, *fakeStream) {
	t.Helper()
	cfg := config.Default().Ingestion.Producer
	cfg.UnsyncPatience = 3
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New("sess-1", "file:///clip.ts", cfg)
	require.NoError(t, err)

	v := &fakeStream{initialized: true}
	a := &fakeStream{initialized: true}
	s.Attach(v, a)
	return s, v, a
}

func TestNew_DerivesFrameBudgets(t *testing.T) {
	s, _, _ := newTestState(t, func(c *config.ProducerConfig) {
		c.OutputFPS = 25
		c.BufferMax = 2 * time.Second
		c.BufferEnough = time.Second
		c.ForceInputFPS = 50
	})

	assert.Equal(t, 50, s.FramesMax)
	assert.Equal(t, 25, s.FramesEnough)
	assert.Equal(t, 50.0, s.InFPS())
	assert.Equal(t, []int{1920}, s.Cadence.Sequence())
}

func TestInputInitialized(t *testing.T) {
	s, v, a := newTestState(t, nil)
	assert.True(t, s.InputInitialized())

	a.setInitialized(false)
	assert.False(t, s.InputInitialized())

	a.empty = true
	assert.True(t, s.InputInitialized(), "disabled audio does not gate initialization")

	a.empty = false
	a.setInitialized(true)
	v.empty = true
	v.setInitialized(false)
	assert.True(t, s.InputInitialized())
}

func TestLateFrames(t *testing.T) {
	s, _, _ := newTestState(t, nil)

	assert.False(t, s.ConsumeLateFrame())
	assert.Equal(t, 0, s.LateFrames())

	s.AddLateFrames(2)
	assert.True(t, s.ConsumeLateFrame())
	assert.True(t, s.ConsumeLateFrame())
	assert.False(t, s.ConsumeLateFrame())
	assert.Equal(t, 0, s.LateFrames())
}

func TestCheckForDesync_VideoAhead(t *testing.T) {
	s, v, a := newTestState(t, nil)
	v.size, a.size = 30, 15

	assert.Equal(t, DesyncPending, s.CheckForDesync(10))
	assert.Equal(t, DesyncPending, s.CheckForDesync(10))
	assert.Equal(t, DesyncDiscardVideo, s.CheckForDesync(10))
	assert.Equal(t, []int{8}, v.discarded)
	assert.Empty(t, a.discarded)

	// The discard closed the gap below sync_frames.
	assert.Equal(t, 22.0, v.size)
	assert.Equal(t, DesyncNone, s.CheckForDesync(10))

	// The counter restarts after a correction.
	v.size = 30
	assert.Equal(t, DesyncPending, s.CheckForDesync(10))
	assert.Equal(t, DesyncPending, s.CheckForDesync(10))
	assert.Equal(t, DesyncDiscardVideo, s.CheckForDesync(10))
	assert.Equal(t, []int{8, 8}, v.discarded)
}

func TestCheckForDesync_AudioAheadDiscards(t *testing.T) {
	s, v, a := newTestState(t, nil)
	v.size, a.size = 5, 20

	for i := 0; i < 2; i++ {
		assert.Equal(t, DesyncPending, s.CheckForDesync(10))
	}
	assert.Equal(t, DesyncDiscardAudio, s.CheckForDesync(10))
	assert.Equal(t, []int{8}, a.discarded)
	assert.Equal(t, 0, s.LateFrames())
}

func TestCheckForDesync_AudioAheadDontClick(t *testing.T) {
	s, v, a := newTestState(t, func(c *config.ProducerConfig) { c.DontClick = true })
	v.size, a.size = 5, 20

	for i := 0; i < 2; i++ {
		s.CheckForDesync(10)
	}
	assert.Equal(t, DesyncScheduleLate, s.CheckForDesync(10))
	assert.Empty(t, a.discarded)
	assert.Equal(t, 10, s.LateFrames())
}

func TestCheckForDesync_BalancedResetsPatience(t *testing.T) {
	s, v, a := newTestState(t, nil)
	v.size, a.size = 30, 15

	s.CheckForDesync(10)
	s.CheckForDesync(10)

	a.size = 28
	assert.Equal(t, DesyncNone, s.CheckForDesync(10))

	a.size = 15
	assert.Equal(t, DesyncPending, s.CheckForDesync(10))
	assert.Equal(t, DesyncPending, s.CheckForDesync(10))
	assert.Empty(t, v.discarded)
}

func TestCheckForDesync_NeverWidensGap(t *testing.T) {
	s, v, a := newTestState(t, nil)
	v.size, a.size = 40, 12

	gap := v.size - a.size
	for i := 0; i < 20; i++ {
		s.CheckForDesync(10)
		next := v.size - a.size
		assert.LessOrEqual(t, next, gap)
		gap = next
	}
	assert.Less(t, gap, 10.0)
}

func TestCheckForDesync_Skipped(t *testing.T) {
	s, v, a := newTestState(t, nil)

	v.size, a.size = 1, 40
	assert.Equal(t, DesyncNone, s.CheckForDesync(10), "small queues are left alone")

	v.size, a.size = 40, 0
	a.empty = true
	for i := 0; i < 5; i++ {
		assert.Equal(t, DesyncNone, s.CheckForDesync(10))
	}
	assert.Empty(t, v.discarded)
}

func TestWaitInputsDown(t *testing.T) {
	s, v, _ := newTestState(t, nil)

	done := make(chan error, 1)
	go func() { done <- s.WaitInputsDown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("returned while inputs are initialized")
	case <-time.After(20 * time.Millisecond):
	}

	v.setInitialized(false)
	s.NotifyInputChange()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitInputsDown did not return")
	}
}

func TestWaitInputsDown_ContextCancel(t *testing.T) {
	s, _, _ := newTestState(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitInputsDown(ctx), context.DeadlineExceeded)
}

func TestFail_OnlyFirst(t *testing.T) {
	s, _, _ := newTestState(t, nil)

	called := make(chan error, 2)
	s.OnFail(func(err error) { called <- err })

	first := errors.New("decoder open failed")
	s.Fail(first)
	s.Fail(errors.New("second"))

	assert.Equal(t, first, s.Err())
	select {
	case err := <-called:
		assert.Equal(t, first, err)
	case <-time.After(time.Second):
		t.Fatal("teardown not run")
	}
	select {
	case <-called:
		t.Fatal("teardown ran twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDropAndStopAll(t *testing.T) {
	s, v, a := newTestState(t, nil)
	s.DropInputs()
	s.StopAll()
	assert.Equal(t, 1, v.drops)
	assert.Equal(t, 1, a.drops)
	assert.Equal(t, 1, v.stops)
	assert.Equal(t, 1, a.stops)
}
