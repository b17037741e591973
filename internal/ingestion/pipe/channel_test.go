package pipe

import (
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stallingReader returns no data and no error until recovered.
type stallingReader struct {
	recovered atomic.Bool
}

func (s *stallingReader) Read(p []byte) (int, error) {
	if s.recovered.Load() {
		return copy(p, "data"), nil
	}
	return 0, nil
}

func TestChannel_ReadsData(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	ch := NewChannel(r, Options{Timeout: time.Second})
	defer ch.Close()

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, int64(5), ch.Stats().BytesRead)
	assert.False(t, ch.Unreadable())
}

func TestChannel_TimeoutLatchesUnreadable(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	ch := NewChannel(r, Options{Timeout: 50 * time.Millisecond})
	defer ch.Close()

	start := time.Now()
	n, err := ch.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, ch.Unreadable())

	// Data arriving later does not heal the channel.
	_, err = w.Write([]byte("late"))
	require.NoError(t, err)
	n, err = ch.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestChannel_StopUnblocksInFlightRead(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	ch := NewChannel(r, Options{Timeout: time.Minute})
	defer ch.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Read(make([]byte, 8))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Stop()
	ch.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not unblocked by Stop")
	}

	n, err := ch.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.Error(t, err)
	assert.True(t, ch.Stats().Stopped)
}

func TestChannel_WatchdogLatchesWithoutSelfHealing(t *testing.T) {
	src := &stallingReader{}
	ch := NewChannel(src, Options{Timeout: time.Second, WatchdogCalls: 5})

	buf := make([]byte, 8)
	for i := 0; i < 4; i++ {
		n, err := ch.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}

	n, err := ch.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.True(t, ch.Unreadable())

	src.recovered.Store(true)
	n, err = ch.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrUnreadable)

	ch.Reset()
	n, err = ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))
}

func TestChannel_SuccessResetsWatchdog(t *testing.T) {
	src := &stallingReader{}
	ch := NewChannel(src, Options{Timeout: time.Second, WatchdogCalls: 3})
	buf := make([]byte, 8)

	for round := 0; round < 3; round++ {
		src.recovered.Store(false)
		_, err := ch.Read(buf)
		require.NoError(t, err)
		src.recovered.Store(true)
		n, err := ch.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	}
	assert.False(t, ch.Unreadable())
}

func TestChannel_RaceReadWithoutDeadlines(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ch := NewChannel(pr, Options{Timeout: 30 * time.Millisecond})

	n, err := ch.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestChannel_EOFLatches(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ch := NewChannel(r, Options{Timeout: time.Second})
	defer ch.Close()

	n, err := ch.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrUnreadable)
}
