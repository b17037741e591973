package decode

import (
	"errors"
	"sync"

	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/ingestion/pipe"
)

// VideoWorker decodes the video pipe into a queue of BGRA pictures.
type VideoWorker struct {
	*worker

	codec  media.Codec
	params media.VideoParams
	black  *media.Picture

	// dec is touched by the loop goroutine only, or by Drop after the loop
	// is joined.
	dec media.VideoDecoder

	mu    sync.Mutex
	queue []*media.Picture
}

// NewVideoWorker creates a video worker in WaitProcess.
func NewVideoWorker(opts Options) *VideoWorker {
	cfg := opts.Session.Config
	v := &VideoWorker{
		codec: opts.Codec,
		params: media.VideoParams{
			Width:     cfg.Width,
			Height:    cfg.Height,
			ForcedFPS: cfg.ForceInputFPS,
		},
		black: media.NewBlackPicture(cfg.Width, cfg.Height),
	}
	v.worker = newWorker(media.KindVideo, opts, v)
	return v
}

func (v *VideoWorker) open(r *pipe.Channel) error {
	dec, err := v.codec.OpenVideo(r, v.params)
	if err != nil {
		return err
	}
	v.dec = dec

	if v.params.ForcedFPS == 0 {
		if fps := dec.FrameRate(); fps > 0 {
			v.sess.SetInFPS(fps)
			v.log.WithField("fps", fps).Info("Input frame rate from stream header")
		}
	}
	return nil
}

func (v *VideoWorker) readUnit() error {
	pic, err := v.dec.ReadPicture()
	if errors.Is(err, media.ErrNoFrame) {
		return nil
	}
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.queue = append(v.queue, pic)
	v.mu.Unlock()
	return nil
}

func (v *VideoWorker) full() bool {
	limit := float64(v.sess.FramesMax + extraUnits)
	if v.sess.InFPS() == 0 {
		// Without a rate the output size reads 0; bound the raw count.
		v.mu.Lock()
		n := len(v.queue)
		v.mu.Unlock()
		return float64(n) >= limit
	}
	return v.OutputSize() >= limit
}

func (v *VideoWorker) clear() {
	v.mu.Lock()
	v.queue = nil
	v.mu.Unlock()
}

func (v *VideoWorker) closeDecoder() {
	if v.dec != nil {
		if err := v.dec.Close(); err != nil {
			v.log.WithError(err).Debug("Closing video decoder")
		}
		v.dec = nil
	}
}

// TryPop removes the oldest picture. A disabled stream always yields black.
func (v *VideoWorker) TryPop() (*media.Picture, bool) {
	if v.disabled {
		return v.black, true
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.queue) == 0 {
		return nil, false
	}
	pic := v.queue[0]
	v.queue[0] = nil
	v.queue = v.queue[1:]
	return pic, true
}

// Discard removes up to n pictures and returns how many were removed.
func (v *VideoWorker) Discard(n int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n > len(v.queue) {
		n = len(v.queue)
	}
	if n <= 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		v.queue[i] = nil
	}
	v.queue = v.queue[n:]
	return n
}

// Len is the number of queued pictures.
func (v *VideoWorker) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queue)
}

// OutputSize is the queue length in output frames, 0 while the input rate
// is unknown.
func (v *VideoWorker) OutputSize() float64 {
	in := v.sess.InFPS()
	if in == 0 {
		return 0
	}
	return float64(v.Len()) * v.sess.OutFPS / in
}
