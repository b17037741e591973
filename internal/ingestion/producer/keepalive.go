package producer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/logger"
	"github.com/zsiec/cadence/internal/metrics"
)

// idleFrames is how many frame intervals without an external call engage
// the keepalive.
const idleFrames = 5

// keepalive pulls frames on its own while nobody else does, so that the
// queues keep draining and the process keeps being supervised.
type keepalive struct {
	interval time.Duration
	receive  func()
	log      logger.Logger

	engaged  atomic.Bool
	lastCall atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newKeepalive(interval time.Duration, receive func(), log logger.Logger) *keepalive {
	k := &keepalive{
		interval: interval,
		receive:  receive,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	k.lastCall.Store(time.Now().UnixNano())
	return k
}

func (k *keepalive) start() {
	k.wg.Add(1)
	metrics.IncrementGoroutineCreated("keepalive")
	go k.run()
}

func (k *keepalive) run() {
	defer k.wg.Done()
	defer metrics.IncrementGoroutineDestroyed("keepalive")

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
		}

		if k.engaged.Load() {
			k.receive()
			continue
		}
		idle := time.Since(time.Unix(0, k.lastCall.Load()))
		if idle >= idleFrames*k.interval && k.engaged.CompareAndSwap(false, true) {
			k.log.WithField("idle", idle).Info("No consumer, keepalive engaged")
		}
	}
}

// touch records an external call and disengages the keepalive.
func (k *keepalive) touch() {
	k.lastCall.Store(time.Now().UnixNano())
	if k.engaged.CompareAndSwap(true, false) {
		k.log.Info("Consumer is back, keepalive released")
	}
}

// active reports whether keepalive calls are currently served.
func (k *keepalive) active() bool {
	return k.engaged.Load()
}

func (k *keepalive) stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	k.wg.Wait()
}
