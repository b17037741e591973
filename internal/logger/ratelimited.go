package logger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimited throttles repetitive messages per key. Hot paths such as the
// per-frame receive loop log through it so a stalled input does not flood the
// sink. Suppressed messages are counted and reported on the next one let
// through.
type RateLimited struct {
	base  Logger
	every time.Duration
	burst int

	mu   sync.Mutex
	keys map[string]*limitedKey
}

type limitedKey struct {
	limiter    *rate.Limiter
	suppressed int64
}

// NewRateLimited allows burst messages per key and then one per interval.
func NewRateLimited(base Logger, every time.Duration, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		base:  base,
		every: every,
		burst: burst,
		keys:  make(map[string]*limitedKey),
	}
}

// Allow reports whether a message for key may be logged now. When it may, the
// returned logger carries the number of messages suppressed since the last one.
func (r *RateLimited) Allow(key string) (Logger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[key]
	if !ok {
		k = &limitedKey{limiter: rate.NewLimiter(rate.Every(r.every), r.burst)}
		r.keys[key] = k
	}
	if !k.limiter.Allow() {
		k.suppressed++
		return nil, false
	}

	l := r.base
	if k.suppressed > 0 {
		l = l.WithField("suppressed", k.suppressed)
		k.suppressed = 0
	}
	return l, true
}

// Logf logs a formatted message under key if the key's budget allows it.
func (r *RateLimited) Logf(level logrus.Level, key, format string, args ...interface{}) {
	l, ok := r.Allow(key)
	if !ok {
		return
	}
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		l.Debugf(format, args...)
	case logrus.InfoLevel:
		l.Infof(format, args...)
	case logrus.WarnLevel:
		l.Warnf(format, args...)
	default:
		l.Errorf(format, args...)
	}
}

// Warnf is Logf at warning level.
func (r *RateLimited) Warnf(key, format string, args ...interface{}) {
	r.Logf(logrus.WarnLevel, key, format, args...)
}

// Debugf is Logf at debug level.
func (r *RateLimited) Debugf(key, format string, args ...interface{}) {
	r.Logf(logrus.DebugLevel, key, format, args...)
}
