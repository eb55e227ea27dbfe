package logx

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Throttled drops repeats of a noisy log line beyond a rate and reports how
// many were suppressed on the next line that gets through.
type Throttled struct {
	l       Logger
	lim     *rate.Limiter
	dropped atomic.Int64
}

func NewThrottled(l Logger, every time.Duration, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{l: l, lim: rate.NewLimiter(rate.Every(every), burst)}
}

func (t *Throttled) Warn(msg string, fields ...Field)  { t.emit(zerolog.WarnLevel, msg, fields...) }
func (t *Throttled) Error(msg string, fields ...Field) { t.emit(zerolog.ErrorLevel, msg, fields...) }

func (t *Throttled) emit(level zerolog.Level, msg string, fields ...Field) {
	if !t.lim.Allow() {
		t.dropped.Add(1)
		return
	}
	if n := t.dropped.Swap(0); n > 0 {
		fields = append(fields, Int64("suppressed", n))
	}
	t.l.logSkip(4, level, msg, fields...)
}
