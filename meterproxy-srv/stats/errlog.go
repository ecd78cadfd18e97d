package stats

import (
	"sync/atomic"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"golang.org/x/time/rate"
)

// ThrottledLog reports collector failures at most once per interval so a
// failing backend cannot flood the log from every connection.
type ThrottledLog struct {
	sometimes  rate.Sometimes
	suppressed atomic.Int64
}

func NewThrottledLog(interval time.Duration) *ThrottledLog {
	return &ThrottledLog{sometimes: rate.Sometimes{First: 1, Interval: interval}}
}

func (t *ThrottledLog) Error(format string, v ...any) {
	logged := false
	t.sometimes.Do(func() {
		logged = true
		if n := t.suppressed.Swap(0); n > 0 {
			logger.Error(format+" (%d similar errors suppressed)", append(v, n)...)
			return
		}
		logger.Error(format, v...)
	})
	if !logged {
		t.suppressed.Add(1)
	}
}
