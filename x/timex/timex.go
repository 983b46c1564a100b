package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// PeriodFromHz returns a nanosecond period for a requested frequency.
// freqHz==0 is coerced to 1 to avoid division by zero.
func PeriodFromHz(freqHz uint32) uint64 {
	if freqHz == 0 {
		freqHz = 1
	}
	return uint64(1_000_000_000 / uint64(freqHz))
}

// Clock measures monotonic elapsed time from an epoch fixed at
// construction, used for STATUS_UPDATE's "ts" field: seconds since
// agent start, not wall-clock time.
type Clock struct {
	start time.Time
}

// NewClock returns a Clock whose epoch is now.
func NewClock() Clock { return Clock{start: time.Now()} }

// Elapsed returns seconds since the Clock's epoch.
func (c Clock) Elapsed() float64 { return time.Since(c.start).Seconds() }
