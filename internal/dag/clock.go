package dag

import "time"

// Clock is the wall-clock source for timestamps and drift checks.
//
// Production code uses SystemClock; tests inject a manual clock so
// timestamp bounds and rotation boundaries are reproducible.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// unixSeconds converts a time to the header timestamp unit.
// Times before the unix epoch clamp to 0.
func unixSeconds(t time.Time) uint64 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}
