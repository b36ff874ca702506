package media

import (
	"fmt"
	"time"
)

// Timestamp is a presentation time in microseconds. The zero value is the
// start of the timeline.
type Timestamp uint64

// TimestampFromMicros builds a Timestamp from a microsecond count.
func TimestampFromMicros(us uint64) Timestamp {
	return Timestamp(us)
}

// TimestampFromDuration converts d, truncated to microseconds. Negative
// durations clamp to zero.
func TimestampFromDuration(d time.Duration) Timestamp {
	if d < 0 {
		return 0
	}
	return Timestamp(d / time.Microsecond)
}

// Micros returns the timestamp as a microsecond count.
func (t Timestamp) Micros() uint64 {
	return uint64(t)
}

// Duration converts the timestamp to a time.Duration.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t) * time.Microsecond
}

// Add offsets the timestamp by d, saturating at zero.
func (t Timestamp) Add(d time.Duration) Timestamp {
	us := int64(d / time.Microsecond)
	if us < 0 && uint64(-us) > uint64(t) {
		return 0
	}
	return Timestamp(int64(t) + us)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%dus", uint64(t))
}

// MaxTimestamp returns the later of a and b.
func MaxTimestamp(a, b Timestamp) Timestamp {
	if a > b {
		return a
	}
	return b
}

// Frame is one decoded media frame.
type Frame struct {
	// Keyframe is set on the first frame of a group.
	Keyframe  bool
	Timestamp Timestamp
	Payload   []byte
}
