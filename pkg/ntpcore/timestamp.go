package ntpcore

import (
	"math"
	"time"
)

// NTP timestamp epoch: January 1, 1900 00:00:00 UTC
// Unix epoch: January 1, 1970 00:00:00 UTC
// Difference: 70 years (including 17 leap years)
const (
	EpochOffset = 2208988800 // Seconds between NTP and Unix epochs

	shortScale     = 1 << 16
	timestampScale = 1 << 32
)

// Short is the 32-bit NTP short format: 16 bits of seconds, 16 bits of
// fraction. Used for root delay and root dispersion.
type Short uint32

// NewShort packs whole seconds and a 1/65536 fraction.
func NewShort(seconds, fraction uint16) Short {
	return Short(uint32(seconds)<<16 | uint32(fraction))
}

// ShortFromDuration converts d, truncating and saturating at the format's range.
func ShortFromDuration(d time.Duration) Short {
	if d <= 0 {
		return 0
	}
	v := d.Seconds() * shortScale
	if v >= math.MaxUint32 {
		return Short(math.MaxUint32)
	}
	return Short(uint32(v))
}

// Uint32 returns the raw value.
func (s Short) Uint32() uint32 { return uint32(s) }

// Whole returns the integer seconds part.
func (s Short) Whole() uint16 { return uint16(s >> 16) }

// Fraction returns the 1/65536 fraction part.
func (s Short) Fraction() uint16 { return uint16(s) }

// Seconds returns the value in seconds.
func (s Short) Seconds() float64 { return float64(s) / shortScale }

// Duration returns the value as a time.Duration.
func (s Short) Duration() time.Duration {
	return time.Duration(s.Seconds() * float64(time.Second))
}

func (s Short) MarshalTo(b []byte) (int, error) { return PutInt(b, uint32(s)) }

// UnmarshalShort reads a Short from the start of b.
func UnmarshalShort(b []byte) (Short, int, error) {
	v, n, err := ReadInt[uint32](b)
	return Short(v), n, err
}

// Timestamp is the 64-bit NTP timestamp format: 32 bits of seconds since
// 1900-01-01 and 32 bits of fraction. Era rollover and leap seconds are not
// accounted for.
type Timestamp uint64

// NewTimestamp packs whole seconds and a 1/2^32 fraction.
func NewTimestamp(seconds, fraction uint32) Timestamp {
	return Timestamp(uint64(seconds)<<32 | uint64(fraction))
}

// TimestampFromTime converts t into era 0 NTP time.
func TimestampFromTime(t time.Time) Timestamp {
	secs := uint64(t.Unix() + EpochOffset)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timestamp(secs<<32 | frac)
}

// Uint64 returns the raw value.
func (t Timestamp) Uint64() uint64 { return uint64(t) }

// Whole returns the integer seconds part.
func (t Timestamp) Whole() uint32 { return uint32(t >> 32) }

// Fraction returns the 1/2^32 fraction part.
func (t Timestamp) Fraction() uint32 { return uint32(t) }

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool { return t == 0 }

// Seconds returns the value in seconds since the NTP epoch.
func (t Timestamp) Seconds() float64 { return float64(t) / timestampScale }

// Time converts the timestamp to a time.Time in era 0.
func (t Timestamp) Time() time.Time {
	secs := int64(t.Whole()) - EpochOffset
	nanos := (uint64(t.Fraction()) * uint64(time.Second)) >> 32
	return time.Unix(secs, int64(nanos))
}

// Sub returns t-u in seconds. The difference is taken modulo 2^64 and read
// as signed, so it stays correct across an era boundary as long as the two
// instants are within 68 years of each other.
func (t Timestamp) Sub(u Timestamp) float64 {
	return float64(int64(t-u)) / timestampScale
}

func (t Timestamp) MarshalTo(b []byte) (int, error) { return PutInt(b, uint64(t)) }

// UnmarshalTimestamp reads a Timestamp from the start of b.
func UnmarshalTimestamp(b []byte) (Timestamp, int, error) {
	v, n, err := ReadInt[uint64](b)
	return Timestamp(v), n, err
}
