package ntpcore

import (
	"fmt"
	"math"
	"net"
	"time"
)

// LeapIndicator is the 2-bit LI field.
type LeapIndicator uint8

const (
	LeapNoWarning LeapIndicator = 0 // No warning
	LeapAddSecond LeapIndicator = 1 // Last minute of day has 61 seconds
	LeapDelSecond LeapIndicator = 2 // Last minute of day has 59 seconds
	LeapNotInSync LeapIndicator = 3 // Alarm condition (clock not synchronized)
)

// NewLeapIndicator validates v against the 2-bit range.
func NewLeapIndicator(v uint8) (LeapIndicator, error) {
	if v > 3 {
		return 0, fmt.Errorf("%w: leap indicator %d", ErrValueOutOfRange, v)
	}
	return LeapIndicator(v), nil
}

// Uint8 returns the raw value.
func (l LeapIndicator) Uint8() uint8 { return uint8(l) }

func (l LeapIndicator) String() string {
	switch l {
	case LeapNoWarning:
		return "no warning"
	case LeapAddSecond:
		return "last minute has 61 seconds"
	case LeapDelSecond:
		return "last minute has 59 seconds"
	case LeapNotInSync:
		return "not synchronized"
	default:
		return "invalid"
	}
}

// Version is the 3-bit VN field.
type Version uint8

const (
	Version3 Version = 3
	Version4 Version = 4
)

// NewVersion validates v against the 3-bit range.
func NewVersion(v uint8) (Version, error) {
	if v > 7 {
		return 0, fmt.Errorf("%w: version %d", ErrValueOutOfRange, v)
	}
	return Version(v), nil
}

// Uint8 returns the raw value.
func (v Version) Uint8() uint8 { return uint8(v) }

// Mode is the 3-bit association mode.
type Mode uint8

const (
	ModeReserved         Mode = 0
	ModeSymmetricActive  Mode = 1
	ModeSymmetricPassive Mode = 2
	ModeClient           Mode = 3
	ModeServer           Mode = 4
	ModeBroadcast        Mode = 5
	ModeControl          Mode = 6
	ModePrivate          Mode = 7
)

// NewMode validates v against the 3-bit range.
func NewMode(v uint8) (Mode, error) {
	if v > 7 {
		return 0, fmt.Errorf("%w: mode %d", ErrValueOutOfRange, v)
	}
	return Mode(v), nil
}

// Uint8 returns the raw value.
func (m Mode) Uint8() uint8 { return uint8(m) }

func (m Mode) String() string {
	switch m {
	case ModeReserved:
		return "Reserved"
	case ModeSymmetricActive:
		return "Symmetric Active"
	case ModeSymmetricPassive:
		return "Symmetric Passive"
	case ModeClient:
		return "Client"
	case ModeServer:
		return "Server"
	case ModeBroadcast:
		return "Broadcast"
	case ModeControl:
		return "Control"
	case ModePrivate:
		return "Private"
	default:
		return "Unknown"
	}
}

// Stratum is the distance from the reference clock. 0 is unspecified or
// kiss-of-death, 1 primary, 2-15 secondary, 16 and up unsynchronized.
type Stratum uint8

// MaxStratum is the first unsynchronized stratum.
const MaxStratum Stratum = 16

func (s Stratum) IsKissOfDeath() bool  { return s == 0 }
func (s Stratum) IsPrimary() bool      { return s == 1 }
func (s Stratum) IsSynchronized() bool { return s > 0 && s < MaxStratum }

// Uint8 returns the raw value.
func (s Stratum) Uint8() uint8 { return uint8(s) }

// Poll is the log2 poll interval in seconds.
type Poll int8

// Int8 returns the raw value.
func (p Poll) Int8() int8 { return int8(p) }

// Duration returns 2^p seconds.
func (p Poll) Duration() time.Duration { return log2Duration(int8(p)) }

// Precision is the log2 clock precision in seconds.
type Precision int8

// Int8 returns the raw value.
func (p Precision) Int8() int8 { return int8(p) }

// Duration returns 2^p seconds.
func (p Precision) Duration() time.Duration { return log2Duration(int8(p)) }

func log2Duration(a int8) time.Duration {
	return time.Duration(math.Ldexp(float64(time.Second), int(a)))
}

// ReferenceID identifies the server's reference source. For stratum 0 and 1
// it carries four ASCII characters, otherwise an IPv4 address or the first
// octets of an IPv6 address hash.
type ReferenceID [4]byte

// ReferenceIDFromString packs up to four ASCII characters, zero padded.
func ReferenceIDFromString(code string) ReferenceID {
	var id ReferenceID
	copy(id[:], code)
	return id
}

// ReferenceIDFromIP packs an IPv4 address. Non-IPv4 input yields zero.
func ReferenceIDFromIP(ip net.IP) ReferenceID {
	var id ReferenceID
	if v4 := ip.To4(); v4 != nil {
		copy(id[:], v4)
	}
	return id
}

// Bytes returns the raw four bytes.
func (r ReferenceID) Bytes() [4]byte { return r }

// Code returns the ASCII form with trailing NULs removed.
func (r ReferenceID) Code() string {
	n := len(r)
	for n > 0 && r[n-1] == 0 {
		n--
	}
	return string(r[:n])
}

// Format renders the id the way the given stratum interprets it.
func (r ReferenceID) Format(s Stratum) string {
	if s <= 1 {
		return r.Code()
	}
	return net.IPv4(r[0], r[1], r[2], r[3]).String()
}

func (s Stratum) MarshalTo(b []byte) (int, error)     { return PutInt(b, uint8(s)) }
func (p Poll) MarshalTo(b []byte) (int, error)        { return PutInt(b, int8(p)) }
func (p Precision) MarshalTo(b []byte) (int, error)   { return PutInt(b, int8(p)) }
func (r ReferenceID) MarshalTo(b []byte) (int, error) { return PutBytes(b, r[:]) }
