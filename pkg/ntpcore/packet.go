// Package ntpcore provides core NTP protocol structures and utilities
// based on RFC 5905 (NTPv4) and RFC 4330 (SNTPv4)
package ntpcore

import (
	"fmt"
)

const (
	// HeaderSize is the fixed size of the NTP header without extensions.
	HeaderSize = 48
	// MaxPacketSize covers a header plus the optional key id and digest.
	MaxPacketSize = 68

	leapMask    = 0b11_000_000
	versionMask = 0b00_111_000
	modeMask    = 0b00_000_111
)

// Kiss-of-Death codes (ASCII in Reference ID)
const (
	KoDACST = "ACST" // The association belongs to a anycast server
	KoDAuth = "AUTH" // Server authentication failed
	KoDAuto = "AUTO" // Autokey sequence failed
	KoDBcst = "BCST" // The association belongs to a broadcast server
	KoDCryp = "CRYP" // Cryptographic authentication or identification failed
	KoDDeny = "DENY" // Access denied by remote server
	KoDDrop = "DROP" // Lost peer in symmetric mode
	KoDRstr = "RSTR" // Access denied due to local policy
	KoDInit = "INIT" // The association has not yet synchronized for the first time
	KoDMcst = "MCST" // The association belongs to a dynamically discovered server
	KoDNkey = "NKEY" // No key found
	KoDRate = "RATE" // Rate exceeded
	KoDRmot = "RMOT" // Alteration of association from a remote host running ntpdc
	KoDStep = "STEP" // A step change in system time has occurred
)

// Header is the 48-byte NTP packet header as defined in RFC 5905
type Header struct {
	// First byte: LI (2 bits) | VN (3 bits) | Mode (3 bits)
	Leap    LeapIndicator
	Version Version
	Mode    Mode

	Stratum        Stratum
	Poll           Poll
	Precision      Precision
	RootDelay      Short
	RootDispersion Short
	ReferenceID    ReferenceID
	ReferenceTime  Timestamp
	OriginTime     Timestamp // org: client transmit time echoed by the server
	ReceiveTime    Timestamp // rec: server receive time (T2)
	TransmitTime   Timestamp // xmt: server transmit time (T3)
}

// NewClientRequest returns the header a client sends: no leap warning,
// version 4, client mode and every other field zero.
func NewClientRequest() Header {
	return Header{
		Leap:    LeapNoWarning,
		Version: Version4,
		Mode:    ModeClient,
	}
}

// MarshalTo encodes h into the first HeaderSize bytes of b.
func (h Header) MarshalTo(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, tooSmall(HeaderSize, len(b))
	}

	first := h.Leap.Uint8()<<6 | h.Version.Uint8()<<3 | h.Mode.Uint8()
	e := encoder{buf: b}
	e.write(byteField(first))
	e.write(h.Stratum)
	e.write(h.Poll)
	e.write(h.Precision)
	e.write(h.RootDelay)
	e.write(h.RootDispersion)
	e.write(h.ReferenceID)
	e.write(h.ReferenceTime)
	e.write(h.OriginTime)
	e.write(h.ReceiveTime)
	e.write(h.TransmitTime)
	return e.off, e.err
}

// Bytes serializes the header to a new HeaderSize slice.
func (h Header) Bytes() []byte {
	data := make([]byte, HeaderSize)
	// Cannot fail: data is exactly HeaderSize long.
	_, _ = h.MarshalTo(data)
	return data
}

// UnmarshalHeader decodes a header from the start of b. Trailing bytes
// (extension fields, MAC) are left unread.
func UnmarshalHeader(b []byte) (Header, int, error) {
	if len(b) < HeaderSize {
		return Header{}, 0, tooSmall(HeaderSize, len(b))
	}

	var h Header
	var err error
	if h.Leap, err = NewLeapIndicator((b[0] & leapMask) >> 6); err != nil {
		return Header{}, 0, err
	}
	if h.Version, err = NewVersion((b[0] & versionMask) >> 3); err != nil {
		return Header{}, 0, err
	}
	if h.Mode, err = NewMode(b[0] & modeMask); err != nil {
		return Header{}, 0, err
	}

	d := decoder{buf: b, off: 1}
	h.Stratum = Stratum(decodeInt[uint8](&d))
	h.Poll = Poll(decodeInt[int8](&d))
	h.Precision = Precision(decodeInt[int8](&d))
	h.RootDelay = Short(decodeInt[uint32](&d))
	h.RootDispersion = Short(decodeInt[uint32](&d))
	d.bytes(h.ReferenceID[:])
	h.ReferenceTime = Timestamp(decodeInt[uint64](&d))
	h.OriginTime = Timestamp(decodeInt[uint64](&d))
	h.ReceiveTime = Timestamp(decodeInt[uint64](&d))
	h.TransmitTime = Timestamp(decodeInt[uint64](&d))
	if d.err != nil {
		return Header{}, 0, d.err
	}
	return h, d.off, nil
}

// KissCode returns the kiss code if the header is a Kiss-of-Death packet.
func (h Header) KissCode() string {
	if !h.Stratum.IsKissOfDeath() {
		return ""
	}
	return h.ReferenceID.Code()
}

// String returns a human-readable representation of the header
func (h Header) String() string {
	return fmt.Sprintf("NTP{LI:%d VN:%d Mode:%s Stratum:%d Poll:%d Prec:%d Ref:%s}",
		h.Leap, h.Version, h.Mode, h.Stratum, h.Poll, h.Precision, h.ReferenceID.Format(h.Stratum))
}

type byteField uint8

func (f byteField) MarshalTo(b []byte) (int, error) { return PutInt(b, uint8(f)) }

// encoder runs field codecs in sequence; the first failure sticks.
type encoder struct {
	buf []byte
	off int
	err error
}

func (e *encoder) write(m Marshaler) {
	if e.err != nil {
		return
	}
	n, err := m.MarshalTo(e.buf[e.off:])
	if err != nil {
		e.err = err
		return
	}
	e.off += n
}

type decoder struct {
	buf []byte
	off int
	err error
}

func decodeInt[T Integer](d *decoder) T {
	var v T
	if d.err != nil {
		return v
	}
	v, n, err := ReadInt[T](d.buf[d.off:])
	if err != nil {
		d.err = err
		return v
	}
	d.off += n
	return v
}

func (d *decoder) bytes(dst []byte) {
	if d.err != nil {
		return
	}
	n, err := ReadBytes(d.buf[d.off:], dst)
	if err != nil {
		d.err = err
		return
	}
	d.off += n
}
