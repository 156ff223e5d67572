package ntpcore

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrBufferTooSmall is returned when a byte region cannot hold a field.
	ErrBufferTooSmall = errors.New("ntpcore: buffer too small")
	// ErrValueOutOfRange is returned when a value does not fit its bit field.
	ErrValueOutOfRange = errors.New("ntpcore: value out of range")
)

// Integer is any fixed-width integer that travels on the wire big-endian.
type Integer interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64
}

// Marshaler writes itself at the start of b and reports the bytes used.
type Marshaler interface {
	MarshalTo(b []byte) (int, error)
}

func tooSmall(need, have int) error {
	return fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, need, have)
}

// PutInt writes v big-endian at the start of b.
func PutInt[T Integer](b []byte, v T) (int, error) {
	n := binary.Size(v)
	if len(b) < n {
		return 0, tooSmall(n, len(b))
	}
	u := uint64(v)
	for i := 0; i < n; i++ {
		b[i] = byte(u >> (8 * (n - 1 - i)))
	}
	return n, nil
}

// ReadInt reads a big-endian T from the start of b.
func ReadInt[T Integer](b []byte) (T, int, error) {
	var v T
	n := binary.Size(v)
	if len(b) < n {
		return v, 0, tooSmall(n, len(b))
	}
	var u uint64
	for i := 0; i < n; i++ {
		u = u<<8 | uint64(b[i])
	}
	return T(u), n, nil
}

// PutBytes copies src verbatim to the start of b.
func PutBytes(b, src []byte) (int, error) {
	if len(b) < len(src) {
		return 0, tooSmall(len(src), len(b))
	}
	return copy(b, src), nil
}

// ReadBytes fills dst verbatim from the start of b.
func ReadBytes(b, dst []byte) (int, error) {
	if len(b) < len(dst) {
		return 0, tooSmall(len(dst), len(b))
	}
	return copy(dst, b[:len(dst)]), nil
}
