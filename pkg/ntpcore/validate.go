package ntpcore

import (
	"errors"
	"fmt"
)

var (
	ErrKissOfDeath     = errors.New("ntpcore: kiss of death")
	ErrUnsynchronized  = errors.New("ntpcore: server not synchronized")
	ErrUnexpectedMode  = errors.New("ntpcore: unexpected response mode")
	ErrZeroTransmit    = errors.New("ntpcore: zero transmit timestamp")
	ErrZeroReceive     = errors.New("ntpcore: zero receive timestamp")
	ErrInvalidRootDist = errors.New("ntpcore: root distance too large")
)

// MaxRootDistance bounds rootdelay/2 + rootdisp for a usable server, in seconds.
const MaxRootDistance = 16.0

// KissOfDeathError carries the kiss code of a stratum 0 reply.
type KissOfDeathError struct {
	Code string
}

func (e *KissOfDeathError) Error() string {
	return fmt.Sprintf("ntpcore: kiss of death (%s)", e.Code)
}

func (e *KissOfDeathError) Unwrap() error { return ErrKissOfDeath }

// Validate checks that a server reply is usable for synchronization. It is
// a policy layer for callers; decoding never applies it.
func Validate(h Header) error {
	if h.Mode != ModeServer && h.Mode != ModeBroadcast {
		return fmt.Errorf("%w: %s", ErrUnexpectedMode, h.Mode)
	}
	if h.Stratum.IsKissOfDeath() {
		return &KissOfDeathError{Code: h.KissCode()}
	}
	if h.Leap == LeapNotInSync || !h.Stratum.IsSynchronized() {
		return ErrUnsynchronized
	}
	if h.TransmitTime.IsZero() {
		return ErrZeroTransmit
	}
	if h.ReceiveTime.IsZero() {
		return ErrZeroReceive
	}
	if h.RootDelay.Seconds()/2+h.RootDispersion.Seconds() >= MaxRootDistance {
		return ErrInvalidRootDist
	}
	return nil
}
