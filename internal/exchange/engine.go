// Package exchange runs a single NTP client request/response round trip and
// derives clock offset and round-trip delay from its four timestamps.
package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/neutrinoguy/timeprobe/pkg/ntpcore"
)

// receiveBufferSize leaves room for extension fields and a MAC after the header.
const receiveBufferSize = 1024

var (
	ErrEncode    = errors.New("exchange: encode request")
	ErrTransport = errors.New("exchange: transport failure")
	ErrDecode    = errors.New("exchange: decode response")
)

// Transport moves raw datagrams to and from one server. Receive blocks until
// a datagram arrives, the transport's own timeout fires, or it is closed.
type Transport interface {
	Send(b []byte) error
	Receive(b []byte) (int, error)
}

// Clock supplies local time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// State is the position of an engine in its single round trip.
type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateResponseReceived
	StateComputed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request sent"
	case StateResponseReceived:
		return "response received"
	case StateComputed:
		return "computed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stage names the step an exchange failed in.
type Stage string

const (
	StageEncode  Stage = "encode"
	StageSend    Stage = "send"
	StageReceive Stage = "receive"
	StageDecode  Stage = "decode"
)

// Error reports which stage of an exchange failed. It matches both the stage
// sentinel (ErrEncode, ErrTransport, ErrDecode) and the underlying cause.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange: %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.kind(), e.Err}
}

func (e *Error) kind() error {
	switch e.Stage {
	case StageEncode:
		return ErrEncode
	case StageDecode:
		return ErrDecode
	default:
		return ErrTransport
	}
}

// Result is the outcome of one exchange. Offset is positive when the server
// clock is ahead of the local clock. Both values are in seconds.
type Result struct {
	Offset float64
	Delay  float64

	T1 ntpcore.Timestamp // local transmit
	T2 ntpcore.Timestamp // server receive
	T3 ntpcore.Timestamp // server transmit
	T4 ntpcore.Timestamp // local receive

	Leap           ntpcore.LeapIndicator
	Version        ntpcore.Version
	Mode           ntpcore.Mode
	Stratum        ntpcore.Stratum
	Poll           ntpcore.Poll
	Precision      ntpcore.Precision
	ReferenceID    ntpcore.ReferenceID
	ReferenceTime  ntpcore.Timestamp
	OriginTime     ntpcore.Timestamp
	RootDelay      ntpcore.Short
	RootDispersion ntpcore.Short
}

// OffsetDuration returns Offset as a time.Duration.
func (r Result) OffsetDuration() time.Duration {
	return time.Duration(r.Offset * float64(time.Second))
}

// DelayDuration returns Delay as a time.Duration.
func (r Result) DelayDuration() time.Duration {
	return time.Duration(r.Delay * float64(time.Second))
}

// NegativeDelay reports a delay below zero. It happens when the local clock
// steps or the server's processing time exceeds the measured round trip, and
// means the sample should not be trusted.
func (r Result) NegativeDelay() bool { return r.Delay < 0 }

// RootDistance is the maximum error of the offset relative to the primary
// reference: rootdelay/2 + rootdisp + delay/2.
func (r Result) RootDistance() float64 {
	return r.RootDelay.Seconds()/2 + r.RootDispersion.Seconds() + r.Delay/2
}

// Header rebuilds the server's reply header, for use with ntpcore.Validate.
func (r Result) Header() ntpcore.Header {
	return ntpcore.Header{
		Leap:           r.Leap,
		Version:        r.Version,
		Mode:           r.Mode,
		Stratum:        r.Stratum,
		Poll:           r.Poll,
		Precision:      r.Precision,
		RootDelay:      r.RootDelay,
		RootDispersion: r.RootDispersion,
		ReferenceID:    r.ReferenceID,
		ReferenceTime:  r.ReferenceTime,
		OriginTime:     r.OriginTime,
		ReceiveTime:    r.T2,
		TransmitTime:   r.T3,
	}
}

// Compute solves the four-timestamp equations assuming a symmetric path.
// A negative delay is returned as is.
func Compute(t1, t2, t3, t4 ntpcore.Timestamp) (offset, delay float64) {
	offset = (t2.Sub(t1) + t3.Sub(t4)) / 2
	delay = t4.Sub(t1) - t3.Sub(t2)
	return offset, delay
}

// Engine performs one exchange at a time over a transport. It keeps no
// state between exchanges besides the last State and is not safe for
// concurrent use.
type Engine struct {
	transport Transport
	clock     Clock
	state     State
}

// NewEngine binds an engine to a transport and clock. A nil clock uses
// SystemClock.
func NewEngine(t Transport, c Clock) *Engine {
	if c == nil {
		c = SystemClock{}
	}
	return &Engine{transport: t, clock: c}
}

// State returns where the last Run stopped.
func (e *Engine) State() State { return e.state }

// Run sends a client request and computes offset and delay from the reply.
func (e *Engine) Run() (Result, error) {
	e.state = StateIdle

	req := make([]byte, ntpcore.HeaderSize)
	if _, err := ntpcore.NewClientRequest().MarshalTo(req); err != nil {
		return e.fail(StageEncode, err)
	}

	// T1 is taken before the bytes leave so it never lags the real send.
	t1 := e.clock.Now()
	if err := e.transport.Send(req); err != nil {
		return e.fail(StageSend, err)
	}
	e.state = StateRequestSent

	buf := make([]byte, receiveBufferSize)
	n, err := e.transport.Receive(buf)
	// T4 is taken once the datagram is fully available.
	t4 := e.clock.Now()
	if err != nil {
		return e.fail(StageReceive, err)
	}
	e.state = StateResponseReceived

	resp, _, err := ntpcore.UnmarshalHeader(buf[:n])
	if err != nil {
		return e.fail(StageDecode, err)
	}

	res := Result{
		T1:             ntpcore.TimestampFromTime(t1),
		T2:             resp.ReceiveTime,
		T3:             resp.TransmitTime,
		T4:             ntpcore.TimestampFromTime(t4),
		Leap:           resp.Leap,
		Version:        resp.Version,
		Mode:           resp.Mode,
		Stratum:        resp.Stratum,
		Poll:           resp.Poll,
		Precision:      resp.Precision,
		ReferenceID:    resp.ReferenceID,
		ReferenceTime:  resp.ReferenceTime,
		OriginTime:     resp.OriginTime,
		RootDelay:      resp.RootDelay,
		RootDispersion: resp.RootDispersion,
	}
	res.Offset, res.Delay = Compute(res.T1, res.T2, res.T3, res.T4)
	e.state = StateComputed
	return res, nil
}

func (e *Engine) fail(stage Stage, err error) (Result, error) {
	e.state = StateFailed
	return Result{}, &Error{Stage: stage, Err: err}
}

// Run performs one exchange over t using c for local time.
func Run(t Transport, c Clock) (Result, error) {
	return NewEngine(t, c).Run()
}
