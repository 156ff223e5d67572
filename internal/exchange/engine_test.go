package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutrinoguy/timeprobe/pkg/ntpcore"
)

type fakeTransport struct {
	sent    [][]byte
	reply   []byte
	sendErr error
	recvErr error

	onSend func()
}

func (f *fakeTransport) Send(b []byte) error {
	if f.onSend != nil {
		f.onSend()
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) Receive(b []byte) (int, error) {
	if f.recvErr != nil {
		return 0, f.recvErr
	}
	return copy(b, f.reply), nil
}

// scriptedClock returns its readings in order.
type scriptedClock struct {
	readings []time.Time
	calls    int
}

func (c *scriptedClock) Now() time.Time {
	t := c.readings[c.calls]
	c.calls++
	return t
}

var base = time.Unix(1_700_000_000, 0)

func serverReply(rec, xmt time.Time) []byte {
	h := ntpcore.Header{
		Leap:           ntpcore.LeapNoWarning,
		Version:        ntpcore.Version4,
		Mode:           ntpcore.ModeServer,
		Stratum:        2,
		Precision:      -20,
		RootDelay:      ntpcore.NewShort(0, 0x0100),
		RootDispersion: ntpcore.NewShort(0, 0x0200),
		ReferenceID:    ntpcore.ReferenceID{10, 0, 0, 1},
		ReceiveTime:    ntpcore.TimestampFromTime(rec),
		TransmitTime:   ntpcore.TimestampFromTime(xmt),
	}
	return h.Bytes()
}

func TestCompute(t *testing.T) {
	offset, delay := Compute(
		ntpcore.NewTimestamp(0, 0),
		ntpcore.NewTimestamp(5, 0),
		ntpcore.NewTimestamp(6, 0),
		ntpcore.NewTimestamp(10, 0),
	)
	assert.Equal(t, 0.5, offset)
	assert.Equal(t, 9.0, delay)
}

func TestComputeNegativeDelayPassedThrough(t *testing.T) {
	// Server claims 3s of processing inside a 1s round trip.
	_, delay := Compute(
		ntpcore.NewTimestamp(100, 0),
		ntpcore.NewTimestamp(100, 0),
		ntpcore.NewTimestamp(103, 0),
		ntpcore.NewTimestamp(101, 0),
	)
	assert.Equal(t, -2.0, delay)
}

func TestRunComputesOffsetAndDelay(t *testing.T) {
	tr := &fakeTransport{reply: serverReply(base.Add(5*time.Second), base.Add(6*time.Second))}
	clk := &scriptedClock{readings: []time.Time{base, base.Add(10 * time.Second)}}

	e := NewEngine(tr, clk)
	res, err := e.Run()
	require.NoError(t, err)

	assert.Equal(t, StateComputed, e.State())
	assert.Equal(t, 0.5, res.Offset)
	assert.Equal(t, 9.0, res.Delay)
	assert.Equal(t, 500*time.Millisecond, res.OffsetDuration())
	assert.Equal(t, 9*time.Second, res.DelayDuration())
	assert.False(t, res.NegativeDelay())

	assert.Equal(t, ntpcore.Stratum(2), res.Stratum)
	assert.Equal(t, ntpcore.ModeServer, res.Mode)
	assert.Equal(t, ntpcore.ReferenceID{10, 0, 0, 1}, res.ReferenceID)
	assert.Equal(t, ntpcore.TimestampFromTime(base), res.T1)
	assert.Equal(t, ntpcore.TimestampFromTime(base.Add(10*time.Second)), res.T4)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, ntpcore.NewClientRequest().Bytes(), tr.sent[0])
}

func TestRunSamplesT1BeforeSend(t *testing.T) {
	clk := &scriptedClock{readings: []time.Time{base, base.Add(time.Second)}}
	tr := &fakeTransport{reply: serverReply(base, base)}
	tr.onSend = func() {
		assert.Equal(t, 1, clk.calls, "T1 must be read before the request is sent")
	}

	_, err := Run(tr, clk)
	require.NoError(t, err)
	assert.Equal(t, 2, clk.calls)
}

func TestRunSendFailure(t *testing.T) {
	cause := errors.New("network unreachable")
	tr := &fakeTransport{sendErr: cause}
	clk := &scriptedClock{readings: []time.Time{base, base}}

	e := NewEngine(tr, clk)
	res, err := e.Run()
	require.Error(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, StateFailed, e.State())
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)

	var xerr *Error
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, StageSend, xerr.Stage)
}

func TestRunReceiveFailure(t *testing.T) {
	cause := errors.New("i/o timeout")
	tr := &fakeTransport{recvErr: cause}
	clk := &scriptedClock{readings: []time.Time{base, base}}

	_, err := Run(tr, clk)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)

	var xerr *Error
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, StageReceive, xerr.Stage)
	assert.Contains(t, err.Error(), "receive")
}

func TestRunShortReply(t *testing.T) {
	tr := &fakeTransport{reply: make([]byte, 20)}
	clk := &scriptedClock{readings: []time.Time{base, base}}

	e := NewEngine(tr, clk)
	_, err := e.Run()
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, ntpcore.ErrBufferTooSmall)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateFailed, e.State())
}

func TestRunEmptyReply(t *testing.T) {
	tr := &fakeTransport{reply: nil}
	clk := &scriptedClock{readings: []time.Time{base, base}}

	_, err := Run(tr, clk)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRunEngineReuse(t *testing.T) {
	tr := &fakeTransport{reply: serverReply(base, base)}
	clk := &scriptedClock{readings: []time.Time{base, base, base, base}}

	e := NewEngine(tr, clk)
	_, err := e.Run()
	require.NoError(t, err)
	_, err = e.Run()
	require.NoError(t, err)
	assert.Len(t, tr.sent, 2)
}

func TestRootDistance(t *testing.T) {
	r := Result{
		Delay:          0.5,
		RootDelay:      ntpcore.NewShort(1, 0),
		RootDispersion: ntpcore.NewShort(0, 0x8000),
	}
	assert.Equal(t, 1.25, r.RootDistance())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "computed", StateComputed.String())
	assert.Equal(t, "failed", StateFailed.String())
}

func TestResultHeaderValidates(t *testing.T) {
	tr := &fakeTransport{reply: serverReply(base, base)}
	clk := &scriptedClock{readings: []time.Time{base, base}}

	res, err := Run(tr, clk)
	require.NoError(t, err)

	h := res.Header()
	assert.Equal(t, res.T3, h.TransmitTime)
	assert.Equal(t, res.Stratum, h.Stratum)
	assert.NoError(t, ntpcore.Validate(h))
}

func TestResultHeaderMatchesReply(t *testing.T) {
	want := ntpcore.Header{
		Leap:           ntpcore.LeapAddSecond,
		Version:        ntpcore.Version4,
		Mode:           ntpcore.ModeServer,
		Stratum:        3,
		Poll:           6,
		Precision:      -23,
		RootDelay:      ntpcore.NewShort(0, 0x0100),
		RootDispersion: ntpcore.NewShort(0, 0x0200),
		ReferenceID:    ntpcore.ReferenceID{10, 0, 0, 1},
		ReferenceTime:  ntpcore.TimestampFromTime(base.Add(-time.Minute)),
		OriginTime:     ntpcore.NewTimestamp(7, 8),
		ReceiveTime:    ntpcore.TimestampFromTime(base),
		TransmitTime:   ntpcore.TimestampFromTime(base),
	}
	tr := &fakeTransport{reply: want.Bytes()}
	clk := &scriptedClock{readings: []time.Time{base, base}}

	res, err := Run(tr, clk)
	require.NoError(t, err)
	assert.Equal(t, want, res.Header())
}
