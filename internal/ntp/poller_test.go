package ntp

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/exchange"
	"github.com/neutrinoguy/timeprobe/internal/logger"
	"github.com/neutrinoguy/timeprobe/internal/metrics"
	"github.com/neutrinoguy/timeprobe/internal/responder"
	"github.com/neutrinoguy/timeprobe/internal/session"
	"github.com/neutrinoguy/timeprobe/pkg/ntpcore"
)

// fakeServer replays scripted replies in order; the last one repeats. A nil
// reply blocks Receive until the connection is closed.
type fakeServer struct {
	mu      sync.Mutex
	replies []func() ([]byte, error)
	calls   int
}

func (f *fakeServer) next() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	f.calls++
	return f.replies[i]()
}

type fakeConn struct {
	srv    *fakeServer
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Send([]byte) error { return nil }

func (c *fakeConn) Receive(b []byte) (int, error) {
	reply, err := c.srv.next()
	if err != nil {
		return 0, err
	}
	if reply == nil {
		<-c.closed
		return 0, io.EOF
	}
	return copy(b, reply), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeNetwork map[string]*fakeServer

func (n fakeNetwork) dial(_ context.Context, address string, _ time.Duration) (Conn, error) {
	srv, ok := n[address]
	if !ok {
		return nil, errors.New("no route to host")
	}
	return &fakeConn{srv: srv, closed: make(chan struct{})}, nil
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func reply(h ntpcore.Header) func() ([]byte, error) {
	return func() ([]byte, error) { return h.Bytes(), nil }
}

func good(stratum ntpcore.Stratum, rec, xmt time.Time) ntpcore.Header {
	return ntpcore.Header{
		Version:      ntpcore.Version4,
		Mode:         ntpcore.ModeServer,
		Stratum:      stratum,
		ReferenceID:  ntpcore.ReferenceIDFromString("GPS"),
		ReceiveTime:  ntpcore.TimestampFromTime(rec),
		TransmitTime: ntpcore.TimestampFromTime(xmt),
	}
}

func testConfig(servers ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Client.Samples = 1
	cfg.Client.Retries = 0
	cfg.Client.SampleSpacing = 0
	cfg.Client.Timeout = time.Second
	var list []config.ServerConfig
	for i, s := range servers {
		list = append(list, config.ServerConfig{Address: s, Port: 123, Priority: i + 1, Enabled: true})
	}
	cfg.SetServers(list)
	return cfg
}

func quietLogger() *logger.Logger { return logger.New(io.Discard) }

func TestSyncNowFailsOver(t *testing.T) {
	net := fakeNetwork{
		"b:123": {replies: []func() ([]byte, error){reply(good(2, epoch.Add(time.Second), epoch.Add(time.Second)))}},
	}
	clk := &stepClock{now: epoch, step: 100 * time.Millisecond}
	p := NewPoller(testConfig("a", "b"), WithDialer(net.dial), WithClock(clk), WithLogger(quietLogger()))

	s, err := p.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b:123", s.Server)

	st := p.Status()
	assert.True(t, st.Synchronized)
	assert.Equal(t, "b:123", st.ActiveServer)
	assert.Equal(t, 2, st.Stratum)
	assert.Equal(t, 1, st.Polls)
	// T1=epoch, T4=epoch+100ms, server at +1s: offset = 1s - 50ms
	assert.InDelta(t, 0.95, st.Offset.Seconds(), 1e-6)
	assert.InDelta(t, 0.1, st.RTT.Seconds(), 1e-6)
}

func TestSyncNowKeepsMinimumDelay(t *testing.T) {
	srv := &fakeServer{replies: []func() ([]byte, error){
		reply(good(1, epoch, epoch.Add(10*time.Millisecond))),  // delay 190ms
		reply(good(1, epoch, epoch.Add(180*time.Millisecond))), // delay 20ms
		reply(good(1, epoch, epoch.Add(50*time.Millisecond))),  // delay 150ms
	}}
	cfg := testConfig("a")
	cfg.Client.Samples = 3
	clk := &stepClock{now: epoch, step: 200 * time.Millisecond}
	p := NewPoller(cfg, WithDialer(fakeNetwork{"a:123": srv}.dial), WithClock(clk), WithLogger(quietLogger()))

	s, err := p.SyncNow(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.02, s.Delay, 1e-6)
	assert.Len(t, p.Samples(), 3)
}

func TestBetterPrefersNonNegativeDelay(t *testing.T) {
	neg := Sample{Result: exchange.Result{Delay: -0.5}}
	pos := Sample{Result: exchange.Result{Delay: 0.3}}
	low := Sample{Result: exchange.Result{Delay: 0.1}}
	assert.True(t, better(pos, neg))
	assert.False(t, better(neg, pos))
	assert.True(t, better(low, pos))
}

func TestSyncNowRejectsUnsynchronized(t *testing.T) {
	h := good(16, epoch, epoch)
	net := fakeNetwork{"a:123": {replies: []func() ([]byte, error){reply(h)}}}
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	p := NewPoller(testConfig("a"), WithDialer(net.dial), WithMetrics(m), WithLogger(quietLogger()))

	_, err := p.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrAllServersFailed)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ntpcore.ErrUnsynchronized)
	assert.False(t, p.Status().Synchronized)
	assert.Equal(t, 1, p.Status().Failures)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exchanges.WithLabelValues("a:123", metrics.ResultRejected)))
}

func TestKissOfDeathStopsSampling(t *testing.T) {
	kod := ntpcore.Header{Version: ntpcore.Version4, Mode: ntpcore.ModeServer, ReferenceID: ntpcore.ReferenceIDFromString("RATE")}
	srv := &fakeServer{replies: []func() ([]byte, error){reply(kod)}}
	cfg := testConfig("a")
	cfg.Client.Samples = 4
	cfg.Client.Retries = 2
	p := NewPoller(cfg, WithDialer(fakeNetwork{"a:123": srv}.dial), WithLogger(quietLogger()))

	_, err := p.SyncNow(context.Background())
	assert.ErrorIs(t, err, ntpcore.ErrKissOfDeath)
	assert.Equal(t, 1, srv.calls)
}

func TestRetriesTransportFailure(t *testing.T) {
	srv := &fakeServer{replies: []func() ([]byte, error){
		func() ([]byte, error) { return nil, errors.New("i/o timeout") },
		reply(good(3, epoch, epoch)),
	}}
	cfg := testConfig("a")
	cfg.Client.Retries = 1
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p := NewPoller(cfg, WithDialer(fakeNetwork{"a:123": srv}.dial), WithMetrics(m), WithLogger(quietLogger()))

	_, err := p.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, srv.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exchanges.WithLabelValues("a:123", string(exchange.StageReceive))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exchanges.WithLabelValues("a:123", metrics.ResultOK)))
}

func TestDialFailureCounted(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p := NewPoller(testConfig("nowhere"), WithDialer(fakeNetwork{}.dial), WithMetrics(m), WithLogger(quietLogger()))

	_, err := p.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrAllServersFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exchanges.WithLabelValues("nowhere:123", "dial")))
}

func TestNoServers(t *testing.T) {
	cfg := testConfig()
	p := NewPoller(cfg, WithLogger(quietLogger()))
	_, err := p.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrNoServers)
	assert.Equal(t, ErrNoServers.Error(), p.Status().LastError)
}

func TestCancelUnblocksReceive(t *testing.T) {
	hang := &fakeServer{replies: []func() ([]byte, error){func() ([]byte, error) { return nil, nil }}}
	p := NewPoller(testConfig("a"), WithDialer(fakeNetwork{"a:123": hang}.dial), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := p.SyncNow(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("SyncNow did not return after cancel")
	}
}

func TestStopCancelsForcedSync(t *testing.T) {
	hang := &fakeServer{replies: []func() ([]byte, error){func() ([]byte, error) { return nil, nil }}}
	p := NewPoller(testConfig("a"), WithDialer(fakeNetwork{"a:123": hang}.dial), WithLogger(quietLogger()))

	p.ForceSync()
	require.Eventually(t, func() bool {
		hang.mu.Lock()
		defer hang.mu.Unlock()
		return hang.calls > 0
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the forced sync")
	}
	assert.False(t, p.Status().Synchronized)
}

func TestNowAppliesOffset(t *testing.T) {
	net := fakeNetwork{"a:123": {replies: []func() ([]byte, error){reply(good(2, epoch.Add(time.Hour), epoch.Add(time.Hour)))}}}
	clk := &stepClock{now: epoch}
	p := NewPoller(testConfig("a"), WithDialer(net.dial), WithClock(clk), WithLogger(quietLogger()))

	assert.Equal(t, epoch, p.Now(), "unsynchronized poller reports local time")

	_, err := p.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), p.Now())
}

func TestRecorderCapturesExchanges(t *testing.T) {
	net := fakeNetwork{"a:123": {replies: []func() ([]byte, error){reply(good(2, epoch, epoch))}}}
	rec := session.NewRecorder(t.TempDir())
	require.NoError(t, rec.Start("poller"))
	p := NewPoller(testConfig("a"), WithDialer(net.dial), WithRecorder(rec), WithLogger(quietLogger()))

	_, err := p.SyncNow(context.Background())
	require.NoError(t, err)

	s, err := rec.Stop()
	require.NoError(t, err)
	require.Len(t, s.Events, 1)
	assert.Equal(t, "a:123", s.Events[0].Server)
	assert.Len(t, s.Events[0].Request, ntpcore.HeaderSize)
	assert.Len(t, s.Events[0].Response, ntpcore.HeaderSize)
}

func TestStartStopWithResponder(t *testing.T) {
	r := responder.New(config.ResponderConfig{Listen: "127.0.0.1:0", Stratum: 1, ReferenceID: "LOCL", Skew: 2 * time.Second})
	require.NoError(t, r.Start())
	defer r.Stop()

	cfg := config.DefaultConfig()
	cfg.Client.Samples = 2
	cfg.Client.SampleSpacing = time.Millisecond
	cfg.Client.PollInterval = time.Hour
	cfg.SetServers([]config.ServerConfig{{Address: r.Addr(), Enabled: true}})

	updates := make(chan SyncStatus, 4)
	p := NewPoller(cfg, WithLogger(quietLogger()))
	p.OnUpdate(func(s SyncStatus) { updates <- s })
	p.Start()
	defer p.Stop()

	select {
	case st := <-updates:
		require.True(t, st.Synchronized, st.LastError)
		assert.InDelta(t, 2.0, st.Offset.Seconds(), 0.05)
		assert.Equal(t, "LOCL", st.ReferenceID)
	case <-time.After(5 * time.Second):
		t.Fatal("no poll completed")
	}

	p.ForceSync()
	select {
	case st := <-updates:
		assert.Equal(t, 2, st.Polls)
	case <-time.After(5 * time.Second):
		t.Fatal("forced poll did not run")
	}
}
