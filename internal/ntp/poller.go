// Package ntp polls NTP servers and tracks the local clock offset
package ntp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/exchange"
	"github.com/neutrinoguy/timeprobe/internal/logger"
	"github.com/neutrinoguy/timeprobe/internal/metrics"
	"github.com/neutrinoguy/timeprobe/internal/session"
	"github.com/neutrinoguy/timeprobe/internal/transport"
	"github.com/neutrinoguy/timeprobe/pkg/ntpcore"
)

var (
	ErrNoServers        = errors.New("ntp: no servers configured")
	ErrAllServersFailed = errors.New("ntp: all servers failed")
	ErrRejected         = errors.New("ntp: reply rejected")
)

// stageDial labels failures to open a transport in metrics.
const stageDial exchange.Stage = "dial"

// Conn is a transport the poller owns for a single exchange.
type Conn interface {
	exchange.Transport
	Close() error
}

// Dialer opens a transport to address.
type Dialer func(ctx context.Context, address string, timeout time.Duration) (Conn, error)

// UDPDialer dials a real UDP socket.
func UDPDialer(ctx context.Context, address string, timeout time.Duration) (Conn, error) {
	return transport.Dial(ctx, address, timeout)
}

// Sample is one accepted exchange.
type Sample struct {
	Server string
	Time   time.Time
	exchange.Result
}

// SyncStatus represents the current sync state
type SyncStatus struct {
	Synchronized bool          `json:"synchronized"`
	ActiveServer string        `json:"active_server"`
	Stratum      int           `json:"stratum"`
	ReferenceID  string        `json:"reference_id"`
	Offset       time.Duration `json:"offset"`
	RTT          time.Duration `json:"rtt"`
	RootDistance float64       `json:"root_distance"`
	LastSync     time.Time     `json:"last_sync"`
	LastError    string        `json:"last_error,omitempty"`
	Polls        int           `json:"polls"`
	Failures     int           `json:"failures"`
}

// Option configures a Poller
type Option func(*Poller)

// WithDialer replaces the UDP dialer.
func WithDialer(d Dialer) Option {
	return func(p *Poller) { p.dial = d }
}

// WithClock replaces the local clock used for T1 and T4.
func WithClock(c exchange.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithMetrics publishes every exchange to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Poller) { p.metrics = c }
}

// WithRecorder stores exchanges in r while it is recording.
func WithRecorder(r *session.Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// WithLogger replaces the global logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Poller) { p.log = l }
}

// Poller queries servers in priority order and keeps the best sample
type Poller struct {
	mu       sync.RWMutex
	cfg      *config.Config
	log      *logger.Logger
	dial     Dialer
	clock    exchange.Clock
	metrics  *metrics.Collector
	recorder *session.Recorder

	status   SyncStatus
	offset   time.Duration
	samples  []Sample
	onUpdate []func(SyncStatus)

	// pollMu serializes polls from the loop and SyncNow callers.
	pollMu sync.Mutex

	running bool
	cancel  context.CancelFunc
	// idleCtx bounds polls forced while the loop is not running.
	idleCtx    context.Context
	idleCancel context.CancelFunc
	force   chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a poller for the servers in cfg
func NewPoller(cfg *config.Config, opts ...Option) *Poller {
	p := &Poller{
		cfg:   cfg,
		log:   logger.GetLogger(),
		dial:  UDPDialer,
		clock: exchange.SystemClock{},
		force: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnUpdate registers fn to be called after every poll
func (p *Poller) OnUpdate(fn func(SyncStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = append(p.onUpdate, fn)
}

// Start begins the periodic poll loop
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.pollLoop(ctx)
}

// Stop cancels any poll in flight, including one started by ForceSync on
// a stopped poller, and waits for it to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.idleCancel != nil {
		p.idleCancel()
		p.idleCtx, p.idleCancel = nil, nil
	}
	if p.running {
		p.running = false
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// ForceSync triggers an immediate poll. On a stopped poller the poll runs
// in the background until it finishes or Stop is called.
func (p *Poller) ForceSync() {
	p.mu.Lock()
	if !p.running {
		if p.idleCtx == nil {
			p.idleCtx, p.idleCancel = context.WithCancel(context.Background())
		}
		ctx := p.idleCtx
		p.wg.Add(1)
		p.mu.Unlock()

		go func() {
			defer p.wg.Done()
			p.SyncNow(ctx)
		}()
		return
	}
	p.mu.Unlock()

	select {
	case p.force <- struct{}{}:
	default:
		// A poll is already pending
	}
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	// Initial sync
	p.SyncNow(ctx)

	ticker := time.NewTicker(p.cfg.Client.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.SyncNow(ctx)
		case <-p.force:
			p.SyncNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SyncNow polls the active servers by priority and returns the sample of
// the first one that answers acceptably.
func (p *Poller) SyncNow(ctx context.Context) (Sample, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	servers := p.cfg.ActiveServers()
	if len(servers) == 0 {
		p.log.Warn(logger.CategoryPoller, "No servers configured")
		p.fail(ErrNoServers)
		return Sample{}, ErrNoServers
	}

	var lastErr error
	for _, server := range servers {
		addr := server.HostPort()
		p.log.Debugf(logger.CategoryPoller, "Polling %s", addr)

		best, err := p.pollServer(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return Sample{}, ctx.Err()
			}
			p.log.Warnf(logger.CategoryPoller, "No usable sample from %s: %v", addr, err)
			lastErr = err
			continue
		}

		p.accept(best)
		p.log.Infof(logger.CategoryPoller, "Synced with %s (stratum %d, offset %v, delay %v)",
			addr, best.Stratum, best.OffsetDuration(), best.DelayDuration())
		return best, nil
	}

	err := fmt.Errorf("%w: %w", ErrAllServersFailed, lastErr)
	p.fail(err)
	p.log.Error(logger.CategoryPoller, "Failed to sync with any server")
	return Sample{}, err
}

// pollServer takes the configured number of samples from one server and
// returns the one with the lowest delay.
func (p *Poller) pollServer(ctx context.Context, addr string) (Sample, error) {
	var (
		best    Sample
		found   bool
		lastErr error
	)
	for i := 0; i < p.cfg.Client.Samples; i++ {
		if i > 0 && p.cfg.Client.SampleSpacing > 0 {
			select {
			case <-time.After(p.cfg.Client.SampleSpacing):
			case <-ctx.Done():
				return Sample{}, ctx.Err()
			}
		}

		res, err := p.sampleWithRetry(ctx, addr)
		if err != nil {
			lastErr = err
			if errors.Is(err, ntpcore.ErrKissOfDeath) || ctx.Err() != nil {
				// The server asked us to go away; stop sampling it
				break
			}
			continue
		}

		s := Sample{Server: addr, Time: p.clock.Now(), Result: res}
		p.record(s)
		if !found || better(s, best) {
			best, found = s, true
		}
	}
	if !found {
		return Sample{}, lastErr
	}
	return best, nil
}

// better prefers non-negative delays, then the lower delay.
func better(a, b Sample) bool {
	if a.NegativeDelay() != b.NegativeDelay() {
		return !a.NegativeDelay()
	}
	return a.Delay < b.Delay
}

func (p *Poller) sampleWithRetry(ctx context.Context, addr string) (exchange.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.Client.Retries; attempt++ {
		res, err := p.exchangeOnce(ctx, addr)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ntpcore.ErrKissOfDeath) || ctx.Err() != nil {
			break
		}
	}
	return exchange.Result{}, lastErr
}

func (p *Poller) exchangeOnce(ctx context.Context, addr string) (exchange.Result, error) {
	conn, err := p.dial(ctx, addr, p.cfg.Client.Timeout)
	if err != nil {
		p.observeFailure(addr, stageDial)
		p.log.LogExchange(addr, exchange.Result{}, err)
		return exchange.Result{}, err
	}
	defer conn.Close()

	// Closing the transport unblocks a pending Receive on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var t exchange.Transport = conn
	var rt *session.RecordingTransport
	if p.recorder != nil && p.recorder.IsRecording() {
		rt = session.NewRecordingTransport(conn)
		t = rt
	}

	res, err := exchange.Run(t, p.clock)
	if err == nil {
		if verr := ntpcore.Validate(res.Header()); verr != nil {
			err = fmt.Errorf("%w: %w", ErrRejected, verr)
		}
	}

	if rt != nil {
		req, resp := rt.Exchanged()
		p.recorder.RecordExchange(addr, req, resp, res, err)
	}

	var xerr *exchange.Error
	switch {
	case err == nil:
		if p.metrics != nil {
			p.metrics.Observe(addr, res)
		}
	case errors.Is(err, ErrRejected):
		if p.metrics != nil {
			p.metrics.ObserveRejected(addr)
		}
	case errors.As(err, &xerr):
		p.observeFailure(addr, xerr.Stage)
	}
	p.log.LogExchange(addr, res, err)

	if err != nil {
		return exchange.Result{}, err
	}
	return res, nil
}

func (p *Poller) observeFailure(addr string, stage exchange.Stage) {
	if p.metrics != nil {
		p.metrics.ObserveFailure(addr, stage)
	}
}

// record appends s to the bounded sample history.
func (p *Poller) record(s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = append(p.samples, s)
	limit := p.cfg.Client.History
	if limit <= 0 {
		limit = 1
	}
	if over := len(p.samples) - limit; over > 0 {
		p.samples = p.samples[over:]
	}
}

func (p *Poller) accept(s Sample) {
	p.mu.Lock()
	p.offset = s.OffsetDuration()
	p.status = SyncStatus{
		Synchronized: true,
		ActiveServer: s.Server,
		Stratum:      int(s.Stratum),
		ReferenceID:  s.ReferenceID.Format(s.Stratum),
		Offset:       s.OffsetDuration(),
		RTT:          s.DelayDuration(),
		RootDistance: s.RootDistance(),
		LastSync:     s.Time,
		Polls:        p.status.Polls + 1,
		Failures:     p.status.Failures,
	}
	status, callbacks := p.status, p.onUpdate
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(status)
	}
}

func (p *Poller) fail(err error) {
	p.mu.Lock()
	p.status.Synchronized = false
	p.status.LastError = err.Error()
	p.status.Polls++
	p.status.Failures++
	status, callbacks := p.status, p.onUpdate
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(status)
	}
}

// Status returns the current sync status
func (p *Poller) Status() SyncStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Samples returns the accepted samples, oldest first
func (p *Poller) Samples() []Sample {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Sample, len(p.samples))
	copy(out, p.samples)
	return out
}

// Now returns local time corrected by the last accepted offset
func (p *Poller) Now() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.clock.Now()
	if !p.status.Synchronized {
		// Fall back to local time if not synchronized
		return now
	}
	return now.Add(p.offset)
}
