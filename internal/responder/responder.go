// Package responder implements a small NTP server for local testing
package responder

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/logger"
	"github.com/neutrinoguy/timeprobe/pkg/ntpcore"
)

var (
	ErrAlreadyRunning = errors.New("responder: already running")
	ErrNotRunning     = errors.New("responder: not running")
)

const (
	precision      = -20 // ~1 microsecond
	rootDispersion = 10 * time.Millisecond
)

// Responder answers client-mode NTP requests on a UDP socket
type Responder struct {
	mu      sync.Mutex
	cfg     config.ResponderConfig
	log     *logger.Logger
	now     func() time.Time
	conn    *net.UDPConn
	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	startTime   time.Time
	requests    atomic.Uint64
	responses   atomic.Uint64
	ignored     atomic.Uint64
	errors      atomic.Uint64
	kissOfDeath atomic.Uint64

	clientsMu sync.Mutex
	clients   map[string]time.Time
}

// Stats is a snapshot of responder counters
type Stats struct {
	Uptime        time.Duration
	Requests      uint64
	Responses     uint64
	Ignored       uint64
	Errors        uint64
	KissOfDeath   uint64
	UniqueClients int
}

// New creates a responder from cfg
func New(cfg config.ResponderConfig) *Responder {
	return &Responder{
		cfg:     cfg,
		log:     logger.GetLogger(),
		now:     time.Now,
		clients: make(map[string]time.Time),
	}
}

// SetClock replaces the time source. It must be called before Start.
func (r *Responder) SetClock(now func() time.Time) {
	r.now = now
}

// Start binds the listen address and begins answering requests
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return ErrAlreadyRunning
	}

	udpAddr, err := net.ResolveUDPAddr("udp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", r.cfg.Listen, err)
	}

	r.conn = conn
	r.stop = make(chan struct{})
	r.startTime = time.Now()
	r.running.Store(true)

	r.wg.Add(1)
	go r.handleRequests()

	r.log.Infof(logger.CategoryResponder, "NTP responder started on %s (stratum %d, skew %v)",
		conn.LocalAddr(), r.cfg.Stratum, r.cfg.Skew)
	if r.cfg.KissCode != "" {
		r.log.Warnf(logger.CategoryResponder, "Answering every request with Kiss-of-Death %s", r.cfg.KissCode)
	}
	return nil
}

// Stop closes the socket and waits for the handler to exit
func (r *Responder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Load() {
		return ErrNotRunning
	}

	close(r.stop)
	r.conn.Close()
	r.wg.Wait()

	r.running.Store(false)
	r.log.Info(logger.CategoryResponder, "NTP responder stopped")
	return nil
}

// Addr returns the bound address, or the configured one when stopped
func (r *Responder) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || !r.running.Load() {
		return r.cfg.Listen
	}
	return r.conn.LocalAddr().String()
}

// IsRunning returns whether the responder is running
func (r *Responder) IsRunning() bool {
	return r.running.Load()
}

// Stats returns responder statistics
func (r *Responder) Stats() Stats {
	r.clientsMu.Lock()
	clients := len(r.clients)
	r.clientsMu.Unlock()

	var uptime time.Duration
	if r.running.Load() {
		uptime = time.Since(r.startTime)
	}
	return Stats{
		Uptime:        uptime,
		Requests:      r.requests.Load(),
		Responses:     r.responses.Load(),
		Ignored:       r.ignored.Load(),
		Errors:        r.errors.Load(),
		KissOfDeath:   r.kissOfDeath.Load(),
		UniqueClients: clients,
	}
}

func (r *Responder) handleRequests() {
	defer r.wg.Done()

	buffer := make([]byte, 1024)
	for {
		n, clientAddr, err := r.conn.ReadFromUDP(buffer)
		// Receive time is taken before anything else touches the packet.
		received := r.clock()
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
				r.log.Errorf(logger.CategoryResponder, "Read error: %v", err)
				r.errors.Add(1)
				continue
			}
		}

		resp, ok := r.respond(buffer[:n], clientAddr.String(), received)
		if !ok {
			continue
		}
		if _, err := r.conn.WriteToUDP(resp, clientAddr); err != nil {
			r.log.Errorf(logger.CategoryResponder, "Failed to send response to %s: %v", clientAddr, err)
			r.errors.Add(1)
			continue
		}
		r.responses.Add(1)
	}
}

// clock returns the responder's skewed notion of now.
func (r *Responder) clock() time.Time {
	return r.now().Add(r.cfg.Skew)
}

// respond builds the reply to one datagram. ok is false when the datagram
// should be dropped.
func (r *Responder) respond(data []byte, client string, received time.Time) ([]byte, bool) {
	req, _, err := ntpcore.UnmarshalHeader(data)
	if err != nil {
		r.log.Warnf(logger.CategoryResponder, "Invalid packet from %s: %v", client, err)
		r.errors.Add(1)
		return nil, false
	}
	if req.Mode != ntpcore.ModeClient {
		r.log.Debugf(logger.CategoryResponder, "Non-client packet from %s (mode: %s)", client, req.Mode)
		r.ignored.Add(1)
		return nil, false
	}

	r.requests.Add(1)
	r.clientsMu.Lock()
	r.clients[client] = received
	r.clientsMu.Unlock()

	resp := ntpcore.Header{
		Leap:           ntpcore.LeapNoWarning,
		Version:        req.Version, // Echo client's version
		Mode:           ntpcore.ModeServer,
		Stratum:        ntpcore.Stratum(r.cfg.Stratum),
		Poll:           req.Poll,
		Precision:      precision,
		RootDispersion: ntpcore.ShortFromDuration(rootDispersion),
		ReferenceID:    referenceID(r.cfg),
		ReferenceTime:  ntpcore.TimestampFromTime(received.Add(-time.Second)),
		OriginTime:     req.TransmitTime,
		ReceiveTime:    ntpcore.TimestampFromTime(received),
	}

	if r.cfg.KissCode != "" {
		resp.Leap = ntpcore.LeapNotInSync
		resp.Stratum = 0
		resp.ReferenceID = ntpcore.ReferenceIDFromString(r.cfg.KissCode)
		r.kissOfDeath.Add(1)
		r.log.Infof(logger.CategoryResponder, "Sent Kiss-of-Death %s to %s", r.cfg.KissCode, client)
	} else {
		r.log.Debugf(logger.CategoryResponder, "Request from %s (version %d, poll %d)", client, req.Version, req.Poll)
	}

	resp.TransmitTime = ntpcore.TimestampFromTime(r.clock())
	return resp.Bytes(), true
}

// referenceID reads the configured id as ASCII for stratum 0-1 and as an
// IPv4 address above that.
func referenceID(cfg config.ResponderConfig) ntpcore.ReferenceID {
	if cfg.Stratum > 1 {
		if ip := net.ParseIP(cfg.ReferenceID); ip != nil {
			return ntpcore.ReferenceIDFromIP(ip)
		}
	}
	return ntpcore.ReferenceIDFromString(cfg.ReferenceID)
}
