// Package session provides recording of NTP exchanges to disk
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neutrinoguy/timeprobe/internal/exchange"
	"github.com/neutrinoguy/timeprobe/pkg/ntpcore"
)

var (
	ErrAlreadyRecording = errors.New("session: recording already in progress")
	ErrNotRecording     = errors.New("session: no recording in progress")
	ErrInvalidID        = errors.New("session: invalid session id")
)

// ExchangeEvent is one recorded exchange
type ExchangeEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	Server    string      `json:"server"`
	Request   []byte      `json:"request,omitempty"`
	Response  []byte      `json:"response,omitempty"`
	Parsed    *PacketInfo `json:"parsed,omitempty"`
	Offset    float64     `json:"offset,omitempty"`
	Delay     float64     `json:"delay,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// PacketInfo is a human-readable header representation
type PacketInfo struct {
	Leap           string  `json:"leap"`
	Version        uint8   `json:"version"`
	Mode           string  `json:"mode"`
	Stratum        uint8   `json:"stratum"`
	Poll           int8    `json:"poll"`
	Precision      int8    `json:"precision"`
	RootDelay      float64 `json:"root_delay"`
	RootDispersion float64 `json:"root_dispersion"`
	ReferenceID    string  `json:"reference_id"`
	TransmitTime   string  `json:"transmit_time"`
	KoDCode        string  `json:"kod_code,omitempty"`
}

// Session represents a recording session
type Session struct {
	ID          string          `json:"id"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time,omitempty"`
	Description string          `json:"description,omitempty"`
	Events      []ExchangeEvent `json:"events"`
	Stats       Stats           `json:"stats"`
}

// Stats contains session statistics
type Stats struct {
	TotalExchanges int     `json:"total_exchanges"`
	Failures       int     `json:"failures"`
	UniqueServers  int     `json:"unique_servers"`
	MinDelay       float64 `json:"min_delay"`
	MeanOffset     float64 `json:"mean_offset"`
}

// Summary provides a summary of a session
type Summary struct {
	ID          string    `json:"id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Description string    `json:"description"`
	EventCount  int       `json:"event_count"`
	Stats       Stats     `json:"stats"`
}

// Recorder collects exchanges while active and writes them to dir on Stop
type Recorder struct {
	mu        sync.RWMutex
	dir       string
	active    bool
	session   *Session
	servers   map[string]bool
	offsetSum float64
}

// NewRecorder creates a recorder that saves sessions under dir
func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir}
}

// Start begins a new recording session
func (r *Recorder) Start(description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrAlreadyRecording
	}

	now := time.Now()
	r.session = &Session{
		ID:          fmt.Sprintf("session_%d", now.UnixNano()),
		StartTime:   now,
		Description: description,
		Events:      make([]ExchangeEvent, 0),
	}
	r.servers = make(map[string]bool)
	r.offsetSum = 0
	r.active = true
	return nil
}

// Stop ends the current recording and saves it
func (r *Recorder) Stop() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return nil, ErrNotRecording
	}

	s := r.session
	s.EndTime = time.Now()
	s.Stats.UniqueServers = len(r.servers)
	if ok := s.Stats.TotalExchanges - s.Stats.Failures; ok > 0 {
		s.Stats.MeanOffset = r.offsetSum / float64(ok)
	}

	if err := save(r.dir, s); err != nil {
		return nil, err
	}

	r.active = false
	r.session = nil
	return s, nil
}

// IsRecording returns whether recording is active
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// RecordExchange appends one exchange. The raw bytes are copied.
func (r *Recorder) RecordExchange(server string, request, response []byte, res exchange.Result, xerr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return
	}

	event := ExchangeEvent{
		Timestamp: time.Now(),
		Server:    server,
		Request:   clone(request),
		Response:  clone(response),
	}
	if h, _, err := ntpcore.UnmarshalHeader(response); err == nil {
		event.Parsed = headerInfo(h)
	}

	r.servers[server] = true
	r.session.Stats.TotalExchanges++
	if xerr != nil {
		event.Error = xerr.Error()
		r.session.Stats.Failures++
	} else {
		event.Offset = res.Offset
		event.Delay = res.Delay
		r.offsetSum += res.Offset
		if ok := r.session.Stats.TotalExchanges - r.session.Stats.Failures; ok == 1 || res.Delay < r.session.Stats.MinDelay {
			r.session.Stats.MinDelay = res.Delay
		}
	}
	r.session.Events = append(r.session.Events, event)
}

// Current returns the active session summary, or nil
func (r *Recorder) Current() *Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.active || r.session == nil {
		return nil
	}
	return &Summary{
		ID:          r.session.ID,
		StartTime:   r.session.StartTime,
		Description: r.session.Description,
		EventCount:  len(r.session.Events),
		Stats:       r.session.Stats,
	}
}

func save(dir string, s *Session) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, s.ID+".json"), data, 0644)
}

func sessionPath(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(dir, id+".json"), nil
}

// List returns summaries of the sessions saved in dir, oldest first
func List(dir string) ([]Summary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, err
	}

	sessions := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}

		sessions = append(sessions, Summary{
			ID:          s.ID,
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			Description: s.Description,
			EventCount:  len(s.Events),
			Stats:       s.Stats,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
	return sessions, nil
}

// Load reads a session from dir
func Load(dir, id string) (*Session, error) {
	path, err := sessionPath(dir, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	return &s, nil
}

// Delete removes a session file from dir
func Delete(dir, id string) error {
	path, err := sessionPath(dir, id)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func headerInfo(h ntpcore.Header) *PacketInfo {
	info := &PacketInfo{
		Leap:           h.Leap.String(),
		Version:        h.Version.Uint8(),
		Mode:           h.Mode.String(),
		Stratum:        h.Stratum.Uint8(),
		Poll:           h.Poll.Int8(),
		Precision:      h.Precision.Int8(),
		RootDelay:      h.RootDelay.Seconds(),
		RootDispersion: h.RootDispersion.Seconds(),
		ReferenceID:    h.ReferenceID.Format(h.Stratum),
		TransmitTime:   h.TransmitTime.Time().UTC().Format(time.RFC3339Nano),
		KoDCode:        h.KissCode(),
	}
	return info
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
