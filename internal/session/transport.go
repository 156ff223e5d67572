package session

import (
	"sync"

	"github.com/neutrinoguy/timeprobe/internal/exchange"
)

// RecordingTransport wraps a transport and keeps a copy of the last
// datagram sent and received.
type RecordingTransport struct {
	inner exchange.Transport

	mu       sync.Mutex
	sent     []byte
	received []byte
}

// NewRecordingTransport wraps t.
func NewRecordingTransport(t exchange.Transport) *RecordingTransport {
	return &RecordingTransport{inner: t}
}

func (t *RecordingTransport) Send(b []byte) error {
	t.mu.Lock()
	t.sent = clone(b)
	t.received = nil
	t.mu.Unlock()
	return t.inner.Send(b)
}

func (t *RecordingTransport) Receive(b []byte) (int, error) {
	n, err := t.inner.Receive(b)
	if n > 0 {
		t.mu.Lock()
		t.received = clone(b[:n])
		t.mu.Unlock()
	}
	return n, err
}

// Exchanged returns the last request and response bytes.
func (t *RecordingTransport) Exchanged() (request, response []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent, t.received
}
