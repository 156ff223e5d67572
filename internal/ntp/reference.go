package ntp

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"

	"github.com/neutrinoguy/timeprobe/internal/exchange"
	"github.com/neutrinoguy/timeprobe/internal/transport"
)

// ReferenceResult is a server's answer as seen by the beevik/ntp client.
type ReferenceResult struct {
	Offset       time.Duration
	RTT          time.Duration
	Stratum      int
	ReferenceID  uint32
	RootDistance time.Duration
	Leap         ntp.LeapIndicator
}

// Reference queries address with an independent NTP client.
func Reference(address string, timeout time.Duration) (ReferenceResult, error) {
	options := ntp.QueryOptions{
		Timeout: timeout,
		TTL:     128,
	}

	response, err := ntp.QueryWithOptions(transport.WithDefaultPort(address, transport.DefaultPort), options)
	if err != nil {
		return ReferenceResult{}, err
	}
	if err := response.Validate(); err != nil {
		return ReferenceResult{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	return ReferenceResult{
		Offset:       response.ClockOffset,
		RTT:          response.RTT,
		Stratum:      int(response.Stratum),
		ReferenceID:  response.ReferenceID,
		RootDistance: response.RootDistance,
		Leap:         response.Leap,
	}, nil
}

// Comparison pairs one exchange of ours with a reference query of the same server.
type Comparison struct {
	Server    string
	Ours      exchange.Result
	Reference ReferenceResult
}

// OffsetDelta is our offset minus the reference offset.
func (c Comparison) OffsetDelta() time.Duration {
	return c.Ours.OffsetDuration() - c.Reference.Offset
}

// Compare runs one exchange through dial and one reference query against
// address. dial may be nil for UDP.
func Compare(ctx context.Context, address string, timeout time.Duration, dial Dialer) (Comparison, error) {
	if dial == nil {
		dial = UDPDialer
	}
	addr := transport.WithDefaultPort(address, transport.DefaultPort)
	c := Comparison{Server: addr}

	conn, err := dial(ctx, addr, timeout)
	if err != nil {
		return c, err
	}
	defer conn.Close()

	c.Ours, err = exchange.Run(conn, nil)
	if err != nil {
		return c, err
	}

	c.Reference, err = Reference(addr, timeout)
	return c, err
}
