package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEcho(t *testing.T, reply func([]byte) []byte) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if out := reply(buf[:n]); out != nil {
				conn.WriteToUDP(out, addr)
			}
		}
	}()
	return conn
}

func TestSendReceive(t *testing.T) {
	srv := startEcho(t, func(b []byte) []byte {
		return append([]byte("echo:"), b...)
	})

	u, err := Dial(context.Background(), srv.LocalAddr().String(), time.Second)
	require.NoError(t, err)
	defer u.Close()

	require.NoError(t, u.Send([]byte("ping")))
	buf := make([]byte, 64)
	n, err := u.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(buf[:n]))
	assert.Equal(t, srv.LocalAddr().String(), u.RemoteAddr())
	assert.NotEmpty(t, u.LocalAddr())
}

func TestReceiveTimeout(t *testing.T) {
	srv := startEcho(t, func([]byte) []byte { return nil })

	u, err := Dial(context.Background(), srv.LocalAddr().String(), 50*time.Millisecond)
	require.NoError(t, err)
	defer u.Close()

	require.NoError(t, u.Send([]byte("ping")))
	_, err = u.Receive(make([]byte, 64))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestReceiveAfterClose(t *testing.T) {
	srv := startEcho(t, func([]byte) []byte { return nil })

	u, err := Dial(context.Background(), srv.LocalAddr().String(), 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := u.Receive(make([]byte, 64))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, u.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.False(t, IsTimeout(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "pool.ntp.org:123", WithDefaultPort("pool.ntp.org", 123))
	assert.Equal(t, "pool.ntp.org:1123", WithDefaultPort("pool.ntp.org:1123", 123))
	assert.Equal(t, "[::1]:123", WithDefaultPort("::1", 123))
	assert.Equal(t, "127.0.0.1:123", WithDefaultPort("127.0.0.1", 123))
}

func TestDialInvalidAddress(t *testing.T) {
	_, err := Dial(context.Background(), "bad host name:xx", time.Second)
	assert.Error(t, err)
}
