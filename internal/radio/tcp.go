package radio

import (
	"context"
	"io"
	"net"
	"time"
)

const tcpDialTimeout = 5 * time.Second

// dialTCP connects to a network-attached node. The caller's context bounds
// the dial in addition to tcpDialTimeout.
func dialTCP(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: tcpDialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
