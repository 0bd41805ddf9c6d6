package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Transport is a frame-oriented, bidirectional byte stream. One frame holds
// exactly one encoded stanza. ReadFrame blocks until a frame arrives or the
// transport fails; Close unblocks a pending ReadFrame.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer establishes a Transport to the bus. The session owns reconnection;
// a Dialer only ever produces fresh transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// NetDialer dials a TCP (optionally TLS) connection to the bus and frames
// stanzas with a trailing newline. The XML encoder escapes control
// characters in character data and attributes, so encoded stanzas never
// contain a raw newline.
type NetDialer struct {
	// Addr is the host:port of the bus.
	Addr string

	// TLSConfig enables TLS when non-nil. Credential secrecy in the auth
	// handshake depends on it; plaintext is acceptable only for local
	// development.
	TLSConfig *tls.Config

	// Timeout bounds the dial. Default 10s.
	Timeout time.Duration
}

func (d *NetDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn net.Conn
	var err error
	if d.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: &net.Dialer{}, Config: d.TLSConfig}
		conn, err = td.DialContext(dialCtx, "tcp", d.Addr)
	} else {
		nd := &net.Dialer{}
		conn, err = nd.DialContext(dialCtx, "tcp", d.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	return NewFrameTransport(conn), nil
}

// NewFrameTransport wraps a net.Conn with newline-delimited framing.
func NewFrameTransport(conn net.Conn) Transport {
	return &frameTransport{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

type frameTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

func (t *frameTransport) ReadFrame() ([]byte, error) {
	line, err := t.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}

func (t *frameTransport) WriteFrame(frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *frameTransport) Close() error { return t.conn.Close() }
