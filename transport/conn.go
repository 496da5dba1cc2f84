package transport

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Conn is a single bidirectional message stream between two endpoints.
type Conn interface {
	// ReadMessage blocks until the next Message arrives.
	ReadMessage() (*Message, error)

	// WriteMessage sends a Message to the other endpoint.
	WriteMessage(msg *Message) error

	// SetReadDeadline bounds future ReadMessage calls, compare
	// net.Conn's method of the same name.
	SetReadDeadline(t time.Time) error

	// Close the connection. Pending reads and writes fail afterwards.
	Close() error

	// LocalAddr of this connection.
	LocalAddr() net.Addr

	// RemoteAddr of this connection.
	RemoteAddr() net.Addr
}

// Listener accepts inbound connections of one Transport.
type Listener interface {
	// Accept blocks until the next inbound Conn is established.
	Accept() (Conn, error)

	// Addr the listener is bound to.
	Addr() net.Addr

	// Close the listener. A blocked Accept fails afterwards.
	Close() error
}

// Transport creates connections and listeners for one kind of underlying
// network protocol.
type Transport interface {
	// Listen on the given address, e.g., "127.0.0.1:9999".
	Listen(address string) (Listener, error)

	// Dial the given address and establish a connection.
	Dial(address string) (Conn, error)

	// Name of this transport, e.g., "tcp".
	Name() string
}

// NewTransport returns the Transport registered for the given protocol name.
// The TLS configuration is required by the "tls" and "quic" protocols and
// optional for "ws".
func NewTransport(proto string, tlsConf *tls.Config) (Transport, error) {
	switch proto {
	case "tcp":
		return TCPTransport{}, nil

	case "tls":
		if tlsConf == nil {
			return nil, fmt.Errorf("transport %q requires a TLS configuration", proto)
		}
		return TLSTransport{Config: tlsConf}, nil

	case "ws":
		return WebSocketTransport{Config: tlsConf}, nil

	case "quic":
		if tlsConf == nil {
			return nil, fmt.Errorf("transport %q requires a TLS configuration", proto)
		}
		return QUICTransport{Config: tlsConf}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", proto)
	}
}

// streamConn is a Conn over any stream-oriented net.Conn.
type streamConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

func (sc *streamConn) ReadMessage() (*Message, error) {
	return readMessage(sc.r)
}

func (sc *streamConn) WriteMessage(msg *Message) error {
	data, err := msg.marshal()
	if err != nil {
		return err
	}
	if _, err := sc.w.Write(data); err != nil {
		return err
	}
	return sc.w.Flush()
}

func (sc *streamConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

func (sc *streamConn) Close() error {
	return sc.conn.Close()
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// streamListener wraps a net.Listener into a Listener of streamConns.
type streamListener struct {
	ln net.Listener
}

func (sl streamListener) Accept() (Conn, error) {
	conn, err := sl.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newStreamConn(conn), nil
}

func (sl streamListener) Addr() net.Addr {
	return sl.ln.Addr()
}

func (sl streamListener) Close() error {
	return sl.ln.Close()
}

// TCPTransport sends messages over plain TCP connections.
type TCPTransport struct{}

func (TCPTransport) Listen(address string) (Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return streamListener{ln: ln}, nil
}

func (TCPTransport) Dial(address string) (Conn, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}
	return newStreamConn(conn), nil
}

func (TCPTransport) Name() string {
	return "tcp"
}

// TLSTransport sends messages over TLS secured TCP connections.
type TLSTransport struct {
	Config *tls.Config
}

func (t TLSTransport) Listen(address string) (Listener, error) {
	ln, err := tls.Listen("tcp", address, t.Config)
	if err != nil {
		return nil, err
	}
	return streamListener{ln: ln}, nil
}

func (t TLSTransport) Dial(address string) (Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", address, t.Config)
	if err != nil {
		return nil, err
	}
	return newStreamConn(conn), nil
}

func (TLSTransport) Name() string {
	return "tls"
}

const dialTimeout = 30 * time.Second
