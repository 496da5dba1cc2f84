package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICTransport sends messages over a single bidirectional stream of a QUIC
// connection.
type QUICTransport struct {
	Config *tls.Config
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    1 * time.Second,
		MaxIdleTimeout:     2 * KeepaliveTimeout,
		MaxIncomingStreams: 16,
	}
}

func (t QUICTransport) Listen(address string) (Listener, error) {
	ln, err := quic.ListenAddr(address, t.Config, quicConfig())
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

func (t QUICTransport) Dial(address string) (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	session, err := quic.DialAddr(ctx, address, t.Config, quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		_ = session.CloseWithError(0, "no stream")
		return nil, err
	}

	return newQUICConn(session, stream), nil
}

func (QUICTransport) Name() string {
	return "quic"
}

type quicListener struct {
	ln *quic.Listener
}

func (ql *quicListener) Accept() (Conn, error) {
	session, err := ql.ln.Accept(context.Background())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	stream, err := session.AcceptStream(ctx)
	if err != nil {
		_ = session.CloseWithError(0, "no stream")
		return nil, err
	}

	return newQUICConn(session, stream), nil
}

func (ql *quicListener) Addr() net.Addr {
	return ql.ln.Addr()
}

func (ql *quicListener) Close() error {
	return ql.ln.Close()
}

// quicConn is a Conn over one stream of a QUIC connection.
type quicConn struct {
	session quic.Connection
	stream  quic.Stream
	r       *bufio.Reader
	w       *bufio.Writer
}

func newQUICConn(session quic.Connection, stream quic.Stream) *quicConn {
	return &quicConn{
		session: session,
		stream:  stream,
		r:       bufio.NewReader(stream),
		w:       bufio.NewWriter(stream),
	}
}

func (qc *quicConn) ReadMessage() (*Message, error) {
	return readMessage(qc.r)
}

func (qc *quicConn) WriteMessage(msg *Message) error {
	data, err := msg.marshal()
	if err != nil {
		return err
	}
	if _, err := qc.w.Write(data); err != nil {
		return err
	}
	return qc.w.Flush()
}

func (qc *quicConn) SetReadDeadline(t time.Time) error {
	return qc.stream.SetReadDeadline(t)
}

func (qc *quicConn) Close() error {
	_ = qc.stream.Close()
	return qc.session.CloseWithError(0, "")
}

func (qc *quicConn) LocalAddr() net.Addr {
	return qc.session.LocalAddr()
}

func (qc *quicConn) RemoteAddr() net.Addr {
	return qc.session.RemoteAddr()
}

// SimpleListenerTLSConfig generates a TLS configuration with a fresh
// self-signed certificate. The dialer has to skip verification.
func SimpleListenerTLSConfig(proto string) (*tls.Config, error) {
	cert, err := selfSignedCertificate()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{proto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// SimpleDialerTLSConfig generates a TLS configuration accepting the
// self-signed certificate of a SimpleListenerTLSConfig endpoint.
func SimpleDialerTLSConfig(proto string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{proto},
	}
}
