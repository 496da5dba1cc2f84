package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport sends each message as one binary WebSocket frame. An
// optional TLS configuration upgrades the endpoint to wss.
type WebSocketTransport struct {
	Config *tls.Config
}

func (t WebSocketTransport) Listen(address string) (Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if t.Config != nil {
		ln = tls.NewListener(ln, t.Config)
	}

	wl := &webSocketListener{
		ln:    ln,
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}

	var upgrader websocket.Upgrader
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case wl.conns <- &webSocketConn{conn: conn}:
		case <-wl.done:
			_ = conn.Close()
		}
	})

	wl.srv = &http.Server{Handler: mux}
	go func() {
		_ = wl.srv.Serve(ln)
		wl.closeOnce.Do(func() { close(wl.done) })
	}()

	return wl, nil
}

func (t WebSocketTransport) Dial(address string) (Conn, error) {
	scheme := "ws"
	if t.Config != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: address, Path: "/"}

	dialer := websocket.Dialer{
		TLSClientConfig:  t.Config,
		HandshakeTimeout: dialTimeout,
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &webSocketConn{conn: conn}, nil
}

func (WebSocketTransport) Name() string {
	return "ws"
}

type webSocketListener struct {
	ln        net.Listener
	srv       *http.Server
	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (wl *webSocketListener) Accept() (Conn, error) {
	select {
	case conn := <-wl.conns:
		return conn, nil
	case <-wl.done:
		return nil, fmt.Errorf("listener is closed")
	}
}

func (wl *webSocketListener) Addr() net.Addr {
	return wl.ln.Addr()
}

func (wl *webSocketListener) Close() error {
	return wl.srv.Close()
}

// webSocketConn is a Conn over a WebSocket connection, exchanging one
// message per binary frame.
type webSocketConn struct {
	conn *websocket.Conn
}

func (wc *webSocketConn) ReadMessage() (*Message, error) {
	for {
		mt, r, err := wc.conn.NextReader()
		if err != nil {
			return nil, err
		} else if mt != websocket.BinaryMessage {
			continue
		}
		return readMessage(r)
	}
}

func (wc *webSocketConn) WriteMessage(msg *Message) error {
	data, err := msg.marshal()
	if err != nil {
		return err
	}

	w, err := wc.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (wc *webSocketConn) SetReadDeadline(t time.Time) error {
	return wc.conn.SetReadDeadline(t)
}

func (wc *webSocketConn) Close() error {
	return wc.conn.Close()
}

func (wc *webSocketConn) LocalAddr() net.Addr {
	return wc.conn.LocalAddr()
}

func (wc *webSocketConn) RemoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}
