package irc

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// TLSMode selects how a server connection is encrypted.
type TLSMode int

const (
	// TLSNone connects over a plain socket.
	TLSNone TLSMode = iota
	// TLSOpportunistic starts plain and upgrades via STARTTLS when the
	// server offers it during registration.
	TLSOpportunistic
	// TLSRequired performs the TLS handshake before anything else.
	TLSRequired
)

func (m TLSMode) String() string {
	switch m {
	case TLSOpportunistic:
		return "opportunistic"
	case TLSRequired:
		return "required"
	}
	return "none"
}

// ProxyConfig describes an optional proxy to dial through.
type ProxyConfig struct {
	Type     string // "socks4", "socks5" or "http"
	Address  string
	Username string
	Password string
}

type socks4Dialer struct {
	dialFunc func(string, string) (net.Conn, error)
}

func (d *socks4Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.dialFunc(network, addr)
}

func proxyDialer(cfg *ProxyConfig, timeout time.Duration) (proxy.Dialer, error) {
	if cfg == nil {
		return &net.Dialer{Timeout: timeout}, nil
	}
	switch cfg.Type {
	case "socks4":
		dial := socks.Dial(fmt.Sprintf("socks4://%s:%s@%s", cfg.Username, cfg.Password, cfg.Address))
		return &socks4Dialer{dialFunc: dial}, nil
	case "socks5":
		auth := &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		return proxy.SOCKS5("tcp", cfg.Address, auth, proxy.Direct)
	case "http":
		proxyURL, err := url.Parse(fmt.Sprintf("http://%s:%s@%s", cfg.Username, cfg.Password, cfg.Address))
		if err != nil {
			return nil, err
		}
		return proxy.FromURL(proxyURL, proxy.Direct)
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", cfg.Type)
	}
}

// Transport is one bidirectional IRC byte channel: a plain or TLS socket
// with line-buffered reads and mutex-serialized writes. The read side is
// owned by a single goroutine; writes may come from any goroutine.
type Transport struct {
	conn      net.Conn
	reader    *textproto.Reader
	writeLock sync.Mutex
	upgraded  bool
}

// NewTransport wraps an already-established connection. Used directly by
// tests driving net.Pipe ends; production code goes through DialTransport.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{
		conn:   conn,
		reader: textproto.NewReader(bufio.NewReader(conn)),
	}
}

// DialTransport opens host:port, optionally through a proxy, and performs
// the TLS handshake immediately when mode is TLSRequired.
func DialTransport(host string, port int, mode TLSMode, tlsConfig *tls.Config, proxyCfg *ProxyConfig, timeout time.Duration) (*Transport, error) {
	dialer, err := proxyDialer(proxyCfg, timeout)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}

	t := NewTransport(conn)

	if mode == TLSRequired {
		if err := t.StartTLS(tlsConfig, host); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return t, nil
}

// StartTLS upgrades the socket in place and rebuilds the buffered reader on
// top of the encrypted stream. Safe only while the read side is quiescent,
// i.e. from the registration loop between messages.
func (t *Transport) StartTLS(tlsConfig *tls.Config, serverName string) error {
	if t.upgraded {
		return nil
	}
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.ServerName == "" && serverName != "" {
		cloned := tlsConfig.Clone()
		cloned.ServerName = serverName
		tlsConfig = cloned
	}

	tlsConn := tls.Client(t.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	t.writeLock.Lock()
	t.conn = tlsConn
	t.reader = textproto.NewReader(bufio.NewReader(tlsConn))
	t.upgraded = true
	t.writeLock.Unlock()

	return nil
}

// TLSActive reports whether the stream is currently encrypted.
func (t *Transport) TLSActive() bool {
	return t.upgraded
}

// WriteMessage serializes and writes one message with CRLF framing.
func (t *Transport) WriteMessage(msg *Message) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	_, err := t.conn.Write(msg.Bytes())
	return err
}

// ReadMessage blocks for the next line and parses it. The timestamp is
// taken when the line arrives, before parsing. A *ParseError return leaves
// the transport usable; any other error means the stream is dead.
func (t *Transport) ReadMessage() (time.Time, *Message, error) {
	line, err := t.reader.ReadLine()
	if err != nil {
		return time.Time{}, nil, err
	}
	ts := time.Now()
	if line == "" {
		return ts, nil, &ParseError{Reason: "empty line"}
	}
	msg, err := ParseMessage(line)
	if err != nil {
		return ts, nil, err
	}
	return ts, msg, nil
}

// Close shuts the socket down. Blocked reads wake with an error.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// RemoteAddr exposes the peer address for logging.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
