package irc_test

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvitebjorn/irc2me/irc"
)

func init() {
	log.SetFlags(log.Lshortfile | log.Lmicroseconds)
}

const peerTimeout = 5 * time.Second

// testPeer plays the IRC server side of a net.Pipe for connection tests.
type testPeer struct {
	t      *testing.T
	conn   net.Conn
	reader *textproto.Reader

	mu    sync.Mutex
	lines []string
}

func newTestPeer(t *testing.T, conn net.Conn) *testPeer {
	return &testPeer{
		t:      t,
		conn:   conn,
		reader: textproto.NewReader(bufio.NewReader(conn)),
	}
}

// readLine reads one line from the client, bounded by the peer timeout.
func (p *testPeer) readLine() (string, error) {
	p.conn.SetReadDeadline(time.Now().Add(peerTimeout))
	defer p.conn.SetReadDeadline(time.Time{})
	line, err := p.reader.ReadLine()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.lines = append(p.lines, line)
	p.mu.Unlock()
	return line, nil
}

// expect reads lines until one contains the expected substring.
func (p *testPeer) expect(expected string) (string, error) {
	for {
		line, err := p.readLine()
		if err != nil {
			return "", fmt.Errorf("waiting for %q: %w", expected, err)
		}
		if strings.Contains(line, expected) {
			return line, nil
		}
	}
}

// sendf writes one CRLF-terminated line to the client.
func (p *testPeer) sendf(format string, args ...interface{}) error {
	p.conn.SetWriteDeadline(time.Now().Add(peerTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})
	_, err := p.conn.Write([]byte(fmt.Sprintf(format, args...) + "\r\n"))
	return err
}

func (p *testPeer) sawLine(substr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range p.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// newConnPair wires a Conn to a scripted peer over a pipe.
func newConnPair(t *testing.T, identity irc.Identity, server irc.Server) (*irc.Conn, *testPeer) {
	clientEnd, serverEnd := net.Pipe()
	conn := irc.NewConn(irc.NewTransport(clientEnd), identity, server)
	t.Cleanup(conn.Close)
	return conn, newTestPeer(t, serverEnd)
}

// establishedConn registers a connection against a minimal scripted server
// and returns it in the Established state.
func establishedConn(t *testing.T, identity irc.Identity, channels map[string]*string) (*irc.Conn, *testPeer) {
	conn, peer := newConnPair(t, identity, irc.Server{Host: "irc.test", Port: 6667, TLS: irc.TLSNone})
	conn.SetChannels(channels)

	scriptDone := make(chan error, 1)
	go func() {
		scriptDone <- func() error {
			if _, err := peer.expect("USER"); err != nil {
				return err
			}
			if _, err := peer.expect("NICK"); err != nil {
				return err
			}
			if err := peer.sendf(":irc.test 001 %s :Welcome to the test network", identity.Nick); err != nil {
				return err
			}
			for range channels {
				if _, err := peer.expect("JOIN"); err != nil {
					return err
				}
			}
			return nil
		}()
	}()

	require.NoError(t, irc.Register(conn), "Registration should succeed")
	require.NoError(t, <-scriptDone, "Peer script should complete")
	require.Equal(t, irc.StatusEstablished, conn.Status(), "Connection should be established")

	return conn, peer
}

// collector is a Handler that records everything it receives.
type collector struct {
	mu       sync.Mutex
	messages []irc.Msg
	closed   int
}

func newCollector() *collector {
	return &collector{}
}

func (c *collector) HandleMessage(ts time.Time, msg irc.Msg) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

func (c *collector) ConnectionClosed() {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *collector) snapshot() []irc.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]irc.Msg, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *collector) count() int {
	return len(c.snapshot())
}

func (c *collector) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitFor polls a condition until it holds or the peer timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(peerTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
