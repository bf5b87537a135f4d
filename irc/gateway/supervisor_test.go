package gateway_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvitebjorn/irc2me/irc"
	"github.com/kvitebjorn/irc2me/irc/gateway"
	"github.com/kvitebjorn/irc2me/irc/store"
)

const testTimeout = 5 * time.Second

// fakeNetwork hands out piped transports whose server side plays a minimal
// IRC registration script, so the supervisor can be driven without sockets.
type fakeNetwork struct {
	mu    sync.Mutex
	dials int
	peers []net.Conn
}

func (f *fakeNetwork) dial(server irc.Server) (*irc.Transport, error) {
	clientEnd, serverEnd := net.Pipe()

	f.mu.Lock()
	f.dials++
	f.peers = append(f.peers, serverEnd)
	f.mu.Unlock()

	go scriptRegistration(serverEnd)
	return irc.NewTransport(clientEnd), nil
}

func (f *fakeNetwork) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeNetwork) peer(i int) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

// scriptRegistration accepts USER/NICK, welcomes the client, then keeps
// draining its writes so hub teardown never blocks on the pipe.
func scriptRegistration(conn net.Conn) {
	reader := textproto.NewReader(bufio.NewReader(conn))

	nick := ""
	for nick == "" {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		if strings.HasPrefix(line, "NICK ") {
			nick = strings.TrimPrefix(line, "NICK ")
		}
	}

	fmt.Fprintf(conn, ":irc.test 001 %s :Welcome\r\n", nick)

	for {
		if _, err := reader.ReadLine(); err != nil {
			return
		}
	}
}

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)

	db := s.DB()
	require.NoError(t, db.Create(&store.Account{ID: 1, Name: "alice"}).Error)

	require.NoError(t, db.Create(&store.Identity{
		ID: 10, AccountID: 1, Nick: "alice", NickAlt: "alice_", Username: "alice", Realname: "Alice A.",
	}).Error)

	identityID := uint64(10)
	require.NoError(t, db.Create(&store.Network{
		ID: 100, AccountID: 1, Name: "examplenet", IdentityID: &identityID,
	}).Error)
	require.NoError(t, db.Create(&store.NetworkServer{
		ID: 1000, NetworkID: 100, Host: "irc.example.org", Port: 6667, TLS: int(irc.TLSNone),
	}).Error)
	require.NoError(t, db.Create(&store.NetworkChannel{
		ID: 10000, NetworkID: 100, Name: "#a",
	}).Error)

	// A network with no identity binding: must be skipped, not fatal.
	require.NoError(t, db.Create(&store.Network{
		ID: 101, AccountID: 1, Name: "orphannet",
	}).Error)
	require.NoError(t, db.Create(&store.NetworkServer{
		ID: 1001, NetworkID: 101, Host: "irc.orphan.org", Port: 6667, TLS: int(irc.TLSNone),
	}).Error)

	return s
}

func newTestSupervisor(t *testing.T) (*gateway.Supervisor, *fakeNetwork) {
	t.Helper()
	fake := &fakeNetwork{}
	supervisor := gateway.New(gateway.Options{
		Store: seededStore(t),
		Dial:  fake.dial,
	})
	return supervisor, fake
}

func stopAll(t *testing.T, conns gateway.ConnectionMap) {
	for _, networks := range conns {
		for _, broadcast := range networks {
			broadcast.Stop(nil)
		}
	}
}

func TestReconnectAllEstablishes(t *testing.T) {
	supervisor, fake := newTestSupervisor(t)

	conns, err := supervisor.ReconnectAll(nil)
	require.NoError(t, err)
	defer stopAll(t, conns)

	require.Contains(t, conns, store.AccountID(1))
	broadcast, ok := conns[1][100]
	require.True(t, ok, "The identity-bound network should be connected")
	assert.Equal(t, irc.StatusEstablished, broadcast.Conn().Status())
	assert.Equal(t, "alice", broadcast.Conn().Nick())

	_, orphan := conns[1][101]
	assert.False(t, orphan, "A network without an identity should be skipped")

	assert.Equal(t, 1, fake.dialCount())
}

func TestReconnectAllSkipsLiveConnections(t *testing.T) {
	supervisor, fake := newTestSupervisor(t)

	conns, err := supervisor.ReconnectAll(nil)
	require.NoError(t, err)
	defer stopAll(t, conns)

	again, err := supervisor.ReconnectAll(conns)
	require.NoError(t, err)

	assert.Same(t, conns[1][100], again[1][100], "Live connections should be reused")
	assert.Equal(t, 1, fake.dialCount(), "No new dial for a live connection")
}

func TestReconnectAllReplacesDeadConnections(t *testing.T) {
	supervisor, fake := newTestSupervisor(t)

	conns, err := supervisor.ReconnectAll(nil)
	require.NoError(t, err)

	conns[1][100].Stop(nil)

	again, err := supervisor.ReconnectAll(conns)
	require.NoError(t, err)
	defer stopAll(t, again)

	assert.NotSame(t, conns[1][100], again[1][100], "A closed connection should be re-opened")
	assert.Equal(t, 2, fake.dialCount())
}

func TestReconnectAllAbortsOnStoreError(t *testing.T) {
	fake := &fakeNetwork{}
	s := seededStore(t)
	supervisor := gateway.New(gateway.Options{Store: s, Dial: fake.dial})

	sqlDB, err := s.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = supervisor.ReconnectAll(nil)
	assert.Error(t, err, "A store failure should abort the refresh")
	assert.Equal(t, 0, fake.dialCount())
}

// testHandler collects delivered messages for event-loop tests.
type testHandler struct {
	mu       sync.Mutex
	messages []irc.Msg
}

func (h *testHandler) HandleMessage(ts time.Time, msg irc.Msg) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
}

func (h *testHandler) ConnectionClosed() {}

func (h *testHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func TestClientConnectedSubscribes(t *testing.T) {
	supervisor, fake := newTestSupervisor(t)

	require.NoError(t, supervisor.Refresh())
	defer stopAll(t, supervisor.Snapshot())

	handler := &testHandler{}
	supervisor.HandleEvent(gateway.AccountEvent{
		AccountID: 1,
		Payload:   gateway.ClientConnected{Handler: handler},
	})

	// Push a message through the fake network's server side.
	_, err := fmt.Fprintf(fake.peer(0), ":carol!c@h PRIVMSG #a :hi alice\r\n")
	require.NoError(t, err)

	deadline := time.Now().Add(testTimeout)
	for handler.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, handler.count(), "Subscribed handler should receive the message")

	handler.mu.Lock()
	priv, ok := handler.messages[0].(irc.PrivMsg)
	handler.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "hi alice", priv.Text)
}

func TestReconnectAllContinuesPastDialFailure(t *testing.T) {
	failing := func(server irc.Server) (*irc.Transport, error) {
		return nil, fmt.Errorf("connect failed: no route to %s", server.Host)
	}
	supervisor := gateway.New(gateway.Options{Store: seededStore(t), Dial: failing})

	conns, err := supervisor.ReconnectAll(nil)
	require.NoError(t, err, "Per-network connect failures are not refresh failures")
	assert.Empty(t, conns[1], "No connection should be recorded for the failed dial")
}

func TestHandleEventUnknownPayload(t *testing.T) {
	supervisor, _ := newTestSupervisor(t)

	assert.NotPanics(t, func() {
		supervisor.HandleEvent(gateway.AccountEvent{AccountID: 1, Payload: "bogus"})
	})
}

func TestRunStopsOnContextCancel(t *testing.T) {
	supervisor, _ := newTestSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- supervisor.Run(ctx, time.Hour)
	}()

	// Attach a subscriber via the event queue while the initial refresh
	// runs, then wait for the refresh to populate the map.
	handler := &testHandler{}
	supervisor.Events() <- gateway.AccountEvent{
		AccountID: 1,
		Payload:   gateway.ClientConnected{Handler: handler},
	}

	deadline := time.Now().Add(testTimeout)
	for len(supervisor.Snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("Run did not stop on cancel")
	}
	stopAll(t, supervisor.Snapshot())
}
