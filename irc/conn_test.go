package irc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvitebjorn/irc2me/irc"
)

func strPtr(s string) *string { return &s }

func TestConnInitialState(t *testing.T) {
	conn, _ := newConnPair(t, irc.Identity{Nick: "alice"}, irc.Server{Host: "irc.test"})

	assert.Equal(t, irc.StatusInitializing, conn.Status())
	assert.True(t, conn.IsInit())
	assert.True(t, conn.IsOpen())
	assert.Equal(t, "alice", conn.Nick(), "Nick should start as the identity's primary")
	assert.Empty(t, conn.Channels())
}

func TestConnCloseIdempotent(t *testing.T) {
	conn, _ := newConnPair(t, irc.Identity{Nick: "alice"}, irc.Server{Host: "irc.test"})

	conn.Close()
	assert.Equal(t, irc.StatusClosed, conn.Status())
	assert.False(t, conn.IsOpen())

	// Closing again changes nothing and does not panic.
	conn.Close()
	assert.Equal(t, irc.StatusClosed, conn.Status())
}

func TestConnSendOnClosedIsNoop(t *testing.T) {
	conn, _ := newConnPair(t, irc.Identity{Nick: "alice"}, irc.Server{Host: "irc.test"})
	conn.Close()

	err := conn.Send(irc.CmdTrailing("QUIT", "tearing down"))
	assert.ErrorIs(t, err, irc.ErrClosed, "Send on closed should report ErrClosed")

	// The drop lands on the debug queue at error level.
	entries := conn.DebugLog()
	require.NotEmpty(t, entries)
	found := false
	for _, entry := range entries {
		if entry.Severity == irc.SeverityError && entry.Where == "send" {
			found = true
		}
	}
	assert.True(t, found, "Dropped send should be recorded at error level")
}

func TestConnSendWritesToTransport(t *testing.T) {
	conn, peer := newConnPair(t, irc.Identity{Nick: "alice"}, irc.Server{Host: "irc.test"})

	done := make(chan string, 1)
	go func() {
		line, _ := peer.readLine()
		done <- line
	}()

	require.NoError(t, conn.Send(irc.Cmd("NICK", "alice2")))
	assert.Equal(t, "NICK alice2", <-done)
}

func TestConnChannelTracking(t *testing.T) {
	conn, _ := newConnPair(t, irc.Identity{Nick: "alice"}, irc.Server{Host: "irc.test"})

	conn.SetChannels(map[string]*string{"#a": nil, "#b": strPtr("hunter2")})

	channels := conn.Channels()
	require.Len(t, channels, 2)
	assert.Nil(t, channels["#a"])
	require.NotNil(t, channels["#b"])
	assert.Equal(t, "hunter2", *channels["#b"])

	conn.TrackJoin("#c", nil)
	conn.TrackPart("#a")

	channels = conn.Channels()
	require.Len(t, channels, 2)
	_, hasA := channels["#a"]
	assert.False(t, hasA, "Parted channel should be gone")
	_, hasC := channels["#c"]
	assert.True(t, hasC, "Joined channel should be present")

	// Channels returns a copy; mutating it must not touch the cell.
	delete(channels, "#b")
	_, hasB := conn.Channels()["#b"]
	assert.True(t, hasB, "Snapshot mutation should not leak into the connection")
}

func TestConnNickCell(t *testing.T) {
	conn, _ := newConnPair(t, irc.Identity{Nick: "alice"}, irc.Server{Host: "irc.test"})
	conn.SetNick("alice_")
	assert.Equal(t, "alice_", conn.Nick())
}
