package irc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Identity is the registration tuple for one account on one network.
// NickAlt is consumed left-to-right when the server rejects a nickname.
type Identity struct {
	Nick     string
	NickAlt  []string
	Username string
	Realname string
}

// Server identifies one IRC server endpoint.
type Server struct {
	Host string
	Port int
	TLS  TLSMode
}

// Status is the lifecycle state of a connection. Transitions are strictly
// monotonic: Initializing -> Established -> Closed, or Initializing ->
// Closed. A reconnect produces a fresh Conn.
type Status int32

const (
	StatusInitializing Status = iota
	StatusEstablished
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusEstablished:
		return "established"
	case StatusClosed:
		return "closed"
	}
	return "initializing"
}

// Inbound is one structured message with its receive timestamp, queued for
// the broadcast hub.
type Inbound struct {
	Time time.Time
	Msg  Msg
}

// ErrClosed is returned for operations on a connection that has reached
// StatusClosed.
var ErrClosed = errors.New("irc: connection closed")

// Conn owns one IRC session: the transport, the current nickname, the map
// of joined channels, the inbound message queue, and the debug queue.
//
// The nick and channel cells are guarded independently of the transport so
// that writers can run while the read side is blocked in ReadMessage. The
// inbound queue has exactly one producer (the goroutine driving
// registration and then the hub's read loop); the producer closes it when
// it exits so consumers always wake.
type Conn struct {
	transport *Transport
	identity  Identity
	server    Server

	status atomic.Int32

	mu       sync.RWMutex
	nick     string
	channels map[string]*string

	inbound     chan Inbound
	inboundOnce sync.Once
	closeOnce   sync.Once
	debug       *DebugRing
}

// NewConn wraps an open transport into a connection in StatusInitializing.
func NewConn(transport *Transport, identity Identity, server Server) *Conn {
	c := &Conn{
		transport: transport,
		identity:  identity,
		server:    server,
		nick:      identity.Nick,
		channels:  make(map[string]*string),
		inbound:   make(chan Inbound, 64),
		debug:     NewDebugRing(256),
	}
	c.status.Store(int32(StatusInitializing))
	ConnectionsLive.WithLabelValues(StatusInitializing.String()).Inc()
	return c
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	return Status(c.status.Load())
}

// IsOpen reports whether the connection has not yet been closed.
func (c *Conn) IsOpen() bool {
	return c.Status() != StatusClosed
}

// IsInit reports whether registration is still in progress.
func (c *Conn) IsInit() bool {
	return c.Status() == StatusInitializing
}

// markEstablished flips Initializing to Established. A connection that was
// closed during registration stays closed.
func (c *Conn) markEstablished() bool {
	if c.status.CompareAndSwap(int32(StatusInitializing), int32(StatusEstablished)) {
		ConnectionsLive.WithLabelValues(StatusInitializing.String()).Dec()
		ConnectionsLive.WithLabelValues(StatusEstablished.String()).Inc()
		return true
	}
	return false
}

// Identity returns the registration identity for this connection.
func (c *Conn) Identity() Identity {
	return c.identity
}

// Server returns the endpoint this connection was dialed against.
func (c *Conn) Server() Server {
	return c.server
}

// Nick returns the nickname the server currently knows us by.
func (c *Conn) Nick() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nick
}

// SetNick records a nickname accepted by the server.
func (c *Conn) SetNick(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
}

// Channels returns a copy of the joined-channel map. The value is the join
// key, nil for keyless channels.
func (c *Conn) Channels() map[string]*string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*string, len(c.channels))
	for name, key := range c.channels {
		out[name] = key
	}
	return out
}

// SetChannels installs the starting channel map before registration.
func (c *Conn) SetChannels(channels map[string]*string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[string]*string, len(channels))
	for name, key := range channels {
		c.channels[name] = key
	}
}

// TrackJoin records that the connection is in a channel.
func (c *Conn) TrackJoin(channel string, key *string) {
	c.mu.Lock()
	c.channels[channel] = key
	c.mu.Unlock()
}

// TrackPart records that the connection left a channel.
func (c *Conn) TrackPart(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// Send serializes and writes one message. On a closed connection it logs at
// error level and drops the message; teardown paths may therefore send
// unconditionally. A write error closes the connection.
func (c *Conn) Send(msg *Message) error {
	if !c.IsOpen() {
		c.Debugf(SeverityError, "send", "dropped %s on closed connection", msg.Command)
		return ErrClosed
	}
	if err := c.transport.WriteMessage(msg); err != nil {
		c.Debugf(SeverityError, "send", "write %s: %v", msg.Command, err)
		c.Close()
		return err
	}
	return nil
}

// Receive blocks for the next parsed message from the transport. Only the
// registration loop and the hub reader call this.
func (c *Conn) Receive() (time.Time, *Message, error) {
	if !c.IsOpen() {
		return time.Time{}, nil, ErrClosed
	}
	return c.transport.ReadMessage()
}

// StartTLS upgrades the transport during opportunistic registration.
func (c *Conn) StartTLS(serverName string) error {
	return c.transport.StartTLS(nil, serverName)
}

// Enqueue pushes a structured message onto the inbound queue. Caller must
// be the queue's single producer. Messages enqueued after close are
// dropped.
func (c *Conn) Enqueue(ts time.Time, msg Msg) {
	if !c.IsOpen() {
		return
	}
	c.inbound <- Inbound{Time: ts, Msg: msg}
}

// Inbound exposes the structured message queue to the broadcast hub.
func (c *Conn) Inbound() <-chan Inbound {
	return c.inbound
}

// CloseInbound is called by the queue's producer when it exits, waking any
// consumer blocked on the queue.
func (c *Conn) CloseInbound() {
	c.inboundOnce.Do(func() {
		close(c.inbound)
	})
}

// Close flips the status to Closed exactly once and closes the transport,
// which unblocks the read side with an error. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		prev := c.Status()
		c.status.Store(int32(StatusClosed))
		ConnectionsLive.WithLabelValues(prev.String()).Dec()
		if err := c.transport.Close(); err != nil {
			c.Debugf(SeverityWarning, "close", "transport close: %v", err)
		} else {
			c.Debugf(SeverityInfo, "close", "connection closed")
		}
	})
}

// Debugf records an entry on the connection's debug queue and mirrors it to
// the process log.
func (c *Conn) Debugf(severity Severity, where, format string, args ...interface{}) {
	c.debug.logf(severity, where, format, args...)
}

// DebugLog returns the connection's debug entries, oldest first.
func (c *Conn) DebugLog() []DebugEntry {
	return c.debug.Snapshot()
}
