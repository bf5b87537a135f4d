package irc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler receives the structured message stream of one connection.
// HandleMessage must not block for long; a slow handler loses messages but
// never stalls the connection's reader. ConnectionClosed fires once when
// the underlying connection is gone.
type Handler interface {
	HandleMessage(ts time.Time, msg Msg)
	ConnectionClosed()
}

// HandlerFunc adapts a plain function to the Handler interface with a
// no-op close notification.
type HandlerFunc func(ts time.Time, msg Msg)

func (f HandlerFunc) HandleMessage(ts time.Time, msg Msg) { f(ts, msg) }
func (f HandlerFunc) ConnectionClosed()                   {}

// DefaultSubscriberBuffer is the per-subscriber delivery buffer size when
// the hub is created with no explicit size.
const DefaultSubscriberBuffer = 128

// DefaultPingInterval is how long the connection may stay idle before the
// hub sends its own PING to probe the server.
const DefaultPingInterval = 2 * time.Minute

type subscriber struct {
	id      uuid.UUID
	handler Handler
	buf     chan Inbound

	// notifyClose is set (before buf is closed) only on the hub teardown
	// path, so the delivery goroutine can fire ConnectionClosed after the
	// buffered tail has been handled. Plain unsubscribes stay silent.
	notifyClose bool
}

// Broadcast fans one connection's structured message stream out to any
// number of subscribers. One goroutine owns the socket read side, a second
// drains the connection's inbound queue and copies into per-subscriber
// buffers, and every subscriber gets its own delivery goroutine so a hung
// handler can never stall the reader. Subscribers joining mid-stream see
// only messages enqueued after subscription.
type Broadcast struct {
	conn         *Conn
	bufSize      int
	pingInterval time.Duration

	mu          sync.RWMutex
	subscribers map[uuid.UUID]*subscriber
	closed      bool

	lastMessageMu sync.Mutex
	lastMessage   time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewBroadcast starts the reader, delivery and keepalive tasks for an
// established connection. A pingInterval <= 0 selects the default.
func NewBroadcast(conn *Conn, bufSize int, pingInterval time.Duration) *Broadcast {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	b := &Broadcast{
		conn:         conn,
		bufSize:      bufSize,
		pingInterval: pingInterval,
		subscribers:  make(map[uuid.UUID]*subscriber),
		lastMessage:  time.Now(),
		done:         make(chan struct{}),
	}
	go b.readLoop()
	go b.deliverLoop()
	go b.pingLoop()
	return b
}

func (b *Broadcast) touchLastMessage() {
	b.lastMessageMu.Lock()
	b.lastMessage = time.Now()
	b.lastMessageMu.Unlock()
}

func (b *Broadcast) idleSince() time.Duration {
	b.lastMessageMu.Lock()
	defer b.lastMessageMu.Unlock()
	return time.Since(b.lastMessage)
}

// Conn exposes the hub's connection for inspection.
func (b *Broadcast) Conn() *Conn {
	return b.conn
}

// Subscribe registers a handler for all messages enqueued from now on and
// returns its subscription ID. Subscribing to an already-closed hub fires
// ConnectionClosed immediately.
func (b *Broadcast) Subscribe(handler Handler) uuid.UUID {
	sub := &subscriber{
		id:      uuid.New(),
		handler: handler,
		buf:     make(chan Inbound, b.bufSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		handler.ConnectionClosed()
		return sub.id
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub.id
}

// Unsubscribe removes a subscriber. Safe to call concurrently with
// delivery; messages already copied into the subscriber's buffer are still
// handled.
func (b *Broadcast) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(sub.buf)
	}
	b.mu.Unlock()
}

// Stop sends QUIT with the given reason if the connection is still open,
// closes the transport, and lets the reader and delivery tasks drain out.
// Idempotent.
func (b *Broadcast) Stop(reason *string) {
	b.stopOnce.Do(func() {
		if b.conn.IsOpen() {
			quit := Cmd("QUIT")
			if reason != nil {
				quit = CmdTrailing("QUIT", *reason)
			}
			b.conn.Send(quit)
		}
		b.conn.Close()
	})
}

// Done is closed once the delivery task has exited and every subscriber's
// buffer has been closed. Each subscriber's ConnectionClosed fires from its
// own delivery goroutine after its buffered tail, so it may run after Done.
func (b *Broadcast) Done() <-chan struct{} {
	return b.done
}

// readLoop owns the socket read side: parse, dispatch, apply side effects,
// enqueue structured messages. It is the inbound queue's sole producer and
// closes the queue on exit.
func (b *Broadcast) readLoop() {
	defer b.conn.CloseInbound()

	for {
		ts, msg, err := b.conn.Receive()
		if err != nil {
			var parseErr *ParseError
			if errors.As(err, &parseErr) {
				ParseErrors.Inc()
				b.touchLastMessage()
				b.conn.Debugf(SeverityWarning, "reader", "dropping unparseable line: %v", parseErr)
				continue
			}
			if b.conn.IsOpen() {
				b.conn.Debugf(SeverityError, "reader", "transport: %v", err)
				b.conn.Close()
			}
			return
		}

		b.touchLastMessage()

		done := b.conn.resolve(Dispatch(msg))

		for _, reply := range done.Send {
			b.conn.Send(reply)
		}

		for _, add := range done.Add {
			b.applyTracking(add)
			b.conn.Enqueue(ts, add)
		}

		if done.Quit != nil {
			b.conn.Debugf(SeverityWarning, "reader", "server requested quit: %s", *done.Quit)
			b.conn.Close()
			return
		}
	}
}

// applyTracking keeps the connection's nick and channel cells in sync with
// the structured stream. Self-joins and self-parts are the variants whose
// Who is nil; kicks compare the kicked nick against the current one.
func (b *Broadcast) applyTracking(msg Msg) {
	switch m := msg.(type) {
	case JoinMsg:
		if m.Who == nil {
			key := b.conn.Channels()[m.Channel]
			b.conn.TrackJoin(m.Channel, key)
		}
	case PartMsg:
		if m.Who == nil {
			b.conn.TrackPart(m.Channel)
		}
	case KickMsg:
		if m.Nick == b.conn.Nick() {
			b.conn.TrackPart(m.Channel)
		}
	case QuitMsg:
		if m.Who == nil {
			for channel := range b.conn.Channels() {
				b.conn.TrackPart(channel)
			}
		}
	case NickMsg:
		if m.Who != nil && m.Who.Name == b.conn.Nick() {
			b.conn.SetNick(m.NewNick)
		}
	}
}

// pingLoop sends a PING when nothing has arrived from the server for a
// full ping interval, so half-dead connections surface as read errors
// instead of lingering forever. Server-initiated PINGs are answered by the
// dispatcher; this is the client-initiated probe.
func (b *Broadcast) pingLoop() {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if !b.conn.IsOpen() {
				return
			}
			if b.idleSince() >= b.pingInterval {
				b.conn.Send(CmdTrailing("PING", fmt.Sprintf("%d", time.Now().UnixNano())))
			}
		}
	}
}

// deliverLoop drains the inbound queue and copies each message into every
// subscriber's buffer, dropping the oldest buffered message for a
// subscriber that has fallen behind.
func (b *Broadcast) deliverLoop() {
	defer close(b.done)

	for inb := range b.conn.Inbound() {
		MessagesDelivered.WithLabelValues(inb.Msg.Type().String()).Inc()

		b.mu.RLock()
		for _, sub := range b.subscribers {
			select {
			case sub.buf <- inb:
			default:
				// Buffer full: drop the oldest so delivery order is
				// preserved for what remains.
				select {
				case <-sub.buf:
					MessagesDropped.Inc()
				default:
				}
				select {
				case sub.buf <- inb:
				default:
					MessagesDropped.Inc()
				}
			}
		}
		b.mu.RUnlock()
	}

	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[uuid.UUID]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.notifyClose = true
		close(sub.buf)
	}
}

func (s *subscriber) run() {
	for inb := range s.buf {
		s.handler.HandleMessage(inb.Time, inb.Msg)
	}
	if s.notifyClose {
		s.handler.ConnectionClosed()
	}
}
