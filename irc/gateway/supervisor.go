// Package gateway supervises the full set of IRC connections for every
// account in the store: it opens and re-opens the connections that should
// exist, and routes newly connected frontends onto their account's
// broadcast streams.
package gateway

import (
	"crypto/tls"
	"log"
	"sync"
	"time"

	"github.com/kvitebjorn/irc2me/irc"
	"github.com/kvitebjorn/irc2me/irc/store"
)

// ConnectionMap is the two-level account -> network -> broadcast map. The
// supervisor task is its only writer; inspection reads go through
// Supervisor.Snapshot.
type ConnectionMap map[store.AccountID]map[store.NetworkID]*irc.Broadcast

// AccountEvent is one item on the supervisor's event queue.
type AccountEvent struct {
	AccountID store.AccountID
	Payload   interface{}
}

// ClientConnected is the event payload for a frontend attaching to an
// account: its handler is subscribed to every broadcast the account owns.
type ClientConnected struct {
	Handler irc.Handler
}

// DialFunc opens a transport to a server. Injected by tests; production
// uses the default built on irc.DialTransport.
type DialFunc func(server irc.Server) (*irc.Transport, error)

// Options configures a Supervisor.
type Options struct {
	Store            *store.Store
	TLSConfig        *tls.Config
	Proxy            *irc.ProxyConfig
	DialTimeout      time.Duration
	PingInterval     time.Duration
	SubscriberBuffer int
	Dial             DialFunc
}

// Supervisor owns the connection map and the account event loop.
type Supervisor struct {
	opts   Options
	events chan AccountEvent

	mu    sync.RWMutex
	conns ConnectionMap
}

// New creates a Supervisor with an empty connection map.
func New(opts Options) *Supervisor {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	s := &Supervisor{
		opts:   opts,
		events: make(chan AccountEvent, 16),
		conns:  make(ConnectionMap),
	}
	if s.opts.Dial == nil {
		s.opts.Dial = func(server irc.Server) (*irc.Transport, error) {
			return irc.DialTransport(server.Host, server.Port, server.TLS,
				opts.TLSConfig, opts.Proxy, opts.DialTimeout)
		}
	}
	return s
}

// Events is the queue the RPC layer feeds account events into.
func (s *Supervisor) Events() chan<- AccountEvent {
	return s.events
}

// StartBroadcasting dials the server, registers with the given identity,
// and wraps the established connection in a broadcast hub. On any failure
// no connection is returned.
func (s *Supervisor) StartBroadcasting(identity irc.Identity, server irc.Server, channels map[string]*string) (*irc.Broadcast, error) {
	transport, err := s.opts.Dial(server)
	if err != nil {
		return nil, err
	}

	conn := irc.NewConn(transport, identity, server)
	conn.SetChannels(channels)

	if err := irc.Register(conn); err != nil {
		return nil, err
	}

	return irc.NewBroadcast(conn, s.opts.SubscriberBuffer, s.opts.PingInterval), nil
}

// ReconnectAll establishes every connection the store says should exist
// and is not already live in existing. Per-network failures are logged and
// skipped. A store error aborts the refresh and returns a nil map; the
// caller keeps using its previous map (existing is never mutated).
func (s *Supervisor) ReconnectAll(existing ConnectionMap) (ConnectionMap, error) {
	accounts, err := s.opts.Store.SelectAccounts()
	if err != nil {
		return nil, err
	}

	result := make(ConnectionMap, len(accounts))
	for account, networks := range existing {
		result[account] = make(map[store.NetworkID]*irc.Broadcast, len(networks))
		for network, broadcast := range networks {
			result[account][network] = broadcast
		}
	}

	for _, account := range accounts {
		servers, err := s.opts.Store.SelectServersToReconnect(account)
		if err != nil {
			return nil, err
		}

		for _, record := range servers {
			if live, ok := result[account][record.NetworkID]; ok && live.Conn().IsOpen() {
				continue
			}

			identity, err := s.opts.Store.SelectNetworkIdentity(account, record.NetworkID)
			if err != nil {
				return nil, err
			}
			if identity == nil {
				log.Printf("[supervisor] account %d network %d has no identity, skipping",
					account, record.NetworkID)
				continue
			}

			channels, err := s.opts.Store.SelectNetworkChannels(record.NetworkID)
			if err != nil {
				return nil, err
			}

			broadcast, err := s.StartBroadcasting(*identity, record.Server, channels)
			if err != nil {
				log.Printf("[supervisor] account %d network %d: connect %s:%d failed: %v",
					account, record.NetworkID, record.Server.Host, record.Server.Port, err)
				continue
			}

			if result[account] == nil {
				result[account] = make(map[store.NetworkID]*irc.Broadcast)
			}
			result[account][record.NetworkID] = broadcast
		}
	}

	return result, nil
}

// Refresh runs ReconnectAll against the supervisor's own map and installs
// the result. On a store error the previous map is preserved.
func (s *Supervisor) Refresh() error {
	s.mu.RLock()
	existing := s.conns
	s.mu.RUnlock()

	updated, err := s.ReconnectAll(existing)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conns = updated
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the connection map for inspection.
func (s *Supervisor) Snapshot() ConnectionMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(ConnectionMap, len(s.conns))
	for account, networks := range s.conns {
		out[account] = make(map[store.NetworkID]*irc.Broadcast, len(networks))
		for network, broadcast := range networks {
			out[account][network] = broadcast
		}
	}
	return out
}

// HandleEvent applies one account event. Unknown payloads are ignored; a
// failing subscriber never stops the loop.
func (s *Supervisor) HandleEvent(event AccountEvent) {
	switch payload := event.Payload.(type) {
	case ClientConnected:
		s.mu.RLock()
		networks := s.conns[event.AccountID]
		for network, broadcast := range networks {
			id := broadcast.Subscribe(payload.Handler)
			log.Printf("[supervisor] account %d: subscriber %s attached to network %d",
				event.AccountID, id, network)
		}
		s.mu.RUnlock()
	default:
		log.Printf("[supervisor] ignoring event %T for account %d", event.Payload, event.AccountID)
	}
}

// StopAll stops every broadcast with the given reason and empties the map.
func (s *Supervisor) StopAll(reason *string) {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(ConnectionMap)
	s.mu.Unlock()

	for _, networks := range conns {
		for _, broadcast := range networks {
			broadcast.Stop(reason)
		}
	}
}
