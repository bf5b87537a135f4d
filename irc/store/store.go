// Package store is the relational backing for the gateway supervisor: the
// accounts, networks, servers, identities and channel lists that decide
// which IRC connections should exist.
package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kvitebjorn/irc2me/irc"
)

// AccountID identifies one gateway account. Opaque; compared for equality
// only.
type AccountID uint64

// NetworkID identifies one IRC network of an account.
type NetworkID uint64

// Account is a gateway user owning networks and identities.
type Account struct {
	ID   uint64 `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;size:64"`
}

// Identity is a registration identity. NickAlt holds the collision
// alternates as a comma-separated priority list.
type Identity struct {
	ID        uint64 `gorm:"primaryKey"`
	AccountID uint64 `gorm:"index"`
	Nick      string `gorm:"size:64"`
	NickAlt   string `gorm:"size:255"`
	Username  string `gorm:"size:64"`
	Realname  string `gorm:"size:255"`
}

// Network is one IRC network an account connects to. IdentityID selects
// the identity used when registering; a network without one is skipped by
// the supervisor.
type Network struct {
	ID         uint64 `gorm:"primaryKey"`
	AccountID  uint64 `gorm:"index"`
	Name       string `gorm:"size:64"`
	IdentityID *uint64
	Reconnect  bool `gorm:"default:true"`
}

// NetworkServer is one endpoint of a network. TLS holds an irc.TLSMode.
type NetworkServer struct {
	ID        uint64 `gorm:"primaryKey"`
	NetworkID uint64 `gorm:"index"`
	Host      string `gorm:"size:255"`
	Port      int
	TLS       int
	Preferred bool `gorm:"default:false"`
}

// NetworkChannel is a channel the gateway keeps joined on a network. Key
// is the join key, re-sent verbatim on every reconnect.
type NetworkChannel struct {
	ID        uint64 `gorm:"primaryKey"`
	NetworkID uint64 `gorm:"index"`
	Name      string `gorm:"size:255"`
	Key       *string
}

// ServerRecord pairs a network with the endpoint the supervisor should
// dial for it.
type ServerRecord struct {
	NetworkID NetworkID
	Server    irc.Server
}

// Store wraps the gorm handle behind the supervisor's Select* queries.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema. Only the sqlite
// driver is compiled in; the DSN may be a file path or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	err = db.AutoMigrate(&Account{}, &Identity{}, &Network{}, &NetworkServer{}, &NetworkChannel{})
	if err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for fixtures and migrations.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SelectAccounts lists every account the supervisor should serve.
func (s *Store) SelectAccounts() ([]AccountID, error) {
	var rows []Account
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: select accounts: %w", err)
	}
	out := make([]AccountID, 0, len(rows))
	for _, row := range rows {
		out = append(out, AccountID(row.ID))
	}
	return out, nil
}

// SelectServersToReconnect returns, for one account, the preferred server
// of every network flagged for reconnection.
func (s *Store) SelectServersToReconnect(account AccountID) ([]ServerRecord, error) {
	var networks []Network
	err := s.db.Where("account_id = ? AND reconnect = ?", uint64(account), true).
		Order("id").Find(&networks).Error
	if err != nil {
		return nil, fmt.Errorf("store: select networks: %w", err)
	}

	var out []ServerRecord
	for _, network := range networks {
		var server NetworkServer
		err := s.db.Where("network_id = ?", network.ID).
			Order("preferred DESC, id").First(&server).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: select server for network %d: %w", network.ID, err)
		}
		out = append(out, ServerRecord{
			NetworkID: NetworkID(network.ID),
			Server: irc.Server{
				Host: server.Host,
				Port: server.Port,
				TLS:  irc.TLSMode(server.TLS),
			},
		})
	}
	return out, nil
}

// SelectNetworkIdentity resolves the identity an account registers with on
// a network. Returns (nil, nil) when the network has no identity bound.
func (s *Store) SelectNetworkIdentity(account AccountID, network NetworkID) (*irc.Identity, error) {
	var row Network
	err := s.db.Where("id = ? AND account_id = ?", uint64(network), uint64(account)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select network %d: %w", network, err)
	}
	if row.IdentityID == nil {
		return nil, nil
	}

	var identity Identity
	err = s.db.First(&identity, *row.IdentityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select identity %d: %w", *row.IdentityID, err)
	}

	return &irc.Identity{
		Nick:     identity.Nick,
		NickAlt:  splitAlternates(identity.NickAlt),
		Username: identity.Username,
		Realname: identity.Realname,
	}, nil
}

// SelectNetworkChannels returns the starting channel map for a network,
// join keys included.
func (s *Store) SelectNetworkChannels(network NetworkID) (map[string]*string, error) {
	var rows []NetworkChannel
	err := s.db.Where("network_id = ?", uint64(network)).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: select channels: %w", err)
	}
	out := make(map[string]*string, len(rows))
	for _, row := range rows {
		out[row.Name] = row.Key
	}
	return out, nil
}

func splitAlternates(list string) []string {
	if list == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
