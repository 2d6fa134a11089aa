package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with an existing key.
var ErrConflict = errors.New("already exists")

// ErrNoChange may be returned from an UpdateSettings callback to finish
// successfully without writing anything.
var ErrNoChange = errors.New("no change")

// AccessLogStore is the append-only access_logs table.
// Both query methods return entries ordered by created_at descending.
type AccessLogStore interface {
	InsertAccessLog(ctx context.Context, entry *AccessLogEntry) error
	RecentAccessLogs(ctx context.Context, limit int) ([]AccessLogEntry, error)
	AllAccessLogs(ctx context.Context) ([]AccessLogEntry, error)
}

// Store defines the persistence interface.
type Store interface {
	AccessLogStore

	// Commands and device state
	SaveCommand(cmd *Command) error
	GetCommand(id string) (*Command, error)
	ListCommands(deviceID string) ([]*Command, error)
	SaveDeviceState(state *DeviceState) error
	GetDeviceState(deviceID string) (*DeviceState, error)

	// GetSettings returns ErrNotFound until the row has been written once.
	GetSettings() (*SystemSettings, error)

	// UpdateSettings atomically reads, modifies, and saves the settings row in
	// a single transaction, creating it if missing. If fn returns an error
	// nothing is written; ErrNoChange is swallowed.
	UpdateSettings(fn func(s *SystemSettings) error) error

	// Accounts and profiles
	CreateAccount(acc *Account, profile *Profile) error
	GetAccount(id string) (*Account, error)
	GetAccountByEmail(email string) (*Account, error)
	GetProfileByAuthID(authID string) (*Profile, error)

	// Sessions and magic links
	SaveSession(sess *Session) error
	GetSession(id string) (*Session, error)
	SaveMagicLink(link *MagicLink) error
	ConsumeMagicLink(tokenHash string) (*MagicLink, error)

	// Close the store
	Close() error
}
