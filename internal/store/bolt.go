package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccessLogs   = []byte("access_logs")
	bucketAccessLogIDs = []byte("access_log_ids")
	bucketCommands     = []byte("commands")
	bucketDeviceState  = []byte("device_state")
	bucketSettings     = []byte("system_settings")
	bucketAccounts     = []byte("accounts")
	bucketAccountEmail = []byte("account_emails")
	bucketProfiles     = []byte("users")
	bucketSessions     = []byte("sessions")
	bucketMagicLinks   = []byte("magic_links")
	keySettings        = []byte("settings")
)

// settingsRowID is the id of the single system_settings row.
const settingsRowID = 1

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketAccessLogs, bucketAccessLogIDs, bucketCommands, bucketDeviceState,
			bucketSettings, bucketAccounts, bucketAccountEmail, bucketProfiles,
			bucketSessions, bucketMagicLinks,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// accessLogKey orders entries by creation time, with the id as tie-breaker,
// so a reverse cursor walk yields created_at descending.
func accessLogKey(e *AccessLogEntry) []byte {
	key := make([]byte, 8, 8+len(e.ID))
	binary.BigEndian.PutUint64(key, uint64(e.CreatedAt.UTC().UnixNano()))
	return append(key, e.ID...)
}

// InsertAccessLog appends an entry. The entry must already carry an id and
// creation time; inserting an id twice returns ErrConflict.
func (s *BoltStore) InsertAccessLog(_ context.Context, entry *AccessLogEntry) error {
	if entry.ID == "" || entry.CreatedAt.IsZero() {
		return fmt.Errorf("access log entry needs id and created_at")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketAccessLogIDs)
		if ids.Get([]byte(entry.ID)) != nil {
			return fmt.Errorf("access log %s: %w", entry.ID, ErrConflict)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := accessLogKey(entry)
		if err := tx.Bucket(bucketAccessLogs).Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(entry.ID), key)
	})
}

// RecentAccessLogs returns up to limit newest entries. limit <= 0 means no limit.
func (s *BoltStore) RecentAccessLogs(_ context.Context, limit int) ([]AccessLogEntry, error) {
	var entries []AccessLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAccessLogs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e AccessLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []AccessLogEntry{}
	}
	return entries, nil
}

func (s *BoltStore) AllAccessLogs(ctx context.Context) ([]AccessLogEntry, error) {
	return s.RecentAccessLogs(ctx, 0)
}

func (s *BoltStore) SaveCommand(cmd *Command) error {
	return s.put(bucketCommands, []byte(cmd.ID), cmd)
}

func (s *BoltStore) GetCommand(id string) (*Command, error) {
	var cmd Command
	if err := s.get(bucketCommands, []byte(id), &cmd); err != nil {
		return nil, fmt.Errorf("command %s: %w", id, err)
	}
	return &cmd, nil
}

// ListCommands returns the commands for a device, oldest first.
// An empty deviceID lists every command.
func (s *BoltStore) ListCommands(deviceID string) ([]*Command, error) {
	var cmds []*Command
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).ForEach(func(_, v []byte) error {
			var cmd Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				return err
			}
			if deviceID == "" || cmd.DeviceID == deviceID {
				cmds = append(cmds, &cmd)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortCommands(cmds)
	return cmds, nil
}

func (s *BoltStore) SaveDeviceState(state *DeviceState) error {
	return s.put(bucketDeviceState, []byte(state.DeviceID), state)
}

func (s *BoltStore) GetDeviceState(deviceID string) (*DeviceState, error) {
	var st DeviceState
	if err := s.get(bucketDeviceState, []byte(deviceID), &st); err != nil {
		return nil, fmt.Errorf("device state %s: %w", deviceID, err)
	}
	return &st, nil
}

func (s *BoltStore) GetSettings() (*SystemSettings, error) {
	var st settingsStorage
	if err := s.get(bucketSettings, keySettings, &st); err != nil {
		return nil, fmt.Errorf("system settings: %w", err)
	}
	return &SystemSettings{ID: st.ID, DoorPassword: st.DoorPassword, RFIDTags: st.RFIDTags}, nil
}

func (s *BoltStore) UpdateSettings(fn func(settings *SystemSettings) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		st := settingsStorage{ID: settingsRowID}
		if data := b.Get(keySettings); data != nil {
			if err := json.Unmarshal(data, &st); err != nil {
				return err
			}
		}
		settings := &SystemSettings{ID: st.ID, DoorPassword: st.DoorPassword, RFIDTags: append([]string(nil), st.RFIDTags...)}
		if err := fn(settings); err != nil {
			return err
		}
		data, err := json.Marshal(settingsStorage{
			ID:           settings.ID,
			DoorPassword: settings.DoorPassword,
			RFIDTags:     settings.RFIDTags,
		})
		if err != nil {
			return err
		}
		return b.Put(keySettings, data)
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	return err
}

// CreateAccount stores a new account and its profile row. Emails are unique,
// compared case-insensitively.
func (s *BoltStore) CreateAccount(acc *Account, profile *Profile) error {
	email := strings.ToLower(acc.Email)
	return s.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(bucketAccountEmail)
		if emails.Get([]byte(email)) != nil {
			return fmt.Errorf("account %s: %w", email, ErrConflict)
		}
		data, err := json.Marshal(accountStorage{
			ID:           acc.ID,
			Email:        acc.Email,
			PasswordHash: acc.PasswordHash,
			FullName:     acc.FullName,
			CreatedAt:    acc.CreatedAt,
		})
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAccounts).Put([]byte(acc.ID), data); err != nil {
			return err
		}
		if err := emails.Put([]byte(email), []byte(acc.ID)); err != nil {
			return err
		}
		pdata, err := json.Marshal(profile)
		if err != nil {
			return err
		}
		// Profiles are keyed by auth id; that is the only lookup path.
		return tx.Bucket(bucketProfiles).Put([]byte(profile.AuthID), pdata)
	})
}

func (s *BoltStore) GetAccount(id string) (*Account, error) {
	var st accountStorage
	if err := s.get(bucketAccounts, []byte(id), &st); err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}
	return st.account(), nil
}

func (s *BoltStore) GetAccountByEmail(email string) (*Account, error) {
	var acc *Account
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAccountEmail).Get([]byte(strings.ToLower(email)))
		if id == nil {
			return fmt.Errorf("account %s: %w", email, ErrNotFound)
		}
		data := tx.Bucket(bucketAccounts).Get(id)
		if data == nil {
			return fmt.Errorf("account %s: %w", email, ErrNotFound)
		}
		var st accountStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		acc = st.account()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (st accountStorage) account() *Account {
	return &Account{
		ID:           st.ID,
		Email:        st.Email,
		PasswordHash: st.PasswordHash,
		FullName:     st.FullName,
		CreatedAt:    st.CreatedAt,
	}
}

func (s *BoltStore) GetProfileByAuthID(authID string) (*Profile, error) {
	var p Profile
	if err := s.get(bucketProfiles, []byte(authID), &p); err != nil {
		return nil, fmt.Errorf("profile for %s: %w", authID, err)
	}
	return &p, nil
}

func (s *BoltStore) SaveSession(sess *Session) error {
	return s.put(bucketSessions, []byte(sess.ID), sess)
}

func (s *BoltStore) GetSession(id string) (*Session, error) {
	var sess Session
	if err := s.get(bucketSessions, []byte(id), &sess); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *BoltStore) SaveMagicLink(link *MagicLink) error {
	return s.put(bucketMagicLinks, []byte(link.TokenHash), link)
}

// ConsumeMagicLink returns and deletes a magic link in one transaction, so a
// link can be redeemed at most once.
func (s *BoltStore) ConsumeMagicLink(tokenHash string) (*MagicLink, error) {
	var link MagicLink
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMagicLinks)
		data := b.Get([]byte(tokenHash))
		if data == nil {
			return fmt.Errorf("magic link: %w", ErrNotFound)
		}
		if err := json.Unmarshal(data, &link); err != nil {
			return err
		}
		return b.Delete([]byte(tokenHash))
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func sortCommands(cmds []*Command) {
	slices.SortStableFunc(cmds, func(a, b *Command) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
