package store

import "time"

// DeliveryState is the lifecycle position of an issued command.
// It only ever moves forward: pending -> acked | timed_out.
type DeliveryState string

const (
	DeliveryPending  DeliveryState = "pending"
	DeliveryAcked    DeliveryState = "acked"
	DeliveryTimedOut DeliveryState = "timed_out"
)

// Command is an open/close request sent to a door device.
type Command struct {
	ID            string        `json:"id"`
	DeviceID      string        `json:"target_device"`
	Action        string        `json:"action"`
	IssuedAt      time.Time     `json:"issued_at"`
	IssuerUserID  string        `json:"issuer_user_id"`
	DeliveryState DeliveryState `json:"delivery_state"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
}

// AccessLogEntry is one row of the access_logs table. Entries are append-only.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceState is the last status a device reported about itself.
type DeviceState struct {
	DeviceID        string    `json:"device_id"`
	LastKnownStatus string    `json:"last_known_status"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// SystemSettings is the single system_settings row read by the door firmware.
// DoorPassword is hidden from API/JSON serialization via json:"-".
type SystemSettings struct {
	ID           int      `json:"id"`
	DoorPassword string   `json:"-"`
	RFIDTags     []string `json:"rfid_tag"`
}

// settingsStorage is the internal struct used for DB serialization,
// preserving the door password on disk.
type settingsStorage struct {
	ID           int      `json:"id"`
	DoorPassword string   `json:"door_password,omitempty"`
	RFIDTags     []string `json:"rfid_tag"`
}

// Account is an authentication identity.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type accountStorage struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is a row of the users table, mapping an auth identity to the
// internal id recorded on access logs.
type Profile struct {
	ID       string `json:"id"`
	AuthID   string `json:"auth_id"`
	FullName string `json:"full_name,omitempty"`
}

// Session is a signed-in browser session. Revoked sessions stay on disk until they expire.
type Session struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// MagicLink is a pending passwordless sign-in. Only the token hash is stored.
type MagicLink struct {
	TokenHash string    `json:"token_hash"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}
