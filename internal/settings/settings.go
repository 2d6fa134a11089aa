// Package settings manages the door keypad password and the RFID tag
// allow-list stored in the single system_settings row.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"iot-door/internal/door"
	"iot-door/internal/store"
)

var (
	ErrEmptyPassword = errors.New("door password cannot be empty")
	ErrEmptyTag      = errors.New("rfid tag cannot be empty")
	ErrDuplicateTag  = errors.New("rfid tag already exists")
)

// Change is the payload of a settings_changed event. It never carries the
// password itself.
type Change struct {
	Field  string `json:"field"`
	Action string `json:"action"`
	Tag    string `json:"tag,omitempty"`
}

// Service validates settings changes before anything is written.
type Service struct {
	store  store.Store
	events *door.EventBus
	logger *slog.Logger
}

func NewService(st store.Store, events *door.EventBus, logger *slog.Logger) *Service {
	return &Service{store: st, events: events, logger: logger.With("component", "settings")}
}

// ChangeDoorPassword sets the keypad password, creating the settings row
// if it does not exist yet.
func (s *Service) ChangeDoorPassword(password string) error {
	if strings.TrimSpace(password) == "" {
		return ErrEmptyPassword
	}
	err := s.store.UpdateSettings(func(st *store.SystemSettings) error {
		st.DoorPassword = password
		return nil
	})
	if err != nil {
		return fmt.Errorf("update door password: %w", err)
	}
	s.logger.Info("door password changed")
	s.emit(Change{Field: "door_password", Action: "updated"})
	return nil
}

// RFIDTags returns the allow-list. A missing settings row is an empty list.
func (s *Service) RFIDTags() ([]string, error) {
	st, err := s.store.GetSettings()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if st.RFIDTags == nil {
		return []string{}, nil
	}
	return st.RFIDTags, nil
}

// Settings returns the full row for the door firmware, password included.
func (s *Service) Settings() (*store.SystemSettings, error) {
	st, err := s.store.GetSettings()
	if errors.Is(err, store.ErrNotFound) {
		return &store.SystemSettings{ID: 1, RFIDTags: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if st.RFIDTags == nil {
		st.RFIDTags = []string{}
	}
	return st, nil
}

// AddRFIDTag appends tag. A tag already in the list is rejected and nothing
// is written.
func (s *Service) AddRFIDTag(tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ErrEmptyTag
	}
	err := s.store.UpdateSettings(func(st *store.SystemSettings) error {
		if slices.Contains(st.RFIDTags, tag) {
			return ErrDuplicateTag
		}
		st.RFIDTags = append(st.RFIDTags, tag)
		return nil
	})
	if errors.Is(err, ErrDuplicateTag) {
		return err
	}
	if err != nil {
		return fmt.Errorf("add rfid tag: %w", err)
	}
	s.logger.Info("rfid tag added", "tag", tag)
	s.emit(Change{Field: "rfid_tag", Action: "added", Tag: tag})
	return nil
}

// RemoveRFIDTag deletes tag. Removing a tag that is not present succeeds
// without writing.
func (s *Service) RemoveRFIDTag(tag string) error {
	tag = strings.TrimSpace(tag)
	removed := false
	err := s.store.UpdateSettings(func(st *store.SystemSettings) error {
		i := slices.Index(st.RFIDTags, tag)
		if i < 0 {
			return store.ErrNoChange
		}
		st.RFIDTags = slices.DeleteFunc(st.RFIDTags, func(t string) bool { return t == tag })
		removed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove rfid tag: %w", err)
	}
	if removed {
		s.logger.Info("rfid tag removed", "tag", tag)
		s.emit(Change{Field: "rfid_tag", Action: "removed", Tag: tag})
	}
	return nil
}

func (s *Service) emit(c Change) {
	if s.events != nil {
		s.events.Emit(door.Event{Type: door.EventSettingsChanged, Data: c})
	}
}
