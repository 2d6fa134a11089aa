//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"

	"iot-door/internal/door"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/lock/iot_door_door1/lock/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haLock is the discovery payload of an HA lock entity.
type haLock struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template"`
	PayloadLock       string   `json:"payload_lock"`
	PayloadUnlock     string   `json:"payload_unlock"`
	StateLocked       string   `json:"state_locked"`
	StateUnlocked     string   `json:"state_unlocked"`
	StateLocking      string   `json:"state_locking"`
	StateUnlocking    string   `json:"state_unlocking"`
	Optimistic        bool     `json:"optimistic"`
	Device            haDevice `json:"device"`
}

// The device reports free text, so the template maps it onto HA lock states
// with the same tokens the reconciler uses for acknowledgement.
const lockValueTemplate = `{% set v = value | lower %}` +
	`{% if 'closing' in v %}LOCKING{% elif 'opening' in v %}UNLOCKING` +
	`{% elif 'closed' in v %}LOCKED{% elif 'open' in v %}UNLOCKED` +
	`{% else %}{{ value }}{% endif %}`

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(d door.Device) string {
	id := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(d.ID))
	return "iot_door_" + id
}

func buildLockDiscovery(d door.Device, prefix, avail string) discoveryMsg {
	nodeID := deviceIdentifier(d)
	payload := haLock{
		Name:              "Door " + d.ID,
		UniqueID:          nodeID + "_lock",
		StateTopic:        d.StatusTopic,
		CommandTopic:      d.ControlTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     lockValueTemplate,
		PayloadLock:       door.ActionClose,
		PayloadUnlock:     door.ActionOpen,
		StateLocked:       "LOCKED",
		StateUnlocked:     "UNLOCKED",
		StateLocking:      "LOCKING",
		StateUnlocking:    "UNLOCKING",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "Espressif",
			Model:        "ESP32 door lock",
			Name:         "Door " + d.ID,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return discoveryMsg{
		Topic:   prefix + "/lock/" + nodeID + "/lock/config",
		Payload: data,
	}
}
