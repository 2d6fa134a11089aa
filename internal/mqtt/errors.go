//go:build !no_mqtt

package mqtt

import "errors"

var (
	// ErrNotConnected is returned by Publish while the broker link is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrPayloadTooLarge is returned for payloads over maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)
