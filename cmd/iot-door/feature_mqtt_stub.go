//go:build no_mqtt

package main

import (
	"fmt"
	"log/slog"

	"iot-door/internal/door"
)

func newMQTTTransport(_ *Config, _ door.Device, _ func(bool, error), _ *slog.Logger) (door.Transport, error) {
	return nil, fmt.Errorf("mqtt transport not compiled in (built with no_mqtt); set transport.type: serial")
}
