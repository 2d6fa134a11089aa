//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "iot-door/internal/mqtt"

	"iot-door/internal/door"
)

func newMQTTTransport(cfg *Config, device door.Device, onChange func(bool, error), logger *slog.Logger) (door.Transport, error) {
	bridge, err := mqttbridge.NewBridge(mqttbridge.Config{
		Broker:             cfg.MQTT.Broker,
		ClientID:           cfg.MQTT.ClientID,
		Username:           cfg.MQTT.Username,
		Password:           cfg.MQTT.Password,
		QoS:                cfg.MQTT.QoS,
		InitialDelay:       mustDuration(cfg.MQTT.Reconnect.InitialDelay),
		MaxDelay:           mustDuration(cfg.MQTT.Reconnect.MaxDelay),
		Devices:            []door.Device{device},
		Discovery:          cfg.MQTT.Discovery,
		DiscoveryPrefix:    cfg.MQTT.DiscoveryPrefix,
		OnConnectionChange: onChange,
	}, logger)
	if err != nil {
		return nil, err
	}
	return bridge, nil
}
