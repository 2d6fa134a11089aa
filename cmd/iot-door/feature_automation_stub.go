//go:build no_automation

package main

import (
	"log/slog"

	"iot-door/internal/door"
	"iot-door/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *door.Reconciler, _ *door.EventBus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
