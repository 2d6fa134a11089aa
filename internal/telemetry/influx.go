// Package telemetry records door events as InfluxDB time-series points.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"iot-door/internal/door"
	"iot-door/internal/store"
)

var ErrDisabled = errors.New("influxdb telemetry disabled")

const connectTimeout = 10 * time.Second

// Config holds InfluxDB connection settings.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Sink writes door events through the non-blocking batched write API.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
}

// Connect pings the server and starts the batched writer.
func Connect(cfg Config, logger *slog.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	logger = logger.With("component", "telemetry")
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("influxdb write error", "err", err)
		}
	}()

	logger.Info("influxdb connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return &Sink{client: client, writer: writeAPI, logger: logger}, nil
}

// Attach subscribes the sink to every door event. WritePoint only buffers,
// so it is safe to call from the reconciler goroutine.
func (s *Sink) Attach(events *door.EventBus) func() {
	return events.OnAll(func(ev door.Event) {
		if p := pointFor(ev); p != nil {
			s.writer.WritePoint(p)
		}
	})
}

// Close flushes buffered points and closes the client.
func (s *Sink) Close() {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
}

// pointFor maps an event to a point, or nil for events that are not recorded.
func pointFor(ev door.Event) *write.Point {
	switch ev.Type {
	case door.EventStatusReport:
		rep, ok := ev.Data.(door.StatusReport)
		if !ok {
			return nil
		}
		return write.NewPoint("door_status",
			map[string]string{"device_id": rep.DeviceID},
			map[string]interface{}{"state": rep.ReportedState},
			rep.ReceivedAt)

	case door.EventCommandIssued, door.EventCommandAcked, door.EventCommandTimedOut:
		cmd, ok := ev.Data.(store.Command)
		if !ok {
			return nil
		}
		at := cmd.IssuedAt
		if cmd.ResolvedAt != nil {
			at = *cmd.ResolvedAt
		}
		fields := map[string]interface{}{"command_id": cmd.ID}
		if cmd.ResolvedAt != nil {
			fields["latency_ms"] = cmd.ResolvedAt.Sub(cmd.IssuedAt).Milliseconds()
		}
		return write.NewPoint("door_command",
			map[string]string{
				"device_id": cmd.DeviceID,
				"action":    cmd.Action,
				"state":     string(cmd.DeliveryState),
			},
			fields, at)

	case door.EventAlert:
		a, ok := ev.Data.(door.Alert)
		if !ok {
			return nil
		}
		return write.NewPoint("door_alert",
			map[string]string{"method": a.Entry.Method},
			map[string]interface{}{"entry_id": a.Entry.ID, "user_id": a.Entry.UserID},
			a.At)
	}
	return nil
}
