package telemetry

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"iot-door/internal/door"
	"iot-door/internal/store"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestPointForStatusReport(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := pointFor(door.Event{Type: door.EventStatusReport, Data: door.StatusReport{
		DeviceID: "door1", ReportedState: "Open", ReceivedAt: at,
	}})
	if p == nil {
		t.Fatal("nil point")
	}
	if p.Name() != "door_status" {
		t.Errorf("name = %q", p.Name())
	}
	if tags(p)["device_id"] != "door1" {
		t.Errorf("tags = %v", tags(p))
	}
	if fields(p)["state"] != "Open" {
		t.Errorf("fields = %v", fields(p))
	}
	if !p.Time().Equal(at) {
		t.Errorf("time = %v", p.Time())
	}
}

func TestPointForResolvedCommand(t *testing.T) {
	issued := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	resolved := issued.Add(1500 * time.Millisecond)
	p := pointFor(door.Event{Type: door.EventCommandAcked, Data: store.Command{
		ID: "c1", DeviceID: "door1", Action: "open",
		IssuedAt: issued, ResolvedAt: &resolved, DeliveryState: store.DeliveryAcked,
	}})
	if p == nil || p.Name() != "door_command" {
		t.Fatalf("point = %v", p)
	}
	tg := tags(p)
	if tg["action"] != "open" || tg["state"] != "acked" {
		t.Errorf("tags = %v", tg)
	}
	if fields(p)["latency_ms"] != int64(1500) {
		t.Errorf("latency = %v", fields(p)["latency_ms"])
	}
	if !p.Time().Equal(resolved) {
		t.Errorf("time = %v, want resolved time", p.Time())
	}
}

func TestPointForIgnoredEvents(t *testing.T) {
	for _, ev := range []door.Event{
		{Type: door.EventAccessLog, Data: store.AccessLogEntry{ID: "x"}},
		{Type: door.EventSettingsChanged},
		{Type: door.EventStatusReport, Data: "wrong type"},
	} {
		if p := pointFor(ev); p != nil {
			t.Errorf("%s: unexpected point %q", ev.Type, p.Name())
		}
	}
}

func TestAttachWritesAlerts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	events := door.NewEventBus(logger)
	fw := &fakeWriter{}
	s := &Sink{writer: fw, logger: logger}

	detach := s.Attach(events)
	at := time.Now()
	events.Emit(door.Event{Type: door.EventAlert, Data: door.Alert{
		Entry: store.AccessLogEntry{ID: "e1", Method: "emergency", Status: "success", CreatedAt: at},
		At:    at,
	}})
	detach()
	events.Emit(door.Event{Type: door.EventAlert, Data: door.Alert{At: at}})

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.points) != 1 {
		t.Fatalf("points = %d, want 1", len(fw.points))
	}
	if fw.points[0].Name() != "door_alert" || tags(fw.points[0])["method"] != "emergency" {
		t.Errorf("point = %s %v", fw.points[0].Name(), tags(fw.points[0]))
	}
}

func TestConnectDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if _, err := Connect(Config{}, logger); err != ErrDisabled {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}
