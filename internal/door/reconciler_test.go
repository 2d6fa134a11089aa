package door

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"iot-door/internal/store"
)

const (
	testDevice  = "door1"
	testControl = "esp32/door1/control"
	testStatus  = "esp32/door/status"
)

type published struct {
	topic   string
	payload string
}

type fakeTransport struct {
	mu        sync.Mutex
	published []published
	err       error
	msgs      chan Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan Message, 64)}
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, string(payload)})
	return f.err
}

func (f *fakeTransport) Messages() <-chan Message { return f.msgs }
func (f *fakeTransport) Close() error            { return nil }

func (f *fakeTransport) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type harness struct {
	r         *Reconciler
	store     *store.BoltStore
	accessLog *store.AccessLog
	transport *fakeTransport
	events    *EventBus

	mu       sync.Mutex
	received []Event
}

func (h *harness) eventsOf(typ string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.received {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// newHarness starts a reconciler for one device. seed runs against the
// store before Run loads it.
func newHarness(t *testing.T, timeout time.Duration, seed func(*store.BoltStore)) *harness {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "door.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if seed != nil {
		seed(st)
	}

	h := &harness{
		store:     st,
		accessLog: store.NewAccessLog(st),
		transport: newFakeTransport(),
		events:    NewEventBus(newTestLogger()),
	}
	h.events.OnAll(func(e Event) {
		h.mu.Lock()
		h.received = append(h.received, e)
		h.mu.Unlock()
	})
	cfg := Config{
		Devices:        []Device{{ID: testDevice, ControlTopic: testControl, StatusTopic: testStatus}},
		CommandTimeout: timeout,
	}
	h.r = New(cfg, h.transport, st, h.accessLog, h.events, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.r.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLastKnownStatusIsMostRecentlyReceived(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	base := time.Now()
	// received_at deliberately out of order: arrival order wins.
	reports := []struct {
		state string
		at    time.Time
	}{
		{"Closed", base},
		{"Opening...", base.Add(-time.Minute)},
		{"Open", base.Add(-2 * time.Minute)},
	}
	for _, rep := range reports {
		if err := h.r.OnStatusReport(ctx, testDevice, rep.state, rep.at); err != nil {
			t.Fatal(err)
		}
		snap, err := h.r.Snapshot(ctx, testDevice)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Confirmed.LastKnownStatus != rep.state {
			t.Errorf("status = %q, want %q", snap.Confirmed.LastKnownStatus, rep.state)
		}
		if !snap.Confirmed.LastUpdatedAt.Equal(rep.at) {
			t.Errorf("updated = %v, want %v", snap.Confirmed.LastUpdatedAt, rep.at)
		}
	}

	saved, err := h.store.GetDeviceState(testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if saved.LastKnownStatus != "Open" {
		t.Errorf("persisted status = %q, want Open", saved.LastKnownStatus)
	}
}

func TestIssueCommandWritesOneAccessLog(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	cmd, err := h.r.IssueCommand(ctx, testDevice, "open", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.DeliveryState != store.DeliveryPending {
		t.Errorf("delivery = %q, want pending", cmd.DeliveryState)
	}

	sent := h.transport.sent()
	if len(sent) != 1 || sent[0].topic != testControl || sent[0].payload != "open" {
		t.Errorf("published = %+v", sent)
	}

	rows, err := h.store.AllAccessLogs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("access logs = %d, want 1", len(rows))
	}
	if rows[0].Method != "remote-open" || rows[0].Status != "success" || rows[0].UserID != "u1" {
		t.Errorf("entry = %+v", rows[0])
	}

	// The store notification for the same row must not add a second entry.
	time.Sleep(20 * time.Millisecond)
	history, err := h.r.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Errorf("history = %d, want 1", len(history))
	}

	snap, err := h.r.Snapshot(ctx, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Requested == nil || snap.Requested.Status != "Opening..." {
		t.Errorf("requested = %+v, want Opening...", snap.Requested)
	}
	if snap.Confirmed.LastKnownStatus != "" {
		t.Errorf("confirmed status changed optimistically to %q", snap.Confirmed.LastKnownStatus)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].ID != cmd.ID {
		t.Errorf("pending = %+v", snap.Pending)
	}
}

func TestIssueCommandUsesProfileID(t *testing.T) {
	h := newHarness(t, 0, func(st *store.BoltStore) {
		acc := &store.Account{ID: "auth-1", Email: "a@example.com", CreatedAt: time.Now()}
		if err := st.CreateAccount(acc, &store.Profile{ID: "profile-1", AuthID: "auth-1"}); err != nil {
			t.Fatal(err)
		}
	})
	ctx := testCtx(t)

	cmd, err := h.r.IssueCommand(ctx, testDevice, "close", "auth-1")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.IssuerUserID != "auth-1" {
		t.Errorf("issuer = %q, want auth-1", cmd.IssuerUserID)
	}
	rows, err := h.store.AllAccessLogs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].UserID != "profile-1" || rows[0].Method != "remote-close" {
		t.Errorf("entry = %+v", rows)
	}
}

func TestIssueCommandPublishFailureStillRecorded(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.transport.mu.Lock()
	h.transport.err = errors.New("broker unreachable")
	h.transport.mu.Unlock()
	ctx := testCtx(t)

	if _, err := h.r.IssueCommand(ctx, testDevice, "open", "u1"); err != nil {
		t.Fatalf("publish failure should not fail the command: %v", err)
	}
	rows, err := h.store.AllAccessLogs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != "success" {
		t.Errorf("entry = %+v", rows)
	}
}

func TestIssueCommandValidation(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	if _, err := h.r.IssueCommand(ctx, testDevice, "unlock", "u1"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("err = %v, want ErrUnknownAction", err)
	}
	if _, err := h.r.IssueCommand(ctx, "door9", "open", "u1"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
	if len(h.transport.sent()) != 0 {
		t.Error("rejected command was published")
	}
}

func TestOpenAckedByOpeningThenOpen(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	cmd, err := h.r.IssueCommand(ctx, testDevice, "open", "u1")
	if err != nil {
		t.Fatal(err)
	}

	h.transport.msgs <- Message{Topic: testStatus, Payload: []byte("Opening...")}
	h.transport.msgs <- Message{Topic: testStatus, Payload: []byte("Open")}

	waitFor(t, "status Open", func() bool {
		snap, err := h.r.Snapshot(ctx, testDevice)
		return err == nil && snap.Confirmed.LastKnownStatus == "Open"
	})

	got, err := h.store.GetCommand(cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != store.DeliveryAcked {
		t.Errorf("delivery = %q, want acked", got.DeliveryState)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
	if n := len(h.eventsOf(EventCommandAcked)); n != 1 {
		t.Errorf("acked events = %d, want 1", n)
	}

	snap, err := h.r.Snapshot(ctx, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Requested != nil {
		t.Errorf("requested = %+v, want cleared", snap.Requested)
	}
	if len(snap.Pending) != 0 {
		t.Errorf("pending = %d, want 0", len(snap.Pending))
	}
}

func TestInconsistentReportDoesNotAck(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	cmd, err := h.r.IssueCommand(ctx, testDevice, "close", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.r.OnStatusReport(ctx, testDevice, "Open", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := h.r.OnStatusReport(ctx, testDevice, "Closing...", time.Now()); err != nil {
		t.Fatal(err)
	}
	got, err := h.store.GetCommand(cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != store.DeliveryPending {
		t.Fatalf("delivery = %q, want pending", got.DeliveryState)
	}

	if err := h.r.OnStatusReport(ctx, testDevice, "CLOSED", time.Now()); err != nil {
		t.Fatal(err)
	}
	got, err = h.store.GetCommand(cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != store.DeliveryAcked {
		t.Errorf("delivery = %q, want acked", got.DeliveryState)
	}
}

func TestReportAcksAllConsistentPending(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	a, _ := h.r.IssueCommand(ctx, testDevice, "open", "u1")
	b, _ := h.r.IssueCommand(ctx, testDevice, "open", "u2")
	c, _ := h.r.IssueCommand(ctx, testDevice, "close", "u3")

	if err := h.r.OnStatusReport(ctx, testDevice, "Open", time.Now()); err != nil {
		t.Fatal(err)
	}

	for id, want := range map[string]store.DeliveryState{
		a.ID: store.DeliveryAcked,
		b.ID: store.DeliveryAcked,
		c.ID: store.DeliveryPending,
	} {
		got, err := h.store.GetCommand(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.DeliveryState != want {
			t.Errorf("%s delivery = %q, want %q", got.Action, got.DeliveryState, want)
		}
	}

	// Requested tracks the last command issued, which is still pending.
	snap, err := h.r.Snapshot(ctx, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Requested == nil || snap.Requested.CommandID != c.ID {
		t.Errorf("requested = %+v, want command %s", snap.Requested, c.ID)
	}
}

func TestUnsolicitedReportApplied(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.transport.msgs <- Message{Topic: testStatus, Payload: []byte("Closed\n")}
	h.transport.msgs <- Message{Topic: "other/topic", Payload: []byte("Open")}

	ctx := testCtx(t)
	waitFor(t, "status Closed", func() bool {
		snap, err := h.r.Snapshot(ctx, testDevice)
		return err == nil && snap.Confirmed.LastKnownStatus == "Closed"
	})
	time.Sleep(20 * time.Millisecond)
	snap, err := h.r.Snapshot(ctx, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Confirmed.LastKnownStatus != "Closed" {
		t.Errorf("status = %q, message on foreign topic was applied", snap.Confirmed.LastKnownStatus)
	}
}

func TestEmergencyAlertDeduplicated(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	at := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	entry := store.AccessLogEntry{ID: "e1", Method: "Emergency", Status: "Success", CreatedAt: at}

	if err := h.r.OnAccessLogInserted(ctx, entry); err != nil {
		t.Fatal(err)
	}
	alerts, err := h.r.ListAlerts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].ID != "e1" {
		t.Fatalf("alerts = %+v, want [e1]", alerts)
	}

	if err := h.r.OnAccessLogInserted(ctx, entry); err != nil {
		t.Fatal(err)
	}
	alerts, err = h.r.ListAlerts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d after duplicate, want 1", len(alerts))
	}

	ev := h.eventsOf(EventAlert)
	if len(ev) != 1 {
		t.Fatalf("alert events = %d, want 1", len(ev))
	}
	if a, ok := ev[0].Data.(Alert); !ok || !a.At.Equal(at) {
		t.Errorf("alert event = %+v, want timestamp %v", ev[0].Data, at)
	}
}

func TestAlertsNewestFirstAfterInsert(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	historical := []store.AccessLogEntry{
		{ID: "h1", Method: "Emergency Button", Status: "success", CreatedAt: base},
		{ID: "h2", Method: "Emergency Button", Status: "success", CreatedAt: base.Add(time.Minute)},
	}
	h := newHarness(t, 0, func(st *store.BoltStore) {
		for i := range historical {
			if err := st.InsertAccessLog(context.Background(), &historical[i]); err != nil {
				t.Fatal(err)
			}
		}
	})
	ctx := testCtx(t)

	late := store.AccessLogEntry{ID: "n1", Method: "Emergency Button", Status: "success", CreatedAt: base.Add(time.Hour)}
	if err := h.r.OnAccessLogInserted(ctx, late); err != nil {
		t.Fatal(err)
	}
	// Arrives after n1 but happened between h1 and h2.
	mid := store.AccessLogEntry{ID: "m1", Method: "emergency", Status: "SUCCESS", CreatedAt: base.Add(30 * time.Second)}
	if err := h.r.OnAccessLogInserted(ctx, mid); err != nil {
		t.Fatal(err)
	}

	alerts, err := h.r.ListAlerts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, a := range alerts {
		got = append(got, a.ID)
	}
	want := []string{"n1", "h2", "m1", "h1"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("alert order = %v, want %v", got, want)
	}
}

func TestAlertsMatchPredicateOverHistoryAndInserts(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	historical := []store.AccessLogEntry{
		{ID: "h1", Method: "emergency", Status: "success", CreatedAt: base},
		{ID: "h2", Method: "emergency", Status: "failure", CreatedAt: base.Add(time.Minute)},
		{ID: "h3", Method: "remote-open", Status: "success", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "h4", Method: "EMERGENCY-button", Status: "SUCCESS", CreatedAt: base.Add(3 * time.Minute)},
	}
	h := newHarness(t, 0, func(st *store.BoltStore) {
		for i := range historical {
			if err := st.InsertAccessLog(context.Background(), &historical[i]); err != nil {
				t.Fatal(err)
			}
		}
	})
	ctx := testCtx(t)

	incoming := []store.AccessLogEntry{
		{ID: "n1", Method: "Emergency", Status: "Success", CreatedAt: base.Add(10 * time.Minute)},
		{ID: "n2", Method: "rfid", Status: "success", CreatedAt: base.Add(11 * time.Minute)},
		{ID: "h1", Method: "emergency", Status: "success", CreatedAt: base},
		{ID: "n1", Method: "Emergency", Status: "Success", CreatedAt: base.Add(10 * time.Minute)},
	}
	for _, e := range incoming {
		if err := h.r.OnAccessLogInserted(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	alerts, err := h.r.ListAlerts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"h1": true, "h4": true, "n1": true}
	if len(alerts) != len(want) {
		t.Fatalf("alerts = %+v, want ids %v", alerts, want)
	}
	for _, a := range alerts {
		if !want[a.ID] {
			t.Errorf("unexpected alert %s", a.ID)
		}
		delete(want, a.ID)
	}
	if len(want) != 0 {
		t.Errorf("missing alerts %v", want)
	}

	// Historical alerts are loaded without re-emitting.
	if n := len(h.eventsOf(EventAlert)); n != 1 {
		t.Errorf("alert events = %d, want 1", n)
	}
}

func TestRecentIsBoundedPrefixOfHistory(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Shuffled creation times, including a tie.
	offsets := []int{5, 1, 14, 3, 9, 0, 12, 7, 7, 2, 11, 4, 13, 6, 10, 8}
	for i, off := range offsets {
		e := store.AccessLogEntry{
			ID:        fmt.Sprintf("e%02d", i),
			Method:    "rfid",
			Status:    "success",
			CreatedAt: base.Add(time.Duration(off) * time.Second),
		}
		if err := h.r.OnAccessLogInserted(ctx, e); err != nil {
			t.Fatal(err)
		}

		recent, err := h.r.RecentLogs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		history, err := h.r.History(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(recent) > RecentLimit {
			t.Fatalf("recent = %d entries, limit %d", len(recent), RecentLimit)
		}
		if len(history) != i+1 {
			t.Fatalf("history = %d, want %d", len(history), i+1)
		}
		for j := range recent {
			if recent[j].ID != history[j].ID {
				t.Fatalf("recent[%d] = %s, history[%d] = %s", j, recent[j].ID, j, history[j].ID)
			}
		}
		for j := 1; j < len(history); j++ {
			if history[j].CreatedAt.After(history[j-1].CreatedAt) {
				t.Fatalf("history not descending at %d", j)
			}
		}
	}
}

func TestCommandTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond, nil)
	ctx := testCtx(t)

	cmd, err := h.r.IssueCommand(ctx, testDevice, "open", "u1")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "timed out", func() bool {
		got, err := h.store.GetCommand(cmd.ID)
		return err == nil && got.DeliveryState == store.DeliveryTimedOut
	})

	// A late consistent report does not move the command backwards.
	if err := h.r.OnStatusReport(ctx, testDevice, "Open", time.Now()); err != nil {
		t.Fatal(err)
	}
	got, err := h.store.GetCommand(cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != store.DeliveryTimedOut {
		t.Errorf("delivery = %q, want timed_out", got.DeliveryState)
	}
	if n := len(h.eventsOf(EventCommandTimedOut)); n != 1 {
		t.Errorf("timed out events = %d, want 1", n)
	}
}

func TestNoTimeoutByDefault(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := testCtx(t)

	cmd, err := h.r.IssueCommand(ctx, testDevice, "open", "u1")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	got, err := h.store.GetCommand(cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != store.DeliveryPending {
		t.Errorf("delivery = %q, want pending", got.DeliveryState)
	}
}

func TestPendingCommandsReloaded(t *testing.T) {
	issued := time.Now().Add(-time.Minute).UTC()
	h := newHarness(t, 0, func(st *store.BoltStore) {
		cmd := &store.Command{ID: "c1", DeviceID: testDevice, Action: "close", IssuedAt: issued, DeliveryState: store.DeliveryPending}
		if err := st.SaveCommand(cmd); err != nil {
			t.Fatal(err)
		}
		if err := st.SaveDeviceState(&store.DeviceState{DeviceID: testDevice, LastKnownStatus: "Open", LastUpdatedAt: issued}); err != nil {
			t.Fatal(err)
		}
	})
	ctx := testCtx(t)

	snap, err := h.r.Snapshot(ctx, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Confirmed.LastKnownStatus != "Open" {
		t.Errorf("status = %q, want Open", snap.Confirmed.LastKnownStatus)
	}
	if snap.Requested == nil || snap.Requested.Status != "Closing..." {
		t.Errorf("requested = %+v", snap.Requested)
	}

	if err := h.r.OnStatusReport(ctx, testDevice, "Closed", time.Now()); err != nil {
		t.Fatal(err)
	}
	got, err := h.store.GetCommand("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != store.DeliveryAcked {
		t.Errorf("delivery = %q, want acked", got.DeliveryState)
	}
}

func TestOperationsAfterStop(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "door.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	r := New(Config{Devices: []Device{{ID: testDevice, ControlTopic: testControl, StatusTopic: testStatus}}},
		newFakeTransport(), st, store.NewAccessLog(st), NewEventBus(newTestLogger()), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.History(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestConsistent(t *testing.T) {
	tests := []struct {
		action, state string
		want          bool
	}{
		{"open", "Open", true},
		{"open", "Opening...", true},
		{"open", "DOOR OPENED", true},
		{"open", "Closed", false},
		{"close", "Closed", true},
		{"close", "closed by keypad", true},
		{"close", "Closing...", false},
		{"close", "Open", false},
		{"unlock", "Open", false},
	}
	for _, tt := range tests {
		if got := Consistent(tt.action, tt.state); got != tt.want {
			t.Errorf("Consistent(%q, %q) = %v, want %v", tt.action, tt.state, got, tt.want)
		}
	}
}

// failingInserts rejects every access log insert.
type failingInserts struct {
	*store.BoltStore
}

func (failingInserts) InsertAccessLog(context.Context, *store.AccessLogEntry) error {
	return errors.New("disk full")
}

func TestIssueCommandPublishesWhenAccessLogFails(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "door.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	transport := newFakeTransport()
	cfg := Config{Devices: []Device{{ID: testDevice, ControlTopic: testControl, StatusTopic: testStatus}}}
	r := New(cfg, transport, st, store.NewAccessLog(failingInserts{st}), NewEventBus(newTestLogger()), newTestLogger())

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	ctx := testCtx(t)

	cmd, err := r.IssueCommand(ctx, testDevice, "open", "u1")
	if err == nil {
		t.Fatal("expected access log error")
	}
	if cmd.ID == "" || cmd.DeliveryState != store.DeliveryPending {
		t.Errorf("command = %+v, want a pending command", cmd)
	}

	sent := transport.sent()
	if len(sent) != 1 || sent[0].payload != "open" {
		t.Errorf("published = %+v, want one open", sent)
	}
	snap, err := r.Snapshot(ctx, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].ID != cmd.ID {
		t.Errorf("pending = %+v, want [%s]", snap.Pending, cmd.ID)
	}
	rows, err := st.AllAccessLogs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("access log rows = %d, want 0", len(rows))
	}
}
