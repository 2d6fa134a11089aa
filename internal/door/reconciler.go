// Package door dispatches commands to door devices and reconciles the
// status they report back against what was requested.
package door

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"iot-door/internal/store"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotRunning    = errors.New("reconciler not running")
)

// Actions accepted by IssueCommand.
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// RecentLimit bounds the recent access log view.
const RecentLimit = 10

// Device maps a door to its control and status topics.
type Device struct {
	ID           string
	ControlTopic string
	StatusTopic  string
}

// Config holds reconciler configuration.
type Config struct {
	Devices []Device
	// CommandTimeout moves pending commands to timed_out once exceeded.
	// Zero leaves them pending until a consistent report arrives.
	CommandTimeout time.Duration
}

// Requested is the optimistic projection of the last command issued to a
// device. It is cleared once that command resolves.
type Requested struct {
	CommandID string    `json:"command_id"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// Snapshot is a read-only copy of one device's state. Confirmed only ever
// reflects device reports; Requested reflects what an operator asked for.
type Snapshot struct {
	DeviceID  string            `json:"device_id"`
	Confirmed store.DeviceState `json:"confirmed"`
	Requested *Requested        `json:"requested,omitempty"`
	Pending   []store.Command   `json:"pending"`
}

// Reconciler owns all device, command, and access log view state. Every
// mutation happens on the goroutine running Run; exported methods submit
// closures to it and wait for the result.
type Reconciler struct {
	cfg       Config
	transport Transport
	store     store.Store
	accessLog *store.AccessLog
	events    *EventBus
	logger    *slog.Logger
	now       func() time.Time

	ops     chan func()
	stopped chan struct{}

	devices   map[string]Device
	byStatus  map[string]string
	states    map[string]store.DeviceState
	requested map[string]*Requested
	pending   map[string][]*store.Command
	history   []store.AccessLogEntry
	seen      map[string]struct{}
	alerts    []store.AccessLogEntry
	alertIDs  map[string]struct{}
}

// New creates a Reconciler. Call Run to start it.
func New(cfg Config, transport Transport, st store.Store, accessLog *store.AccessLog, events *EventBus, logger *slog.Logger) *Reconciler {
	r := &Reconciler{
		cfg:       cfg,
		transport: transport,
		store:     st,
		accessLog: accessLog,
		events:    events,
		logger:    logger,
		now:       time.Now,
		ops:       make(chan func()),
		stopped:   make(chan struct{}),
		devices:   make(map[string]Device),
		byStatus:  make(map[string]string),
		states:    make(map[string]store.DeviceState),
		requested: make(map[string]*Requested),
		pending:   make(map[string][]*store.Command),
		seen:      make(map[string]struct{}),
		alertIDs:  make(map[string]struct{}),
	}
	for _, d := range cfg.Devices {
		r.devices[d.ID] = d
		r.byStatus[d.StatusTopic] = d.ID
	}
	return r
}

// Run loads persisted state, then serves transport messages, access log
// insert notifications, and operations until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	defer close(r.stopped)

	inserts, cancel := r.accessLog.Subscribe()
	defer cancel()

	if err := r.load(ctx); err != nil {
		return err
	}

	var sweep <-chan time.Time
	if r.cfg.CommandTimeout > 0 {
		t := time.NewTicker(sweepInterval(r.cfg.CommandTimeout))
		defer t.Stop()
		sweep = t.C
	}

	messages := r.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.ops:
			fn()
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				r.logger.Warn("transport message stream closed")
				continue
			}
			r.handleMessage(msg)
		case entry, ok := <-inserts:
			if !ok {
				inserts = nil
				continue
			}
			r.handleAccessLog(entry)
		case <-sweep:
			r.expirePending()
		}
	}
}

func sweepInterval(timeout time.Duration) time.Duration {
	d := timeout / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (r *Reconciler) load(ctx context.Context) error {
	history, err := r.accessLog.All(ctx)
	if err != nil {
		return fmt.Errorf("load access logs: %w", err)
	}
	for _, e := range history {
		r.addAccessLog(e)
	}

	for id := range r.devices {
		st, err := r.store.GetDeviceState(id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("load device state: %w", err)
			}
			continue
		}
		r.states[id] = *st
	}

	cmds, err := r.store.ListCommands("")
	if err != nil {
		return fmt.Errorf("load commands: %w", err)
	}
	pending := 0
	for _, cmd := range cmds {
		if cmd.DeliveryState != store.DeliveryPending {
			continue
		}
		pending++
		r.pending[cmd.DeviceID] = append(r.pending[cmd.DeviceID], cmd)
		r.requested[cmd.DeviceID] = &Requested{
			CommandID: cmd.ID,
			Action:    cmd.Action,
			Status:    transitionalStatus(cmd.Action),
			At:        cmd.IssuedAt,
		}
	}

	r.logger.Info("reconciler loaded",
		"access_logs", len(r.history), "alerts", len(r.alerts), "pending", pending)
	return nil
}

// do runs fn on the reconciler goroutine.
func (r *Reconciler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case r.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrNotRunning
	}
	<-done
	return nil
}

// IssueCommand publishes action to the device's control topic and records a
// pending Command plus one access log entry. It does not wait for the device.
//
// The access log entry is written with status "success" at send time, so it
// records that the command was issued. Whether the device acted is tracked
// separately by the Command's delivery state.
//
// If recording the access log fails, the command has already been saved,
// published and left pending. The returned Command is valid in that case and
// the error only reports the missing log entry.
func (r *Reconciler) IssueCommand(ctx context.Context, deviceID, action, issuerUserID string) (store.Command, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if action != ActionOpen && action != ActionClose {
		return store.Command{}, fmt.Errorf("%q: %w", action, ErrUnknownAction)
	}
	dev, ok := r.devices[deviceID]
	if !ok {
		return store.Command{}, fmt.Errorf("%q: %w", deviceID, ErrUnknownDevice)
	}

	userID := issuerUserID
	if p, err := r.store.GetProfileByAuthID(issuerUserID); err == nil {
		userID = p.ID
	}

	var (
		cmd    store.Command
		runErr error
	)
	err := r.do(ctx, func() {
		cmd, runErr = r.issue(ctx, dev, action, issuerUserID, userID)
	})
	if err != nil {
		return store.Command{}, err
	}
	return cmd, runErr
}

func (r *Reconciler) issue(ctx context.Context, dev Device, action, issuerUserID, logUserID string) (store.Command, error) {
	now := r.now().UTC()
	cmd := &store.Command{
		ID:            uuid.NewString(),
		DeviceID:      dev.ID,
		Action:        action,
		IssuedAt:      now,
		IssuerUserID:  issuerUserID,
		DeliveryState: store.DeliveryPending,
	}
	if err := r.store.SaveCommand(cmd); err != nil {
		return store.Command{}, fmt.Errorf("save command: %w", err)
	}

	// Publish failures look the same as loss on the way to the device.
	if err := r.transport.Publish(dev.ControlTopic, []byte(action)); err != nil {
		r.logger.Warn("command publish failed", "device", dev.ID, "action", action, "err", err)
	}

	r.pending[dev.ID] = append(r.pending[dev.ID], cmd)
	r.requested[dev.ID] = &Requested{
		CommandID: cmd.ID,
		Action:    action,
		Status:    transitionalStatus(action),
		At:        now,
	}
	r.events.Emit(Event{Type: EventCommandIssued, Data: *cmd})

	entry, err := r.accessLog.Insert(ctx, store.AccessLogEntry{
		UserID: logUserID,
		Method: "remote-" + action,
		Status: store.StatusSuccess,
	})
	if err != nil {
		return *cmd, fmt.Errorf("record access log: %w", err)
	}
	r.handleAccessLog(entry)

	r.logger.Info("command issued", "device", dev.ID, "action", action, "command", cmd.ID)
	return *cmd, nil
}

func transitionalStatus(action string) string {
	if action == ActionOpen {
		return "Opening..."
	}
	return "Closing..."
}

// OnStatusReport applies a device report. It is also invoked for every
// message arriving on a configured status topic.
func (r *Reconciler) OnStatusReport(ctx context.Context, deviceID, reportedState string, receivedAt time.Time) error {
	return r.do(ctx, func() {
		r.handleStatus(StatusReport{DeviceID: deviceID, ReportedState: reportedState, ReceivedAt: receivedAt})
	})
}

func (r *Reconciler) handleMessage(msg Message) {
	deviceID, ok := r.byStatus[msg.Topic]
	if !ok {
		r.logger.Debug("message on unknown topic", "topic", msg.Topic)
		return
	}
	at := msg.ReceivedAt
	if at.IsZero() {
		at = r.now().UTC()
	}
	r.handleStatus(StatusReport{
		DeviceID:      deviceID,
		ReportedState: strings.TrimSpace(string(msg.Payload)),
		ReceivedAt:    at,
	})
}

// handleStatus sets the confirmed state to the report, whatever its
// timestamp, and acks every pending command the report is consistent with.
func (r *Reconciler) handleStatus(rep StatusReport) {
	state := store.DeviceState{
		DeviceID:        rep.DeviceID,
		LastKnownStatus: rep.ReportedState,
		LastUpdatedAt:   rep.ReceivedAt,
	}
	r.states[rep.DeviceID] = state
	if err := r.store.SaveDeviceState(&state); err != nil {
		r.logger.Error("save device state", "device", rep.DeviceID, "err", err)
	}
	r.events.Emit(Event{Type: EventStatusReport, Data: rep})

	remaining := r.pending[rep.DeviceID][:0]
	for _, cmd := range r.pending[rep.DeviceID] {
		if !Consistent(cmd.Action, rep.ReportedState) {
			remaining = append(remaining, cmd)
			continue
		}
		r.resolve(cmd, store.DeliveryAcked, rep.ReceivedAt)
		r.events.Emit(Event{Type: EventCommandAcked, Data: *cmd})
		r.logger.Info("command acked", "device", rep.DeviceID, "action", cmd.Action,
			"command", cmd.ID, "status", rep.ReportedState)
	}
	r.setPending(rep.DeviceID, remaining)
}

// Consistent reports whether a device status confirms an action: "open" for
// open, "closed" for close, matched case-insensitively by containment.
func Consistent(action, reportedState string) bool {
	s := strings.ToLower(reportedState)
	switch action {
	case ActionOpen:
		return strings.Contains(s, "open")
	case ActionClose:
		return strings.Contains(s, "closed")
	}
	return false
}

func (r *Reconciler) resolve(cmd *store.Command, state store.DeliveryState, at time.Time) {
	if cmd.DeliveryState != store.DeliveryPending {
		return
	}
	cmd.DeliveryState = state
	t := at
	cmd.ResolvedAt = &t
	if err := r.store.SaveCommand(cmd); err != nil {
		r.logger.Error("save command", "command", cmd.ID, "err", err)
	}
	if req := r.requested[cmd.DeviceID]; req != nil && req.CommandID == cmd.ID {
		delete(r.requested, cmd.DeviceID)
	}
}

func (r *Reconciler) setPending(deviceID string, cmds []*store.Command) {
	if len(cmds) == 0 {
		delete(r.pending, deviceID)
		return
	}
	r.pending[deviceID] = cmds
}

func (r *Reconciler) expirePending() {
	now := r.now().UTC()
	for deviceID, cmds := range r.pending {
		remaining := cmds[:0]
		for _, cmd := range cmds {
			if now.Sub(cmd.IssuedAt) < r.cfg.CommandTimeout {
				remaining = append(remaining, cmd)
				continue
			}
			r.resolve(cmd, store.DeliveryTimedOut, now)
			r.events.Emit(Event{Type: EventCommandTimedOut, Data: *cmd})
			r.logger.Warn("command timed out", "device", deviceID, "action", cmd.Action, "command", cmd.ID)
		}
		r.setPending(deviceID, remaining)
	}
}

// OnAccessLogInserted applies one access log row notification.
// Duplicate notifications for the same row are ignored.
func (r *Reconciler) OnAccessLogInserted(ctx context.Context, entry store.AccessLogEntry) error {
	return r.do(ctx, func() { r.handleAccessLog(entry) })
}

func (r *Reconciler) handleAccessLog(entry store.AccessLogEntry) {
	added, alert := r.addAccessLog(entry)
	if !added {
		return
	}
	r.events.Emit(Event{Type: EventAccessLog, Data: entry})
	if alert {
		r.logger.Warn("emergency access", "id", entry.ID, "method", entry.Method, "at", entry.CreatedAt)
		r.events.Emit(Event{Type: EventAlert, Data: Alert{Entry: entry, At: entry.CreatedAt}})
	}
}

func (r *Reconciler) addAccessLog(entry store.AccessLogEntry) (added, alert bool) {
	if _, ok := r.seen[entry.ID]; ok {
		return false, false
	}
	r.seen[entry.ID] = struct{}{}

	i, _ := slices.BinarySearchFunc(r.history, entry, compareNewestFirst)
	r.history = slices.Insert(r.history, i, entry)

	if store.IsAlert(entry) {
		if _, ok := r.alertIDs[entry.ID]; !ok {
			r.alertIDs[entry.ID] = struct{}{}
			j, _ := slices.BinarySearchFunc(r.alerts, entry, compareNewestFirst)
			r.alerts = slices.Insert(r.alerts, j, entry)
			return true, true
		}
	}
	return true, false
}

// compareNewestFirst orders by created_at descending, then id descending.
func compareNewestFirst(a, b store.AccessLogEntry) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

// ListAlerts returns successful emergency access entries seen so far.
func (r *Reconciler) ListAlerts(ctx context.Context) ([]store.AccessLogEntry, error) {
	var out []store.AccessLogEntry
	err := r.do(ctx, func() { out = slices.Clone(r.alerts) })
	return nonNil(out), err
}

// RecentLogs returns at most RecentLimit newest entries of History.
func (r *Reconciler) RecentLogs(ctx context.Context) ([]store.AccessLogEntry, error) {
	var out []store.AccessLogEntry
	err := r.do(ctx, func() {
		n := min(len(r.history), RecentLimit)
		out = slices.Clone(r.history[:n])
	})
	return nonNil(out), err
}

// History returns every access log entry seen, newest first.
func (r *Reconciler) History(ctx context.Context) ([]store.AccessLogEntry, error) {
	var out []store.AccessLogEntry
	err := r.do(ctx, func() { out = slices.Clone(r.history) })
	return nonNil(out), err
}

func (r *Reconciler) Snapshot(ctx context.Context, deviceID string) (Snapshot, error) {
	if _, ok := r.devices[deviceID]; !ok {
		return Snapshot{}, fmt.Errorf("%q: %w", deviceID, ErrUnknownDevice)
	}
	var snap Snapshot
	err := r.do(ctx, func() {
		snap = Snapshot{DeviceID: deviceID, Confirmed: r.states[deviceID], Pending: []store.Command{}}
		snap.Confirmed.DeviceID = deviceID
		if req := r.requested[deviceID]; req != nil {
			c := *req
			snap.Requested = &c
		}
		for _, cmd := range r.pending[deviceID] {
			snap.Pending = append(snap.Pending, *cmd)
		}
	})
	return snap, err
}

// Commands returns every command issued to a device, oldest first.
func (r *Reconciler) Commands(deviceID string) ([]*store.Command, error) {
	if _, ok := r.devices[deviceID]; !ok {
		return nil, fmt.Errorf("%q: %w", deviceID, ErrUnknownDevice)
	}
	return r.store.ListCommands(deviceID)
}

// Devices lists the configured device ids in configuration order.
func (r *Reconciler) Devices() []string {
	ids := make([]string, 0, len(r.cfg.Devices))
	for _, d := range r.cfg.Devices {
		ids = append(ids, d.ID)
	}
	return ids
}

func nonNil(s []store.AccessLogEntry) []store.AccessLogEntry {
	if s == nil {
		return []store.AccessLogEntry{}
	}
	return s
}
