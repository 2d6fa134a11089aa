// Package serialport links the door service to a single door controller
// attached over USB serial. Commands are written as newline-terminated lines
// and every line the controller prints is a status report.
package serialport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"iot-door/internal/door"
	"iot-door/internal/queue"
)

var (
	// ErrNotConnected is returned by Publish while the port is closed.
	ErrNotConnected = errors.New("serial: port not open")
	// ErrWriteQueueFull is returned by Publish when the port is not keeping up.
	ErrWriteQueueFull = errors.New("serial: write queue full")
)

const writeQueueSize = 16

// Config holds serial link configuration.
type Config struct {
	Port         string
	Baud         int
	Device       door.Device
	InitialDelay time.Duration
	MaxDelay     time.Duration

	OnConnectionChange func(connected bool, err error)
}

// Opener opens the underlying port.
type Opener func() (io.ReadWriteCloser, error)

// Link implements door.Transport over a serial port. The port is reopened
// with exponential backoff whenever a read fails.
type Link struct {
	cfg    Config
	open   Opener
	logger *slog.Logger
	queue  *queue.Unbounded[door.Message]
	now    func() time.Time

	mu     sync.Mutex
	port   io.ReadWriteCloser
	writes chan []byte

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open starts a link on cfg.Port. The first open happens in the background,
// so a missing device is not an error here.
func Open(cfg Config, logger *slog.Logger) (*Link, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("serial: port is required")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	opener := func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
		}
		// USB CDC ACM boards only start talking once DTR is asserted.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}
	return newLink(cfg, opener, logger), nil
}

func newLink(cfg Config, open Opener, logger *slog.Logger) *Link {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 30 * time.Second
	}
	l := &Link{
		cfg:    cfg,
		open:   open,
		logger: logger.With("component", "serial", "port", cfg.Port),
		queue:  queue.New[door.Message](),
		now:    time.Now,
		writes: make(chan []byte, writeQueueSize),
		done:   make(chan struct{}),
	}
	l.wg.Add(2)
	go l.run()
	go l.writeLoop()
	return l
}

func (l *Link) run() {
	defer l.wg.Done()
	delay := l.cfg.InitialDelay
	for {
		port, err := l.open()
		if err != nil {
			l.logger.Debug("serial open failed", "err", err, "retry_in", delay)
			if !l.sleep(delay) {
				return
			}
			delay = min(delay*2, l.cfg.MaxDelay)
			continue
		}
		delay = l.cfg.InitialDelay

		// Close may have run while open was in progress.
		l.mu.Lock()
		select {
		case <-l.done:
			l.mu.Unlock()
			port.Close()
			return
		default:
		}
		l.port = port
		l.mu.Unlock()
		l.logger.Info("serial port open")
		l.notify(true, nil)

		err = l.readLines(port)

		l.mu.Lock()
		l.port = nil
		l.mu.Unlock()
		port.Close()

		select {
		case <-l.done:
			return
		default:
		}
		l.logger.Warn("serial read failed, reopening", "err", err)
		l.notify(false, err)
		if !l.sleep(delay) {
			return
		}
	}
}

func (l *Link) readLines(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		l.queue.Push(door.Message{
			Topic:      l.cfg.Device.StatusTopic,
			Payload:    []byte(line),
			ReceivedAt: l.now().UTC(),
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// writeLoop is the only writer to the port.
func (l *Link) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case line := <-l.writes:
			l.mu.Lock()
			port := l.port
			l.mu.Unlock()
			if port == nil {
				l.logger.Warn("serial write dropped, port closed", "line", strings.TrimSpace(string(line)))
				continue
			}
			if _, err := port.Write(line); err != nil {
				l.logger.Warn("serial write failed", "err", err)
			}
		}
	}
}

func (l *Link) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.done:
		return false
	}
}

func (l *Link) notify(connected bool, err error) {
	if l.cfg.OnConnectionChange != nil {
		l.cfg.OnConnectionChange(connected, err)
	}
}

// Publish queues payload to be written as one line and returns without
// waiting for the port. Only the configured control topic is accepted; the
// topic has no meaning on the wire.
func (l *Link) Publish(topic string, payload []byte) error {
	if topic != l.cfg.Device.ControlTopic {
		return fmt.Errorf("serial: no route for topic %q", topic)
	}
	l.mu.Lock()
	connected := l.port != nil
	l.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case l.writes <- append(append([]byte(nil), payload...), '\n'):
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (l *Link) Messages() <-chan door.Message {
	return l.queue.Out()
}

// Close stops the read and write loops and closes the port. Lines still
// queued for writing are dropped.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		if l.port != nil {
			l.port.Close()
		}
		l.mu.Unlock()
		l.wg.Wait()
		l.queue.Close()
		l.logger.Info("serial link stopped")
	})
	return nil
}
