package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Serial transport
// ============================================================================
// The device is a USB CDC-ACM serial port. We configure it raw 8N1 through
// termios directly; no flow control, VMIN=1 so reads block for at least one
// byte. The manager loop below owns connect/reconnect and feeds decoded
// frames into the event queue.
// ============================================================================

// baudFlag maps a numeric baud rate to its termios constant.
func baudFlag(baud int) (uint32, error) {
	switch baud {
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 921600:
		return unix.B921600, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate: %d", baud)
	}
}

// openSerialPort opens and configures the device for raw binary I/O.
func openSerialPort(path string, baud int) (*os.File, error) {
	speed, err := baudFlag(baud)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// Exclusive access: a second reader would steal half the frames.
	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set exclusive access on %s: %w", path, err)
	}

	t := unix.Termios{
		Cflag:  unix.CREAD | unix.CLOCAL | unix.CS8 | speed,
		Ispeed: speed,
		Ospeed: speed,
	}
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	// Opened non-blocking so a wedged modem line can't hang us; reads and
	// writes from here on should block normally.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("clear O_NONBLOCK on %s: %w", path, err)
	}

	// Drop whatever accumulated in the kernel buffer while nobody was
	// reading; it likely starts mid-frame.
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	return os.NewFile(uintptr(fd), path), nil
}

// errPortClosed is returned by serialConn.Write while disconnected.
var errPortClosed = errors.New("serial port not connected")

// serialConn is the shared handle to the currently-open port. The effects
// worker writes LED frames through it while the manager loop swaps the
// underlying file on reconnect, hence the mutex.
type serialConn struct {
	mu sync.Mutex
	f  *os.File
}

func (c *serialConn) set(f *os.File) {
	c.mu.Lock()
	c.f = f
	c.mu.Unlock()
}

func (c *serialConn) clear() {
	c.mu.Lock()
	c.f = nil
	c.mu.Unlock()
}

// Write sends raw bytes to the device. Returns errPortClosed while
// disconnected; the caller treats that as a skipped write, not a failure.
func (c *serialConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return 0, errPortClosed
	}
	return c.f.Write(p)
}

// runSerial owns the device connection for the life of the daemon: open,
// decode frames into events, and on any failure tear down and retry forever.
// The config snapshot is re-read before each attempt so a hot-reloaded port
// path takes effect on the next reconnect.
func runSerial(ctx context.Context, store *ConfigStore, conn *serialConn, events chan<- Event, logger *slog.Logger) error {
	for {
		cfg := store.Current()

		f, err := openSerialPort(cfg.Port, cfg.Baud)
		if err != nil {
			logger.Warn("serial open failed, retrying",
				slog.String("port", cfg.Port),
				slog.Duration("retry_in", serialRetryDelay),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(serialRetryDelay):
				continue
			}
		}

		logger.Info("serial port connected",
			slog.String("port", cfg.Port),
			slog.Int("baud", cfg.Baud))

		conn.set(f)
		sendEvent(events, PortOpened{Port: cfg.Port, At: time.Now()}, logger)

		reason := readFrames(ctx, f, events, logger)

		conn.clear()
		f.Close()
		sendEvent(events, PortClosed{Reason: reason, At: time.Now()}, logger)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("serial port disconnected",
			slog.String("port", cfg.Port),
			slog.String("reason", reason))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(serialRetryDelay):
		}
	}
}

// readFrames decodes frames until the connection fails or ctx is canceled,
// and returns the disconnect reason.
func readFrames(ctx context.Context, f *os.File, events chan<- Event, logger *slog.Logger) string {
	// Blocking reads don't observe ctx; closing the file unblocks them.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-stop:
		}
	}()

	dec := NewDecoder(f)
	var malformed uint64

	for {
		frame, err := dec.Next()
		if err != nil {
			if ctx.Err() != nil {
				return "shutdown"
			}
			return err.Error()
		}

		now := time.Now()
		switch fr := frame.(type) {
		case Heartbeat:
			sendEvent(events, HeartbeatSeen{At: now}, logger)
		case KnobEvent:
			sendEvent(events, KnobTurned{ID: fr.ID, Raw: fr.Raw, At: now}, logger)
		case ButtonEvent:
			sendEvent(events, ButtonEdge{ID: fr.ID, Pressed: fr.Pressed, At: now}, logger)
		}

		if m := dec.Malformed(); m != malformed {
			malformed = m
			logger.Debug("malformed serial frames discarded", slog.Uint64("total", m))
			sendEvent(events, DecodeErrors{Total: m}, logger)
		}
	}
}

// sendEvent enqueues without blocking. The serial read loop must never stall
// behind a slow consumer; a full queue drops the event and logs it.
func sendEvent(events chan<- Event, e Event, logger *slog.Logger) {
	select {
	case events <- e:
	default:
		logger.Warn("event queue full, dropping event", slog.String("event", fmt.Sprintf("%T", e)))
	}
}
