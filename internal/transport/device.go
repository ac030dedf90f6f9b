package transport

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/protocol"
)

var (
	ErrNotConnected = errors.New("transport: device not connected")
	ErrDeviceBusy   = errors.New("transport: device busy")
	ErrNoPortFound  = errors.New("transport: no serial port found")
)

// State is the connection state of a device link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Device owns exactly one serial link. All sends go through its write lock;
// at most one receive loop is in flight at a time, guarded by the busy flag.
type Device struct {
	ID string

	cfg    PortConfig
	globs  []string
	opener Opener
	log    zerolog.Logger

	pollInterval time.Duration
	chunkSize    int

	mu    sync.Mutex
	port  Port
	state atomic.Int32
	busy  atomic.Bool
	stop  atomic.Bool
}

// DeviceOptions configures a Device beyond its port settings.
type DeviceOptions struct {
	PortGlobs    []string
	PollInterval time.Duration
	ChunkSize    int
	Opener       Opener
}

// NewDevice creates a device for one serial link. The opener defaults to the
// real hardware port.
func NewDevice(id string, cfg PortConfig, opts DeviceOptions, log zerolog.Logger) *Device {
	if opts.Opener == nil {
		opts.Opener = OpenSerial
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 512
	}
	return &Device{
		ID:           id,
		cfg:          cfg,
		globs:        opts.PortGlobs,
		opener:       opts.Opener,
		log:          log.With().Str("device", id).Logger(),
		pollInterval: opts.PollInterval,
		chunkSize:    opts.ChunkSize,
	}
}

// State returns the current connection state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Busy reports whether a receive loop is in flight.
func (d *Device) Busy() bool {
	return d.busy.Load()
}

// PortName returns the device node currently configured.
func (d *Device) PortName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Name
}

// Connect opens the serial port. Idempotent: connecting an already connected
// device is a no-op. A missing device node triggers one round of port
// auto-discovery before giving up.
func (d *Device) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if State(d.state.Load()) == StateConnected {
		return nil
	}
	d.state.Store(int32(StateConnecting))

	name := d.cfg.Name
	if err := checkAccess(name); err != nil {
		if os.IsNotExist(err) {
			candidates := Discover(d.globs)
			if len(candidates) == 0 {
				d.state.Store(int32(StateDisconnected))
				return ErrNoPortFound
			}
			name = candidates[0]
			d.log.Info().Str("port", name).Msg("discovered serial port")
		} else if os.IsPermission(err) {
			d.state.Store(int32(StateDisconnected))
			return err
		}
	}

	cfg := d.cfg
	cfg.Name = name
	port, err := d.opener(cfg)
	if err != nil {
		d.state.Store(int32(StateDisconnected))
		return err
	}
	d.cfg.Name = name
	d.port = port
	d.state.Store(int32(StateConnected))
	d.log.Info().Str("port", name).Msg("serial port connected")
	return nil
}

// Disconnect closes the serial port. Idempotent.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if State(d.state.Load()) != StateConnected {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.state.Store(int32(StateDisconnected))
	d.log.Info().Msg("serial port disconnected")
	return err
}

// Send writes one command frame under the device write lock.
func (d *Device) Send(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendLocked(frame)
}

func (d *Device) sendLocked(frame []byte) error {
	if State(d.state.Load()) != StateConnected {
		return ErrNotConnected
	}
	_, err := d.port.Write(frame)
	return err
}

// Stop requests cancellation of the in-flight receive loop. The flag is
// observed asynchronously; callers must await loop exit.
func (d *Device) Stop() {
	d.stop.Store(true)
}

// StopRequested reports whether a stop is pending.
func (d *Device) StopRequested() bool {
	return d.stop.Load()
}

// ClearStop resets a pending stop request.
func (d *Device) ClearStop() {
	d.stop.Store(false)
}

// Identify queries the device identity string. Malformed responses degrade
// to a placeholder rather than an error.
func (d *Device) Identify(ctx context.Context, timeout time.Duration) (string, error) {
	cmd, err := protocol.EncodeCommand(protocol.CmdIdentity, nil)
	if err != nil {
		return "", err
	}
	raw, _, err := d.SendAndReceiveUntil(ctx, cmd, ReceiveOptions{
		Timeout:     timeout,
		PacketSize:  1,
		Terminators: protocol.IdentityTerminators(),
	})
	if err != nil {
		return "", err
	}
	return protocol.DecodeIdentity(raw), nil
}

// sendStop pushes the hardware stop frame, best effort.
func (d *Device) sendStop() {
	if err := d.Send(protocol.StopFrame); err != nil {
		d.log.Warn().Err(err).Msg("stop frame send failed")
	}
}

func looksLikePermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "permission")
}
