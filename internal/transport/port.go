package transport

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tarm/serial"
)

// Port is one open serial connection. Implementations: tarm/serial for real
// hardware, scripted in-memory ports for tests.
type Port interface {
	io.ReadWriteCloser

	// Flush discards buffered, unread input.
	Flush() error
}

// PortConfig holds the settings needed to open a serial port.
type PortConfig struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
}

// Opener opens a Port from a config. Injected so tests can substitute a
// scripted port for the real device node.
type Opener func(cfg PortConfig) (Port, error)

type serialPort struct {
	*serial.Port
}

// OpenSerial opens a hardware serial port via tarm/serial.
func OpenSerial(cfg PortConfig) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		Parity:      serial.ParityNone,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return serialPort{Port: p}, nil
}

// DefaultPortGlobs are the device-node patterns probed during discovery.
var DefaultPortGlobs = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}

// Discover returns candidate serial device nodes matching the given globs.
func Discover(globs []string) []string {
	if len(globs) == 0 {
		globs = DefaultPortGlobs
	}
	var found []string
	for _, g := range globs {
		matches, err := filepath.Glob(g)
		if err != nil {
			continue
		}
		found = append(found, matches...)
	}
	return found
}

// checkAccess verifies the device node exists and is readable and writable
// before a real open is attempted, so permission problems surface as a
// distinct, recoverable condition.
func checkAccess(name string) error {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}
