package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Durian-leader/minitest-oect/internal/protocol"
)

// Receive loop exit reasons that are not terminator names.
const (
	ReasonTimeout     = "timeout"
	ReasonStopped     = "stopped"
	reasonErrorPrefix = "error:"
)

// ReceiveOptions configures one send-and-receive exchange.
type ReceiveOptions struct {
	Timeout     time.Duration
	PacketSize  int
	Terminators []protocol.Terminator

	// OnProgress observes the monotonic total byte count.
	OnProgress func(total int)
	// OnData receives packetized chunks. During streaming only whole packets
	// are delivered; the final flush may carry a partial remainder.
	OnData func(chunk []byte)
}

// SendAndReceiveUntil sends cmd and reads until a terminator, timeout, stop
// request, or unrecoverable error. It returns the accumulated buffer and the
// exit reason: a terminator name, "timeout", "stopped", or "error:…".
//
// If a receive loop is already in flight the call fails immediately with
// ErrDeviceBusy; commands are never queued internally. On timeout or stop a
// hardware stop frame is sent and the partial buffer is returned. The busy
// flag is always cleared on exit.
func (d *Device) SendAndReceiveUntil(ctx context.Context, cmd []byte, opts ReceiveOptions) ([]byte, string, error) {
	if !d.busy.CompareAndSwap(false, true) {
		return nil, "", ErrDeviceBusy
	}
	defer d.busy.Store(false)
	d.stop.Store(false)

	if err := d.Send(cmd); err != nil {
		return nil, "", err
	}

	var (
		buf       []byte
		delivered int
		deadline  = time.Now().Add(opts.Timeout)
		chunk     = make([]byte, d.chunkSize)
	)

	flushTail := func() {
		if opts.OnData != nil && delivered < len(buf) {
			opts.OnData(buf[delivered:])
			delivered = len(buf)
		}
	}

	for {
		if opts.Timeout > 0 && time.Now().After(deadline) {
			d.sendStop()
			flushTail()
			return buf, ReasonTimeout, nil
		}
		if d.stop.Load() || ctx.Err() != nil {
			d.sendStop()
			flushTail()
			return buf, ReasonStopped, nil
		}

		n, err := d.readSome(chunk)
		if err != nil {
			if reason, fatal := d.handleReadError(err); fatal {
				flushTail()
				return buf, reason, nil
			}
			continue
		}
		if n == 0 {
			time.Sleep(d.pollInterval)
			continue
		}

		buf = append(buf, chunk[:n]...)
		if opts.OnProgress != nil {
			opts.OnProgress(len(buf))
		}
		if opts.OnData != nil && opts.PacketSize > 0 {
			whole := (len(buf) - delivered) / opts.PacketSize * opts.PacketSize
			if whole > 0 {
				opts.OnData(buf[delivered : delivered+whole])
				delivered += whole
			}
		}

		if term, ok := protocol.MatchTail(buf, opts.Terminators); ok {
			flushTail()
			return buf, term.Name, nil
		}
	}
}

func (d *Device) readSome(chunk []byte) (int, error) {
	d.mu.Lock()
	port := d.port
	connected := State(d.state.Load()) == StateConnected
	d.mu.Unlock()
	if !connected || port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Read(chunk)
	if errors.Is(err, io.EOF) {
		// tarm/serial reports read timeouts as EOF; treat as an idle tick.
		return n, nil
	}
	return n, err
}

// handleReadError classifies a read failure. Permission-looking errors get
// one reconnect attempt; anything else is terminal for this exchange.
func (d *Device) handleReadError(err error) (reason string, fatal bool) {
	if looksLikePermissionError(err) {
		d.log.Warn().Err(err).Msg("read failed, attempting reconnect")
		if derr := d.Disconnect(); derr != nil {
			d.log.Warn().Err(derr).Msg("reconnect: disconnect failed")
		}
		if cerr := d.Connect(); cerr == nil {
			return "", false
		}
	}
	return reasonErrorPrefix + err.Error(), true
}
