// Package inputdevice bridges a serial-attached arcade-stick/fightstick
// controller board into the fixed-size InputBlob the core consumes,
// adapted from the teacher's internal/serial port+codec pair (tarm/serial
// for the port, a preamble+checksum framed wire format for the codec) but
// reframed around an opaque button-state blob instead of CAN frames.
// This is a local input source, not network transport, so it
// lives outside internal/session and is only used by cmd/lockstep-node
// when --input=serial is passed.
package inputdevice

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/lockstep/internal/logging"
	"github.com/kstaniek/lockstep/internal/transport"
	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability, mirroring the teacher's
// serial.Port.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a tarm/serial port at the given baud rate.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

const (
	preamble0 = 0x7E
	preamble1 = 0x42
)

// Codec frames a fixed-size blob as [0x7E, 0x42, blob..., checksum],
// checksum = preamble1 + sum(blob) mod 256 -- structurally the same
// preamble+checksum shape as the teacher's CAN UART framing
// (internal/serial's canUARTSend), generalized to an arbitrary blob
// length instead of a fixed CAN-ID+payload layout.
type Codec struct{ BlobLen int }

// Encode frames blob for transmission (used for the rumble/force-feedback
// send path).
func (c Codec) Encode(blob []byte) []byte {
	out := make([]byte, 0, len(blob)+3)
	out = append(out, preamble0, preamble1)
	sum := byte(preamble1)
	for _, b := range blob {
		sum += b
	}
	out = append(out, blob...)
	out = append(out, sum)
	return out
}

// ErrMalformed reports a framing or checksum error while decoding.
var ErrMalformed = errors.New("inputdevice: malformed frame")

// DecodeStream reads complete blobs out of in, invoking out for each one.
// It reports no errors: malformed bytes are skipped until the next valid
// frame, mirroring the teacher's DecodeStream resync loop.
func (c Codec) DecodeStream(in *bytes.Buffer, out func([]byte)) {
	header := []byte{preamble0, preamble1}
	need := 2 + c.BlobLen + 1
	for {
		data := in.Bytes()
		if len(data) < need {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		if len(data) < need {
			return
		}
		blob := data[2 : 2+c.BlobLen]
		sum := byte(preamble1)
		for _, b := range blob {
			sum += b
		}
		if sum != data[need-1] {
			in.Next(1)
			continue
		}
		cp := make([]byte, c.BlobLen)
		copy(cp, blob)
		out(cp)
		in.Next(need)
	}
}

// Device polls a serial-attached controller board for InputBlobs and
// offers an asynchronous rumble/force-feedback write path.
type Device struct {
	port  Port
	codec Codec
	tx    *transport.AsyncTx[[]byte]

	mu     sync.Mutex
	latest []byte
	err    error
	cancel context.CancelFunc
}

// NewDevice starts polling port for blobLen-byte InputBlobs in a
// background goroutine.
func NewDevice(port Port, blobLen int) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{port: port, codec: Codec{BlobLen: blobLen}, cancel: cancel}
	d.tx = transport.NewAsyncTx(ctx, 8, func(blob []byte) error {
		_, err := port.Write(d.codec.Encode(blob))
		return err
	}, transport.Hooks[[]byte]{
		OnError: func(err error) { logging.L().Error("inputdevice_write_failed", "error", err) },
	})
	go d.pollLoop()
	return d
}

func (d *Device) pollLoop() {
	var buf bytes.Buffer
	readBuf := make([]byte, 256)
	for {
		n, err := d.port.Read(readBuf)
		if err != nil {
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			return
		}
		buf.Write(readBuf[:n])
		d.codec.DecodeStream(&buf, func(blob []byte) {
			d.mu.Lock()
			d.latest = blob
			d.mu.Unlock()
		})
	}
}

// Poll returns the most recently decoded InputBlob, or ok=false if none
// has arrived yet. It never blocks.
func (d *Device) Poll() (blob []byte, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return nil, false
	}
	return d.latest, true
}

// SendRumble queues a force-feedback command for asynchronous delivery
// to the board; returns transport.ErrAsyncTxClosed if Close has run.
func (d *Device) SendRumble(cmd []byte) error { return d.tx.SendFrame(cmd) }

// Close stops polling and the rumble writer, then closes the port.
func (d *Device) Close() error {
	d.cancel()
	d.tx.Close()
	return d.port.Close()
}
