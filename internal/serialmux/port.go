package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// The Zaber simulator and the scripted test port both satisfy it, so the
// mux never needs real hardware in tests.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
