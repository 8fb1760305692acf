package devicelink

import "go.bug.st/serial"

// openSerial opens the hand controller's USB serial device. A serial.Port
// already satisfies Transport: its native read timeout yields zero-byte reads
// on expiry, which is exactly the receive loop's suspension point.
func openSerial(path string, opts PortOptions) (Transport, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}
