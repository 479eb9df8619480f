package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// Open opens the controller at path and returns a bus ready for exchanges.
func Open(path string, opts PortOptions, muxOpts ...Option) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	muxOpts = append([]Option{WithReadTimeout(opts.ReadTimeout())}, muxOpts...)
	mux := NewSerialMux[serial.Port](port, muxOpts...)
	if err := mux.Initialize(); err != nil {
		port.Close()
		return nil, err
	}
	return mux, nil
}
