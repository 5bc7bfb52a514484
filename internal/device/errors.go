package device

import "errors"

var (
	// ErrRange is returned when an I/O request exceeds device capacity.
	ErrRange = errors.New("request beyond device bounds")

	// ErrReadOnly is returned when writing to a read-only device.
	ErrReadOnly = errors.New("device is read-only")

	// ErrClosed is returned when using a device after Close.
	ErrClosed = errors.New("device is closed")
)
