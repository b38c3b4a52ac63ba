package pkg

import "errors"

// SD/MMC protocol and controller errors.
var (
	// ErrNoMedia indicates no card is present in the slot.
	ErrNoMedia = errors.New("no media present")

	// ErrMediaChanged indicates the card was replaced since the last
	// successful initialization. I/O must stop until re-enumeration.
	ErrMediaChanged = errors.New("media changed")

	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("operation timeout")

	// ErrDeviceIO indicates a protocol, CRC, or data error on the bus.
	ErrDeviceIO = errors.New("device I/O error")

	// ErrInvalidConfiguration indicates incompatible host/card settings,
	// such as no overlapping voltage window.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNotSupported indicates an unsupported operation or mode.
	ErrNotSupported = errors.New("not supported")

	// ErrNotReady indicates the card never reported power-up complete.
	// Callers treat this as a benign no-card condition.
	ErrNotReady = errors.New("card not ready")

	// ErrNotInitialized indicates the controller or card has not completed
	// initialization for the requested operation.
	ErrNotInitialized = errors.New("not initialized")

	// ErrNoDevice indicates the controller hardware is absent or
	// disconnected.
	ErrNoDevice = errors.New("device not connected")

	// ErrNoResources indicates an allocation or capacity limit was hit.
	ErrNoResources = errors.New("no resources available")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrBufferAlignment indicates a buffer length or offset is not a
	// multiple of the negotiated block length.
	ErrBufferAlignment = errors.New("buffer not block aligned")
)

// IOStatus represents the completion status of a block I/O operation.
type IOStatus int

// I/O status values.
const (
	IOStatusSuccess       IOStatus = iota // Operation completed successfully
	IOStatusError                         // Protocol or data error
	IOStatusTimeout                       // Bounded wait expired
	IOStatusNoMedia                       // No card in the slot
	IOStatusMediaChanged                  // Card replaced since initialization
	IOStatusNotSupported                  // Unsupported operation or mode
	IOStatusNotReady                      // Card busy or not powered up
)

// String returns a string representation of the I/O status.
func (s IOStatus) String() string {
	switch s {
	case IOStatusSuccess:
		return "success"
	case IOStatusError:
		return "error"
	case IOStatusTimeout:
		return "timeout"
	case IOStatusNoMedia:
		return "no media"
	case IOStatusMediaChanged:
		return "media changed"
	case IOStatusNotSupported:
		return "not supported"
	case IOStatusNotReady:
		return "not ready"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the I/O status.
func (s IOStatus) Error() error {
	switch s {
	case IOStatusSuccess:
		return nil
	case IOStatusTimeout:
		return ErrTimeout
	case IOStatusNoMedia:
		return ErrNoMedia
	case IOStatusMediaChanged:
		return ErrMediaChanged
	case IOStatusNotSupported:
		return ErrNotSupported
	case IOStatusNotReady:
		return ErrNotReady
	default:
		return ErrDeviceIO
	}
}

// StatusOf maps an error back to its I/O status classification.
func StatusOf(err error) IOStatus {
	switch {
	case err == nil:
		return IOStatusSuccess
	case errors.Is(err, ErrTimeout):
		return IOStatusTimeout
	case errors.Is(err, ErrNoMedia):
		return IOStatusNoMedia
	case errors.Is(err, ErrMediaChanged):
		return IOStatusMediaChanged
	case errors.Is(err, ErrNotSupported):
		return IOStatusNotSupported
	case errors.Is(err, ErrNotReady):
		return IOStatusNotReady
	default:
		return IOStatusError
	}
}
