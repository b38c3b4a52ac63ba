package hal

// TimeSource provides the monotonic tick counter used to compute every
// timeout deadline in the stack.
//
// Ticks is the normal query and may be served from an OS-maintained
// recent-tick cache. HardwareTicks must query the counter hardware
// directly; it is used in critical mode, when the normal clock interrupt
// is not running (crash capture paths).
type TimeSource interface {
	Ticks() uint64
	HardwareTicks() uint64
	Frequency() uint64
}

// RegisterSpace provides 32-bit access to a controller's register window
// at controller-relative offsets. Accesses are assumed uncached; Barrier
// orders prior writes before any field the hardware samples, such as a
// DMA descriptor table handoff.
type RegisterSpace interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
	Barrier()
}
