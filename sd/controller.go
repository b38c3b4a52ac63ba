package sd

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// Config carries the parameters for creating a Controller.
type Config struct {
	// Host is the hardware transport. Required.
	Host hal.Host

	// Time provides monotonic ticks for timeouts and delays. Required.
	Time hal.TimeSource

	// Voltages overrides the host's advertised voltage windows when
	// nonzero.
	Voltages hal.VoltageWindow

	// HostModes restricts the host's advertised capability modes when
	// nonzero. Bits absent from the host's capabilities are ignored.
	HostModes hal.Mode

	// OnMediaChange is invoked after an insertion or removal event has
	// been recorded. Optional.
	OnMediaChange hal.MediaChangeFunc
}

// Controller drives one SD or MMC card behind a HAL host. All card state
// negotiated during initialization lives here; the host retains only the
// transport-level modes it is told about through SetCardModes.
//
// Methods that issue commands are serialized by an internal mutex. The
// crash-dump entry points suffixed Unlocked skip that serialization and
// must only be used when no other execution context can touch the
// controller.
type Controller struct {
	host hal.Host
	time hal.TimeSource

	// Host capabilities, captured during phase-zero initialization and
	// narrowed by the Config overrides.
	caps hal.Capabilities

	// flags is the atomic status bitset. Insertion and removal bits are
	// set from interrupt-dispatch context.
	flags atomicFlags

	version     Version
	cardAddress uint16 // Relative card address (RCA)

	busWidth   hal.BusWidth
	clockSpeed hal.ClockSpeed
	cardModes  hal.Mode

	// Last width and clock actually applied, for idempotent re-apply.
	appliedWidth hal.BusWidth
	appliedClock hal.ClockSpeed

	readBlockLength  uint32
	writeBlockLength uint32
	blockCount       uint64
	eraseGroupSize   uint32 // In blocks

	// MMC hardware partition capacities in bytes, from the extended CSD.
	bootCapacity     uint64
	rpmbCapacity     uint64
	generalPartition [generalPartitionCount]uint64

	cardID [4]uint32 // Raw CID response words
	csd    [4]uint32 // Raw CSD response words

	maxBlocksPerTransfer uint32
	recoveryCount        uint32

	onMediaChange hal.MediaChangeFunc

	// DMA transport, established by InitializeDMA.
	dmaHost hal.DMAHost

	// DMA completion chain state, owned by dma.go.
	dma dmaState

	mutex sync.Mutex
}

// New creates a controller for the given host and time source. The host
// is not touched until InitializeController.
func New(cfg Config) (*Controller, error) {
	if cfg.Host == nil || cfg.Time == nil {
		return nil, pkg.ErrInvalidConfiguration
	}
	c := &Controller{
		host:                 cfg.Host,
		time:                 cfg.Time,
		onMediaChange:        cfg.OnMediaChange,
		maxBlocksPerTransfer: hal.MaxBlockCount,
	}
	c.caps.Voltages = cfg.Voltages
	c.caps.Modes = cfg.HostModes
	cfg.Host.SetMediaChangeHandler(c.mediaChanged)
	return c, nil
}

// ============================================================================
// Atomic flag bitset
// ============================================================================

type atomicFlags struct {
	bits atomic.Uint32
}

func (f *atomicFlags) set(flag Flag) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, old|uint32(flag)) {
			return
		}
	}
}

func (f *atomicFlags) clear(flag Flag) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, old&^uint32(flag)) {
			return
		}
	}
}

func (f *atomicFlags) has(flag Flag) bool {
	return f.bits.Load()&uint32(flag) != 0
}

// consume clears flag and reports whether it was set.
func (f *atomicFlags) consume(flag Flag) bool {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, old&^uint32(flag)) {
			return old&uint32(flag) != 0
		}
	}
}

// ============================================================================
// Time and delays
// ============================================================================

// queryTime returns the current tick count. In critical mode the cached
// OS tick source may be stale, so the hardware counter is read directly.
func (c *Controller) queryTime() uint64 {
	if c.flags.has(FlagCriticalMode) {
		return c.time.HardwareTicks()
	}
	return c.time.Ticks()
}

// timeoutTicks converts a millisecond budget to ticks.
func (c *Controller) timeoutTicks(milliseconds uint64) uint64 {
	return c.time.Frequency() * milliseconds / 1000
}

// delay busy-waits for the given number of microseconds, honoring context
// cancellation at poll granularity.
func (c *Controller) delay(ctx context.Context, microseconds uint64) error {
	end := c.queryTime() + c.time.Frequency()*microseconds/1000000
	for c.queryTime() < end {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Status and geometry
// ============================================================================

// SetCriticalMode switches timeout sourcing to direct hardware tick
// queries, for use in crash-dump and panic paths where the cached OS
// clock no longer advances.
func (c *Controller) SetCriticalMode(enabled bool) {
	if enabled {
		c.flags.set(FlagCriticalMode)
	} else {
		c.flags.clear(FlagCriticalMode)
	}
}

// MediaPresent reports whether an initialized card is usable.
func (c *Controller) MediaPresent() bool {
	return c.flags.has(FlagMediaPresent)
}

// MediaChanged reports whether the card was replaced since the last
// successful initialization.
func (c *Controller) MediaChanged() bool {
	return c.flags.has(FlagMediaChanged)
}

// HighCapacity reports whether the card uses block addressing.
func (c *Controller) HighCapacity() bool {
	return c.flags.has(FlagHighCapacity)
}

// Version returns the negotiated card specification version.
func (c *Controller) Version() Version {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.version
}

// CardID returns the decoded card identification register.
func (c *Controller) CardID() CardID {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return decodeCardID(c.cardID, c.version.IsMMC())
}

// Geometry returns the block size and total block count of the present
// media. The stack negotiates read and write block lengths separately but
// requires them to be equal, so a single block size describes the media.
func (c *Controller) Geometry() (blockSize uint32, blockCount uint64, err error) {
	if !c.flags.has(FlagMediaPresent) {
		return 0, 0, pkg.ErrNoMedia
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.readBlockLength, c.blockCount, nil
}

// EraseGroupSize returns the card's erase group size in blocks.
func (c *Controller) EraseGroupSize() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.eraseGroupSize
}

// PartitionCapacities returns the MMC boot, RPMB, and general hardware
// partition capacities in bytes. All zero for SD cards and MMC cards
// without partitioning support.
func (c *Controller) PartitionCapacities() (boot, rpmb uint64, general [generalPartitionCount]uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.bootCapacity, c.rpmbCapacity, c.generalPartition
}

// WriteProtected reports the state of the card's write-protect switch.
// Hosts without the wiring return pkg.ErrNotSupported.
func (c *Controller) WriteProtected() (bool, error) {
	return c.host.WriteProtect()
}

// CardDetect reports whether a card is physically present, independent of
// initialization state.
func (c *Controller) CardDetect() (bool, error) {
	return c.host.CardDetect()
}

// ============================================================================
// Media change funnel
// ============================================================================

// mediaChanged records an insertion or removal event reported by the
// host. Removal immediately invalidates the media so in-flight and
// subsequent I/O fails fast; insertion is latched for the consumer to
// service with a fresh initialization. May run from interrupt-dispatch
// context.
func (c *Controller) mediaChanged(removed, inserted bool) {
	if removed {
		c.flags.clear(FlagMediaPresent)
		c.flags.set(FlagRemovalPending)
		pkg.LogInfo(pkg.ComponentController, "media removed")
	}
	if inserted {
		c.flags.set(FlagInsertionPending)
		pkg.LogInfo(pkg.ComponentController, "media inserted")
	}
	if c.onMediaChange != nil && (removed || inserted) {
		c.onMediaChange(removed, inserted)
	}
}

// ConsumeInsertionPending clears and reports the latched insertion event.
func (c *Controller) ConsumeInsertionPending() bool {
	return c.flags.consume(FlagInsertionPending)
}

// ConsumeRemovalPending clears and reports the latched removal event.
func (c *Controller) ConsumeRemovalPending() bool {
	return c.flags.consume(FlagRemovalPending)
}

// ============================================================================
// Command transport
// ============================================================================

// sendCommand issues one command through the host. The caller holds the
// controller mutex.
func (c *Controller) sendCommand(ctx context.Context, cmd *hal.Command) error {
	err := c.host.SendCommand(ctx, cmd)
	if err != nil {
		pkg.LogDebug(pkg.ComponentTransport, "command failed",
			"index", cmd.Index,
			"argument", cmd.Argument,
			"error", err)
	}
	return err
}

// appCommand issues CMD55 with the current relative card address,
// arming the card for an application-specific command.
func (c *Controller) appCommand(ctx context.Context) error {
	cmd := hal.Command{
		Index:    hal.CmdApplicationSpecific,
		Response: hal.ResponseR1,
		Argument: uint32(c.cardAddress) << 16,
	}
	return c.sendCommand(ctx, &cmd)
}

// getCardStatus issues SEND_STATUS and returns the card status word.
func (c *Controller) getCardStatus(ctx context.Context) (uint32, error) {
	cmd := hal.Command{
		Index:    hal.CmdSendStatus,
		Response: hal.ResponseR1,
		Argument: uint32(c.cardAddress) << 16,
	}
	if err := c.sendCommand(ctx, &cmd); err != nil {
		return 0, err
	}
	return cmd.Reply[0], nil
}

// waitForStateTransition polls card status until the card reports ready
// for data outside the program state, bounded by the status timeout.
// Clearing of the media-present flag aborts the wait early.
func (c *Controller) waitForStateTransition(ctx context.Context) error {
	var deadline uint64
	for {
		if !c.flags.has(FlagMediaPresent) {
			return pkg.ErrNoMedia
		}
		status, err := c.getCardStatus(ctx)
		if err != nil {
			return err
		}
		if status&statusReadyForData != 0 &&
			status&statusCurrentState != statusStateProgram {
			return nil
		}
		if status&statusErrorMask != 0 {
			pkg.LogWarn(pkg.ComponentController, "card error status",
				"status", status)
			return pkg.ErrDeviceIO
		}
		// Arm the deadline lazily so the budget starts after the first
		// successful status read.
		if deadline == 0 {
			deadline = c.queryTime() +
				c.time.Frequency()*statusTimeoutSeconds
		} else if c.queryTime() > deadline {
			return pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
