package sim

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// Card protocol constants the simulation speaks. These mirror the SD
// physical layer, independent of the protocol core's own tables.
const (
	ocrBusy         = 0x80000000
	ocrHighCapacity = 0x40000000
	ocrWindow       = 0x00FF8000 // 2.7-3.6V

	statusReadyForData = 1 << 8
	stateStandby       = 3 << 9
	stateTransfer      = 4 << 9

	checkPattern = 0x1AA
)

// Extended CSD byte offsets and switch-argument fields for the MMC card
// model.
const (
	extPartitioningSupport   = 160
	extRPMBSize              = 168
	extEraseGroupDef         = 175
	extBusWidth              = 183
	extHighSpeed             = 185
	extRevision              = 192
	extCardType              = 196
	extSectorCount           = 212
	extWriteProtectGroupSize = 221
	extEraseGroupSize        = 224
	extBootSize              = 226

	switchModeWriteByte = 0x03
	switchModeShift     = 24
	switchIndexShift    = 16
	switchValueShift    = 8
)

// Config carries the parameters for creating a simulated host.
type Config struct {
	// BlockCount is the card capacity in 512-byte blocks. It must be a
	// multiple of 1024 so the capacity fits the CSD field layouts
	// exactly. Defaults to 8192 (4 MiB).
	BlockCount uint64

	// HighCapacity selects SDHC block addressing and the wide CSD
	// layout.
	HighCapacity bool

	// PowerUpIterations is how many operating-condition polls the card
	// stays busy before reporting power-up complete. Defaults to 2.
	PowerUpIterations int

	// MMC models an embedded MMC v4 card instead of an SD card: no
	// interface-condition response, CMD55 rejected as illegal, the CMD1
	// operating-condition loop, and geometry refined from the extended
	// CSD.
	MMC bool

	// MaxBusWidth is the widest data bus the MMC card accepts in the
	// SWITCH bus-width write. Zero means 8 lines. Ignored for SD cards.
	MaxBusWidth hal.BusWidth

	// MMCRevision is the extended CSD revision byte served in MMC mode.
	// Zero means revision 3 (MMC 4.3).
	MMCRevision uint8

	// MMCSectorCount overrides the extended CSD sector count served in
	// MMC mode, in 512-byte sectors. Zero means BlockCount. The backing
	// store stays at BlockCount either way.
	MMCSectorCount uint32

	// MaxRoundBytes caps the bytes one DMA round moves, to exercise
	// completion chaining. Zero means unlimited.
	MaxRoundBytes int

	// Removed starts the slot empty.
	Removed bool
}

// Host implements [hal.Host] and [hal.DMAHost] with an in-memory
// simulated SD or MMC card, for tests and examples.
type Host struct {
	mu sync.Mutex

	data         []byte
	blockCount   uint64
	highCapacity bool
	powerUpLeft  int
	powerUpInit  int
	maxRound     int

	inserted bool
	selected bool
	appArm   bool
	rca      uint16

	mmc         bool
	maxWidth    hal.BusWidth
	mmcRev      uint8
	mmcSectors  uint32
	mmcHS       bool
	mmcEraseDef bool
	mmcWidth    uint32

	eraseStart uint64
	eraseEnd   uint64

	clock   hal.ClockSpeed
	width   hal.BusWidth
	voltage hal.Voltage

	cardModes   hal.Mode
	mediaChange hal.MediaChangeFunc

	// FailNextData, when set, fails the next command with a data phase
	// and then clears itself.
	FailNextData error

	// CommandLog records the index of every command issued, for
	// assertions on wire traffic.
	CommandLog []hal.CommandIndex
}

var (
	_ hal.Host    = (*Host)(nil)
	_ hal.DMAHost = (*Host)(nil)
)

// New creates a simulated host with a card inserted unless cfg.Removed.
func New(cfg Config) *Host {
	if cfg.BlockCount == 0 {
		cfg.BlockCount = 8192
	}
	if cfg.PowerUpIterations == 0 {
		cfg.PowerUpIterations = 2
	}
	if cfg.MaxBusWidth == 0 {
		cfg.MaxBusWidth = hal.BusWidth8
	}
	if cfg.MMCRevision == 0 {
		cfg.MMCRevision = 3
	}
	if cfg.MMCSectorCount == 0 {
		cfg.MMCSectorCount = uint32(cfg.BlockCount)
	}
	return &Host{
		data:         make([]byte, cfg.BlockCount*hal.BlockSize),
		blockCount:   cfg.BlockCount,
		highCapacity: cfg.HighCapacity,
		powerUpLeft:  cfg.PowerUpIterations,
		powerUpInit:  cfg.PowerUpIterations,
		maxRound:     cfg.MaxRoundBytes,
		inserted:     !cfg.Removed,
		mmc:          cfg.MMC,
		maxWidth:     cfg.MaxBusWidth,
		mmcRev:       cfg.MMCRevision,
		mmcSectors:   cfg.MMCSectorCount,
		voltage:      hal.Voltage3V3,
	}
}

// Insert places a card in the slot and fires the media-change handler.
func (h *Host) Insert() {
	h.mu.Lock()
	h.inserted = true
	h.powerUpLeft = h.powerUpInit
	fn := h.mediaChange
	h.mu.Unlock()
	if fn != nil {
		fn(false, true)
	}
}

// Remove empties the slot and fires the media-change handler.
func (h *Host) Remove() {
	h.mu.Lock()
	h.inserted = false
	h.selected = false
	fn := h.mediaChange
	h.mu.Unlock()
	if fn != nil {
		fn(true, false)
	}
}

// ReplaceCard silently swaps the card for one with the given geometry,
// without firing media events. This models the pathological hot-swap the
// protocol core detects by comparing card-specific data across recovery.
func (h *Host) ReplaceCard(cfg Config) {
	if cfg.BlockCount == 0 {
		cfg.BlockCount = 8192
	}
	if cfg.PowerUpIterations == 0 {
		cfg.PowerUpIterations = 2
	}
	if cfg.MaxBusWidth == 0 {
		cfg.MaxBusWidth = hal.BusWidth8
	}
	if cfg.MMCRevision == 0 {
		cfg.MMCRevision = 3
	}
	if cfg.MMCSectorCount == 0 {
		cfg.MMCSectorCount = uint32(cfg.BlockCount)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = make([]byte, cfg.BlockCount*hal.BlockSize)
	h.blockCount = cfg.BlockCount
	h.highCapacity = cfg.HighCapacity
	h.powerUpInit = cfg.PowerUpIterations
	h.powerUpLeft = cfg.PowerUpIterations
	h.inserted = true
	h.mmc = cfg.MMC
	h.maxWidth = cfg.MaxBusWidth
	h.mmcRev = cfg.MMCRevision
	h.mmcSectors = cfg.MMCSectorCount
	h.mmcHS = false
	h.mmcEraseDef = false
	h.mmcWidth = 0
}

// Corrupt overwrites one block with garbage, bypassing the protocol, so
// tests can distinguish real transfers from stale buffers.
func (h *Host) Corrupt(block uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	offset := block * hal.BlockSize
	for i := uint64(0); i < hal.BlockSize; i++ {
		h.data[offset+i] = ^h.data[offset+i]
	}
}

// ============================================================================
// hal.Host
// ============================================================================

func (h *Host) InitializeController(ctx context.Context, phase hal.InitPhase) error {
	return nil
}

func (h *Host) ResetController(ctx context.Context, flags hal.ResetFlag) error {
	if flags&hal.ResetAll != 0 {
		h.mu.Lock()
		h.selected = false
		h.appArm = false
		h.powerUpLeft = h.powerUpInit
		h.mmcHS = false
		h.mmcEraseDef = false
		h.mmcWidth = 0
		h.mu.Unlock()
	}
	return nil
}

func (h *Host) Capabilities() hal.Capabilities {
	caps := hal.Capabilities{
		Modes: hal.ModeHighSpeed | hal.Mode4Bit | hal.ModeAutoCMD12 |
			hal.ModeCMD23 | hal.ModeADMA2 | hal.ModeHighCapacity,
		Voltages:         hal.VoltageWindow32to33 | hal.VoltageWindow33to34,
		FundamentalClock: hal.Clock50MHz,
	}
	if h.mmc {
		caps.Modes |= hal.Mode8Bit | hal.ModeHighSpeed52MHz
	}
	return caps
}

func (h *Host) SetCardModes(modes hal.Mode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cardModes = modes
}

func (h *Host) SetBusWidth(width hal.BusWidth) error {
	switch width {
	case hal.BusWidth1, hal.BusWidth4:
	case hal.BusWidth8:
		if !h.mmc {
			return pkg.ErrNotSupported
		}
	default:
		return pkg.ErrNotSupported
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.width = width
	return nil
}

func (h *Host) SetClockSpeed(ctx context.Context, speed hal.ClockSpeed) error {
	if speed == hal.ClockInvalid {
		return pkg.ErrInvalidParameter
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = speed
	return nil
}

func (h *Host) SetVoltage(ctx context.Context, v hal.Voltage) error {
	if v != hal.Voltage3V3 {
		return pkg.ErrNotSupported
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.voltage = v
	return nil
}

func (h *Host) Voltage() (hal.Voltage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.voltage, nil
}

func (h *Host) StopDataTransfer(ctx context.Context) {}

func (h *Host) CardDetect() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inserted, nil
}

func (h *Host) WriteProtect() (bool, error) {
	return false, nil
}

func (h *Host) SetMediaChangeHandler(fn hal.MediaChangeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mediaChange = fn
}

// SendCommand emulates the card's response to one command.
func (h *Host) SendCommand(ctx context.Context, cmd *hal.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.CommandLog = append(h.CommandLog, cmd.Index)
	if !h.inserted {
		return pkg.ErrTimeout
	}
	if cmd.Length > 0 && h.FailNextData != nil {
		err := h.FailNextData
		h.FailNextData = nil
		return err
	}

	app := h.appArm
	h.appArm = false
	if app {
		return h.appCommand(cmd)
	}

	switch cmd.Index {
	case hal.CmdReset:
		h.selected = false
		h.powerUpLeft = h.powerUpInit
		h.mmcHS = false
		h.mmcEraseDef = false
		h.mmcWidth = 0
		return nil

	case hal.CmdSendMMCOperatingCondition:
		if !h.mmc {
			return pkg.ErrTimeout
		}
		return h.operatingCondition(cmd)

	// Index 8 is SEND_IF_COND for SD and SEND_EXT_CSD for MMC.
	case hal.CmdSendInterfaceCondition:
		if h.mmc {
			if cmd.Length == hal.BlockSize {
				return h.extendedCSD(cmd)
			}
			return pkg.ErrTimeout
		}
		cmd.Reply[0] = cmd.Argument & 0xFFF
		return nil

	case hal.CmdApplicationSpecific:
		if h.mmc {
			return pkg.ErrDeviceIO
		}
		h.appArm = true
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.CmdAllSendCardID:
		cmd.Reply = h.cardIdentification()
		return nil

	case hal.CmdSetRelativeAddress:
		if h.mmc {
			h.rca = uint16(cmd.Argument >> 16)
			cmd.Reply[0] = h.cardStatus()
			return nil
		}
		h.rca = 0xB368
		cmd.Reply[0] = uint32(h.rca) << 16
		return nil

	case hal.CmdSendCSD:
		cmd.Reply = h.cardSpecificData()
		return nil

	case hal.CmdSelectCard:
		h.selected = true
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.CmdSendStatus:
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.CmdSwitch:
		if h.mmc {
			return h.mmcSwitch(cmd)
		}
		return h.switchFunction(cmd)

	case hal.CmdSetBlockLength:
		if cmd.Argument != hal.BlockSize {
			return pkg.ErrDeviceIO
		}
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.CmdSetBlockCount:
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.CmdStopTransmission:
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.CmdReadSingleBlock, hal.CmdReadMultipleBlocks:
		return h.transfer(cmd, false)

	case hal.CmdWriteSingleBlock, hal.CmdWriteMultipleBlocks:
		return h.transfer(cmd, true)

	case hal.CmdEraseGroupStart:
		h.eraseStart = h.argumentToBlock(cmd.Argument)
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.CmdEraseGroupEnd:
		h.eraseEnd = h.argumentToBlock(cmd.Argument)
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.CmdErase:
		if h.eraseEnd < h.eraseStart || h.eraseEnd >= h.blockCount {
			return pkg.ErrDeviceIO
		}
		start := h.eraseStart * hal.BlockSize
		end := (h.eraseEnd + 1) * hal.BlockSize
		for i := start; i < end; i++ {
			h.data[i] = 0
		}
		cmd.Reply[0] = h.cardStatus()
		return nil

	default:
		return pkg.ErrDeviceIO
	}
}

// operatingCondition services one OCR poll, shared by ACMD41 and the
// MMC CMD1 loop. A zero argument is the window query; nonzero arguments
// poll until the power-up countdown finishes.
func (h *Host) operatingCondition(cmd *hal.Command) error {
	if cmd.Argument == 0 {
		cmd.Reply[0] = ocrWindow
		return nil
	}
	if h.powerUpLeft > 0 {
		h.powerUpLeft--
		cmd.Reply[0] = ocrWindow
		return nil
	}
	cmd.Reply[0] = ocrBusy | ocrWindow
	if h.highCapacity {
		cmd.Reply[0] |= ocrHighCapacity
	}
	return nil
}

// appCommand handles commands armed by CMD55.
func (h *Host) appCommand(cmd *hal.Command) error {
	switch cmd.Index {
	case hal.AppCmdSendOperatingCondition:
		return h.operatingCondition(cmd)

	case hal.AppCmdSetBusWidth:
		if cmd.Argument != 0 && cmd.Argument != 2 {
			return pkg.ErrDeviceIO
		}
		cmd.Reply[0] = h.cardStatus()
		return nil

	case hal.AppCmdSendSCR:
		if cmd.Length != 8 {
			return pkg.ErrDeviceIO
		}
		// SD 3.0, 4-bit, CMD23 supported.
		binary.BigEndian.PutUint32(cmd.Data[0:],
			2<<24|1<<15|0x00040000|0x2)
		binary.BigEndian.PutUint32(cmd.Data[4:], 0)
		cmd.Reply[0] = h.cardStatus()
		return nil

	default:
		return pkg.ErrDeviceIO
	}
}

// switchFunction emulates the SD CMD6 function-group handshake. High
// speed is always supported and always sticks.
func (h *Host) switchFunction(cmd *hal.Command) error {
	if cmd.Length != 64 {
		return pkg.ErrDeviceIO
	}
	for i := range cmd.Data[:64] {
		cmd.Data[i] = 0
	}
	binary.BigEndian.PutUint32(cmd.Data[12:], 0x00020000) // Group 1 supports HS
	if cmd.Argument&1<<31 != 0 && cmd.Argument&0xF == 1 {
		binary.BigEndian.PutUint32(cmd.Data[16:], 0x01000000)
	}
	cmd.Reply[0] = h.cardStatus()
	return nil
}

// mmcSwitch services the MMC write-byte SWITCH command against the
// card's extended CSD state. Bus-width writes above the card's limit are
// rejected.
func (h *Host) mmcSwitch(cmd *hal.Command) error {
	if cmd.Argument>>switchModeShift&0x3 != switchModeWriteByte {
		return pkg.ErrDeviceIO
	}
	index := cmd.Argument >> switchIndexShift & 0xFF
	value := cmd.Argument >> switchValueShift & 0xFF
	switch index {
	case extHighSpeed:
		h.mmcHS = value != 0
	case extEraseGroupDef:
		h.mmcEraseDef = value != 0
	case extBusWidth:
		if value > busWidthValue(h.maxWidth) {
			return pkg.ErrDeviceIO
		}
		h.mmcWidth = value
	default:
		return pkg.ErrDeviceIO
	}
	cmd.Reply[0] = h.cardStatus()
	return nil
}

// busWidthValue maps a bus width to its extended CSD encoding.
func busWidthValue(width hal.BusWidth) uint32 {
	switch width {
	case hal.BusWidth8:
		return 2
	case hal.BusWidth4:
		return 1
	default:
		return 0
	}
}

// extendedCSD serves the 512-byte extended CSD reflecting the card's
// switch state. The read fails when the host's bus width does not match
// the card's, which is how width probes are corroborated.
func (h *Host) extendedCSD(cmd *hal.Command) error {
	if cmd.Length != hal.BlockSize {
		return pkg.ErrDeviceIO
	}
	if busWidthValue(h.width) != h.mmcWidth {
		return pkg.ErrDeviceIO
	}
	for i := range cmd.Data[:hal.BlockSize] {
		cmd.Data[i] = 0
	}
	cmd.Data[extRevision] = h.mmcRev
	cmd.Data[extCardType] = 0x03 // High speed at 26 and 52 MHz
	cmd.Data[extPartitioningSupport] = 0x01
	cmd.Data[extEraseGroupSize] = 1
	cmd.Data[extWriteProtectGroupSize] = 1
	cmd.Data[extBootSize] = 1
	cmd.Data[extRPMBSize] = 1
	binary.LittleEndian.PutUint32(cmd.Data[extSectorCount:], h.mmcSectors)
	if h.mmcHS {
		cmd.Data[extHighSpeed] = 1
	}
	cmd.Data[extBusWidth] = byte(h.mmcWidth)
	cmd.Reply[0] = h.cardStatus()
	return nil
}

// transfer services a polled data command against the backing store.
func (h *Host) transfer(cmd *hal.Command, write bool) error {
	if cmd.Length == 0 || cmd.Length%hal.BlockSize != 0 {
		return pkg.ErrDeviceIO
	}
	block := h.argumentToBlock(cmd.Argument)
	blocks := uint64(cmd.Length) / hal.BlockSize
	if block+blocks > h.blockCount {
		return pkg.ErrDeviceIO
	}
	offset := block * hal.BlockSize
	if write {
		copy(h.data[offset:], cmd.Data[:cmd.Length])
	} else {
		copy(cmd.Data[:cmd.Length], h.data[offset:])
	}
	cmd.Reply[0] = h.cardStatus()
	return nil
}

func (h *Host) argumentToBlock(argument uint32) uint64 {
	if h.highCapacity {
		return uint64(argument)
	}
	return uint64(argument) / hal.BlockSize
}

func (h *Host) cardStatus() uint32 {
	state := uint32(stateStandby)
	if h.selected {
		state = stateTransfer
	}
	return statusReadyForData | state
}

// cardIdentification fabricates a CID: a recognizable manufacturer,
// product name "SIMGO", and a fixed serial. SD and MMC pack the fields
// differently.
func (h *Host) cardIdentification() [4]uint32 {
	if h.mmc {
		return [4]uint32{
			0x15<<24 | uint32('S'),
			uint32('I')<<24 | uint32('M')<<16 | uint32('G')<<8 | uint32('O'),
			0x10<<16 | 0xC0FF,
			0xEE<<16 | (3<<4|7)<<8, // March 2004
		}
	}
	return [4]uint32{
		0xED<<24 | uint32('G')<<16 | uint32('O')<<8 | uint32('S'),
		uint32('I')<<24 | uint32('M')<<16 | uint32('G')<<8 | uint32('O'),
		0x10<<24 | 0x00C0FFEE>>8&0xFFFFFF,
		0xEE<<24 | (25<<4|7)<<8, // July 2025
	}
}

// cardSpecificData fabricates a CSD matching the configured geometry,
// using the wide layout for high-capacity cards.
func (h *Host) cardSpecificData() [4]uint32 {
	// 25 MHz transfer speed, 512-byte read and write blocks.
	csd := [4]uint32{6<<3 | 2, 9<<16 | 9<<22, 0, 0}
	if h.mmc {
		csd[0] |= 4 << 26      // Spec version field: MMC 4
		csd[2] |= 3<<10 | 7<<5 // Erase group of 4 x 8 sectors
	}
	if h.highCapacity {
		base := uint32(h.blockCount>>10) - 1
		csd[1] |= base >> 16 & 0x3F
		csd[2] |= (base & 0xFFFF) << 16
	} else {
		base := uint32(h.blockCount>>9) - 1
		csd[1] |= base >> 2 & 0x3FF
		csd[2] |= (base & 0x3) << 30
		csd[2] |= 7 << 15 // Capacity multiplier
	}
	return csd
}

// ============================================================================
// hal.DMAHost
// ============================================================================

func (h *Host) InitializeDMA() error {
	return nil
}

// BlockIODMA services one DMA round synchronously against the backing
// store, honoring the configured per-round byte cap so callers exercise
// completion chaining.
func (h *Host) BlockIODMA(blockOffset uint64, blockCount uint32, buf *hal.IOBuffer, bufOffset int, write bool, completion hal.CompletionFunc) {
	h.mu.Lock()
	if !h.inserted {
		h.mu.Unlock()
		completion(0, pkg.ErrNoMedia)
		return
	}
	if h.FailNextData != nil {
		err := h.FailNextData
		h.FailNextData = nil
		h.mu.Unlock()
		completion(0, err)
		return
	}
	byteCount := int(blockCount) * hal.BlockSize
	if h.maxRound != 0 && byteCount > h.maxRound {
		byteCount = h.maxRound
	}
	if blockOffset+uint64(byteCount)/hal.BlockSize > h.blockCount {
		h.mu.Unlock()
		completion(0, pkg.ErrInvalidParameter)
		return
	}

	media := h.data[blockOffset*hal.BlockSize:]
	moved := 0
	index, within := buf.Seek(bufOffset)
	for moved < byteCount && index < len(buf.Fragments) {
		fragment := buf.Fragments[index].Data[within:]
		chunk := len(fragment)
		if chunk > byteCount-moved {
			chunk = byteCount - moved
		}
		if write {
			copy(media[moved:], fragment[:chunk])
		} else {
			copy(fragment[:chunk], media[moved:moved+chunk])
		}
		moved += chunk
		index++
		within = 0
	}
	h.mu.Unlock()

	if moved < byteCount {
		completion(moved, pkg.ErrBufferTooSmall)
		return
	}
	completion(moved, nil)
}

// ============================================================================
// Time source
// ============================================================================

// Clock is a [hal.TimeSource] over the runtime's monotonic clock, in
// nanosecond ticks.
type Clock struct {
	start time.Time
}

var _ hal.TimeSource = (*Clock)(nil)

// NewClock creates a monotonic nanosecond time source.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) Ticks() uint64 {
	return uint64(time.Since(c.start))
}

func (c *Clock) HardwareTicks() uint64 {
	return c.Ticks()
}

func (c *Clock) Frequency() uint64 {
	return uint64(time.Second)
}
