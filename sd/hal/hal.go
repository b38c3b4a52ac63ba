package hal

import (
	"context"
)

// BlockSize is the fixed SD/MMC transfer block size in bytes.
//
// Read and write block lengths are negotiated separately during card
// initialization, but the stack requires them to be equal and clamps both
// to this value. This is a deliberate restriction: all downstream capacity
// and geometry math assumes a single block size.
const BlockSize = 512

// MaxBlockCount is the largest block count a single transfer may carry,
// limited by the 16-bit block count register field.
const MaxBlockCount = 0xFFFF

// CommandIndex identifies an SD/MMC command by its protocol index.
type CommandIndex uint8

// SD/MMC command indices (SD Physical Layer / MMC specifications).
const (
	CmdReset                     CommandIndex = 0  // GO_IDLE_STATE
	CmdSendMMCOperatingCondition CommandIndex = 1  // SEND_OP_COND (MMC)
	CmdAllSendCardID             CommandIndex = 2  // ALL_SEND_CID
	CmdSetRelativeAddress        CommandIndex = 3  // SEND/SET_RELATIVE_ADDR
	CmdSwitch                    CommandIndex = 6  // SWITCH_FUNC / SWITCH
	CmdSelectCard                CommandIndex = 7  // SELECT/DESELECT_CARD
	CmdSendInterfaceCondition    CommandIndex = 8  // SEND_IF_COND (SD)
	CmdMMCSendExtendedCSD        CommandIndex = 8  // SEND_EXT_CSD (MMC)
	CmdSendCSD                   CommandIndex = 9  // SEND_CSD
	CmdSendCardID                CommandIndex = 10 // SEND_CID
	CmdVoltageSwitch             CommandIndex = 11 // VOLTAGE_SWITCH
	CmdStopTransmission          CommandIndex = 12 // STOP_TRANSMISSION
	CmdSendStatus                CommandIndex = 13 // SEND_STATUS
	CmdSetBlockLength            CommandIndex = 16 // SET_BLOCKLEN
	CmdReadSingleBlock           CommandIndex = 17 // READ_SINGLE_BLOCK
	CmdReadMultipleBlocks        CommandIndex = 18 // READ_MULTIPLE_BLOCK
	CmdSetBlockCount             CommandIndex = 23 // SET_BLOCK_COUNT
	CmdWriteSingleBlock          CommandIndex = 24 // WRITE_BLOCK
	CmdWriteMultipleBlocks       CommandIndex = 25 // WRITE_MULTIPLE_BLOCK
	CmdEraseGroupStart           CommandIndex = 35 // ERASE_WR_BLK_START
	CmdEraseGroupEnd             CommandIndex = 36 // ERASE_WR_BLK_END
	CmdErase                     CommandIndex = 38 // ERASE
	CmdApplicationSpecific       CommandIndex = 55 // APP_CMD
)

// Application-specific command indices, sent after CmdApplicationSpecific.
const (
	AppCmdSetBusWidth            CommandIndex = 6  // SET_BUS_WIDTH
	AppCmdSendOperatingCondition CommandIndex = 41 // SD_SEND_OP_COND
	AppCmdSendSCR                CommandIndex = 51 // SEND_SCR
)

// Response describes the expected response shape for a command.
type Response uint32

// Response shape flags.
const (
	ResponsePresent  Response = 1 << iota // A response is expected
	Response136Bit                        // 136-bit response (CID/CSD)
	ResponseValidCRC                      // Response carries a checked CRC
	ResponseBusy                          // Busy signaling on the data line
	ResponseOpcode                        // Response echoes the command index
)

// Standard response classes.
const (
	ResponseNone Response = 0
	ResponseR1            = ResponsePresent | ResponseValidCRC | ResponseOpcode
	ResponseR1B           = ResponsePresent | ResponseValidCRC | ResponseOpcode | ResponseBusy
	ResponseR2            = ResponsePresent | Response136Bit | ResponseValidCRC
	ResponseR3            = ResponsePresent
	ResponseR6            = ResponsePresent | ResponseValidCRC | ResponseOpcode
	ResponseR7            = ResponsePresent | ResponseValidCRC | ResponseOpcode
)

// Command describes one protocol exchange with the card. It is created
// fresh per call and never persisted; the transport fills Reply on
// completion.
type Command struct {
	Index    CommandIndex // Command index on the wire
	Response Response     // Expected response shape
	Argument uint32       // 32-bit command argument

	// Reply holds the response words. 48-bit responses occupy Reply[0];
	// 136-bit responses fill all four words, most significant first.
	Reply [4]uint32

	// Data is the virtual buffer for a polled data phase, or nil for DMA
	// transfers. Length is the data-phase byte count in either mode and
	// must be a whole multiple of the block length for multi-block
	// framing.
	Data   []byte
	Length uint32

	Write bool // Data phase direction
	DMA   bool // Completion is delivered asynchronously
}

// BusWidth is the number of data lines in use.
type BusWidth int

// Supported bus widths.
const (
	BusWidth1 BusWidth = 1
	BusWidth4 BusWidth = 4
	BusWidth8 BusWidth = 8
)

// ClockSpeed is a bus clock frequency in Hz.
type ClockSpeed uint32

// Well-known bus clock targets.
const (
	ClockInvalid ClockSpeed = 0
	Clock400kHz  ClockSpeed = 400000
	Clock25MHz   ClockSpeed = 25000000
	Clock26MHz   ClockSpeed = 26000000
	Clock50MHz   ClockSpeed = 50000000
	Clock52MHz   ClockSpeed = 52000000
)

// Voltage is a bus signaling voltage in millivolts.
type Voltage int

// Signaling voltages.
const (
	VoltageOff Voltage = 0
	Voltage1V8 Voltage = 1800
	Voltage3V0 Voltage = 3000
	Voltage3V3 Voltage = 3300
)

// String returns a human-readable voltage name.
func (v Voltage) String() string {
	switch v {
	case VoltageOff:
		return "off"
	case Voltage1V8:
		return "1.8V"
	case Voltage3V0:
		return "3.0V"
	case Voltage3V3:
		return "3.3V"
	default:
		return "unknown"
	}
}

// VoltageWindow is a bitmask of supported voltage ranges, encoded with the
// same bit positions as the card's operating condition register.
type VoltageWindow uint32

// Voltage window bits (OCR layout).
const (
	VoltageWindow165to195 VoltageWindow = 1 << 7
	VoltageWindow18       VoltageWindow = 1 << 8
	VoltageWindow29to30   VoltageWindow = 1 << 17
	VoltageWindow30to31   VoltageWindow = 1 << 18
	VoltageWindow32to33   VoltageWindow = 1 << 20
	VoltageWindow33to34   VoltageWindow = 1 << 21
)

// Mode is a bitmask of host or card capabilities.
type Mode uint32

// Capability mode bits.
const (
	ModeHighSpeed          Mode = 1 << iota // High speed (25/26 MHz class)
	ModeHighSpeed52MHz                      // High speed at 50/52 MHz
	Mode4Bit                                // 4-bit data bus
	Mode8Bit                                // 8-bit data bus (MMC)
	ModeResponse136Shifted                  // 136-bit responses stored left-shifted
	ModeAutoCMD12                           // Hardware auto stop command
	ModeCMD23                               // SET_BLOCK_COUNT pre-arming
	ModeSDMA                                // Single-region DMA
	ModeADMA2                               // Descriptor-chain DMA
	ModeSystemDMA                           // External DMA engine on data port
	ModeHighCapacity                        // Block addressing (SDHC/SDXC, MMC sector mode)
)

// Capabilities describes the fixed properties of a host controller,
// gathered during phase-zero initialization.
type Capabilities struct {
	Modes                Mode          // Supported capability modes
	Voltages             VoltageWindow // Supported voltage windows
	FundamentalClock     ClockSpeed    // Base clock the divisor divides
	MaxBlocksPerTransfer uint32        // Transfer split limit (0 = default)
}

// InitPhase selects a stage of controller-specific initialization.
type InitPhase int

// Initialization phases. PhaseCapabilities runs after the initial software
// reset; PhaseEnable runs after the bus has been set to 1 bit at 400 kHz,
// immediately before the card command sequence begins.
const (
	PhaseCapabilities InitPhase = 0
	PhaseEnable       InitPhase = 1
)

// ResetFlag selects which controller resources a soft reset covers.
type ResetFlag uint32

// Reset flags.
const (
	ResetAll         ResetFlag = 1 << iota // Entire controller
	ResetCommandLine                       // Command line only
	ResetDataLine                          // Data line only
)

// CompletionFunc is invoked exactly once when an asynchronous transfer
// finishes, with the byte count moved this round and the final outcome.
// It may run on a different execution context than the issuer.
type CompletionFunc func(bytesTransferred int, err error)

// MediaChangeFunc is invoked when the host observes a card removal or
// insertion event. It may be called from interrupt-dispatch context.
type MediaChangeFunc func(removed, inserted bool)

// Host defines the hardware boundary between the protocol core and a
// concrete SD/MMC host controller. A standard register-level
// implementation lives in [github.com/ardnew/softsd/sd/stdhost]; a
// software simulation for tests and examples lives in
// [github.com/ardnew/softsd/sd/hal/sim].
//
// The core serializes all calls except where noted; implementations may
// assume at most one command or data transaction is in flight.
type Host interface {
	// InitializeController performs controller-specific setup for the
	// given phase.
	InitializeController(ctx context.Context, phase InitPhase) error

	// ResetController performs a soft reset of the selected resources.
	ResetController(ctx context.Context, flags ResetFlag) error

	// SendCommand issues one command to the card. For non-DMA commands it
	// blocks until the command (and any attached polled data phase)
	// completes and fills cmd.Reply. For DMA commands it returns as soon
	// as the hardware accepts the command; completion is delivered through
	// the callback registered with the in-flight DMA transfer.
	SendCommand(ctx context.Context, cmd *Command) error

	// Capabilities reports the host's fixed capability set.
	Capabilities() Capabilities

	// SetCardModes informs the host of the capability modes negotiated
	// with the card (CMD23 support in particular), so the transport can
	// choose its automatic stop strategy.
	SetCardModes(modes Mode)

	// SetBusWidth programs the host's data bus width.
	SetBusWidth(width BusWidth) error

	// SetClockSpeed programs the bus clock to the highest frequency not
	// exceeding speed, and waits for the clock to stabilize.
	SetClockSpeed(ctx context.Context, speed ClockSpeed) error

	// SetVoltage switches the bus signaling voltage, performing the
	// quiesce/settle/verify sequence the target requires.
	SetVoltage(ctx context.Context, v Voltage) error

	// Voltage reports the current signaling voltage.
	Voltage() (Voltage, error)

	// StopDataTransfer forcibly quiesces any in-flight data transfer,
	// stopping at a block gap where the hardware supports it.
	StopDataTransfer(ctx context.Context)

	// CardDetect reports whether a card is physically present. Hosts
	// without card-detect wiring return pkg.ErrNotSupported.
	CardDetect() (bool, error)

	// WriteProtect reports whether the card's write-protect switch is
	// set. Hosts without the wiring return pkg.ErrNotSupported.
	WriteProtect() (bool, error)

	// SetMediaChangeHandler registers the callback invoked on card
	// removal or insertion events. Pass nil to clear.
	SetMediaChangeHandler(fn MediaChangeFunc)
}

// DMAHost is implemented by hosts capable of descriptor-chain or
// single-region DMA block I/O.
type DMAHost interface {
	// InitializeDMA prepares the host's DMA engine, allocating the
	// descriptor table on first use. Returns pkg.ErrNotSupported if no
	// DMA mode is available.
	InitializeDMA() error

	// BlockIODMA begins an asynchronous block transfer. The completion
	// callback is invoked exactly once, either synchronously on early
	// failure or later from interrupt-dispatch context. A partial
	// transfer (fewer bytes than requested) is a legal success outcome;
	// the caller drives the remainder with a follow-up call.
	BlockIODMA(blockOffset uint64, blockCount uint32, buf *IOBuffer, bufOffset int, write bool, completion CompletionFunc)
}
