package stdhost

// Standard host controller register offsets. All access is 32-bit; the
// narrower architectural registers are packed into their containing
// dword.
const (
	regSDMAAddress         = 0x00 // Shares its dword with Argument2
	regArgument2           = 0x00
	regBlockSizeCount      = 0x04
	regArgument1           = 0x08
	regCommand             = 0x0C
	regResponse10          = 0x10
	regResponse32          = 0x14
	regResponse54          = 0x18
	regResponse76          = 0x1C
	regBufferDataPort      = 0x20
	regPresentState        = 0x24
	regHostControl         = 0x28
	regClockControl        = 0x2C
	regInterruptStatus     = 0x30
	regInterruptStatusEnable = 0x34
	regInterruptSignalEnable = 0x38
	regControlStatus2      = 0x3C
	regCapabilities        = 0x40
	regADMAAddressLow      = 0x58
	regSlotStatusVersion   = 0xFC
)

// Command register bits.
const (
	commandDMAEnable        = 1 << 0
	commandBlockCountEnable = 1 << 1
	commandAutoCommand12    = 1 << 2
	commandAutoCommand23    = 2 << 2
	commandTransferRead     = 1 << 4
	commandMultipleBlocks   = 1 << 5
	commandResponse136      = 1 << 16
	commandResponse48       = 2 << 16
	commandResponse48Busy   = 3 << 16
	commandCRCCheckEnable   = 1 << 19
	commandIndexCheckEnable = 1 << 20
	commandDataPresent      = 1 << 21
	commandIndexShift       = 24
)

// Block size/count register fields.
const (
	blockSizeBoundary512K = 0x7 << 12
	blockCountShift       = 16
)

// Present state register bits.
const (
	presentStateCommandInhibit = 1 << 0
	presentStateDataInhibit    = 1 << 1
	presentStateCardInserted   = 1 << 16
	presentStateCardDetectPin  = 1 << 18
	presentStateWriteProtect   = 1 << 19
	presentStateDataLineLevel  = 0xF << 20
	presentStateDataLineShift  = 20
)

// Host control register bits.
const (
	hostControl4BitWidth      = 1 << 1
	hostControlHighSpeed      = 1 << 2
	hostControlDMA32BitADMA2  = 2 << 3
	hostControlDMAModeMask    = 0x3 << 3
	hostControl8BitWidth      = 1 << 5
	hostControlPowerEnable    = 1 << 8
	hostControlPower1V8       = 5 << 9
	hostControlPower3V0       = 6 << 9
	hostControlPower3V3       = 7 << 9
	hostControlPowerMask      = 0x7 << 9
	hostControlBusWidthMask   = hostControl4BitWidth | hostControl8BitWidth
	hostControlStopAtBlockGap = 1 << 16
)

// Clock control register bits.
const (
	clockControlInternalEnable     = 1 << 0
	clockControlStable             = 1 << 1
	clockControlSDOutputEnable     = 1 << 2
	clockControlDivisorMask        = 0xFF
	clockControlDivisorShift       = 8
	clockControlDivisorHighMask    = 0x300
	clockControlDivisorHighShift   = 2 // Bits 9:8 land in register bits 7:6
	clockControlTimeoutShift       = 16
	clockControlDefaultTimeout     = 14
	clockControlResetAll           = 1 << 24
	clockControlResetCommandLine   = 1 << 25
	clockControlResetDataLine      = 1 << 26
)

// Divisor limits by host specification version.
const (
	version2MaximumDivisor = 0x100
	version3MaximumDivisor = 2046
)

// Control status 2 register bits. The 1.8V enable is bit 3 of the
// architectural host-control-2 halfword at offset 0x3E.
const controlStatus21V8Enable = 1 << 19

// Capabilities register bits.
const (
	capabilityBaseClockMaskV3 = 0xFF
	capabilityBaseClockMask   = 0x3F
	capabilityBaseClockShift  = 8
	capability8BitWidth       = 1 << 18
	capabilityADMA2           = 1 << 19
	capabilityHighSpeed       = 1 << 21
	capabilitySDMA            = 1 << 22
	capabilityVoltage3V3      = 1 << 24
	capabilityVoltage3V0      = 1 << 25
	capabilityVoltage1V8      = 1 << 26
)

// Interrupt status bits, shared by the status, status-enable, and
// signal-enable registers.
const (
	interruptCommandComplete  = 1 << 0
	interruptTransferComplete = 1 << 1
	interruptDMA              = 1 << 3
	interruptBufferWriteReady = 1 << 4
	interruptBufferReadReady  = 1 << 5
	interruptCardInsertion    = 1 << 6
	interruptCardRemoval      = 1 << 7
	interruptErrorSummary     = 1 << 15
	interruptCommandTimeout   = 1 << 16
	interruptCommandCRCError  = 1 << 17
	interruptCommandEndBit    = 1 << 18
	interruptCommandIndex     = 1 << 19
	interruptDataTimeout      = 1 << 20
	interruptDataCRCError     = 1 << 21
	interruptDataEndBit       = 1 << 22
	interruptCurrentLimit     = 1 << 23
	interruptAutoCommand12    = 1 << 24
	interruptADMAError        = 1 << 25
	interruptVendorMask       = 0xF << 28
)

// interruptErrorMask covers every error condition the controller can
// latch.
const interruptErrorMask = interruptCommandTimeout |
	interruptCommandCRCError |
	interruptCommandEndBit |
	interruptCommandIndex |
	interruptDataTimeout |
	interruptDataCRCError |
	interruptDataEndBit |
	interruptCurrentLimit |
	interruptAutoCommand12 |
	interruptADMAError |
	interruptVendorMask

// interruptDataErrorMask identifies failures requiring a data line
// reset.
const interruptDataErrorMask = interruptDataTimeout |
	interruptDataCRCError |
	interruptDataEndBit

// statusEnableDefaultMask lists the conditions latched into the status
// register; signal routing is narrower.
const statusEnableDefaultMask = interruptErrorMask |
	interruptCardInsertion |
	interruptCardRemoval |
	interruptBufferWriteReady |
	interruptBufferReadReady |
	interruptDMA |
	interruptTransferComplete |
	interruptCommandComplete

// signalEnableDefaultMask routes only media events to the interrupt
// line until a DMA transfer arms transfer signaling.
const signalEnableDefaultMask = interruptCardInsertion | interruptCardRemoval

// Host controller specification versions, from the low byte of the
// version halfword.
const (
	hostVersion1 = 0x0
	hostVersion2 = 0x1
	hostVersion3 = 0x2
)

// ADMA2 descriptor attribute bits and limits. A descriptor is two
// little-endian words: attributes with the length in the high half, then
// the 32-bit buffer address.
const (
	adma2Valid           = 1 << 0
	adma2End             = 1 << 1
	adma2Interrupt       = 1 << 2
	adma2ActionTransfer  = 2 << 4
	adma2LengthShift     = 16
	adma2DescriptorSize  = 8
	adma2MaxTransferSize = 0xF000
)

// SDMA transfers auto-advance within aligned 512K boundaries.
const sdmaBoundarySize = 0x80000
