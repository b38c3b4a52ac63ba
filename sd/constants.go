package sd

import "github.com/ardnew/softsd/sd/hal"

// Operating condition register (OCR) bits.
const (
	ocrBusy         = 0x80000000 // Clear while power-up is in progress
	ocrHighCapacity = 0x40000000 // Card capacity status (SDHC/SDXC)
	ocrVoltageMask  = 0x007FFF80
	ocrAccessMode   = 0x60000000
	ocrRequest1V8   = 0x01000000 // S18R/S18A switching request/accepted
)

// CMD8 interface condition argument: 2.7-3.6V supply plus the 0xAA check
// pattern the card must echo.
const interfaceConditionArgument = 0x1AA

// Card status bits, as returned by SEND_STATUS and R1 responses.
const (
	statusReadyForData   = 1 << 8
	statusCurrentState   = 0xF << 9
	statusError          = 1 << 19
	statusIllegalCommand = 1 << 22

	// statusErrorMask covers every error bit of the card status word.
	statusErrorMask = ^uint32(0x0206BF7F)
)

// Card status current-state values.
const (
	statusStateIdle     = 0x0 << 9
	statusStateReady    = 0x1 << 9
	statusStateIdentify = 0x2 << 9
	statusStateStandby  = 0x3 << 9
	statusStateTransfer = 0x4 << 9
	statusStateData     = 0x5 << 9
	statusStateReceive  = 0x6 << 9
	statusStateProgram  = 0x7 << 9
	statusStateDisabled = 0x8 << 9
)

// Card specific data (CSD) field masks and shifts, indexed by response
// word. Word 0 is the most significant.
const (
	csd0FrequencyBaseMask       = 0x7
	csd0FrequencyMultiplierShift = 3
	csd0FrequencyMultiplierMask = 0xF
	csd0MMCVersionShift         = 26
	csd0MMCVersionMask          = 0xF

	csd1ReadBlockLengthShift  = 16
	csd1ReadBlockLengthMask   = 0x0F
	csd1WriteBlockLengthShift = 22
	csd1WriteBlockLengthMask  = 0x0F

	csd1HighCapacityMask  = 0x3F
	csd1HighCapacityShift = 16
	csd2HighCapacityMask  = 0xFFFF0000
	csd2HighCapacityShift = 16

	// High-capacity layouts carry no multiplier field; the shift is fixed.
	csdHighCapacityMultiplier = 8

	csd1CapacityMask           = 0x3FF
	csd1CapacityShift          = 2
	csd2CapacityMask           = 0xC0000000
	csd2CapacityShift          = 30
	csd2CapacityMultiplierMask  = 0x00038000
	csd2CapacityMultiplierShift = 15

	csd2EraseGroupSizeMask        = 0x00007C00
	csd2EraseGroupSizeShift       = 10
	csd2EraseGroupMultiplierMask  = 0x000003E0
	csd2EraseGroupMultiplierShift = 5
)

// frequencyMultipliers is the CSD transfer-speed multiplier table, scaled
// by ten. The frequency base is 10000 * 10^exponent Hz.
var frequencyMultipliers = [16]uint32{
	0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80,
}

const frequencyBase = 10000

// Extended CSD byte offsets (MMC v4+).
const (
	extCSDGeneralPartitionSize    = 143
	extCSDPartitionsAttribute     = 156
	extCSDPartitioningSupport     = 160
	extCSDRPMBSize                = 168
	extCSDEraseGroupDef           = 175
	extCSDPartitionConfiguration  = 179
	extCSDBusWidth                = 183
	extCSDHighSpeed               = 185
	extCSDRevision                = 192
	extCSDCardType                = 196
	extCSDSectorCount             = 212
	extCSDWriteProtectGroupSize   = 221
	extCSDEraseGroupSize          = 224
	extCSDBootSize                = 226
)

// Extended CSD derived values.
const (
	extCSDPartitionShift       = 17
	generalPartitionCount      = 4
	extCSDSectorCountMinimum   = 2 * 1024 * 1024 * 1024 // Below this, the CSD capacity wins
	extCSDCardTypeMask         = 0x0F
	extCSDCardTypeHighSpeed52  = 0x02
	extCSDBusWidth8            = 2
	extCSDBusWidth4            = 1
	extCSDBusWidth1            = 0
	mmcPartitionSupport        = 0x01
	mmcPartitionEnhancedAttrib = 0x1F
)

// MMC SWITCH (CMD6) argument fields.
const (
	mmcSwitchModeWriteByte = 0x03
	mmcSwitchModeShift     = 24
	mmcSwitchIndexShift    = 16
	mmcSwitchValueShift    = 8
)

// SD switch-function (CMD6) parameters and status-word fields. The status
// block is returned big-endian; word indices follow the raw block layout.
const (
	sdSwitchCheck  = 0
	sdSwitchCommit = 1

	sdSwitchStatus3HighSpeedSupported = 0x00020000
	sdSwitchStatus4HighSpeedMask      = 0x0F000000
	sdSwitchStatus4HighSpeedValue     = 0x01000000
	sdSwitchStatus7HighSpeedBusy      = 0x00020000
)

// SD configuration register (SCR) fields.
const (
	scrVersionShift  = 24
	scrVersionMask   = 0xF
	scrVersion3Shift = 15
	scrData4Bit      = 0x00040000
	scrCMD23         = 0x00000002
)

// Timeout and retry budgets. All polling waits derive their deadline from
// the monotonic tick source once, at the start of the wait.
const (
	controllerTimeoutMS   = 300 // General register and command waits
	statusTimeoutSeconds  = 60  // Card status polls (abort, state waits)
	mmcOpCondTimeoutSecs  = 5   // CMD1 busy-poll budget

	interfaceConditionRetryCount = 10
	operatingConditionRetryCount = 1000
	cardInitializeRetryCount     = 3
	configurationRegisterRetries = 5
	switchRetryCount             = 4
	setBlockLengthRetryCount     = 10

	cardDelayMicroseconds      = 1000
	postResetDelayMicroseconds = 2000
	scrRetryDelayMicroseconds  = 50000
)

// Flag is one transient controller status bit. Flags crossing the
// interrupt boundary are kept in an atomic bitset; all other negotiated
// state is guarded by the caller's serialization.
type Flag uint32

// Controller status flags.
const (
	FlagHighCapacity Flag = 1 << iota // Card uses block addressing
	FlagMediaPresent                  // Card initialized and usable
	FlagMediaChanged                  // Card replaced; I/O must stop
	FlagDMAEnabled                    // DMA engine established
	FlagCriticalMode                  // Direct hardware time queries
	FlagInsertionPending              // Insertion event awaiting service
	FlagRemovalPending                // Removal event awaiting service
)

// Version identifies the card's specification revision. MMC and SD
// revisions occupy disjoint ascending ranges so ordered comparisons
// within a family are meaningful.
type Version int

// Card specification versions.
const (
	VersionInvalid Version = iota
	VersionMMC1p2
	VersionMMC1p4
	VersionMMC2p2
	VersionMMC3
	VersionMMC4
	VersionMMC4p1
	VersionMMC4p2
	VersionMMC4p3
	VersionMMC4p41
	VersionMMC4p5
	versionMMCMaximum
	VersionSD1p0
	VersionSD1p10
	VersionSD2
	VersionSD3
)

// IsSD reports whether the version belongs to the SD family.
func (v Version) IsSD() bool {
	return v > versionMMCMaximum
}

// IsMMC reports whether the version belongs to the MMC family.
func (v Version) IsMMC() bool {
	return v > VersionInvalid && v < versionMMCMaximum
}

// String returns a human-readable version name.
func (v Version) String() string {
	switch v {
	case VersionMMC1p2:
		return "MMC 1.2"
	case VersionMMC1p4:
		return "MMC 1.4"
	case VersionMMC2p2:
		return "MMC 2.2"
	case VersionMMC3:
		return "MMC 3"
	case VersionMMC4:
		return "MMC 4"
	case VersionMMC4p1:
		return "MMC 4.1"
	case VersionMMC4p2:
		return "MMC 4.2"
	case VersionMMC4p3:
		return "MMC 4.3"
	case VersionMMC4p41:
		return "MMC 4.41"
	case VersionMMC4p5:
		return "MMC 4.5"
	case VersionSD1p0:
		return "SD 1.0"
	case VersionSD1p10:
		return "SD 1.10"
	case VersionSD2:
		return "SD 2.0"
	case VersionSD3:
		return "SD 3.0"
	default:
		return "invalid"
	}
}

// mmcCSDVersions maps the CSD spec-version field to an MMC version.
var mmcCSDVersions = [...]Version{
	VersionMMC1p2,
	VersionMMC1p4,
	VersionMMC2p2,
	VersionMMC3,
	VersionMMC4,
}

// defaultVoltageWindow is the 2.7-3.6V window requested during OCR
// negotiation when the host supports 3.3V signaling.
const defaultVoltageWindow = hal.VoltageWindow32to33 | hal.VoltageWindow33to34
