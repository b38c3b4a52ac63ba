package sd

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// InitializeController brings up the host and negotiates the inserted
// card from reset through transfer mode. When resetController is false
// the host hardware is assumed live and only the card sequence runs, as
// during error recovery.
//
// A card that never completes power-up is reported as pkg.ErrNotReady; a
// missing card as pkg.ErrNoMedia. Both are benign to callers that poll
// for insertion.
func (c *Controller) InitializeController(ctx context.Context, resetController bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.initialize(ctx, resetController)
}

// initialize is the unlocked initialization worker, shared with the
// error-recovery path.
func (c *Controller) initialize(ctx context.Context, resetController bool) (err error) {
	defer func() {
		if err != nil {
			c.flags.clear(FlagMediaPresent)
		}
	}()

	c.version = VersionInvalid
	c.cardAddress = 0
	c.cardModes = 0
	c.appliedWidth = 0
	c.appliedClock = hal.ClockInvalid

	if resetController {
		if err := c.host.ResetController(ctx, hal.ResetAll); err != nil {
			return err
		}
		if err := c.host.InitializeController(ctx, hal.PhaseCapabilities); err != nil {
			return err
		}
	}
	c.mergeCapabilities(c.host.Capabilities())

	// Identification runs at 400 kHz on one data line regardless of what
	// gets negotiated later.
	c.busWidth = hal.BusWidth1
	c.clockSpeed = hal.Clock400kHz
	if err := c.setBusParameters(ctx); err != nil {
		return err
	}
	if resetController {
		if err := c.host.InitializeController(ctx, hal.PhaseEnable); err != nil {
			return err
		}
	}

	present, err := c.host.CardDetect()
	if err != nil && !errors.Is(err, pkg.ErrNotSupported) {
		return err
	}
	if err == nil && !present {
		return pkg.ErrNoMedia
	}

	// The card is physically present from here on. The flag is raised
	// now, not at the end, so a removal interrupt can abort the status
	// waits below; any failure clears it again on the way out.
	c.flags.set(FlagMediaPresent)

	if err := c.waitForCardToInitialize(ctx); err != nil {
		return err
	}
	if err := c.getCardIdentification(ctx); err != nil {
		return err
	}
	if err := c.getCardAddress(ctx); err != nil {
		return err
	}
	if err := c.getCardSpecificData(ctx); err != nil {
		return err
	}
	if err := c.selectCard(ctx); err != nil {
		return err
	}
	if err := c.configureEraseGroup(ctx); err != nil {
		return err
	}
	if c.version.IsSD() {
		err = c.setSDFrequency(ctx)
	} else {
		err = c.setMMCFrequency(ctx)
	}
	if err != nil {
		return err
	}
	if err := c.setBlockLength(ctx); err != nil {
		return err
	}

	c.host.SetCardModes(c.negotiatedModes())
	c.flags.clear(FlagMediaChanged)
	c.flags.set(FlagMediaPresent)

	pkg.LogInfo(pkg.ComponentInit, "card initialized",
		"version", c.version.String(),
		"blocks", c.blockCount,
		"blockLength", c.readBlockLength,
		"width", int(c.busWidth),
		"clock", uint32(c.clockSpeed),
		"highCapacity", c.flags.has(FlagHighCapacity))

	// Re-establish DMA when recovering a controller that had it.
	if c.flags.has(FlagDMAEnabled) {
		return c.initializeDMA()
	}
	return nil
}

// mergeCapabilities narrows the host's advertised capabilities by the
// configured overrides.
func (c *Controller) mergeCapabilities(caps hal.Capabilities) {
	voltages := c.caps.Voltages
	modes := c.caps.Modes
	c.caps = caps
	if voltages != 0 {
		c.caps.Voltages &= voltages
	}
	if modes != 0 {
		c.caps.Modes &= modes
	}
	c.maxBlocksPerTransfer = hal.MaxBlockCount
	if caps.MaxBlocksPerTransfer != 0 &&
		caps.MaxBlocksPerTransfer < c.maxBlocksPerTransfer {
		c.maxBlocksPerTransfer = caps.MaxBlocksPerTransfer
	}
}

// negotiatedModes returns the card mode bits the host transport needs:
// the automatic stop strategy and the addressing mode.
func (c *Controller) negotiatedModes() hal.Mode {
	modes := c.cardModes & hal.ModeCMD23
	if c.flags.has(FlagHighCapacity) {
		modes |= hal.ModeHighCapacity
	}
	return modes
}

// ============================================================================
// Reset and operating condition negotiation
// ============================================================================

// waitForCardToInitialize drives the card from any state to standby:
// reset, interface condition probe, then operating condition negotiation,
// retried as a whole a bounded number of times. A failed 1.8V switch
// falls back to a fresh attempt at the original voltage.
func (c *Controller) waitForCardToInitialize(ctx context.Context) error {
	allow1V8 := c.caps.Voltages&hal.VoltageWindow18 != 0
	for attempt := 0; attempt < cardInitializeRetryCount; attempt++ {
		if err := c.resetCard(ctx); err != nil {
			return err
		}
		v2, err := c.getInterfaceCondition(ctx)
		if err != nil {
			continue
		}
		switch1V8, err := c.getOperatingCondition(ctx, v2, allow1V8)
		if err != nil {
			if errors.Is(err, pkg.ErrNoResources) {
				// SD preamble rejected outright; try the MMC loop.
				err = c.getMMCOperatingCondition(ctx)
			}
			if err != nil {
				if errors.Is(err, pkg.ErrTimeout) {
					return pkg.ErrNotReady
				}
				continue
			}
		}
		if switch1V8 {
			if err := c.switchTo1V8(ctx); err != nil {
				pkg.LogWarn(pkg.ComponentInit, "1.8V switch failed",
					"error", err)
				allow1V8 = false
				if err := c.recoverFromFailedVoltageSwitch(ctx); err != nil {
					return err
				}
				continue
			}
		}
		return nil
	}
	return pkg.ErrTimeout
}

// resetCard issues GO_IDLE_STATE and gives the card time to settle.
func (c *Controller) resetCard(ctx context.Context) error {
	if err := c.delay(ctx, postResetDelayMicroseconds); err != nil {
		return err
	}
	cmd := hal.Command{Index: hal.CmdReset, Response: hal.ResponseNone}
	if err := c.sendCommand(ctx, &cmd); err != nil {
		return err
	}
	return c.delay(ctx, postResetDelayMicroseconds)
}

// getInterfaceCondition probes CMD8 to distinguish version 2+ cards from
// older ones. No response at all is not an error, it identifies a
// version 1 card.
func (c *Controller) getInterfaceCondition(ctx context.Context) (v2 bool, err error) {
	for attempt := 0; attempt < interfaceConditionRetryCount; attempt++ {
		cmd := hal.Command{
			Index:    hal.CmdSendInterfaceCondition,
			Response: hal.ResponseR7,
			Argument: interfaceConditionArgument,
		}
		err = c.sendCommand(ctx, &cmd)
		if err == nil {
			if cmd.Reply[0]&0xFF == interfaceConditionArgument&0xFF {
				return true, nil
			}
			return false, nil
		}
		if errors.Is(err, pkg.ErrTimeout) {
			return false, nil
		}
	}
	return false, err
}

// getOperatingCondition negotiates the OCR with ACMD41. The first
// iteration queries with a zero argument to learn the card's voltage
// window; subsequent iterations request the intersected window plus the
// high-capacity and 1.8V bits where applicable, until the card reports
// power-up complete.
//
// A CMD55 rejection on the first iteration returns pkg.ErrNoResources so
// the caller can fall back to the MMC loop.
func (c *Controller) getOperatingCondition(ctx context.Context, v2, request1V8 bool) (switch1V8 bool, err error) {
	var argument uint32
	for attempt := 0; attempt < operatingConditionRetryCount; attempt++ {
		if err := c.appCommand(ctx); err != nil {
			if attempt == 0 {
				return false, pkg.ErrNoResources
			}
			return false, err
		}
		cmd := hal.Command{
			Index:    hal.AppCmdSendOperatingCondition,
			Response: hal.ResponseR3,
			Argument: argument,
		}
		if err := c.sendCommand(ctx, &cmd); err != nil {
			return false, err
		}
		ocr := cmd.Reply[0]
		if argument == 0 {
			window := ocr & ocrVoltageMask & uint32(c.caps.Voltages)
			if window == 0 {
				pkg.LogWarn(pkg.ComponentInit, "no common voltage window",
					"card", ocr&ocrVoltageMask,
					"host", uint32(c.caps.Voltages))
				return false, pkg.ErrInvalidConfiguration
			}
			argument = window
			if v2 {
				argument |= ocrHighCapacity
				if request1V8 {
					argument |= ocrRequest1V8
				}
			}
			continue
		}
		if ocr&ocrBusy != 0 {
			if ocr&ocrHighCapacity != 0 {
				c.flags.set(FlagHighCapacity)
			} else {
				c.flags.clear(FlagHighCapacity)
			}
			if v2 {
				c.version = VersionSD2
			} else {
				c.version = VersionSD1p0
			}
			return request1V8 && ocr&ocrRequest1V8 != 0, nil
		}
		if err := c.delay(ctx, cardDelayMicroseconds); err != nil {
			return false, err
		}
	}
	return false, pkg.ErrTimeout
}

// getMMCOperatingCondition negotiates the OCR with the MMC CMD1 loop,
// requesting sector addressing, within its own timeout budget.
func (c *Controller) getMMCOperatingCondition(ctx context.Context) error {
	query := hal.Command{
		Index:    hal.CmdSendMMCOperatingCondition,
		Response: hal.ResponseR3,
	}
	if err := c.sendCommand(ctx, &query); err != nil {
		return err
	}
	window := query.Reply[0] & ocrVoltageMask & uint32(c.caps.Voltages)
	if window == 0 {
		return pkg.ErrInvalidConfiguration
	}
	argument := window | ocrHighCapacity
	deadline := c.queryTime() + c.time.Frequency()*mmcOpCondTimeoutSecs
	for {
		cmd := hal.Command{
			Index:    hal.CmdSendMMCOperatingCondition,
			Response: hal.ResponseR3,
			Argument: argument,
		}
		if err := c.sendCommand(ctx, &cmd); err != nil {
			return err
		}
		if cmd.Reply[0]&ocrBusy != 0 {
			if cmd.Reply[0]&ocrHighCapacity != 0 {
				c.flags.set(FlagHighCapacity)
			} else {
				c.flags.clear(FlagHighCapacity)
			}
			// Refined from the CSD spec version field later.
			c.version = VersionMMC3
			return nil
		}
		if c.queryTime() > deadline {
			return pkg.ErrTimeout
		}
		if err := c.delay(ctx, cardDelayMicroseconds); err != nil {
			return err
		}
	}
}

// switchTo1V8 performs the CMD11 voltage switch followed by the host's
// 1.8V sequencing.
func (c *Controller) switchTo1V8(ctx context.Context) error {
	cmd := hal.Command{
		Index:    hal.CmdVoltageSwitch,
		Response: hal.ResponseR1,
	}
	if err := c.sendCommand(ctx, &cmd); err != nil {
		return err
	}
	return c.host.SetVoltage(ctx, hal.Voltage1V8)
}

// recoverFromFailedVoltageSwitch resets the controller back to a clean
// identification state so the outer retry can continue at the original
// voltage.
func (c *Controller) recoverFromFailedVoltageSwitch(ctx context.Context) error {
	if err := c.host.ResetController(ctx, hal.ResetAll); err != nil {
		return err
	}
	c.appliedWidth = 0
	c.appliedClock = hal.ClockInvalid
	c.busWidth = hal.BusWidth1
	c.clockSpeed = hal.Clock400kHz
	return c.setBusParameters(ctx)
}

// ============================================================================
// Identification and addressing
// ============================================================================

// getCardIdentification captures the raw CID with ALL_SEND_CID.
func (c *Controller) getCardIdentification(ctx context.Context) error {
	if err := c.delay(ctx, cardDelayMicroseconds); err != nil {
		return err
	}
	cmd := hal.Command{
		Index:    hal.CmdAllSendCardID,
		Response: hal.ResponseR2,
	}
	if err := c.sendCommand(ctx, &cmd); err != nil {
		return err
	}
	c.cardID = cmd.Reply
	return nil
}

// getCardAddress assigns the relative card address. SD cards publish one
// in the CMD3 response; for MMC the host picks the address and writes it
// with the same command.
func (c *Controller) getCardAddress(ctx context.Context) error {
	if c.version.IsMMC() {
		c.cardAddress = 1
		cmd := hal.Command{
			Index:    hal.CmdSetRelativeAddress,
			Response: hal.ResponseR1,
			Argument: uint32(c.cardAddress) << 16,
		}
		return c.sendCommand(ctx, &cmd)
	}
	deadline := c.queryTime() + c.timeoutTicks(controllerTimeoutMS)
	for {
		cmd := hal.Command{
			Index:    hal.CmdSetRelativeAddress,
			Response: hal.ResponseR6,
		}
		if err := c.sendCommand(ctx, &cmd); err != nil {
			return err
		}
		if address := uint16(cmd.Reply[0] >> 16); address != 0 {
			c.cardAddress = address
			return nil
		}
		if c.queryTime() > deadline {
			return pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// getCardSpecificData reads and decodes the CSD.
func (c *Controller) getCardSpecificData(ctx context.Context) error {
	cmd := hal.Command{
		Index:    hal.CmdSendCSD,
		Response: hal.ResponseR2,
		Argument: uint32(c.cardAddress) << 16,
	}
	if err := c.sendCommand(ctx, &cmd); err != nil {
		return err
	}
	c.csd = cmd.Reply
	params, err := parseCSD(c.csd, c.version.IsMMC(), c.flags.has(FlagHighCapacity))
	if err != nil {
		return err
	}
	if c.version.IsMMC() {
		c.version = params.version
	}
	c.readBlockLength = params.readBlockLength
	c.writeBlockLength = params.writeBlockLength
	c.blockCount = params.blockCount
	c.eraseGroupSize = params.eraseGroupSize
	if c.eraseGroupSize == 0 {
		c.eraseGroupSize = 1
	}
	// The CSD clock is the standard-speed ceiling; the speed-mode
	// negotiation below may raise it.
	limit := hal.Clock25MHz
	if c.version.IsMMC() {
		limit = hal.Clock26MHz
	}
	c.clockSpeed = params.clockSpeed
	if c.clockSpeed > limit {
		c.clockSpeed = limit
	}
	return nil
}

// selectCard moves the card into transfer mode and waits for it to
// report ready.
func (c *Controller) selectCard(ctx context.Context) error {
	cmd := hal.Command{
		Index:    hal.CmdSelectCard,
		Response: hal.ResponseR1B,
		Argument: uint32(c.cardAddress) << 16,
	}
	if err := c.sendCommand(ctx, &cmd); err != nil {
		return err
	}
	return c.waitForStateTransition(ctx)
}

// ============================================================================
// Extended CSD and erase groups
// ============================================================================

// readExtendedCSD reads the 512-byte extended CSD blob (MMC CMD8 with a
// data phase).
func (c *Controller) readExtendedCSD(ctx context.Context, data []byte) error {
	cmd := hal.Command{
		Index:    hal.CmdMMCSendExtendedCSD,
		Response: hal.ResponseR1,
		Data:     data,
		Length:   uint32(len(data)),
	}
	return c.sendCommand(ctx, &cmd)
}

// configureEraseGroup refines MMC v4+ geometry from the extended CSD:
// the precise sub-version, a sector count that supersedes the CSD
// capacity above the threshold, hardware partition sizes, and the
// high-capacity erase group. SD cards and older MMC keep their CSD
// geometry.
func (c *Controller) configureEraseGroup(ctx context.Context) error {
	if !c.version.IsMMC() || c.version < VersionMMC4 {
		return nil
	}
	var data [hal.BlockSize]byte
	if err := c.readExtendedCSD(ctx, data[:]); err != nil {
		return err
	}
	ext, err := parseExtendedCSD(data[:])
	if err != nil {
		return err
	}
	if ext.partitionSupport {
		// Partition and high-capacity erase fields are only valid with
		// the erase-group-def bit set.
		if err := c.mmcSwitch(ctx, extCSDEraseGroupDef, 1); err != nil {
			return err
		}
		if err := c.readExtendedCSD(ctx, data[:]); err != nil {
			return err
		}
		if ext, err = parseExtendedCSD(data[:]); err != nil {
			return err
		}
		c.eraseGroupSize = ext.eraseGroupBlocks
		c.bootCapacity = ext.bootSize
		c.rpmbCapacity = ext.rpmbSize
		c.generalPartition = ext.generalPartition
	}
	c.version = ext.version
	// The sector count field is defined from revision 2 on, and only
	// trusted when it reports more than the byte-addressed maximum.
	if ext.version >= VersionMMC4p2 && ext.sectorCount > extCSDSectorCountMinimum {
		c.blockCount = ext.sectorCount / uint64(c.readBlockLength)
	}
	return nil
}

// ============================================================================
// Speed mode negotiation
// ============================================================================

// readSCR reads the SD configuration register (ACMD51), retried with a
// delay because freshly initialized cards transiently reject it.
func (c *Controller) readSCR(ctx context.Context) (scr [2]uint32, err error) {
	var data [8]byte
	for attempt := 0; attempt < configurationRegisterRetries; attempt++ {
		if err = c.appCommand(ctx); err != nil {
			return scr, err
		}
		cmd := hal.Command{
			Index:    hal.AppCmdSendSCR,
			Response: hal.ResponseR1,
			Data:     data[:],
			Length:   uint32(len(data)),
		}
		if err = c.sendCommand(ctx, &cmd); err == nil {
			scr[0] = binary.BigEndian.Uint32(data[0:])
			scr[1] = binary.BigEndian.Uint32(data[4:])
			return scr, nil
		}
		if err := c.delay(ctx, scrRetryDelayMicroseconds); err != nil {
			return scr, err
		}
	}
	return scr, err
}

// setSDFrequency negotiates the SD speed mode: SCR for the exact spec
// version and 4-bit/CMD23 support, then the CMD6 high-speed handshake
// when both sides advertise it, then the final bus parameters.
func (c *Controller) setSDFrequency(ctx context.Context) error {
	scr, err := c.readSCR(ctx)
	if err != nil {
		return err
	}
	switch scr[0] >> scrVersionShift & scrVersionMask {
	case 0:
		c.version = VersionSD1p0
	case 1:
		c.version = VersionSD1p10
	default:
		c.version = VersionSD2
		if scr[0]&(1<<scrVersion3Shift) != 0 {
			c.version = VersionSD3
		}
	}
	if scr[0]&scrData4Bit != 0 {
		c.cardModes |= hal.Mode4Bit
	}
	if c.version >= VersionSD3 && scr[0]&scrCMD23 != 0 &&
		c.caps.Modes&hal.ModeCMD23 != 0 {
		c.cardModes |= hal.ModeCMD23
	}

	// Version 1.0 cards predate the switch-function command entirely.
	if c.version > VersionSD1p0 && c.caps.Modes&hal.ModeHighSpeed != 0 {
		if err := c.negotiateSDHighSpeed(ctx); err != nil {
			return err
		}
	}

	if c.cardModes&c.caps.Modes&hal.Mode4Bit != 0 {
		c.busWidth = hal.BusWidth4
	}
	if c.cardModes&hal.ModeHighSpeed != 0 {
		c.clockSpeed = hal.Clock50MHz
	}
	return c.setBusParameters(ctx)
}

// negotiateSDHighSpeed runs the CMD6 check/commit handshake for function
// group 1. The result is only trusted if the post-switch status confirms
// the high-speed function took effect.
func (c *Controller) negotiateSDHighSpeed(ctx context.Context) error {
	var data [64]byte
	var status [16]uint32
	for attempt := 0; ; attempt++ {
		if attempt >= switchRetryCount {
			return nil
		}
		if err := c.sdSwitch(ctx, sdSwitchCheck, 1, data[:]); err != nil {
			return err
		}
		for i := range status {
			status[i] = binary.BigEndian.Uint32(data[i*4:])
		}
		if status[7]&sdSwitchStatus7HighSpeedBusy == 0 {
			break
		}
	}
	if status[3]&sdSwitchStatus3HighSpeedSupported == 0 {
		return nil
	}
	if err := c.sdSwitch(ctx, sdSwitchCommit, 1, data[:]); err != nil {
		return err
	}
	confirm := binary.BigEndian.Uint32(data[16:])
	if confirm&sdSwitchStatus4HighSpeedMask == sdSwitchStatus4HighSpeedValue {
		c.cardModes |= hal.ModeHighSpeed
	}
	return nil
}

// setMMCFrequency negotiates the MMC speed mode and probes the bus width
// widest first. Each committed width is corroborated by a successful
// extended CSD read before being trusted.
func (c *Controller) setMMCFrequency(ctx context.Context) error {
	if c.version < VersionMMC4 {
		return c.setBusParameters(ctx)
	}
	var data [hal.BlockSize]byte
	if err := c.readExtendedCSD(ctx, data[:]); err != nil {
		return err
	}
	highSpeed52 := data[extCSDCardType]&extCSDCardTypeMask&
		extCSDCardTypeHighSpeed52 != 0

	if c.caps.Modes&hal.ModeHighSpeed != 0 {
		if err := c.mmcSwitch(ctx, extCSDHighSpeed, 1); err != nil {
			return err
		}
		if err := c.readExtendedCSD(ctx, data[:]); err != nil {
			return err
		}
		if data[extCSDHighSpeed] != 0 {
			c.cardModes |= hal.ModeHighSpeed
			c.clockSpeed = hal.Clock26MHz
			if highSpeed52 && c.caps.Modes&hal.ModeHighSpeed52MHz != 0 {
				c.cardModes |= hal.ModeHighSpeed52MHz
				c.clockSpeed = hal.Clock52MHz
			}
		}
	}

	widths := []hal.BusWidth{hal.BusWidth8, hal.BusWidth4, hal.BusWidth1}
	for _, width := range widths {
		if width == hal.BusWidth8 && c.caps.Modes&hal.Mode8Bit == 0 {
			continue
		}
		if width == hal.BusWidth4 && c.caps.Modes&hal.Mode4Bit == 0 {
			continue
		}
		if err := c.setCardBusWidth(ctx, width); err != nil {
			continue
		}
		if err := c.host.SetBusWidth(width); err != nil {
			return err
		}
		if err := c.readExtendedCSD(ctx, data[:]); err == nil {
			c.busWidth = width
			c.appliedWidth = width
			break
		}
	}
	return c.setBusParameters(ctx)
}

// setBlockLength programs the negotiated block length into the card.
// Some cards transiently reject CMD16 right after initialization, so the
// command is retried.
func (c *Controller) setBlockLength(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < setBlockLengthRetryCount; attempt++ {
		cmd := hal.Command{
			Index:    hal.CmdSetBlockLength,
			Response: hal.ResponseR1,
			Argument: c.readBlockLength,
		}
		if err = c.sendCommand(ctx, &cmd); err == nil {
			return nil
		}
		if err := c.delay(ctx, cardDelayMicroseconds); err != nil {
			return err
		}
	}
	return err
}
