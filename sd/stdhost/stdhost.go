package stdhost

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// Timeout budgets for register polls.
const (
	controllerTimeoutMS = 300
	settleLongSpins     = 10000 // At least 5 ms of register reads
	settleShortSpins    = 2000  // At least 1 ms of register reads
)

// Config carries the parameters for creating a Host.
type Config struct {
	// Registers is the controller's register space. Required.
	Registers hal.RegisterSpace

	// Time provides monotonic ticks for timeouts. Required.
	Time hal.TimeSource

	// DescriptorTable is physically contiguous, uncached memory for the
	// ADMA2 descriptor table. Optional; without it DMA falls back to
	// SDMA single-region programming.
	DescriptorTable hal.Fragment
}

// Host drives a standard SD host controller register set. It implements
// [hal.Host] and [hal.DMAHost].
//
// The interrupt path is split the way the hardware expects: the platform
// calls InterruptService from its interrupt handler, which coalesces
// newly latched status into an atomic pending mask, and DispatchEvents
// from a safe priority, which consumes the mask, delivering media-change
// and DMA completion events.
type Host struct {
	regs hal.RegisterSpace
	time hal.TimeSource

	caps        hal.Capabilities
	hostVersion uint8

	cardModes hal.Mode

	table         hal.Fragment
	adma2         bool
	dmaEstablished bool

	// Signal-enable shadow, so interrupt arming avoids a register
	// read-modify-write per command.
	enabledSignals uint32

	pendingBits atomic.Uint32

	mediaChange hal.MediaChangeFunc

	// In-flight DMA completion, consumed exactly once by DispatchEvents.
	ioCompletion   hal.CompletionFunc
	ioRequestBytes int
}

var (
	_ hal.Host    = (*Host)(nil)
	_ hal.DMAHost = (*Host)(nil)
)

// New creates a host over the given register space.
func New(cfg Config) (*Host, error) {
	if cfg.Registers == nil || cfg.Time == nil {
		return nil, pkg.ErrInvalidConfiguration
	}
	return &Host{
		regs:  cfg.Registers,
		time:  cfg.Time,
		table: cfg.DescriptorTable,
	}, nil
}

// ============================================================================
// Controller initialization and reset
// ============================================================================

// InitializeController performs the phase-specific controller bring-up:
// capability discovery and power-rail selection first, then power and
// interrupt enabling once the bus is at identification parameters.
func (h *Host) InitializeController(ctx context.Context, phase hal.InitPhase) error {
	switch phase {
	case hal.PhaseCapabilities:
		h.readCapabilities()
		h.selectPowerRail()
		return nil
	case hal.PhaseEnable:
		control := h.regs.Read32(regHostControl)
		h.regs.Write32(regHostControl, control|hostControlPowerEnable)
		h.regs.Write32(regInterruptStatusEnable, statusEnableDefaultMask)
		h.regs.Write32(regInterruptStatus, 0xFFFFFFFF)
		h.enabledSignals = signalEnableDefaultMask
		h.regs.Write32(regInterruptSignalEnable, h.enabledSignals)
		return nil
	default:
		return pkg.ErrInvalidParameter
	}
}

// readCapabilities populates the host capability set from the version
// and capabilities registers.
func (h *Host) readCapabilities() {
	h.hostVersion = uint8(h.regs.Read32(regSlotStatusVersion) >> 16)
	capabilities := h.regs.Read32(regCapabilities)

	modes := hal.Mode4Bit | hal.ModeAutoCMD12 | hal.ModeHighCapacity
	if capabilities&capability8BitWidth != 0 {
		modes |= hal.Mode8Bit
	}
	if capabilities&capabilityADMA2 != 0 && h.table.Data != nil {
		modes |= hal.ModeADMA2
	}
	if capabilities&capabilitySDMA != 0 {
		modes |= hal.ModeSDMA
	}
	if capabilities&capabilityHighSpeed != 0 {
		modes |= hal.ModeHighSpeed | hal.ModeHighSpeed52MHz
	}
	if h.hostVersion >= hostVersion3 {
		modes |= hal.ModeCMD23
	}

	var voltages hal.VoltageWindow
	if capabilities&capabilityVoltage1V8 != 0 {
		voltages |= hal.VoltageWindow165to195 | hal.VoltageWindow18
	}
	if capabilities&capabilityVoltage3V0 != 0 {
		voltages |= hal.VoltageWindow29to30 | hal.VoltageWindow30to31
	}
	if capabilities&capabilityVoltage3V3 != 0 {
		voltages |= hal.VoltageWindow32to33 | hal.VoltageWindow33to34
	}

	mask := uint32(capabilityBaseClockMask)
	if h.hostVersion >= hostVersion3 {
		mask = capabilityBaseClockMaskV3
	}
	clock := hal.ClockSpeed((capabilities >> capabilityBaseClockShift & mask) *
		1000000)

	h.caps = hal.Capabilities{
		Modes:                modes,
		Voltages:             voltages,
		FundamentalClock:     clock,
		MaxBlocksPerTransfer: hal.MaxBlockCount,
	}
	pkg.LogDebug(pkg.ComponentHAL, "controller capabilities",
		"hostVersion", h.hostVersion,
		"modes", uint32(modes),
		"voltages", uint32(voltages),
		"fundamentalClock", uint32(clock))
}

// selectPowerRail programs the highest supported power rail without
// enabling it.
func (h *Host) selectPowerRail() {
	control := h.regs.Read32(regHostControl) &^ uint32(hostControlPowerMask)
	switch {
	case h.caps.Voltages&(hal.VoltageWindow32to33|hal.VoltageWindow33to34) != 0:
		control |= hostControlPower3V3
	case h.caps.Voltages&(hal.VoltageWindow29to30|hal.VoltageWindow30to31) != 0:
		control |= hostControlPower3V0
	case h.caps.Voltages&(hal.VoltageWindow165to195|hal.VoltageWindow18) != 0:
		control |= hostControlPower1V8
	}
	h.regs.Write32(regHostControl, control)
}

// ResetController performs a soft reset of the selected resources and
// waits for the hardware to report it finished.
func (h *Host) ResetController(ctx context.Context, flags hal.ResetFlag) error {
	var bits uint32
	if flags&hal.ResetAll != 0 {
		bits |= clockControlResetAll
	}
	if flags&hal.ResetCommandLine != 0 {
		bits |= clockControlResetCommandLine
	}
	if flags&hal.ResetDataLine != 0 {
		bits |= clockControlResetDataLine
	}
	value := h.regs.Read32(regClockControl)
	h.regs.Write32(regClockControl, value|bits)

	deadline := h.deadline(controllerTimeoutMS)
	for h.regs.Read32(regClockControl)&bits != 0 {
		if h.time.Ticks() > deadline {
			return pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	h.regs.Write32(regInterruptStatusEnable, 0xFFFFFFFF)
	h.regs.Write32(regInterruptStatus, 0xFFFFFFFF)
	return nil
}

// Capabilities reports the host's fixed capability set.
func (h *Host) Capabilities() hal.Capabilities {
	return h.caps
}

// SetCardModes records the modes negotiated with the card, which select
// the automatic stop strategy and the DMA addressing mode.
func (h *Host) SetCardModes(modes hal.Mode) {
	h.cardModes = modes
}

// SetMediaChangeHandler registers the callback DispatchEvents invokes on
// card insertion or removal.
func (h *Host) SetMediaChangeHandler(fn hal.MediaChangeFunc) {
	h.mediaChange = fn
}

func (h *Host) deadline(milliseconds uint64) uint64 {
	return h.time.Ticks() + h.time.Frequency()*milliseconds/1000
}

// ============================================================================
// Command transport
// ============================================================================

// SendCommand issues one command, polling it (and any attached data
// phase) to completion unless the command is DMA-flagged, in which case
// it returns once the hardware accepts the command.
func (h *Host) SendCommand(ctx context.Context, cmd *hal.Command) error {
	if err := h.waitForInhibit(ctx, cmd); err != nil {
		return err
	}
	h.setDMAInterrupts(cmd.DMA, cmd.Length)
	h.regs.Write32(regInterruptStatus, 0xFFFFFFFF)

	flags := h.commandFlags(cmd)
	h.regs.Write32(regArgument1, cmd.Argument)
	h.regs.Write32(regCommand, uint32(cmd.Index)<<commandIndexShift|flags)

	if cmd.DMA {
		return nil
	}
	if err := h.waitForCommandComplete(ctx, cmd); err != nil {
		return err
	}
	if cmd.Length == 0 {
		return nil
	}
	if cmd.Write {
		return h.writeData(ctx, cmd.Data[:cmd.Length])
	}
	return h.readData(ctx, cmd.Data[:cmd.Length])
}

// waitForInhibit waits for the command (and usually data) inhibit state
// to clear. A stop-transmission command without a busy response must not
// wait on data inhibit, since it is issued precisely to break a wedged
// data phase.
func (h *Host) waitForInhibit(ctx context.Context, cmd *hal.Command) error {
	mask := uint32(presentStateCommandInhibit | presentStateDataInhibit)
	if cmd.Index == hal.CmdStopTransmission &&
		cmd.Response&hal.ResponseBusy == 0 {
		mask = presentStateCommandInhibit
	}
	// The deadline is armed lazily so the common already-idle case costs
	// no time query.
	var deadline uint64
	for h.regs.Read32(regPresentState)&mask != 0 {
		if deadline == 0 {
			deadline = h.deadline(controllerTimeoutMS)
		} else if h.time.Ticks() > deadline {
			return pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// commandFlags computes the command register flags and programs the
// block size/count and auto-stop strategy for an attached data phase.
func (h *Host) commandFlags(cmd *hal.Command) uint32 {
	var flags uint32
	switch {
	case cmd.Response&hal.Response136Bit != 0:
		flags |= commandResponse136
	case cmd.Response&hal.ResponseBusy != 0:
		flags |= commandResponse48Busy
	case cmd.Response&hal.ResponsePresent != 0:
		flags |= commandResponse48
	}
	if cmd.Response&hal.ResponseValidCRC != 0 {
		flags |= commandCRCCheckEnable
	}
	if cmd.Response&hal.ResponseOpcode != 0 {
		flags |= commandIndexCheckEnable
	}
	if cmd.Length == 0 {
		return flags
	}

	flags |= commandDataPresent
	if !cmd.Write {
		flags |= commandTransferRead
	}
	blocks := cmd.Length / hal.BlockSize
	if blocks > 1 {
		flags |= commandMultipleBlocks | commandBlockCountEnable
		// Prefer the CMD23 strategy: no stop command on the wire at all.
		// SDMA transfers cannot use it, since the block count argument
		// register doubles as the SDMA address.
		useCMD23 := h.cardModes&hal.ModeCMD23 != 0 &&
			h.hostVersion >= hostVersion3 &&
			!(cmd.DMA && h.dmaEstablished && !h.adma2)
		if useCMD23 {
			flags |= commandAutoCommand23
			h.regs.Write32(regArgument2, blocks)
		} else {
			flags |= commandAutoCommand12
		}
		h.regs.Write32(regBlockSizeCount,
			hal.BlockSize|blockSizeBoundary512K|blocks<<blockCountShift)
	} else {
		h.regs.Write32(regBlockSizeCount, cmd.Length|blockSizeBoundary512K)
	}
	if cmd.DMA && h.dmaEstablished {
		flags |= commandDMAEnable
	}
	return flags
}

// waitForCommandComplete polls the command phase to completion and
// captures the response words. A command timeout resets only the command
// line, leaving a healthy data phase undisturbed.
func (h *Host) waitForCommandComplete(ctx context.Context, cmd *hal.Command) error {
	var deadline uint64
	for {
		status := h.regs.Read32(regInterruptStatus)
		if status != 0 {
			switch {
			case status&interruptCommandTimeout != 0:
				h.regs.Write32(regInterruptStatus, status)
				if err := h.ResetController(ctx, hal.ResetCommandLine); err != nil {
					return err
				}
				return pkg.ErrTimeout
			case status&interruptErrorSummary != 0:
				h.regs.Write32(regInterruptStatus, status)
				pkg.LogDebug(pkg.ComponentTransport, "command error",
					"index", cmd.Index,
					"status", status)
				return pkg.ErrDeviceIO
			case status&interruptCommandComplete != 0:
				h.regs.Write32(regInterruptStatus, interruptCommandComplete)
				h.readResponse(cmd)
				return nil
			}
		}
		if deadline == 0 {
			deadline = h.deadline(controllerTimeoutMS)
		} else if h.time.Ticks() > deadline {
			return pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// readResponse captures the response registers. 136-bit responses span
// all four registers most significant first; some controllers store them
// left-shifted by a byte, corrected here.
func (h *Host) readResponse(cmd *hal.Command) {
	if cmd.Response&hal.ResponsePresent == 0 {
		return
	}
	if cmd.Response&hal.Response136Bit == 0 {
		cmd.Reply[0] = h.regs.Read32(regResponse10)
		return
	}
	cmd.Reply[0] = h.regs.Read32(regResponse76)
	cmd.Reply[1] = h.regs.Read32(regResponse54)
	cmd.Reply[2] = h.regs.Read32(regResponse32)
	cmd.Reply[3] = h.regs.Read32(regResponse10)
	if h.caps.Modes&hal.ModeResponse136Shifted != 0 {
		for i := 0; i < 3; i++ {
			cmd.Reply[i] = cmd.Reply[i]<<8 | cmd.Reply[i+1]>>24
		}
		cmd.Reply[3] <<= 8
	}
}

// readData shovels a polled read through the buffer data port, one
// buffer-ready chunk at a time. Data errors reset the data line before
// the failure is reported.
func (h *Host) readData(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		status, err := h.waitForDataSignal(ctx)
		if err != nil {
			return err
		}
		if status&interruptBufferReadReady != 0 {
			h.regs.Write32(regInterruptStatus, interruptBufferReadReady)
			chunk := len(data)
			if chunk > hal.BlockSize {
				chunk = hal.BlockSize
			}
			for offset := 0; offset < chunk; offset += 4 {
				binary.LittleEndian.PutUint32(data[offset:],
					h.regs.Read32(regBufferDataPort))
			}
			data = data[chunk:]
		}
	}
	return h.finishDataPhase(ctx)
}

// writeData is the outbound counterpart of readData.
func (h *Host) writeData(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		status, err := h.waitForDataSignal(ctx)
		if err != nil {
			return err
		}
		if status&interruptBufferWriteReady != 0 {
			h.regs.Write32(regInterruptStatus, interruptBufferWriteReady)
			chunk := len(data)
			if chunk > hal.BlockSize {
				chunk = hal.BlockSize
			}
			for offset := 0; offset < chunk; offset += 4 {
				h.regs.Write32(regBufferDataPort,
					binary.LittleEndian.Uint32(data[offset:]))
			}
			data = data[chunk:]
		}
	}
	return h.finishDataPhase(ctx)
}

// waitForDataSignal polls for the next data-phase status bits, handling
// error classification.
func (h *Host) waitForDataSignal(ctx context.Context) (uint32, error) {
	var deadline uint64
	for {
		status := h.regs.Read32(regInterruptStatus)
		if status&interruptDataErrorMask != 0 {
			h.regs.Write32(regInterruptStatus, status)
			pkg.LogDebug(pkg.ComponentTransport, "data error",
				"status", status)
			if err := h.ResetController(ctx, hal.ResetDataLine); err != nil {
				return 0, err
			}
			if status&interruptDataTimeout != 0 &&
				status&(interruptDataCRCError|interruptDataEndBit) == 0 {
				return 0, pkg.ErrTimeout
			}
			return 0, pkg.ErrDeviceIO
		}
		if status&interruptErrorSummary != 0 {
			h.regs.Write32(regInterruptStatus, status)
			return 0, pkg.ErrDeviceIO
		}
		if status&(interruptBufferReadReady|interruptBufferWriteReady|
			interruptTransferComplete) != 0 {
			return status, nil
		}
		if deadline == 0 {
			deadline = h.deadline(controllerTimeoutMS)
		} else if h.time.Ticks() > deadline {
			return 0, pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}

// finishDataPhase waits for transfer-complete and acknowledges the final
// status.
func (h *Host) finishDataPhase(ctx context.Context) error {
	var deadline uint64
	for {
		status := h.regs.Read32(regInterruptStatus)
		if status&interruptDataErrorMask != 0 {
			h.regs.Write32(regInterruptStatus, status)
			if err := h.ResetController(ctx, hal.ResetDataLine); err != nil {
				return err
			}
			return pkg.ErrDeviceIO
		}
		if status&interruptTransferComplete != 0 {
			h.regs.Write32(regInterruptStatus, status)
			return nil
		}
		if deadline == 0 {
			deadline = h.deadline(controllerTimeoutMS)
		} else if h.time.Ticks() > deadline {
			return pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// setDMAInterrupts routes transfer signaling to the interrupt line for
// DMA commands and strips it again for polled ones, writing the signal
// enable register only when the routing actually changes.
func (h *Host) setDMAInterrupts(enable bool, bufferSize uint32) {
	signals := h.enabledSignals
	if enable {
		signals |= interruptErrorMask
		if bufferSize != 0 {
			signals |= interruptTransferComplete
		} else {
			signals |= interruptCommandComplete
		}
	} else {
		signals &^= interruptErrorMask |
			interruptTransferComplete |
			interruptCommandComplete
	}
	if signals != h.enabledSignals {
		h.enabledSignals = signals
		h.regs.Write32(regInterruptSignalEnable, signals)
	}
}

// ============================================================================
// Bus parameters
// ============================================================================

// SetBusWidth programs the host data bus width.
func (h *Host) SetBusWidth(width hal.BusWidth) error {
	control := h.regs.Read32(regHostControl) &^ uint32(hostControlBusWidthMask)
	switch width {
	case hal.BusWidth1:
	case hal.BusWidth4:
		control |= hostControl4BitWidth
	case hal.BusWidth8:
		control |= hostControl8BitWidth
	default:
		return pkg.ErrInvalidParameter
	}
	h.regs.Write32(regHostControl, control)
	return nil
}

// SetClockSpeed programs the highest bus clock not exceeding speed and
// waits for it to stabilize. Version 2 hosts divide by powers of two up
// to 256; version 3 hosts by any even value up to 2046.
func (h *Host) SetClockSpeed(ctx context.Context, speed hal.ClockSpeed) error {
	if speed == hal.ClockInvalid || h.caps.FundamentalClock == 0 {
		return pkg.ErrInvalidParameter
	}
	fundamental := uint32(h.caps.FundamentalClock)
	target := uint32(speed)

	var divisor uint32
	if h.hostVersion >= hostVersion3 {
		if fundamental > target {
			divisor = 2
			for divisor < version3MaximumDivisor &&
				fundamental/divisor > target {
				divisor += 2
			}
		}
		divisor >>= 1
	} else {
		divisor = 1
		result := fundamental
		for divisor < version2MaximumDivisor && result > target {
			divisor <<= 1
			result >>= 1
		}
		divisor >>= 1
	}

	value := uint32(clockControlDefaultTimeout) << clockControlTimeoutShift
	value |= (divisor & clockControlDivisorMask) << clockControlDivisorShift
	value |= (divisor & clockControlDivisorHighMask) >> clockControlDivisorHighShift
	value |= clockControlInternalEnable
	// Written twice; some controllers latch the divisor only on the
	// second write.
	h.regs.Write32(regClockControl, value)
	h.regs.Write32(regClockControl, value)

	deadline := h.deadline(controllerTimeoutMS)
	for h.regs.Read32(regClockControl)&clockControlStable == 0 {
		if h.time.Ticks() > deadline {
			return pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	h.regs.Write32(regClockControl, value|clockControlSDOutputEnable)
	pkg.LogDebug(pkg.ComponentHAL, "clock programmed",
		"target", target,
		"divisor", divisor)
	return nil
}

// Voltage reports the current signaling voltage from the 1.8V enable bit
// and the power rail selection.
func (h *Host) Voltage() (hal.Voltage, error) {
	if h.regs.Read32(regControlStatus2)&controlStatus21V8Enable != 0 {
		return hal.Voltage1V8, nil
	}
	switch h.regs.Read32(regHostControl) & hostControlPowerMask {
	case hostControlPower3V3:
		return hal.Voltage3V3, nil
	case hostControlPower3V0:
		return hal.Voltage3V0, nil
	case hostControlPower1V8:
		return hal.Voltage1V8, nil
	}
	return hal.VoltageOff, nil
}

// SetVoltage switches the bus signaling voltage. The 1.8V path follows
// the full quiesce/settle/verify sequence: the clock stops, the data
// lines must be driven low by the card, the enable bit and power rail
// switch, and after the settle delays the data lines must read all ones
// or the rail reverts to 3.3V and the switch is reported failed.
func (h *Host) SetVoltage(ctx context.Context, v hal.Voltage) error {
	clock := h.regs.Read32(regClockControl)
	h.regs.Write32(regClockControl, clock&^uint32(clockControlSDOutputEnable))

	switch v {
	case hal.Voltage3V3, hal.Voltage3V0:
		status2 := h.regs.Read32(regControlStatus2)
		h.regs.Write32(regControlStatus2,
			status2&^uint32(controlStatus21V8Enable))
		h.settle(settleLongSpins)
		h.regs.Write32(regClockControl, clock)
		return nil

	case hal.Voltage1V8:
		lines := h.regs.Read32(regPresentState) & presentStateDataLineLevel
		if lines != 0 {
			h.regs.Write32(regClockControl, clock)
			return pkg.ErrDeviceIO
		}
		if h.hostVersion >= hostVersion3 {
			status2 := h.regs.Read32(regControlStatus2)
			h.regs.Write32(regControlStatus2,
				status2|controlStatus21V8Enable)
		}
		control := h.regs.Read32(regHostControl) &^ uint32(hostControlPowerMask)
		h.regs.Write32(regHostControl, control|hostControlPower1V8)
		h.settle(settleLongSpins)
		h.regs.Write32(regClockControl, clock)
		h.settle(settleShortSpins)

		lines = h.regs.Read32(regPresentState) & presentStateDataLineLevel
		if lines != presentStateDataLineLevel {
			control = h.regs.Read32(regHostControl) &^ uint32(hostControlPowerMask)
			h.regs.Write32(regHostControl, control|hostControlPower3V3)
			pkg.LogWarn(pkg.ComponentHAL, "1.8V switch rejected by card",
				"dataLines", lines>>presentStateDataLineShift)
			return pkg.ErrDeviceIO
		}
		return nil

	default:
		return pkg.ErrInvalidParameter
	}
}

// settle burns time with harmless register reads, for delays during
// voltage switching where the tick source may not be trustworthy.
func (h *Host) settle(spins int) {
	for i := 0; i < spins; i++ {
		_ = h.regs.Read32(regPresentState)
	}
}

// ============================================================================
// Transfer quiesce and slot status
// ============================================================================

// StopDataTransfer requests a stop at the next block gap and waits for
// transfer-complete, leaving the data path idle.
func (h *Host) StopDataTransfer(ctx context.Context) {
	h.setDMAInterrupts(false, 0)
	h.regs.Write32(regInterruptStatus, 0xFFFFFFFF)

	control := h.regs.Read32(regHostControl)
	h.regs.Write32(regHostControl, control|hostControlStopAtBlockGap)

	deadline := h.deadline(controllerTimeoutMS)
	for h.regs.Read32(regInterruptStatus)&interruptTransferComplete == 0 {
		if h.time.Ticks() > deadline || ctx.Err() != nil {
			pkg.LogWarn(pkg.ComponentHAL, "transfer failed to quiesce")
			break
		}
	}
	h.regs.Write32(regHostControl, control&^uint32(hostControlStopAtBlockGap))
	h.regs.Write32(regInterruptStatus, 0xFFFFFFFF)
}

// CardDetect reports whether a card is physically present in the slot.
func (h *Host) CardDetect() (bool, error) {
	return h.regs.Read32(regPresentState)&presentStateCardInserted != 0, nil
}

// WriteProtect reports the slot's write-protect pin. The pin reads low
// when the card is protected.
func (h *Host) WriteProtect() (bool, error) {
	return h.regs.Read32(regPresentState)&presentStateWriteProtect == 0, nil
}

// ============================================================================
// Interrupt service and dispatch
// ============================================================================

// InterruptService coalesces newly latched status into the pending mask.
// Call from interrupt context. Returns whether the interrupt was claimed.
func (h *Host) InterruptService() bool {
	status := h.regs.Read32(regInterruptStatus)
	masked := status & h.enabledSignals
	if masked == 0 {
		return false
	}
	h.regs.Write32(regInterruptStatus, masked)
	for {
		old := h.pendingBits.Load()
		if h.pendingBits.CompareAndSwap(old, old|masked) {
			return true
		}
	}
}

// DispatchEvents consumes the pending mask: transfer events resolve the
// in-flight DMA completion exactly once, then media-change events reach
// the registered handler. Call from a safe, non-interrupt priority.
func (h *Host) DispatchEvents() {
	bits := h.pendingBits.Swap(0)
	if bits == 0 {
		return
	}

	if completion := h.ioCompletion; completion != nil {
		var resolved bool
		var err error
		bytes := h.ioRequestBytes
		switch {
		case bits&interruptErrorMask != 0:
			pkg.LogWarn(pkg.ComponentHAL, "DMA error interrupt",
				"status", bits)
			resolved, err, bytes = true, pkg.ErrDeviceIO, 0
		case bits&interruptTransferComplete != 0:
			resolved = true
		}
		if resolved {
			h.ioCompletion = nil
			h.ioRequestBytes = 0
			completion(bytes, err)
		}
	}

	removed := bits&interruptCardRemoval != 0
	inserted := bits&interruptCardInsertion != 0
	if (removed || inserted) && h.mediaChange != nil {
		h.mediaChange(removed, inserted)
	}
}
