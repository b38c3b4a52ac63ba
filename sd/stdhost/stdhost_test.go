package stdhost

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// testClock is a tick source that jumps forward on every query, so
// register poll deadlines elapse without real time passing.
type testClock struct {
	now uint64
}

func (c *testClock) Ticks() uint64 {
	c.now += 100
	return c.now
}

func (c *testClock) HardwareTicks() uint64 {
	return c.Ticks()
}

func (c *testClock) Frequency() uint64 {
	return 1000000
}

type regWrite struct {
	offset uint32
	value  uint32
}

// mockRegs is a scripted register space. Reads consult a per-offset
// queue first, then a per-offset hook, then backing memory; writes are
// recorded in order. Interrupt status writes clear bits, matching the
// hardware's write-one-to-clear behavior. Soft-reset bits self-clear and
// the clock always reads stable, modeling instant hardware.
type mockRegs struct {
	mem      map[uint32]uint32
	queue    map[uint32][]uint32
	onRead   map[uint32]func() uint32
	writes   []regWrite
	barriers int
}

func newMockRegs() *mockRegs {
	m := &mockRegs{
		mem:    make(map[uint32]uint32),
		queue:  make(map[uint32][]uint32),
		onRead: make(map[uint32]func() uint32),
	}
	m.onRead[regClockControl] = func() uint32 {
		return m.mem[regClockControl]&^uint32(clockControlResetAll|
			clockControlResetCommandLine|
			clockControlResetDataLine) | clockControlStable
	}
	return m
}

func (m *mockRegs) Read32(offset uint32) uint32 {
	if q := m.queue[offset]; len(q) > 0 {
		m.queue[offset] = q[1:]
		return q[0]
	}
	if fn := m.onRead[offset]; fn != nil {
		return fn()
	}
	return m.mem[offset]
}

func (m *mockRegs) Write32(offset uint32, value uint32) {
	m.writes = append(m.writes, regWrite{offset, value})
	if offset == regInterruptStatus {
		m.mem[offset] &^= value
		return
	}
	m.mem[offset] = value
}

func (m *mockRegs) Barrier() {
	m.barriers++
}

func (m *mockRegs) push(offset uint32, values ...uint32) {
	m.queue[offset] = append(m.queue[offset], values...)
}

func (m *mockRegs) writesTo(offset uint32) []uint32 {
	var values []uint32
	for _, w := range m.writes {
		if w.offset == offset {
			values = append(values, w.value)
		}
	}
	return values
}

func (m *mockRegs) lastWrite(t *testing.T, offset uint32) uint32 {
	t.Helper()
	values := m.writesTo(offset)
	if len(values) == 0 {
		t.Fatalf("no writes to register %#x", offset)
	}
	return values[len(values)-1]
}

// newTestHost creates a host over a mock register space advertising the
// given controller version and capability bits, with capability
// discovery already run.
func newTestHost(t *testing.T, version uint32, capabilities uint32, table []byte) (*Host, *mockRegs) {
	t.Helper()
	regs := newMockRegs()
	regs.mem[regSlotStatusVersion] = version << 16
	regs.mem[regCapabilities] = capabilities

	cfg := Config{Registers: regs, Time: &testClock{}}
	if table != nil {
		cfg.DescriptorTable = hal.Fragment{Data: table, Physical: 0x80000000}
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := h.InitializeController(context.Background(), hal.PhaseCapabilities); err != nil {
		t.Fatalf("InitializeController(capabilities) error = %v", err)
	}
	return h, regs
}

// fullCapabilities advertises every optional feature with a 100 MHz base
// clock (the version 3 field layout).
const fullCapabilities = capability8BitWidth | capabilityADMA2 |
	capabilitySDMA | capabilityHighSpeed |
	capabilityVoltage3V3 | capabilityVoltage1V8 |
	100<<capabilityBaseClockShift

func TestReadCapabilities(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, make([]byte, 256))

	caps := h.Capabilities()
	for _, mode := range []hal.Mode{
		hal.Mode4Bit, hal.Mode8Bit, hal.ModeADMA2, hal.ModeSDMA,
		hal.ModeHighSpeed, hal.ModeHighSpeed52MHz,
		hal.ModeAutoCMD12, hal.ModeCMD23, hal.ModeHighCapacity,
	} {
		if caps.Modes&mode == 0 {
			t.Errorf("mode %#x not advertised", uint32(mode))
		}
	}
	if caps.Voltages&hal.VoltageWindow33to34 == 0 {
		t.Error("3.3V window not advertised")
	}
	if caps.Voltages&hal.VoltageWindow18 == 0 {
		t.Error("1.8V window not advertised")
	}
	if caps.FundamentalClock != 100000000 {
		t.Errorf("fundamental clock = %d, want 100000000", caps.FundamentalClock)
	}

	// The highest supported rail is selected but not yet enabled.
	control := regs.lastWrite(t, regHostControl)
	if control&hostControlPowerMask != hostControlPower3V3 {
		t.Errorf("power rail = %#x, want %#x",
			control&hostControlPowerMask, uint32(hostControlPower3V3))
	}
	if control&hostControlPowerEnable != 0 {
		t.Error("power enabled during capability phase")
	}
}

func TestReadCapabilitiesVersion2(t *testing.T) {
	// Version 2 hosts use the narrow base clock field and lack CMD23.
	h, _ := newTestHost(t, hostVersion2,
		capabilityVoltage3V3|50<<capabilityBaseClockShift, nil)

	caps := h.Capabilities()
	if caps.Modes&hal.ModeCMD23 != 0 {
		t.Error("CMD23 advertised on a version 2 host")
	}
	if caps.Modes&hal.ModeADMA2 != 0 {
		t.Error("ADMA2 advertised without a descriptor table")
	}
	if caps.FundamentalClock != 50000000 {
		t.Errorf("fundamental clock = %d, want 50000000", caps.FundamentalClock)
	}
}

func TestInitializeControllerEnablePhase(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	if err := h.InitializeController(context.Background(), hal.PhaseEnable); err != nil {
		t.Fatalf("InitializeController(enable) error = %v", err)
	}
	if regs.lastWrite(t, regHostControl)&hostControlPowerEnable == 0 {
		t.Error("power not enabled")
	}
	if got := regs.lastWrite(t, regInterruptStatusEnable); got != statusEnableDefaultMask {
		t.Errorf("status enable = %#x, want %#x", got, uint32(statusEnableDefaultMask))
	}
	if got := regs.lastWrite(t, regInterruptSignalEnable); got != signalEnableDefaultMask {
		t.Errorf("signal enable = %#x, want %#x", got, uint32(signalEnableDefaultMask))
	}
}

func TestResetController(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	err := h.ResetController(context.Background(),
		hal.ResetCommandLine|hal.ResetDataLine)
	if err != nil {
		t.Fatalf("ResetController() error = %v", err)
	}
	var found bool
	for _, value := range regs.writesTo(regClockControl) {
		if value&(clockControlResetCommandLine|clockControlResetDataLine) ==
			clockControlResetCommandLine|clockControlResetDataLine {
			found = true
		}
	}
	if !found {
		t.Error("reset bits never written to the clock control register")
	}
}

func TestSetClockSpeedVersion3(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	// 100 MHz base to 25 MHz target: linear divisor 4, encoded as 2.
	if err := h.SetClockSpeed(context.Background(), hal.Clock25MHz); err != nil {
		t.Fatalf("SetClockSpeed() error = %v", err)
	}
	value := regs.lastWrite(t, regClockControl)
	if value&clockControlSDOutputEnable == 0 {
		t.Error("SD clock output not enabled")
	}
	if got := value >> clockControlDivisorShift & clockControlDivisorMask; got != 2 {
		t.Errorf("divisor field = %d, want 2", got)
	}
	if got := value >> clockControlTimeoutShift & 0xF; got != clockControlDefaultTimeout {
		t.Errorf("timeout field = %d, want %d", got, uint32(clockControlDefaultTimeout))
	}

	// The divisor is written twice before the stability poll.
	var programmed int
	for _, v := range regs.writesTo(regClockControl) {
		if v&clockControlInternalEnable != 0 && v&clockControlSDOutputEnable == 0 {
			programmed++
		}
	}
	if programmed < 2 {
		t.Errorf("divisor programmed %d times before enable, want 2", programmed)
	}
}

func TestSetClockSpeedVersion2(t *testing.T) {
	// 50 MHz base to 400 kHz target: the smallest power-of-two divisor
	// not exceeding the target is 128, encoded as 64.
	h, regs := newTestHost(t, hostVersion2,
		capabilityVoltage3V3|50<<capabilityBaseClockShift, nil)

	if err := h.SetClockSpeed(context.Background(), hal.Clock400kHz); err != nil {
		t.Fatalf("SetClockSpeed() error = %v", err)
	}
	value := regs.lastWrite(t, regClockControl)
	if got := value >> clockControlDivisorShift & clockControlDivisorMask; got != 64 {
		t.Errorf("divisor field = %d, want 64", got)
	}
}

func TestSetClockSpeedInvalid(t *testing.T) {
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, nil)
	if err := h.SetClockSpeed(context.Background(), hal.ClockInvalid); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
}

func TestSendCommandResponse48(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	regs.push(regInterruptStatus, interruptCommandComplete)
	regs.mem[regResponse10] = 0xCAFEBABE

	cmd := hal.Command{
		Index:    hal.CmdSendStatus,
		Response: hal.ResponseR1,
		Argument: 0x00010000,
	}
	if err := h.SendCommand(context.Background(), &cmd); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if cmd.Reply[0] != 0xCAFEBABE {
		t.Errorf("Reply[0] = %#x, want 0xCAFEBABE", cmd.Reply[0])
	}
	if got := regs.lastWrite(t, regArgument1); got != 0x00010000 {
		t.Errorf("argument = %#x, want 0x00010000", got)
	}
	command := regs.lastWrite(t, regCommand)
	if got := command >> commandIndexShift; got != uint32(hal.CmdSendStatus) {
		t.Errorf("command index = %d, want %d", got, hal.CmdSendStatus)
	}
	wantFlags := uint32(commandResponse48 | commandCRCCheckEnable |
		commandIndexCheckEnable)
	if command&0xFFFFFF != wantFlags {
		t.Errorf("command flags = %#x, want %#x", command&0xFFFFFF, wantFlags)
	}
}

func TestSendCommandResponse136(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	regs.push(regInterruptStatus, interruptCommandComplete)
	regs.mem[regResponse76] = 0x11111111
	regs.mem[regResponse54] = 0x22222222
	regs.mem[regResponse32] = 0x33333333
	regs.mem[regResponse10] = 0x44444444

	cmd := hal.Command{Index: hal.CmdSendCSD, Response: hal.ResponseR2}
	if err := h.SendCommand(context.Background(), &cmd); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	want := [4]uint32{0x11111111, 0x22222222, 0x33333333, 0x44444444}
	if cmd.Reply != want {
		t.Errorf("Reply = %#x, want %#x", cmd.Reply, want)
	}
}

func TestSendCommandResponse136Shifted(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	h.caps.Modes |= hal.ModeResponse136Shifted
	regs.push(regInterruptStatus, interruptCommandComplete)
	// The controller stores the response right-shifted by one byte.
	regs.mem[regResponse76] = 0x00112233
	regs.mem[regResponse54] = 0x44556677
	regs.mem[regResponse32] = 0x8899AABB
	regs.mem[regResponse10] = 0xCCDDEEFF

	cmd := hal.Command{Index: hal.CmdSendCSD, Response: hal.ResponseR2}
	if err := h.SendCommand(context.Background(), &cmd); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	want := [4]uint32{0x11223344, 0x55667788, 0x99AABBCC, 0xDDEEFF00}
	if cmd.Reply != want {
		t.Errorf("Reply = %#x, want %#x", cmd.Reply, want)
	}
}

func TestSendCommandTimeout(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	regs.push(regInterruptStatus, interruptCommandTimeout)

	cmd := hal.Command{Index: hal.CmdSendStatus, Response: hal.ResponseR1}
	if err := h.SendCommand(context.Background(), &cmd); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("SendCommand() error = %v, want %v", err, pkg.ErrTimeout)
	}

	// The command line was reset; the data line was left alone.
	var commandReset, dataReset bool
	for _, value := range regs.writesTo(regClockControl) {
		if value&clockControlResetCommandLine != 0 {
			commandReset = true
		}
		if value&clockControlResetDataLine != 0 {
			dataReset = true
		}
	}
	if !commandReset {
		t.Error("command line not reset after command timeout")
	}
	if dataReset {
		t.Error("data line reset by a command-only timeout")
	}
}

func TestSendCommandPolledRead(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	regs.push(regInterruptStatus,
		interruptCommandComplete,
		interruptBufferReadReady,
		interruptTransferComplete)

	var word uint32
	regs.onRead[regBufferDataPort] = func() uint32 {
		word++
		return word
	}

	data := make([]byte, hal.BlockSize)
	cmd := hal.Command{
		Index:    hal.CmdReadSingleBlock,
		Response: hal.ResponseR1,
		Data:     data,
		Length:   hal.BlockSize,
	}
	if err := h.SendCommand(context.Background(), &cmd); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	// First word 1, little-endian.
	if data[0] != 1 || data[1] != 0 {
		t.Errorf("data[0:2] = %v, want [1 0]", data[0:2])
	}
	if data[hal.BlockSize-4] != hal.BlockSize/4 {
		t.Errorf("last word = %d, want %d", data[hal.BlockSize-4], hal.BlockSize/4)
	}
	if got := regs.lastWrite(t, regBlockSizeCount); got != hal.BlockSize|blockSizeBoundary512K {
		t.Errorf("block size/count = %#x, want %#x",
			got, uint32(hal.BlockSize|blockSizeBoundary512K))
	}
}

func TestSendCommandDataCRCError(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	regs.push(regInterruptStatus,
		interruptCommandComplete,
		interruptErrorSummary|interruptDataCRCError)

	data := make([]byte, hal.BlockSize)
	cmd := hal.Command{
		Index:    hal.CmdReadSingleBlock,
		Response: hal.ResponseR1,
		Data:     data,
		Length:   hal.BlockSize,
	}
	if err := h.SendCommand(context.Background(), &cmd); !errors.Is(err, pkg.ErrDeviceIO) {
		t.Fatalf("SendCommand() error = %v, want %v", err, pkg.ErrDeviceIO)
	}

	// A data error resets the data line before the failure surfaces.
	var dataReset bool
	for _, value := range regs.writesTo(regClockControl) {
		if value&clockControlResetDataLine != 0 {
			dataReset = true
		}
	}
	if !dataReset {
		t.Error("data line not reset after data CRC error")
	}
}

func TestSendCommandDataTimeout(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	regs.push(regInterruptStatus,
		interruptCommandComplete,
		interruptErrorSummary|interruptDataTimeout)

	data := make([]byte, hal.BlockSize)
	cmd := hal.Command{
		Index:    hal.CmdReadSingleBlock,
		Response: hal.ResponseR1,
		Data:     data,
		Length:   hal.BlockSize,
	}
	// A pure timeout, with no CRC or framing damage, stays a timeout.
	if err := h.SendCommand(context.Background(), &cmd); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("SendCommand() error = %v, want %v", err, pkg.ErrTimeout)
	}
}

func TestStopCommandSkipsDataInhibit(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	// The data line is permanently wedged.
	regs.mem[regPresentState] = presentStateDataInhibit
	regs.push(regInterruptStatus, interruptCommandComplete)

	stop := hal.Command{Index: hal.CmdStopTransmission, Response: hal.ResponseR1}
	if err := h.SendCommand(context.Background(), &stop); err != nil {
		t.Fatalf("stop command error = %v", err)
	}

	// Any other command must wait for the inhibit and time out.
	status := hal.Command{Index: hal.CmdSendStatus, Response: hal.ResponseR1}
	if err := h.SendCommand(context.Background(), &status); !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("inhibited command error = %v, want %v", err, pkg.ErrTimeout)
	}

	// A stop with a busy response waits like any other command.
	busyStop := hal.Command{Index: hal.CmdStopTransmission, Response: hal.ResponseR1B}
	if err := h.SendCommand(context.Background(), &busyStop); !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("busy stop error = %v, want %v", err, pkg.ErrTimeout)
	}
}

func TestCommandFlagsAutoStop(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	h.SetCardModes(hal.ModeCMD23 | hal.ModeHighCapacity)

	cmd := hal.Command{
		Index:    hal.CmdReadMultipleBlocks,
		Response: hal.ResponseR1,
		Length:   4 * hal.BlockSize,
	}
	flags := h.commandFlags(&cmd)
	if flags&commandAutoCommand23 != commandAutoCommand23 {
		t.Error("auto-CMD23 not selected for a CMD23-capable card")
	}
	if got := regs.lastWrite(t, regArgument2); got != 4 {
		t.Errorf("block count argument = %d, want 4", got)
	}
	want := uint32(hal.BlockSize | blockSizeBoundary512K | 4<<blockCountShift)
	if got := regs.lastWrite(t, regBlockSizeCount); got != want {
		t.Errorf("block size/count = %#x, want %#x", got, want)
	}

	// Without card-side CMD23 the transfer falls back to auto-CMD12.
	h.SetCardModes(hal.ModeHighCapacity)
	flags = h.commandFlags(&cmd)
	if flags&commandAutoCommand23 == commandAutoCommand23 {
		t.Error("auto-CMD23 selected without card support")
	}
	if flags&commandAutoCommand12 == 0 {
		t.Error("auto-CMD12 not selected as fallback")
	}
}

func TestCommandFlagsSDMAAvoidsCMD23(t *testing.T) {
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, nil)
	h.SetCardModes(hal.ModeCMD23)
	h.dmaEstablished = true
	h.adma2 = false

	// SDMA needs the Argument2 register for its address, so the block
	// count strategy must not claim it.
	cmd := hal.Command{
		Index:    hal.CmdReadMultipleBlocks,
		Response: hal.ResponseR1,
		Length:   4 * hal.BlockSize,
		DMA:      true,
	}
	flags := h.commandFlags(&cmd)
	if flags&commandAutoCommand23 == commandAutoCommand23 {
		t.Error("auto-CMD23 selected for an SDMA transfer")
	}
}

func TestSetBusWidth(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	if err := h.SetBusWidth(hal.BusWidth4); err != nil {
		t.Fatalf("SetBusWidth(4) error = %v", err)
	}
	if regs.lastWrite(t, regHostControl)&hostControl4BitWidth == 0 {
		t.Error("4-bit width not set")
	}
	if err := h.SetBusWidth(hal.BusWidth1); err != nil {
		t.Fatalf("SetBusWidth(1) error = %v", err)
	}
	if regs.lastWrite(t, regHostControl)&hostControlBusWidthMask != 0 {
		t.Error("width bits not cleared for 1-bit mode")
	}
	if err := h.SetBusWidth(hal.BusWidth(3)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("invalid width error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
}

func TestSetVoltage1V8(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	// The card drives the data lines low before the switch and releases
	// them once 1.8V signaling is up.
	regs.onRead[regPresentState] = func() uint32 {
		if regs.mem[regControlStatus2]&controlStatus21V8Enable != 0 {
			return presentStateDataLineLevel
		}
		return 0
	}
	if err := h.SetVoltage(context.Background(), hal.Voltage1V8); err != nil {
		t.Fatalf("SetVoltage(1.8V) error = %v", err)
	}
	if regs.mem[regControlStatus2]&controlStatus21V8Enable == 0 {
		t.Error("1.8V enable bit not set")
	}
	if regs.lastWrite(t, regHostControl)&hostControlPowerMask != hostControlPower1V8 {
		t.Error("1.8V power rail not selected")
	}
	if v, _ := h.Voltage(); v != hal.Voltage1V8 {
		t.Errorf("Voltage() = %v, want %v", v, hal.Voltage1V8)
	}
}

func TestSetVoltage1V8Rejected(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	// The data lines never rise: the card refused the switch.
	regs.onRead[regPresentState] = func() uint32 { return 0 }
	if err := h.SetVoltage(context.Background(), hal.Voltage1V8); !errors.Is(err, pkg.ErrDeviceIO) {
		t.Fatalf("SetVoltage(1.8V) error = %v, want %v", err, pkg.ErrDeviceIO)
	}
	if regs.lastWrite(t, regHostControl)&hostControlPowerMask != hostControlPower3V3 {
		t.Error("power rail not reverted to 3.3V after rejected switch")
	}
}

func TestSetVoltage1V8RequiresIdleDataLines(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	// Lines still high: the card never acknowledged CMD11.
	regs.mem[regPresentState] = presentStateDataLineLevel
	if err := h.SetVoltage(context.Background(), hal.Voltage1V8); !errors.Is(err, pkg.ErrDeviceIO) {
		t.Errorf("SetVoltage(1.8V) error = %v, want %v", err, pkg.ErrDeviceIO)
	}
}

func TestStopDataTransfer(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	regs.push(regInterruptStatus, interruptTransferComplete)

	h.StopDataTransfer(context.Background())

	writes := regs.writesTo(regHostControl)
	var set, cleared bool
	for _, value := range writes {
		if value&hostControlStopAtBlockGap != 0 {
			set = true
		} else if set {
			cleared = true
		}
	}
	if !set || !cleared {
		t.Error("stop-at-block-gap not pulsed")
	}
}

func TestCardDetectAndWriteProtect(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)

	regs.mem[regPresentState] = presentStateCardInserted | presentStateWriteProtect
	if present, _ := h.CardDetect(); !present {
		t.Error("CardDetect() = false with card-inserted bit set")
	}
	if protected, _ := h.WriteProtect(); protected {
		t.Error("WriteProtect() = true with pin high")
	}

	regs.mem[regPresentState] = 0
	if present, _ := h.CardDetect(); present {
		t.Error("CardDetect() = true with empty slot")
	}
	if protected, _ := h.WriteProtect(); !protected {
		t.Error("WriteProtect() = false with pin low")
	}
}

func TestInterruptServiceAndDispatch(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, nil)
	h.enabledSignals = signalEnableDefaultMask

	var removed, inserted bool
	h.SetMediaChangeHandler(func(r, i bool) {
		removed, inserted = r, i
	})

	// An unclaimed interrupt leaves no pending work.
	if h.InterruptService() {
		t.Error("InterruptService() = true with no status")
	}

	regs.mem[regInterruptStatus] = interruptCardInsertion
	if !h.InterruptService() {
		t.Error("InterruptService() = false with insertion latched")
	}
	if regs.mem[regInterruptStatus]&interruptCardInsertion != 0 {
		t.Error("insertion status not acknowledged")
	}

	h.DispatchEvents()
	if !inserted || removed {
		t.Errorf("media change = (%v, %v), want (false, true)", removed, inserted)
	}

	// Nothing pending: dispatch is a no-op.
	inserted = false
	h.DispatchEvents()
	if inserted {
		t.Error("insertion delivered twice")
	}
}

func TestDispatchResolvesDMACompletionOnce(t *testing.T) {
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, nil)

	var calls, gotBytes int
	var gotErr error
	h.ioCompletion = func(bytes int, err error) {
		calls++
		gotBytes = bytes
		gotErr = err
	}
	h.ioRequestBytes = 4096

	h.pendingBits.Store(interruptTransferComplete)
	h.DispatchEvents()
	if calls != 1 {
		t.Fatalf("completion calls = %d, want 1", calls)
	}
	if gotErr != nil || gotBytes != 4096 {
		t.Errorf("completion = (%d, %v), want (4096, nil)", gotBytes, gotErr)
	}

	// A stale transfer-complete after resolution is ignored.
	h.pendingBits.Store(interruptTransferComplete)
	h.DispatchEvents()
	if calls != 1 {
		t.Errorf("completion calls = %d after stale event, want 1", calls)
	}
}

func TestDispatchResolvesDMAError(t *testing.T) {
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, nil)

	var gotBytes int
	var gotErr error
	h.ioCompletion = func(bytes int, err error) {
		gotBytes = bytes
		gotErr = err
	}
	h.ioRequestBytes = 4096

	h.pendingBits.Store(interruptDataCRCError)
	h.DispatchEvents()
	if !errors.Is(gotErr, pkg.ErrDeviceIO) {
		t.Errorf("completion error = %v, want %v", gotErr, pkg.ErrDeviceIO)
	}
	if gotBytes != 0 {
		t.Errorf("completion bytes = %d, want 0", gotBytes)
	}
}

func TestNewRequiresRegistersAndTime(t *testing.T) {
	if _, err := New(Config{Time: &testClock{}}); !errors.Is(err, pkg.ErrInvalidConfiguration) {
		t.Errorf("New() without registers error = %v, want %v", err, pkg.ErrInvalidConfiguration)
	}
	if _, err := New(Config{Registers: newMockRegs()}); !errors.Is(err, pkg.ErrInvalidConfiguration) {
		t.Errorf("New() without time error = %v, want %v", err, pkg.ErrInvalidConfiguration)
	}
}
