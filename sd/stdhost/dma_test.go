package stdhost

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

func descriptor(t *testing.T, table []byte, index int) (attributes, address uint32) {
	t.Helper()
	offset := index * adma2DescriptorSize
	return binary.LittleEndian.Uint32(table[offset:]),
		binary.LittleEndian.Uint32(table[offset+4:])
}

func TestInitializeDMAADMA2(t *testing.T) {
	table := make([]byte, 256)
	for i := range table {
		table[i] = 0xFF
	}
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, table)

	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}
	if !h.adma2 || !h.dmaEstablished {
		t.Errorf("adma2, established = %v, %v, want true, true", h.adma2, h.dmaEstablished)
	}
	for i, b := range table {
		if b != 0 {
			t.Fatalf("table[%d] = %#x after initialization, want 0", i, b)
		}
	}
	control := regs.lastWrite(t, regHostControl)
	if control&hostControlDMAModeMask != hostControlDMA32BitADMA2 {
		t.Errorf("DMA mode bits = %#x, want %#x",
			control&hostControlDMAModeMask, uint32(hostControlDMA32BitADMA2))
	}
}

func TestInitializeDMAADMA2Rejected(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, make([]byte, 256))

	// The mode bits refuse to stick.
	regs.onRead[regHostControl] = func() uint32 {
		return regs.mem[regHostControl] &^ uint32(hostControlDMAModeMask)
	}
	if err := h.InitializeDMA(); !errors.Is(err, pkg.ErrDeviceIO) {
		t.Errorf("InitializeDMA() error = %v, want %v", err, pkg.ErrDeviceIO)
	}
	if h.dmaEstablished {
		t.Error("DMA established despite rejected mode")
	}
}

func TestInitializeDMASDMAFallback(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3,
		capabilitySDMA|capabilityVoltage3V3|100<<capabilityBaseClockShift, nil)

	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}
	if h.adma2 {
		t.Error("ADMA2 selected without a descriptor table")
	}
	if !h.dmaEstablished {
		t.Error("DMA not established")
	}
	if regs.lastWrite(t, regHostControl)&hostControlDMAModeMask != 0 {
		t.Error("DMA mode bits not cleared for SDMA")
	}
}

func TestInitializeDMAUnsupported(t *testing.T) {
	h, _ := newTestHost(t, hostVersion2,
		capabilityVoltage3V3|50<<capabilityBaseClockShift, nil)
	if err := h.InitializeDMA(); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("InitializeDMA() error = %v, want %v", err, pkg.ErrNotSupported)
	}
}

func TestBuildDescriptorTableClampsLargeFragment(t *testing.T) {
	table := make([]byte, 256)
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, table)
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}

	// A 64K contiguous run exceeds the per-descriptor maximum and splits
	// into a full-size descriptor plus the remainder.
	buf := hal.NewIOBuffer(make([]byte, 0x10000), 0x10000000)
	total, err := h.buildDescriptorTable(buf, 0, 0x10000)
	if err != nil {
		t.Fatalf("buildDescriptorTable() error = %v", err)
	}
	if total != 0x10000 {
		t.Errorf("total = %#x, want 0x10000", total)
	}

	attributes, address := descriptor(t, table, 0)
	if address != 0x10000000 {
		t.Errorf("descriptor 0 address = %#x, want 0x10000000", address)
	}
	if got := attributes >> adma2LengthShift; got != adma2MaxTransferSize {
		t.Errorf("descriptor 0 length = %#x, want %#x",
			got, uint32(adma2MaxTransferSize))
	}
	if attributes&(adma2End|adma2Interrupt) != 0 {
		t.Error("descriptor 0 marked terminal")
	}
	if attributes&(adma2Valid|adma2ActionTransfer) != adma2Valid|adma2ActionTransfer {
		t.Errorf("descriptor 0 attributes = %#x", attributes)
	}

	attributes, address = descriptor(t, table, 1)
	if address != 0x10000000+adma2MaxTransferSize {
		t.Errorf("descriptor 1 address = %#x", address)
	}
	if got := attributes >> adma2LengthShift; got != 0x1000 {
		t.Errorf("descriptor 1 length = %#x, want 0x1000", got)
	}
	if attributes&(adma2End|adma2Interrupt) != adma2End|adma2Interrupt {
		t.Error("descriptor 1 not marked terminal")
	}

	if got := regs.lastWrite(t, regADMAAddressLow); got != uint32(h.table.Physical) {
		t.Errorf("table address = %#x, want %#x", got, uint32(h.table.Physical))
	}
	if regs.barriers == 0 {
		t.Error("no barrier before the table handoff")
	}
}

func TestBuildDescriptorTableScatterGather(t *testing.T) {
	table := make([]byte, 256)
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, table)
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}

	buf := &hal.IOBuffer{Fragments: []hal.Fragment{
		{Data: make([]byte, 512), Physical: 0x1000},
		{Data: make([]byte, 1024), Physical: 0x8000},
		{Data: make([]byte, 512), Physical: 0x3000},
	}}
	total, err := h.buildDescriptorTable(buf, 0, 2048)
	if err != nil {
		t.Fatalf("buildDescriptorTable() error = %v", err)
	}
	if total != 2048 {
		t.Errorf("total = %d, want 2048", total)
	}

	want := []struct {
		address uint32
		length  uint32
	}{
		{0x1000, 512},
		{0x8000, 1024},
		{0x3000, 512},
	}
	for i, w := range want {
		attributes, address := descriptor(t, table, i)
		if address != w.address {
			t.Errorf("descriptor %d address = %#x, want %#x", i, address, w.address)
		}
		if got := attributes >> adma2LengthShift; got != w.length {
			t.Errorf("descriptor %d length = %d, want %d", i, got, w.length)
		}
		terminal := attributes&(adma2End|adma2Interrupt) != 0
		if terminal != (i == len(want)-1) {
			t.Errorf("descriptor %d terminal = %v", i, terminal)
		}
	}
}

func TestBuildDescriptorTableOffsetIntoFragment(t *testing.T) {
	table := make([]byte, 256)
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, table)
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}

	buf := hal.NewIOBuffer(make([]byte, 2048), 0x2000)
	total, err := h.buildDescriptorTable(buf, 512, 1024)
	if err != nil {
		t.Fatalf("buildDescriptorTable() error = %v", err)
	}
	if total != 1024 {
		t.Errorf("total = %d, want 1024", total)
	}
	_, address := descriptor(t, table, 0)
	if address != 0x2000+512 {
		t.Errorf("descriptor address = %#x, want %#x", address, 0x2000+512)
	}
}

func TestBuildDescriptorTablePartialWhenFull(t *testing.T) {
	// Room for exactly two descriptors: the round is clamped, not failed.
	table := make([]byte, 2*adma2DescriptorSize)
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, table)
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}

	buf := &hal.IOBuffer{Fragments: []hal.Fragment{
		{Data: make([]byte, 512), Physical: 0x1000},
		{Data: make([]byte, 512), Physical: 0x2000},
		{Data: make([]byte, 512), Physical: 0x3000},
	}}
	total, err := h.buildDescriptorTable(buf, 0, 1536)
	if err != nil {
		t.Fatalf("buildDescriptorTable() error = %v", err)
	}
	if total != 1024 {
		t.Errorf("total = %d, want 1024", total)
	}
	attributes, _ := descriptor(t, table, 1)
	if attributes&(adma2End|adma2Interrupt) != adma2End|adma2Interrupt {
		t.Error("clamped chain not terminated on the last descriptor")
	}
}

func TestBuildDescriptorTableErrors(t *testing.T) {
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, make([]byte, 256))
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}

	buf := hal.NewIOBuffer(make([]byte, 512), 0x1000)
	if _, err := h.buildDescriptorTable(buf, 0, 1024); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("short buffer error = %v, want %v", err, pkg.ErrBufferTooSmall)
	}
	if _, err := h.buildDescriptorTable(buf, 0, 0); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("empty request error = %v, want %v", err, pkg.ErrInvalidParameter)
	}

	high := hal.NewIOBuffer(make([]byte, 512), 0xFFFFFF00)
	if _, err := h.buildDescriptorTable(high, 0, 512); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("high address error = %v, want %v", err, pkg.ErrNotSupported)
	}
}

func TestProgramSDMARegion(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3,
		capabilitySDMA|capabilityVoltage3V3|100<<capabilityBaseClockShift, nil)
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}

	buf := hal.NewIOBuffer(make([]byte, 4096), 0x20000000)
	size, err := h.programSDMARegion(buf, 0, 2048)
	if err != nil {
		t.Fatalf("programSDMARegion() error = %v", err)
	}
	if size != 2048 {
		t.Errorf("size = %d, want 2048", size)
	}
	if got := regs.lastWrite(t, regSDMAAddress); got != 0x20000000 {
		t.Errorf("SDMA address = %#x, want 0x20000000", got)
	}
	if regs.barriers == 0 {
		t.Error("no barrier before the address write")
	}
}

func TestProgramSDMARegionBoundaryClamp(t *testing.T) {
	h, _ := newTestHost(t, hostVersion3,
		capabilitySDMA|capabilityVoltage3V3|100<<capabilityBaseClockShift, nil)
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}

	// 512 bytes shy of the 512K auto-advance boundary.
	buf := hal.NewIOBuffer(make([]byte, 4096), 0x7FE00)
	size, err := h.programSDMARegion(buf, 0, 4096)
	if err != nil {
		t.Fatalf("programSDMARegion() error = %v", err)
	}
	if size != 512 {
		t.Errorf("size = %d, want 512", size)
	}

	// An unaligned fragment tail is trimmed to whole blocks.
	odd := hal.NewIOBuffer(make([]byte, 1000), 0x10000)
	size, err = h.programSDMARegion(odd, 0, 1024)
	if err != nil {
		t.Fatalf("programSDMARegion() error = %v", err)
	}
	if size != 512 {
		t.Errorf("trimmed size = %d, want 512", size)
	}

	// Less than one block of usable space is an unusable region.
	tiny := hal.NewIOBuffer(make([]byte, 256), 0x10000)
	if _, err := h.programSDMARegion(tiny, 0, 256); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("tiny region error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
}

func TestBlockIODMAIssuesCommand(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, make([]byte, 256))
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}
	h.SetCardModes(hal.ModeCMD23 | hal.ModeHighCapacity)

	var calls, gotBytes int
	var gotErr error
	buf := hal.NewIOBuffer(make([]byte, 2048), 0x10000)
	h.BlockIODMA(100, 4, buf, 0, false, func(bytes int, err error) {
		calls++
		gotBytes, gotErr = bytes, err
	})
	if calls != 0 {
		t.Fatalf("completion ran before the interrupt, err = %v", gotErr)
	}

	command := regs.lastWrite(t, regCommand)
	if got := command >> commandIndexShift; got != uint32(hal.CmdReadMultipleBlocks) {
		t.Errorf("command index = %d, want %d", got, hal.CmdReadMultipleBlocks)
	}
	for _, bit := range []uint32{
		commandDMAEnable, commandTransferRead,
		commandMultipleBlocks, commandBlockCountEnable,
	} {
		if command&bit == 0 {
			t.Errorf("command flag %#x not set", bit)
		}
	}
	if command&commandAutoCommand23 != commandAutoCommand23 {
		t.Error("auto-CMD23 not selected for an ADMA2 transfer")
	}
	if got := regs.lastWrite(t, regArgument1); got != 100 {
		t.Errorf("block argument = %d, want 100", got)
	}

	// Transfer-complete fires; service and dispatch resolve the round.
	regs.mem[regInterruptStatus] = interruptTransferComplete
	if !h.InterruptService() {
		t.Fatal("InterruptService() did not claim transfer-complete")
	}
	h.DispatchEvents()
	if calls != 1 {
		t.Fatalf("completion calls = %d, want 1", calls)
	}
	if gotErr != nil || gotBytes != 2048 {
		t.Errorf("completion = (%d, %v), want (2048, nil)", gotBytes, gotErr)
	}
}

func TestBlockIODMAByteAddressing(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, make([]byte, 256))
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}
	h.SetCardModes(0) // Standard capacity: byte-addressed commands.

	buf := hal.NewIOBuffer(make([]byte, 512), 0x10000)
	h.BlockIODMA(100, 1, buf, 0, true, func(int, error) {})

	if got := regs.lastWrite(t, regArgument1); got != 100*hal.BlockSize {
		t.Errorf("byte argument = %d, want %d", got, 100*hal.BlockSize)
	}
	command := regs.lastWrite(t, regCommand)
	if got := command >> commandIndexShift; got != uint32(hal.CmdWriteSingleBlock) {
		t.Errorf("command index = %d, want %d", got, hal.CmdWriteSingleBlock)
	}
	if command&commandTransferRead != 0 {
		t.Error("read direction set for a write")
	}
}

func TestBlockIODMASendFailure(t *testing.T) {
	h, regs := newTestHost(t, hostVersion3, fullCapabilities, make([]byte, 256))
	if err := h.InitializeDMA(); err != nil {
		t.Fatalf("InitializeDMA() error = %v", err)
	}

	// The bus never goes idle, so the command cannot be issued.
	regs.mem[regPresentState] = presentStateCommandInhibit

	var gotErr error
	var calls int
	buf := hal.NewIOBuffer(make([]byte, 512), 0x10000)
	h.BlockIODMA(0, 1, buf, 0, false, func(bytes int, err error) {
		calls++
		gotErr = err
	})
	if calls != 1 || !errors.Is(gotErr, pkg.ErrTimeout) {
		t.Fatalf("completion = (%d calls, %v), want (1, %v)", calls, gotErr, pkg.ErrTimeout)
	}
	if h.ioCompletion != nil {
		t.Error("completion not torn down after a failed issue")
	}
}

func TestBlockIODMAWithoutEstablishedEngine(t *testing.T) {
	h, _ := newTestHost(t, hostVersion3, fullCapabilities, make([]byte, 256))

	var gotErr error
	buf := hal.NewIOBuffer(make([]byte, 512), 0x10000)
	h.BlockIODMA(0, 1, buf, 0, false, func(bytes int, err error) {
		gotErr = err
	})
	if !errors.Is(gotErr, pkg.ErrNotSupported) {
		t.Errorf("completion error = %v, want %v", gotErr, pkg.ErrNotSupported)
	}
}

func BenchmarkBuildDescriptorTable(b *testing.B) {
	regs := newMockRegs()
	regs.mem[regSlotStatusVersion] = hostVersion3 << 16
	regs.mem[regCapabilities] = fullCapabilities
	h, err := New(Config{
		Registers:       regs,
		Time:            &testClock{},
		DescriptorTable: hal.Fragment{Data: make([]byte, 512), Physical: 0x80000000},
	})
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	if err := h.InitializeController(context.Background(), hal.PhaseCapabilities); err != nil {
		b.Fatalf("InitializeController() error = %v", err)
	}
	if err := h.InitializeDMA(); err != nil {
		b.Fatalf("InitializeDMA() error = %v", err)
	}

	fragments := make([]hal.Fragment, 8)
	for i := range fragments {
		fragments[i] = hal.Fragment{
			Data:     make([]byte, 4096),
			Physical: uint64(0x10000000 + i*0x10000),
		}
	}
	buf := &hal.IOBuffer{Fragments: fragments}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := h.buildDescriptorTable(buf, 0, 8*4096); err != nil {
			b.Fatal(err)
		}
	}
}
