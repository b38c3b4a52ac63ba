package stdhost

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// InitializeDMA selects and establishes the best available DMA engine:
// ADMA2 descriptor chains when the capability and a descriptor table are
// present, otherwise SDMA single-region programming.
func (h *Host) InitializeDMA() error {
	switch {
	case h.caps.Modes&hal.ModeADMA2 != 0:
		for i := range h.table.Data {
			h.table.Data[i] = 0
		}
		control := h.regs.Read32(regHostControl) &^ uint32(hostControlDMAModeMask)
		control |= hostControlDMA32BitADMA2
		h.regs.Write32(regHostControl, control)
		if h.regs.Read32(regHostControl)&hostControlDMAModeMask !=
			hostControlDMA32BitADMA2 {
			return pkg.ErrDeviceIO
		}
		h.adma2 = true

	case h.caps.Modes&hal.ModeSDMA != 0:
		control := h.regs.Read32(regHostControl) &^ uint32(hostControlDMAModeMask)
		h.regs.Write32(regHostControl, control)
		h.adma2 = false

	default:
		return pkg.ErrNotSupported
	}
	h.dmaEstablished = true
	pkg.LogDebug(pkg.ComponentHAL, "DMA engine established",
		"adma2", h.adma2)
	return nil
}

// BlockIODMA begins one asynchronous transfer round. The round may cover
// fewer blocks than requested when the descriptor table or the SDMA
// boundary limits it; the completion reports the bytes this round
// actually moved and the caller chains the remainder.
func (h *Host) BlockIODMA(blockOffset uint64, blockCount uint32, buf *hal.IOBuffer, bufOffset int, write bool, completion hal.CompletionFunc) {
	if !h.dmaEstablished {
		completion(0, pkg.ErrNotSupported)
		return
	}
	requested := int(blockCount) * hal.BlockSize

	var bytes int
	var err error
	if h.adma2 {
		bytes, err = h.buildDescriptorTable(buf, bufOffset, requested)
	} else {
		bytes, err = h.programSDMARegion(buf, bufOffset, requested)
	}
	if err != nil {
		completion(0, err)
		return
	}
	blocks := uint32(bytes / hal.BlockSize)

	cmd := hal.Command{
		Response: hal.ResponseR1,
		Argument: h.dmaBlockArgument(blockOffset),
		Length:   uint32(bytes),
		Write:    write,
		DMA:      true,
	}
	switch {
	case write && blocks > 1:
		cmd.Index = hal.CmdWriteMultipleBlocks
	case write:
		cmd.Index = hal.CmdWriteSingleBlock
	case blocks > 1:
		cmd.Index = hal.CmdReadMultipleBlocks
	default:
		cmd.Index = hal.CmdReadSingleBlock
	}

	// The completion must be registered before the hardware can finish,
	// and torn down again if the command never gets off the ground.
	h.ioCompletion = completion
	h.ioRequestBytes = bytes
	if err := h.SendCommand(context.Background(), &cmd); err != nil {
		h.ioCompletion = nil
		h.ioRequestBytes = 0
		completion(0, err)
	}
}

// dmaBlockArgument converts a block offset to the command argument for
// the negotiated addressing mode.
func (h *Host) dmaBlockArgument(blockOffset uint64) uint32 {
	if h.cardModes&hal.ModeHighCapacity != 0 {
		return uint32(blockOffset)
	}
	return uint32(blockOffset * hal.BlockSize)
}

// buildDescriptorTable fills the ADMA2 table with one descriptor per
// contiguous run, clamped to the per-descriptor maximum, stopping when
// the byte count is satisfied or the table is full. The final descriptor
// is marked chain-terminal and interrupt-generating, and a barrier
// orders the table against the address handoff.
func (h *Host) buildDescriptorTable(buf *hal.IOBuffer, bufOffset, byteCount int) (int, error) {
	index, within := buf.Seek(bufOffset)
	capacity := len(h.table.Data) / adma2DescriptorSize

	var total int
	var entries int
	for total < byteCount && entries < capacity {
		if index >= len(buf.Fragments) {
			return 0, pkg.ErrBufferTooSmall
		}
		fragment := &buf.Fragments[index]
		size := len(fragment.Data) - within
		if size > byteCount-total {
			size = byteCount - total
		}
		if size > adma2MaxTransferSize {
			size = adma2MaxTransferSize
		}
		address := fragment.Physical + uint64(within)
		if address > 0xFFFFFFFF-uint64(size) {
			return 0, pkg.ErrNotSupported
		}

		offset := entries * adma2DescriptorSize
		attributes := uint32(adma2Valid | adma2ActionTransfer)
		attributes |= uint32(size) << adma2LengthShift
		binary.LittleEndian.PutUint32(h.table.Data[offset:], attributes)
		binary.LittleEndian.PutUint32(h.table.Data[offset+4:], uint32(address))

		total += size
		entries++
		within += size
		if within >= len(fragment.Data) {
			index++
			within = 0
		}
	}
	if entries == 0 {
		return 0, pkg.ErrInvalidParameter
	}

	// Close the chain on the last descriptor written.
	offset := (entries - 1) * adma2DescriptorSize
	attributes := binary.LittleEndian.Uint32(h.table.Data[offset:])
	attributes |= adma2End | adma2Interrupt
	binary.LittleEndian.PutUint32(h.table.Data[offset:], attributes)

	h.regs.Barrier()
	h.regs.Write32(regADMAAddressLow, uint32(h.table.Physical))
	return total, nil
}

// programSDMARegion programs one physical region, clamped to the
// fragment, the request, and the hardware's 512K auto-advance boundary.
func (h *Host) programSDMARegion(buf *hal.IOBuffer, bufOffset, byteCount int) (int, error) {
	index, within := buf.Seek(bufOffset)
	if index >= len(buf.Fragments) {
		return 0, pkg.ErrBufferTooSmall
	}
	fragment := &buf.Fragments[index]
	address := fragment.Physical + uint64(within)
	if address > 0xFFFFFFFF {
		return 0, pkg.ErrNotSupported
	}

	size := len(fragment.Data) - within
	if size > byteCount {
		size = byteCount
	}
	boundary := (address + sdmaBoundarySize) &^ uint64(sdmaBoundarySize-1)
	if limit := int(boundary - address); size > limit {
		size = limit
	}
	size &^= hal.BlockSize - 1
	if size == 0 {
		return 0, pkg.ErrInvalidParameter
	}

	h.regs.Barrier()
	h.regs.Write32(regSDMAAddress, uint32(address))
	return size, nil
}
