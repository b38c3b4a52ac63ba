package sd

import (
	"context"
	"errors"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// BlockIOPolled performs synchronous block I/O through the CPU copy
// path, iterating the buffer's scatter/gather fragments from its current
// offset. It returns the number of blocks completed, which is smaller
// than blockCount when a run fails partway; the bus is put through error
// recovery before the failure is surfaced.
func (c *Controller) BlockIOPolled(ctx context.Context, blockOffset uint64, blockCount uint32, buf *hal.IOBuffer, write bool) (uint32, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.blockIOPolled(ctx, blockOffset, blockCount, buf, write, true)
}

// BlockIOPolledUnlocked is the crash-dump variant of BlockIOPolled: it
// skips the controller lock, for contexts where other execution may be
// frozen while holding it, and does not attempt error recovery.
func (c *Controller) BlockIOPolledUnlocked(ctx context.Context, blockOffset uint64, blockCount uint32, buf *hal.IOBuffer, write bool) (uint32, error) {
	return c.blockIOPolled(ctx, blockOffset, blockCount, buf, write, false)
}

func (c *Controller) blockIOPolled(ctx context.Context, blockOffset uint64, blockCount uint32, buf *hal.IOBuffer, write bool, recoverBus bool) (uint32, error) {
	if err := c.validateTransfer(blockOffset, blockCount, buf); err != nil {
		return 0, err
	}

	blockLength := uint64(c.readBlockLength)
	index, within := buf.Seek(0)
	var completed uint32
	for completed < blockCount {
		if index >= len(buf.Fragments) {
			return completed, pkg.ErrBufferTooSmall
		}
		fragment := buf.Fragments[index].Data[within:]
		if uint64(len(fragment))%blockLength != 0 {
			return completed, pkg.ErrBufferAlignment
		}
		run := uint32(uint64(len(fragment)) / blockLength)
		if remaining := blockCount - completed; run > remaining {
			run = remaining
		}
		if run > c.maxBlocksPerTransfer {
			run = c.maxBlocksPerTransfer
		}
		err := c.readWriteBlocksPolled(ctx, blockOffset+uint64(completed), run,
			fragment[:uint64(run)*blockLength], write)
		if err != nil {
			pkg.LogWarn(pkg.ComponentController, "polled I/O failed",
				"offset", blockOffset+uint64(completed),
				"blocks", run,
				"write", write,
				"completed", completed,
				"status", pkg.StatusOf(err),
				"error", err)
			if recoverBus {
				if rerr := c.errorRecovery(ctx); errors.Is(rerr, pkg.ErrMediaChanged) {
					err = rerr
				}
			}
			return completed, err
		}
		completed += run
		within += int(uint64(run) * blockLength)
		if within >= len(buf.Fragments[index].Data) {
			index++
			within = 0
		}
	}
	return completed, nil
}

// validateTransfer checks the media state and the request bounds. The
// engine never issues a command whose address range exceeds the
// negotiated capacity.
func (c *Controller) validateTransfer(blockOffset uint64, blockCount uint32, buf *hal.IOBuffer) error {
	if c.flags.has(FlagMediaChanged) {
		return pkg.ErrMediaChanged
	}
	if !c.flags.has(FlagMediaPresent) {
		return pkg.ErrNoMedia
	}
	if blockCount == 0 || blockOffset+uint64(blockCount) > c.blockCount {
		return pkg.ErrInvalidParameter
	}
	needed := uint64(blockCount) * uint64(c.readBlockLength)
	if uint64(buf.Length()-buf.Offset()) < needed {
		return pkg.ErrBufferTooSmall
	}
	return nil
}

// readWriteBlocksPolled issues one read or write command with an
// attached polled data phase. Multi-block transfers without hardware
// auto-stop are followed by an explicit stop command.
func (c *Controller) readWriteBlocksPolled(ctx context.Context, blockOffset uint64, blocks uint32, data []byte, write bool) error {
	cmd := hal.Command{
		Response: hal.ResponseR1,
		Argument: c.blockArgument(blockOffset),
		Data:     data,
		Length:   uint32(len(data)),
		Write:    write,
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
	if err := c.sendCommand(ctx, &cmd); err != nil {
		return err
	}
	if blocks > 1 && c.caps.Modes&hal.ModeAutoCMD12 == 0 {
		return c.sendStop(ctx, true)
	}
	return nil
}

// blockArgument converts a block offset to the command argument for the
// card's addressing mode.
func (c *Controller) blockArgument(blockOffset uint64) uint32 {
	if c.flags.has(FlagHighCapacity) {
		return uint32(blockOffset)
	}
	return uint32(blockOffset * uint64(c.readBlockLength))
}

// sendStop issues STOP_TRANSMISSION. The busy response shape is used
// after writes, where the card signals programming on the data line.
func (c *Controller) sendStop(ctx context.Context, useR1b bool) error {
	response := hal.ResponseR1
	if useR1b {
		response = hal.ResponseR1B
	}
	cmd := hal.Command{
		Index:    hal.CmdStopTransmission,
		Response: response,
	}
	return c.sendCommand(ctx, &cmd)
}

// Stop issues a standalone STOP_TRANSMISSION, selecting the busy
// response shape when useR1b is set.
func (c *Controller) Stop(ctx context.Context, useR1b bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sendStop(ctx, useR1b)
}

// sendBlockCount pre-arms the next multi-block transfer with CMD23.
// Cards without SET_BLOCK_COUNT support report pkg.ErrNotSupported.
func (c *Controller) sendBlockCount(ctx context.Context, blocks uint32) error {
	if c.cardModes&hal.ModeCMD23 == 0 {
		return pkg.ErrNotSupported
	}
	cmd := hal.Command{
		Index:    hal.CmdSetBlockCount,
		Response: hal.ResponseR1,
		Argument: blocks & hal.MaxBlockCount,
	}
	return c.sendCommand(ctx, &cmd)
}

// SendBlockCount pre-arms the next multi-block transfer with CMD23,
// reporting pkg.ErrNotSupported for cards without it.
func (c *Controller) SendBlockCount(ctx context.Context, blocks uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sendBlockCount(ctx, blocks)
}

// Erase discards the given block range and waits for the card to finish
// programming.
func (c *Controller) Erase(ctx context.Context, blockOffset uint64, blockCount uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.flags.has(FlagMediaChanged) {
		return pkg.ErrMediaChanged
	}
	if !c.flags.has(FlagMediaPresent) {
		return pkg.ErrNoMedia
	}
	if blockCount == 0 || blockOffset+uint64(blockCount) > c.blockCount {
		return pkg.ErrInvalidParameter
	}

	start := hal.Command{
		Index:    hal.CmdEraseGroupStart,
		Response: hal.ResponseR1,
		Argument: c.blockArgument(blockOffset),
	}
	if err := c.sendCommand(ctx, &start); err != nil {
		return err
	}
	end := hal.Command{
		Index:    hal.CmdEraseGroupEnd,
		Response: hal.ResponseR1,
		Argument: c.blockArgument(blockOffset + uint64(blockCount) - 1),
	}
	if err := c.sendCommand(ctx, &end); err != nil {
		return err
	}
	erase := hal.Command{
		Index:    hal.CmdErase,
		Response: hal.ResponseR1B,
	}
	if err := c.sendCommand(ctx, &erase); err != nil {
		return err
	}
	return c.waitForStateTransition(ctx)
}
