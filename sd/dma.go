package sd

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// dmaState is the bookkeeping for one in-flight DMA request chain. It is
// written by the issuer before the first round and then only from the
// completion path, which is the sole context permitted to start the next
// round; the done marker enforces the exactly-once completion guarantee
// across those contexts.
type dmaState struct {
	blockOffset uint64
	blockCount  uint32
	completed   uint32 // Blocks finished across all rounds
	bytes       int    // Bytes finished across all rounds
	buf         *hal.IOBuffer
	bufOffset   int
	write       bool
	completion  hal.CompletionFunc
	done        uint32
}

// InitializeDMA establishes the host's DMA engine for block I/O. It
// requires initialized media and a host with hardware auto-stop, since
// the asynchronous path has no safe point for an explicit stop command.
func (c *Controller) InitializeDMA(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.initializeDMA()
}

func (c *Controller) initializeDMA() error {
	if !c.flags.has(FlagMediaPresent) {
		return pkg.ErrNoMedia
	}
	dmaHost, ok := c.host.(hal.DMAHost)
	if !ok {
		return pkg.ErrNotSupported
	}
	if c.caps.Modes&hal.ModeAutoCMD12 == 0 {
		pkg.LogWarn(pkg.ComponentDMA, "host lacks automatic stop, DMA unavailable")
		return pkg.ErrNotSupported
	}
	if err := dmaHost.InitializeDMA(); err != nil {
		return err
	}
	c.dmaHost = dmaHost
	c.flags.set(FlagDMAEnabled)
	pkg.LogDebug(pkg.ComponentDMA, "DMA enabled")
	return nil
}

// BlockIODMA begins an asynchronous block transfer. The completion
// callback is invoked exactly once, either synchronously on validation
// failure or from completion-dispatch context, with the total bytes
// moved and the final outcome. Transfers larger than the host's
// per-round limit are driven by chained rounds issued from the
// completion path; the caller observes a single completion.
//
// The caller must not issue another transfer, DMA or polled, until the
// completion fires.
func (c *Controller) BlockIODMA(blockOffset uint64, blockCount uint32, buf *hal.IOBuffer, bufOffset int, write bool, completion hal.CompletionFunc) {
	if err := c.validateTransfer(blockOffset, blockCount, buf); err != nil {
		completion(0, err)
		return
	}
	if !c.flags.has(FlagDMAEnabled) || c.dmaHost == nil {
		completion(0, pkg.ErrNotSupported)
		return
	}
	c.dma = dmaState{
		blockOffset: blockOffset,
		blockCount:  blockCount,
		buf:         buf,
		bufOffset:   bufOffset,
		write:       write,
		completion:  completion,
	}
	c.issueDMARound()
}

// issueDMARound starts the next hardware round for the in-flight chain.
func (c *Controller) issueDMARound() {
	remaining := c.dma.blockCount - c.dma.completed
	if remaining > c.maxBlocksPerTransfer {
		remaining = c.maxBlocksPerTransfer
	}
	c.dmaHost.BlockIODMA(
		c.dma.blockOffset+uint64(c.dma.completed),
		remaining,
		c.dma.buf,
		c.dma.bufOffset+c.dma.bytes,
		c.dma.write,
		c.dmaRoundComplete,
	)
}

// dmaRoundComplete advances the chain by one hardware round. A partial
// round is legal; zero progress without an error is not, since it would
// chain forever.
func (c *Controller) dmaRoundComplete(bytesTransferred int, err error) {
	if bytesTransferred > 0 {
		blockLength := uint64(c.readBlockLength)
		c.dma.bytes += bytesTransferred
		c.dma.completed += uint32(uint64(bytesTransferred) / blockLength)
	}
	switch {
	case err != nil:
		c.finishDMA(err)
	case c.dma.completed >= c.dma.blockCount:
		c.finishDMA(nil)
	case bytesTransferred == 0:
		c.finishDMA(pkg.ErrDeviceIO)
	default:
		c.issueDMARound()
	}
}

// finishDMA delivers the chain's single completion. A transport failure
// puts the bus through error recovery first so the caller finds it in a
// known-good state; a media change discovered during recovery supersedes
// the transport error.
func (c *Controller) finishDMA(err error) {
	if !atomic.CompareAndSwapUint32(&c.dma.done, 0, 1) {
		return
	}
	if err != nil &&
		!errors.Is(err, pkg.ErrNoMedia) && !errors.Is(err, pkg.ErrMediaChanged) {
		pkg.LogWarn(pkg.ComponentDMA, "DMA transfer failed",
			"offset", c.dma.blockOffset,
			"blocks", c.dma.blockCount,
			"completed", c.dma.completed,
			"status", pkg.StatusOf(err),
			"error", err)
		if rerr := c.errorRecovery(context.Background()); errors.Is(rerr, pkg.ErrMediaChanged) {
			err = rerr
		}
	}
	completion := c.dma.completion
	c.dma.completion = nil
	completion(c.dma.bytes, err)
}
