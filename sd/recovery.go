package sd

import (
	"context"
	"errors"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// AbortTransaction forcibly quiesces the bus: stop-transmission, command
// and data line resets, then a card status poll until the card reports
// ready for data in the transfer state. Use the R1b response shape when
// aborting a write, where the card holds the data line busy while
// programming.
//
// An illegal-command status bit is tolerated, not escalated: the abort
// may race a card that already finished on its own, and a stop sent
// outside a transfer raises exactly this bit. Any other
// card error status is logged and the poll continues. The wait is
// bounded by the status timeout, or ends early with pkg.ErrNoMedia if
// the media-present flag clears concurrently.
func (c *Controller) AbortTransaction(ctx context.Context, useR1b bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.abort(ctx, useR1b)
}

// SynchronousAbort first asks the hardware to stop at a block gap and
// waits for the transfer to drain before running the abort sequence.
// Used when the hardware must be fully quiesced before being touched
// further, as in crash-dump paths.
func (c *Controller) SynchronousAbort(ctx context.Context, useR1b bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.host.StopDataTransfer(ctx)
	return c.abort(ctx, useR1b)
}

func (c *Controller) abort(ctx context.Context, useR1b bool) error {
	if err := c.sendStop(ctx, useR1b); err != nil {
		pkg.LogDebug(pkg.ComponentRecovery, "stop command failed during abort",
			"error", err)
	}
	deadline := c.queryTime() + c.time.Frequency()*statusTimeoutSeconds
	for {
		if !c.flags.has(FlagMediaPresent) {
			return pkg.ErrNoMedia
		}
		resetErr := c.host.ResetController(ctx,
			hal.ResetCommandLine|hal.ResetDataLine)
		if resetErr != nil {
			return resetErr
		}
		status, err := c.getCardStatus(ctx)
		if err == nil {
			if status&statusReadyForData != 0 &&
				status&statusCurrentState == statusStateTransfer {
				return nil
			}
			if bits := status & statusErrorMask &^ statusIllegalCommand; bits != 0 {
				pkg.LogWarn(pkg.ComponentRecovery, "card error status during abort",
					"status", status)
			}
		}
		if err := c.sendStop(ctx, useR1b); err != nil {
			pkg.LogDebug(pkg.ComponentRecovery, "stop command failed during abort",
				"error", err)
		}
		if c.queryTime() > deadline {
			return pkg.ErrTimeout
		}
		if err := c.delay(ctx, cardDelayMicroseconds); err != nil {
			return err
		}
	}
}

// ErrorRecovery restores the bus to a known-good state after an I/O
// failure: abort, then a full card re-initialization without a hard
// controller reset. The CSD read back is compared against the one
// captured before recovery; a mismatch means the media was actually
// replaced, which latches the media-changed flag, fires the media-change
// notification, and reports pkg.ErrMediaChanged even though the
// re-initialization itself succeeded.
func (c *Controller) ErrorRecovery(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.errorRecovery(ctx)
}

func (c *Controller) errorRecovery(ctx context.Context) error {
	c.recoveryCount++
	pkg.LogInfo(pkg.ComponentRecovery, "error recovery",
		"count", c.recoveryCount)

	if err := c.abort(ctx, false); err != nil {
		pkg.LogWarn(pkg.ComponentRecovery, "abort failed during recovery",
			"error", err)
		if errors.Is(err, pkg.ErrNoMedia) {
			return err
		}
	}

	snapshot := c.csd
	c.flags.clear(FlagMediaPresent)
	if err := c.initialize(ctx, false); err != nil {
		return err
	}
	if snapshot != c.csd {
		pkg.LogInfo(pkg.ComponentRecovery, "media changed during recovery")
		c.flags.set(FlagMediaChanged)
		c.mediaChanged(true, true)
		return pkg.ErrMediaChanged
	}
	return nil
}
