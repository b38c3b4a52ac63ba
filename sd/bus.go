package sd

import (
	"context"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// setBusParameters applies the controller's target bus width and clock
// speed to the card and the host, in that order. The card must be told
// about a width change before the host register is reprogrammed or the
// next command is framed on lines the card is not driving.
//
// The function is idempotent: a target equal to the currently applied
// state issues no card-side switch command.
func (c *Controller) setBusParameters(ctx context.Context) error {
	if c.busWidth != c.appliedWidth {
		// No card is addressed before version negotiation; the host-side
		// width still needs programming for the identification phase.
		if c.version != VersionInvalid {
			if err := c.setCardBusWidth(ctx, c.busWidth); err != nil {
				return err
			}
		}
		if err := c.host.SetBusWidth(c.busWidth); err != nil {
			return err
		}
		c.appliedWidth = c.busWidth
	}
	if c.clockSpeed != c.appliedClock {
		if err := c.host.SetClockSpeed(ctx, c.clockSpeed); err != nil {
			return err
		}
		c.appliedClock = c.clockSpeed
		pkg.LogDebug(pkg.ComponentBus, "bus parameters applied",
			"width", int(c.busWidth),
			"clock", uint32(c.clockSpeed))
	}
	return nil
}

// setCardBusWidth issues the card-side width switch: ACMD6 for SD, an
// extended CSD byte write for MMC.
func (c *Controller) setCardBusWidth(ctx context.Context, width hal.BusWidth) error {
	if c.version.IsSD() {
		var value uint32
		switch width {
		case hal.BusWidth1:
			value = 0
		case hal.BusWidth4:
			value = 2
		default:
			return pkg.ErrInvalidParameter
		}
		if err := c.appCommand(ctx); err != nil {
			return err
		}
		cmd := hal.Command{
			Index:    hal.AppCmdSetBusWidth,
			Response: hal.ResponseR1,
			Argument: value,
		}
		return c.sendCommand(ctx, &cmd)
	}
	var value uint32
	switch width {
	case hal.BusWidth1:
		value = extCSDBusWidth1
	case hal.BusWidth4:
		value = extCSDBusWidth4
	case hal.BusWidth8:
		value = extCSDBusWidth8
	default:
		return pkg.ErrInvalidParameter
	}
	return c.mmcSwitch(ctx, extCSDBusWidth, value)
}

// mmcSwitch writes one extended CSD byte via CMD6 and waits for the card
// to leave the program state.
func (c *Controller) mmcSwitch(ctx context.Context, index, value uint32) error {
	cmd := hal.Command{
		Index:    hal.CmdSwitch,
		Response: hal.ResponseR1B,
		Argument: mmcSwitchModeWriteByte<<mmcSwitchModeShift |
			index<<mmcSwitchIndexShift |
			value<<mmcSwitchValueShift,
	}
	if err := c.sendCommand(ctx, &cmd); err != nil {
		return err
	}
	return c.waitForStateTransition(ctx)
}

// sdSwitch issues the SD switch-function command (CMD6) for function
// group 1 and fills status with the 64-byte switch status block.
func (c *Controller) sdSwitch(ctx context.Context, mode, value uint32, status []byte) error {
	cmd := hal.Command{
		Index:    hal.CmdSwitch,
		Response: hal.ResponseR1,
		Argument: mode<<31 | 0x00FFFFFF&^0xF | value,
		Data:     status,
		Length:   uint32(len(status)),
	}
	return c.sendCommand(ctx, &cmd)
}
