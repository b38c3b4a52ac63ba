// Package sim implements a software HAL backed by an in-memory simulated
// SD or MMC card.
//
// This HAL is primarily intended for testing and examples. It emulates
// enough of the card command set for the protocol core to run its full
// initialization sequence and move data, without hardware:
//
//   - Reset, interface condition, and operating condition negotiation,
//     including a configurable number of power-up busy iterations
//   - Identification (CID, relative address, CSD) with a synthesized CSD
//     matching the configured capacity in both standard and
//     high-capacity layouts
//   - SCR readout and the CMD6 high-speed function handshake
//   - An MMC mode (Config.MMC) speaking the CMD1 operating-condition
//     loop, extended CSD reads, and the SWITCH write-byte command for
//     high speed, erase-group definition, and the bus-width probe
//   - Polled and DMA block reads, writes, and erases against a byte
//     slice backing store
//
// # Media Events
//
// [Host.Insert] and [Host.Remove] simulate card hot-plug, firing the
// registered media-change handler the way a slot interrupt would. Tests
// drive removal mid-transfer to exercise the core's recovery paths.
//
// # Fault Injection
//
// Setting [Host.FailNextData] makes the next data-phase command fail
// with the given error and then clears itself, simulating a transient
// transfer fault. [Host.Corrupt] flips the bytes of one block behind the
// protocol's back, and [Host.CommandLog] records wire traffic for
// assertions.
//
// # Usage
//
//	host := sim.New(sim.Config{BlockCount: 8192, HighCapacity: true})
//	ctrl, _ := sd.New(sd.Config{Host: host, Time: sim.NewClock()})
//	err := ctrl.InitializeController(ctx, true)
//
// Per-round DMA byte caps (Config.MaxRoundBytes) force large transfers
// to span multiple completion rounds, exercising the core's chaining
// logic.
package sim
