// Package hal defines the Hardware Abstraction Layer interface for SD/MMC
// host controllers.
//
// The HAL provides a platform-agnostic boundary between the protocol core
// and the underlying host-controller hardware. Platform vendors implement
// this interface to enable the softsd stack on their specific controller.
//
// # Design Principles
//
// The HAL is designed to be:
//   - Minimal: Only expose operations essential for SD/MMC bus control
//   - Generic: No platform-specific assumptions or details
//   - Flexible: Adaptable to register-level and software-simulated hosts
//
// The core implements all card protocol logic (initialization sequencing,
// CSD/EXT_CSD parsing, retry policy, error recovery), leaving the HAL to
// handle command issuance, bus parameter programming, and resets.
//
// # Interface Overview
//
// The [Host] interface defines the per-controller contract:
//   - Phased controller initialization and soft reset
//   - Single command/response exchange with optional polled data phase
//   - Bus width, clock speed, and signaling voltage programming
//   - Card-detect, write-protect, and media-change event delivery
//
// Hosts with a DMA engine additionally implement [DMAHost], whose block
// I/O entry point is asynchronous with an exactly-once completion
// callback.
//
// Supporting types describe the wire contract: [Command] with its
// [Response] shape flags, the [IOBuffer] scatter/gather description, and
// the [TimeSource] and [RegisterSpace] primitives register-level hosts are
// built on.
//
// # Implementing a HAL
//
// To implement a HAL for a new platform:
//  1. Create a type that implements all [Host] methods
//  2. Gather capabilities in InitializeController(PhaseCapabilities)
//  3. Implement SendCommand with the bounded-wait discipline: every poll
//     loop must carry a deadline from the TimeSource
//  4. Deliver media-change events through the registered handler
//
// A software HAL with an in-memory card, suitable for tests and examples,
// is available in [github.com/ardnew/softsd/sd/hal/sim].
package hal
