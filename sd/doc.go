// Package sd implements a pure-Go SD/MMC protocol and transfer core.
//
// It is platform-agnostic and interacts with hardware via the [hal.Host]
// interface defined in the [github.com/ardnew/softsd/sd/hal] package. The
// HAL exposes generic operations for controller setup, command issue, bus
// parameter programming, and asynchronous DMA block I/O, allowing platform
// vendors to provide concrete implementations without changing the
// protocol core.
//
// # Architecture
//
// The core is organized around a single [Controller] per physical slot:
//
//   - The initialization state machine sequences a card from reset through
//     transfer mode: interface and operating condition negotiation with
//     the MMC fallback loop, identification and addressing, CSD/extended
//     CSD geometry, and speed-mode/bus-width negotiation
//   - The polled I/O engine copies blocks through the CPU with
//     scatter/gather fragment iteration
//   - The DMA engine drives asynchronous transfers through a
//     [hal.DMAHost], chaining hardware rounds from the completion path
//     with an exactly-once caller completion
//   - The abort and error-recovery protocol quiesces a wedged bus and
//     detects media replacement by CSD comparison
//
// # Concurrency
//
// The Controller serializes command and data transactions internally; at
// most one is in flight at a time. Status flags observed from
// interrupt-dispatch context (media-present, media-changed, pending
// insertion/removal, critical mode) live in an atomic bitset. The DMA
// completion callback is the only place a chained transfer round is
// started.
//
// A register-level host for standard SD host controllers is provided in
// [github.com/ardnew/softsd/sd/stdhost]; a software simulation for tests
// and examples lives in [github.com/ardnew/softsd/sd/hal/sim].
package sd
